package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/hyperdm/hdm/internal/config"
	"github.com/hyperdm/hdm/internal/errors"
	"github.com/hyperdm/hdm/internal/logger"
)

// ErrBinaryNotFound is returned when the extractor binary is not on PATH.
var ErrBinaryNotFound = errors.New("yt-dlp binary not found in PATH")

// YTDLP resolves media by shelling out to yt-dlp with JSON output.
type YTDLP struct {
	binary  string
	timeout time.Duration
}

// NewYTDLP builds a resolver from configuration.
func NewYTDLP(cfg *config.ResolverConfig) *YTDLP {
	binary := "yt-dlp"
	if cfg != nil && strings.TrimSpace(cfg.BinaryPath) != "" {
		binary = cfg.BinaryPath
	}

	timeout := 60 * time.Second
	if cfg != nil && cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	return &YTDLP{binary: binary, timeout: timeout}
}

// ytdlpFormat is the slice of yt-dlp's per-format JSON the resolver needs.
type ytdlpFormat struct {
	FormatID   string  `json:"format_id"`
	Ext        string  `json:"ext"`
	Resolution string  `json:"resolution"`
	URL        string  `json:"url"`
	VCodec     string  `json:"vcodec"`
	ACodec     string  `json:"acodec"`
	FPS        float64 `json:"fps"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Filesize   *int64  `json:"filesize"`
	Approx     *int64  `json:"filesize_approx"`
	Protocol   string  `json:"protocol"`
}

// Resolve runs the extractor and reduces its format list to one variant per
// resolution plus a single audio-only entry.
func (y *YTDLP) Resolve(ctx context.Context, url string) (*Media, error) {
	log := logger.Get("resolver")

	if _, err := exec.LookPath(y.binary); err != nil {
		return nil, ErrBinaryNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, y.binary, "-J", "--no-playlist", url)

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(string(exitErr.Stderr))
			if msg != "" {
				return nil, fmt.Errorf("extractor failed: %s", firstLine(msg))
			}
		}

		return nil, fmt.Errorf("extractor failed: %w", err)
	}

	var data struct {
		Title   string        `json:"title"`
		Formats []ytdlpFormat `json:"formats"`
	}

	if err := json.Unmarshal(output, &data); err != nil {
		return nil, fmt.Errorf("failed to decode extractor output: %w", err)
	}

	media := &Media{
		Title:    data.Title,
		Variants: reduceFormats(data.Formats),
	}

	log.Debug().
		Str("url", url).
		Str("title", media.Title).
		Int("variants", len(media.Variants)).
		Msg("media resolved")

	return media, nil
}

// reduceFormats keeps one progressive HTTP variant per resolution, highest
// first, and one audio-only variant. Manifest-only formats cannot be
// fetched with ranged GETs and are skipped.
func reduceFormats(formats []ytdlpFormat) []Variant {
	type candidate struct {
		variant Variant
		height  int
	}

	byResolution := make(map[string]candidate)

	var audio *Variant

	for _, f := range formats {
		if f.URL == "" || f.FormatID == "" {
			continue
		}
		if strings.HasPrefix(f.Protocol, "m3u8") || f.Protocol == "http_dash_segments" {
			continue
		}

		size := int64(0)
		if f.Filesize != nil {
			size = *f.Filesize
		} else if f.Approx != nil {
			size = *f.Approx
		}

		if f.VCodec == "none" {
			// Audio-only: keep the largest, which tracks bitrate closely
			// enough without parsing codec details.
			if audio == nil || size > audio.Filesize {
				audio = &Variant{
					Itag:          f.FormatID,
					Resolution:    "audio",
					MimeType:      "audio/" + f.Ext,
					Filesize:      size,
					FormattedSize: FormatSize(size),
					URL:           f.URL,
					AudioOnly:     true,
				}
			}

			continue
		}

		resolution := strings.TrimSpace(f.Resolution)
		if resolution == "" && f.Width > 0 && f.Height > 0 {
			resolution = fmt.Sprintf("%dx%d", f.Width, f.Height)
		}
		if resolution == "" {
			continue
		}

		v := Variant{
			Itag:          f.FormatID,
			Resolution:    resolution,
			MimeType:      "video/" + f.Ext,
			FPS:           f.FPS,
			Filesize:      size,
			FormattedSize: FormatSize(size),
			URL:           f.URL,
		}

		// Later formats of the same resolution win: yt-dlp lists them in
		// ascending quality order, and ones with audio come after
		// video-only ones.
		if existing, ok := byResolution[resolution]; !ok || f.ACodec != "none" || existing.variant.Filesize < size {
			byResolution[resolution] = candidate{variant: v, height: f.Height}
		}
	}

	candidates := make([]candidate, 0, len(byResolution))
	for _, c := range byResolution {
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].height > candidates[j].height
	})

	variants := make([]Variant, 0, len(candidates)+1)
	for _, c := range candidates {
		variants = append(variants, c.variant)
	}

	if audio != nil {
		variants = append(variants, *audio)
	}

	return variants
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}

	return s
}
