// Package resolver turns media page URLs into directly fetchable stream
// URLs. Pages from known streaming hosts cannot be downloaded as-is; an
// external extractor enumerates their available variants first.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperdm/hdm/internal/errors"
)

// ErrStreamNotFound is returned when a requested variant does not exist
// for the media.
var ErrStreamNotFound = errors.New("stream not found")

// Variant is one downloadable rendition of a media item.
type Variant struct {
	// Itag identifies the variant within its media item.
	Itag       string  `json:"itag"`
	Resolution string  `json:"resolution"`
	MimeType   string  `json:"mime_type"`
	FPS        float64 `json:"fps,omitempty"`
	Filesize   int64   `json:"filesize"`
	// FormattedSize is Filesize rendered human-readable, "Unknown" when the
	// extractor reported none.
	FormattedSize string `json:"formatted_size"`
	URL           string `json:"url,omitempty"`
	AudioOnly     bool   `json:"audio_only,omitempty"`
}

// Media is a resolved media item and its variants.
type Media struct {
	Title    string    `json:"title"`
	Variants []Variant `json:"variants"`
}

// Resolver enumerates the variants of a media page URL.
type Resolver interface {
	Resolve(ctx context.Context, url string) (*Media, error)
}

// FindVariant selects a variant by itag.
func (m *Media) FindVariant(itag string) (*Variant, error) {
	for i := range m.Variants {
		if m.Variants[i].Itag == itag {
			return &m.Variants[i], nil
		}
	}

	return nil, ErrStreamNotFound
}

// Best returns the first (highest quality) video variant, falling back to
// whatever is available.
func (m *Media) Best() (*Variant, error) {
	for i := range m.Variants {
		if !m.Variants[i].AudioOnly {
			return &m.Variants[i], nil
		}
	}

	if len(m.Variants) > 0 {
		return &m.Variants[0], nil
	}

	return nil, ErrStreamNotFound
}

// Classifier decides whether a URL needs resolution before it can be
// fetched directly.
type Classifier struct {
	patterns []string
}

// NewClassifier builds a classifier from substring patterns.
func NewClassifier(patterns []string) *Classifier {
	return &Classifier{patterns: patterns}
}

// NeedsResolution reports whether the URL matches a known streaming host.
func (c *Classifier) NeedsResolution(url string) bool {
	for _, p := range c.patterns {
		if strings.Contains(url, p) {
			return true
		}
	}

	return false
}

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatSize renders a byte count with 1024-based units.
func FormatSize(size int64) string {
	if size <= 0 {
		return "Unknown"
	}

	value := float64(size)
	for _, unit := range sizeUnits {
		if value < 1024 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
		value /= 1024
	}

	return fmt.Sprintf("%.1f PB", value)
}
