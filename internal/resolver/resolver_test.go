package resolver

import "testing"

func TestFormatSize(t *testing.T) {
	cases := []struct {
		size int64
		want string
	}{
		{0, "Unknown"},
		{-1, "Unknown"},
		{512, "512.0 B"},
		{2048, "2.0 KB"},
		{52428800, "50.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}

	for _, tc := range cases {
		if got := FormatSize(tc.size); got != tc.want {
			t.Errorf("FormatSize(%d) = %q, want %q", tc.size, got, tc.want)
		}
	}
}

func TestClassifier(t *testing.T) {
	c := NewClassifier([]string{"youtube.com/watch", "youtu.be/"})

	if !c.NeedsResolution("https://www.youtube.com/watch?v=abc") {
		t.Error("watch URL should need resolution")
	}
	if !c.NeedsResolution("https://youtu.be/abc") {
		t.Error("short URL should need resolution")
	}
	if c.NeedsResolution("https://example.com/file.zip") {
		t.Error("plain file URL should not need resolution")
	}
}

func TestFindVariant(t *testing.T) {
	media := &Media{
		Title: "clip",
		Variants: []Variant{
			{Itag: "22", Resolution: "1280x720"},
			{Itag: "140", Resolution: "audio", AudioOnly: true},
		},
	}

	v, err := media.FindVariant("22")
	if err != nil {
		t.Fatalf("expected itag 22, got %v", err)
	}
	if v.Resolution != "1280x720" {
		t.Errorf("wrong variant: %+v", v)
	}

	if _, err := media.FindVariant("18"); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestBestPrefersVideo(t *testing.T) {
	media := &Media{
		Variants: []Variant{
			{Itag: "140", Resolution: "audio", AudioOnly: true},
			{Itag: "22", Resolution: "1280x720"},
		},
	}

	v, err := media.Best()
	if err != nil {
		t.Fatal(err)
	}
	if v.Itag != "22" {
		t.Errorf("expected the video variant, got %+v", v)
	}

	empty := &Media{}
	if _, err := empty.Best(); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound for empty media, got %v", err)
	}
}

func TestReduceFormats(t *testing.T) {
	size720 := int64(50 << 20)
	size1080 := int64(90 << 20)
	sizeAudioSmall := int64(1 << 20)
	sizeAudioBig := int64(3 << 20)

	formats := []ytdlpFormat{
		// Manifest formats must be skipped.
		{FormatID: "hls", URL: "https://x/m", Resolution: "1920x1080", Protocol: "m3u8_native"},
		// Video-only 1080p, then nothing better for that resolution.
		{FormatID: "137", URL: "https://x/137", Resolution: "1920x1080", Height: 1080, VCodec: "avc1", ACodec: "none", Ext: "mp4", Filesize: &size1080},
		// Progressive 720p with audio.
		{FormatID: "22", URL: "https://x/22", Resolution: "1280x720", Height: 720, VCodec: "avc1", ACodec: "mp4a", Ext: "mp4", Filesize: &size720},
		// Two audio streams; the larger wins.
		{FormatID: "139", URL: "https://x/139", VCodec: "none", ACodec: "mp4a", Ext: "m4a", Filesize: &sizeAudioSmall},
		{FormatID: "140", URL: "https://x/140", VCodec: "none", ACodec: "mp4a", Ext: "m4a", Filesize: &sizeAudioBig},
		// Missing URL must be skipped.
		{FormatID: "18", Resolution: "640x360", Height: 360, VCodec: "avc1", ACodec: "mp4a", Ext: "mp4"},
	}

	variants := reduceFormats(formats)

	if len(variants) != 3 {
		t.Fatalf("expected 3 variants (1080p, 720p, audio), got %d: %+v", len(variants), variants)
	}

	if variants[0].Resolution != "1920x1080" || variants[0].Itag != "137" {
		t.Errorf("expected 1080p first, got %+v", variants[0])
	}
	if variants[1].Itag != "22" {
		t.Errorf("expected 720p second, got %+v", variants[1])
	}

	audio := variants[2]
	if !audio.AudioOnly || audio.Itag != "140" {
		t.Errorf("expected the larger audio stream last, got %+v", audio)
	}
	if audio.FormattedSize != "3.0 MB" {
		t.Errorf("expected formatted size, got %q", audio.FormattedSize)
	}
}
