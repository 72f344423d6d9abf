package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	maxConcurrentJobs    = 3
	maxTotalConnections  = 16
	maxConnectionsPerJob = 4
	minSegmentSize       = 2 * 1024 * 1024
	maxRetries           = 5
	retryBaseDelay       = 500 * time.Millisecond
	requestTimeout       = 30 * time.Second
	checkpointInterval   = time.Second
	checkpointBytes      = 256 * 1024
	maxFrameSize         = 1024 * 1024
	resolverTimeout      = 60 * time.Second
	userAgent            = "HDM/1.0"
)

var (
	downloadDir = xdg.UserDirs.Download
	configDir   = filepath.Join(xdg.ConfigHome, appName)
	tempDir     = filepath.Join(os.TempDir(), appName)

	// Hosts whose URLs need the resolver before they can be fetched
	// directly. Overridable via the config file.
	resolverPatterns = []string{
		"youtube.com/watch",
		"youtu.be/",
		"googlevideo.com",
	}
)
