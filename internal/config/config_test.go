package config

import (
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.Engine.MaxConcurrentJobs != 3 {
		t.Errorf("expected 3 concurrent jobs, got %d", cfg.Engine.MaxConcurrentJobs)
	}
	if cfg.Engine.MaxTotalConnections != 16 {
		t.Errorf("expected 16 total connections, got %d", cfg.Engine.MaxTotalConnections)
	}
	if cfg.Engine.MaxConnectionsPerJob != 4 {
		t.Errorf("expected 4 connections per job, got %d", cfg.Engine.MaxConnectionsPerJob)
	}
	if cfg.Engine.MinSegmentSize != 2*1024*1024 {
		t.Errorf("expected 2 MiB segment floor, got %d", cfg.Engine.MinSegmentSize)
	}
	if cfg.Engine.RetryBaseDelay != 500*time.Millisecond {
		t.Errorf("expected 500ms base delay, got %v", cfg.Engine.RetryBaseDelay)
	}
	if cfg.Bridge.MaxFrameSize != 1024*1024 {
		t.Errorf("expected 1 MiB frame limit, got %d", cfg.Bridge.MaxFrameSize)
	}
	if len(cfg.Resolver.Patterns) == 0 {
		t.Error("expected default resolver patterns")
	}
}

func TestZeroOr(t *testing.T) {
	if got := zeroOr(0, 7); got != 7 {
		t.Errorf("zero int must take the default, got %d", got)
	}
	if got := zeroOr(3, 7); got != 3 {
		t.Errorf("set int must win, got %d", got)
	}
	if got := zeroOr("", "fallback"); got != "fallback" {
		t.Errorf("empty string must take the default, got %q", got)
	}
	if got := zeroOr([]string(nil), []string{"a"}); len(got) != 1 {
		t.Errorf("nil slice must take the default, got %v", got)
	}

	var nilEngine *EngineConfig
	def := &EngineConfig{MaxRetries: 5}
	if got := zeroOr(nilEngine, def); got != def {
		t.Error("nil pointer must take the default")
	}
}
