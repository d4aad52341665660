package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STUN_URLS", "")
	t.Setenv("TURN_URLS", "")
	t.Setenv("ICE_RESTART_TIMEOUT", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Port)
	}
	if len(cfg.ICE.STUNURLs) != 2 {
		t.Errorf("Expected 2 default STUN urls, got %v", cfg.ICE.STUNURLs)
	}
	if len(cfg.ICE.TURNURLs) != 0 {
		t.Errorf("Expected no default TURN urls, got %v", cfg.ICE.TURNURLs)
	}
	if cfg.Call.RestartTimeout != 15*time.Second {
		t.Errorf("Expected 15s restart timeout, got %v", cfg.Call.RestartTimeout)
	}
	if g := cfg.Relay.Gossip; len(g.ListenAddrs) != 1 || len(g.Peers) != 0 || g.MDNSTag == "" || g.LogLevel != "error" {
		t.Errorf("Unexpected gossip defaults %+v", g)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TURN_URLS", " turn:turn.example.com:3478 , turns:turn.example.com:5349 ,")
	t.Setenv("ICE_RESTART_TIMEOUT", "3s")
	t.Setenv("REDIS_DB", "4")

	cfg := Load()
	if len(cfg.ICE.TURNURLs) != 2 || cfg.ICE.TURNURLs[1] != "turns:turn.example.com:5349" {
		t.Errorf("TURN urls not trimmed/split: %q", cfg.ICE.TURNURLs)
	}
	if cfg.Call.RestartTimeout != 3*time.Second {
		t.Errorf("Expected 3s, got %v", cfg.Call.RestartTimeout)
	}
	if cfg.Redis.DB != 4 {
		t.Errorf("Expected redis db 4, got %d", cfg.Redis.DB)
	}
}
