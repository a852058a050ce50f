package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relaykit/relay/internal/reactor"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := Default()
	cfg.Network.Port = 80
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for privileged port")
	}
}

func TestValidateRejectsThreadNumTooLarge(t *testing.T) {
	cfg := Default()
	cfg.Network.ThreadPool.ThreadNum = 64
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for thread_num > 32")
	}
}

func TestValidateRejectsMinExceedingMax(t *testing.T) {
	cfg := Default()
	cfg.Network.ThreadPool.MinIdleThreads = 10
	cfg.Network.ThreadPool.MaxIdleThreads = 2
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for min > max idle threads")
	}
}

func TestValidateRejectsBufferGrowthFactor(t *testing.T) {
	cfg := Default()
	cfg.Base.Buffer.GrowthFactor = 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for growth_factor <= 1")
	}
}

func TestEpollModeTranslation(t *testing.T) {
	cfg := Default()
	cfg.Network.EpollMode = "ET"
	if cfg.EpollMode() != reactor.EdgeTriggered {
		t.Fatalf("expected ET to translate to EdgeTriggered")
	}
	cfg.Network.EpollMode = "LT"
	if cfg.EpollMode() != reactor.LevelTriggered {
		t.Fatalf("expected LT to translate to LevelTriggered")
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	yaml := `
network:
  ip: 0.0.0.0
  port: 9000
  thread_pool:
    thread_num: 2
    min_idle_threads: 1
    max_idle_threads: 2
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.Port != 9000 || cfg.Network.IP != "0.0.0.0" {
		t.Fatalf("unexpected network config: %+v", cfg.Network)
	}
	// Fields absent from the YAML fall back to Default()'s values.
	if cfg.Base.Buffer.GrowthFactor != 2.0 {
		t.Fatalf("expected default growth factor to survive, got %v", cfg.Base.Buffer.GrowthFactor)
	}
}

func TestStoreSwapPublishesSnapshot(t *testing.T) {
	initial := Default()
	store := NewStore(initial)
	if store.Get() != initial {
		t.Fatalf("expected initial snapshot")
	}

	next := Default()
	next.Network.Port = 9999
	store.Swap(next)
	if store.Get().Network.Port != 9999 {
		t.Fatalf("expected swapped snapshot to be visible")
	}
}
