package config

import "testing"

func TestLoadFromEnvAutoRecoverLimit(t *testing.T) {
	t.Setenv("WORKER_AUTO_RECOVER_LIMIT", "3")
	t.Setenv("WORKER_TOTAL_GPUS", "0,1,2,3")
	cfg := Default()
	LoadFromEnv(cfg)
	if cfg.AutoRecoverLimit == nil || *cfg.AutoRecoverLimit != 3 {
		t.Fatalf("expected auto recover limit 3, got %v", cfg.AutoRecoverLimit)
	}
	if len(cfg.TotalGPUs) != 4 {
		t.Fatalf("expected 4 gpus, got %v", cfg.TotalGPUs)
	}
}

func TestDefaultUnlimitedRecovery(t *testing.T) {
	cfg := Default()
	if cfg.AutoRecoverLimit != nil {
		t.Fatalf("expected nil (unlimited) by default, got %v", *cfg.AutoRecoverLimit)
	}
}
