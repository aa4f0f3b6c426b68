// Package config holds Worker configuration, loaded primarily from the
// environment per spec §6 "Environment", with an optional YAML file for
// static defaults, following the reference's LoadFromFile/LoadFromEnv split.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolConfig tunes the isolated Health Reporter loop (§4.G) and the
// bounded recovery/teardown timeouts (§5).
type PoolConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthGatherTimeout time.Duration `yaml:"health_gather_timeout"`
	DestroyTimeout      time.Duration `yaml:"destroy_timeout"`
}

// VenvConfig is the global virtualenv default (§4.C, §6).
type VenvConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SkipIfInstalled bool  `yaml:"skip_if_installed"`
	Root           string `yaml:"root"`
}

// MetricsConfig configures the background Prometheus exporter (§6
// "CLI / metrics").
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// GRPCConfig configures the inbound wire service (§6 inbound operations
// table) and the outbound Supervisor Client connections.
type GRPCConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	SupervisorAddr  string `yaml:"supervisor_addr"`
}

// TracingConfig configures the OpenTelemetry tracer wrapped around Launch
// Controller checkpoints and Terminate.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RedisConfig configures the Progress Tracker publisher (§4.D, §6).
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// S3Config configures the artifact Downloader (§4.D).
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
}

// Config is the Worker's full runtime configuration.
type Config struct {
	Pool      PoolConfig    `yaml:"pool"`
	Venv      VenvConfig    `yaml:"venv"`
	Metrics   MetricsConfig `yaml:"metrics"`
	GRPC      GRPCConfig    `yaml:"grpc"`
	Redis     RedisConfig   `yaml:"redis"`
	S3        S3Config      `yaml:"s3"`
	Tracing   TracingConfig `yaml:"tracing"`

	DisableHealthCheck bool   `yaml:"disable_health_check"`
	AutoRecoverLimit   *int   `yaml:"auto_recover_limit"` // nil = unlimited (§3 Model Table recovery counter)
	CacheDir           string `yaml:"cache_dir"`          // purged at startup (§6 "Persisted state")
	LogLevel           string `yaml:"log_level"`
	LogFormat          string `yaml:"log_format"`
	GPUVisibilityEnvKey string `yaml:"gpu_visibility_env_key"` // defaults to CUDA_VISIBLE_DEVICES (§4.E step 3)
	TotalGPUs          []int  `yaml:"total_gpus"`
}

// Default returns a Config with sensible defaults, mirroring the reference's
// DefaultConfig().
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			HealthCheckInterval: 15 * time.Second,
			HealthGatherTimeout: 2 * time.Second,
			DestroyTimeout:      5 * time.Second,
		},
		Venv: VenvConfig{
			Enabled: true,
			Root:    "/var/lib/worker/venvs",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    0, // 0 = disabled unless explicitly set
		},
		GRPC: GRPCConfig{
			ListenAddr: ":7700",
		},
		CacheDir:            "/var/cache/worker",
		LogLevel:            "info",
		LogFormat:           "text",
		GPUVisibilityEnvKey: "CUDA_VISIBLE_DEVICES",
		Tracing: TracingConfig{
			Exporter:    "otlp-http",
			ServiceName: "cortexnode-worker",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads a YAML config file layered on top of Default().
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies the environment variable table of spec §6 on top of
// cfg, following the reference's LoadFromEnv(cfg) idiom: every variable is
// optional and only overrides when set.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("WORKER_DISABLE_HEALTH_CHECK"); v != "" {
		cfg.DisableHealthCheck = v == "true" || v == "1"
	}
	if v := os.Getenv("WORKER_DISABLE_METRICS"); v != "" {
		cfg.Metrics.Enabled = !(v == "true" || v == "1")
	}
	if v := os.Getenv("WORKER_AUTO_RECOVER_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AutoRecoverLimit = &n
		}
	}
	if v := os.Getenv("WORKER_HEALTH_CHECK_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.HealthCheckInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("WORKER_VENV_ENABLE"); v != "" {
		cfg.Venv.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WORKER_VENV_SKIP_INSTALLED"); v != "" {
		cfg.Venv.SkipIfInstalled = v == "true" || v == "1"
	}
	if v := os.Getenv("WORKER_VENV_ROOT"); v != "" {
		cfg.Venv.Root = v
	}
	if v := os.Getenv("WORKER_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("WORKER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WORKER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("WORKER_GRPC_LISTEN_ADDR"); v != "" {
		cfg.GRPC.ListenAddr = v
	}
	if v := os.Getenv("WORKER_SUPERVISOR_ADDR"); v != "" {
		cfg.GRPC.SupervisorAddr = v
	}
	if v := os.Getenv("WORKER_METRICS_HOST"); v != "" {
		cfg.Metrics.Host = v
	}
	if v := os.Getenv("WORKER_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = n
		}
	}
	if v := os.Getenv("WORKER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("WORKER_S3_BUCKET"); v != "" {
		cfg.S3.Bucket = v
	}
	if v := os.Getenv("WORKER_S3_REGION"); v != "" {
		cfg.S3.Region = v
	}
	if v := os.Getenv("WORKER_GPU_VISIBILITY_ENV_KEY"); v != "" {
		cfg.GPUVisibilityEnvKey = v
	}
	if v := os.Getenv("WORKER_TOTAL_GPUS"); v != "" {
		cfg.TotalGPUs = parseIntList(v)
	}
	if v := os.Getenv("WORKER_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WORKER_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

func parseIntList(s string) []int {
	var out []int
	cur := 0
	has := false
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			cur = cur*10 + int(c-'0')
			has = true
		case c == ',':
			if has {
				out = append(out, cur)
			}
			cur, has = 0, false
		}
	}
	if has {
		out = append(out, cur)
	}
	return out
}
