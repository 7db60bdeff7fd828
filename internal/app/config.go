package app

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	StorageRoot    string `yaml:"storage_root"`
	StorageBackend string `yaml:"storage_backend"` // file|sqlite

	Backend BackendSettings `yaml:"backend"`

	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// Global configuration forwarded to the backend on initialize.
	OpenAIAPIKey       string `yaml:"openai_api_key"`
	OpenAIBaseURL      string `yaml:"openai_base_url"`
	DashscopeAPIKey    string `yaml:"ali_dashscope_api_key"`
	DashscopeBaseURL   string `yaml:"ali_dashscope_base_url"`
	AnalysisModel      string `yaml:"analysis_model"`
	ProcessingModel    string `yaml:"processing_model"`
	CaptionModel       string `yaml:"caption_model"`
	ASRModel           string `yaml:"asr_model"`
	ImageBindModelPath string `yaml:"image_bind_model_path"`
}

type BackendSettings struct {
	// Mode is "supervised" (we spawn the backend executable) or "external"
	// (someone else starts it and we only discover the port).
	Mode    string   `yaml:"mode"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	PortStart int `yaml:"port_start"`
	PortEnd   int `yaml:"port_end"`

	StartupGraceSeconds  int `yaml:"startup_grace_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	MaxSweeps            int `yaml:"max_sweeps"`
	ProbeTimeoutMillis   int `yaml:"probe_timeout_millis"`
}

func DefaultConfig() Config {
	return Config{
		StorageRoot:    DefaultStorageRoot(),
		StorageBackend: "file",
		Backend: BackendSettings{
			Mode:                 "supervised",
			PortStart:            64451,
			PortEnd:              64470,
			StartupGraceSeconds:  3,
			SweepIntervalSeconds: 2,
			MaxSweeps:            60,
			ProbeTimeoutMillis:   1500,
		},
		PollIntervalSeconds: 2,
		AnalysisModel:       "gpt-4o",
		ProcessingModel:     "gpt-4o-mini",
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultConfigPath()
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = DefaultStorageRoot()
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "file"
	}
	if cfg.Backend.Mode == "" {
		cfg.Backend.Mode = "supervised"
	}
	if cfg.Backend.PortStart <= 0 {
		cfg.Backend.PortStart = 64451
	}
	if cfg.Backend.PortEnd < cfg.Backend.PortStart {
		cfg.Backend.PortEnd = cfg.Backend.PortStart + 19
	}
	if cfg.Backend.StartupGraceSeconds <= 0 {
		cfg.Backend.StartupGraceSeconds = 3
	}
	if cfg.Backend.SweepIntervalSeconds <= 0 {
		cfg.Backend.SweepIntervalSeconds = 2
	}
	if cfg.Backend.MaxSweeps <= 0 {
		cfg.Backend.MaxSweeps = 60
	}
	if cfg.Backend.ProbeTimeoutMillis <= 0 {
		cfg.Backend.ProbeTimeoutMillis = 1500
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 2
	}
	return cfg, nil
}

func SaveConfig(cfg Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if path == "" {
		return errors.New("no path provided for config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "vimo", "config.yml")
}

// InitializePayload builds the global configuration document the backend
// expects on POST /api/initialize.
func (c Config) InitializePayload() InitializePayload {
	return InitializePayload{
		OpenAIAPIKey:       c.OpenAIAPIKey,
		OpenAIBaseURL:      c.OpenAIBaseURL,
		DashscopeAPIKey:    c.DashscopeAPIKey,
		DashscopeBaseURL:   c.DashscopeBaseURL,
		AnalysisModel:      c.AnalysisModel,
		ProcessingModel:    c.ProcessingModel,
		CaptionModel:       c.CaptionModel,
		ASRModel:           c.ASRModel,
		BaseStoragePath:    c.StorageRoot,
		ImageBindModelPath: c.ImageBindModelPath,
	}
}
