package config

import "path/filepath"

type Config struct {
	Server   ServerConfig
	LLM      LLMConfig
	Storage  StorageConfig
	Rules    RulesConfig
	Pipeline PipelineConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type LLMConfig struct {
	BaseURL    string
	Model      string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
	// UploadsDir overrides the watched uploads directory. Empty means
	// <DataDir>/uploads.
	UploadsDir string
}

// ResolvedUploadsDir returns the configured uploads directory, defaulting to
// the uploads subdirectory of the data dir.
func (s StorageConfig) ResolvedUploadsDir() string {
	if s.UploadsDir != "" {
		return s.UploadsDir
	}
	return filepath.Join(s.DataDir, "uploads")
}

type RulesConfig struct {
	// BaseURL of the rule documents. Empty or unreachable degrades analysis
	// rules to a sentinel, it never blocks the pipeline.
	BaseURL  string
	CacheTTL string
}

type PipelineConfig struct {
	BatchSize    int
	Pace         string
	MaxRetries   int
	InitialDelay string
	TopK         int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4700,
		},
		LLM: LLMConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Rules: RulesConfig{
			CacheTTL: "5m",
		},
		Pipeline: PipelineConfig{
			BatchSize:    1,
			Pace:         "2s",
			MaxRetries:   3,
			InitialDelay: "2s",
			TopK:         3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.docketloop.docket); on
// Linux it is a JSON file at $XDG_CONFIG_HOME/docket/config.json.
// Environment variables (DOCKET_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}
