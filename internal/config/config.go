// Package config loads autodev settings from defaults, an optional YAML file,
// AUTODEV_ environment variables and command-line flags, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	envPrefix      = "AUTODEV_"
	configFileName = "autodev.yaml"

	StrategyStream = "stream"
	StrategyPoll   = "poll"

	CreateEndpointProject = "project"
	CreateEndpointAutodev = "autodev"
)

type Config struct {
	DataDir string       `koanf:"data_dir"`
	API     APIConfig    `koanf:"api"`
	Feed    FeedConfig   `koanf:"feed"`
	Live    LiveConfig   `koanf:"live"`
	Stream  StreamConfig `koanf:"stream"`
	Log     LogConfig    `koanf:"log"`
	Mock    MockConfig   `koanf:"mock"`

	// FileUsed is the config file that was read, if any.
	FileUsed string `koanf:"-"`
}

type APIConfig struct {
	BaseURL        string        `koanf:"base_url"`
	Timeout        time.Duration `koanf:"timeout"`
	Token          string        `koanf:"token"`
	CreateEndpoint string        `koanf:"create_endpoint"`
}

type FeedConfig struct {
	PageSize int `koanf:"page_size"`
}

type LiveConfig struct {
	Strategy     string        `koanf:"strategy"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

type StreamConfig struct {
	CompleteKeywords []string `koanf:"complete_keywords"`
	FailureKeywords  []string `koanf:"failure_keywords"`
	ClassifierScript string   `koanf:"classifier_script"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type MockConfig struct {
	Addr     string `koanf:"addr"`
	Scenario string `koanf:"scenario"`
}

// sections are the top-level keys whose env vars map AUTODEV_<SECTION>_<KEY>
// onto <section>.<key>.
var sections = []string{"api", "feed", "live", "stream", "log", "mock"}

// flagKeys maps persistent CLI flag names onto config keys.
var flagKeys = map[string]string{
	"data-dir":      "data_dir",
	"base-url":      "api.base_url",
	"token":         "api.token",
	"timeout":       "api.timeout",
	"page-size":     "feed.page_size",
	"strategy":      "live.strategy",
	"poll-interval": "live.poll_interval",
	"log-level":     "log.level",
	"log-format":    "log.format",
	"addr":          "mock.addr",
	"scenario":      "mock.scenario",
}

func defaults(dataDir string) map[string]interface{} {
	return map[string]interface{}{
		"data_dir":                 dataDir,
		"api.base_url":             "http://localhost:8080",
		"api.timeout":              "30s",
		"api.token":                "",
		"api.create_endpoint":      CreateEndpointProject,
		"feed.page_size":           25,
		"live.strategy":            StrategyStream,
		"live.poll_interval":       "5s",
		"stream.complete_keywords": []string{"completed", "Execution completed"},
		"stream.failure_keywords":  []string{"failed", "Error"},
		"stream.classifier_script": "",
		"log.level":                "info",
		"log.format":               "text",
		"mock.addr":                ":8080",
		"mock.scenario":            "",
	}
}

// Default returns the configuration with no file, env or flag overrides.
func Default() (*Config, error) {
	return Load("", nil)
}

// Load builds the configuration. cfgFile may be empty, in which case
// ./autodev.yaml and then <data_dir>/autodev.yaml are tried. Only flags that
// were explicitly set override lower layers.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	dataDir, err := defaultDataDir()
	if err != nil {
		return nil, err
	}
	if flags != nil && flags.Changed("data-dir") {
		dataDir, _ = flags.GetString("data-dir")
	}

	if err := k.Load(confmap.Provider(defaults(dataDir), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	fileUsed := findConfigFile(cfgFile, dataDir)
	if fileUsed != "" {
		if err := k.Load(file.Provider(fileUsed), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", fileUsed, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.FileUsed = fileUsed
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey turns AUTODEV_API_BASE_URL into api.base_url and AUTODEV_DATA_DIR
// into data_dir.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	for _, sec := range sections {
		if strings.HasPrefix(key, sec+"_") {
			return sec + "." + strings.TrimPrefix(key, sec+"_")
		}
	}
	return key
}

// envValue maps an env var onto its key; keyword lists are comma separated.
func envValue(name, value string) (string, interface{}) {
	key := envKey(name)
	if strings.HasSuffix(key, "_keywords") {
		var list []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				list = append(list, part)
			}
		}
		return key, list
	}
	return key, value
}

func findConfigFile(explicit, dataDir string) string {
	if explicit != "" {
		return explicit
	}
	for _, candidate := range []string{configFileName, filepath.Join(dataDir, configFileName)} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func defaultDataDir() (string, error) {
	if v, ok := os.LookupEnv("AUTODEV_DATA_DIR"); ok && v != "" {
		return v, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".autodev"), nil
}

func (c *Config) Validate() error {
	switch c.Live.Strategy {
	case StrategyStream, StrategyPoll:
	default:
		return fmt.Errorf("live.strategy must be %q or %q, got %q", StrategyStream, StrategyPoll, c.Live.Strategy)
	}
	switch c.API.CreateEndpoint {
	case CreateEndpointProject, CreateEndpointAutodev:
	default:
		return fmt.Errorf("api.create_endpoint must be %q or %q, got %q", CreateEndpointProject, CreateEndpointAutodev, c.API.CreateEndpoint)
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.Feed.PageSize <= 0 {
		return fmt.Errorf("feed.page_size must be positive")
	}
	if c.Live.PollInterval <= 0 {
		return fmt.Errorf("live.poll_interval must be positive")
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "autodev.db")
}

func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "autodev.log")
}
