package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// StationConfig represents the station configuration
type StationConfig struct {
	API      APIConfig      `toml:"api"`
	Sync     SyncConfig     `toml:"sync"`
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
	Web      WebConfig      `toml:"web"`
}

// APIConfig holds remote service connection settings
type APIConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"` // Stored after provisioning
}

// SyncConfig holds synchronization cadence settings
type SyncConfig struct {
	DeltaIntervalSeconds    int `toml:"delta_interval_seconds"`
	FlushIntervalSeconds    int `toml:"flush_interval_seconds"`
	WatermarkOverlapSeconds int `toml:"watermark_overlap_seconds"`
	PageSize                int `toml:"page_size"`
}

// DatabaseConfig holds snapshot location settings
type DatabaseConfig struct {
	Path string `toml:"path"` // Empty means platform-specific default
}

// LoggingConfig holds log settings
type LoggingConfig struct {
	Level string `toml:"level"`
}

// WebConfig holds station UI settings
type WebConfig struct {
	HTTPPort int `toml:"http_port"`
}

// DefaultStationConfig returns station configuration with sensible defaults
func DefaultStationConfig() *StationConfig {
	return &StationConfig{
		API: APIConfig{
			URL:   "",
			Token: "",
		},
		Sync: SyncConfig{
			DeltaIntervalSeconds:    60,
			FlushIntervalSeconds:    30,
			WatermarkOverlapSeconds: 120,
			PageSize:                100,
		},
		Database: DatabaseConfig{
			Path: "",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Web: WebConfig{
			HTTPPort: 8090,
		},
	}
}

// LoadStationConfig loads configuration from a TOML file with environment
// variable overrides. Returns an error if the config file does not exist or
// cannot be parsed.
func LoadStationConfig(configPath string) (*StationConfig, error) {
	cfg := DefaultStationConfig()

	if _, err := os.Stat(configPath); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", configPath, err)
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

// applyEnvOverrides lets environment variables win over the file, so Docker
// and service deployments can configure the station without editing TOML.
func (c *StationConfig) applyEnvOverrides() {
	if val := os.Getenv("STATION_API_URL"); val != "" {
		c.API.URL = val
	}
	if val := os.Getenv("STATION_API_TOKEN"); val != "" {
		c.API.Token = val
	}
	if val := os.Getenv("DB_PATH"); val != "" {
		c.Database.Path = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Logging.Level = strings.ToLower(val)
	}
	if val := os.Getenv("WEB_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Web.HTTPPort = port
		}
	}
	if val := os.Getenv("SYNC_DELTA_INTERVAL_SECONDS"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			c.Sync.DeltaIntervalSeconds = secs
		}
	}
}

// normalize clamps out-of-range values back to defaults.
func (c *StationConfig) normalize() {
	if c.Sync.DeltaIntervalSeconds <= 0 {
		c.Sync.DeltaIntervalSeconds = 60
	}
	if c.Sync.FlushIntervalSeconds <= 0 {
		c.Sync.FlushIntervalSeconds = 30
	}
	if c.Sync.WatermarkOverlapSeconds < 0 {
		c.Sync.WatermarkOverlapSeconds = 120
	}
	if c.Sync.PageSize <= 0 || c.Sync.PageSize > 500 {
		c.Sync.PageSize = 100
	}
	if c.Web.HTTPPort <= 0 {
		c.Web.HTTPPort = 8090
	}
	c.API.URL = strings.TrimRight(strings.TrimSpace(c.API.URL), "/")
}

// WriteDefaultStationConfig writes a default station configuration file
func WriteDefaultStationConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}
	f, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(DefaultStationConfig())
}

// FindConfigPath returns the first existing station.toml among the search
// locations, or the preferred location (next to the data dir) when none
// exists yet.
func FindConfigPath(dataDir string) string {
	candidates := []string{
		"station.toml",
		filepath.Join(dataDir, "station.toml"),
	}
	if runtimeDir := os.Getenv("STATION_CONFIG"); runtimeDir != "" {
		candidates = append([]string{runtimeDir}, candidates...)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dataDir, "station.toml")
}

// LoadOrGenerateStationID loads the station ID from file or generates a new
// UUID and persists it.
func LoadOrGenerateStationID(dataDir string) (string, error) {
	idPath := filepath.Join(dataDir, "station_id")

	data, err := os.ReadFile(idPath)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := uuid.New().String()

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(idPath, []byte(id), 0600); err != nil {
		return "", err
	}

	return id, nil
}
