package app

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/avlokan/internal/fetcher"
)

type HeaderConfig struct {
	Name  string `toml:"name"`
	Value string `toml:"value"`
}

// Duration reads TOML strings like "10s" or "1h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server struct {
		Port       string `toml:"port"`
		EnableAuth bool   `toml:"enable_auth"`
	} `toml:"server"`

	Auth struct {
		RedisURL         string `toml:"redis_url"`
		TokenHeader      string `toml:"token_header"`
		TokenKeyTemplate string `toml:"token_key_template"`
	} `toml:"auth"`

	API struct {
		UserIDHeader       string         `toml:"user_id_header"`
		CapabilitiesHeader string         `toml:"capabilities_header"`
		RequiredHeaders    []HeaderConfig `toml:"required_headers"`
	} `toml:"api"`

	Database struct {
		DSN           string `toml:"dsn"`
		MigrationsDir string `toml:"migrations_dir"`
	} `toml:"database"`

	Storage struct {
		Root string `toml:"root"`
	} `toml:"storage"`

	Verification struct {
		Pdftotext         string   `toml:"pdftotext"`
		Pdftoppm          string   `toml:"pdftoppm"`
		DPI               int      `toml:"dpi"`
		BarcodePage       int      `toml:"barcode_page"`
		IssuerHosts       []string `toml:"issuer_hosts"`
		AnchorLabel       string   `toml:"anchor_label"`
		FetchTimeout      Duration `toml:"fetch_timeout"`
		MaxDocumentBytes  int      `toml:"max_document_bytes"`
		LongNameThreshold int      `toml:"long_name_threshold"`
	} `toml:"verification"`

	Cleanup struct {
		Interval  Duration `toml:"interval"`
		Threshold Duration `toml:"threshold"`
	} `toml:"cleanup"`
}

const (
	EnvDatabaseDSN = "AVLOKAN_DATABASE_DSN"
	EnvRedisURL    = "AVLOKAN_REDIS_URL"
	EnvStorageRoot = "AVLOKAN_STORAGE_ROOT"
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return ParseConfig(path, data)
}

func ParseConfig(path string, data []byte) (*Config, error) {
	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf(
			"error reading config file %s\n> Error: %w\n> Content:\n%s",
			path,
			err,
			string(data),
		)
	}

	config.applyEnv()
	config.applyDefaults()

	if config.Server.Port == "" {
		return nil, fmt.Errorf("Server port is not specified in config, use a value like :9999")
	}
	if config.Database.DSN == "" {
		return nil, fmt.Errorf("Database dsn is not specified in config or %s", EnvDatabaseDSN)
	}
	if config.Server.EnableAuth && config.Auth.RedisURL == "" {
		return nil, fmt.Errorf("Auth is enabled but auth.redis_url is empty")
	}

	logger.Debug.Printf("Loaded verification config: %+v", config.Verification)

	return &config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Auth.RedisURL = v
	}
	if v := os.Getenv(EnvStorageRoot); v != "" {
		c.Storage.Root = v
	}
}

func (c *Config) applyDefaults() {
	if c.Database.MigrationsDir == "" {
		c.Database.MigrationsDir = "./migrations"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "./certificates"
	}
	if c.Auth.TokenHeader == "" {
		c.Auth.TokenHeader = "Authorization"
	}
	if c.Auth.TokenKeyTemplate == "" {
		c.Auth.TokenKeyTemplate = "auth:{token}"
	}
	if c.API.UserIDHeader == "" {
		c.API.UserIDHeader = "X-User-ID"
	}
	if c.API.CapabilitiesHeader == "" {
		c.API.CapabilitiesHeader = "X-User-Capabilities"
	}

	v := &c.Verification
	if v.Pdftotext == "" {
		v.Pdftotext = "pdftotext"
	}
	if v.Pdftoppm == "" {
		v.Pdftoppm = "pdftoppm"
	}
	if v.DPI <= 0 {
		v.DPI = 150
	}
	if len(v.IssuerHosts) == 0 {
		v.IssuerHosts = []string{"nptel.ac.in"}
	}
	if v.AnchorLabel == "" {
		v.AnchorLabel = "Course Certificate"
	}
	if v.FetchTimeout.Duration <= 0 {
		v.FetchTimeout.Duration = 10 * time.Second
	}
	if v.LongNameThreshold <= 0 {
		v.LongNameThreshold = 57
	}
	if v.MaxDocumentBytes <= 0 {
		v.MaxDocumentBytes = fetcher.DefaultMaxBodySize
	}

	if c.Cleanup.Interval.Duration <= 0 {
		c.Cleanup.Interval.Duration = time.Hour
	}
	if c.Cleanup.Threshold.Duration <= 0 {
		c.Cleanup.Threshold.Duration = time.Hour
	}
}
