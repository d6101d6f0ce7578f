// Package config loads runtime configuration from a YAML file and the
// environment. Every field has a sane default so the server boots with an
// in-memory store and no config file at all.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"framedeck/internal/transcode"
)

type Config struct {
	Env         string      `yaml:"env" env:"FRAMEDECK_ENV" env-default:"production"`
	HTTP        HTTPServer  `yaml:"http_server"`
	Log         Log         `yaml:"log"`
	Storage     Storage     `yaml:"storage"`
	ObjectStore ObjectStore `yaml:"object_store"`
	Redis       Redis       `yaml:"redis"`
	Pipeline    Pipeline    `yaml:"pipeline"`
	Lifecycle   Lifecycle   `yaml:"lifecycle"`
}

type HTTPServer struct {
	Address        string   `yaml:"address" env:"FRAMEDECK_HTTP_ADDR" env-default:":8080"`
	TLSCertFile    string   `yaml:"tls_cert_file" env:"FRAMEDECK_TLS_CERT_FILE"`
	TLSKeyFile     string   `yaml:"tls_key_file" env:"FRAMEDECK_TLS_KEY_FILE"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"FRAMEDECK_ALLOWED_ORIGINS"`
}

type Log struct {
	Level  string `yaml:"level" env:"FRAMEDECK_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"FRAMEDECK_LOG_FORMAT" env-default:"json"`
}

type Storage struct {
	// Driver selects the video record store: "memory" or "postgres".
	Driver      string `yaml:"driver" env:"FRAMEDECK_STORAGE_DRIVER" env-default:"memory"`
	PostgresDSN string `yaml:"postgres_dsn" env:"FRAMEDECK_POSTGRES_DSN"`
}

type ObjectStore struct {
	Endpoint  string `yaml:"endpoint" env:"FRAMEDECK_S3_ENDPOINT" env-default:"localhost:9000"`
	AccessKey string `yaml:"access_key" env:"FRAMEDECK_S3_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"FRAMEDECK_S3_SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"FRAMEDECK_S3_BUCKET" env-default:"framedeck-media"`
	Region    string `yaml:"region" env:"FRAMEDECK_S3_REGION" env-default:"us-east-1"`
	UseSSL    bool   `yaml:"use_ssl" env:"FRAMEDECK_S3_USE_SSL" env-default:"false"`
}

type Redis struct {
	// Addr enables the status cache when non-empty; left empty, status
	// reads go straight to the record store.
	Addr     string        `yaml:"addr" env:"FRAMEDECK_REDIS_ADDR"`
	Password string        `yaml:"password" env:"FRAMEDECK_REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"FRAMEDECK_REDIS_DB" env-default:"0"`
	TTL      time.Duration `yaml:"ttl" env:"FRAMEDECK_REDIS_TTL" env-default:"30s"`
}

type Pipeline struct {
	ScratchDir   string        `yaml:"scratch_dir" env:"FRAMEDECK_SCRATCH_DIR"`
	PollInterval time.Duration `yaml:"poll_interval" env:"FRAMEDECK_POLL_INTERVAL" env-default:"2s"`
	FFmpegPath   string        `yaml:"ffmpeg_path" env:"FRAMEDECK_FFMPEG_PATH" env-default:"ffmpeg"`
	FFprobePath  string        `yaml:"ffprobe_path" env:"FRAMEDECK_FFPROBE_PATH" env-default:"ffprobe"`
	SegmentSecs  int           `yaml:"segment_secs" env:"FRAMEDECK_SEGMENT_SECS" env-default:"6"`
	// Ladder overrides the built-in rendition ladder when non-empty.
	Ladder []transcode.Rung `yaml:"ladder"`
}

type Lifecycle struct {
	Retention     time.Duration `yaml:"retention" env:"FRAMEDECK_RETENTION" env-default:"96h"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"FRAMEDECK_SWEEP_INTERVAL" env-default:"1h"`
}

// Load reads configuration from the YAML file at path, then from the
// environment. An empty path (or the FRAMEDECK_CONFIG env var) skips the file
// and reads the environment alone.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = os.Getenv("FRAMEDECK_CONFIG")
	}
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return Config{}, fmt.Errorf("read config from environment: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required with the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}
	if c.Pipeline.SegmentSecs <= 0 {
		return fmt.Errorf("pipeline.segment_secs must be positive")
	}
	for i, rung := range c.Pipeline.Ladder {
		if rung.Name == "" {
			return fmt.Errorf("pipeline.ladder[%d]: name is required", i)
		}
		if rung.Width <= 0 || rung.Height <= 0 || rung.Bitrate <= 0 {
			return fmt.Errorf("pipeline.ladder[%d] (%s): width, height and bitrate must be positive", i, rung.Name)
		}
	}
	return nil
}
