package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env        string     `yaml:"env" env:"ENV" env-default:"production"`
	PGSQL      PQSQL      `yaml:"pgsql"`
	Redis      Redis      `yaml:"redis"`
	MinIO      MinIO      `yaml:"minio"`
	HTTPServer HTTPServer `yaml:"http_server"`
	Uploads    Uploads    `yaml:"uploads"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	JWTSecret  string     `yaml:"jwt_secret" env:"JWT_SECRET" env-required:"true"`
}

type HTTPServer struct {
	Address      string        `yaml:"address" env:"HTTP_ADDRESS" env-default:"localhost:8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env-default:"5m"`
	WriteTimeout time.Duration `yaml:"write_timeout" env-default:"15m"`
}

type PQSQL struct {
	Host     string `yaml:"host" env:"PG_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"PG_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"PG_USER" env-default:"postgres"`
	Password string `yaml:"password" env:"PG_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"PG_DBNAME" env-default:"uploads_db"`
	SSLMode  string `yaml:"sslmode" env:"PG_SSLMODE" env-default:"disable"`
}

func (p PQSQL) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type MinIO struct {
	Endpoint        string `yaml:"endpoint" env:"MINIO_ENDPOINT" env-default:"localhost:9000"`
	AccessKeyID     string `yaml:"access_key_id" env:"MINIO_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"MINIO_SECRET_ACCESS_KEY"`
	BucketName      string `yaml:"bucket_name" env:"MINIO_BUCKET" env-default:"uploads"`
	UseSSL          bool   `yaml:"use_ssl" env:"MINIO_USE_SSL"`
}

// Uploads holds the upload engine policy
type Uploads struct {
	SessionTTL       time.Duration `yaml:"session_ttl" env:"UPLOADS_SESSION_TTL" env-default:"6h"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"UPLOADS_SWEEP_INTERVAL" env-default:"1m"`
	ExpiredRetention time.Duration `yaml:"expired_retention" env-default:"24h"`
	CommitTimeout    time.Duration `yaml:"commit_timeout" env:"UPLOADS_COMMIT_TIMEOUT" env-default:"10m"`
	ChunkWriteLease  time.Duration `yaml:"chunk_write_lease" env:"UPLOADS_CHUNK_WRITE_LEASE" env-default:"10m"`
	MaxChunkSize     ByteSize      `yaml:"max_chunk_size" env-default:"64MiB"`
	MaxTotalSize     ByteSize      `yaml:"max_total_size" env-default:"5GiB"`
	MaxTotalChunks   int           `yaml:"max_total_chunks" env-default:"10000"`
	SessionBackend   string        `yaml:"session_backend" env:"UPLOADS_SESSION_BACKEND" env-default:"redis"`
	ChunkBackend     string        `yaml:"chunk_backend" env:"UPLOADS_CHUNK_BACKEND" env-default:"fs"`
	BlobBackend      string        `yaml:"blob_backend" env:"UPLOADS_BLOB_BACKEND" env-default:"fs"`
	IndexBackend     string        `yaml:"index_backend" env:"UPLOADS_INDEX_BACKEND" env-default:"postgres"`
	DataDir          string        `yaml:"data_dir" env:"UPLOADS_DATA_DIR" env-default:"./data"`
	PublicBaseURL    string        `yaml:"public_base_url" env:"UPLOADS_PUBLIC_BASE_URL" env-default:"/files"`
	PresignTTL       time.Duration `yaml:"presign_ttl" env-default:"15m"`
	SweeperEnabled   bool          `yaml:"sweeper_enabled" env:"UPLOADS_SWEEPER_ENABLED" env-default:"true"`
}

type RateLimit struct {
	CreatePerMinute int64 `yaml:"create_per_minute" env-default:"20"`
	ChunksPerMinute int64 `yaml:"chunks_per_minute" env-default:"600"`
}

// ByteSize is a size in bytes written in human form ("64MiB", "5 GB")
type ByteSize int64

func (b *ByteSize) SetValue(s string) error {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.SetValue(string(text))
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

var validBackends = map[string][]string{
	"session_backend": {"redis", "memory"},
	"chunk_backend":   {"fs", "minio"},
	"blob_backend":    {"fs", "minio"},
	"index_backend":   {"postgres", "memory"},
}

// Validate checks the cross-field constraints cleanenv cannot express
func (c *Config) Validate() error {
	u := c.Uploads
	backends := map[string]string{
		"session_backend": u.SessionBackend,
		"chunk_backend":   u.ChunkBackend,
		"blob_backend":    u.BlobBackend,
		"index_backend":   u.IndexBackend,
	}
	for name, value := range backends {
		if !contains(validBackends[name], value) {
			return fmt.Errorf("uploads.%s: unsupported value %q", name, value)
		}
	}
	if u.SessionTTL <= 0 || u.SweepInterval <= 0 || u.CommitTimeout <= 0 {
		return fmt.Errorf("uploads: session_ttl, sweep_interval and commit_timeout must be positive")
	}
	if u.MaxChunkSize <= 0 || u.MaxTotalSize <= 0 || u.MaxTotalChunks <= 0 {
		return fmt.Errorf("uploads: limits must be positive")
	}
	// a commit must be able to finish inside the request that runs it
	if c.HTTPServer.WriteTimeout <= u.CommitTimeout {
		return fmt.Errorf("http_server.write_timeout (%s) must exceed uploads.commit_timeout (%s)",
			c.HTTPServer.WriteTimeout, u.CommitTimeout)
	}
	// a lease must outlive the body read it guards
	if u.ChunkWriteLease <= c.HTTPServer.ReadTimeout {
		return fmt.Errorf("uploads.chunk_write_lease (%s) must exceed http_server.read_timeout (%s)",
			u.ChunkWriteLease, c.HTTPServer.ReadTimeout)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

// Load reads the YAML file at path, applies env overrides and validates.
func Load(path string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	var configPath string

	configPath = os.Getenv("CONFIG_PATH")

	if configPath == "" {
		flags := flag.String("config", "", "Path to config file")
		flag.Parse()
		configPath = *flags

		if configPath == "" {
			log.Fatal("config path must be provided")
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("config file does not exist at path: %s", configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("%s", err)
	}

	return cfg
}
