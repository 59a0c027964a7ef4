package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const PlaceholderEmail = "your-email@example.com"

type Config struct {
	Upstream  UpstreamConfig
	Sync      SyncConfig
	Scheduler SchedulerConfig
	Storage   StorageConfig
	HTTP      HTTPConfig
	Archive   ArchiveConfig
	Events    EventsConfig
	LogPath   string
	LogLevel  string
	MyGyms    []string
}

type UpstreamConfig struct {
	BaseURL      string
	Endpoints    map[string]string
	Headers      map[string]string
	Email        string
	Password     string
	Timeout      time.Duration
	RequestDelay time.Duration
	Proxy        string
}

type SyncConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	StaleAfter        time.Duration
	FetchConcurrency  int
	MinSuccessfulGyms int
}

type SchedulerConfig struct {
	IntervalMinutes int
	Cron            string
	RunOnStart      bool
}

func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

type StorageConfig struct {
	Driver      string
	DBPath      string
	PostgresURL string
}

type HTTPConfig struct {
	Addr                string
	AllowedOrigins      []string
	ForceFetchPerMinute int
	ShutdownTimeout     time.Duration
}

type ArchiveConfig struct {
	Dir string
	S3  S3Config
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

type EventsConfig struct {
	Brokers []string
	Topic   string
}

// UpstreamFile is the optional YAML overlay for the upstream portal.
type UpstreamFile struct {
	BaseURL   string            `yaml:"base_url"`
	Endpoints map[string]string `yaml:"endpoints"`
	Headers   map[string]string `yaml:"headers"`
	MyGyms    []string          `yaml:"my_gyms"`
}

const (
	EndpointLogin   = "login"
	EndpointMembers = "members"
)

func defaultEndpoints() map[string]string {
	return map[string]string{
		EndpointLogin:   "/Auth/Login",
		EndpointMembers: "/Clubs/Clubs/GetMembersInClubs",
	}
}

func defaultHeaders(baseURL string) map[string]string {
	origin := baseURL
	if i := strings.Index(baseURL, "://"); i >= 0 {
		if j := strings.Index(baseURL[i+3:], "/"); j >= 0 {
			origin = baseURL[:i+3+j]
		}
	}
	return map[string]string{
		"Accept":           "application/json, text/plain, */*",
		"cp-lang":          "en",
		"cp-mode":          "desktop",
		"Origin":           origin,
		"Referer":          baseURL + "/",
		"User-Agent":       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"X-Requested-With": "XMLHttpRequest",
	}
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	baseURL := strings.TrimRight(getEnv("UPSTREAM_BASE_URL", "https://planetfitness.perfectgym.com.au/clientportal2"), "/")

	cfg := &Config{
		Upstream: UpstreamConfig{
			BaseURL:      baseURL,
			Endpoints:    defaultEndpoints(),
			Headers:      defaultHeaders(baseURL),
			Email:        os.Getenv("PF_EMAIL"),
			Password:     os.Getenv("PF_PASSWORD"),
			Timeout:      getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),
			RequestDelay: getEnvDuration("UPSTREAM_DELAY", 250*time.Millisecond),
			Proxy:        os.Getenv("UPSTREAM_PROXY"),
		},
		Sync: SyncConfig{
			MaxAttempts:       getEnvInt("SYNC_MAX_ATTEMPTS", 3),
			BaseDelay:         getEnvDuration("SYNC_BACKOFF_BASE", 2*time.Second),
			MaxDelay:          getEnvDuration("SYNC_BACKOFF_MAX", 30*time.Second),
			StaleAfter:        getEnvDuration("SYNC_STALE_AFTER", 30*time.Minute),
			FetchConcurrency:  getEnvInt("SYNC_FETCH_CONCURRENCY", 1),
			MinSuccessfulGyms: getEnvInt("SYNC_MIN_SUCCESSFUL_GYMS", 1),
		},
		Scheduler: SchedulerConfig{
			IntervalMinutes: getEnvInt("LOG_INTERVAL", 15),
			Cron:            os.Getenv("SYNC_CRON"),
			RunOnStart:      getEnvBool("SYNC_RUN_ON_START", true),
		},
		Storage: StorageConfig{
			Driver:      getEnv("DB_DRIVER", "sqlite"),
			DBPath:      getEnv("DB_PATH", "gym_capacity.db"),
			PostgresURL: os.Getenv("DATABASE_URL"),
		},
		HTTP: HTTPConfig{
			Addr:                getEnv("HTTP_ADDR", ":5000"),
			AllowedOrigins:      getEnvList("HTTP_ALLOWED_ORIGINS", []string{"*"}),
			ForceFetchPerMinute: getEnvInt("FORCE_FETCH_PER_MINUTE", 6),
			ShutdownTimeout:     getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Archive: ArchiveConfig{
			Dir: getEnv("ARCHIVE_DIR", "backups"),
			S3: S3Config{
				Bucket:          os.Getenv("ARCHIVE_S3_BUCKET"),
				Region:          getEnv("ARCHIVE_S3_REGION", "us-east-1"),
				Endpoint:        os.Getenv("ARCHIVE_S3_ENDPOINT"),
				AccessKeyID:     os.Getenv("ARCHIVE_S3_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("ARCHIVE_S3_SECRET_ACCESS_KEY"),
				Prefix:          getEnv("ARCHIVE_S3_PREFIX", "gym-capacity"),
			},
		},
		Events: EventsConfig{
			Brokers: getEnvList("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "gym-sync-runs"),
		},
		LogPath:  getEnv("LOG_PATH", "gym_capacity.log"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		MyGyms:   []string{"BETHANIA", "Springwood"},
	}

	if err := cfg.loadUpstreamFile(getEnv("UPSTREAM_CONFIG", "config/upstream.yaml")); err != nil {
		return nil, err
	}

	if gyms := getEnvList("MY_GYMS", nil); len(gyms) > 0 {
		cfg.MyGyms = gyms
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadUpstreamFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var file UpstreamFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	// An explicit env base URL wins over the file.
	if file.BaseURL != "" && os.Getenv("UPSTREAM_BASE_URL") == "" {
		c.Upstream.BaseURL = strings.TrimRight(file.BaseURL, "/")
		c.Upstream.Headers = defaultHeaders(c.Upstream.BaseURL)
	}
	for k, v := range file.Endpoints {
		c.Upstream.Endpoints[k] = v
	}
	for k, v := range file.Headers {
		c.Upstream.Headers[k] = v
	}
	if len(file.MyGyms) > 0 {
		c.MyGyms = file.MyGyms
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Scheduler.IntervalMinutes <= 0 && c.Scheduler.Cron == "" {
		return fmt.Errorf("LOG_INTERVAL must be positive, got %d", c.Scheduler.IntervalMinutes)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.MaxDelay < c.Sync.BaseDelay {
		return fmt.Errorf("SYNC_BACKOFF_MAX (%s) is below SYNC_BACKOFF_BASE (%s)", c.Sync.MaxDelay, c.Sync.BaseDelay)
	}
	if c.Sync.FetchConcurrency < 1 {
		c.Sync.FetchConcurrency = 1
	}
	if c.Sync.MinSuccessfulGyms < 1 {
		c.Sync.MinSuccessfulGyms = 1
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Storage.Driver)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
