package offlineruntime

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/always-cache/offline-runtime/cache"
	"github.com/always-cache/offline-runtime/notify"
	routepolicy "github.com/always-cache/offline-runtime/pkg/route-policy"
)

const (
	DefaultListen          = ":8080"
	DefaultVersion         = "v2"
	DefaultStaticStore     = "static"
	DefaultAPIStore        = "api-cache"
	DefaultAPIPrefix       = "/api/"
	DefaultStaticPrefix    = "/static/"
	DefaultOfflineDocument = "/static/offline.html"
	DefaultSweepInterval   = 15 * time.Minute
	DefaultMaxAge          = time.Hour
)

// DefaultPrecache is the list of static files stored at install time.
var DefaultPrecache = []string{
	"/static/auth-handler.js",
	"/static/icon-192x192.png",
	"/favicon.ico",
}

// StoreName returns the versioned name of a store.
func StoreName(base, version string) string {
	return base + "-" + version
}

type Config struct {
	// URL of the application origin.
	Origin string `yaml:"origin"`
	Listen string `yaml:"listen"`
	// Version of the runtime. Stores of other versions are deleted on activation.
	Version string `yaml:"version"`
	// Cache provider: memory, sqlite or redis.
	Provider string      `yaml:"provider"`
	DB       string      `yaml:"db"`
	Redis    RedisConfig `yaml:"redis"`

	APIPrefix       string            `yaml:"apiPrefix"`
	StaticPrefix    string            `yaml:"staticPrefix"`
	OfflineDocument string            `yaml:"offlineDocument"`
	Precache        []string          `yaml:"precache"`
	Sweep           SweepConfig       `yaml:"sweep"`
	Rules           routepolicy.Rules `yaml:"rules"`

	// Storage for the stores. Opened from Provider if nil.
	Cache cache.Provider `yaml:"-"`
	// Transport used to reach the network. http.DefaultTransport if nil.
	Transport http.RoundTripper `yaml:"-"`
	// Push subscription that is cancelled when a context reports it is logged out. Optional.
	Push PushSubscription `yaml:"-"`
	// Displays notifications. Notifications are broadcast on the bus if nil.
	Renderer notify.Renderer `yaml:"-"`
	// Opens new browsing contexts. The target is only logged if nil.
	Opener notify.Opener `yaml:"-"`
	// Registry for metrics. A new registry is created if nil.
	Registry *prometheus.Registry `yaml:"-"`
	// Time source. time.Now if nil.
	Clock func() time.Time `yaml:"-"`
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger `yaml:"-"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"maxAge"`
}

// LoadConfig reads a YAML config file and applies the defaults.
func LoadConfig(filename string) (Config, error) {
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(configBytes)
}

func ParseConfig(configBytes []byte) (Config, error) {
	var config Config
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("parse config: %w", err)
	}
	config.ApplyDefaults()
	return config, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Provider == "" {
		c.Provider = "memory"
	}
	if c.APIPrefix == "" {
		c.APIPrefix = DefaultAPIPrefix
	}
	if c.StaticPrefix == "" {
		c.StaticPrefix = DefaultStaticPrefix
	}
	if c.OfflineDocument == "" {
		c.OfflineDocument = DefaultOfflineDocument
	}
	if c.Precache == nil {
		c.Precache = append([]string(nil), DefaultPrecache...)
	}
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = DefaultSweepInterval
	}
	if c.Sweep.MaxAge <= 0 {
		c.Sweep.MaxAge = DefaultMaxAge
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "offline-runtime"
	}
}

// StaticStore returns the name of the static store of the configured version.
func (c Config) StaticStore() string {
	return StoreName(DefaultStaticStore, c.Version)
}

// APIStore returns the name of the API store of the configured version.
func (c Config) APIStore() string {
	return StoreName(DefaultAPIStore, c.Version)
}

func (c Config) originURL() (*url.URL, error) {
	if c.Origin == "" {
		return nil, ErrNoOrigin
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute url: %s", c.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("origins with paths are not supported: %s", c.Origin)
	}
	u.Path = ""
	return u, nil
}

// OpenProvider opens the configured cache provider.
func OpenProvider(c Config) (cache.Provider, error) {
	switch c.Provider {
	case "", "memory":
		return cache.NewMemCache(), nil
	case "sqlite":
		db := c.DB
		if db == "memory" {
			db = ""
		}
		sqlite, err := cache.NewSQLiteCache(db)
		if err != nil {
			return nil, err
		}
		return sqlite, nil
	case "redis":
		if c.Redis.Addr == "" {
			return nil, fmt.Errorf("redis provider needs redis.addr")
		}
		rc, err := cache.NewRedisCache(cache.RedisCacheOpts{
			Client: redis.NewClient(&redis.Options{
				Addr:     c.Redis.Addr,
				Password: c.Redis.Password,
				DB:       c.Redis.DB,
			}),
			Prefix: c.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return rc, nil
	}
	return nil, fmt.Errorf("unknown cache provider %q", c.Provider)
}
