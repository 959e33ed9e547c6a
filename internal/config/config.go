package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration (file + env overrides)
type Config struct {
	Server struct {
		Addr      string `mapstructure:"addr"`
		LogLevel  string `mapstructure:"log_level"`
		LogFormat string `mapstructure:"log_format"`
	} `mapstructure:"server"`

	// Namespace isolates one engine's persisted state and public image path.
	Namespace string `mapstructure:"namespace"`

	Storage struct {
		Backend    string `mapstructure:"backend"` // memory | file | sqlite | postgres
		Dir        string `mapstructure:"dir"`
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"storage"`

	Postgres struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		DBName       string `mapstructure:"db_name"`
		SSLMode      string `mapstructure:"ssl_mode"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
	} `mapstructure:"postgres"`

	Listener struct {
		Channel          string `mapstructure:"channel"`
		ReconnectSeconds int    `mapstructure:"reconnect_seconds"`
	} `mapstructure:"listener"`

	Staging struct {
		Dir            string        `mapstructure:"dir"`
		BaseURL        string        `mapstructure:"base_url"`
		TTL            time.Duration `mapstructure:"ttl"`
		SweepInterval  time.Duration `mapstructure:"sweep_interval"`
		MinBytes       int64         `mapstructure:"min_bytes"`
		VerifyAttempts int           `mapstructure:"verify_attempts"`
		VerifyBackoff  time.Duration `mapstructure:"verify_backoff"`
	} `mapstructure:"staging"`

	Transport struct {
		Kind     string        `mapstructure:"kind"` // line | lark | log
		Endpoint string        `mapstructure:"endpoint"`
		Token    string        `mapstructure:"token"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"transport"`

	Lark struct {
		AppID     string `mapstructure:"app_id"`
		AppSecret string `mapstructure:"app_secret"`
	} `mapstructure:"lark"`

	Detect struct {
		ProductDomain string `mapstructure:"product_domain"`
		ProductPath   string `mapstructure:"product_path"`
	} `mapstructure:"detect"`

	// Delivery seeds the runtime Settings the first time a namespace is used.
	Delivery Settings `mapstructure:"delivery"`
}

func Load() Config {
	cfg, err := LoadFile("")
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadFile reads path, or configs/application.yaml when path is empty, with
// APP_* environment overrides. Only an explicit path must exist.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("application")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		_ = v.ReadInConfig() // optional; env can fully configure
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	validate(&cfg)
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "")
	v.SetDefault("namespace", "default")
	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.dir", "data")
	v.SetDefault("storage.sqlite_path", "")
	v.SetDefault("postgres.host", "127.0.0.1")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.db_name", "")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 2)
	v.SetDefault("listener.channel", "")
	v.SetDefault("listener.reconnect_seconds", 5)
	v.SetDefault("staging.dir", "public")
	v.SetDefault("staging.base_url", "")
	v.SetDefault("staging.ttl", "24h")
	v.SetDefault("staging.sweep_interval", "1m")
	v.SetDefault("staging.min_bytes", 100)
	v.SetDefault("staging.verify_attempts", 3)
	v.SetDefault("staging.verify_backoff", "100ms")
	v.SetDefault("transport.kind", "line")
	v.SetDefault("transport.endpoint", DefaultPushEndpoint)
	v.SetDefault("transport.token", "")
	v.SetDefault("transport.timeout", "10s")
	v.SetDefault("lark.app_id", "")
	v.SetDefault("lark.app_secret", "")
	v.SetDefault("detect.product_domain", DefaultProductDomain)
	v.SetDefault("detect.product_path", DefaultProductPath)

	d := DefaultSettings()
	v.SetDefault("delivery.enabled", d.Enabled)
	v.SetDefault("delivery.auto_send", d.AutoSend)
	v.SetDefault("delivery.send_delay_ms", d.SendDelayMs)
	v.SetDefault("delivery.caption_delay_ms", d.CaptionDelayMs)
	v.SetDefault("delivery.max_image_bytes", d.MaxImageBytes)
	v.SetDefault("delivery.case_sensitive", d.CaseSensitive)
	v.SetDefault("delivery.exact_match", d.ExactMatch)
	v.SetDefault("delivery.dedup_enabled", d.DedupEnabled)
	v.SetDefault("delivery.dedup_window_hours", d.DedupWindowHours)
	v.SetDefault("delivery.intro_template", d.IntroTemplate)
	v.SetDefault("delivery.keyword_intro_template", d.KeywordIntroTemplate)
	v.SetDefault("delivery.selection_mode", d.SelectionMode)
	v.SetDefault("delivery.display_format", d.DisplayFormat)
	v.SetDefault("delivery.max_images_per_subject", d.MaxImagesPerSubject)
	v.SetDefault("delivery.reload_each_pass", d.ReloadEachPass)
}

const (
	DefaultPushEndpoint  = "https://api.line.me/v2/bot/message/push"
	DefaultProductDomain = "hongthaipackaging.com"
	DefaultProductPath   = "/product/"
)

func validate(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "data"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = 10
	}
	if c.Postgres.MaxIdleConns == 0 {
		c.Postgres.MaxIdleConns = 2
	}
	if c.Listener.ReconnectSeconds <= 0 {
		c.Listener.ReconnectSeconds = 5
	}
	if c.Staging.Dir == "" {
		c.Staging.Dir = "public"
	}
	if c.Staging.TTL <= 0 {
		c.Staging.TTL = 24 * time.Hour
	}
	if c.Staging.SweepInterval <= 0 {
		c.Staging.SweepInterval = time.Minute
	}
	if c.Staging.MinBytes <= 0 {
		c.Staging.MinBytes = 100
	}
	if c.Staging.VerifyAttempts <= 0 {
		c.Staging.VerifyAttempts = 3
	}
	if c.Staging.VerifyBackoff <= 0 {
		c.Staging.VerifyBackoff = 100 * time.Millisecond
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = "line"
	}
	if c.Transport.Endpoint == "" {
		c.Transport.Endpoint = DefaultPushEndpoint
	}
	if c.Transport.Timeout <= 0 {
		c.Transport.Timeout = 10 * time.Second
	}
	if c.Detect.ProductDomain == "" {
		c.Detect.ProductDomain = DefaultProductDomain
	}
	if c.Detect.ProductPath == "" {
		c.Detect.ProductPath = DefaultProductPath
	}
	c.Delivery = c.Delivery.WithDefaults()
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}

func (c Config) Backoff() time.Duration { return time.Duration(c.Listener.ReconnectSeconds) * time.Second }
