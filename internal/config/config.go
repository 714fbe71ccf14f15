package config

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Config 主配置结构体。所有字段均来自环境变量，启动时加载一次。
type Config struct {
	// Server
	Port  string
	Debug bool

	// Logging
	LogFile string

	// MySQL
	MySQLHost     string
	MySQLPort     string
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string

	// Outbound proxy for upstream calls (HTTPS_PROXY / HTTP_PROXY)
	ProxyURL string

	// Credential locking. When disabled, per-credential FIFO locks become
	// no-ops and a credential may serve several requests at once.
	DisableCredentialLock bool

	// Global per-IP request rate limit (requests per second, 0 = off).
	RateLimitRPS   int
	RateLimitBurst int

	// Timeouts
	UpstreamTimeout  time.Duration
	RefreshTimeout   time.Duration
	WSConnectTimeout time.Duration
	WSMessageTimeout time.Duration
	ShutdownTimeout  time.Duration
}

// Load reads configuration from the environment.
func Load() *Config {
	cfg := &Config{
		Port:          getenv("PORT", "8080"),
		Debug:         getenvBool("DEBUG", false),
		LogFile:       getenv("LOG_FILE", ""),
		MySQLHost:     getenv("MYSQL_HOST", "127.0.0.1"),
		MySQLPort:     getenv("MYSQL_PORT", "3306"),
		MySQLUser:     getenv("MYSQL_USER", "root"),
		MySQLPassword: getenv("MYSQL_PASSWORD", ""),
		MySQLDatabase: getenv("MYSQL_DATABASE", "all2api"),

		ProxyURL: firstNonEmpty(getenv("HTTPS_PROXY", ""), getenv("HTTP_PROXY", "")),

		DisableCredentialLock: getenvBool("DISABLE_CREDENTIAL_LOCK", false),

		RateLimitRPS:   getenvInt("RATE_LIMIT_RPS", 0),
		RateLimitBurst: getenvInt("RATE_LIMIT_BURST", 0),

		UpstreamTimeout:  getenvDuration("UPSTREAM_TIMEOUT_SEC", 120*time.Second),
		RefreshTimeout:   getenvDuration("REFRESH_TIMEOUT_SEC", 30*time.Second),
		WSConnectTimeout: getenvDuration("WS_CONNECT_TIMEOUT_SEC", 30*time.Second),
		WSMessageTimeout: getenvDuration("WS_MESSAGE_TIMEOUT_SEC", 120*time.Second),
		ShutdownTimeout:  getenvDuration("SHUTDOWN_TIMEOUT_SEC", 15*time.Second),
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = cfg.RateLimitRPS * 2
	}
	return cfg
}

// MySQLDSN assembles the go-sql-driver DSN used by gorm.
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.MySQLUser, c.MySQLPassword, c.MySQLHost, c.MySQLPort, c.MySQLDatabase)
}

// HTTPClient builds the shared upstream client honoring the proxy setting.
func (c *Config) HTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if c.ProxyURL != "" {
		if u, err := url.Parse(c.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}
