package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Torrent  TorrentConfig  `yaml:"torrent"`
	Limits   LimitsConfig   `yaml:"limits"`
	Seeding  SeedingConfig  `yaml:"seeding"`
	Trackers TrackersConfig `yaml:"trackers"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	Env          string        `yaml:"env"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Domain       string        `yaml:"domain"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TorrentConfig struct {
	DownloadDir     string        `yaml:"download_dir"`
	TorrentDir      string        `yaml:"torrent_dir"`
	ListenPort      int           `yaml:"listen_port"`
	MaxConnections  int           `yaml:"max_connections"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	AddTimeout      time.Duration `yaml:"add_timeout"`
	PieceLength     int64         `yaml:"piece_length"`
	EnableDHT       *bool         `yaml:"enable_dht"`
	DownloadRate    int64         `yaml:"download_rate"`
	UploadRate      int64         `yaml:"upload_rate"`
}

type LimitsConfig struct {
	// MaxActiveSessions defaults to 5. An explicit 0 means unlimited.
	MaxActiveSessions *int          `yaml:"max_active_sessions"`
	AddsPerWindow     int           `yaml:"adds_per_window"`
	AddWindow         time.Duration `yaml:"add_window"`
	MaxTorrentBytes   int64         `yaml:"max_torrent_bytes"`
	MaxFileSize       int64         `yaml:"max_file_size"`
	MaxTotalSize      int64         `yaml:"max_total_size"`
	MaxFileCount      int           `yaml:"max_file_count"`
	MaxDepth          int           `yaml:"max_depth"`
}

type SeedingConfig struct {
	// Ratio stops seeding once uploaded/downloaded reaches it; 0 seeds forever.
	Ratio float64 `yaml:"ratio"`
}

type TrackersConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Announce []string      `yaml:"announce"`
	Timeout  time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads the YAML file at configPath, or the first file found on
// the default search list, then applies defaults and env overrides.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		defaultPaths := []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/torrent-vault/config.yaml",
			"./config.yaml",
		}

		for _, path := range defaultPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}

		if configPath == "" {
			return nil, fmt.Errorf("no configuration file found in default paths")
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := cfg.createDirectories(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML and runs defaults, env overrides and validation,
// without touching the filesystem.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.setDefaults()
	cfg.overrideWithEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "3000"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.Domain == "" {
		c.Server.Domain = "localhost"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Name == "" {
		c.Database.Name = "torrent_vault.db"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}

	if c.Torrent.DownloadDir == "" {
		c.Torrent.DownloadDir = "./data/downloads"
	}
	if c.Torrent.TorrentDir == "" {
		c.Torrent.TorrentDir = "./data/torrents"
	}
	if c.Torrent.ListenPort == 0 {
		c.Torrent.ListenPort = 42069
	}
	if c.Torrent.MaxConnections == 0 {
		c.Torrent.MaxConnections = 55
	}
	if c.Torrent.RefreshInterval == 0 {
		c.Torrent.RefreshInterval = 2 * time.Second
	}
	if c.Torrent.AddTimeout == 0 {
		c.Torrent.AddTimeout = 30 * time.Second
	}
	if c.Torrent.PieceLength == 0 {
		c.Torrent.PieceLength = 256 * 1024
	}
	if c.Torrent.EnableDHT == nil {
		c.Torrent.EnableDHT = boolPtr(true)
	}

	if c.Limits.MaxActiveSessions == nil {
		c.Limits.MaxActiveSessions = intPtr(5)
	}
	if c.Limits.AddsPerWindow == 0 {
		c.Limits.AddsPerWindow = 5
	}
	if c.Limits.AddWindow == 0 {
		c.Limits.AddWindow = time.Minute
	}
	if c.Limits.MaxTorrentBytes == 0 {
		c.Limits.MaxTorrentBytes = 10 * 1024 * 1024
	}
	if c.Limits.MaxFileCount == 0 {
		c.Limits.MaxFileCount = 10000
	}
	if c.Limits.MaxDepth == 0 {
		c.Limits.MaxDepth = 20
	}

	if c.Trackers.Enabled == nil {
		c.Trackers.Enabled = boolPtr(true)
	}
	if c.Trackers.Timeout == 0 {
		c.Trackers.Timeout = 15 * time.Second
	}

	if c.Auth.Username == "" {
		c.Auth.Username = "admin"
	}
	if c.Auth.Password == "" {
		c.Auth.Password = "password"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
		if c.Server.Env == "production" {
			c.Log.Format = "json"
		}
	}
}

func boolPtr(b bool) *bool { return &b }

func intPtr(n int) *int { return &n }

func (c *Config) overrideWithEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = port
	}
	if env := os.Getenv("ENV"); env != "" {
		c.Server.Env = env
	}
	if domain := os.Getenv("DOMAIN"); domain != "" {
		c.Server.Domain = domain
	}

	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dbName := os.Getenv("DB_NAME"); dbName != "" {
		c.Database.Name = dbName
	}
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		c.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DB_PORT"); dbPort != "" {
		c.Database.Port = dbPort
	}
	if dbUser := os.Getenv("DB_USER"); dbUser != "" {
		c.Database.User = dbUser
	}
	if dbPass := os.Getenv("DB_PASSWORD"); dbPass != "" {
		c.Database.Password = dbPass
	}

	if dir := os.Getenv("DOWNLOAD_DIR"); dir != "" {
		c.Torrent.DownloadDir = dir
	}
	if port := os.Getenv("LISTEN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Torrent.ListenPort = p
		}
	}
	if ratio := os.Getenv("SEED_RATIO"); ratio != "" {
		if r, err := strconv.ParseFloat(ratio, 64); err == nil {
			c.Seeding.Ratio = r
		}
	}

	if authEnabled := os.Getenv("AUTH_ENABLED"); authEnabled != "" {
		if enabled, err := strconv.ParseBool(authEnabled); err == nil {
			c.Auth.Enabled = enabled
		}
	}
	if username := os.Getenv("AUTH_USERNAME"); username != "" {
		c.Auth.Username = username
	}
	if password := os.Getenv("AUTH_PASSWORD"); password != "" {
		c.Auth.Password = password
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

func (c *Config) createDirectories() error {
	dirs := []string{
		c.Torrent.DownloadDir,
		c.Torrent.TorrentDir,
		"./data/db",
		"./data/logs",
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	supportedDrivers := map[string]bool{
		"sqlite":    true,
		"mysql":     true,
		"postgres":  true,
		"sqlserver": true,
	}

	if !supportedDrivers[c.Database.Driver] {
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Database.Driver {
	case "mysql", "postgres", "sqlserver":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required for %s", c.Database.Driver)
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user is required for %s", c.Database.Driver)
		}
	}

	if c.Torrent.ListenPort < 0 || c.Torrent.ListenPort > 65535 {
		return fmt.Errorf("listen port %d out of range", c.Torrent.ListenPort)
	}
	if c.Torrent.PieceLength < 16*1024 || c.Torrent.PieceLength&(c.Torrent.PieceLength-1) != 0 {
		return fmt.Errorf("piece length %d must be a power of two of at least 16 KiB", c.Torrent.PieceLength)
	}
	if c.Seeding.Ratio < 0 {
		return fmt.Errorf("seed ratio must not be negative")
	}
	if c.ActiveSessionLimit() < 0 || c.Limits.AddsPerWindow < 0 {
		return fmt.Errorf("session limits must not be negative")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format: %s", c.Log.Format)
	}

	return nil
}

func (c *Config) DHTEnabled() bool {
	return c.Torrent.EnableDHT == nil || *c.Torrent.EnableDHT
}

// ActiveSessionLimit is the active session ceiling, 0 when unlimited.
func (c *Config) ActiveSessionLimit() int {
	if c.Limits.MaxActiveSessions == nil {
		return 5
	}
	return *c.Limits.MaxActiveSessions
}

func (c *Config) TrackersEnabled() bool {
	return c.Trackers.Enabled == nil || *c.Trackers.Enabled
}

func (c *Config) GetGinMode() string {
	if c.Server.Env == "production" {
		return gin.ReleaseMode
	}
	return gin.DebugMode
}

func (c *DatabaseConfig) GetConnectionString() string {
	switch c.Driver {
	case "sqlite":
		if c.Name == ":memory:" {
			return "file::memory:?cache=shared"
		}
		return fmt.Sprintf("./data/db/%s", c.Name)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.User, c.Password, c.Host, c.Port, c.Name)
	case "postgres":
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
			c.Host, c.User, c.Password, c.Name, c.Port, c.SSLMode)
	case "sqlserver":
		return fmt.Sprintf("sqlserver://%s:%s@%s:%s?database=%s",
			c.User, c.Password, c.Host, c.Port, c.Name)
	default:
		return ""
	}
}
