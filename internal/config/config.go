package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // 精简镜像中没有系统时区数据

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Scraper  ScraperConfig  `json:"scraper"`
	Browser  BrowserConfig  `json:"browser"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`               // 运行环境: local / prod
	LogLevel         string        `json:"log_level"`         // 日志级别: debug / info / warn / error
	LogDir           string        `json:"log_dir"`           // 文件日志目录（为空则只输出到 stdout）
	HTTPAddr         string        `json:"http_addr"`         // API 服务监听地址
	MetricsAddr      string        `json:"metrics_addr"`      // worker metrics 监听地址
	Timezone         string        `json:"timezone"`          // 记录价格时间所用时区
	ScheduleInterval time.Duration `json:"schedule_interval"` // 全平台定时爬取间隔（如 "2h"）
	BeatOnStart      bool          `json:"beat_on_start"`     // 启动时是否立即触发一次全平台爬取
	WorkerPoolSize   int           `json:"worker_pool_size"`  // 并发执行的任务数
	DedupWindow      int           `json:"dedup_window"`      // 单品即时任务去重窗口（秒）

	// Redis Streams 任务队列配置
	TaskQueueStream string `json:"task_queue_stream"` // Redis Stream 名称
	TaskQueueGroup  string `json:"task_queue_group"`  // Consumer Group 名称

	// 重试与限流
	FullSweepMaxRetry   int           `json:"full_sweep_max_retry"`   // 全平台任务最大重试次数
	FullSweepRetryDelay time.Duration `json:"full_sweep_retry_delay"` // 全平台任务重试间隔
	ProductMaxRetry     int           `json:"product_max_retry"`      // 单品任务最大重试次数
	ProductRetryDelay   time.Duration `json:"product_retry_delay"`    // 单品任务重试间隔
	FullSweepPerMinute  float64       `json:"full_sweep_per_minute"`  // 每分钟最多执行的全平台任务数
	TaskStateTTL        time.Duration `json:"task_state_ttl"`         // 任务状态保留时间
}

// DatabaseConfig 数据库配置。
type DatabaseConfig struct {
	Driver   string `json:"driver"`    // postgres / mysql
	DSN      string `json:"dsn"`       // 数据库连接字符串
	MaxConns int32  `json:"max_conns"` // 连接池最大连接数
	MinConns int32  `json:"min_conns"` // 连接池常驻连接数
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// ScraperConfig 爬虫节奏配置。
type ScraperConfig struct {
	Platforms       []string      `json:"platforms"`         // 全平台任务依次处理的平台
	SweepDelayMin   time.Duration `json:"sweep_delay_min"`   // 商品之间的最小间隔
	SweepDelayMax   time.Duration `json:"sweep_delay_max"`   // 商品之间的最大间隔
	MomoJitterMin   time.Duration `json:"momo_jitter_min"`   // Momo 请求前随机等待下限
	MomoJitterMax   time.Duration `json:"momo_jitter_max"`   // Momo 请求前随机等待上限
	PChomeJitterMin time.Duration `json:"pchome_jitter_min"` // PChome 页面请求前随机等待下限
	PChomeJitterMax time.Duration `json:"pchome_jitter_max"` // PChome 页面请求前随机等待上限
	APITimeout      time.Duration `json:"api_timeout"`       // JSON API 请求超时
	PageTimeout     time.Duration `json:"page_timeout"`      // HTML 页面请求超时
	RequestsPerSec  float64       `json:"requests_per_sec"`  // 单平台进程内请求速率上限
	ProxyURL        string        `json:"proxy_url"`         // HTTP 代理
}

// BrowserConfig 无头浏览器兜底配置。
type BrowserConfig struct {
	Enabled     bool          `json:"enabled"`      // 是否启用浏览器渲染兜底
	BinPath     string        `json:"bin_path"`     // 浏览器可执行文件路径
	Headless    bool          `json:"headless"`     // 是否使用无头模式
	PageTimeout time.Duration `json:"page_timeout"` // 渲染超时
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	AlertTo   string `json:"alert_to"` // 任务最终失败时的收件人
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret string        `json:"jwt_secret"` // JWT 签名密钥
	TokenTTL  time.Duration `json:"token_ttl"`  // 运维 token 有效期
}

// Load 读取 configPath（默认 configs/config.json），依次叠加默认值与环境变量。
//
// 文件不存在不算错误；.env 中的变量与进程环境变量等价。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// .env 仅用于本地开发，不存在时忽略
	_ = godotenv.Load()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Location 返回配置的时区，解析失败时退回 UTC。
func (c *Config) Location() *time.Location {
	if c == nil || c.App.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:                 "local",
			LogLevel:            "info",
			LogDir:              "logs",
			HTTPAddr:            ":8000",
			MetricsAddr:         ":2112",
			Timezone:            "Asia/Taipei",
			ScheduleInterval:    2 * time.Hour,
			BeatOnStart:         false,
			WorkerPoolSize:      2,
			DedupWindow:         60,
			TaskQueueStream:     "pricetracker:task:queue",
			TaskQueueGroup:      "scrape_workers",
			FullSweepMaxRetry:   3,
			FullSweepRetryDelay: 300 * time.Second,
			ProductMaxRetry:     2,
			ProductRetryDelay:   180 * time.Second,
			FullSweepPerMinute:  1,
			TaskStateTTL:        7 * 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Driver:   "postgres",
			DSN:      "postgres://user:password@db:5432/price_db?sslmode=disable",
			MaxConns: 30,
			MinConns: 10,
		},
		Redis: RedisConfig{
			Addr:     "redis:6379",
			Password: "",
		},
		Scraper: ScraperConfig{
			Platforms:       []string{"Momo", "PChome"},
			SweepDelayMin:   5 * time.Second,
			SweepDelayMax:   10 * time.Second,
			MomoJitterMin:   2 * time.Second,
			MomoJitterMax:   4 * time.Second,
			PChomeJitterMin: 1 * time.Second,
			PChomeJitterMax: 2 * time.Second,
			APITimeout:      10 * time.Second,
			PageTimeout:     15 * time.Second,
			RequestsPerSec:  1,
		},
		Browser: BrowserConfig{
			Enabled:     false,
			Headless:    true,
			PageTimeout: 20 * time.Second,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
			TokenTTL:  24 * time.Hour,
		},
	}
}

// applyDefaults 用默认值补齐零值字段。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.Timezone == "" {
		cfg.App.Timezone = defaults.App.Timezone
	}
	if cfg.App.ScheduleInterval == 0 {
		cfg.App.ScheduleInterval = defaults.App.ScheduleInterval
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.DedupWindow == 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.App.TaskQueueStream == "" {
		cfg.App.TaskQueueStream = defaults.App.TaskQueueStream
	}
	if cfg.App.TaskQueueGroup == "" {
		cfg.App.TaskQueueGroup = defaults.App.TaskQueueGroup
	}
	if cfg.App.FullSweepMaxRetry == 0 {
		cfg.App.FullSweepMaxRetry = defaults.App.FullSweepMaxRetry
	}
	if cfg.App.FullSweepRetryDelay == 0 {
		cfg.App.FullSweepRetryDelay = defaults.App.FullSweepRetryDelay
	}
	if cfg.App.ProductMaxRetry == 0 {
		cfg.App.ProductMaxRetry = defaults.App.ProductMaxRetry
	}
	if cfg.App.ProductRetryDelay == 0 {
		cfg.App.ProductRetryDelay = defaults.App.ProductRetryDelay
	}
	if cfg.App.FullSweepPerMinute == 0 {
		cfg.App.FullSweepPerMinute = defaults.App.FullSweepPerMinute
	}
	if cfg.App.TaskStateTTL == 0 {
		cfg.App.TaskStateTTL = defaults.App.TaskStateTTL
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = defaults.Database.DSN
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = defaults.Database.MaxConns
	}
	if cfg.Database.MinConns == 0 {
		cfg.Database.MinConns = defaults.Database.MinConns
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if len(cfg.Scraper.Platforms) == 0 {
		cfg.Scraper.Platforms = defaults.Scraper.Platforms
	}
	if cfg.Scraper.SweepDelayMax == 0 {
		cfg.Scraper.SweepDelayMin = defaults.Scraper.SweepDelayMin
		cfg.Scraper.SweepDelayMax = defaults.Scraper.SweepDelayMax
	}
	if cfg.Scraper.MomoJitterMax == 0 {
		cfg.Scraper.MomoJitterMin = defaults.Scraper.MomoJitterMin
		cfg.Scraper.MomoJitterMax = defaults.Scraper.MomoJitterMax
	}
	if cfg.Scraper.PChomeJitterMax == 0 {
		cfg.Scraper.PChomeJitterMin = defaults.Scraper.PChomeJitterMin
		cfg.Scraper.PChomeJitterMax = defaults.Scraper.PChomeJitterMax
	}
	if cfg.Scraper.APITimeout == 0 {
		cfg.Scraper.APITimeout = defaults.Scraper.APITimeout
	}
	if cfg.Scraper.PageTimeout == 0 {
		cfg.Scraper.PageTimeout = defaults.Scraper.PageTimeout
	}
	if cfg.Scraper.RequestsPerSec == 0 {
		cfg.Scraper.RequestsPerSec = defaults.Scraper.RequestsPerSec
	}
	if cfg.Browser.PageTimeout == 0 {
		cfg.Browser.PageTimeout = defaults.Browser.PageTimeout
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Security.TokenTTL == 0 {
		cfg.Security.TokenTTL = defaults.Security.TokenTTL
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_password", "DB_PASSWORD", "POSTGRES_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET", "SECRET_KEY")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v, ok := os.LookupEnv("APP_LOG_DIR"); ok {
		cfg.App.LogDir = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("WORKER_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("APP_TIMEZONE"); v != "" {
		cfg.App.Timezone = v
	}
	setDuration("APP_SCHEDULE_INTERVAL", &cfg.App.ScheduleInterval)
	setBool("APP_BEAT_ON_START", &cfg.App.BeatOnStart)
	setInt("APP_WORKER_POOL_SIZE", &cfg.App.WorkerPoolSize)
	setInt("APP_DEDUP_WINDOW", &cfg.App.DedupWindow)
	if v := os.Getenv("APP_TASK_QUEUE_STREAM"); v != "" {
		cfg.App.TaskQueueStream = v
	}
	if v := os.Getenv("APP_TASK_QUEUE_GROUP"); v != "" {
		cfg.App.TaskQueueGroup = v
	}
	setInt("APP_FULL_SWEEP_MAX_RETRY", &cfg.App.FullSweepMaxRetry)
	setDuration("APP_FULL_SWEEP_RETRY_DELAY", &cfg.App.FullSweepRetryDelay)
	setInt("APP_PRODUCT_MAX_RETRY", &cfg.App.ProductMaxRetry)
	setDuration("APP_PRODUCT_RETRY_DELAY", &cfg.App.ProductRetryDelay)
	setFloat("APP_FULL_SWEEP_PER_MINUTE", &cfg.App.FullSweepPerMinute)
	setDuration("APP_TASK_STATE_TTL", &cfg.App.TaskStateTTL)

	if v := os.Getenv("SCRAPER_PLATFORMS"); v != "" {
		var platforms []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				platforms = append(platforms, p)
			}
		}
		if len(platforms) > 0 {
			cfg.Scraper.Platforms = platforms
		}
	}
	setDuration("SCRAPER_SWEEP_DELAY_MIN", &cfg.Scraper.SweepDelayMin)
	setDuration("SCRAPER_SWEEP_DELAY_MAX", &cfg.Scraper.SweepDelayMax)
	setDuration("SCRAPER_MOMO_JITTER_MIN", &cfg.Scraper.MomoJitterMin)
	setDuration("SCRAPER_MOMO_JITTER_MAX", &cfg.Scraper.MomoJitterMax)
	setDuration("SCRAPER_PCHOME_JITTER_MIN", &cfg.Scraper.PChomeJitterMin)
	setDuration("SCRAPER_PCHOME_JITTER_MAX", &cfg.Scraper.PChomeJitterMax)
	setDuration("SCRAPER_API_TIMEOUT", &cfg.Scraper.APITimeout)
	setDuration("SCRAPER_PAGE_TIMEOUT", &cfg.Scraper.PageTimeout)
	setFloat("SCRAPER_REQUESTS_PER_SEC", &cfg.Scraper.RequestsPerSec)
	if v := os.Getenv("HTTP_PROXY"); v != "" {
		cfg.Scraper.ProxyURL = v
	} else if v := os.Getenv("SCRAPER_PROXY_URL"); v != "" {
		cfg.Scraper.ProxyURL = v
	}

	setBool("BROWSER_ENABLED", &cfg.Browser.Enabled)
	setBool("BROWSER_HEADLESS", &cfg.Browser.Headless)
	setDuration("BROWSER_PAGE_TIMEOUT", &cfg.Browser.PageTimeout)
	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}

	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	} else if hasAnyEnv("POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_USER", "POSTGRES_DB", "DB_HOST", "DB_PORT", "DB_USER", "DB_NAME") || viper.GetString("db_password") != "" {
		cfg.Database.DSN = buildDSN(cfg.Database.Driver, cfg.Database.DSN)
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		if u, err := url.Parse(v); err == nil && u.Host != "" {
			cfg.Redis.Addr = u.Host
			if pass, ok := u.User.Password(); ok {
				cfg.Redis.Password = pass
			}
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	setInt("SMTP_PORT", &cfg.Email.SMTPPort)
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("ALERT_EMAIL"); v != "" {
		cfg.Email.AlertTo = v
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	setDuration("TOKEN_TTL", &cfg.Security.TokenTTL)
}

// buildDSN 根据分散的环境变量拼出连接字符串，未设置的部分沿用现有 DSN。
func buildDSN(driver string, current string) string {
	if driver == "mysql" {
		parsed := parseMySQLDSN(current)
		host, port := splitHostPort(parsed.Addr, "3306")
		if v := firstEnv("DB_HOST"); v != "" {
			host = v
		}
		if v := firstEnv("DB_PORT"); v != "" {
			port = v
		}
		parsed.Addr = host + ":" + port
		if v := firstEnv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := firstEnv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		return parsed.FormatDSN()
	}

	u, err := url.Parse(current)
	if err != nil || u.Scheme == "" {
		u = &url.URL{Scheme: "postgres", Host: "db:5432", Path: "/price_db", RawQuery: "sslmode=disable"}
	}
	host, port := splitHostPort(u.Host, "5432")
	if v := firstEnv("POSTGRES_HOST", "DB_HOST"); v != "" {
		host = v
	}
	if v := firstEnv("POSTGRES_PORT", "DB_PORT"); v != "" {
		port = v
	}
	u.Host = host + ":" + port

	user := ""
	pass, hasPass := "", false
	if u.User != nil {
		user = u.User.Username()
		pass, hasPass = u.User.Password()
	}
	if v := firstEnv("POSTGRES_USER", "DB_USER"); v != "" {
		user = v
	}
	if v := viper.GetString("db_password"); v != "" {
		pass, hasPass = v, true
	}
	if hasPass {
		u.User = url.UserPassword(user, pass)
	} else if user != "" {
		u.User = url.User(user)
	}
	if v := firstEnv("POSTGRES_DB", "DB_NAME"); v != "" {
		u.Path = "/" + v
	}
	return u.String()
}

func splitHostPort(addr string, defaultPort string) (string, string) {
	if addr == "" {
		return "localhost", defaultPort
	}
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port := addr[idx+1:]
		if port == "" {
			port = defaultPort
		}
		return addr[:idx], port
	}
	return addr, defaultPort
}

func parseMySQLDSN(dsn string) *mysql.Config {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil || dsn == "" {
		return &mysql.Config{
			User:   "root",
			Net:    "tcp",
			Addr:   "localhost:3306",
			DBName: "price_db",
			Params: map[string]string{
				"parseTime": "true",
				"loc":       "Local",
			},
		}
	}
	return parsed
}

func hasAnyEnv(keys ...string) bool {
	return firstEnv(keys...) != ""
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// UnmarshalJSON 允许时长字段写成 "30m" 这样的字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		ScheduleInterval    string `json:"schedule_interval"`
		FullSweepRetryDelay string `json:"full_sweep_retry_delay"`
		ProductRetryDelay   string `json:"product_retry_delay"`
		TaskStateTTL        string `json:"task_state_ttl"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"schedule_interval", aux.ScheduleInterval, &a.ScheduleInterval},
		{"full_sweep_retry_delay", aux.FullSweepRetryDelay, &a.FullSweepRetryDelay},
		{"product_retry_delay", aux.ProductRetryDelay, &a.ProductRetryDelay},
		{"task_state_ttl", aux.TaskStateTTL, &a.TaskStateTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// UnmarshalJSON 支持 "5s" 形式的时间配置。
func (s *ScraperConfig) UnmarshalJSON(data []byte) error {
	type Alias ScraperConfig
	aux := &struct {
		SweepDelayMin   string `json:"sweep_delay_min"`
		SweepDelayMax   string `json:"sweep_delay_max"`
		MomoJitterMin   string `json:"momo_jitter_min"`
		MomoJitterMax   string `json:"momo_jitter_max"`
		PChomeJitterMin string `json:"pchome_jitter_min"`
		PChomeJitterMax string `json:"pchome_jitter_max"`
		APITimeout      string `json:"api_timeout"`
		PageTimeout     string `json:"page_timeout"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sweep_delay_min", aux.SweepDelayMin, &s.SweepDelayMin},
		{"sweep_delay_max", aux.SweepDelayMax, &s.SweepDelayMax},
		{"momo_jitter_min", aux.MomoJitterMin, &s.MomoJitterMin},
		{"momo_jitter_max", aux.MomoJitterMax, &s.MomoJitterMax},
		{"pchome_jitter_min", aux.PChomeJitterMin, &s.PChomeJitterMin},
		{"pchome_jitter_max", aux.PChomeJitterMax, &s.PChomeJitterMax},
		{"api_timeout", aux.APITimeout, &s.APITimeout},
		{"page_timeout", aux.PageTimeout, &s.PageTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}
