package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// 预算操作类别（与 pkg/ratelimit 中的类别名保持一致）
const (
	ClassPublicQuery    = "public_query"
	ClassPrivateQuery   = "private_query"
	ClassOrderPlacement = "order_placement"
)

// ProxyConfig 代理配置
type ProxyConfig struct {
	Host string
	Port int
}

// URL 返回 http 代理地址
func (p *ProxyConfig) URL() string {
	if p == nil || p.Host == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// ExchangeConfig 交易所连接配置
type ExchangeConfig struct {
	RESTURL        string
	PublicWSURL    string
	PrivateWSURL   string
	APIKey         string
	APISecret      string
	Proxy          *ProxyConfig
	RequestTimeout time.Duration
}

// BudgetClass 单个操作类别的预算参数
type BudgetClass struct {
	MaxCost   float64 // 计数器上限
	DecayRate float64 // 每秒衰减量
}

// BudgetConfig 请求预算配置（按账户等级）
type BudgetConfig struct {
	Tier         string
	SafetyMargin float64 // wait 计算的安全系数（建议 1.15~1.2）
	WarnFraction float64 // 告警阈值（默认 0.8）
	Classes      map[string]BudgetClass
}

// ChannelConfig 订阅频道配置
type ChannelConfig struct {
	Name     string
	Priority string // critical / high / medium / low
	Private  bool
}

// SessionConfig 流式会话配置
type SessionConfig struct {
	HeartbeatTimeout   time.Duration
	PingInterval       time.Duration
	HandshakeTimeout   time.Duration
	SubscribeTimeout   time.Duration
	TokenRefreshMargin time.Duration // 在 expiry - margin 时主动刷新
	TokenSafetyMargin  time.Duration // 剩余有效期低于该值的 token 不允许使用
	Symbols            []string
	Channels           []ChannelConfig
}

// StalenessConfig 数据新鲜度配置
type StalenessConfig struct {
	Balance         time.Duration
	Market          time.Duration
	FallbackTimeout time.Duration

	// BalanceStreamMaxAge 流式余额在连接健康时也不能超过的年龄
	BalanceStreamMaxAge time.Duration
}

// InstrumentOverride 交易对约束覆盖（交易所相关配置）
type InstrumentOverride struct {
	MinNotional       decimal.Decimal
	MinAppliesToSells bool
}

// ExecutionConfig 下单协调配置
type ExecutionConfig struct {
	SafetyBuffer    decimal.Decimal
	MaxUtilization  decimal.Decimal
	AckTimeout      time.Duration
	IntentRetention time.Duration
	WarnSpacing     time.Duration // 预算超过告警水位后两次下单的最小间隔
	Instruments     map[string]InstrumentOverride
}

// BackoffRule 单个错误类别的退避参数
type BackoffRule struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	MaxRetries int
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// PullConfig 拉取回退客户端配置
type PullConfig struct {
	BootstrapMaxWait   time.Duration
	InstrumentCacheTTL time.Duration
}

// StorageConfig 持久化配置
type StorageConfig struct {
	Backend       string // badger 或 json
	StateDir      string // badger 目录 / json 文件目录
	ArchivePath   string // sqlite 归档文件
	ArchiveMaxAge time.Duration
	FlushInterval time.Duration
}

// Config 应用配置
type Config struct {
	Exchange  ExchangeConfig
	Budget    BudgetConfig
	Session   SessionConfig
	Staleness StalenessConfig
	Execution ExecutionConfig
	Backoff   map[string]BackoffRule // network / auth / rate_limit / subscribe
	Breaker   BreakerConfig
	Pull      PullConfig
	Storage   StorageConfig
	OpsAddr   string
	LogLevel  string
	LogFormat string
	LogFile   string
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return configFilePath
}

// Get 获取全局配置（如果已加载）
func Get() *Config {
	return globalConfig
}

type budgetClassFile struct {
	MaxCost   float64 `yaml:"max_cost" json:"max_cost"`
	DecayRate float64 `yaml:"decay_rate" json:"decay_rate"`
}

type backoffFile struct {
	InitialMs  int     `yaml:"initial_ms" json:"initial_ms"`
	MaxMs      int     `yaml:"max_ms" json:"max_ms"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	Jitter     float64 `yaml:"jitter" json:"jitter"`
	MaxRetries int     `yaml:"max_retries" json:"max_retries"`
}

// ConfigFile 配置文件结构（用于 YAML/JSON 解析）
type ConfigFile struct {
	Exchange struct {
		RESTURL          string `yaml:"rest_url" json:"rest_url"`
		PublicWSURL      string `yaml:"public_ws_url" json:"public_ws_url"`
		PrivateWSURL     string `yaml:"private_ws_url" json:"private_ws_url"`
		RequestTimeoutMs int    `yaml:"request_timeout_ms" json:"request_timeout_ms"`
		Proxy            struct {
			Host string `yaml:"host" json:"host"`
			Port int    `yaml:"port" json:"port"`
		} `yaml:"proxy" json:"proxy"`
	} `yaml:"exchange" json:"exchange"`
	Budget struct {
		Tier         string                                `yaml:"tier" json:"tier"`
		SafetyMargin float64                               `yaml:"safety_margin" json:"safety_margin"`
		WarnFraction float64                               `yaml:"warn_fraction" json:"warn_fraction"`
		Tiers        map[string]map[string]budgetClassFile `yaml:"tiers" json:"tiers"`
	} `yaml:"budget" json:"budget"`
	Session struct {
		HeartbeatTimeoutMs   int      `yaml:"heartbeat_timeout_ms" json:"heartbeat_timeout_ms"`
		PingIntervalMs       int      `yaml:"ping_interval_ms" json:"ping_interval_ms"`
		HandshakeTimeoutMs   int      `yaml:"handshake_timeout_ms" json:"handshake_timeout_ms"`
		SubscribeTimeoutMs   int      `yaml:"subscribe_timeout_ms" json:"subscribe_timeout_ms"`
		TokenRefreshMarginMs int      `yaml:"token_refresh_margin_ms" json:"token_refresh_margin_ms"`
		TokenSafetyMarginMs  int      `yaml:"token_safety_margin_ms" json:"token_safety_margin_ms"`
		Symbols              []string `yaml:"symbols" json:"symbols"`
		Channels             []struct {
			Name     string `yaml:"name" json:"name"`
			Priority string `yaml:"priority" json:"priority"`
			Private  bool   `yaml:"private" json:"private"`
		} `yaml:"channels" json:"channels"`
	} `yaml:"session" json:"session"`
	Staleness struct {
		BalanceMs         int `yaml:"balance_ms" json:"balance_ms"`
		MarketMs          int `yaml:"market_ms" json:"market_ms"`
		FallbackTimeoutMs int `yaml:"fallback_timeout_ms" json:"fallback_timeout_ms"`
		BalanceStreamMs   int `yaml:"balance_stream_max_age_ms" json:"balance_stream_max_age_ms"`
	} `yaml:"staleness" json:"staleness"`
	Execution struct {
		SafetyBuffer       string `yaml:"safety_buffer" json:"safety_buffer"`
		MaxUtilization     string `yaml:"max_utilization" json:"max_utilization"`
		AckTimeoutMs       int    `yaml:"ack_timeout_ms" json:"ack_timeout_ms"`
		IntentRetentionSec int    `yaml:"intent_retention_sec" json:"intent_retention_sec"`
		WarnSpacingMs      int    `yaml:"warn_spacing_ms" json:"warn_spacing_ms"`
		Instruments        map[string]struct {
			MinNotional       string `yaml:"min_notional" json:"min_notional"`
			MinAppliesToSells *bool  `yaml:"min_applies_to_sells" json:"min_applies_to_sells"`
		} `yaml:"instruments" json:"instruments"`
	} `yaml:"execution" json:"execution"`
	Backoff map[string]backoffFile `yaml:"backoff" json:"backoff"`
	Breaker struct {
		FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
		CooldownMs       int `yaml:"cooldown_ms" json:"cooldown_ms"`
	} `yaml:"breaker" json:"breaker"`
	Pull struct {
		BootstrapMaxWaitMs    int `yaml:"bootstrap_max_wait_ms" json:"bootstrap_max_wait_ms"`
		InstrumentCacheTTLSec int `yaml:"instrument_cache_ttl_sec" json:"instrument_cache_ttl_sec"`
	} `yaml:"pull" json:"pull"`
	Storage struct {
		Backend         string `yaml:"backend" json:"backend"`
		StateDir        string `yaml:"state_dir" json:"state_dir"`
		ArchivePath     string `yaml:"archive_path" json:"archive_path"`
		FlushIntervalMs int    `yaml:"flush_interval_ms" json:"flush_interval_ms"`
		ArchiveMaxAgeH  int    `yaml:"archive_max_age_hours" json:"archive_max_age_hours"`
	} `yaml:"storage" json:"storage"`
	OpsAddr   string `yaml:"ops_addr" json:"ops_addr"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`
	LogFile   string `yaml:"log_file" json:"log_file"`
}

// DefaultTiers 各账户等级的默认预算（每秒衰减）
func DefaultTiers() map[string]map[string]BudgetClass {
	return map[string]map[string]BudgetClass{
		"starter": {
			ClassPublicQuery:    {MaxCost: 15, DecayRate: 1},
			ClassPrivateQuery:   {MaxCost: 15, DecayRate: 0.33},
			ClassOrderPlacement: {MaxCost: 60, DecayRate: 1},
		},
		"intermediate": {
			ClassPublicQuery:    {MaxCost: 15, DecayRate: 1},
			ClassPrivateQuery:   {MaxCost: 20, DecayRate: 0.5},
			ClassOrderPlacement: {MaxCost: 125, DecayRate: 2.34},
		},
		"pro": {
			ClassPublicQuery:    {MaxCost: 15, DecayRate: 1},
			ClassPrivateQuery:   {MaxCost: 20, DecayRate: 1},
			ClassOrderPlacement: {MaxCost: 180, DecayRate: 3.75},
		},
	}
}

// DefaultChannels 默认订阅频道（按优先级）
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{Name: "balances", Priority: "critical", Private: true},
		{Name: "executions", Priority: "critical", Private: true},
		{Name: "ticker", Priority: "high"},
		{Name: "book", Priority: "medium"},
		{Name: "ohlc", Priority: "low"},
	}
}

// DefaultBackoff 默认退避参数（按错误类别）
func DefaultBackoff() map[string]BackoffRule {
	return map[string]BackoffRule{
		"network":    {Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.3, MaxRetries: 3},
		"auth":       {Initial: time.Second, Max: 20 * time.Second, Multiplier: 2, Jitter: 0.2, MaxRetries: 1},
		"rate_limit": {Initial: time.Second, Max: 60 * time.Second, Multiplier: 2, Jitter: 0.1, MaxRetries: 2},
		"subscribe":  {Initial: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.3, MaxRetries: 0},
	}
}

// Load 加载配置
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置
// 优先级：环境变量（密钥类）> 配置文件 > 默认值
func LoadFromFile(filePath string) (*Config, error) {
	if globalConfig != nil && configFilePath == filePath {
		return globalConfig, nil
	}

	// .env 可选，不存在时忽略
	_ = godotenv.Load()

	var cf *ConfigFile
	if filePath != "" {
		var err error
		cf, err = loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	} else {
		cf = &ConfigFile{}
	}

	config, err := build(cf)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	globalConfig = config
	configFilePath = filePath
	return config, nil
}

func build(cf *ConfigFile) (*Config, error) {
	c := &Config{
		Exchange: ExchangeConfig{
			RESTURL:        pick(cf.Exchange.RESTURL, getEnv("TRADECORE_REST_URL", "https://api.kraken.com")),
			PublicWSURL:    pick(cf.Exchange.PublicWSURL, getEnv("TRADECORE_PUBLIC_WS_URL", "wss://ws.kraken.com/v2")),
			PrivateWSURL:   pick(cf.Exchange.PrivateWSURL, getEnv("TRADECORE_PRIVATE_WS_URL", "wss://ws-auth.kraken.com/v2")),
			APIKey:         getEnv("TRADECORE_API_KEY", ""),
			APISecret:      getEnv("TRADECORE_API_SECRET", ""),
			RequestTimeout: millis(cf.Exchange.RequestTimeoutMs, parseIntEnv("TRADECORE_REQUEST_TIMEOUT_MS", 10000)),
		},
		Budget: BudgetConfig{
			Tier:         strings.ToLower(pick(cf.Budget.Tier, getEnv("TRADECORE_ACCOUNT_TIER", "starter"))),
			SafetyMargin: pickFloat(cf.Budget.SafetyMargin, 1.2),
			WarnFraction: pickFloat(cf.Budget.WarnFraction, 0.8),
		},
		Session: SessionConfig{
			HeartbeatTimeout:   millis(cf.Session.HeartbeatTimeoutMs, 10000),
			PingInterval:       millis(cf.Session.PingIntervalMs, 15000),
			HandshakeTimeout:   millis(cf.Session.HandshakeTimeoutMs, 10000),
			SubscribeTimeout:   millis(cf.Session.SubscribeTimeoutMs, 5000),
			TokenRefreshMargin: millis(cf.Session.TokenRefreshMarginMs, 120000),
			TokenSafetyMargin:  millis(cf.Session.TokenSafetyMarginMs, 10000),
			Symbols:            cf.Session.Symbols,
		},
		Staleness: StalenessConfig{
			Balance:         millis(cf.Staleness.BalanceMs, 5000),
			Market:          millis(cf.Staleness.MarketMs, 30000),
			FallbackTimeout: millis(cf.Staleness.FallbackTimeoutMs, 3000),

			BalanceStreamMaxAge: millis(cf.Staleness.BalanceStreamMs, 300000),
		},
		Execution: ExecutionConfig{
			AckTimeout:      millis(cf.Execution.AckTimeoutMs, 5000),
			IntentRetention: time.Duration(pickInt(cf.Execution.IntentRetentionSec, 3600)) * time.Second,
			WarnSpacing:     millis(cf.Execution.WarnSpacingMs, 1000),
			Instruments:     make(map[string]InstrumentOverride),
		},
		Backoff: DefaultBackoff(),
		Breaker: BreakerConfig{
			FailureThreshold: pickInt(cf.Breaker.FailureThreshold, 5),
			Cooldown:         millis(cf.Breaker.CooldownMs, 30000),
		},
		Pull: PullConfig{
			BootstrapMaxWait:   millis(cf.Pull.BootstrapMaxWaitMs, 15000),
			InstrumentCacheTTL: time.Duration(pickInt(cf.Pull.InstrumentCacheTTLSec, 3600)) * time.Second,
		},
		Storage: StorageConfig{
			Backend:       strings.ToLower(pick(cf.Storage.Backend, getEnv("TRADECORE_STORAGE_BACKEND", "badger"))),
			StateDir:      pick(cf.Storage.StateDir, getEnv("TRADECORE_STATE_DIR", "data/state")),
			ArchivePath:   pick(cf.Storage.ArchivePath, getEnv("TRADECORE_ARCHIVE_PATH", "data/intents.db")),
			FlushInterval: millis(cf.Storage.FlushIntervalMs, 5000),
			ArchiveMaxAge: time.Duration(pickInt(cf.Storage.ArchiveMaxAgeH, 24*30)) * time.Hour,
		},
		OpsAddr:   pick(cf.OpsAddr, getEnv("TRADECORE_OPS_ADDR", "127.0.0.1:8088")),
		LogLevel:  pick(cf.LogLevel, getEnv("LOG_LEVEL", "info")),
		LogFormat: pick(cf.LogFormat, getEnv("LOG_FORMAT", "text")),
		LogFile:   pick(cf.LogFile, getEnv("LOG_FILE", "logs/tradecore.log")),
	}

	if cf.Exchange.Proxy.Host != "" {
		c.Exchange.Proxy = &ProxyConfig{Host: cf.Exchange.Proxy.Host, Port: cf.Exchange.Proxy.Port}
	} else if host := getEnv("PROXY_HOST", ""); host != "" {
		c.Exchange.Proxy = &ProxyConfig{Host: host, Port: parseIntEnv("PROXY_PORT", 15236)}
	}

	// 预算：默认等级表 + 配置文件覆盖
	tiers := DefaultTiers()
	for tier, classes := range cf.Budget.Tiers {
		tier = strings.ToLower(tier)
		if tiers[tier] == nil {
			tiers[tier] = make(map[string]BudgetClass)
		}
		for class, v := range classes {
			tiers[tier][class] = BudgetClass{MaxCost: v.MaxCost, DecayRate: v.DecayRate}
		}
	}
	classes, ok := tiers[c.Budget.Tier]
	if !ok {
		return nil, fmt.Errorf("未知的账户等级: %s", c.Budget.Tier)
	}
	c.Budget.Classes = classes

	// 频道优先级列表
	if len(cf.Session.Channels) > 0 {
		for _, ch := range cf.Session.Channels {
			c.Session.Channels = append(c.Session.Channels, ChannelConfig{Name: ch.Name, Priority: strings.ToLower(ch.Priority), Private: ch.Private})
		}
	} else {
		c.Session.Channels = DefaultChannels()
	}
	if len(c.Session.Symbols) == 0 {
		c.Session.Symbols = parseList(getEnv("TRADECORE_SYMBOLS", "BTC/USD"))
	}

	var err error
	if c.Execution.SafetyBuffer, err = parseDecimal(cf.Execution.SafetyBuffer, getEnv("TRADECORE_SAFETY_BUFFER", "0.36")); err != nil {
		return nil, fmt.Errorf("safety_buffer 解析失败: %w", err)
	}
	if c.Execution.MaxUtilization, err = parseDecimal(cf.Execution.MaxUtilization, getEnv("TRADECORE_MAX_UTILIZATION", "0.95")); err != nil {
		return nil, fmt.Errorf("max_utilization 解析失败: %w", err)
	}
	for symbol, inst := range cf.Execution.Instruments {
		o := InstrumentOverride{MinAppliesToSells: true}
		if inst.MinNotional != "" {
			if o.MinNotional, err = decimal.NewFromString(inst.MinNotional); err != nil {
				return nil, fmt.Errorf("instruments.%s.min_notional 解析失败: %w", symbol, err)
			}
		}
		if inst.MinAppliesToSells != nil {
			o.MinAppliesToSells = *inst.MinAppliesToSells
		}
		c.Execution.Instruments[strings.ToUpper(symbol)] = o
	}

	for class, b := range cf.Backoff {
		rule := c.Backoff[class]
		if b.InitialMs > 0 {
			rule.Initial = time.Duration(b.InitialMs) * time.Millisecond
		}
		if b.MaxMs > 0 {
			rule.Max = time.Duration(b.MaxMs) * time.Millisecond
		}
		if b.Multiplier > 0 {
			rule.Multiplier = b.Multiplier
		}
		if b.Jitter > 0 {
			rule.Jitter = b.Jitter
		}
		if b.MaxRetries > 0 {
			rule.MaxRetries = b.MaxRetries
		}
		c.Backoff[class] = rule
	}

	return c, nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON）
func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var configFile ConfigFile
	ext := strings.ToLower(filepath.Ext(filePath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}

	return &configFile, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	for _, class := range []string{ClassPublicQuery, ClassPrivateQuery, ClassOrderPlacement} {
		b, ok := c.Budget.Classes[class]
		if !ok {
			return fmt.Errorf("预算类别 %s 未配置 (tier=%s)", class, c.Budget.Tier)
		}
		if b.MaxCost <= 0 || b.DecayRate <= 0 {
			return fmt.Errorf("预算类别 %s 的 max_cost/decay_rate 必须大于 0", class)
		}
	}
	if c.Budget.SafetyMargin < 1 {
		return fmt.Errorf("budget.safety_margin 不能小于 1")
	}
	if c.Budget.WarnFraction <= 0 || c.Budget.WarnFraction >= 1 {
		return fmt.Errorf("budget.warn_fraction 必须在 0 到 1 之间")
	}
	if c.Execution.SafetyBuffer.IsNegative() {
		return fmt.Errorf("safety_buffer 不能为负数")
	}
	if !c.Execution.MaxUtilization.IsPositive() || c.Execution.MaxUtilization.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("max_utilization 必须在 (0, 1] 之间")
	}
	if c.Session.TokenSafetyMargin >= c.Session.TokenRefreshMargin {
		return fmt.Errorf("token_safety_margin 必须小于 token_refresh_margin")
	}
	if c.Storage.Backend != "badger" && c.Storage.Backend != "json" {
		return fmt.Errorf("storage.backend 无效: %s（badger / json）", c.Storage.Backend)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold 必须大于 0")
	}
	hasCritical := false
	for _, ch := range c.Session.Channels {
		switch ch.Priority {
		case "critical":
			hasCritical = true
		case "high", "medium", "low":
		default:
			return fmt.Errorf("频道 %s 的优先级无效: %s", ch.Name, ch.Priority)
		}
	}
	if !hasCritical {
		return fmt.Errorf("至少需要一个 critical 频道")
	}
	return nil
}

// HasCredentials 是否配置了 API 密钥
func (c *Config) HasCredentials() bool {
	return c.Exchange.APIKey != "" && c.Exchange.APISecret != ""
}

func pick(fileValue, fallback string) string {
	if fileValue != "" {
		return fileValue
	}
	return fallback
}

func pickInt(fileValue, fallback int) int {
	if fileValue > 0 {
		return fileValue
	}
	return fallback
}

func pickFloat(fileValue, fallback float64) float64 {
	if fileValue > 0 {
		return fileValue
	}
	return fallback
}

func millis(fileValue, fallback int) time.Duration {
	return time.Duration(pickInt(fileValue, fallback)) * time.Millisecond
}

func parseDecimal(fileValue, fallback string) (decimal.Decimal, error) {
	return decimal.NewFromString(pick(fileValue, fallback))
}

// parseList 解析逗号分隔列表
func parseList(str string) []string {
	var out []string
	for _, s := range strings.Split(str, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
