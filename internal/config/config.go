package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type HTTPConfig struct {
	Port            int           `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL         string `yaml:"url"`
	MaxConns    int32  `yaml:"max_conns"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	AdminSecret string `yaml:"admin_secret"`
}

// ClickCredentials is one environment's worth of Click merchant settings.
type ClickCredentials struct {
	MerchantID     string `yaml:"merchant_id"`
	MerchantUserID string `yaml:"merchant_user_id"`
	SecretKey      string `yaml:"secret_key"`
	PayURL         string `yaml:"pay_url"`
	ReturnURL      string `yaml:"return_url"`
}

type ClickConfig struct {
	Test       ClickCredentials `yaml:"test"`
	Production ClickCredentials `yaml:"production"`
	// ProxySecret authenticates the edge relay leg (X-Proxy-Auth).
	ProxySecret string `yaml:"proxy_secret"`
}

// PaymeCredentials is one environment's worth of Payme receipts API settings.
type PaymeCredentials struct {
	MerchantID  string `yaml:"merchant_id"`
	SecretKey   string `yaml:"secret_key"`
	APIURL      string `yaml:"api_url"`
	CheckoutURL string `yaml:"checkout_url"`
}

type PaymeConfig struct {
	Test       PaymeCredentials `yaml:"test"`
	Production PaymeCredentials `yaml:"production"`
}

type PaymentConfig struct {
	Environment     string        `yaml:"environment"` // test | production
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	Click           ClickConfig   `yaml:"click"`
	Payme           PaymeConfig   `yaml:"payme"`
	// Noop enables the in-memory receipt provider (local development only).
	Noop    bool   `yaml:"noop"`
	NoopURL string `yaml:"noop_url"`
	// CreateRateLimit caps payment creations per user per minute.
	CreateRateLimit int `yaml:"create_rate_limit"`
}

func (p PaymentConfig) Production() bool {
	return strings.EqualFold(p.Environment, "production")
}

// ActiveClick resolves the Click profile for the configured environment.
func (p PaymentConfig) ActiveClick() ClickCredentials {
	if p.Production() {
		return p.Click.Production
	}
	return p.Click.Test
}

// ActivePayme resolves the Payme profile for the configured environment.
func (p PaymentConfig) ActivePayme() PaymeCredentials {
	if p.Production() {
		return p.Payme.Production
	}
	return p.Payme.Test
}

type RelayConfig struct {
	Listen         string        `yaml:"listen"`
	BackendURL     string        `yaml:"backend_url"`
	VerifyAtEdge   bool          `yaml:"verify_at_edge"`
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
}

type SchedulerConfig struct {
	ExpiryCheckCron     string        `yaml:"expiry_check_cron"`
	ReconcileInterval   time.Duration `yaml:"reconcile_interval"`
	ReconcileMaxAttempt int           `yaml:"reconcile_max_attempts"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	PollStaleAfter      time.Duration `yaml:"poll_stale_after"`
	Workers             int           `yaml:"workers"`
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

type AlertConfig struct {
	TelegramToken string  `yaml:"telegram_token"`
	ChatIDs       []int64 `yaml:"chat_ids"`
}

type PlanConfig struct {
	ID           string            `yaml:"id"`
	Tier         string            `yaml:"tier"`
	DurationDays int               `yaml:"duration_days"`
	Recurring    bool              `yaml:"recurring"`
	Prices       map[string]int64  `yaml:"prices"`        // provider -> minor units
	ProviderRefs map[string]string `yaml:"provider_refs"` // provider -> service id / product id
}

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Payment   PaymentConfig   `yaml:"payment"`
	Relay     RelayConfig     `yaml:"relay"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Security  SecurityConfig  `yaml:"security"`
	Alert     AlertConfig     `yaml:"alert"`
	Plans     []PlanConfig    `yaml:"plans"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path. A .env file next to the working directory
// is loaded first (if present) so ${VARS} in the YAML can reference secrets.
func LoadConfig(path string, dev bool) (*Config, error) {
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return cfg, nil
}

// Parse expands ${VARS}, decodes YAML, applies defaults and validates.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 15 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout <= 0 {
		cfg.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)
	if cfg.Payment.Environment == "" {
		cfg.Payment.Environment = "test"
	}
	if cfg.Payment.ProviderTimeout <= 0 {
		cfg.Payment.ProviderTimeout = 10 * time.Second
	}
	if cfg.Payment.CreateRateLimit <= 0 {
		cfg.Payment.CreateRateLimit = 10
	}
	if cfg.Payment.Click.Test.PayURL == "" {
		cfg.Payment.Click.Test.PayURL = "https://my.click.uz/services/pay"
	}
	if cfg.Payment.Click.Production.PayURL == "" {
		cfg.Payment.Click.Production.PayURL = "https://my.click.uz/services/pay"
	}
	if cfg.Payment.Payme.Test.APIURL == "" {
		cfg.Payment.Payme.Test.APIURL = "https://checkout.test.paycom.uz/api"
	}
	if cfg.Payment.Payme.Test.CheckoutURL == "" {
		cfg.Payment.Payme.Test.CheckoutURL = "https://test.paycom.uz"
	}
	if cfg.Payment.Payme.Production.APIURL == "" {
		cfg.Payment.Payme.Production.APIURL = "https://checkout.paycom.uz/api"
	}
	if cfg.Payment.Payme.Production.CheckoutURL == "" {
		cfg.Payment.Payme.Production.CheckoutURL = "https://checkout.paycom.uz"
	}
	if cfg.Relay.Listen == "" {
		cfg.Relay.Listen = ":8090"
	}
	if cfg.Relay.ForwardTimeout <= 0 {
		cfg.Relay.ForwardTimeout = 10 * time.Second
	}
	if cfg.Scheduler.ExpiryCheckCron == "" {
		cfg.Scheduler.ExpiryCheckCron = "0 */15 * * * *"
	}
	if cfg.Scheduler.ReconcileInterval <= 0 {
		cfg.Scheduler.ReconcileInterval = time.Minute
	}
	if cfg.Scheduler.ReconcileMaxAttempt <= 0 {
		cfg.Scheduler.ReconcileMaxAttempt = 10
	}
	if cfg.Scheduler.PollInterval <= 0 {
		cfg.Scheduler.PollInterval = time.Minute
	}
	if cfg.Scheduler.PollStaleAfter <= 0 {
		cfg.Scheduler.PollStaleAfter = 5 * time.Minute
	}
	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = 4
	}
}

// Validate performs minimal validation; it does not check credentials of providers
// that are not configured.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	env := strings.ToLower(c.Payment.Environment)
	if env != "test" && env != "production" {
		return fmt.Errorf("payment.environment must be test or production, got %q", c.Payment.Environment)
	}
	seen := make(map[string]struct{}, len(c.Plans))
	for _, p := range c.Plans {
		if p.ID == "" || p.Tier == "" || p.DurationDays <= 0 {
			return fmt.Errorf("plan %q: id, tier and duration_days are required", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("plan %q declared twice", p.ID)
		}
		seen[p.ID] = struct{}{}
		for provider, price := range p.Prices {
			if price <= 0 {
				return fmt.Errorf("plan %q: price for %s must be positive", p.ID, provider)
			}
		}
	}
	return nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
