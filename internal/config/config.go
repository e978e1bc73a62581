package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Redis         RedisConfig         `yaml:"redis"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
	Auth          AuthConfig          `yaml:"auth"`
	Log           LogConfig           `yaml:"log"`
	Escrow        EscrowConfig        `yaml:"escrow"`
	Commission    CommissionConfig    `yaml:"commission"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Webhook       WebhookConfig       `yaml:"webhook"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type EscrowConfig struct {
	AutoReleaseHours   int    `yaml:"auto_release_hours"`
	DisputeWindowHours int    `yaml:"dispute_window_hours"`
	Currency           string `yaml:"currency"`
}

func (e EscrowConfig) AutoRelease() time.Duration {
	return time.Duration(e.AutoReleaseHours) * time.Hour
}

func (e EscrowConfig) DisputeWindow() time.Duration {
	return time.Duration(e.DisputeWindowHours) * time.Hour
}

// CommissionConfig maps subscription plan slug to commission rate, e.g. "0.10".
type CommissionConfig struct {
	Default string            `yaml:"default"`
	Rates   map[string]string `yaml:"rates"`
}

type ProvidersConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Payme   RailConfig    `yaml:"payme"`
	Click   RailConfig    `yaml:"click"`
	Paynet  RailConfig    `yaml:"paynet"`
	Stripe  StripeConfig  `yaml:"stripe"`
}

type RailConfig struct {
	MerchantID string `yaml:"merchant_id"`
	ServiceID  string `yaml:"service_id"`
	SecretKey  string `yaml:"secret_key"`
	BaseURL    string `yaml:"base_url"`
	RefundURL  string `yaml:"refund_url"`
}

type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	SuccessURL    string `yaml:"success_url"`
	CancelURL     string `yaml:"cancel_url"`
	Currency      string `yaml:"currency"`
}

type SubscriptionsConfig struct {
	Provider string               `yaml:"provider"`
	Plans    map[string]PlanPrice `yaml:"plans"`
}

type PlanPrice struct {
	Name     string `yaml:"name"`
	Amount   string `yaml:"amount"`
	Currency string `yaml:"currency"`
	Days     int    `yaml:"days"`
}

type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Batch    int           `yaml:"batch"`
}

type WebhookConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads the yaml file, then .env (if any), then environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server:    ServerConfig{Port: 8080},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
		Log:       LogConfig{Level: "info"},
		Escrow: EscrowConfig{
			AutoReleaseHours:   24,
			DisputeWindowHours: 48,
			Currency:           "UZS",
		},
		Commission: CommissionConfig{
			Default: "0.10",
			Rates:   map[string]string{"free": "0.10", "premium": "0.08", "pro": "0.05"},
		},
		Providers: ProvidersConfig{Timeout: 10 * time.Second},
		Scheduler: SchedulerConfig{Interval: 5 * time.Minute, Batch: 100},
		Webhook:   WebhookConfig{Timeout: 15 * time.Second},
	}
}

func applyEnv(cfg *Config) {
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setInt(&cfg.Escrow.AutoReleaseHours, "ESCROW_AUTO_RELEASE_HOURS")
	setInt(&cfg.Escrow.DisputeWindowHours, "ESCROW_DISPUTE_WINDOW_HOURS")

	setString(&cfg.Providers.Payme.MerchantID, "PAYME_MERCHANT_ID")
	setString(&cfg.Providers.Payme.SecretKey, "PAYME_SECRET_KEY")
	setString(&cfg.Providers.Click.MerchantID, "CLICK_MERCHANT_ID")
	setString(&cfg.Providers.Click.ServiceID, "CLICK_SERVICE_ID")
	setString(&cfg.Providers.Click.SecretKey, "CLICK_SECRET_KEY")
	setString(&cfg.Providers.Paynet.MerchantID, "PAYNET_MERCHANT_ID")
	setString(&cfg.Providers.Paynet.SecretKey, "PAYNET_SECRET_KEY")
	setString(&cfg.Providers.Stripe.SecretKey, "STRIPE_SECRET_KEY")
	setString(&cfg.Providers.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}
