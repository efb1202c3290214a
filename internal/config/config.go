// Package config предоставялет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// EnvProduction значение Env для боевого окружения.
const EnvProduction = "prod"

// Config общая структура для хранения настроек
type Config struct {
	Env                     string `yaml:"env" env:"ENV" env-default:"local"`
	StorageConnectionString string `yaml:"storage_connection_string" env:"STORAGE_CONNECTION_STRING"`
	MigrationsPath          string `yaml:"migrations_path" env-default:"./migrations"`
	RedisConnection         `yaml:"redis_connection"`
	HTTPServer              `yaml:"http_server"`
	JWTToken                `yaml:"jwttoken"`
	Gateway                 Gateway     `yaml:"gateway"`
	Entitlement             Entitlement `yaml:"entitlement"`
	Billing                 Billing     `yaml:"billing"`
	RabbitMQ                RabbitMQ    `yaml:"rabbitmq"`
	RateLimit               RateLimit   `yaml:"rate_limit"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp" env-default:":8080"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp" env-default:"30s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	TimeoutRedis time.Duration `yaml:"timeoutredis"`
}

// JWTToken структура для работы с jwt-токеном
type JWTToken struct {
	JWTSecretKey string        `yaml:"jwt_secret_key" env:"JWT_SECRET_KEY"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

// Gateway настройки платежного шлюза.
type Gateway struct {
	BaseURL             string        `yaml:"base_url" env-default:"https://api.paystack.co"`
	SecretKey           string        `yaml:"secret_key" env:"GATEWAY_SECRET_KEY"`
	WebhookSecret       string        `yaml:"webhook_secret" env:"GATEWAY_WEBHOOK_SECRET"`
	CallbackURL         string        `yaml:"callback_url"`
	AppCallbackScheme   string        `yaml:"app_callback_scheme" env-default:"fintrack"`
	Timeout             time.Duration `yaml:"timeout" env-default:"15s"`
	CardCurrency        string        `yaml:"card_currency" env-default:"NGN"`
	MobileMoneyCurrency string        `yaml:"mobile_money_currency" env-default:"GHS"`
}

// Entitlement настройки вычисления доступа к продукту.
type Entitlement struct {
	TrialDays     int           `yaml:"trial_days" env-default:"7"`
	RemoteTimeout time.Duration `yaml:"remote_timeout" env-default:"3s"`
	CacheTTL      time.Duration `yaml:"cache_ttl" env-default:"720h"`
}

// Billing настройки тарифов и сверки платежей.
type Billing struct {
	// Plans цена тарифа в минимальных единицах валюты, ключ это название тарифа.
	Plans          map[string]int64 `yaml:"plans"`
	VerifyTimeout  time.Duration    `yaml:"verify_timeout" env-default:"20s"`
	SessionTTL     time.Duration    `yaml:"session_ttl" env-default:"1h"`
	ReconcileAfter time.Duration    `yaml:"reconcile_after" env-default:"15m"`
	ReconcileBatch int              `yaml:"reconcile_batch" env-default:"100"`
}

// RabbitMQ настройки подключения к брокеру.
type RabbitMQ struct {
	URL        string        `yaml:"url" env:"RABBITMQ_URL"`
	MaxRetries int           `yaml:"max_retries" env-default:"5"`
	RetryDelay time.Duration `yaml:"retry_delay" env-default:"2s"`
}

// RateLimit настройки ограничения запросов к платежным ручкам.
type RateLimit struct {
	RPS   float64 `yaml:"rps" env-default:"1"`
	Burst int     `yaml:"burst" env-default:"5"`
}

// MustLoad функция для загрузки конфига, возвращает конфиг, прочитанный из файла CONFIG_PATH
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("file: %s - does not exist", configPath)
	}
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return &cfg
}

// IsProduction сообщает, запущен ли сервис в боевом окружении.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"RedisConnection:\n"+
			"  Addr: %s\n"+
			"  DB: %d\n"+
			"  MaxRetries: %d\n"+
			"HTTPServer:\n"+
			"  Address: %s\n"+
			"  Timeout: %s\n"+
			"  IdleTimeout: %s\n"+
			"Gateway:\n"+
			"  BaseURL: %s\n"+
			"  Timeout: %s\n"+
			"Entitlement:\n"+
			"  TrialDays: %d\n"+
			"  RemoteTimeout: %s\n",
		c.Env,
		c.AddressRedis,
		c.DB,
		c.MaxRetries,
		c.AddressHTTP,
		c.TimeoutHTTP,
		c.IdleTimeout,
		c.Gateway.BaseURL,
		c.Gateway.Timeout,
		c.Entitlement.TrialDays,
		c.Entitlement.RemoteTimeout,
	)
}
