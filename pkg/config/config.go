package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Metrics struct {
		Enabled  bool   `mapstructure:"ENABLED"`
		Endpoint string `mapstructure:"ENDPOINT"`
	} `mapstructure:"METRICS"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Otel           bool   `mapstructure:"OTEL"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Worker struct {
		Concurrency   int           `mapstructure:"CONCURRENCY"`
		JobTimeout    time.Duration `mapstructure:"JOB_TIMEOUT"`
		MaxAttempts   int           `mapstructure:"MAX_ATTEMPTS"`
		RetryPolicy   string        `mapstructure:"RETRY_POLICY"`
		RetryDelay    time.Duration `mapstructure:"RETRY_DELAY"`
		RetryMaxDelay time.Duration `mapstructure:"RETRY_MAX_DELAY"`
		StaleAfter    time.Duration `mapstructure:"STALE_AFTER"`
		SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	} `mapstructure:"WORKER"`
	RateLimit struct {
		Enabled bool          `mapstructure:"ENABLED"`
		Limit   int           `mapstructure:"LIMIT"`
		Window  time.Duration `mapstructure:"WINDOW"`
	} `mapstructure:"RATE_LIMIT"`
	Cache struct {
		Enabled bool          `mapstructure:"ENABLED"`
		TTL     time.Duration `mapstructure:"TTL"`
	} `mapstructure:"CACHE"`
	Webhook struct {
		Timeout     time.Duration   `mapstructure:"TIMEOUT"`
		Delays      []time.Duration `mapstructure:"DELAYS"`
		MaxAttempts int             `mapstructure:"MAX_ATTEMPTS"`
	} `mapstructure:"WEBHOOK"`
	Credit struct {
		SignupBonus int64 `mapstructure:"SIGNUP_BONUS"`
	} `mapstructure:"CREDIT"`
	Compute struct {
		Endpoint string        `mapstructure:"ENDPOINT"`
		APIKey   string        `mapstructure:"API_KEY"`
		Model    string        `mapstructure:"MODEL"`
		Timeout  time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"COMPUTE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "nexus-pipeline")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 10)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 50)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 10*time.Minute)
	v.SetDefault("REDIS.ADDR", "localhost:6379")
	v.SetDefault("REDIS.POOL_SIZE", 20)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("WORKER.CONCURRENCY", 10)
	v.SetDefault("WORKER.JOB_TIMEOUT", 300*time.Second)
	v.SetDefault("WORKER.MAX_ATTEMPTS", 3)
	v.SetDefault("WORKER.RETRY_POLICY", "constant")
	v.SetDefault("WORKER.RETRY_DELAY", 5*time.Second)
	v.SetDefault("WORKER.RETRY_MAX_DELAY", 5*time.Minute)
	v.SetDefault("WORKER.STALE_AFTER", 10*time.Minute)
	v.SetDefault("WORKER.SWEEP_INTERVAL", time.Minute)
	v.SetDefault("RATE_LIMIT.ENABLED", true)
	v.SetDefault("RATE_LIMIT.LIMIT", 100)
	v.SetDefault("RATE_LIMIT.WINDOW", 900*time.Second)
	v.SetDefault("CACHE.ENABLED", true)
	v.SetDefault("CACHE.TTL", time.Hour)
	v.SetDefault("WEBHOOK.TIMEOUT", 10*time.Second)
	v.SetDefault("WEBHOOK.DELAYS", []time.Duration{5 * time.Second, 25 * time.Second, 125 * time.Second})
	v.SetDefault("WEBHOOK.MAX_ATTEMPTS", 3)
	v.SetDefault("CREDIT.SIGNUP_BONUS", 100)
	v.SetDefault("COMPUTE.MODEL", "gemini-2.5-flash")
	v.SetDefault("COMPUTE.TIMEOUT", 60*time.Second)
}

// Load reads config.yaml (optional) and the environment into a Config.
func Load(v *viper.Viper) (*Config, error) {
	_ = godotenv.Load()

	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func LoadConfig() *Config {
	cfg, err := Load(viper.New())
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	return cfg
}
