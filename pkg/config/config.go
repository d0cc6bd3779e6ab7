package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Session    SessionConfig    `mapstructure:"session"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
}

// ConnectionConfig drives the live push channel state machine.
type ConnectionConfig struct {
	URL               string        `mapstructure:"url" validate:"required"`
	DialTimeout       time.Duration `mapstructure:"dialTimeout" validate:"gt=0"`
	AuthTimeout       time.Duration `mapstructure:"authTimeout" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval" validate:"gt=0"`
	HeartbeatGrace    time.Duration `mapstructure:"heartbeatGrace" validate:"gtfield=HeartbeatInterval"`
	BackoffMin        time.Duration `mapstructure:"backoffMin" validate:"gt=0"`
	BackoffMax        time.Duration `mapstructure:"backoffMax" validate:"gtefield=BackoffMin"`
	BackoffJitter     float64       `mapstructure:"backoffJitter" validate:"min=0,max=1"`
	StableThreshold   time.Duration `mapstructure:"stableThreshold"`
	MaxRetries        int           `mapstructure:"maxRetries" validate:"min=0"`
}

type CatalogConfig struct {
	BaseURL        string        `mapstructure:"baseUrl" validate:"required"`
	TTL            time.Duration `mapstructure:"ttl" validate:"gt=0"`
	PageSize       int           `mapstructure:"pageSize" validate:"min=1"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	RateLimit      float64       `mapstructure:"rateLimit" validate:"min=0"`
	RateBurst      int           `mapstructure:"rateBurst" validate:"min=0"`
}

// SessionConfig carries an optional credential used to raise the auth signal at startup.
type SessionConfig struct {
	Token string `mapstructure:"token"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type KafkaConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	BootstrapServers string   `mapstructure:"bootstrapServers"`
	GroupID          string   `mapstructure:"groupId"`
	Topics           []string `mapstructure:"topics"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

var validate = validator.New()

func LoadConfig(path string) (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("LOBBYSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		ve, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		msgs := make([]string, 0, len(ve))
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("invalid configuration: redis.addr is required when redis is enabled")
	}
	if c.Kafka.Enabled && (c.Kafka.BootstrapServers == "" || len(c.Kafka.Topics) == 0) {
		return fmt.Errorf("invalid configuration: kafka.bootstrapServers and kafka.topics are required when kafka is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 10*time.Second)
	v.SetDefault("server.writeTimeout", 10*time.Second)
	v.SetDefault("server.shutdownTimeout", 30*time.Second)
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("connection.url", "ws://localhost:3000/ws")
	v.SetDefault("connection.dialTimeout", 10*time.Second)
	v.SetDefault("connection.authTimeout", 10*time.Second)
	v.SetDefault("connection.heartbeatInterval", 25*time.Second)
	v.SetDefault("connection.heartbeatGrace", 60*time.Second)
	v.SetDefault("connection.backoffMin", 1*time.Second)
	v.SetDefault("connection.backoffMax", 30*time.Second)
	v.SetDefault("connection.backoffJitter", 0.2)
	v.SetDefault("connection.stableThreshold", 30*time.Second)
	v.SetDefault("connection.maxRetries", 10)

	v.SetDefault("catalog.baseUrl", "http://localhost:3000/api")
	v.SetDefault("catalog.ttl", 5*time.Minute)
	v.SetDefault("catalog.pageSize", 20)
	v.SetDefault("catalog.requestTimeout", 15*time.Second)
	v.SetDefault("catalog.rateLimit", 5.0)
	v.SetDefault("catalog.rateBurst", 10)

	v.SetDefault("session.token", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "lobby:catalog:events")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.bootstrapServers", "localhost:9092")
	v.SetDefault("kafka.groupId", "lobby-sync")
	v.SetDefault("kafka.topics", []string{"catalog-updates"})

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("metrics.namespace", "lobby_sync")
}
