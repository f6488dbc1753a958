package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/unibooks/orderflow/pkg/utils"
)

type Config struct {
	Env        string     `yaml:"env" env:"ENV" env-default:"local"`
	HTTP       HTTP       `yaml:"http"`
	Postgres   PG         `yaml:"postgres"`
	Kafka      Kafka      `yaml:"kafka"`
	Redis      Redis      `yaml:"redis"`
	Gateway    Gateway    `yaml:"gateway"`
	Catalog    Catalog    `yaml:"catalog"`
	Lifecycle  Lifecycle  `yaml:"lifecycle"`
	Settlement Settlement `yaml:"settlement"`
	Outbox     Outbox     `yaml:"outbox"`
}

type HTTP struct {
	Port    string        `yaml:"port" env:"HTTP_PORT" env-default:":3000"`
	Timeout time.Duration `yaml:"timeout" env-default:"4s"`
}

type PG struct {
	URL string `yaml:"url" env:"DB_URL"`
}

type Kafka struct {
	Brokers           []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	NotificationTopic string   `yaml:"notification_topic" env-default:"order_events"`
	CatalogTopic      string   `yaml:"catalog_topic" env-default:"catalog_events"`
	ArbitrationTopic  string   `yaml:"arbitration_topic" env-default:"arbitration_events"`
	ConsumerGroup     string   `yaml:"consumer_group" env-default:"orderflow-core"`
}

type Redis struct {
	Addr string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
}

type Gateway struct {
	BaseURL string        `yaml:"base_url" env:"GATEWAY_URL" env-default:"http://localhost:8090"`
	Timeout time.Duration `yaml:"timeout" env-default:"5s"`
}

type Catalog struct {
	BaseURL  string        `yaml:"base_url" env:"CATALOG_URL" env-default:"http://localhost:8091"`
	Timeout  time.Duration `yaml:"timeout" env-default:"3s"`
	CacheTTL time.Duration `yaml:"cache_ttl" env-default:"10m"`
}

type Lifecycle struct {
	PaymentTimeout     time.Duration `yaml:"payment_timeout" env-default:"30m"`
	NoObjectionWindow  time.Duration `yaml:"no_objection_window" env-default:"24h"`
	PaymentFailureCeil int32         `yaml:"payment_failure_ceiling" env-default:"3"`
	SweepInterval      time.Duration `yaml:"sweep_interval" env-default:"1m"`
}

type Settlement struct {
	GracePeriod   time.Duration `yaml:"grace_period" env-default:"1h"`
	DisputeWindow time.Duration `yaml:"dispute_window" env-default:"168h"`
	PayoutRetries uint64        `yaml:"payout_retries" env-default:"5"`
}

type Outbox struct {
	BatchSize int           `yaml:"batch_size" env-default:"50"`
	Interval  time.Duration `yaml:"interval" env-default:"500ms"`
}

func MustLoad() *Config {
	configPath := utils.ParseWithFallback("CONFIG_PATH", "./config/local.yaml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("config file does not exists: %v\n", err)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("error reading config: %v", err)
	}

	return &cfg
}
