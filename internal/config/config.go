package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

const EnvTest = "test"

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"jobq"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	// Queues lists the queue ids served by the binaries.
	Queues         []string      `env:"QUEUES" envSeparator:"," envDefault:"default"`
	IndexRetention time.Duration `env:"QUEUE_INDEX_RETENTION" envDefault:"24h"`

	Redis     Redis     `envPrefix:"REDIS_"`
	Worker    Worker    `envPrefix:"WORKER_"`
	Lock      Lock      `envPrefix:"LOCK_"`
	Scheduler Scheduler `envPrefix:"SCHEDULER_"`
}

type Redis struct {
	URL            string        `env:"URL,notEmpty" envDefault:"redis://localhost:6379/0"`
	KeyPrefix      string        `env:"KEY_PREFIX" envDefault:"jobq"`
	RetryAttempts  int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"30s"`
	CommandTimeout time.Duration `env:"COMMAND_TIMEOUT" envDefault:"10s"`
}

type Worker struct {
	Concurrency     int           `env:"CONCURRENCY" envDefault:"1"`
	LockDuration    time.Duration `env:"LOCK_DURATION" envDefault:"30s"`
	StalledInterval time.Duration `env:"STALLED_INTERVAL" envDefault:"30s"`
	MaxStalledCount int           `env:"MAX_STALLED_COUNT" envDefault:"1"`
	LazyInit        bool          `env:"LAZY_INIT" envDefault:"false"`
}

type Lock struct {
	TTL            time.Duration `env:"TTL" envDefault:"60s"`
	PostSuccessTTL time.Duration `env:"POST_SUCCESS_TTL" envDefault:"5s"`
	Suffix         string        `env:"SUFFIX" envDefault:"lock"`
}

type Scheduler struct {
	ArchiveInterval time.Duration `env:"ARCHIVE_INTERVAL" envDefault:"1m"`
	ArchiveBatch    int64         `env:"ARCHIVE_BATCH" envDefault:"100"`
}

func (c Config) IsTest() bool { return c.AppEnv == EnvTest }

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	return c, nil
}

// MustLoad is Load for binaries; it panics on an invalid environment.
func MustLoad() Config {
	c, err := Load()
	if err != nil {
		panic(err)
	}
	return c
}
