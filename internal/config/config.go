package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

// Config is read from the environment, after an optional .env file.
type Config struct {
	Host     string `env:"HOST,default=0.0.0.0"`
	Port     int    `env:"PORT,default=8008" validate:"min=1,max=65535"`
	LogLevel string `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`

	DatabasePath     string        `env:"DATABASE_PATH,default=research-notes.db" validate:"required"`
	DBSessionDriver  string        `env:"DB_SESSION_DRIVER,default=sqlite" validate:"oneof=sqlite postgres"`
	DBSessionDataDir string        `env:"DB_SESSION_DATA_DIR"`
	DBQueryTimeout   time.Duration `env:"DB_QUERY_TIMEOUT,default=30s" validate:"gt=0"`

	WSWriteTimeout time.Duration `env:"WS_WRITE_TIMEOUT,default=5s" validate:"gt=0"`
	WSPongWait     time.Duration `env:"WS_PONG_WAIT,default=60s" validate:"gt=0"`
	WSPingPeriod   time.Duration `env:"WS_PING_PERIOD,default=30s" validate:"gt=0,ltfield=WSPongWait"`
	WSReadLimit    int64         `env:"WS_READ_LIMIT,default=65536" validate:"gt=0"`

	ClientIDMin int64 `env:"CLIENT_ID_MIN,default=1000" validate:"gt=0"`
	ClientIDMax int64 `env:"CLIENT_ID_MAX,default=999999" validate:"gtefield=ClientIDMin"`

	TokenCacheTTL   time.Duration `env:"TOKEN_CACHE_TTL,default=1m" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s" validate:"gt=0"`
}

// Load reads the given .env files (missing files are ignored), then the
// process environment, and validates the result.
func Load(files ...string) (Config, error) {
	for _, f := range files {
		// godotenv never overrides variables that are already set.
		_ = godotenv.Load(f)
	}
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
