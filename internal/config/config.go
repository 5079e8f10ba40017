package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv      string `env:"APP_ENV,notEmpty"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr   string `env:"REDIS_ADDR,notEmpty"`
	RedisPass   string `env:"REDIS_PASSWORD"`

	// SecretKey seals agent credentials and provider API keys (hex, 32 bytes).
	SecretKey  string `env:"SECRET_KEY,notEmpty"`
	AdminToken string `env:"ADMIN_TOKEN,notEmpty"`

	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	TickInterval  time.Duration `env:"TICK_INTERVAL" envDefault:"5s"`
	SeedInterval  time.Duration `env:"SEED_INTERVAL" envDefault:"1m"`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	ResetInterval time.Duration `env:"RESET_INTERVAL" envDefault:"24h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"15m"`

	MaxRetries   int           `env:"MAX_RETRIES" envDefault:"3"`
	BackoffBase  time.Duration `env:"BACKOFF_BASE" envDefault:"1m"`
	OrderTimeout time.Duration `env:"ORDER_TIMEOUT" envDefault:"30m"`

	// Agent pacing and pool policy.
	CooldownWindow  time.Duration `env:"COOLDOWN_WINDOW" envDefault:"1h"`
	PaceMinInterval time.Duration `env:"PACE_MIN_INTERVAL" envDefault:"2s"`
	PaceJitter      time.Duration `env:"PACE_JITTER" envDefault:"3s"`
	MaxConsecFails  int           `env:"MAX_CONSECUTIVE_FAILURES" envDefault:"5"`

	// Routing policy.
	EnableInternal   bool `env:"ENABLE_INTERNAL" envDefault:"true"`
	EnableExternal   bool `env:"ENABLE_EXTERNAL" envDefault:"true"`
	InternalPriority int  `env:"INTERNAL_PRIORITY" envDefault:"2"`
	ExternalPriority int  `env:"EXTERNAL_PRIORITY" envDefault:"1"`
	FailoverEnabled  bool `env:"FAILOVER_ENABLED" envDefault:"true"`

	// Capacity policy: units one agent can absorb, per service type.
	RatioFollowers  int `env:"RATIO_FOLLOWERS" envDefault:"50"`
	RatioLikes      int `env:"RATIO_LIKES" envDefault:"100"`
	RatioComments   int `env:"RATIO_COMMENTS" envDefault:"20"`
	RatioViews      int `env:"RATIO_VIEWS" envDefault:"200"`
	RatioStoryViews int `env:"RATIO_STORY_VIEWS" envDefault:"200"`

	// Above the internal cap an order is queued for external handling;
	// above the absolute cap it is rejected outright.
	CapFollowers  int `env:"CAP_FOLLOWERS" envDefault:"5000"`
	CapLikes      int `env:"CAP_LIKES" envDefault:"10000"`
	CapComments   int `env:"CAP_COMMENTS" envDefault:"1000"`
	CapViews      int `env:"CAP_VIEWS" envDefault:"50000"`
	CapStoryViews int `env:"CAP_STORY_VIEWS" envDefault:"50000"`
	AbsoluteCap   int `env:"ABSOLUTE_CAP" envDefault:"100000"`
	MinAgentFloor int `env:"MIN_AGENT_FLOOR" envDefault:"1"`

	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"15s"`
	ActionAPIBase   string        `env:"ACTION_API_BASE"`
	ActionAPIToken  string        `env:"ACTION_API_TOKEN"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
