package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App       AppConfig
	Service   ServiceConfig
	DB        DBConfig
	Redis     RedisConfig
	GCP       GCPConfig
	PubSub    PubSubConfig
	Outbox    OutboxConfig
	Dedup     DedupConfig
	Sink      SinkConfig
	Retention RetentionConfig

	FeatureFlags FeatureFlagsConfig
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"OUTPOST_FF_AUTO_MIGRATE" default:"false"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	cfg.Dedup.applyFloor()
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"OUTPOST_APP_ENV" required:"true"`
	Port         string `envconfig:"OUTPOST_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"OUTPOST_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"OUTPOST_LOG_WARN_STACK" default:"false"`

	CORSOrigins []string `envconfig:"OUTPOST_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"OUTPOST_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"OUTPOST_DB_DSN"`
	Driver string `envconfig:"OUTPOST_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"OUTPOST_DB_HOST"`
	LegacyPort     int    `envconfig:"OUTPOST_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"OUTPOST_DB_USER"`
	LegacyPassword string `envconfig:"OUTPOST_DB_PASSWORD"`
	LegacyName     string `envconfig:"OUTPOST_DB_NAME"`
	LegacySSLMode  string `envconfig:"OUTPOST_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"OUTPOST_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"OUTPOST_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"OUTPOST_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"OUTPOST_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"OUTPOST_REDIS_URL" required:"true"`
	Address      string        `envconfig:"OUTPOST_REDIS_ADDR"`
	Password     string        `envconfig:"OUTPOST_REDIS_PASSWORD"`
	DB           int           `envconfig:"OUTPOST_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"OUTPOST_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"OUTPOST_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"OUTPOST_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"OUTPOST_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"OUTPOST_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"OUTPOST_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"OUTPOST_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"OUTPOST_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	// TopicPrefix is prepended to every derived topic name:
	// event type "user.created" publishes to "<prefix>.user.events".
	TopicPrefix        string `envconfig:"OUTPOST_PUBSUB_TOPIC_PREFIX" default:"outpost"`
	EventsSubscription string `envconfig:"OUTPOST_PUBSUB_EVENTS_SUBSCRIPTION"`
	SinkConsumerName   string `envconfig:"OUTPOST_PUBSUB_SINK_CONSUMER" default:"sink"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"OUTPOST_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"OUTPOST_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxRetries     int           `envconfig:"OUTPOST_OUTBOX_MAX_RETRIES" default:"3"`
	ClaimTTL       time.Duration `envconfig:"OUTPOST_OUTBOX_CLAIM_TTL" default:"1m"`
	PublishTimeout time.Duration `envconfig:"OUTPOST_OUTBOX_PUBLISH_TIMEOUT" default:"15s"`
	Parallelism    int           `envconfig:"OUTPOST_OUTBOX_PUBLISH_PARALLELISM" default:"8"`
	BackoffBase    time.Duration `envconfig:"OUTPOST_OUTBOX_BACKOFF_BASE" default:"1s"`
	BackoffMax     time.Duration `envconfig:"OUTPOST_OUTBOX_BACKOFF_MAX" default:"5m"`
	MetricsPort    string        `envconfig:"OUTPOST_OUTBOX_METRICS_PORT" default:"9090"`
}

type DedupConfig struct {
	// TTL must exceed the broker's maximum redelivery delay, otherwise a
	// late redelivery is treated as a fresh event. The loader enforces a
	// floor of minDedupTTL.
	TTL           time.Duration `envconfig:"OUTPOST_DEDUP_TTL" default:"1h"`
	SweepInterval time.Duration `envconfig:"OUTPOST_DEDUP_SWEEP_INTERVAL" default:"5m"`
}

type SinkConfig struct {
	MetricsPort string `envconfig:"OUTPOST_SINK_METRICS_PORT" default:"9091"`
}

const minDedupTTL = 10 * time.Minute

func (d *DedupConfig) applyFloor() {
	if d.TTL < minDedupTTL {
		d.TTL = minDedupTTL
	}
}

type RetentionConfig struct {
	PublishedDays   int           `envconfig:"OUTPOST_RETENTION_PUBLISHED_DAYS" default:"30"`
	ProcessedDays   int           `envconfig:"OUTPOST_RETENTION_PROCESSED_DAYS" default:"7"`
	MinAttemptAge   time.Duration `envconfig:"OUTPOST_RETENTION_MIN_ATTEMPT_AGE" default:"24h"`
	CronInterval    time.Duration `envconfig:"OUTPOST_RETENTION_CRON_INTERVAL" default:"24h"`
	CronLockKey     string        `envconfig:"OUTPOST_RETENTION_CRON_LOCK_KEY" default:"cron:maintenance"`
	CronLockTTL     time.Duration `envconfig:"OUTPOST_RETENTION_CRON_LOCK_TTL" default:"25h"`
	ReaperClaimTTL  time.Duration `envconfig:"OUTPOST_RETENTION_REAPER_CLAIM_TTL" default:"5m"`
	ReaperInterval  time.Duration `envconfig:"OUTPOST_RETENTION_REAPER_INTERVAL" default:"1m"`
	ReaperBatchSize int           `envconfig:"OUTPOST_RETENTION_REAPER_BATCH" default:"500"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
