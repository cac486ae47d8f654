package config

// EnvPrefix is the envconfig prefix shared by every outpost binary.
const EnvPrefix = "outpost"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

// Environment variable names referenced outside struct tags (tests, error messages).
const (
	EnvAppEnv   = "OUTPOST_APP_ENV"
	EnvPort     = "OUTPOST_APP_PORT"
	EnvDBDSN    = "OUTPOST_DB_DSN"
	EnvDBHost   = "OUTPOST_DB_HOST"
	EnvDBUser   = "OUTPOST_DB_USER"
	EnvDBName   = "OUTPOST_DB_NAME"
	EnvRedisURL = "OUTPOST_REDIS_URL"

	EnvGCPProjectID      = "OUTPOST_GCP_PROJECT_ID"
	EnvPubSubTopicPrefix = "OUTPOST_PUBSUB_TOPIC_PREFIX"
	EnvPubSubEventsSub   = "OUTPOST_PUBSUB_EVENTS_SUBSCRIPTION"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
