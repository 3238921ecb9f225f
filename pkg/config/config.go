package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Gateway      GatewayConfig
	Scheduler    SchedulerConfig
	Retry        RetryConfig
	Webhooks     WebhookConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Retry.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"BILLING_APP_ENV" required:"true"`
	Port         string `envconfig:"BILLING_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"BILLING_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"BILLING_LOG_WARN_STACK" default:"false"`
	// AdminToken guards /api/v1/admin; an empty token disables the admin routes.
	AdminToken  string   `envconfig:"BILLING_ADMIN_TOKEN"`
	CORSOrigins []string `envconfig:"BILLING_CORS_ALLOWED_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"BILLING_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"BILLING_DB_DSN"`
	Driver string `envconfig:"BILLING_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"BILLING_DB_HOST"`
	LegacyPort     int    `envconfig:"BILLING_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"BILLING_DB_USER"`
	LegacyPassword string `envconfig:"BILLING_DB_PASSWORD"`
	LegacyName     string `envconfig:"BILLING_DB_NAME"`
	LegacySSLMode  string `envconfig:"BILLING_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BILLING_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BILLING_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BILLING_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BILLING_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	// StatementTimeout bounds every store call made with a derived context.
	StatementTimeout time.Duration `envconfig:"BILLING_DB_STATEMENT_TIMEOUT" default:"5s"`
}

type RedisConfig struct {
	URL          string        `envconfig:"BILLING_REDIS_URL"`
	Address      string        `envconfig:"BILLING_REDIS_ADDR"`
	Password     string        `envconfig:"BILLING_REDIS_PASSWORD"`
	DB           int           `envconfig:"BILLING_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BILLING_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BILLING_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BILLING_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BILLING_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BILLING_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// GatewayConfig holds the Square credentials used for charges and webhook signatures.
type GatewayConfig struct {
	AccessToken   string        `envconfig:"BILLING_GATEWAY_ACCESS_TOKEN"`
	Env           string        `envconfig:"BILLING_GATEWAY_ENV" default:"sandbox"`
	LocationID    string        `envconfig:"BILLING_GATEWAY_LOCATION_ID"`
	WebhookSecret string        `envconfig:"BILLING_GATEWAY_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"BILLING_GATEWAY_TIMEOUT" default:"15s"`
}

// Environment returns the normalized gateway environment (sandbox/production).
func (g GatewayConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(g.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

type SchedulerConfig struct {
	Interval    time.Duration `envconfig:"BILLING_SCHEDULER_INTERVAL" default:"1m"`
	BatchSize   int           `envconfig:"BILLING_SCHEDULER_BATCH_SIZE" default:"100"`
	Concurrency int           `envconfig:"BILLING_SCHEDULER_CONCURRENCY" default:"8"`
	ClaimTTL    time.Duration `envconfig:"BILLING_SCHEDULER_CLAIM_TTL" default:"5m"`
	LockTTL     time.Duration `envconfig:"BILLING_SCHEDULER_LOCK_TTL" default:"55s"`
	// TransactionMaxRetries caps transient re-submissions of one pending transaction.
	TransactionMaxRetries int `envconfig:"BILLING_TRANSACTION_MAX_RETRIES" default:"3"`
	MaxFailedAttempts     int `envconfig:"BILLING_SCHEDULE_MAX_FAILED_ATTEMPTS" default:"3"`
}

// RetryPolicyConfig mirrors retry.Policy so pkg/config stays dependency free.
type RetryPolicyConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Cap         time.Duration
	Jitter      float64
	JitterSeed  uint64
}

type RetryConfig struct {
	ChargeMaxAttempts int           `envconfig:"BILLING_RETRY_CHARGE_MAX_ATTEMPTS" default:"3"`
	ChargeBaseDelay   time.Duration `envconfig:"BILLING_RETRY_CHARGE_BASE_DELAY" default:"24h"`
	ChargeMultiplier  float64       `envconfig:"BILLING_RETRY_CHARGE_MULTIPLIER" default:"2"`
	ChargeCap         time.Duration `envconfig:"BILLING_RETRY_CHARGE_CAP" default:"168h"`
	ChargeJitter      float64       `envconfig:"BILLING_RETRY_CHARGE_JITTER" default:"0"`

	TransientMaxAttempts int           `envconfig:"BILLING_RETRY_TRANSIENT_MAX_ATTEMPTS" default:"3"`
	TransientBaseDelay   time.Duration `envconfig:"BILLING_RETRY_TRANSIENT_BASE_DELAY" default:"5m"`
	TransientMultiplier  float64       `envconfig:"BILLING_RETRY_TRANSIENT_MULTIPLIER" default:"3"`
	TransientCap         time.Duration `envconfig:"BILLING_RETRY_TRANSIENT_CAP" default:"2h"`
	TransientJitter      float64       `envconfig:"BILLING_RETRY_TRANSIENT_JITTER" default:"0.2"`

	WebhookMaxAttempts int           `envconfig:"BILLING_RETRY_WEBHOOK_MAX_ATTEMPTS" default:"8"`
	WebhookBaseDelay   time.Duration `envconfig:"BILLING_RETRY_WEBHOOK_BASE_DELAY" default:"30s"`
	WebhookMultiplier  float64       `envconfig:"BILLING_RETRY_WEBHOOK_MULTIPLIER" default:"2"`
	WebhookCap         time.Duration `envconfig:"BILLING_RETRY_WEBHOOK_CAP" default:"1h"`
	WebhookJitter      float64       `envconfig:"BILLING_RETRY_WEBHOOK_JITTER" default:"0.2"`

	JitterSeed uint64 `envconfig:"BILLING_RETRY_JITTER_SEED" default:"1"`
}

func (r RetryConfig) Charge() RetryPolicyConfig {
	return RetryPolicyConfig{
		MaxAttempts: r.ChargeMaxAttempts,
		BaseDelay:   r.ChargeBaseDelay,
		Multiplier:  r.ChargeMultiplier,
		Cap:         r.ChargeCap,
		Jitter:      r.ChargeJitter,
		JitterSeed:  r.JitterSeed,
	}
}

func (r RetryConfig) Transient() RetryPolicyConfig {
	return RetryPolicyConfig{
		MaxAttempts: r.TransientMaxAttempts,
		BaseDelay:   r.TransientBaseDelay,
		Multiplier:  r.TransientMultiplier,
		Cap:         r.TransientCap,
		Jitter:      r.TransientJitter,
		JitterSeed:  r.JitterSeed,
	}
}

func (r RetryConfig) Webhook() RetryPolicyConfig {
	return RetryPolicyConfig{
		MaxAttempts: r.WebhookMaxAttempts,
		BaseDelay:   r.WebhookBaseDelay,
		Multiplier:  r.WebhookMultiplier,
		Cap:         r.WebhookCap,
		Jitter:      r.WebhookJitter,
		JitterSeed:  r.JitterSeed,
	}
}

func (r RetryConfig) validate() error {
	for name, p := range map[string]RetryPolicyConfig{
		"charge":    r.Charge(),
		"transient": r.Transient(),
		"webhook":   r.Webhook(),
	} {
		if p.MaxAttempts < 1 {
			return fmt.Errorf("retry policy %s: max attempts must be >= 1", name)
		}
		if p.Jitter < 0 || p.Jitter > 1 {
			return fmt.Errorf("retry policy %s: jitter must be within [0,1]", name)
		}
		if p.Multiplier < 1 {
			return fmt.Errorf("retry policy %s: multiplier must be >= 1", name)
		}
	}
	return nil
}

type WebhookConfig struct {
	SignatureHeader string        `envconfig:"BILLING_WEBHOOK_SIGNATURE_HEADER" default:"X-Gateway-Signature"`
	ReplayTTL       time.Duration `envconfig:"BILLING_WEBHOOK_REPLAY_TTL" default:"10m"`
	MaxBodyBytes    int64         `envconfig:"BILLING_WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
	RetryBatchSize  int           `envconfig:"BILLING_WEBHOOK_RETRY_BATCH_SIZE" default:"50"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"BILLING_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"BILLING_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" {
		return nil
	}
	if useSQLite {
		db.DSN = "billing.db"
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
