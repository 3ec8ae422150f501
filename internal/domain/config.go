package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines backing-service choices
	Tier Tier `json:"tier"`

	// DevMode relaxes secret provisioning and echoes issued codes in
	// responses. Never enable outside local development.
	DevMode bool `json:"devMode"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Challenge  ChallengeConfig  `json:"challenge"`
	WebAuthn   WebAuthnConfig   `json:"webauthn"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Mailer     MailerConfig     `json:"mailer"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ChallengeConfig holds one-time-code challenge settings.
type ChallengeConfig struct {
	// Type is the store type: "memory" or "redis"
	Type string `json:"type"`

	// Secret keys the code digests. Required outside dev mode; there is
	// no usable default.
	Secret []byte `json:"-"`

	TTL          time.Duration `json:"ttl"`
	MaxAttempts  int           `json:"maxAttempts"`
	LockDuration time.Duration `json:"lockDuration"`
	Digits       int           `json:"digits"`

	// Redis settings
	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redisDb,omitempty"`
}

// WebAuthnConfig holds relying-party identity for credential ceremonies.
type WebAuthnConfig struct {
	RPID    string        `json:"rpId"`
	RPName  string        `json:"rpName"`
	Timeout time.Duration `json:"timeout"`
}

// MailerConfig holds settings for the out-of-band code delivery channel.
type MailerConfig struct {
	// Type is the mailer type: "log" or "smtp"
	Type string `json:"type"`

	SMTPAddr string `json:"smtpAddr,omitempty"`
	SMTPUser string `json:"smtpUser,omitempty"`
	SMTPPass string `json:"-"`
	From     string `json:"from,omitempty"`

	// WorkerCount is the notifier pool size.
	WorkerCount int `json:"workerCount"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + in-process stores and channels.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + Redis + NATS.
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Challenge: ChallengeConfig{
			Type:         "memory",
			TTL:          600 * time.Second,
			MaxAttempts:  5,
			LockDuration: 10 * time.Minute,
			Digits:       6,
		},
		WebAuthn: WebAuthnConfig{
			RPID:    "localhost",
			RPName:  "Kestrel",
			Timeout: 60 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Mailer: MailerConfig{
			Type:        "log",
			WorkerCount: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Challenge.Type = "redis"
	cfg.Challenge.RedisAddr = "localhost:6379"
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Mailer.Type = "smtp"
	cfg.Tracing.Enabled = true
	return cfg
}
