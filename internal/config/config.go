package config

import "time"

// BridgeConfig is the root configuration for a bridge instance.
type BridgeConfig struct {
	Instance    InstanceConfig    `yaml:"instance"`
	HTTP        HTTPConfig        `yaml:"http"`
	Database    DBConfig          `yaml:"database"`
	Connections ConnectionsConfig `yaml:"connections"`
	Push        PushConfig        `yaml:"push"`
	Hub         HubConfig         `yaml:"hub"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Stats       StatsConfig       `yaml:"stats"`
	State       StateConfig       `yaml:"state"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

// InstanceConfig identifies this bridge process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// HTTPConfig holds the public HTTP server settings.
type HTTPConfig struct {
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

// DBConfig holds the Postgres connection settings.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ConnectionsConfig holds protocol session manager settings.
type ConnectionsConfig struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxTries  int           `yaml:"reconnect_max_tries"`
	FailureLimit       int           `yaml:"failure_limit"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
	MaxSessions        int           `yaml:"max_sessions"`
}

// PushConfig holds push provider settings.
type PushConfig struct {
	ProjectID           string        `yaml:"project_id"`
	CredentialsFile     string        `yaml:"credentials_file"`
	TopicPrefix         string        `yaml:"topic_prefix"`
	RefreshAlways       bool          `yaml:"refresh_always"`
	DedupCacheSize      int           `yaml:"dedup_cache_size"`
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`
}

// HubConfig holds broadcast hub settings.
type HubConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WatchdogInterval  time.Duration `yaml:"watchdog_interval"`
	LivenessWindow    time.Duration `yaml:"liveness_window"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	StreamBufferSize  int           `yaml:"stream_buffer_size"`
}

// JobsConfig holds scheduler settings.
type JobsConfig struct {
	Workers           int           `yaml:"workers"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	ServerInfoEvery   time.Duration `yaml:"server_info_every"`
	MapMarkersEvery   time.Duration `yaml:"map_markers_every"`
	TeamInfoEvery     time.Duration `yaml:"team_info_every"`
	InactivitySweep   time.Duration `yaml:"inactivity_sweep"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
}

// StatsConfig holds snapshot ingestion settings.
type StatsConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Retention     time.Duration `yaml:"retention"`
	PruneEvery    time.Duration `yaml:"prune_every"`
}

// StateConfig holds shared state store settings.
type StateConfig struct {
	Backend    string        `yaml:"backend"` // "postgres" or "memory"
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RateLimitConfig holds sliding-window throttle settings.
type RateLimitConfig struct {
	CommandLimit  int           `yaml:"command_limit"`
	CommandWindow time.Duration `yaml:"command_window"`
	ConnectLimit  int           `yaml:"connect_limit"`
	ConnectWindow time.Duration `yaml:"connect_window"`
}
