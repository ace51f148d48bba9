package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHTTPPort            = 8080
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultConnectTimeout      = 10 * time.Second
	DefaultRequestTimeout      = 10 * time.Second
	DefaultReconnectBaseDelay  = 1 * time.Second
	DefaultReconnectMaxDelay   = 60 * time.Second
	DefaultReconnectMaxTries   = 8
	DefaultFailureLimit        = 3
	DefaultWriteTimeout        = 5 * time.Second
	DefaultPingTimeout         = 60 * time.Second
	DefaultSessionBufferSize   = 1000
	DefaultMaxSessions         = 200
	DefaultTopicPrefix         = "pairing"
	DefaultDedupCacheSize      = 4096
	DefaultRegistrationTimeout = 15 * time.Second
	DefaultHeartbeatInterval   = 25 * time.Second
	DefaultWatchdogInterval    = 30 * time.Second
	DefaultLivenessWindow      = 90 * time.Second
	DefaultGracePeriod         = 45 * time.Second
	DefaultStreamBufferSize    = 256
	DefaultJobWorkers          = 8
	DefaultJobMaxAttempts      = 3
	DefaultJobRetryDelay       = 5 * time.Second
	DefaultServerInfoEvery     = 30 * time.Second
	DefaultMapMarkersEvery     = 15 * time.Second
	DefaultTeamInfoEvery       = 60 * time.Second
	DefaultInactivitySweep     = 5 * time.Minute
	DefaultInactivityTimeout   = 30 * time.Minute
	DefaultStatsBatchSize      = 100
	DefaultStatsFlushInterval  = 5 * time.Second
	DefaultStatsRetention      = 14 * 24 * time.Hour
	DefaultStatsPruneEvery     = 6 * time.Hour
	DefaultStateBackend        = "postgres"
	DefaultStateTTL            = 24 * time.Hour
	DefaultCommandLimit        = 30
	DefaultCommandWindow       = 1 * time.Minute
	DefaultConnectLimit        = 10
	DefaultConnectWindow       = 1 * time.Minute
)

func (c *BridgeConfig) applyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}

	// Database defaults
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	// Connections defaults
	if c.Connections.ConnectTimeout == 0 {
		c.Connections.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connections.RequestTimeout == 0 {
		c.Connections.RequestTimeout = DefaultRequestTimeout
	}
	if c.Connections.ReconnectBaseDelay == 0 {
		c.Connections.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connections.ReconnectMaxDelay == 0 {
		c.Connections.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connections.ReconnectMaxTries == 0 {
		c.Connections.ReconnectMaxTries = DefaultReconnectMaxTries
	}
	if c.Connections.FailureLimit == 0 {
		c.Connections.FailureLimit = DefaultFailureLimit
	}
	if c.Connections.WriteTimeout == 0 {
		c.Connections.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connections.PingTimeout == 0 {
		c.Connections.PingTimeout = DefaultPingTimeout
	}
	if c.Connections.BufferSize == 0 {
		c.Connections.BufferSize = DefaultSessionBufferSize
	}
	if c.Connections.MaxSessions == 0 {
		c.Connections.MaxSessions = DefaultMaxSessions
	}

	// Push defaults
	if c.Push.TopicPrefix == "" {
		c.Push.TopicPrefix = DefaultTopicPrefix
	}
	if c.Push.DedupCacheSize == 0 {
		c.Push.DedupCacheSize = DefaultDedupCacheSize
	}
	if c.Push.RegistrationTimeout == 0 {
		c.Push.RegistrationTimeout = DefaultRegistrationTimeout
	}

	// Hub defaults
	if c.Hub.HeartbeatInterval == 0 {
		c.Hub.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Hub.WatchdogInterval == 0 {
		c.Hub.WatchdogInterval = DefaultWatchdogInterval
	}
	if c.Hub.LivenessWindow == 0 {
		c.Hub.LivenessWindow = DefaultLivenessWindow
	}
	if c.Hub.GracePeriod == 0 {
		c.Hub.GracePeriod = DefaultGracePeriod
	}
	if c.Hub.StreamBufferSize == 0 {
		c.Hub.StreamBufferSize = DefaultStreamBufferSize
	}

	// Jobs defaults
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = DefaultJobWorkers
	}
	if c.Jobs.MaxAttempts == 0 {
		c.Jobs.MaxAttempts = DefaultJobMaxAttempts
	}
	if c.Jobs.RetryDelay == 0 {
		c.Jobs.RetryDelay = DefaultJobRetryDelay
	}
	if c.Jobs.ServerInfoEvery == 0 {
		c.Jobs.ServerInfoEvery = DefaultServerInfoEvery
	}
	if c.Jobs.MapMarkersEvery == 0 {
		c.Jobs.MapMarkersEvery = DefaultMapMarkersEvery
	}
	if c.Jobs.TeamInfoEvery == 0 {
		c.Jobs.TeamInfoEvery = DefaultTeamInfoEvery
	}
	if c.Jobs.InactivitySweep == 0 {
		c.Jobs.InactivitySweep = DefaultInactivitySweep
	}
	if c.Jobs.InactivityTimeout == 0 {
		c.Jobs.InactivityTimeout = DefaultInactivityTimeout
	}

	// Stats defaults
	if c.Stats.BatchSize == 0 {
		c.Stats.BatchSize = DefaultStatsBatchSize
	}
	if c.Stats.FlushInterval == 0 {
		c.Stats.FlushInterval = DefaultStatsFlushInterval
	}
	if c.Stats.Retention == 0 {
		c.Stats.Retention = DefaultStatsRetention
	}
	if c.Stats.PruneEvery == 0 {
		c.Stats.PruneEvery = DefaultStatsPruneEvery
	}

	// State defaults
	if c.State.Backend == "" {
		c.State.Backend = DefaultStateBackend
	}
	if c.State.DefaultTTL == 0 {
		c.State.DefaultTTL = DefaultStateTTL
	}

	// Rate limit defaults
	if c.RateLimit.CommandLimit == 0 {
		c.RateLimit.CommandLimit = DefaultCommandLimit
	}
	if c.RateLimit.CommandWindow == 0 {
		c.RateLimit.CommandWindow = DefaultCommandWindow
	}
	if c.RateLimit.ConnectLimit == 0 {
		c.RateLimit.ConnectLimit = DefaultConnectLimit
	}
	if c.RateLimit.ConnectWindow == 0 {
		c.RateLimit.ConnectWindow = DefaultConnectWindow
	}
}
