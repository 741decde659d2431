package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultSubscribeTimeout   = 10 * time.Second
	DefaultIdleTimeout        = 30 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultStabilityWindow    = 60 * time.Second
	DefaultPublishQueueSize   = 10000
	DefaultStrikeWindow       = 10

	DefaultBrokerAddr        = "localhost:6379"
	DefaultBrokerDialTimeout = 5 * time.Second
	DefaultBrokerOpTimeout   = 2 * time.Second

	DefaultDBPort    = 5432
	DefaultDBSSLMode = "prefer"
	DefaultMaxConns  = 10
	DefaultMinConns  = 2

	DefaultConsumer       = "writerd"
	DefaultBatchSize      = 500
	DefaultFlushInterval  = 1 * time.Second
	DefaultHardCap        = 100000
	DefaultReadBlock      = 1 * time.Second
	DefaultRetryBaseDelay = 1 * time.Second
	DefaultRetryMaxDelay  = 30 * time.Second

	DefaultHealthInterval      = 2 * time.Second
	DefaultStabilizationWindow = 3 * time.Second
	DefaultStartupTimeout      = 30 * time.Second
	DefaultGracePeriod         = 5 * time.Second
	DefaultMaxRestarts         = 5
	DefaultRestartBackoff      = 2 * time.Second

	DefaultFeedPort       = 8081
	DefaultWriterPort     = 8082
	DefaultSupervisorPort = 8080
)

func (c *PipelineConfig) applyDefaults() {
	// Feed defaults
	if c.Feed.SubscribeTimeout == 0 {
		c.Feed.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Feed.IdleTimeout == 0 {
		c.Feed.IdleTimeout = DefaultIdleTimeout
	}
	if c.Feed.ReconnectBaseDelay == 0 {
		c.Feed.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Feed.ReconnectMaxDelay == 0 {
		c.Feed.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Feed.StabilityWindow == 0 {
		c.Feed.StabilityWindow = DefaultStabilityWindow
	}
	if c.Feed.PublishQueueSize == 0 {
		c.Feed.PublishQueueSize = DefaultPublishQueueSize
	}
	if c.Feed.StrikeWindow == 0 {
		c.Feed.StrikeWindow = DefaultStrikeWindow
	}

	// Broker defaults
	if c.Broker.Addr == "" {
		c.Broker.Addr = DefaultBrokerAddr
	}
	if c.Broker.DialTimeout == 0 {
		c.Broker.DialTimeout = DefaultBrokerDialTimeout
	}
	if c.Broker.OpTimeout == 0 {
		c.Broker.OpTimeout = DefaultBrokerOpTimeout
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

	// Writer defaults
	if c.Writer.Consumer == "" {
		c.Writer.Consumer = DefaultConsumer
	}
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}
	if c.Writer.HardCap == 0 {
		c.Writer.HardCap = DefaultHardCap
	}
	if c.Writer.ReadBlock == 0 {
		c.Writer.ReadBlock = DefaultReadBlock
	}
	if c.Writer.RetryBaseDelay == 0 {
		c.Writer.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.Writer.RetryMaxDelay == 0 {
		c.Writer.RetryMaxDelay = DefaultRetryMaxDelay
	}

	// Supervisor defaults
	if c.Supervisor.HealthInterval == 0 {
		c.Supervisor.HealthInterval = DefaultHealthInterval
	}
	if c.Supervisor.StabilizationWindow == 0 {
		c.Supervisor.StabilizationWindow = DefaultStabilizationWindow
	}
	if c.Supervisor.StartupTimeout == 0 {
		c.Supervisor.StartupTimeout = DefaultStartupTimeout
	}
	if c.Supervisor.GracePeriod == 0 {
		c.Supervisor.GracePeriod = DefaultGracePeriod
	}
	for i := range c.Supervisor.Services {
		svc := &c.Supervisor.Services[i]
		if svc.MaxRestarts == 0 {
			svc.MaxRestarts = DefaultMaxRestarts
		}
		if svc.RestartBackoff == 0 {
			svc.RestartBackoff = DefaultRestartBackoff
		}
	}

	// Health defaults
	if c.Health.FeedPort == 0 {
		c.Health.FeedPort = DefaultFeedPort
	}
	if c.Health.WriterPort == 0 {
		c.Health.WriterPort = DefaultWriterPort
	}
	if c.Health.SupervisorPort == 0 {
		c.Health.SupervisorPort = DefaultSupervisorPort
	}
}
