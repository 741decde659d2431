package config

import "time"

// PipelineConfig is the root configuration shared by all pipeline processes.
// Each daemon reads the sections it needs; pipelined additionally reads the
// supervisor section.
type PipelineConfig struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Feed       FeedConfig       `yaml:"feed"`
	Broker     BrokerConfig     `yaml:"broker"`
	Database   DBConfig         `yaml:"database"`
	Writer     WriterConfig     `yaml:"writer"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Health     HealthConfig     `yaml:"health"`
}

// InstanceConfig identifies this pipeline deployment.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// FeedConfig holds exchange feed settings for feedd.
type FeedConfig struct {
	WSURL    string `yaml:"ws_url"`
	APIKey   string `yaml:"api_key"`
	Exchange string `yaml:"exchange"` // Exchange segment prefix for entity keys (e.g. "NFO")

	// Instrument selection (resolved by the instrument registry at startup).
	Underlying   string `yaml:"underlying"`    // e.g. "NIFTY"
	StrikeWindow int    `yaml:"strike_window"` // ± N strikes around spot
	Expiry       string `yaml:"expiry"`        // "2006-01-02", empty = nearest

	SubscribeTimeout   time.Duration `yaml:"subscribe_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"` // No data for this long during market hours → reconnect
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	StabilityWindow    time.Duration `yaml:"stability_window"` // Streaming this long resets backoff to base
	PublishQueueSize   int           `yaml:"publish_queue_size"`
}

// BrokerConfig holds Redis broker settings.
type BrokerConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout"` // Per-operation timeout (publish, append)
}

// DBConfig holds the Postgres connection for the persistence writer.
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

// WriterConfig holds batch persistence writer settings.
type WriterConfig struct {
	Consumer       string        `yaml:"consumer"` // Offset-tracking consumer name
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	HardCap        int           `yaml:"hard_cap"` // Max buffered quotes during store outages
	ReadBlock      time.Duration `yaml:"read_block"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

// SupervisorConfig holds pipelined settings and the supervised service set.
type SupervisorConfig struct {
	HealthInterval      time.Duration   `yaml:"health_interval"`
	StabilizationWindow time.Duration   `yaml:"stabilization_window"`
	StartupTimeout      time.Duration   `yaml:"startup_timeout"`
	GracePeriod         time.Duration   `yaml:"grace_period"`
	Services            []ServiceConfig `yaml:"services"`
}

// ServiceConfig describes one supervised service. The shape matches the
// orchestrator's ServiceDescriptor.
type ServiceConfig struct {
	Name           string        `yaml:"name"`
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	Priority       int           `yaml:"priority"`    // Lower starts first
	Criticality    string        `yaml:"criticality"` // "critical" or "optional"
	MaxRestarts    int           `yaml:"max_restarts"`
	RestartBackoff time.Duration `yaml:"restart_backoff"`
}

// HealthConfig holds the per-daemon health/status HTTP ports. All three
// daemons can share one config file without colliding.
type HealthConfig struct {
	FeedPort       int `yaml:"feed_port"`
	WriterPort     int `yaml:"writer_port"`
	SupervisorPort int `yaml:"supervisor_port"`
}
