package config

// ApplicationProperties selects the profile overlay and log level.
type ApplicationProperties struct {
	Profile  string `yaml:"profile"`
	LogLevel string `yaml:"log-level"`
}

// ZabProperties is the replication engine configuration: identity,
// ensemble, persistence root and timing.
type ZabProperties struct {
	ServerID         string `yaml:"server-id"`
	Servers          string `yaml:"servers"`
	LogDir           string `yaml:"logdir"`
	Timeout          uint64 `yaml:"timeout"`
	SyncMaxBatchSize int    `yaml:"sync-max-batch-size"`
	QueueSize        int    `yaml:"queue-size"`
}

// MetricsProperties configures the promhttp endpoint. An empty address
// disables the server.
type MetricsProperties struct {
	Addr string `yaml:"addr"`
}

// Config is the root of the YAML document.
type Config struct {
	Application ApplicationProperties `yaml:"app"`
	Zab         ZabProperties         `yaml:"zab"`
	Metrics     MetricsProperties     `yaml:"metrics"`
}
