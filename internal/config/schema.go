package config

import (
	"log/slog"
	"time"
)

// Config is the top-level YAML structure.
type Config struct {
	Server   ServerConf   `yaml:"server"`
	Pipeline PipelineConf `yaml:"pipeline"`
	Storage  StorageConf  `yaml:"storage"`
	Broker   BrokerConf   `yaml:"broker"`
	Log      LogConf      `yaml:"log"`
}

// ServerConf configures the inbound webhook listener.
type ServerConf struct {
	Addr           string `yaml:"addr"`
	NotifyPath     string `yaml:"notify_path"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
}

// PipelineConf holds tunable concurrency settings.
type PipelineConf struct {
	Workers           int `yaml:"workers"`
	QueueCapacity     int `yaml:"queue_capacity"`
	EnqueueTimeoutMs  int `yaml:"enqueue_timeout_ms"`
	MinIntervalMs     int `yaml:"min_interval_ms"`
	DrainTimeoutMs    int `yaml:"drain_timeout_ms"`
	MaxWorkerRestarts int `yaml:"max_worker_restarts"`
	SweepIntervalMs   int `yaml:"sweep_interval_ms"`
}

// StorageConf selects and configures the column-family backend.
type StorageConf struct {
	Backend      string `yaml:"backend"` // badger, dynamodb, sqlite, memory
	Path         string `yaml:"path"`    // badger directory or sqlite file
	ColumnFamily string `yaml:"column_family"`

	// DynamoDB only.
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	TableWaitMs     int    `yaml:"table_wait_ms"`
}

// BrokerConf describes the NGSI-LD subscription the sink registers.
// An empty URL disables registration.
type BrokerConf struct {
	URL               string   `yaml:"url"`
	SubscriptionID    string   `yaml:"subscription_id"`
	CallbackURL       string   `yaml:"callback_url"`
	EntityTypes       []string `yaml:"entity_types"`
	WatchedAttributes []string `yaml:"watched_attributes"`
	Context           string   `yaml:"context"`
	Attempts          uint     `yaml:"attempts"`
}

// LogConf configures the process logger.
type LogConf struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (p PipelineConf) EnqueueTimeout() time.Duration { return ms(p.EnqueueTimeoutMs) }
func (p PipelineConf) MinInterval() time.Duration    { return ms(p.MinIntervalMs) }
func (p PipelineConf) DrainTimeout() time.Duration   { return ms(p.DrainTimeoutMs) }
func (p PipelineConf) SweepInterval() time.Duration  { return ms(p.SweepIntervalMs) }
func (s ServerConf) ReadTimeout() time.Duration      { return ms(s.ReadTimeoutMs) }
func (s ServerConf) WriteTimeout() time.Duration     { return ms(s.WriteTimeoutMs) }
func (s StorageConf) TableWait() time.Duration       { return ms(s.TableWaitMs) }

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (l LogConf) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(l.Level))
	return lvl, err
}
