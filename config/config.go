package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/INLOpen/nexusdup/core"
	"gopkg.in/yaml.v3"
)

// Sink types.
const (
	SinkGRPC  = "grpc"
	SinkKafka = "kafka"
	SinkAMQP  = "amqp"
)

// TLSConfig holds TLS-specific configurations.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ClientTLS builds a client side tls.Config, or nil when TLS is disabled.
func (c TLSConfig) ClientTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CAFile != "" {
		pool, err := loadCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// ServerTLS builds a server side tls.Config, or nil when TLS is disabled.
// A CA file turns on client certificate verification.
func (c TLSConfig) ServerTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key pair: %w", err)
	}
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if c.CAFile != "" {
		pool, err := loadCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// LogConfig holds the private log settings shared by every partition.
type LogConfig struct {
	Dir                 string `yaml:"dir"`
	SyncMode            string `yaml:"sync_mode"` // "always" or "disabled"
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
	QueueSize           int    `yaml:"queue_size"`
	LockTimeout         string `yaml:"lock_timeout"`
}

// BackoffConfig holds the retry schedule of a duplicator.
type BackoffConfig struct {
	InitialInterval     string  `yaml:"initial_interval"`
	MaxInterval         string  `yaml:"max_interval"`
	Multiplier          float64 `yaml:"multiplier"`
	RandomizationFactor float64 `yaml:"randomization_factor"`
}

// DuplicationConfig holds the settings applied to every duplicator.
type DuplicationConfig struct {
	MaxBatchMutations int           `yaml:"max_batch_mutations"`
	MaxBatchBytes     int           `yaml:"max_batch_bytes"`
	ShipTimeout       string        `yaml:"ship_timeout"`
	MetricsPrefix     string        `yaml:"metrics_prefix"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

// KafkaConfig configures the kafka sink.
type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	Topic           string   `yaml:"topic"`
	ClientID        string   `yaml:"client_id"`
	Compression     string   `yaml:"compression"`
	DeliveryTimeout string   `yaml:"delivery_timeout"`
}

// AMQPConfig configures the amqp sink.
type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
}

// SinkConfig selects and configures where backlogs are shipped.
type SinkConfig struct {
	Type        string      `yaml:"type"`        // "grpc", "kafka" or "amqp"
	Address     string      `yaml:"address"`     // gRPC target of the remote receiver
	Compression string      `yaml:"compression"` // batch frame compression for grpc and amqp
	CallTimeout string      `yaml:"call_timeout"`
	TLS         TLSConfig   `yaml:"tls"`
	Kafka       KafkaConfig `yaml:"kafka"`
	AMQP        AMQPConfig  `yaml:"amqp"`
}

// PartitionConfig names one partition whose log lives on this node.
type PartitionConfig struct {
	AppID          int32 `yaml:"app_id"`
	PartitionIndex int32 `yaml:"partition_index"`
}

// ID returns the partition id.
func (p PartitionConfig) ID() core.PartitionID {
	return core.PartitionID{AppID: p.AppID, PartitionIndex: p.PartitionIndex}
}

// DuplicationEntryConfig is one duplication as recorded by the metadata
// service. An empty partition list means every configured partition.
type DuplicationEntryConfig struct {
	core.DuplicationEntry `yaml:",inline"`
	Partitions            []PartitionConfig `yaml:"partitions"`
}

// ReceiverConfig configures the remote side ingestion endpoint.
type ReceiverConfig struct {
	ListenAddress string    `yaml:"listen_address"`
	DataDir       string    `yaml:"data_dir"`
	TLS           TLSConfig `yaml:"tls"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

// SelfMonitoringConfig controls the system collector.
type SelfMonitoringConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Log            LogConfig                `yaml:"log"`
	Partitions     []PartitionConfig        `yaml:"partitions"`
	Duplication    DuplicationConfig        `yaml:"duplication"`
	Duplications   []DuplicationEntryConfig `yaml:"duplications"`
	Sink           SinkConfig               `yaml:"sink"`
	Receiver       ReceiverConfig           `yaml:"receiver"`
	Debug          DebugConfig              `yaml:"debug"`
	Logging        LoggingConfig            `yaml:"logging"`
	SelfMonitoring SelfMonitoringConfig     `yaml:"self_monitoring"`
	Tracing        TracingConfig            `yaml:"tracing"`
}

// Validate checks the node side settings: the sink selection and that every
// duplication refers to a configured partition.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Sink.Type) {
	case SinkGRPC:
		if c.Sink.Address == "" {
			errs = append(errs, errors.New("sink.address is required for the grpc sink"))
		}
	case SinkKafka:
		if len(c.Sink.Kafka.Brokers) == 0 || c.Sink.Kafka.Topic == "" {
			errs = append(errs, errors.New("sink.kafka.brokers and sink.kafka.topic are required for the kafka sink"))
		}
	case SinkAMQP:
		if c.Sink.AMQP.URL == "" || c.Sink.AMQP.Exchange == "" {
			errs = append(errs, errors.New("sink.amqp.url and sink.amqp.exchange are required for the amqp sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink type %q", c.Sink.Type))
	}

	known := make(map[core.PartitionID]bool, len(c.Partitions))
	for _, p := range c.Partitions {
		if known[p.ID()] {
			errs = append(errs, fmt.Errorf("partition %s configured twice", p.ID()))
		}
		known[p.ID()] = true
	}
	seen := make(map[core.DupID]bool, len(c.Duplications))
	for _, d := range c.Duplications {
		if seen[d.DupID] {
			errs = append(errs, fmt.Errorf("duplication %d configured twice", d.DupID))
		}
		seen[d.DupID] = true
		for _, p := range d.Partitions {
			if !known[p.ID()] {
				errs = append(errs, fmt.Errorf("duplication %d refers to unknown partition %s", d.DupID, p.ID()))
			}
		}
	}
	return errors.Join(errs...)
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Log: LogConfig{
			Dir:                 "./data/plog",
			SyncMode:            "always",
			MaxSegmentSizeBytes: 32 * 1024 * 1024, // 32 MiB
			QueueSize:           1024,
			LockTimeout:         "5s",
		},
		Duplication: DuplicationConfig{
			MaxBatchMutations: 512,
			MaxBatchBytes:     1024 * 1024, // 1 MiB
			ShipTimeout:       "10s",
			MetricsPrefix:     "nexusdup",
			Backoff: BackoffConfig{
				InitialInterval:     "100ms",
				MaxInterval:         "5s",
				Multiplier:          2,
				RandomizationFactor: 0.2,
			},
		},
		Sink: SinkConfig{
			Type:        SinkGRPC,
			Address:     "localhost:34601",
			Compression: "lz4",
			CallTimeout: "10s",
			Kafka: KafkaConfig{
				ClientID:        "nexusdup",
				Compression:     "zstd",
				DeliveryTimeout: "30s",
			},
		},
		Receiver: ReceiverConfig{
			ListenAddress: ":34601",
			DataDir:       "./data/remote",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusdup.log",
		},
		SelfMonitoring: SelfMonitoringConfig{
			Enabled:  true,
			Interval: "15s",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:          true,
			ListenAddress:    "0.0.0.0:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
