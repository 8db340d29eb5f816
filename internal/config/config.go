// Package config loads kminer configuration from an optional TOML file and
// environment variables. Environment variables win over the file, which wins
// over the built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/pelletier/go-toml"
)

const (
	// DefaultDevfundAddress receives the devfund share of the work.
	DefaultDevfundAddress = "kaspa:pzhh76qc82wzduvsrd9xh4zde9qhp0xc8rl7qu2mvl2e42uvdqt75zrcgpm00"

	mainnetRPCPort = 16110
	testnetRPCPort = 16211

	// devfund percentages are in hundredths of a percent
	minDevfundPercent = 200
)

// Config holds the kminer configuration
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	MinerID     string

	// Logging
	LogLevel  string
	LogFormat string
	Debug     bool

	// Rewards
	MiningAddress     string
	DevfundAddress    string
	DevfundPercent    uint16
	MineWhenNotSynced bool

	// Node connection
	NodeHost     string
	NodePort     int
	NodeUser     string
	NodePassword string
	Testnet      bool
	ZMQAddr      string
	PollInterval time.Duration
	ExtraData    string

	// Pool connection; set to mine shares instead of blocks
	StratumAddress  string
	StratumPassword string
	DialTimeout     time.Duration
	ReadTimeout     time.Duration

	// Workers
	Threads          int
	Devices          []string
	Workloads        []float64
	WorkloadAbsolute bool

	// Runtime tuning
	HashrateInterval time.Duration
	ShutdownTimeout  time.Duration
	SubmissionBuffer int
	ReconnectDelay   time.Duration

	// Telemetry sinks; empty disables
	KafkaBrokers []string
	PostgresURL  string
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// ConfigFile is the TOML file that was read, if any.
	ConfigFile string
	// Warnings collects adjustments made while loading, for the caller to log.
	Warnings []string
}

// DefaultConfigFile returns <app data dir>/kminer.toml.
func DefaultConfigFile() string {
	return filepath.Join(btcutil.AppDataDir("kminer", false), "kminer.toml")
}

// defaultConfigFile is swapped out by tests.
var defaultConfigFile = DefaultConfigFile

// Load reads KMINER_CONFIG (or the default config file when it exists),
// applies environment overrides and validates the result.
func Load() (*Config, error) {
	path := os.Getenv("KMINER_CONFIG")
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile()
	}

	file, err := loadFile(path, explicit)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "kminer"
	}

	cfg := &Config{
		ServiceName: getEnv("KMINER_SERVICE_NAME", file.text("service.name", "kminer")),
		Version:     getEnv("KMINER_VERSION", file.text("service.version", "dev")),
		MinerID:     getEnv("KMINER_MINER_ID", file.text("service.miner_id", hostname)),

		LogLevel:  getEnv("KMINER_LOG_LEVEL", file.text("log.level", "info")),
		LogFormat: getEnv("KMINER_LOG_FORMAT", file.text("log.format", "text")),
		Debug:     getEnvBool("KMINER_DEBUG", file.flag("log.debug", false)),

		MiningAddress:     getEnv("KMINER_MINING_ADDRESS", file.text("mining.address", "")),
		DevfundAddress:    getEnv("KMINER_DEVFUND_ADDRESS", file.text("mining.devfund_address", DefaultDevfundAddress)),
		MineWhenNotSynced: getEnvBool("KMINER_MINE_WHEN_NOT_SYNCED", file.flag("mining.mine_when_not_synced", false)),

		NodeHost:     getEnv("KMINER_NODE_HOST", file.text("node.host", "127.0.0.1")),
		NodePort:     getEnvInt("KMINER_NODE_PORT", file.integer("node.port", 0)),
		NodeUser:     getEnv("KMINER_NODE_USER", file.text("node.user", "")),
		NodePassword: getEnv("KMINER_NODE_PASSWORD", file.text("node.password", "")),
		Testnet:      getEnvBool("KMINER_TESTNET", file.flag("node.testnet", false)),
		ZMQAddr:      getEnv("KMINER_ZMQ_ADDR", file.text("node.zmq_addr", "")),
		PollInterval: getEnvDuration("KMINER_POLL_INTERVAL", file.duration("node.poll_interval", time.Second)),
		ExtraData:    getEnv("KMINER_EXTRA_DATA", file.text("node.extra_data", "kminer")),

		StratumAddress:  getEnv("KMINER_STRATUM_ADDRESS", file.text("stratum.address", "")),
		StratumPassword: getEnv("KMINER_STRATUM_PASSWORD", file.text("stratum.password", "x")),
		DialTimeout:     getEnvDuration("KMINER_DIAL_TIMEOUT", file.duration("stratum.dial_timeout", 10*time.Second)),
		ReadTimeout:     getEnvDuration("KMINER_READ_TIMEOUT", file.duration("stratum.read_timeout", 5*time.Minute)),

		Threads:          getEnvInt("KMINER_THREADS", file.integer("workers.threads", -1)),
		Devices:          getEnvSlice("KMINER_DEVICES", file.list("workers.devices", nil)),
		WorkloadAbsolute: getEnvBool("KMINER_WORKLOAD_ABSOLUTE", file.flag("workers.workload_absolute", false)),

		HashrateInterval: getEnvDuration("KMINER_HASHRATE_INTERVAL", file.duration("runtime.hashrate_interval", 10*time.Second)),
		ShutdownTimeout:  getEnvDuration("KMINER_SHUTDOWN_TIMEOUT", file.duration("runtime.shutdown_timeout", 30*time.Second)),
		SubmissionBuffer: getEnvInt("KMINER_SUBMISSION_BUFFER", file.integer("runtime.submission_buffer", 16)),
		ReconnectDelay:   getEnvDuration("KMINER_RECONNECT_DELAY", file.duration("runtime.reconnect_delay", time.Second)),

		KafkaBrokers: getEnvSlice("KMINER_KAFKA_BROKERS", file.list("telemetry.kafka_brokers", nil)),
		PostgresURL:  getEnv("KMINER_POSTGRES_URL", file.text("telemetry.postgres_url", "")),
		RedisURL:     getEnv("KMINER_REDIS_URL", file.text("telemetry.redis_url", "")),
		InfluxURL:    getEnv("KMINER_INFLUX_URL", file.text("telemetry.influx_url", "")),
		InfluxToken:  getEnv("KMINER_INFLUX_TOKEN", file.text("telemetry.influx_token", "")),
		InfluxOrg:    getEnv("KMINER_INFLUX_ORG", file.text("telemetry.influx_org", "kminer")),
		InfluxBucket: getEnv("KMINER_INFLUX_BUCKET", file.text("telemetry.influx_bucket", "mining")),
	}
	if file.tree != nil {
		cfg.ConfigFile = path
	}

	workloads, err := parseFloats(getEnv("KMINER_WORKLOAD", file.floats("workers.workload")))
	if err != nil {
		return nil, fmt.Errorf("invalid workload: %w", err)
	}
	cfg.Workloads = workloads

	percent, err := ParseDevfundPercent(getEnv("KMINER_DEVFUND_PERCENT", file.text("mining.devfund_percent", "2")))
	if err != nil {
		return nil, err
	}
	cfg.DevfundPercent = percent

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	if cfg.NodePort == 0 {
		cfg.NodePort = mainnetRPCPort
		if cfg.Testnet {
			cfg.NodePort = testnetRPCPort
		}
	}
	cfg.checkDevfundNetwork()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ParseDevfundPercent parses "XX.YY" with at most two digits on either side
// of the dot into hundredths of a percent. The fraction is read as a decimal,
// so "2.5" is 250 (2.50%) and not 205 as a digit-pasting parser would give.
// Values below 2% are raised to 2%.
func ParseDevfundPercent(s string) (uint16, error) {
	errInvalid := fmt.Errorf("devfund percent %q should be XX.YY with up to 2 digits after the dot", s)

	whole, frac, _ := strings.Cut(strings.TrimSpace(s), ".")
	if strings.Contains(frac, ".") || len(whole) == 0 || len(whole) > 2 || len(frac) > 2 {
		return 0, errInvalid
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseUint(whole, 10, 16)
	if err != nil {
		return 0, errInvalid
	}
	f, err := strconv.ParseUint(frac, 10, 16)
	if err != nil {
		return 0, errInvalid
	}

	percent := uint16(w*100 + f)
	if percent < minDevfundPercent {
		return minDevfundPercent, nil
	}
	return percent, nil
}

// DevfundString renders a percentage in hundredths, e.g. 250 as "2.50".
func DevfundString(percent uint16) string {
	return fmt.Sprintf("%d.%02d", percent/100, percent%100)
}

// checkDevfundNetwork disables the devfund when the mining and devfund
// addresses belong to different networks.
func (c *Config) checkDevfundNetwork() {
	minerNet, _, _ := strings.Cut(c.MiningAddress, ":")
	devNet, _, _ := strings.Cut(c.DevfundAddress, ":")
	if c.DevfundAddress == "" || minerNet == devNet {
		return
	}

	c.DevfundPercent = 0
	c.Warnings = append(c.Warnings, fmt.Sprintf(
		"mining address (%s) and devfund (%s) are not from the same network, disabling devfund",
		minerNet, devNet))
}

// UseStratum reports whether the miner should connect to a pool.
func (c *Config) UseStratum() bool {
	return c.StratumAddress != ""
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("KMINER_SERVICE_NAME cannot be empty")
	}

	if c.MiningAddress == "" {
		return fmt.Errorf("KMINER_MINING_ADDRESS is required")
	}

	if !strings.Contains(c.MiningAddress, ":") {
		return fmt.Errorf("mining address %q has no network prefix", c.MiningAddress)
	}

	if c.NodePort <= 0 || c.NodePort > 65535 {
		return fmt.Errorf("KMINER_NODE_PORT must be between 1 and 65535")
	}

	if c.Threads < -1 {
		return fmt.Errorf("KMINER_THREADS must be -1 (one per core) or more")
	}

	if c.Threads == 0 && len(c.Devices) == 0 {
		return fmt.Errorf("no CPU threads and no devices configured")
	}

	if len(c.Workloads) > 1 && len(c.Workloads) != len(c.Devices) {
		return fmt.Errorf("got %d workloads for %d devices", len(c.Workloads), len(c.Devices))
	}

	if c.PollInterval <= 0 || c.HashrateInterval <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("intervals and timeouts must be positive")
	}

	if c.SubmissionBuffer <= 0 {
		return fmt.Errorf("KMINER_SUBMISSION_BUFFER must be positive")
	}

	if c.InfluxURL != "" && c.InfluxToken == "" {
		return fmt.Errorf("KMINER_INFLUX_TOKEN is required with KMINER_INFLUX_URL")
	}

	return nil
}

// fileValues reads settings from a parsed TOML tree. A nil tree yields
// the defaults.
type fileValues struct {
	tree *toml.Tree
}

func loadFile(path string, required bool) (fileValues, error) {
	if _, err := os.Stat(path); err != nil {
		if !required && os.IsNotExist(err) {
			return fileValues{}, nil
		}
		return fileValues{}, fmt.Errorf("config file %s: %w", path, err)
	}

	tree, err := toml.LoadFile(path)
	if err != nil {
		return fileValues{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return fileValues{tree: tree}, nil
}

func (f fileValues) get(key string) any {
	if f.tree == nil {
		return nil
	}
	return f.tree.Get(key)
}

func (f fileValues) text(key, def string) string {
	switch v := f.get(key).(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return def
	}
}

func (f fileValues) integer(key string, def int) int {
	if v, ok := f.get(key).(int64); ok {
		return int(v)
	}
	return def
}

func (f fileValues) flag(key string, def bool) bool {
	if v, ok := f.get(key).(bool); ok {
		return v
	}
	return def
}

// duration accepts "1m30s" strings or whole seconds.
func (f fileValues) duration(key string, def time.Duration) time.Duration {
	switch v := f.get(key).(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int64:
		return time.Duration(v) * time.Second
	}
	return def
}

func (f fileValues) list(key string, def []string) []string {
	switch v := f.get(key).(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return splitList(v)
	default:
		return def
	}
}

// floats returns the workload list as a comma separated string so it can
// share the environment variable's parser.
func (f fileValues) floats(key string) string {
	switch v := f.get(key).(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				parts = append(parts, strconv.FormatFloat(n, 'f', -1, 64))
			case int64:
				parts = append(parts, strconv.FormatInt(n, 10))
			}
		}
		return strings.Join(parts, ",")
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return splitList(value)
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseFloats(s string) ([]float64, error) {
	parts := splitList(s)
	if len(parts) == 0 {
		return nil, nil
	}
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", p)
		}
		out[i] = v
	}
	return out, nil
}
