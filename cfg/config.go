package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreConfiguration selects the SQL store holding the change log,
// configuration tables, gap state and outgoing batches.
type StoreConfiguration struct {
	Driver string `toml:"driver"` // "sqlite3" or "mysql"
	DSN    string `toml:"dsn"`
}

// RoutingConfiguration controls the routing/batching engine behavior
type RoutingConfiguration struct {
	MaxEventsPerPass  int   `toml:"max_events_per_pass"`  // Rows scanned per channel pass
	MaxGapSize        int64 `toml:"max_gap_size"`         // Width of the open-ended tail gap
	GapGracePeriodMS  int64 `toml:"gap_grace_period_ms"`  // Empty gaps younger than this are kept
	MaxGapsPerQuery   int   `toml:"max_gaps_per_query"`   // Gap ranges folded into one SELECT
	PassTimeoutMS     int64 `toml:"pass_timeout_ms"`      // Wall-clock budget for one pass
	IntervalMS        int64 `toml:"interval_ms"`          // Scheduler tick
	Workers           int   `toml:"workers"`              // Concurrent channel passes
	LockLeaseMS       int64 `toml:"lock_lease_ms"`        // Channel lock lease duration
	FlushEventRows    int   `toml:"flush_event_rows"`     // Buffered batch-event rows before flush
	DefaultMaxBatch   int   `toml:"default_max_batch"`    // Channel default max events per batch
	DefaultMaxBatchKB int   `toml:"default_max_batch_kb"` // Channel default max batch payload
}

// NotifyConfiguration controls best-effort batch-sealed notifications
type NotifyConfiguration struct {
	Enabled           bool   `toml:"enabled"`
	NatsURL           string `toml:"nats_url"`
	SubjectPrefix     string `toml:"subject_prefix"`
	CompressThreshold int    `toml:"compress_threshold"` // Payload bytes before zstd kicks in
}

// StatsConfiguration controls the persistent statistics store
type StatsConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"` // Pebble directory, empty = in-memory only
}

// AdminConfiguration for the admin HTTP endpoints
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Secret  string `toml:"secret"` // Empty disables authentication
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics, served on the admin port
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  string `toml:"node_id"`
	GroupID string `toml:"group_id"`

	Store      StoreConfiguration      `toml:"store"`
	Routing    RoutingConfiguration    `toml:"routing"`
	Notify     NotifyConfiguration     `toml:"notify"`
	Stats      StatsConfiguration      `toml:"stats"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "trickle.toml", "Path to configuration file")
	NodeIDFlag     = flag.String("node-id", "", "Node ID (overrides config, empty=auto)")
	DSNFlag        = flag.String("dsn", "", "Store DSN (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  "", // Auto-generate
	GroupID: "default",

	Store: StoreConfiguration{
		Driver: "sqlite3",
		DSN:    "./trickle.db",
	},

	Routing: RoutingConfiguration{
		MaxEventsPerPass:  50_000,
		MaxGapSize:        50_000_000,
		GapGracePeriodMS:  60_000,
		MaxGapsPerQuery:   100,
		PassTimeoutMS:     300_000,
		IntervalMS:        5_000,
		Workers:           4,
		LockLeaseMS:       600_000,
		FlushEventRows:    1_000,
		DefaultMaxBatch:   10_000,
		DefaultMaxBatchKB: 10_240,
	},

	Notify: NotifyConfiguration{
		Enabled:           false,
		SubjectPrefix:     "trickle.batch",
		CompressThreshold: 4096,
	},

	Stats: StatsConfiguration{
		Enabled: true,
		Dir:     "",
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "127.0.0.1:8370",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *NodeIDFlag != "" {
		Config.NodeID = *NodeIDFlag
	}
	if *DSNFlag != "" {
		Config.Store.DSN = *DSNFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == "" {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Str("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	return nil
}

// generateNodeID derives a stable node ID from the machine ID.
func generateNodeID() (string, error) {
	id, err := machineid.ProtectedID("trickle")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return fmt.Sprintf("node-%016x", h.Sum64()), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Store.Driver {
	case "sqlite3", "mysql":
	default:
		return fmt.Errorf("unsupported store driver: %s", Config.Store.Driver)
	}

	if Config.Store.DSN == "" {
		return fmt.Errorf("store DSN must be set")
	}

	r := Config.Routing
	if r.MaxEventsPerPass < 1 {
		return fmt.Errorf("max events per pass must be >= 1")
	}
	if r.MaxGapSize < 1 {
		return fmt.Errorf("max gap size must be >= 1")
	}
	if r.GapGracePeriodMS < 0 {
		return fmt.Errorf("gap grace period must be >= 0")
	}
	if r.MaxGapsPerQuery < 1 {
		return fmt.Errorf("max gaps per query must be >= 1")
	}
	if r.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if r.LockLeaseMS < 1000 {
		return fmt.Errorf("lock lease must be >= 1000 ms")
	}
	// A pass never refreshes its lease mid-transaction, so the lease has
	// to outlast the longest possible pass.
	if r.PassTimeoutMS > 0 && r.LockLeaseMS < 2*r.PassTimeoutMS {
		return fmt.Errorf("lock lease must be at least twice the pass timeout")
	}
	if r.DefaultMaxBatch < 1 {
		return fmt.Errorf("default max batch must be >= 1")
	}

	if Config.Notify.Enabled && Config.Notify.NatsURL == "" {
		return fmt.Errorf("notify requires nats_url")
	}

	return nil
}
