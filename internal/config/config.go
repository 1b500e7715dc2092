package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"solanaETL/internal/etlerr"
)

// Warehouse backends accepted by warehouse-type.
const (
	WarehousePostgres = "postgres"
	WarehouseBigQuery = "bigquery"
	WarehouseMemory   = "memory"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPC         RPCConfig
	Warehouse   WarehouseConfig
	ETL         ETLConfig
	LogLevel    string
	MetricsAddr string
}

// RPCConfig configures the chain client.
type RPCConfig struct {
	URL          string
	Timeout      time.Duration
	MaxRetries   int
	RateLimit    int
	RetryBackoff time.Duration
	Commitment   string
}

// WarehouseConfig selects and configures the sink backend.
type WarehouseConfig struct {
	Type     string
	DSN      string
	MaxConns int32
	BigQuery BigQueryConfig
}

// BigQueryConfig holds BigQuery connection settings.
type BigQueryConfig struct {
	Project         string
	Dataset         string
	CredentialsFile string
	Location        string
}

// ETLConfig holds orchestration knobs shared by both modes.
type ETLConfig struct {
	BatchSize          int
	CheckpointInterval uint64
	ChunkSize          uint64
	Workers            int
	Interval           time.Duration
	MaxSlotLag         uint64
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ETL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("rpc-url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc-timeout", 30*time.Second)
	v.SetDefault("rpc-max-retries", 5)
	v.SetDefault("rpc-rate-limit", 50)
	v.SetDefault("rpc-retry-backoff", time.Second)
	v.SetDefault("rpc-commitment", "confirmed")
	v.SetDefault("warehouse-type", WarehousePostgres)
	v.SetDefault("warehouse-max-conns", 4)
	v.SetDefault("bigquery-dataset", "solana_etl")
	v.SetDefault("bigquery-location", "US")
	v.SetDefault("batch-size", 1000)
	v.SetDefault("checkpoint-interval", uint64(100))
	v.SetDefault("chunk-size", uint64(1000))
	v.SetDefault("workers", 4)
	v.SetDefault("interval", 30*time.Second)
	v.SetDefault("max-slot-lag", uint64(1000))
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	timeout, err := getDuration(v, "rpc-timeout")
	if err != nil {
		return Config{}, err
	}
	backoff, err := getDuration(v, "rpc-retry-backoff")
	if err != nil {
		return Config{}, err
	}
	interval, err := getDuration(v, "interval")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPC: RPCConfig{
			URL:          strings.TrimSpace(v.GetString("rpc-url")),
			Timeout:      timeout,
			MaxRetries:   v.GetInt("rpc-max-retries"),
			RateLimit:    v.GetInt("rpc-rate-limit"),
			RetryBackoff: backoff,
			Commitment:   strings.ToLower(strings.TrimSpace(v.GetString("rpc-commitment"))),
		},
		Warehouse: WarehouseConfig{
			Type:     strings.ToLower(strings.TrimSpace(v.GetString("warehouse-type"))),
			DSN:      v.GetString("warehouse-dsn"),
			MaxConns: v.GetInt32("warehouse-max-conns"),
			BigQuery: BigQueryConfig{
				Project:         v.GetString("bigquery-project"),
				Dataset:         v.GetString("bigquery-dataset"),
				CredentialsFile: v.GetString("bigquery-credentials"),
				Location:        v.GetString("bigquery-location"),
			},
		},
		ETL: ETLConfig{
			BatchSize:          v.GetInt("batch-size"),
			CheckpointInterval: v.GetUint64("checkpoint-interval"),
			ChunkSize:          v.GetUint64("chunk-size"),
			Workers:            v.GetInt("workers"),
			Interval:           interval,
			MaxSlotLag:         v.GetUint64("max-slot-lag"),
		},
		LogLevel:    v.GetString("log-level"),
		MetricsAddr: v.GetString("metrics-addr"),
	}

	return cfg, nil
}

// getDuration accepts Go durations ("1m30s") and bare integers, read as seconds.
func getDuration(v *viper.Viper, key string) (time.Duration, error) {
	switch raw := v.Get(key).(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return raw, nil
	case int:
		return time.Duration(raw) * time.Second, nil
	case int64:
		return time.Duration(raw) * time.Second, nil
	case float64:
		return time.Duration(raw * float64(time.Second)), nil
	default:
		s := strings.TrimSpace(fmt.Sprintf("%v", raw))
		if s == "" {
			return 0, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, etlerr.Config("invalid %s %q", key, s)
		}
		return d, nil
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.ValidateRPC(); err != nil {
		return err
	}
	if err := c.ValidateWarehouse(); err != nil {
		return err
	}
	return c.ValidateETL()
}

// ValidateRPC checks the chain client settings.
func (c Config) ValidateRPC() error {
	r := c.RPC
	if r.URL == "" {
		return etlerr.Config("rpc url is required")
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return etlerr.Config("rpc url must be an http(s) url: %q", r.URL)
	}
	if r.Timeout <= 0 {
		return etlerr.Config("rpc timeout must be positive")
	}
	if r.MaxRetries < 0 {
		return etlerr.Config("rpc max retries must be >= 0")
	}
	if r.RateLimit <= 0 {
		return etlerr.Config("rpc rate limit must be positive")
	}
	if r.RetryBackoff <= 0 {
		return etlerr.Config("rpc retry backoff must be positive")
	}
	switch r.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return etlerr.Config("unknown commitment %q", r.Commitment)
	}
	return nil
}

// ValidateWarehouse checks the sink selection and its backend settings.
func (c Config) ValidateWarehouse() error {
	w := c.Warehouse
	switch w.Type {
	case WarehousePostgres:
		if w.DSN == "" {
			return etlerr.Config("warehouse dsn is required for postgres")
		}
		if w.MaxConns < 0 {
			return etlerr.Config("warehouse max conns must be >= 0")
		}
	case WarehouseBigQuery:
		if w.BigQuery.Project == "" {
			return etlerr.Config("bigquery project is required")
		}
		if w.BigQuery.Dataset == "" {
			return etlerr.Config("bigquery dataset is required")
		}
	case WarehouseMemory:
	default:
		return etlerr.Config("unknown warehouse type %q", w.Type)
	}
	return nil
}

// ValidateETL checks the orchestration knobs.
func (c Config) ValidateETL() error {
	e := c.ETL
	if e.BatchSize <= 0 {
		return etlerr.Config("batch size must be greater than zero")
	}
	if e.CheckpointInterval == 0 {
		return etlerr.Config("checkpoint interval must be greater than zero")
	}
	if e.ChunkSize == 0 {
		return etlerr.Config("chunk size must be greater than zero")
	}
	if e.Workers <= 0 {
		return etlerr.Config("workers must be greater than zero")
	}
	if e.Interval <= 0 {
		return etlerr.Config("interval must be positive")
	}
	return nil
}
