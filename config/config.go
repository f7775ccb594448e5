package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	FamilySQL = "sql"
	FamilyKV  = "kv"
)

type Config struct {
	Main     MainConfig      `toml:"main"`
	Capture  CaptureConfig   `toml:"capture"`
	Lazy     LazyConfig      `toml:"lazy"`
	Admin    AdminConfig     `toml:"admin"`
	Service  ServiceConfig   `toml:"service"`
	Adapters []AdapterConfig `toml:"adapters"`
	Tables   []TableConfig   `toml:"tables"`
}

type MainConfig struct {
	Debug    bool   `toml:"debug"`
	LogLevel string `toml:"log_level"`
	// DataFolder is the base of relative adapter paths and state folders.
	DataFolder string `toml:"data_folder"`
	// StateFolder keeps partition placement state across restarts. Empty disables it.
	StateFolder string `toml:"state_folder"`
	// LogFolder adds daily rotated log files next to stderr. Empty disables them.
	LogFolder        string `toml:"log_folder"`
	LogRetentionDays int    `toml:"log_retention_days"`
	Gops             bool   `toml:"gops"`
}

type CaptureConfig struct {
	Enabled bool `toml:"enabled"`
}

type LazyConfig struct {
	Automatic      bool   `toml:"automatic"`
	Workers        int    `toml:"workers"`
	FailThreshold  int    `toml:"fail_threshold"`
	RetryBackoffMs int    `toml:"retry_backoff_ms"`
	JournalFolder  string `toml:"journal_folder"`
}

func (l LazyConfig) RetryBackoff() time.Duration {
	return time.Duration(l.RetryBackoffMs) * time.Millisecond
}

type AdminConfig struct {
	Listen   string `toml:"listen"`
	Password string `toml:"password"`
}

type ServiceConfig struct {
	Listen string `toml:"listen"`
	// RespListen enables the redis protocol kv endpoint backed by RespDataFolder.
	RespListen     string `toml:"resp_listen"`
	RespDataFolder string `toml:"resp_data_folder"`
}

type AdapterConfig struct {
	Id     int32  `toml:"id"`
	Name   string `toml:"name"`
	Family string `toml:"family"`
	// Path is the sqlite file of a sql adapter or the diskv folder of a local kv adapter.
	Path string `toml:"path"`
	// Addr selects a remote kv adapter reached over the redis protocol.
	Addr string `toml:"addr"`
}

type TableConfig struct {
	Id              int64             `toml:"id"`
	Name            string            `toml:"name"`
	Columns         []string          `toml:"columns"`
	PrimaryKey      []string          `toml:"primary_key"`
	PartitionColumn string            `toml:"partition_column"`
	Partitions      []int64           `toml:"partitions"`
	Placements      []PlacementConfig `toml:"placements"`
}

type PlacementConfig struct {
	Adapter  int32  `toml:"adapter"`
	Strategy string `toml:"strategy"`
	// Partitions defaults to every partition of the table.
	Partitions []int64 `toml:"partitions"`
}

func Default() *Config {
	return &Config{
		Main: MainConfig{
			LogLevel:         "info",
			LogRetentionDays: 7,
		},
		Capture: CaptureConfig{
			Enabled: true,
		},
		Lazy: LazyConfig{
			Automatic:      true,
			Workers:        4,
			FailThreshold:  3,
			RetryBackoffMs: 500,
		},
		Admin: AdminConfig{
			Listen: "127.0.0.1:9301",
		},
		Service: ServiceConfig{
			Listen: "127.0.0.1:9300",
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)
	return Decode(f)
}

// Decode reads a toml document over the defaults and validates the result.
func Decode(r io.Reader) (*Config, error) {
	c := Default()
	if _, err := toml.NewDecoder(r).Decode(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Lazy.Workers <= 0 {
		return fmt.Errorf("%w: lazy.workers must be positive", ErrInvalidConfig)
	}
	if c.Lazy.FailThreshold <= 0 {
		return fmt.Errorf("%w: lazy.fail_threshold must be positive", ErrInvalidConfig)
	}
	if c.Lazy.RetryBackoffMs < 0 {
		return fmt.Errorf("%w: lazy.retry_backoff_ms must not be negative", ErrInvalidConfig)
	}

	if c.Service.RespListen != "" && c.Service.RespDataFolder == "" {
		return fmt.Errorf("%w: service.resp_listen requires service.resp_data_folder", ErrInvalidConfig)
	}

	adapters := make(map[int32]AdapterConfig)
	for _, a := range c.Adapters {
		if _, ok := adapters[a.Id]; ok {
			return fmt.Errorf("%w: duplicate adapter %d", ErrInvalidConfig, a.Id)
		}
		switch a.Family {
		case FamilySQL:
			if a.Path == "" {
				return fmt.Errorf("%w: sql adapter %d requires path", ErrInvalidConfig, a.Id)
			}
		case FamilyKV:
			if a.Path == "" && a.Addr == "" {
				return fmt.Errorf("%w: kv adapter %d requires path or addr", ErrInvalidConfig, a.Id)
			}
		default:
			return fmt.Errorf("%w: adapter %d has unknown family %q", ErrInvalidConfig, a.Id, a.Family)
		}
		adapters[a.Id] = a
	}

	tableIds := make(map[int64]struct{})
	tableNames := make(map[string]struct{})
	partitionOwners := make(map[int64]string)
	for _, t := range c.Tables {
		if _, ok := tableIds[t.Id]; ok {
			return fmt.Errorf("%w: duplicate table id %d", ErrInvalidConfig, t.Id)
		}
		if _, ok := tableNames[t.Name]; ok {
			return fmt.Errorf("%w: duplicate table name %q", ErrInvalidConfig, t.Name)
		}
		tableIds[t.Id] = struct{}{}
		tableNames[t.Name] = struct{}{}
		for _, part := range t.Partitions {
			if owner, ok := partitionOwners[part]; ok {
				return fmt.Errorf("%w: partition %d of table %q already belongs to table %q", ErrInvalidConfig, part, t.Name, owner)
			}
			partitionOwners[part] = t.Name
		}
		if err := t.validate(adapters); err != nil {
			return err
		}
	}
	return nil
}

func (t TableConfig) validate(adapters map[int32]AdapterConfig) error {
	if t.Name == "" || len(t.Partitions) == 0 {
		return fmt.Errorf("%w: table %d requires a name and partitions", ErrInvalidConfig, t.Id)
	}
	covered := make(map[int64]bool)
	for _, p := range t.Placements {
		if _, ok := adapters[p.Adapter]; !ok {
			return fmt.Errorf("%w: table %s placed on unknown adapter %d", ErrInvalidConfig, t.Name, p.Adapter)
		}
		strategy, err := shared.ParseReplicationStrategy(p.Strategy)
		if err != nil {
			return fmt.Errorf("%w: table %s: %w", ErrInvalidConfig, t.Name, err)
		}
		for _, part := range p.Partitions {
			if !slices.Contains(t.Partitions, part) {
				return fmt.Errorf("%w: table %s has no partition %d", ErrInvalidConfig, t.Name, part)
			}
		}
		if strategy == shared.StrategyEager {
			for _, part := range t.PlacementPartitions(p) {
				covered[part] = true
			}
		}
	}
	for _, part := range t.Partitions {
		if !covered[part] {
			return fmt.Errorf("%w: partition %d of table %s has no eager placement", ErrInvalidConfig, part, t.Name)
		}
	}
	return nil
}

func (t TableConfig) PlacementPartitions(p PlacementConfig) []int64 {
	if len(p.Partitions) == 0 {
		return t.Partitions
	}
	return p.Partitions
}

// Resolve places a relative path under the data folder.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.Main.DataFolder == "" {
		return path
	}
	return filepath.Join(c.Main.DataFolder, path)
}
