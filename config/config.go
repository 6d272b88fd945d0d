// Package config loads the server's YAML configuration file over built-in
// defaults and layers the OML_PG_* environment-variable overrides on top
// of it (environment > file > defaults). The command line only chooses
// which file Load reads; there are no per-setting command-line overrides,
// so nothing given on the command line takes precedence over the
// environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects which dba.Backend implementation the server opens.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// Postgres carries the connection settings for the PostgreSQL backend.
type Postgres struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	ConnInfo string `yaml:"conninfo"`
}

// SQLite carries the connection settings for the embedded backend.
type SQLite struct {
	Path string `yaml:"path"`
}

// Config is the server's full configuration, loaded from YAML and then
// overridden by the OML_PG_* environment variables.
type Config struct {
	Backend Backend `yaml:"backend"`

	Listen string `yaml:"listen"`

	Postgres Postgres `yaml:"postgres"`
	SQLite   SQLite   `yaml:"sqlite"`

	CommitIntervalSeconds int `yaml:"commit_interval_seconds"`

	QueueCapacityBytes int `yaml:"queue_capacity_bytes"`
	ChainChunkCount    int `yaml:"chain_chunk_count"`
}

// CommitInterval is CommitIntervalSeconds as a time.Duration, defaulting
// to one second (the transaction heartbeat) when unset.
func (c *Config) CommitInterval() time.Duration {
	if c.CommitIntervalSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.CommitIntervalSeconds) * time.Second
}

func defaults() Config {
	return Config{
		Backend: BackendSQLite,
		Listen:  ":3003",
		Postgres: Postgres{
			Host:   "localhost",
			Port:   "5432",
			User:   "oml",
			DBName: "oml2",
		},
		SQLite:                SQLite{Path: "oml2.sqlite"},
		CommitIntervalSeconds: 1,
		QueueCapacityBytes:    1 << 20, // 1 MiB
		ChainChunkCount:       16,
	}
}

// Load reads path as YAML over top of the built-in defaults, then applies
// OML_PG_* environment overrides. A missing file is not an error:
// callers that only want environment/CLI configuration can point Load at
// a path that does not exist.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("OML_PG_HOST"); ok {
		c.Postgres.Host = v
	}
	if v, ok := os.LookupEnv("OML_PG_PORT"); ok {
		c.Postgres.Port = v
	}
	if v, ok := os.LookupEnv("OML_PG_USER"); ok {
		c.Postgres.User = v
	}
	if v, ok := os.LookupEnv("OML_PG_PASS"); ok {
		c.Postgres.Password = v
	}
	if v, ok := os.LookupEnv("OML_PG_CONNINFO"); ok {
		c.Postgres.ConnInfo = v
	}
}

// Print writes a human-readable summary of the effective configuration to
// stdout, the same "announce what we loaded" step the rest of this
// codebase's main does before it starts accepting connections.
func (c *Config) Print() {
	fmt.Printf("oml2 config: backend=%s listen=%s commit_interval=%s\n", c.Backend, c.Listen, c.CommitInterval())
	switch c.Backend {
	case BackendPostgres:
		fmt.Printf("  postgres: %s@%s:%s/%s\n", c.Postgres.User, c.Postgres.Host, c.Postgres.Port, c.Postgres.DBName)
	case BackendSQLite:
		fmt.Printf("  sqlite: %s\n", c.SQLite.Path)
	}
	fmt.Printf("  queue_capacity_bytes=%d chain_chunk_count=%d\n", c.QueueCapacityBytes, c.ChainChunkCount)
}
