package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paularlott/cli"
	"gopkg.in/yaml.v2"

	"github.com/martinsuchenak/vnetd/internal/storage"
	"github.com/martinsuchenak/vnetd/internal/transport"
	"github.com/martinsuchenak/vnetd/internal/worker"
)

// Config holds the server configuration
type Config struct {
	DataDir           string
	ListenAddr        string
	StorageBackend    string
	PostgresDSN       string
	MCPAuthToken      string
	APIAuthToken      string
	ReconcileSchedule string
	ReconcileWorkers  int
	ConfigFile        string
	Pool              transport.Config
}

// File is the layout of the optional YAML configuration file
type File struct {
	Pool      transport.Config `yaml:"pool"`
	Reconcile struct {
		Schedule string `yaml:"schedule"`
		Workers  int    `yaml:"workers"`
	} `yaml:"reconcile"`
}

const defaultReconcileWorkers = 4

var (
	dataDir           string
	listenAddr        string
	storageBackend    string
	postgresDSN       string
	mcpAuthToken      string
	apiAuthToken      string
	reconcileSchedule string
	reconcileWorkers  int
	configFile        string
	pool              transport.Config
)

func GetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:         "data-dir",
			Usage:        "Data directory path",
			EnvVars:      []string{"VNETD_DATA_DIR"},
			DefaultValue: filepath.Join(".", "data"),
			AssignTo:     &dataDir,
		},
		&cli.StringFlag{
			Name:         "addr",
			Usage:        "Server listen address",
			EnvVars:      []string{"VNETD_LISTEN_ADDR"},
			DefaultValue: ":8080",
			AssignTo:     &listenAddr,
		},
		&cli.StringFlag{
			Name:         "storage",
			Usage:        "Storage backend (sqlite, postgres, memory)",
			EnvVars:      []string{"VNETD_STORAGE_BACKEND"},
			DefaultValue: storage.BackendSQLite,
			AssignTo:     &storageBackend,
		},
		&cli.StringFlag{
			Name:     "postgres-dsn",
			Usage:    "PostgreSQL connection string (postgres backend only)",
			EnvVars:  []string{"VNETD_POSTGRES_DSN"},
			AssignTo: &postgresDSN,
		},
		&cli.StringFlag{
			Name:     "mcp-token",
			Usage:    "MCP bearer token",
			EnvVars:  []string{"VNETD_MCP_TOKEN"},
			AssignTo: &mcpAuthToken,
		},
		&cli.StringFlag{
			Name:     "api-token",
			Usage:    "API bearer token",
			EnvVars:  []string{"VNETD_API_TOKEN"},
			AssignTo: &apiAuthToken,
		},
		&cli.StringFlag{
			Name:     "reconcile-schedule",
			Usage:    "Cron schedule for the orphan reconciler, \"off\" disables it (default " + worker.DefaultReconcileSchedule + ")",
			EnvVars:  []string{"VNETD_RECONCILE_SCHEDULE"},
			AssignTo: &reconcileSchedule,
		},
		&cli.IntFlag{
			Name:     "reconcile-workers",
			Usage:    "Concurrent release jobs during a reconcile pass",
			EnvVars:  []string{"VNETD_RECONCILE_WORKERS"},
			AssignTo: &reconcileWorkers,
		},
		&cli.StringFlag{
			Name:     "config",
			Usage:    "YAML configuration file",
			EnvVars:  []string{"VNETD_CONFIG"},
			AssignTo: &configFile,
		},
		&cli.StringFlag{
			Name:     "pool-address-space",
			Usage:    "IPv4 prefix carved into transport link blocks (default " + transport.DefaultAddressSpace + ")",
			EnvVars:  []string{"VNETD_POOL_ADDRESS_SPACE"},
			AssignTo: &pool.AddressSpace,
		},
		&cli.IntFlag{
			Name:     "pool-block-prefix",
			Usage:    "Prefix length of each transport link block",
			EnvVars:  []string{"VNETD_POOL_BLOCK_PREFIX"},
			AssignTo: &pool.BlockPrefix,
		},
		&cli.IntFlag{
			Name:     "pool-port-start",
			Usage:    "First UDP port handed out",
			EnvVars:  []string{"VNETD_POOL_PORT_START"},
			AssignTo: &pool.PortStart,
		},
		&cli.IntFlag{
			Name:     "pool-port-end",
			Usage:    "Last UDP port handed out",
			EnvVars:  []string{"VNETD_POOL_PORT_END"},
			AssignTo: &pool.PortEnd,
		},
		&cli.IntFlag{
			Name:     "pool-bindings-per-link",
			Usage:    "Port bindings available on each network",
			EnvVars:  []string{"VNETD_POOL_BINDINGS_PER_LINK"},
			AssignTo: &pool.BindingsPerLink,
		},
	}
}

// Load builds the configuration from the parsed flags, layered over the
// YAML file named by --config when one is given
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:           dataDir,
		ListenAddr:        listenAddr,
		StorageBackend:    storageBackend,
		PostgresDSN:       postgresDSN,
		MCPAuthToken:      mcpAuthToken,
		APIAuthToken:      apiAuthToken,
		ReconcileSchedule: reconcileSchedule,
		ReconcileWorkers:  reconcileWorkers,
		ConfigFile:        configFile,
		Pool:              pool,
	}

	if cfg.ConfigFile != "" {
		file, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.merge(file)
	}

	if cfg.ReconcileSchedule == "" {
		cfg.ReconcileSchedule = worker.DefaultReconcileSchedule
	}
	if cfg.ReconcileWorkers <= 0 {
		cfg.ReconcileWorkers = defaultReconcileWorkers
	}
	return cfg, nil
}

// LoadFile reads a YAML configuration file
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var file File
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &file, nil
}

// merge fills every setting left unset by flags from the file
func (c *Config) merge(f *File) {
	if c.Pool.AddressSpace == "" {
		c.Pool.AddressSpace = f.Pool.AddressSpace
	}
	if c.Pool.BlockPrefix == 0 {
		c.Pool.BlockPrefix = f.Pool.BlockPrefix
	}
	if c.Pool.PortStart == 0 {
		c.Pool.PortStart = f.Pool.PortStart
	}
	if c.Pool.PortEnd == 0 {
		c.Pool.PortEnd = f.Pool.PortEnd
	}
	if c.Pool.BindingsPerLink == 0 {
		c.Pool.BindingsPerLink = f.Pool.BindingsPerLink
	}
	if c.ReconcileSchedule == "" {
		c.ReconcileSchedule = f.Reconcile.Schedule
	}
	if c.ReconcileWorkers == 0 {
		c.ReconcileWorkers = f.Reconcile.Workers
	}
}

// IsMCPEnabled checks if MCP authentication is configured
func (c *Config) IsMCPEnabled() bool {
	return c.MCPAuthToken != ""
}

// IsAPIAuthEnabled checks if API authentication is configured
func (c *Config) IsAPIAuthEnabled() bool {
	return c.APIAuthToken != ""
}

// IsReconcileEnabled reports whether the reconciler runs on a schedule
func (c *Config) IsReconcileEnabled() bool {
	return c.ReconcileSchedule != "off"
}
