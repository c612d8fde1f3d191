package main

import (
	"context"
	"os"

	"github.com/martinsuchenak/vnetd/cmd/network"
	"github.com/martinsuchenak/vnetd/cmd/pool"
	"github.com/martinsuchenak/vnetd/cmd/port"
	"github.com/martinsuchenak/vnetd/cmd/server"
	"github.com/martinsuchenak/vnetd/internal/client"
	"github.com/martinsuchenak/vnetd/internal/log"
	"github.com/paularlott/cli"
	"github.com/paularlott/cli/env"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Load .env file if it exists
	env.Load()

	// Initialize structured logging
	log.Configure("info", "console")

	rootCmd := &cli.Command{
		Name:        "vnetd",
		Version:     version,
		Usage:       "Virtual network resource allocator",
		Description: "Allocates tenant networks, ports and their UDP transport resources, with a REST API, MCP server and CLI",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:         "log-level",
				Usage:        "Log level (trace, debug, info, warn, error)",
				DefaultValue: "info",
				EnvVars:      []string{"VNETD_LOG_LEVEL"},
				Global:       true,
			},
			&cli.StringFlag{
				Name:         "log-format",
				Usage:        "Log format (console, json)",
				DefaultValue: "console",
				EnvVars:      []string{"VNETD_LOG_FORMAT"},
				Global:       true,
			},
		},
		PreRun: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logLevel := cmd.GetString("log-level")
			logFormat := cmd.GetString("log-format")
			log.Configure(logLevel, logFormat)
			log.Debug("vnetd starting", "version", version, "commit", commit, "date", date)
			return ctx, nil
		},
		Commands: []*cli.Command{
			server.Command(),
			{
				Name:        "network",
				Usage:       "Network management commands",
				Description: "Manage a tenant's networks",
				Flags:       client.Flags(),
				Commands:    network.Commands(),
			},
			{
				Name:        "port",
				Usage:       "Port management commands",
				Description: "Manage the ports of a tenant's networks",
				Flags:       client.Flags(),
				Commands:    port.Commands(),
			},
			{
				Name:        "pool",
				Usage:       "Transport pool commands",
				Description: "Inspect and reconcile the transport pool",
				Flags:       client.Flags(),
				Commands:    pool.Commands(),
			},
		},
	}

	if err := rootCmd.Execute(context.Background()); err != nil {
		log.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}
