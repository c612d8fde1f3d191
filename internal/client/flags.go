package client

import (
	"github.com/paularlott/cli"
)

const defaultServerURL = "http://localhost:8080"

// Flags are the connection flags shared by every client command
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:         "server",
			Usage:        "Server URL",
			EnvVars:      []string{"VNETD_SERVER_URL"},
			DefaultValue: defaultServerURL,
			Global:       true,
		},
		&cli.StringFlag{
			Name:    "api-token",
			Usage:   "API authentication token",
			EnvVars: []string{"VNETD_API_TOKEN"},
			Global:  true,
		},
		&cli.StringFlag{
			Name:    "tenant",
			Usage:   "Tenant ID",
			EnvVars: []string{"VNETD_TENANT"},
			Global:  true,
		},
		&cli.StringFlag{
			Name:         "output",
			Usage:        "Output format (auto, table, json)",
			DefaultValue: FormatAuto,
			Global:       true,
		},
	}
}

// FromCommand builds the client and printer from the connection flags
func FromCommand(cmd *cli.Command) (*Client, *Printer, error) {
	printer, err := NewPrinter(cmd.GetString("output"))
	if err != nil {
		return nil, nil, err
	}
	return New(cmd.GetString("server"), cmd.GetString("api-token"), cmd.GetString("tenant")), printer, nil
}
