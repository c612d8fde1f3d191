package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/martinsuchenak/vnetd/internal/client"
	"github.com/martinsuchenak/vnetd/internal/log"
	"github.com/martinsuchenak/vnetd/internal/model"
	"github.com/paularlott/cli"
)

func Commands() []*cli.Command {
	return []*cli.Command{
		ListCommand(),
		CreateCommand(),
		GetCommand(),
		LinkCommand(),
		UpdateCommand(),
		DeleteCommand(),
	}
}

// connect builds a tenant-scoped client from the global flags
func connect(cmd *cli.Command) (*client.Client, *client.Printer, error) {
	if cmd.GetString("tenant") == "" {
		return nil, nil, errors.New("--tenant is required")
	}
	return client.FromCommand(cmd)
}

func ListCommand() *cli.Command {
	return &cli.Command{
		Name:        "list",
		Usage:       "List networks",
		Description: "List the networks owned by the tenant",
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := connect(cmd)
			if err != nil {
				return err
			}
			networks, err := c.ListNetworks(ctx)
			if err != nil {
				return err
			}
			return out.Networks(networks)
		},
	}
}

func CreateCommand() *cli.Command {
	return &cli.Command{
		Name:        "create",
		Usage:       "Create a network",
		Description: "Create a network and allocate its transport link",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "name", Required: true},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := connect(cmd)
			if err != nil {
				return err
			}
			name := cmd.GetStringArg("name")
			log.Debug("Creating network", "name", name, "server", cmd.GetString("server"))

			network, err := c.CreateNetwork(ctx, name)
			if err != nil {
				return err
			}
			log.Info("Network created", "name", network.Name, "id", network.ID)
			return out.Network(network)
		},
	}
}

func GetCommand() *cli.Command {
	return &cli.Command{
		Name:        "get",
		Usage:       "Get a network",
		Description: "Show a network with its transport link and ports",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := connect(cmd)
			if err != nil {
				return err
			}
			network, err := c.GetNetwork(ctx, cmd.GetStringArg("id"))
			if err != nil {
				return err
			}
			return out.Network(network)
		},
	}
}

func LinkCommand() *cli.Command {
	return &cli.Command{
		Name:        "link",
		Usage:       "Show a network's transport link",
		Description: "Show the address block and port window reserved for a network",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := connect(cmd)
			if err != nil {
				return err
			}
			link, err := c.GetNetworkLink(ctx, cmd.GetStringArg("id"))
			if err != nil {
				return err
			}
			return out.Link(link)
		},
	}
}

func UpdateCommand() *cli.Command {
	return &cli.Command{
		Name:        "update",
		Usage:       "Update a network",
		Description: "Rename a network or change its status",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "Network name"},
			&cli.StringFlag{Name: "status", Usage: "Network status (DOWN, ACTIVE, BUILD, ERROR)"},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := connect(cmd)
			if err != nil {
				return err
			}

			var update model.NetworkUpdate
			if name := cmd.GetString("name"); name != "" {
				update.Name = &name
			}
			if status := cmd.GetString("status"); status != "" {
				update.Status = &status
			}
			if update.Name == nil && update.Status == nil {
				return fmt.Errorf("nothing to update, pass --name or --status")
			}

			network, err := c.UpdateNetwork(ctx, cmd.GetStringArg("id"), update)
			if err != nil {
				return err
			}
			log.Info("Network updated", "id", network.ID)
			return out.Network(network)
		},
	}
}

func DeleteCommand() *cli.Command {
	return &cli.Command{
		Name:        "delete",
		Usage:       "Delete a network",
		Description: "Delete a network with its ports and release its transport link",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, _, err := connect(cmd)
			if err != nil {
				return err
			}
			id := cmd.GetStringArg("id")

			network, err := c.DeleteNetwork(ctx, id)
			if err != nil {
				return err
			}
			log.Info("Network deleted", "id", id)
			fmt.Printf("Network deleted: %s (%d ports removed)\n", network.Name, len(network.Ports))
			return nil
		},
	}
}
