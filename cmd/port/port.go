package port

import (
	"context"
	"encoding/json"
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
		UpdateCommand(),
		DeleteCommand(),
		PlugCommand(),
		UnplugCommand(),
		BindingCommand(),
		AttributesCommand(),
	}
}

// connect builds a tenant-scoped client from the global flags
func connect(cmd *cli.Command) (*client.Client, *client.Printer, error) {
	if cmd.GetString("tenant") == "" {
		return nil, nil, errors.New("--tenant is required")
	}
	return client.FromCommand(cmd)
}

func networkArg() cli.Argument {
	return &cli.StringArg{Name: "network", Required: true}
}

func portArg() cli.Argument {
	return &cli.StringArg{Name: "port", Required: true}
}

func ListCommand() *cli.Command {
	return &cli.Command{
		Name:        "list",
		Usage:       "List ports",
		Description: "List the ports of a network",
		Arguments:   []cli.Argument{networkArg()},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := connect(cmd)
			if err != nil {
				return err
			}
			ports, err := c.ListPorts(ctx, cmd.GetStringArg("network"))
			if err != nil {
				return err
			}
			return out.Ports(ports)
		},
	}
}

func CreateCommand() *cli.Command {
	return &cli.Command{
		Name:        "create",
		Usage:       "Create a port",
		Description: "Create a port and allocate its transport binding",
		Arguments:   []cli.Argument{networkArg()},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "admin-state", Usage: "Administrative state (UP, DOWN)", DefaultValue: model.PortUp},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := connect(cmd)
			if err != nil {
				return err
			}
			networkID := cmd.GetStringArg("network")

			port, err := c.CreatePort(ctx, networkID, cmd.GetString("admin-state"))
			if err != nil {
				return err
			}
			log.Info("Port created", "network", networkID, "id", port.ID)
			return out.Port(port)
		},
	}
}

func GetCommand() *cli.Command {
	return &cli.Command{
		Name:        "get",
		Usage:       "Get a port",
		Description: "Show a port and its operational status",
		Arguments:   []cli.Argument{networkArg(), portArg()},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := connect(cmd)
			if err != nil {
				return err
			}
			port, err := c.GetPort(ctx, cmd.GetStringArg("network"), cmd.GetStringArg("port"))
			if err != nil {
				return err
			}
			return out.Port(port)
		},
	}
}

func UpdateCommand() *cli.Command {
	return &cli.Command{
		Name:        "update",
		Usage:       "Update a port",
		Description: "Change the administrative state or transport status of a port",
		Arguments:   []cli.Argument{networkArg(), portArg()},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "admin-state", Usage: "Administrative state (UP, DOWN)"},
			&cli.StringFlag{Name: "status", Usage: "Transport status (UP, DOWN)"},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := connect(cmd)
			if err != nil {
				return err
			}

			var update model.PortUpdate
			if state := cmd.GetString("admin-state"); state != "" {
				update.AdminState = &state
			}
			if status := cmd.GetString("status"); status != "" {
				update.Status = &status
			}
			if update.AdminState == nil && update.Status == nil {
				return fmt.Errorf("nothing to update, pass --admin-state or --status")
			}

			port, err := c.UpdatePort(ctx, cmd.GetStringArg("network"), cmd.GetStringArg("port"), update)
			if err != nil {
				return err
			}
			return out.Port(port)
		},
	}
}

func DeleteCommand() *cli.Command {
	return &cli.Command{
		Name:        "delete",
		Usage:       "Delete a port",
		Description: "Delete a port and release its transport binding",
		Arguments:   []cli.Argument{networkArg(), portArg()},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, _, err := connect(cmd)
			if err != nil {
				return err
			}
			portID := cmd.GetStringArg("port")
			if err := c.DeletePort(ctx, cmd.GetStringArg("network"), portID); err != nil {
				return err
			}
			log.Info("Port deleted", "id", portID)
			fmt.Println("Port deleted")
			return nil
		},
	}
}

func PlugCommand() *cli.Command {
	return &cli.Command{
		Name:        "plug",
		Usage:       "Plug an interface into a port",
		Description: "Attach a virtual interface to a port",
		Arguments: []cli.Argument{
			networkArg(),
			portArg(),
			&cli.StringArg{Name: "interface", Required: true},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := connect(cmd)
			if err != nil {
				return err
			}
			port, err := c.PlugInterface(ctx, cmd.GetStringArg("network"), cmd.GetStringArg("port"), cmd.GetStringArg("interface"))
			if err != nil {
				return err
			}
			return out.Port(port)
		},
	}
}

func UnplugCommand() *cli.Command {
	return &cli.Command{
		Name:        "unplug",
		Usage:       "Unplug the interface from a port",
		Description: "Detach the virtual interface from a port",
		Arguments:   []cli.Argument{networkArg(), portArg()},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := connect(cmd)
			if err != nil {
				return err
			}
			port, err := c.UnplugInterface(ctx, cmd.GetStringArg("network"), cmd.GetStringArg("port"))
			if err != nil {
				return err
			}
			return out.Port(port)
		},
	}
}

func BindingCommand() *cli.Command {
	return &cli.Command{
		Name:        "binding",
		Usage:       "Show a port's transport binding",
		Description: "Show the UDP four-tuple carrying a port's traffic",
		Arguments:   []cli.Argument{networkArg(), portArg()},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := connect(cmd)
			if err != nil {
				return err
			}
			binding, err := c.GetPortBinding(ctx, cmd.GetStringArg("network"), cmd.GetStringArg("port"))
			if err != nil {
				return err
			}
			return out.Binding(binding)
		},
	}
}

func AttributesCommand() *cli.Command {
	return &cli.Command{
		Name:        "attributes",
		Usage:       "Show or replace port attributes",
		Description: "Show the attributes of a port, or replace them with --set",
		Arguments:   []cli.Argument{networkArg(), portArg()},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "set", Usage: "Replace the attributes with this JSON object"},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := connect(cmd)
			if err != nil {
				return err
			}
			networkID, portID := cmd.GetStringArg("network"), cmd.GetStringArg("port")

			raw := cmd.GetString("set")
			if raw == "" {
				attrs, err := c.GetPortAttributes(ctx, networkID, portID)
				if err != nil {
					return err
				}
				return out.Attributes(attrs)
			}

			var attrs model.PortAttributes
			if err := json.Unmarshal([]byte(raw), &attrs); err != nil || attrs == nil {
				return fmt.Errorf("--set must be a JSON object")
			}
			stored, err := c.SetPortAttributes(ctx, networkID, portID, attrs)
			if err != nil {
				return err
			}
			return out.Attributes(stored)
		},
	}
}
