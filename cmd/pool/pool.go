package pool

import (
	"context"

	"github.com/martinsuchenak/vnetd/internal/client"
	"github.com/martinsuchenak/vnetd/internal/log"
	"github.com/paularlott/cli"
)

func Commands() []*cli.Command {
	return []*cli.Command{
		StatsCommand(),
		ReconcileCommand(),
	}
}

func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:        "stats",
		Usage:       "Show transport pool usage",
		Description: "Show how many address blocks, port windows and bindings are leased",
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := client.FromCommand(cmd)
			if err != nil {
				return err
			}
			stats, err := c.PoolStats(ctx)
			if err != nil {
				return err
			}
			return out.Stats(stats)
		},
	}
}

func ReconcileCommand() *cli.Command {
	return &cli.Command{
		Name:        "reconcile",
		Usage:       "Release orphaned transport leases",
		Description: "Run one reconcile pass on the server and print its report",
		Run: func(ctx context.Context, cmd *cli.Command) error {
			c, out, err := client.FromCommand(cmd)
			if err != nil {
				return err
			}
			report, err := c.Reconcile(ctx)
			if err != nil {
				return err
			}
			log.Info("Reconcile finished", "released_links", len(report.ReleasedLinks), "released_bindings", len(report.ReleasedBindings))
			return out.Value(report)
		},
	}
}
