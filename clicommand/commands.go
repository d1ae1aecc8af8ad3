package clicommand

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/raibid-labs/raibid/version"
)

var RaibidCommands = []cli.Command{
	{
		Name:  "server",
		Usage: "Run the query API and webhook intake",
		Subcommands: []cli.Command{
			ServerStartCommand,
		},
	},
	{
		Name:  "agent",
		Usage: "Run build agents",
		Subcommands: []cli.Command{
			AgentStartCommand,
		},
	},
	{
		Name:  "job",
		Usage: "List, inspect, trigger, cancel and tail jobs",
		Subcommands: []cli.Command{
			JobListCommand,
			JobGetCommand,
			JobTriggerCommand,
			JobCancelCommand,
			JobLogsCommand,
		},
	},
	{
		Name:  "version",
		Usage: "Print the raibid version",
		Action: func(*cli.Context) error {
			fmt.Println(version.FullVersion())
			return nil
		},
	},
}
