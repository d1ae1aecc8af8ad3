package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/raibid-labs/raibid/clicommand"
	"github.com/raibid-labs/raibid/version"
)

func main() {
	app := cli.NewApp()
	app.Name = "raibid"
	app.Usage = "Self-hosted CI dispatcher and build agents"
	app.Version = version.FullVersion()
	app.Commands = clicommand.RaibidCommands

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
