// Command shotrelay watches a capture directory and delivers every
// screenshot written there to the configured destinations.
//
// Usage:
//
//	shotrelay run [--config file]
//	shotrelay seal --out file
//	shotrelay unsent ls [--destination name]
//	shotrelay unsent requeue --destination name file...
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "shotrelay:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "shotrelay",
		Usage:   "At-least-once screenshot delivery",
		Version: version,
		Commands: []*cli.Command{
			runCommand(),
			sealCommand(),
			unsentCommand(),
		},
	}
}
