package main

import (
	"github.com/urfave/cli/v2"
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the YAML config file",
		EnvVars: []string{"SHOTRELAY_CONFIG"},
	}
}

func passwordFileFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "password-file",
		Usage:   "Read the credential password from a file instead of prompting (- prompts)",
		EnvVars: []string{"SHOTRELAY_PASSWORD_FILE"},
	}
}
