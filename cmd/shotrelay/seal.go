package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/phillus33/shotrelay/internal/credential"
)

func sealCommand() *cli.Command {
	return &cli.Command{
		Name:  "seal",
		Usage: "Write a password-protected credential file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "out",
				Aliases:  []string{"o"},
				Usage:    "Credential file to write",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bot API token",
				EnvVars: []string{"TELEGRAM_API_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "channel",
				Usage:   "Chat or channel id to deliver to",
				EnvVars: []string{"TELEGRAM_CHAT_ID"},
			},
			&cli.StringFlag{
				Name:  "save-path",
				Usage: "Capture directory",
			},
			passwordFileFlag(),
		},
		Action: sealAction,
	}
}

func sealAction(c *cli.Context) error {
	secrets := credential.Secrets{
		APIToken:  c.String("token"),
		ChannelID: c.String("channel"),
		SavePath:  c.String("save-path"),
	}
	if secrets.APIToken == "" {
		return cli.Exit("--token is required", 1)
	}

	password, err := readPassword(c.String("password-file"), true)
	if err != nil {
		return err
	}

	out := c.String("out")
	if err := credential.WriteFile(out, secrets, password, credential.Params{}); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "sealed credentials written to %s\n", out)
	return nil
}
