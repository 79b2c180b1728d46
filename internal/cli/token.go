package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"gwi.com/chat-memory/internal/config"
)

func cmdToken() *cli.Command {
	var owner string
	var authCfg config.Auth

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "owner",
			Usage:       "Owner the token authenticates as",
			Required:    true,
			Destination: &owner,
		},
	}
	flags = append(flags, authCfg.Flags()...)

	return &cli.Command{
		Name:  "token",
		Usage: "Print a bearer token for local testing",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			issuer, err := authCfg.Configure()
			if err != nil {
				return goerr.Wrap(err, "failed to configure authentication")
			}
			token, err := issuer.GenerateJWT(owner)
			if err != nil {
				return goerr.Wrap(err, "failed to generate token", goerr.V("owner", owner))
			}
			_, err = fmt.Fprintln(c.Root().Writer, token)
			return err
		},
	}
}
