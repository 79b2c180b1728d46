package config

import (
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"gwi.com/chat-memory/internal/auth"
)

// Auth holds CLI flags for bearer token issuing and validation
type Auth struct {
	secret string `masq:"secret"`
	ttl    time.Duration
}

func (a *Auth) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "jwt-secret",
			Usage:       "HMAC secret for signing and validating bearer tokens",
			Sources:     cli.EnvVars("JWT_SECRET"),
			Destination: &a.secret,
		},
		&cli.DurationFlag{
			Name:        "token-ttl",
			Usage:       "Lifetime of issued tokens",
			Value:       auth.DefaultTokenTTL,
			Sources:     cli.EnvVars("JWT_TTL"),
			Destination: &a.ttl,
		},
	}
}

func (a *Auth) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.Bool("secret_set", a.secret != ""),
		slog.Duration("token_ttl", a.ttl),
	}
}

func (a *Auth) Configure() (*auth.Issuer, error) {
	if a.secret == "" {
		return nil, goerr.New("jwt-secret is required")
	}
	return auth.NewIssuer(a.secret, a.ttl)
}
