package cli_test

import (
	"testing"

	"github.com/m-mizutani/gt"

	"gwi.com/chat-memory/internal/cli"
)

func TestRun(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("GEMINI_API_KEY", "")

	t.Run("token requires a secret", func(t *testing.T) {
		err := cli.Run(t.Context(), []string{"chat-memory", "token", "--owner", "alice"}, "test")
		gt.Value(t, err).NotNil()
	})

	t.Run("token with secret", func(t *testing.T) {
		err := cli.Run(t.Context(), []string{"chat-memory", "token", "--owner", "alice", "--jwt-secret", "s3cret"}, "test")
		gt.NoError(t, err)
	})

	t.Run("serve rejects unknown store backend", func(t *testing.T) {
		err := cli.Run(t.Context(), []string{
			"chat-memory", "serve",
			"--jwt-secret", "s3cret",
			"--store-backend", "postgres",
		}, "test")
		gt.Value(t, err).NotNil()
	})

	t.Run("ingest requires a gemini key", func(t *testing.T) {
		err := cli.Run(t.Context(), []string{
			"chat-memory", "ingest",
			"--owner", "alice",
			"--index-backend", "memory",
		}, "test")
		gt.Value(t, err).NotNil()
	})

	t.Run("invalid log format", func(t *testing.T) {
		err := cli.Run(t.Context(), []string{"chat-memory", "--log-format", "xml", "token", "--owner", "alice"}, "test")
		gt.Value(t, err).NotNil()
	})
}
