package main

import (
	"context"
	"os"

	"gwi.com/chat-memory/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Run(context.Background(), os.Args, version); err != nil {
		os.Exit(1)
	}
}
