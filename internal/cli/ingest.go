package cli

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"gwi.com/chat-memory/internal/config"
	"gwi.com/chat-memory/internal/core"
	"gwi.com/chat-memory/internal/utils/logging"
)

func cmdIngest() *cli.Command {
	var file string
	var owner string
	var interval time.Duration
	var indexCfg config.Index
	var llmCfg config.LLM

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "Markdown file with a single-column table, one memory per row",
			Value:       "data.md",
			Destination: &file,
		},
		&cli.StringFlag{
			Name:        "owner",
			Usage:       "Owner whose memory receives the rows",
			Required:    true,
			Destination: &owner,
		},
		&cli.DurationFlag{
			Name:        "interval",
			Usage:       "Delay between embedding calls",
			Value:       core.DefaultIngestInterval,
			Destination: &interval,
		},
	}
	flags = append(flags, indexCfg.Flags()...)
	flags = append(flags, llmCfg.Flags()...)

	return &cli.Command{
		Name:  "ingest",
		Usage: "Seed an owner's long-term memory from a markdown table",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := logging.Default()

			idx, err := indexCfg.Configure(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to load semantic index")
			}
			defer func() {
				if err := idx.Close(); err != nil {
					logger.Error("failed to close semantic index", "error", err)
				}
			}()

			llm, closeLLM, err := llmCfg.Configure(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to initialize LLM gateway")
			}
			defer closeLLM()

			n, err := core.NewIngester(idx, llm, interval).IngestFile(ctx, file, owner)
			if err != nil {
				return goerr.Wrap(err, "ingestion failed", goerr.V("file", file))
			}
			logger.Info("Ingestion complete", "file", file, "owner", owner, "ingested", n)
			return nil
		},
	}
}
