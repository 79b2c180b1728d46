package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"gwi.com/chat-memory/internal/api"
	"gwi.com/chat-memory/internal/config"
	"gwi.com/chat-memory/internal/core"
	"gwi.com/chat-memory/internal/utils/logging"
)

const shutdownTimeout = 30 * time.Second

func cmdServe() *cli.Command {
	var serverCfg config.Server
	var storeCfg config.Store
	var indexCfg config.Index
	var llmCfg config.LLM
	var authCfg config.Auth

	var flags []cli.Flag
	flags = append(flags, serverCfg.Flags()...)
	flags = append(flags, storeCfg.Flags()...)
	flags = append(flags, indexCfg.Flags()...)
	flags = append(flags, llmCfg.Flags()...)
	flags = append(flags, authCfg.Flags()...)

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start HTTP server",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := logging.Default()
			logger.Info("serve configuration",
				slog.GroupAttrs("server", serverCfg.LogAttrs()...),
				slog.GroupAttrs("store", storeCfg.LogAttrs()...),
				slog.GroupAttrs("index", indexCfg.LogAttrs()...),
				slog.GroupAttrs("llm", llmCfg.LogAttrs()...),
				slog.GroupAttrs("auth", authCfg.LogAttrs()...),
			)

			issuer, err := authCfg.Configure()
			if err != nil {
				return goerr.Wrap(err, "failed to configure authentication")
			}

			st, err := storeCfg.Configure(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to initialize conversation store")
			}
			defer func() {
				if err := st.Close(); err != nil {
					logger.Error("failed to close conversation store", "error", err)
				}
			}()

			// A corrupt or mismatched index aborts startup.
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

			pipeline := core.NewPipeline(st, idx, llm, serverCfg.EnrichTimeout())
			// Runs after the server stopped accepting requests, before the
			// store and index close.
			defer pipeline.Wait()

			rag := core.NewRAGService(idx, llm, serverCfg.HistoryWindow())
			chat := core.NewChatService(st, rag, llm, pipeline)
			router := api.NewRouter(api.NewAPIHandler(chat, issuer), logger)

			srv := &http.Server{
				Addr:         serverCfg.Addr(),
				Handler:      router,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 90 * time.Second, // reply generation is bounded by reply-timeout
				IdleTimeout:  120 * time.Second,
			}
			return runServer(ctx, srv)
		},
	}
}

// runServer serves until SIGINT, SIGTERM or ctx cancellation and then
// shuts down gracefully.
func runServer(ctx context.Context, srv *http.Server) error {
	logger := logging.Default()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- goerr.Wrap(err, "failed to listen", goerr.V("addr", srv.Addr))
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "server forced to shutdown")
	}
	logger.Info("Server exited gracefully")
	return nil
}
