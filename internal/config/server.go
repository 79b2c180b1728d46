package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"gwi.com/chat-memory/internal/core"
)

// Server holds CLI flags for the HTTP server and the request path
type Server struct {
	addr          string
	historyWindow int
	enrichTimeout time.Duration
}

func (s *Server) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "HTTP server address; a bare port such as 8080 listens on all interfaces",
			Value:       ":8080",
			Sources:     cli.EnvVars("HTTP_ADDR", "HTTP_PORT"),
			Destination: &s.addr,
		},
		&cli.IntFlag{
			Name:        "history-window",
			Usage:       "Most recent messages sent to the model with each turn; 0 sends all",
			Value:       core.DefaultHistoryWindow,
			Sources:     cli.EnvVars("HISTORY_WINDOW"),
			Destination: &s.historyWindow,
		},
		&cli.DurationFlag{
			Name:        "enrich-timeout",
			Usage:       "Upper bound for enriching one exchange in the background",
			Value:       core.DefaultEnrichTimeout,
			Sources:     cli.EnvVars("ENRICH_TIMEOUT"),
			Destination: &s.enrichTimeout,
		},
	}
}

func (s *Server) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("addr", s.addr),
		slog.Int("history_window", s.historyWindow),
		slog.Duration("enrich_timeout", s.enrichTimeout),
	}
}

func (s *Server) Addr() string {
	if s.addr != "" && !strings.Contains(s.addr, ":") {
		return ":" + s.addr
	}
	return s.addr
}

func (s *Server) HistoryWindow() int           { return s.historyWindow }
func (s *Server) EnrichTimeout() time.Duration { return s.enrichTimeout }
