package core

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"gwi.com/chat-memory/internal/index"
	"gwi.com/chat-memory/internal/store"
	"gwi.com/chat-memory/internal/utils/logging"
)

// DefaultIngestInterval keeps embedding requests under 1500 per minute.
const DefaultIngestInterval = 40 * time.Millisecond

// Ingester seeds an owner's semantic memory from a document.
type Ingester struct {
	index    index.Index
	gateway  Gateway
	interval time.Duration
}

func NewIngester(idx index.Index, gateway Gateway, interval time.Duration) *Ingester {
	if interval <= 0 {
		interval = DefaultIngestInterval
	}
	return &Ingester{index: idx, gateway: gateway, interval: interval}
}

// IngestKey is the memory key of the n-th row, counted from 1, of one
// ingestion run. Keys from different runs never collide.
func IngestKey(run string, n int) string {
	return fmt.Sprintf("ingest:%s:%d", run, n)
}

// IngestFile embeds every row of a single-column markdown table into the
// owner's memory. Rows that fail to embed are skipped.
func (i *Ingester) IngestFile(ctx context.Context, path string, owner store.Owner) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to read data file", goerr.V("path", path))
	}
	return i.Ingest(ctx, ParseMarkdownTable(string(content)), owner)
}

func (i *Ingester) Ingest(ctx context.Context, rows []string, owner store.Owner) (int, error) {
	logger := logging.From(ctx)
	if len(rows) == 0 {
		logger.Warn("no rows to ingest; expected a markdown table with a text column")
		return 0, nil
	}
	run := uuid.NewString()
	logger.Info("embedding rows", "rows", len(rows), "run", run, store.OwnerKey, owner)

	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	count := 0
	for n, row := range rows {
		select {
		case <-ctx.Done():
			return count, goerr.Wrap(ctx.Err(), "ingestion interrupted", goerr.V("ingested", count))
		case <-ticker.C:
		}

		embedding, err := i.gateway.Embed(ctx, row)
		if err != nil {
			logger.Warn("failed to embed row, skipping", "row", n+1, "error", err)
			continue
		}
		if err := i.index.Add(ctx, owner, IngestKey(run, n+1), row, embedding); err != nil {
			return count, goerr.Wrap(err, "failed to store row", goerr.V("row", n+1))
		}

		count++
		if count%100 == 0 {
			logger.Info("ingestion progress", "ingested", count, "total", len(rows))
		}
	}

	logger.Info("ingestion finished", "ingested", count)
	return count, nil
}

// ParseMarkdownTable returns the first cell of every body row of a markdown
// table. The header row and the separator row are skipped.
func ParseMarkdownTable(content string) []string {
	var rows []string
	for i, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		lower := strings.ToLower(trimmed)
		if i == 0 && strings.Contains(trimmed, "|") && (strings.Contains(lower, "text") || strings.Contains(lower, "content")) {
			continue
		}
		if i == 1 && strings.Contains(trimmed, "|") && strings.Contains(trimmed, "---") {
			continue
		}

		if !strings.HasPrefix(trimmed, "|") || !strings.HasSuffix(trimmed, "|") {
			continue
		}
		parts := strings.Split(trimmed, "|")
		if len(parts) < 3 {
			continue
		}
		if cell := strings.TrimSpace(parts[1]); cell != "" {
			rows = append(rows, cell)
		}
	}
	return rows
}
