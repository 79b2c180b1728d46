package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"gwi.com/chat-memory/internal/index"
	"gwi.com/chat-memory/internal/store"
	"gwi.com/chat-memory/internal/utils/async"
	"gwi.com/chat-memory/internal/utils/logging"
)

const (
	DefaultEnrichTimeout = 2 * time.Minute

	titleTopicCount      = 3
	titleTopicSeparator  = " · "
	titleMessageCount    = 3
	maxTitleWords        = 6
	titleSystemPrompt    = "You are a chat title generator. Generate a short, clear chat title."
	titleUserPromptStart = "Create a short chat title (maximum 6 words).\n" +
		"Do NOT use quotes.\n" +
		"Do NOT end with punctuation.\n\n" +
		"User messages:\n"
)

// Exchange is one stored user message and the assistant reply to it.
type Exchange struct {
	SessionID         string
	Owner             store.Owner
	UserSequence      int64
	UserText          string
	AssistantSequence int64
	AssistantText     string
}

// Enricher accepts exchanges for background processing.
type Enricher interface {
	Schedule(ctx context.Context, ex Exchange)
}

// Pipeline derives topics, a title and semantic memories from each exchange.
// It runs after the reply has been returned and never affects it.
type Pipeline struct {
	store   store.ConversationStore
	index   index.Index
	gateway Gateway
	timeout time.Duration
	jobs    async.Group
}

var _ Enricher = (*Pipeline)(nil)

func NewPipeline(st store.ConversationStore, idx index.Index, gateway Gateway, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultEnrichTimeout
	}
	return &Pipeline{
		store:   st,
		index:   idx,
		gateway: gateway,
		timeout: timeout,
	}
}

// Schedule runs the pipeline for ex in the background. The job keeps the
// caller's logger but not its cancellation.
func (p *Pipeline) Schedule(ctx context.Context, ex Exchange) {
	p.jobs.Go(ctx, "enrich", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.Run(ctx, ex)
	})
}

// Wait blocks until every scheduled job has finished.
func (p *Pipeline) Wait() {
	p.jobs.Wait()
}

// Run enriches one exchange. Topic linking and memory indexing are
// independent; a failure in one does not stop the other.
func (p *Pipeline) Run(ctx context.Context, ex Exchange) error {
	ctx = logging.With(ctx, logging.From(ctx).With(
		store.SessionIDKey, ex.SessionID,
		store.SequenceKey, ex.UserSequence,
	))

	var g errgroup.Group
	g.Go(func() error {
		return p.linkTopics(ctx, ex)
	})
	g.Go(func() error {
		return p.remember(ctx, ex)
	})
	return g.Wait()
}

func (p *Pipeline) linkTopics(ctx context.Context, ex Exchange) error {
	topics, err := p.gateway.ExtractTopics(ctx, ex.UserText)
	if err != nil {
		return goerr.Wrap(err, "failed to extract topics")
	}
	if len(topics) == 0 {
		logging.From(ctx).Debug("no topics extracted")
		return nil
	}

	if err := p.store.LinkTopics(ctx, ex.SessionID, ex.Owner, ex.UserSequence, topics); err != nil {
		return goerr.Wrap(err, "failed to link topics", goerr.V("topics", topics))
	}

	title := TitleFromTopics(topics)
	stored, err := p.store.SetTitleIfAbsent(ctx, ex.SessionID, ex.Owner, title)
	if err != nil {
		return goerr.Wrap(err, "failed to set title", goerr.V("title", title))
	}
	if stored == title {
		logging.From(ctx).Debug("session titled from topics", "title", title)
	}
	return nil
}

func (p *Pipeline) remember(ctx context.Context, ex Exchange) error {
	userErr := p.rememberMessage(ctx, ex.Owner, ex.SessionID, ex.UserSequence, ex.UserText)
	assistantErr := p.rememberMessage(ctx, ex.Owner, ex.SessionID, ex.AssistantSequence, ex.AssistantText)
	return errors.Join(userErr, assistantErr)
}

func (p *Pipeline) rememberMessage(ctx context.Context, owner store.Owner, sessionID string, seq int64, text string) error {
	embedding, err := p.gateway.Embed(ctx, text)
	if err != nil {
		return goerr.Wrap(err, "failed to embed message", goerr.V(store.SequenceKey, seq))
	}

	key := index.MessageKey(sessionID, seq)
	if err := p.index.Add(ctx, owner, key, text, embedding); err != nil {
		return goerr.Wrap(err, "failed to index message", goerr.V("key", key))
	}
	return nil
}

// TitleFromTopics joins the first three topics.
func TitleFromTopics(topics []string) string {
	if len(topics) == 0 {
		return store.DefaultTitle
	}
	if len(topics) > titleTopicCount {
		topics = topics[:titleTopicCount]
	}
	return strings.Join(topics, titleTopicSeparator)
}

// TitleFromFirstMessages asks the model for a title based on the first three
// user messages. Sessions with fewer user messages get the default title.
func (p *Pipeline) TitleFromFirstMessages(ctx context.Context, sessionID string, owner store.Owner) (string, error) {
	title, _, err := p.titleFromFirstMessages(ctx, sessionID, owner)
	return title, err
}

// ApplyTitleFromFirstMessages stores the title from TitleFromFirstMessages
// unless the session already has one or has fewer than three user messages.
// It returns the title the session shows afterwards.
func (p *Pipeline) ApplyTitleFromFirstMessages(ctx context.Context, sessionID string, owner store.Owner) (string, error) {
	session, err := p.store.GetSession(ctx, sessionID, owner)
	if err != nil {
		return "", err
	}
	if session.Title != nil {
		return *session.Title, nil
	}

	title, generated, err := p.titleFromFirstMessages(ctx, sessionID, owner)
	if err != nil || !generated {
		return title, err
	}

	stored, err := p.store.SetTitleIfAbsent(ctx, sessionID, owner, title)
	if err != nil {
		return "", goerr.Wrap(err, "failed to set title", goerr.V("title", title))
	}
	return stored, nil
}

func (p *Pipeline) titleFromFirstMessages(ctx context.Context, sessionID string, owner store.Owner) (string, bool, error) {
	texts, err := p.store.FirstUserMessages(ctx, sessionID, owner, titleMessageCount)
	if err != nil {
		return "", false, err
	}
	if len(texts) < titleMessageCount {
		return store.DefaultTitle, false, nil
	}

	var prompt strings.Builder
	prompt.WriteString(titleUserPromptStart)
	for i, text := range texts {
		fmt.Fprintf(&prompt, "%d. %s\n", i+1, text)
	}

	raw, err := p.gateway.GenerateReply(ctx, []Turn{
		{Role: RoleSystem, Text: titleSystemPrompt},
		{Role: RoleUser, Text: strings.TrimSuffix(prompt.String(), "\n")},
	})
	if err != nil {
		return "", false, err
	}

	title := cleanTitle(raw)
	if title == "" {
		return store.DefaultTitle, false, nil
	}
	return title, true, nil
}

var titleQuotes = strings.NewReplacer(`"`, "", "`", "", "“", "", "”", "")

// cleanTitle removes quotes and trailing punctuation and keeps at most six
// words. Apostrophes inside words survive.
func cleanTitle(raw string) string {
	words := make([]string, 0, maxTitleWords)
	for _, word := range strings.Fields(titleQuotes.Replace(raw)) {
		if word = strings.Trim(word, "'‘’"); word != "" {
			words = append(words, word)
		}
		if len(words) == maxTitleWords {
			break
		}
	}
	return strings.TrimRight(strings.Join(words, " "), ".!?,;: '‘’")
}
