package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"crewassist/internal/completion"
	"crewassist/internal/dataclient"
	"crewassist/internal/session"
	"crewassist/internal/util"
	"crewassist/pkg/domain"
)

const (
	provisionalTitleLimit = 30
	fullTitleLimit        = 50
)

// Config wires the pipeline's collaborators.
type Config struct {
	Data       *dataclient.Client
	Completion *completion.Client
	Sessions   *session.Resolver
	Nav        domain.Navigator
	Notify     domain.Notifier
	// DefaultAssistantID is used when the profile carries no assignment.
	DefaultAssistantID string
}

// Pipeline turns user input into a persisted exchange: optimistic local
// echo, server persistence, a streamed assistant reply rendered
// incrementally, and bookkeeping for titles and the free-tier counter.
type Pipeline struct {
	data               *dataclient.Client
	completion         *completion.Client
	sessions           *session.Resolver
	nav                domain.Navigator
	notify             domain.Notifier
	transcript         *Transcript
	defaultAssistantID string

	mu             sync.Mutex
	conversations  []domain.Conversation
	conversationID string
	persistedCount int
	profile        domain.Profile
	onUpdate       func([]domain.Message)
	closed         bool

	expired atomic.Bool
}

// NewPipeline constructs a Pipeline from cfg.
func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{
		data:               cfg.Data,
		completion:         cfg.Completion,
		sessions:           cfg.Sessions,
		nav:                cfg.Nav,
		notify:             cfg.Notify,
		transcript:         NewTranscript(),
		defaultAssistantID: cfg.DefaultAssistantID,
	}
}

// OnUpdate registers the consumer callback invoked with a transcript
// snapshot after every visible change.
func (p *Pipeline) OnUpdate(fn func([]domain.Message)) {
	p.mu.Lock()
	p.onUpdate = fn
	p.mu.Unlock()
}

// Close detaches the consumer. Later transcript changes are dropped instead
// of being delivered to a torn-down view.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.onUpdate = nil
	p.mu.Unlock()
}

// Messages returns a transcript snapshot.
func (p *Pipeline) Messages() []domain.Message {
	return p.transcript.Snapshot()
}

// Conversations returns a copy of the local conversation list, newest first.
func (p *Pipeline) Conversations() []domain.Conversation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Conversation, len(p.conversations))
	copy(out, p.conversations)
	return out
}

// Profile returns the most recent plan/counter snapshot seen by the
// pipeline.
func (p *Pipeline) Profile() domain.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// StartNewThread detaches from the current conversation; the next Send
// creates a fresh one lazily.
func (p *Pipeline) StartNewThread() {
	p.mu.Lock()
	p.conversationID = ""
	p.persistedCount = 0
	p.mu.Unlock()
}

// ResetAuthGuard re-arms the session-expired handler after a successful
// re-authentication.
func (p *Pipeline) ResetAuthGuard() {
	p.expired.Store(false)
}

// Send runs the full send protocol for input. It returns the error that
// aborted the flow, if any; user-visible reporting has already happened by
// then.
func (p *Pipeline) Send(ctx context.Context, input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return fmt.Errorf("message content required")
	}
	sess := p.sessions.Current()
	if sess == nil || sess.UserID == "" {
		return domain.ErrNoSession
	}
	token := sess.AccessToken

	convID, err := p.ensureConversation(ctx, token, sess.UserID, input)
	if err != nil {
		return p.failSend(ctx, err)
	}

	// Optimistic echo so the UI reflects the send instantly.
	temp := domain.Message{
		ID:             util.NewTempID(),
		ConversationID: convID,
		UserID:         sess.UserID,
		Role:           domain.RoleUser,
		Content:        input,
		Pending:        true,
		CreatedAt:      time.Now().UTC(),
	}
	p.transcript.Append(temp)
	p.publish()

	persisted, err := p.data.InsertMessage(ctx, token, domain.Message{
		ConversationID: convID,
		UserID:         sess.UserID,
		Role:           domain.RoleUser,
		Content:        input,
		CreatedAt:      temp.CreatedAt,
	})
	if err != nil {
		// Exact rollback: the transcript must match what is persisted.
		p.transcript.RemoveByID(temp.ID)
		p.publish()
		return p.failSend(ctx, err)
	}
	p.transcript.ReplaceByID(temp.ID, persisted)
	p.publish()

	if p.noteUserMessagePersisted(convID) {
		p.retitleConversation(ctx, token, convID, input)
	}

	placeholder := domain.Message{
		ID:             util.NewTempID(),
		ConversationID: convID,
		Role:           domain.RoleAssistant,
		Streaming:      true,
		CreatedAt:      time.Now().UTC(),
	}
	p.transcript.Append(placeholder)
	p.publish()

	plan, assistantID, fresh, err := p.prepareCompletion(ctx, token, sess.UserID)
	if err != nil {
		p.transcript.RemoveByID(placeholder.ID)
		p.publish()
		return p.failSend(ctx, err)
	}

	req := completion.Request{
		Content:          input,
		ConversationID:   convID,
		SubscriptionPlan: plan,
		AssistantID:      assistantID,
	}
	total, err := p.completion.Stream(ctx, fresh.AccessToken, req, func(cumulative string) {
		// Cumulative replace: already-seen text is never re-appended.
		if p.transcript.SetContent(placeholder.ID, cumulative) {
			p.publish()
		}
	})
	if err != nil {
		p.transcript.RemoveByID(placeholder.ID)
		p.publish()
		return p.failSend(ctx, err)
	}
	p.transcript.FinishStreaming(placeholder.ID, total)
	p.publish()

	stored, err := p.data.InsertMessage(ctx, fresh.AccessToken, domain.Message{
		ConversationID: convID,
		Role:           domain.RoleAssistant,
		Content:        total,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrAuthExpired) {
			p.handleAuthExpired(ctx)
			return err
		}
		// The reply is already on screen; only its persistence failed.
		p.notify.RetryableError("The assistant's reply could not be saved. Please try again.")
		return err
	}
	p.transcript.ReplaceByID(placeholder.ID, stored)
	p.publish()
	p.touchConversation(convID)

	if plan == domain.PlanFree {
		if count, err := p.data.IncrementQueryCount(ctx, fresh.AccessToken, sess.UserID); err != nil {
			slog.Warn("query counter increment failed", "error", err)
		} else {
			p.mu.Lock()
			p.profile.QueryCount = count
			p.mu.Unlock()
		}
	}
	return nil
}

// prepareCompletion runs the read-only plan/assistant lookup and the session
// fetch concurrently. An absent session is an authentication failure.
func (p *Pipeline) prepareCompletion(ctx context.Context, token, userID string) (domain.SubscriptionPlan, string, *domain.Session, error) {
	var (
		prof  domain.Profile
		found bool
		fresh *domain.Session
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		prof, found, err = p.data.GetProfileByID(gctx, token, userID)
		return err
	})
	g.Go(func() error {
		fresh = p.sessions.GetSession(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", "", nil, err
	}
	if fresh == nil {
		return "", "", nil, domain.ErrAuthExpired
	}
	plan := domain.PlanFree
	assistantID := p.defaultAssistantID
	if found {
		plan = prof.SubscriptionPlan
		if prof.AssistantID != "" {
			assistantID = prof.AssistantID
		}
		p.mu.Lock()
		p.profile = prof
		p.mu.Unlock()
	}
	return plan, assistantID, fresh, nil
}

// ensureConversation lazily creates a conversation on the first message of a
// new thread, with a provisional title, and inserts it at the head of the
// local list.
func (p *Pipeline) ensureConversation(ctx context.Context, token, userID, input string) (string, error) {
	p.mu.Lock()
	existing := p.conversationID
	p.mu.Unlock()
	if existing != "" {
		return existing, nil
	}
	now := time.Now().UTC()
	conv := domain.Conversation{
		ID:            util.NewID(),
		UserID:        userID,
		Title:         truncateTitle(input, provisionalTitleLimit),
		LastMessageAt: &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	stored, err := p.data.InsertConversation(ctx, token, conv)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.conversationID = stored.ID
	p.persistedCount = 0
	p.conversations = append([]domain.Conversation{stored}, p.conversations...)
	p.mu.Unlock()
	return stored.ID, nil
}

// retitleConversation re-derives the longer title after the first persisted
// message. A failure here never aborts the send, but an expired token still
// routes to the auth path.
func (p *Pipeline) retitleConversation(ctx context.Context, token, convID, input string) {
	title := truncateTitle(input, fullTitleLimit)
	if err := p.data.UpdateConversationTitle(ctx, token, convID, title); err != nil {
		if errors.Is(err, domain.ErrAuthExpired) {
			p.handleAuthExpired(ctx)
			return
		}
		slog.Warn("conversation retitle failed", "conversation_id", convID, "error", err)
		return
	}
	p.mu.Lock()
	for i := range p.conversations {
		if p.conversations[i].ID == convID {
			p.conversations[i].Title = title
			break
		}
	}
	p.mu.Unlock()
}

// noteUserMessagePersisted reports whether this was the conversation's first
// persisted message.
func (p *Pipeline) noteUserMessagePersisted(convID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conversationID != convID {
		return false
	}
	p.persistedCount++
	return p.persistedCount == 1
}

func (p *Pipeline) touchConversation(convID string) {
	now := time.Now().UTC()
	p.mu.Lock()
	for i := range p.conversations {
		if p.conversations[i].ID == convID {
			p.conversations[i].LastMessageAt = &now
			p.conversations[i].UpdatedAt = now
			break
		}
	}
	p.mu.Unlock()
}

// failSend routes a send failure. The auth path takes precedence over all
// other handling; everything else surfaces a retryable notice.
func (p *Pipeline) failSend(ctx context.Context, err error) error {
	if errors.Is(err, domain.ErrAuthExpired) {
		p.handleAuthExpired(ctx)
		return err
	}
	p.notify.RetryableError("Something went wrong sending your message. Please try again.")
	return err
}

// handleAuthExpired is the coordinated sign-out path. It is idempotent:
// concurrent triggers from multiple pipeline stages perform exactly one
// sign-out.
func (p *Pipeline) handleAuthExpired(ctx context.Context) {
	if !p.expired.CompareAndSwap(false, true) {
		return
	}
	p.notify.Notice("Your session has expired. Please sign in again.")
	p.sessions.SignOut(ctx)
	p.nav.GoToSignIn(domain.FlowResuming{ReturnPath: p.returnPath()})
}

func (p *Pipeline) returnPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conversationID == "" {
		return "/chat"
	}
	return "/chat/" + p.conversationID
}

// publish delivers a transcript snapshot to the registered consumer, unless
// the pipeline has been closed.
func (p *Pipeline) publish() {
	p.mu.Lock()
	fn := p.onUpdate
	closed := p.closed
	p.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(p.transcript.Snapshot())
}

// truncateTitle derives a single-line title of at most limit runes.
func truncateTitle(input string, limit int) string {
	text := strings.TrimSpace(strings.ReplaceAll(input, "\n", " "))
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return strings.TrimSpace(string(runes[:limit]))
}
