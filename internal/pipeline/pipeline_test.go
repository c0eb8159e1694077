package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/bookchat/internal/identity"
	"github.com/capitalize-ai/bookchat/internal/model"
	"github.com/capitalize-ai/bookchat/internal/session"
	"github.com/capitalize-ai/bookchat/internal/store"
	"github.com/capitalize-ai/bookchat/pkg/logger"
)

type fakeChannel struct {
	id string

	mu     sync.Mutex
	frames []model.Envelope
	closed bool
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Send(_ context.Context, env model.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrChannelClosed
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) Frames() []model.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Envelope, len(c.frames))
	copy(out, c.frames)
	return out
}

type fakeGenerator struct {
	reply string
	err   error
	block bool

	mu      sync.Mutex
	prompts []string
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()

	if g.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return g.reply, g.err
}

func (g *fakeGenerator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

type failingTurnStore struct{}

func (failingTurnStore) AppendTurn(context.Context, ...model.Message) ([]model.Message, error) {
	return nil, fmt.Errorf("append turn: %w", store.ErrUnavailable)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.TurnEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, event *model.TurnEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return nil
}

func (p *recordingPublisher) Types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	store     *store.SQLite
	registry  *session.Registry
	generator *fakeGenerator
	events    *recordingPublisher
	pipeline  *Pipeline
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	log := logger.NewNop()
	registry := session.NewRegistry(identity.NewResolver(s, log), session.NewHydrator(s, log), log)
	gen := &fakeGenerator{reply: "a thoughtful answer"}
	events := &recordingPublisher{}

	return &fixture{
		store:     s,
		registry:  registry,
		generator: gen,
		events:    events,
		pipeline:  NewPipeline(registry, gen, s, s, events, cfg),
	}
}

func (f *fixture) open(t *testing.T, id string, member model.MemberID, book model.BookID) (*session.Session, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{id: id}
	sess, err := f.registry.OpenSession(context.Background(), ch, member, book)
	require.NoError(t, err)
	return sess, ch
}

func defaultConfig() Config {
	return Config{ContextMessages: 5, GenerationTimeout: time.Second, ReplyLanguage: "Korean"}
}

func TestHandleInboundIgnoresBlankInput(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sess, ch := f.open(t, "ch-1", 1, 7)

	for _, text := range []string{"", "   ", "\n\t"} {
		require.NoError(t, f.pipeline.HandleInbound(context.Background(), sess, text))
	}

	assert.Empty(t, f.generator.Prompts())
	assert.Empty(t, ch.Frames())
	assert.Empty(t, f.events.Types())

	msgs, err := f.store.ListMessages(context.Background(), sess.ConversationID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHandleInboundStoresAndDeliversTurn(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	sess, origin := f.open(t, "ch-1", 1, 7)
	_, other := f.open(t, "ch-2", 1, 7)

	require.NoError(t, f.pipeline.HandleInbound(ctx, sess, "Who is Demian?"))

	assert.Equal(t, []model.Envelope{
		{Sender: model.SenderAssistant, Message: "a thoughtful answer"},
	}, origin.Frames())
	assert.Equal(t, []model.Envelope{
		{Sender: model.SenderUser, Message: "Who is Demian?"},
		{Sender: model.SenderAssistant, Message: "a thoughtful answer"},
	}, other.Frames())

	msgs, err := f.store.MessagesFor(ctx, 7, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.SenderUser, msgs[0].Sender)
	assert.Equal(t, "Who is Demian?", msgs[0].Text)
	assert.Equal(t, model.SenderAssistant, msgs[1].Sender)
	assert.Less(t, msgs[0].Sequence, msgs[1].Sequence)

	cached := f.registry.Recent(sess, 0)
	require.Len(t, cached, 2)
	assert.Equal(t, msgs[0].Sequence, cached[0].Sequence)
	assert.Equal(t, msgs[1].Sequence, cached[1].Sequence)
	assert.True(t, cached[1].CreatedAt.After(cached[0].CreatedAt))

	assert.Equal(t, []model.EventType{model.EventTypeTurnCompleted}, f.events.Types())
}

func TestHandleInboundReconnectReplaysTurn(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sess, ch := f.open(t, "ch-1", 1, 7)

	require.NoError(t, f.pipeline.HandleInbound(context.Background(), sess, "hello"))
	f.registry.CloseSession(ch)

	_, again := f.open(t, "ch-2", 1, 7)
	assert.Equal(t, []model.Envelope{
		{Sender: model.SenderUser, Message: "hello"},
		{Sender: model.SenderAssistant, Message: "a thoughtful answer"},
	}, again.Frames())
}

func TestHandleInboundGenerationFailure(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.generator.err = errors.New("provider down")
	sess, ch := f.open(t, "ch-1", 1, 7)

	err := f.pipeline.HandleInbound(context.Background(), sess, "hello")
	require.ErrorIs(t, err, ErrGenerationFailed)

	frames := ch.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, model.ErrorCodeGenerationFailed, frames[0].Error)
	assert.Equal(t, model.SenderAssistant, frames[0].Sender)

	msgs, err := f.store.ListMessages(context.Background(), sess.ConversationID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.Empty(t, f.registry.Recent(sess, 0))
	assert.Equal(t, session.StateActive, sess.State())
	assert.Equal(t, []model.EventType{model.EventTypeGenerationFailed}, f.events.Types())

	f.generator.err = nil
	require.NoError(t, f.pipeline.HandleInbound(context.Background(), sess, "hello again"))
	assert.Len(t, ch.Frames(), 2)
}

func TestHandleInboundGenerationTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.GenerationTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.generator.block = true
	sess, ch := f.open(t, "ch-1", 1, 7)

	err := f.pipeline.HandleInbound(context.Background(), sess, "hello")
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, ch.Frames(), 1)
	assert.Equal(t, model.ErrorCodeGenerationFailed, ch.Frames()[0].Error)
}

func TestHandleInboundSurvivesCanceledCaller(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sess, _ := f.open(t, "ch-1", 1, 7)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.pipeline.HandleInbound(ctx, sess, "hello"))

	msgs, err := f.store.ListMessages(context.Background(), sess.ConversationID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestHandleInboundPersistenceFailureStillDelivers(t *testing.T) {
	f := newFixture(t, defaultConfig())
	p := NewPipeline(f.registry, f.generator, failingTurnStore{}, f.store, f.events, defaultConfig())
	sess, ch := f.open(t, "ch-1", 1, 7)

	err := p.HandleInbound(context.Background(), sess, "hello")
	require.ErrorIs(t, err, ErrPersistenceFailed)
	assert.ErrorIs(t, err, store.ErrUnavailable)

	assert.Equal(t, []model.Envelope{
		{Sender: model.SenderAssistant, Message: "a thoughtful answer"},
	}, ch.Frames())

	assert.Len(t, f.registry.Recent(sess, 0), 2)

	msgs, err := f.store.ListMessages(context.Background(), sess.ConversationID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.Equal(t, []model.EventType{
		model.EventTypePersistenceFailed,
		model.EventTypeTurnCompleted,
	}, f.events.Types())
}

func TestHandleInboundContextWindow(t *testing.T) {
	cfg := defaultConfig()
	cfg.ContextMessages = 2
	f := newFixture(t, cfg)
	sess, _ := f.open(t, "ch-1", 1, 7)

	for _, text := range []string{"first question", "second question"} {
		require.NoError(t, f.pipeline.HandleInbound(context.Background(), sess, text))
	}
	f.generator.reply = "third answer"
	require.NoError(t, f.pipeline.HandleInbound(context.Background(), sess, "third question"))

	prompts := f.generator.Prompts()
	require.Len(t, prompts, 3)
	last := prompts[2]
	assert.NotContains(t, last, "first question")
	assert.Contains(t, last, "Member: second question\n")
	assert.Contains(t, last, "Book expert: a thoughtful answer\n")
	assert.Contains(t, last, "Member: third question\nBook expert:")
	assert.Contains(t, last, "Respond only in Korean.")
}

func TestHandleInboundBookIntroUsesTitle(t *testing.T) {
	f := newFixture(t, defaultConfig())
	require.NoError(t, f.store.PutBook(context.Background(), 7, "Demian"))
	sess, ch := f.open(t, "ch-1", 1, 7)

	require.NoError(t, f.pipeline.HandleInbound(context.Background(), sess, "이 책 설명해줘"))

	prompts := f.generator.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], `"Demian"`)
	assert.NotContains(t, prompts[0], "이 책 설명해줘")
	assert.Equal(t, []model.Envelope{
		{Sender: model.SenderAssistant, Message: "a thoughtful answer"},
	}, ch.Frames())
}

func TestHandleInboundBookIntroUnknownBook(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sess, ch := f.open(t, "ch-1", 1, 99)

	require.NoError(t, f.pipeline.HandleInbound(context.Background(), sess, "What is this book about?"))

	assert.Empty(t, f.generator.Prompts())
	assert.Equal(t, []model.Envelope{
		{Sender: model.SenderAssistant, Message: unknownBookText},
	}, ch.Frames())

	msgs, err := f.store.ListMessages(context.Background(), sess.ConversationID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestHandleInboundEphemeralNotPersisted(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sess, ch := f.open(t, "ch-1", 1, model.EphemeralBook)
	require.True(t, sess.Ephemeral())

	require.NoError(t, f.pipeline.HandleInbound(context.Background(), sess, "이 책 설명해줘"))

	assert.Equal(t, []model.Envelope{
		{Sender: model.SenderAssistant, Message: "a thoughtful answer"},
	}, ch.Frames())
	assert.Len(t, f.registry.Recent(sess, 0), 2)

	msgs, err := f.store.ListMessages(context.Background(), model.EphemeralConversation)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	conversations, err := f.store.ListConversations(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, conversations)
}

func TestHandleInboundClosedSession(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sess, ch := f.open(t, "ch-1", 1, 7)
	f.registry.CloseSession(ch)

	err := f.pipeline.HandleInbound(context.Background(), sess, "hello")
	assert.ErrorIs(t, err, session.ErrSessionClosed)
	assert.Empty(t, f.generator.Prompts())
}

func TestHandleInboundConcurrentTurnsKeepOrder(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sess, _ := f.open(t, "ch-1", 1, 7)
	_, watcher := f.open(t, "ch-2", 1, 7)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, f.pipeline.HandleInbound(context.Background(), sess, fmt.Sprintf("question %d", i)))
		}(i)
	}
	wg.Wait()

	msgs, err := f.store.ListMessages(context.Background(), sess.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 16)

	frames := watcher.Frames()
	require.Len(t, frames, 16)
	for i, msg := range msgs {
		assert.Equal(t, msg.Envelope(), frames[i])
	}
	for i := 0; i < len(msgs); i += 2 {
		assert.Equal(t, model.SenderUser, msgs[i].Sender)
		assert.Equal(t, model.SenderAssistant, msgs[i+1].Sender)
	}
}

// stallingPublisher holds persistence_failed events until released.
type stallingPublisher struct {
	entered chan struct{}
	release chan struct{}
}

func (p *stallingPublisher) PublishEvent(_ context.Context, event *model.TurnEvent) error {
	if event.Type != model.EventTypePersistenceFailed {
		return nil
	}
	select {
	case p.entered <- struct{}{}:
	default:
	}
	<-p.release
	return nil
}

func TestHandleInboundSlowEventBusDoesNotStallConversation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	events := &stallingPublisher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := NewPipeline(f.registry, f.generator, failingTurnStore{}, f.store, events, defaultConfig())
	sess, ch := f.open(t, "ch-1", 1, 7)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.ErrorIs(t, p.HandleInbound(context.Background(), sess, "first"), ErrPersistenceFailed)
	}()

	select {
	case <-events.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never reached the event bus")
	}

	go func() {
		defer wg.Done()
		assert.ErrorIs(t, p.HandleInbound(context.Background(), sess, "second"), ErrPersistenceFailed)
	}()

	require.Eventually(t, func() bool {
		return len(ch.Frames()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	close(events.release)
	wg.Wait()
	assert.Len(t, f.registry.Recent(sess, 0), 4)
}
