package usecase

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-assistant/internal/domain"
)

type mockNLU struct {
	parseFunc func(ctx context.Context, prompt string) (string, error)
	replyFunc func(ctx context.Context, prompt string) (string, error)
	calls     atomic.Int64
}

func (m *mockNLU) ParseIntent(ctx context.Context, prompt string) (string, error) {
	m.calls.Add(1)
	if m.parseFunc != nil {
		return m.parseFunc(ctx, prompt)
	}
	return `{"action":"help","entity_type":"none","confidence":0.9}`, nil
}

func (m *mockNLU) GenerateReply(ctx context.Context, prompt string) (string, error) {
	m.calls.Add(1)
	if m.replyFunc != nil {
		return m.replyFunc(ctx, prompt)
	}
	return "hello!", nil
}

func (m *mockNLU) Name() string { return "mock" }

var _ domain.NLUProvider = (*mockNLU)(nil)

func failingNLU() *mockNLU {
	return &mockNLU{
		parseFunc: func(context.Context, string) (string, error) {
			return "", errors.New("connection refused")
		},
		replyFunc: func(context.Context, string) (string, error) {
			return "", errors.New("connection refused")
		},
	}
}

func TestFallbackEngagesAfterMaxFailures(t *testing.T) {
	primary := failingNLU()
	fc := NewFallbackController(primary, nil, 3, 5, nil, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.Equal(t, ModePrimary, fc.Mode(), "before failure %d", i+1)
		in, strat := fc.Parse(ctx, "prompt", "创建客户张三")
		// Degraded turns are still answered, via the rule extractor.
		assert.Equal(t, StrategyRuleBased, strat)
		assert.Equal(t, domain.ActionCreate, in.Action)
	}

	assert.Equal(t, ModeFallback, fc.Mode())
	assert.Equal(t, 3, fc.Failures())

	// In fallback mode the primary is not called (below the probe interval),
	// but the rule-based answer still counts as a success and clears the
	// failure streak.
	before := primary.calls.Load()
	fc.Parse(ctx, "prompt", "hello")
	assert.Equal(t, before, primary.calls.Load())
	assert.Equal(t, 0, fc.Failures())
}

func TestFallbackStaysPrimaryBelowThreshold(t *testing.T) {
	calls := 0
	primary := &mockNLU{parseFunc: func(context.Context, string) (string, error) {
		calls++
		if calls <= 2 {
			return "", errors.New("timeout")
		}
		return `{"action":"greeting","entity_type":"none","confidence":0.9}`, nil
	}}
	fc := NewFallbackController(primary, nil, 3, 5, nil, nil)

	ctx := context.Background()
	fc.Parse(ctx, "p", "hi")
	fc.Parse(ctx, "p", "hi")
	assert.Equal(t, ModePrimary, fc.Mode())
	assert.Equal(t, 2, fc.Failures())

	// A success resets the streak.
	fc.Parse(ctx, "p", "hi")
	assert.Equal(t, 0, fc.Failures())
}

func TestFallbackReinitializesOnFallbackSuccess(t *testing.T) {
	primary := failingNLU()
	healthy := &mockNLU{}
	rebuilds := 0
	factory := func() (domain.NLUProvider, error) {
		rebuilds++
		return healthy, nil
	}
	fc := NewFallbackController(primary, factory, 3, 5, nil, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		fc.Parse(ctx, "p", "hello")
	}
	require.Equal(t, ModeFallback, fc.Mode())

	// The next request is answered rule-based; that success clears the
	// failure streak and triggers exactly one re-initialization attempt.
	_, strat := fc.Parse(ctx, "p", "hello")
	assert.Equal(t, StrategyRuleBased, strat)
	assert.Equal(t, 1, rebuilds)
	assert.Equal(t, ModePrimary, fc.Mode())
	assert.Equal(t, 0, fc.Failures())

	// Subsequent requests go to the rebuilt provider.
	in, strat := fc.Parse(ctx, "p", "hello")
	assert.NotEqual(t, StrategyRuleBased, strat)
	assert.Equal(t, domain.ActionHelp, in.Action)
	assert.Equal(t, 1, rebuilds)
}

func TestFallbackStaysDownWhenReinitFails(t *testing.T) {
	primary := failingNLU()
	factory := func() (domain.NLUProvider, error) {
		return nil, errors.New("still unreachable")
	}
	fc := NewFallbackController(primary, factory, 2, 5, nil, nil)

	ctx := context.Background()
	fc.Parse(ctx, "p", "hello")
	fc.Parse(ctx, "p", "hello")
	require.Equal(t, ModeFallback, fc.Mode())

	// Re-initialization keeps failing, so fallback mode sticks, but the
	// served requests still reset the failure count.
	fc.Parse(ctx, "p", "hello")
	assert.Equal(t, ModeFallback, fc.Mode())
	assert.Equal(t, 0, fc.Failures())
}

func TestFallbackRecoveryProbeWithoutFactory(t *testing.T) {
	calls := 0
	primary := &mockNLU{parseFunc: func(context.Context, string) (string, error) {
		calls++
		if calls <= 3 {
			return "", errors.New("connection refused")
		}
		return `{"action":"help","entity_type":"none","confidence":0.9}`, nil
	}}
	fc := NewFallbackController(primary, nil, 3, 2, nil, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		fc.Parse(ctx, "p", "hello")
	}
	require.Equal(t, ModeFallback, fc.Mode())

	// Without a factory the first fallback-served request cannot rebuild.
	fc.Parse(ctx, "p", "hello")
	assert.Equal(t, ModeFallback, fc.Mode())

	// The second hits the probe interval; the live primary call succeeds
	// and primary mode is restored.
	in, strat := fc.Parse(ctx, "p", "hello")
	assert.Equal(t, ModePrimary, fc.Mode())
	assert.NotEqual(t, StrategyRuleBased, strat)
	assert.Equal(t, domain.ActionHelp, in.Action)
}

func TestFallbackPublishesEvents(t *testing.T) {
	var events []domain.EventType
	bus := &captureBus{onPublish: func(e domain.Event) { events = append(events, e.Type) }}

	primary := failingNLU()
	healthy := &mockNLU{}
	fc := NewFallbackController(primary, func() (domain.NLUProvider, error) { return healthy, nil }, 2, 1, bus, nil)

	ctx := context.Background()
	fc.Parse(ctx, "p", "hi")
	fc.Parse(ctx, "p", "hi")
	require.Contains(t, events, domain.EventFallbackEngaged)

	// probe_every=1: the next request probes and recovers immediately.
	fc.Parse(ctx, "p", "hi")
	assert.Contains(t, events, domain.EventFallbackRecover)
}

func TestFallbackReply(t *testing.T) {
	primary := failingNLU()
	fc := NewFallbackController(primary, nil, 1, 100, nil, nil)

	got := fc.Reply(context.Background(), "p", "Hi! How can I help?")
	assert.Equal(t, "Hi! How can I help?", got)
	assert.Equal(t, ModeFallback, fc.Mode())
}

// captureBus is a minimal EventBus for assertions.
type captureBus struct {
	onPublish func(domain.Event)
}

func (b *captureBus) Publish(_ context.Context, e domain.Event) {
	if b.onPublish != nil {
		b.onPublish(e)
	}
}
func (b *captureBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *captureBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *captureBus) Close()                                                 {}

var _ domain.EventBus = (*captureBus)(nil)
