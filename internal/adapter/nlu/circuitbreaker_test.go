package nlu

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-assistant/internal/domain"
	"crm-assistant/internal/infra/config"
)

type stubProvider struct {
	parseErr error
	out      string
}

func (s *stubProvider) ParseIntent(context.Context, string) (string, error) {
	return s.out, s.parseErr
}

func (s *stubProvider) GenerateReply(context.Context, string) (string, error) {
	return s.out, s.parseErr
}

func (s *stubProvider) Name() string { return "stub" }

var _ domain.NLUProvider = (*stubProvider)(nil)

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &stubProvider{out: `{"action":"help"}`}
	p := NewCircuitBreakerProvider(inner, config.BreakerConfig{MaxFailures: 3}, nil)

	raw, err := p.ParseIntent(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"action":"help"}`, raw)
	assert.Equal(t, gobreaker.StateClosed, p.State())
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &stubProvider{parseErr: errors.New("boom")}
	p := NewCircuitBreakerProvider(inner, config.BreakerConfig{MaxFailures: 3}, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := p.ParseIntent(ctx, "prompt")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, p.State())

	// Fast failure while open, without touching the provider.
	_, err := p.ParseIntent(ctx, "prompt")
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	inner := &stubProvider{out: "ok"}
	p := NewCircuitBreakerProvider(inner, config.BreakerConfig{MaxFailures: 2}, nil)

	ctx := context.Background()
	inner.parseErr = errors.New("boom")
	_, _ = p.ParseIntent(ctx, "prompt")

	inner.parseErr = nil
	_, err := p.ParseIntent(ctx, "prompt")
	require.NoError(t, err)

	inner.parseErr = errors.New("boom")
	_, _ = p.ParseIntent(ctx, "prompt")
	assert.Equal(t, gobreaker.StateClosed, p.State(), "one failure after a success must not trip a 2-failure breaker")
}
