package nlu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"crm-assistant/internal/domain"
	"crm-assistant/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerProvider wraps an NLUProvider with circuit breaker
// protection. When the wrapped provider fails repeatedly, the circuit opens
// and subsequent calls fail fast without reaching the provider. The fallback
// controller sees those fast failures and switches to the rule extractor
// without waiting out network timeouts.
type CircuitBreakerProvider struct {
	inner   domain.NLUProvider
	breaker *gobreaker.CircuitBreaker[string]
	logger  *slog.Logger
}

// NewCircuitBreakerProvider wraps inner with a circuit breaker.
// Zero-valued settings fall back to defaults.
func NewCircuitBreakerProvider(inner domain.NLUProvider, cfg config.BreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "nlu:" + inner.Name(),
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    defaultCBInterval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &CircuitBreakerProvider{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// ParseIntent implements domain.NLUProvider through the breaker.
func (p *CircuitBreakerProvider) ParseIntent(ctx context.Context, prompt string) (string, error) {
	return p.execute(func() (string, error) {
		return p.inner.ParseIntent(ctx, prompt)
	})
}

// GenerateReply implements domain.NLUProvider through the breaker.
func (p *CircuitBreakerProvider) GenerateReply(ctx context.Context, prompt string) (string, error) {
	return p.execute(func() (string, error) {
		return p.inner.GenerateReply(ctx, prompt)
	})
}

// Name implements domain.NLUProvider.
func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (p *CircuitBreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}

func (p *CircuitBreakerProvider) execute(fn func() (string, error)) (string, error) {
	out, err := p.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("provider %q circuit open: %w", p.inner.Name(), err)
		}
		return "", err
	}
	return out, nil
}

var _ domain.NLUProvider = (*CircuitBreakerProvider)(nil)
