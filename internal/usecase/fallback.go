package usecase

import (
	"context"
	"log/slog"
	"sync"

	"crm-assistant/internal/domain"
)

// NLU operating modes reported by the fallback controller.
const (
	ModePrimary  = "primary"
	ModeFallback = "fallback"
)

// FallbackController keeps the assistant answering when the primary NLU
// provider degrades. It counts consecutive primary failures; at MaxFailures
// it switches to rule-based extraction. Any successful call resets the
// failure count, and each fallback-served success attempts exactly one
// primary re-initialization through the factory. Without a factory the
// primary is retried as a live probe every probeEvery-th request instead.
type FallbackController struct {
	mu      sync.Mutex
	primary domain.NLUProvider
	factory domain.NLUProviderFactory
	bus     domain.EventBus
	logger  *slog.Logger

	maxFailures int
	probeEvery  int

	consecutiveFailures int
	usingFallback       bool
	servedSinceSwitch   int
}

// NewFallbackController wires a controller around the primary provider.
// factory may be nil; recovery probes then reuse the original primary.
func NewFallbackController(primary domain.NLUProvider, factory domain.NLUProviderFactory, maxFailures, probeEvery int, bus domain.EventBus, logger *slog.Logger) *FallbackController {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if probeEvery <= 0 {
		probeEvery = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackController{
		primary:     primary,
		factory:     factory,
		bus:         bus,
		logger:      logger,
		maxFailures: maxFailures,
		probeEvery:  probeEvery,
	}
}

// Parse produces an Intent for the utterance, going through the primary
// provider when healthy and the rule-based extractor otherwise. It never
// returns an error; degradation is absorbed into the parse strategy.
func (f *FallbackController) Parse(ctx context.Context, prompt, utterance string) (domain.Intent, ParseStrategy) {
	if f.serveFromFallback() {
		in := ExtractIntent(utterance)
		f.recordFallbackSuccess(ctx)
		return in, StrategyRuleBased
	}

	raw, err := f.currentPrimary().ParseIntent(ctx, prompt)
	if err != nil {
		f.recordFailure(ctx, err)
		return ExtractIntent(utterance), StrategyRuleBased
	}

	f.recordSuccess(ctx)
	return ParseIntent(raw, utterance)
}

// Reply produces conversational text, degrading to canned when the primary
// is unavailable.
func (f *FallbackController) Reply(ctx context.Context, prompt, canned string) string {
	if f.serveFromFallback() {
		f.recordFallbackSuccess(ctx)
		return canned
	}

	text, err := f.currentPrimary().GenerateReply(ctx, prompt)
	if err != nil {
		f.recordFailure(ctx, err)
		return canned
	}

	f.recordSuccess(ctx)
	return text
}

// Mode returns "primary" or "fallback".
func (f *FallbackController) Mode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usingFallback {
		return ModeFallback
	}
	return ModePrimary
}

// Failures returns the current consecutive-failure count.
func (f *FallbackController) Failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consecutiveFailures
}

// serveFromFallback decides whether this request is served rule-based.
// Every probeEvery-th request in fallback mode slips through to the primary
// as a live recovery probe, the only recovery path when no factory was
// configured.
func (f *FallbackController) serveFromFallback() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.usingFallback {
		return false
	}
	f.servedSinceSwitch++
	if f.servedSinceSwitch%f.probeEvery == 0 {
		f.logger.Debug("nlu recovery probe", "served_since_switch", f.servedSinceSwitch)
		return false
	}
	return true
}

// currentPrimary returns the provider to call, rebuilding it through the
// factory when recovering from fallback mode.
func (f *FallbackController) currentPrimary() domain.NLUProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usingFallback && f.factory != nil {
		if fresh, err := f.factory(); err == nil {
			f.primary = fresh
		} else {
			f.logger.Warn("nlu provider rebuild failed", "error", err)
		}
	}
	return f.primary
}

func (f *FallbackController) recordFailure(ctx context.Context, err error) {
	f.mu.Lock()
	f.consecutiveFailures++
	engaged := false
	if !f.usingFallback && f.consecutiveFailures >= f.maxFailures {
		f.usingFallback = true
		f.servedSinceSwitch = 0
		engaged = true
	}
	failures := f.consecutiveFailures
	f.mu.Unlock()

	f.logger.Warn("primary nlu call failed",
		"error", err,
		"consecutive_failures", failures,
		"code", domain.ErrorCodeOf(err))

	if engaged {
		f.logger.Error("switching to rule-based nlu fallback", "after_failures", failures)
		f.publish(ctx, domain.EventFallbackEngaged)
	}
}

// recordFallbackSuccess runs after a request was served rule-based. The
// fallback answered, so the consecutive-failure streak resets; when a
// factory is available it also attempts one primary re-initialization and
// restores primary mode on success.
func (f *FallbackController) recordFallbackSuccess(ctx context.Context) {
	f.mu.Lock()
	f.consecutiveFailures = 0
	if f.factory == nil {
		f.mu.Unlock()
		return
	}
	fresh, err := f.factory()
	if err != nil {
		f.mu.Unlock()
		f.logger.Warn("nlu provider re-initialization failed", "error", err)
		return
	}
	f.primary = fresh
	f.usingFallback = false
	f.servedSinceSwitch = 0
	f.mu.Unlock()

	f.logger.Info("primary nlu re-initialized")
	f.publish(ctx, domain.EventFallbackRecover)
}

func (f *FallbackController) recordSuccess(ctx context.Context) {
	f.mu.Lock()
	recovered := f.usingFallback
	f.usingFallback = false
	f.consecutiveFailures = 0
	f.servedSinceSwitch = 0
	f.mu.Unlock()

	if recovered {
		f.logger.Info("primary nlu recovered")
		f.publish(ctx, domain.EventFallbackRecover)
	}
}

func (f *FallbackController) publish(ctx context.Context, typ domain.EventType) {
	if f.bus == nil {
		return
	}
	// The bus stamps the timestamp.
	f.bus.Publish(ctx, domain.Event{Type: typ})
}
