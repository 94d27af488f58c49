package nlu

import (
	"fmt"
	"log/slog"

	"crm-assistant/internal/domain"
	"crm-assistant/internal/infra/config"
)

// NewProvider builds the configured NLU provider. Remote providers are
// wrapped with a circuit breaker when cfg.Breaker.Enabled is set.
func NewProvider(cfg config.NLUConfig, logger *slog.Logger) (domain.NLUProvider, error) {
	switch cfg.Provider {
	case "openai":
		var p domain.NLUProvider = NewOpenAIProvider(cfg, logger)
		if cfg.Breaker.Enabled {
			p = NewCircuitBreakerProvider(p, cfg.Breaker, logger)
		}
		return p, nil
	case "rulebased", "":
		return NewRuleBasedProvider(), nil
	default:
		return nil, fmt.Errorf("unknown nlu provider: %q", cfg.Provider)
	}
}

// Factory returns a provider factory for the fallback controller's recovery
// probes, so a fresh client is built after the old one degraded.
func Factory(cfg config.NLUConfig, logger *slog.Logger) domain.NLUProviderFactory {
	return func() (domain.NLUProvider, error) {
		return NewProvider(cfg, logger)
	}
}
