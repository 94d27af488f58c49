package crm

import (
	"fmt"
	"log/slog"

	"crm-assistant/internal/domain"
	"crm-assistant/internal/infra/config"
)

// NewBackend builds the configured CRM backend and, when rules are enabled,
// wraps it with the rules engine.
func NewBackend(cfg config.CRMConfig, logger *slog.Logger) (domain.CRMPort, error) {
	var (
		port domain.CRMPort
		err  error
	)
	switch cfg.Backend {
	case "mock", "":
		port = NewMockCRM()
	case "odoo":
		port, err = NewOdooCRM(cfg.Odoo, logger)
	case "sqlite":
		port, err = NewSQLiteCRM(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown crm backend: %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Rules.Enabled {
		port, err = NewRulesEngine(port, cfg.Rules.Path)
		if err != nil {
			return nil, err
		}
	}
	return port, nil
}
