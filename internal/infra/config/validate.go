package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAssistant(cfg, ve)
	validateNLU(cfg, ve)
	validateCRM(cfg, ve)
	validateSessions(cfg, ve)
	validateChannels(cfg, ve)
	validateGateway(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAssistant(cfg *Config, ve *ValidationError) {
	if cfg.Assistant.HistoryRounds <= 0 {
		ve.Add("assistant.history_rounds must be > 0")
	}
	if cfg.Assistant.Timeout <= 0 {
		ve.Add("assistant.timeout must be > 0")
	}
}

func validateNLU(cfg *Config, ve *ValidationError) {
	switch cfg.NLU.Provider {
	case "openai", "rulebased":
	default:
		ve.Add("nlu.provider %q is not supported (want openai or rulebased)", cfg.NLU.Provider)
	}
	if cfg.NLU.Provider == "openai" {
		if cfg.NLU.BaseURL == "" {
			ve.Add("nlu.base_url is required for the openai provider")
		}
		if cfg.NLU.Model == "" {
			ve.Add("nlu.model is required for the openai provider")
		}
	}
	if cfg.NLU.Fallback.MaxFailures < 1 {
		ve.Add("nlu.fallback.max_failures must be >= 1")
	}
	if cfg.NLU.Fallback.ProbeEvery < 1 {
		ve.Add("nlu.fallback.probe_every must be >= 1")
	}
}

func validateCRM(cfg *Config, ve *ValidationError) {
	switch cfg.CRM.Backend {
	case "mock", "sqlite":
	case "odoo":
		if cfg.CRM.Odoo.URL == "" {
			ve.Add("crm.odoo.url is required for the odoo backend")
		}
		if cfg.CRM.Odoo.Database == "" {
			ve.Add("crm.odoo.database is required for the odoo backend")
		}
		if cfg.CRM.Odoo.Username == "" {
			ve.Add("crm.odoo.username is required for the odoo backend")
		}
	default:
		ve.Add("crm.backend %q is not supported (want mock, odoo or sqlite)", cfg.CRM.Backend)
	}
	if cfg.CRM.Rules.Enabled && cfg.CRM.Rules.Path == "" {
		ve.Add("crm.rules.path is required when crm.rules.enabled")
	}
}

func validateSessions(cfg *Config, ve *ValidationError) {
	if cfg.Sessions.MaxTurns <= 0 {
		ve.Add("sessions.max_turns must be > 0")
	}
	if cfg.Sessions.Persist && cfg.Sessions.Dir == "" {
		ve.Add("sessions.dir is required when sessions.persist")
	}
}

func validateChannels(cfg *Config, ve *ValidationError) {
	h := cfg.Channels.HTTP
	if !h.Enabled {
		return
	}
	if h.Addr == "" {
		ve.Add("channels.http.addr is required when the http channel is enabled")
	}
	if h.RequestsPerMin <= 0 {
		ve.Add("channels.http.requests_per_min must be > 0")
	}
	if h.Burst <= 0 {
		ve.Add("channels.http.burst must be > 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when the gateway is enabled")
	}
	for _, tok := range cfg.Gateway.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.auth token %q has an empty value", tok.Name)
		}
	}
}
