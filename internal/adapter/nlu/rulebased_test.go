package nlu

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-assistant/internal/domain"
	"crm-assistant/internal/infra/config"
	"crm-assistant/internal/usecase"
)

func TestRuleBasedParseIntentFromComposedPrompt(t *testing.T) {
	p := NewRuleBasedProvider()
	prompt := usecase.BuildIntentPrompt("User: hi\nAssistant: hello", "", "创建客户张三，电话13812345678")

	raw, err := p.ParseIntent(context.Background(), prompt)
	require.NoError(t, err)

	var in domain.Intent
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	assert.Equal(t, domain.ActionCreate, in.Action)
	assert.Equal(t, domain.EntityCustomer, in.EntityType)
	assert.Equal(t, "张三", in.Parameters["name"])
	assert.Equal(t, "13812345678", in.Parameters["phone"])
}

func TestRuleBasedParseIntentBareUtterance(t *testing.T) {
	p := NewRuleBasedProvider()

	raw, err := p.ParseIntent(context.Background(), "find customer Bob")
	require.NoError(t, err)

	var in domain.Intent
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	assert.Equal(t, domain.ActionSearch, in.Action)
	assert.Equal(t, "Bob", in.Parameters["name"])
}

func TestFactorySelectsProvider(t *testing.T) {
	p, err := NewProvider(config.NLUConfig{Provider: "rulebased"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "rulebased", p.Name())

	p, err = NewProvider(config.NLUConfig{Provider: "openai", Model: "gpt-4o-mini", Breaker: config.BreakerConfig{Enabled: true}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	_, ok := p.(*CircuitBreakerProvider)
	assert.True(t, ok, "breaker-enabled config wraps the remote provider")

	_, err = NewProvider(config.NLUConfig{Provider: "psychic"}, nil)
	assert.Error(t, err)
}
