package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildIntentPrompt(t *testing.T) {
	p := BuildIntentPrompt("User: find Bob\nAssistant: Found Bob.", "Bob Smith (#3)", "update his phone to 555")

	assert.Contains(t, p, "Conversation so far:\nUser: find Bob")
	assert.Contains(t, p, "Record currently in focus: Bob Smith (#3)")
	assert.True(t, strings.HasSuffix(p, "User message: update his phone to 555"))
}

func TestBuildIntentPromptNoContext(t *testing.T) {
	p := BuildIntentPrompt("", "", "你好")

	assert.NotContains(t, p, "Conversation so far")
	assert.NotContains(t, p, "Record currently in focus")
	assert.True(t, strings.HasSuffix(p, "User message: 你好"))
}

func TestBuildIntentPromptDeterministic(t *testing.T) {
	a := BuildIntentPrompt("User: hi", "Alice (#1)", "create customer Bob")
	b := BuildIntentPrompt("User: hi", "Alice (#1)", "create customer Bob")
	assert.Equal(t, a, b)
}

func TestBuildReplyPrompt(t *testing.T) {
	p := BuildReplyPrompt("User: 你好\nAssistant: 你好!", "介绍一下你自己")

	assert.Contains(t, p, "friendly CRM assistant")
	assert.Contains(t, p, "Conversation so far:\nUser: 你好")
	assert.True(t, strings.HasSuffix(p, "User message: 介绍一下你自己"))
}
