package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities(t *testing.T) {
	caps := CapStreaming | CapUsageReport | CapWorkspaces

	assert.True(t, caps.Has(CapStreaming))
	assert.True(t, caps.Has(CapStreaming|CapWorkspaces))
	assert.False(t, caps.Has(CapCostReport))
	assert.False(t, caps.Has(CapStreaming|CapLocal))

	assert.Equal(t, []string{"streaming", "usage_report", "workspaces"}, caps.Names())
	assert.Equal(t, "streaming,usage_report,workspaces", caps.String())
	assert.Empty(t, Capabilities(0).Names())
}
