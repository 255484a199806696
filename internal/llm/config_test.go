package llm

import (
	"testing"
	"time"

	"github.com/nulzo/provider-gateway/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConfig(t *testing.T) {
	cfg, err := DecodeConfig("oa", OpenAI, map[string]interface{}{
		"api_key":     "sk-1",
		"base_url":    "https://api.example.com/v1",
		"timeout":     "15s",
		"max_retries": 2.0,
		"extras":      map[string]interface{}{"organization": "org-1"},
		"models":      "gpt-4o,gpt-4o-mini",
	})
	require.NoError(t, err)

	assert.Equal(t, "oa", cfg.ID)
	assert.Equal(t, OpenAI, cfg.Type)
	assert.Equal(t, 15*time.Second, cfg.Timeout)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, "org-1", cfg.Extra("organization"))
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, cfg.Models)
	assert.Equal(t, "oa", cfg.DisplayName())
}

func TestDecodeConfig_NumericTimeoutIsSeconds(t *testing.T) {
	cfg, err := DecodeConfig("local", Ollama, map[string]interface{}{"timeout": 30.0})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestDecodeConfig_Defaults(t *testing.T) {
	cfg, err := DecodeConfig("local", Ollama, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
}

func TestConfigValidate(t *testing.T) {
	valid := Config{ID: "p", Type: Anthropic, APIKey: "k", Timeout: time.Second}

	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"missing credential", func(c *Config) { c.APIKey = "" }, "api_key"},
		{"bad scheme", func(c *Config) { c.BaseURL = "ftp://example.com" }, "base_url"},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "max_retries"},
		{"missing id", func(c *Config) { c.ID = "" }, "id"},
	}

	require.NoError(t, valid.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid.Clone()
			tt.mutate(&c)

			err := c.Validate()
			require.Error(t, err)
			assert.Equal(t, api.KindConfiguration, api.KindOf(err))

			p := api.AsProblem(err)
			fields, ok := p.Extensions["errors"].(map[string]string)
			require.True(t, ok)
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestConfigValidate_LocalNeedsNoCredential(t *testing.T) {
	c := Config{ID: "o", Type: Ollama, Timeout: time.Second, BaseURL: "http://localhost:11434"}
	assert.NoError(t, c.Validate())
}

func TestConfig_ToSettingsRoundTrip(t *testing.T) {
	orig := Config{
		ID: "g", Type: Google, Name: "Gemini", APIKey: "k", Timeout: 20 * time.Second,
		MaxRetries: 1, RequestsPerSecond: 2, Extras: map[string]string{"a": "b"}, Models: []string{"m"},
	}

	back, err := DecodeConfig("g", Google, orig.ToSettings())
	require.NoError(t, err)
	assert.Equal(t, orig, back)
}

func TestConfig_CloneIsolatesMaps(t *testing.T) {
	c := Config{Extras: map[string]string{"a": "1"}}
	cp := c.Clone()
	cp.Extras["a"] = "2"
	assert.Equal(t, "1", c.Extras["a"])
}
