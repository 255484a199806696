package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/nulzo/provider-gateway/internal/httpclient"
	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/pkg/api"
)

var (
	_ llm.UsageReporter   = (*Adapter)(nil)
	_ llm.CostReporter    = (*Adapter)(nil)
	_ llm.WorkspaceLister = (*Adapter)(nil)
)

type page struct {
	Data     json.RawMessage `json:"data"`
	HasMore  bool            `json:"has_more"`
	NextPage *string         `json:"next_page"`
}

func reportQuery(q api.UsageQuery) url.Values {
	v := url.Values{}
	start := q.StartingAt
	if start.IsZero() {
		start = time.Now().UTC().AddDate(0, 0, -7).Truncate(24 * time.Hour)
	}
	v.Set("starting_at", start.UTC().Format(time.RFC3339))
	if !q.EndingAt.IsZero() {
		v.Set("ending_at", q.EndingAt.UTC().Format(time.RFC3339))
	}
	if q.BucketWidth != "" {
		v.Set("bucket_width", q.BucketWidth)
	}
	for _, g := range q.GroupBy {
		v.Add("group_by[]", g)
	}
	return v
}

// admin fetches one page of an organization report with the admin key.
func (a *Adapter) admin(ctx context.Context, capability llm.Capabilities, name, path string, query url.Values) (*api.Report, error) {
	if !a.Capabilities().Has(capability) {
		return nil, api.NotSupportedError(a.ID(), name)
	}
	client, err := a.Client()
	if err != nil {
		return nil, err
	}

	u := a.url(path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var resp page
	if err := httpclient.SendRequest(ctx, client, http.MethodGet, u, a.headers(a.Config().Extra("admin_key")), nil, &resp); err != nil {
		return nil, a.MapError(err, "")
	}

	meta := map[string]any{"has_more": resp.HasMore}
	if resp.NextPage != nil {
		meta["next_page"] = *resp.NextPage
	}
	return &api.Report{Provider: a.ID(), Kind: name, Data: resp.Data, Meta: meta}, nil
}

func (a *Adapter) GetUsage(ctx context.Context, q api.UsageQuery) (*api.Report, error) {
	return a.admin(ctx, llm.CapUsageReport, "usage", "/organizations/usage_report/messages", reportQuery(q))
}

func (a *Adapter) GetCosts(ctx context.Context, q api.UsageQuery) (*api.Report, error) {
	return a.admin(ctx, llm.CapCostReport, "costs", "/organizations/cost_report", reportQuery(q))
}

func (a *Adapter) GetWorkspaces(ctx context.Context) (*api.Report, error) {
	return a.admin(ctx, llm.CapWorkspaces, "workspaces", "/organizations/workspaces", nil)
}
