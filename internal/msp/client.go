// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

/*
client.go - Rule Repository Client

Typed rule operations on top of the rate-limited transport:

  - ListRules / ListRulesFiltered: fetch controllable rules, optionally
    narrowed by server-side query expressions. Include filters are
    merged and de-duplicated by rule ID; exclude filters remove matching
    IDs. A single failing filter query is logged and skipped rather than
    failing the whole fetch.
  - GetRule: single-rule lookup, used to verify command results.
  - SetPaused: pause/unpause command returning the server's
    authoritative post-command rule state.

Wire mapping preserves unknown fields in Rule.Extra so newer MSP schema
fields survive a round trip, and skips malformed records so one corrupt
entry cannot poison a cycle. Disabled rules are dropped at this layer;
they never reach a snapshot.
*/

//nolint:staticcheck // File documentation, not package doc
package msp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/firegate/firegate/internal/logging"
	"github.com/firegate/firegate/internal/metrics"
	"github.com/firegate/firegate/internal/models"
)

// RuleAPI is the interface the sync engine consumes. Implemented by
// Client for production and by the circuit breaker decorator; tests
// substitute fakes.
type RuleAPI interface {
	ListRules(ctx context.Context, query string) ([]models.Rule, error)
	ListRulesFiltered(ctx context.Context, include, exclude []string) ([]models.Rule, error)
	GetRule(ctx context.Context, ruleID string) (*models.Rule, error)
	SetPaused(ctx context.Context, ruleID string, paused bool) (*models.Rule, error)
}

// Client talks to the Firewalla MSP v2 rule endpoints for one box.
type Client struct {
	transport *Transport
	baseURL   string
	gid       string
}

var _ RuleAPI = (*Client)(nil)

// NewClient creates a rule client for the given box GID.
//
// mspDomain accepts both "acme.firewalla.net" and a full
// "https://acme.firewalla.net" URL. A bare domain defaults to HTTPS; an
// explicit http:// scheme is kept for local gateways.
func NewClient(transport *Transport, mspDomain, gid string) *Client {
	domain := strings.TrimRight(mspDomain, "/")
	scheme := "https"
	if idx := strings.Index(domain, "://"); idx >= 0 {
		if domain[:idx] == "http" {
			scheme = "http"
		}
		domain = domain[idx+3:]
	}
	return &Client{
		transport: transport,
		baseURL:   scheme + "://" + domain,
		gid:       gid,
	}
}

// BoxGID returns the box identifier this client is bound to.
func (c *Client) BoxGID() string { return c.gid }

// ListRules fetches all controllable rules, optionally narrowed by a
// server-side query expression.
func (c *Client) ListRules(ctx context.Context, query string) ([]models.Rule, error) {
	reqURL := fmt.Sprintf("%s/v2/boxes/%s/rules", c.baseURL, url.PathEscape(c.gid))
	if query != "" {
		reqURL += "?query=" + url.QueryEscape(query)
	}

	resp, err := c.transport.Execute(ctx, "list_rules", http.MethodGet, reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("list_rules: %w: %v", ErrMalformedResponse, err)
	}
	return decodeRuleList(payload)
}

// ListRulesFiltered fetches rules applying include and exclude query
// expressions. With no filters it is equivalent to ListRules(ctx, "").
func (c *Client) ListRulesFiltered(ctx context.Context, include, exclude []string) ([]models.Rule, error) {
	var rules []models.Rule
	seen := map[string]bool{}

	if len(include) == 0 {
		all, err := c.ListRules(ctx, "")
		if err != nil {
			return nil, err
		}
		rules = all
		for _, r := range rules {
			seen[r.ID] = true
		}
	} else {
		for _, query := range include {
			matched, err := c.ListRules(ctx, query)
			if err != nil {
				// A failing individual filter narrows the view; it must
				// not fail the cycle. Fatal errors still propagate so
				// auth expiry is not swallowed.
				if errors.Is(err, ErrAuthExpired) {
					return nil, err
				}
				logging.Ctx(ctx).Warn().Err(err).Str("query", query).Msg("Include filter failed, skipping")
				continue
			}
			for _, r := range matched {
				if !seen[r.ID] {
					seen[r.ID] = true
					rules = append(rules, r)
				}
			}
		}
	}

	if len(exclude) == 0 {
		return rules, nil
	}

	excluded := map[string]bool{}
	for _, query := range exclude {
		matched, err := c.ListRules(ctx, strings.TrimPrefix(query, "-"))
		if err != nil {
			if errors.Is(err, ErrAuthExpired) {
				return nil, err
			}
			logging.Ctx(ctx).Warn().Err(err).Str("query", query).Msg("Exclude filter failed, skipping")
			continue
		}
		for _, r := range matched {
			excluded[r.ID] = true
		}
	}

	if len(excluded) == 0 {
		return rules, nil
	}
	kept := rules[:0]
	for _, r := range rules {
		if !excluded[r.ID] {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// GetRule fetches a single rule by ID.
func (c *Client) GetRule(ctx context.Context, ruleID string) (*models.Rule, error) {
	reqURL := fmt.Sprintf("%s/v2/boxes/%s/rules/%s", c.baseURL, url.PathEscape(c.gid), url.PathEscape(ruleID))

	resp, err := c.transport.Execute(ctx, "get_rule", http.MethodGet, reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("get_rule: %w: %v", ErrMalformedResponse, err)
	}
	rule, err := mapRule(raw)
	if err != nil {
		return nil, fmt.Errorf("get_rule: %w", err)
	}
	return rule, nil
}

// SetPaused pauses or unpauses a rule and returns the authoritative
// post-command rule state. The MSP sometimes answers a bare 200 with a
// non-JSON body; the client then falls back to GetRule for the record.
func (c *Client) SetPaused(ctx context.Context, ruleID string, paused bool) (*models.Rule, error) {
	action := "unpause"
	operation := "unpause_rule"
	if paused {
		action = "pause"
		operation = "pause_rule"
	}
	reqURL := fmt.Sprintf("%s/v2/boxes/%s/rules/%s/%s",
		c.baseURL, url.PathEscape(c.gid), url.PathEscape(ruleID), action)

	resp, err := c.transport.Execute(ctx, operation, http.MethodPost, reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil || len(raw) == 0 {
		// Non-JSON or empty success body: fetch the authoritative state.
		return c.GetRule(ctx, ruleID)
	}
	rule, err := mapRule(raw)
	if err != nil {
		return c.GetRule(ctx, ruleID)
	}
	return rule, nil
}

// decodeRuleList accepts both response shapes the MSP has been observed
// to produce: a bare array, or an envelope {"results": [...], "count": n}.
func decodeRuleList(payload json.RawMessage) ([]models.Rule, error) {
	var items []json.RawMessage

	trimmed := strings.TrimSpace(string(payload))
	switch {
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, fmt.Errorf("list_rules: %w: %v", ErrMalformedResponse, err)
		}
	case strings.HasPrefix(trimmed, "{"):
		var envelope struct {
			Results []json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return nil, fmt.Errorf("list_rules: %w: %v", ErrMalformedResponse, err)
		}
		items = envelope.Results
	default:
		return nil, fmt.Errorf("list_rules: %w: unexpected payload shape", ErrMalformedResponse)
	}

	rules := make([]models.Rule, 0, len(items))
	for _, item := range items {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(item, &raw); err != nil {
			metrics.RulesSkipped.WithLabelValues("malformed").Inc()
			logging.Warn().Err(err).Msg("Skipping malformed rule record")
			continue
		}
		rule, err := mapRule(raw)
		if err != nil {
			metrics.RulesSkipped.WithLabelValues("malformed").Inc()
			logging.Warn().Err(err).Msg("Skipping malformed rule record")
			continue
		}
		if rule.Disabled {
			metrics.RulesSkipped.WithLabelValues("disabled").Inc()
			continue
		}
		rules = append(rules, *rule)
	}
	return rules, nil
}

// knownRuleFields are the wire keys the fixed schema consumes; anything
// else is preserved verbatim in Rule.Extra.
var knownRuleFields = map[string]bool{
	"id": true, "rid": true, "gid": true,
	"action": true, "direction": true, "status": true, "disabled": true,
	"notes": true, "description": true, "priority": true,
	"target": true, "target_name": true, "scope": true,
	"ts": true, "updateTs": true, "schedule": true, "hit": true,
}

// mapRule converts a decoded wire object into a domain Rule.
func mapRule(raw map[string]json.RawMessage) (*models.Rule, error) {
	id := stringField(raw, "id")
	if id == "" {
		id = stringField(raw, "rid")
	}
	if id == "" {
		return nil, fmt.Errorf("%w: rule without id", ErrMalformedResponse)
	}

	rule := &models.Rule{
		ID:          id,
		GID:         stringField(raw, "gid"),
		Action:      stringField(raw, "action"),
		Direction:   stringField(raw, "direction"),
		Status:      stringField(raw, "status"),
		Priority:    intField(raw, "priority"),
		Description: stringField(raw, "description"),
		CreatedAt:   floatField(raw, "ts"),
		ModifiedAt:  floatField(raw, "updateTs"),
		TargetName:  stringField(raw, "target_name"),
	}
	if rule.Action == "" {
		rule.Action = "block"
	}
	if rule.Status == "" {
		rule.Status = models.RuleStatusActive
	}
	if rule.Description == "" {
		rule.Description = stringField(raw, "notes")
	}
	rule.Paused = rule.Status == models.RuleStatusPaused
	rule.Disabled = boolField(raw, "disabled")

	if targetRaw, ok := raw["target"]; ok {
		var target struct {
			Type    string `json:"type"`
			Value   string `json:"value"`
			DNSOnly bool   `json:"dnsOnly"`
		}
		if err := json.Unmarshal(targetRaw, &target); err == nil {
			rule.Type = target.Type
			rule.Target = target.Value
			rule.DNSOnly = target.DNSOnly
		}
	}
	if rule.Type == "" {
		rule.Type = stringField(raw, "type")
	}
	if rule.Target == "" {
		rule.Target = stringField(raw, "value")
	}
	if scopeRaw, ok := raw["scope"]; ok {
		var scope struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(scopeRaw, &scope); err == nil {
			rule.ScopeType = scope.Type
			rule.ScopeValue = scope.Value
		}
	}
	if hitRaw, ok := raw["hit"]; ok {
		_ = json.Unmarshal(hitRaw, &rule.Hit)
	}
	if scheduleRaw, ok := raw["schedule"]; ok && string(scheduleRaw) != "null" {
		rule.Schedule = scheduleRaw
	}

	for key, value := range raw {
		if knownRuleFields[key] || key == "type" || key == "value" {
			continue
		}
		if rule.Extra == nil {
			rule.Extra = map[string]json.RawMessage{}
		}
		rule.Extra[key] = value
	}

	return rule, nil
}

func stringField(raw map[string]json.RawMessage, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

func boolField(raw map[string]json.RawMessage, key string) bool {
	v, ok := raw[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		// The MSP has been seen emitting disabled as 0/1.
		var n int
		if err := json.Unmarshal(v, &n); err == nil {
			return n != 0
		}
		return false
	}
	return b
}

func intField(raw map[string]json.RawMessage, key string) int {
	v, ok := raw[key]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(v, &n); err != nil {
		return 0
	}
	return n
}

func floatField(raw map[string]json.RawMessage, key string) float64 {
	v, ok := raw[key]
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0
	}
	return f
}
