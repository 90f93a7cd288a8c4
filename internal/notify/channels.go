/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package notify delivers finding alerts to external channels: Slack,
// Discord, Jira, Linear, and plain signed webhooks. Channels are fed by
// the Router, which applies per-channel severity floors and a per-mission
// rate limit so a noisy scan cannot flood an on-call rotation.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sentryai/sentry/internal/metrics"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/shared/signing"
)

// Message is the channel-independent shape of one alert.
type Message struct {
	MissionID   string           `json:"mission_id"`
	FindingID   string           `json:"finding_id,omitempty"`
	Severity    mission.Severity `json:"severity"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Asset       string           `json:"affected_asset,omitempty"`
	CWE         string           `json:"cwe,omitempty"`
	CVSS        float64          `json:"cvss,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// FromFinding projects a finding onto the alert shape.
func FromFinding(f mission.Finding) Message {
	return Message{
		MissionID:   f.MissionID,
		FindingID:   f.ID,
		Severity:    f.Severity,
		Title:       f.Title,
		Description: f.Description,
		Asset:       f.AffectedAsset,
		CWE:         f.CWE,
		CVSS:        f.CVSS,
		Timestamp:   f.CreatedAt,
	}
}

func (m Message) tag() string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(m.Severity)), m.Title)
}

// Channel is one outbound destination for alerts.
type Channel interface {
	// Send delivers a single message. Implementations must respect ctx.
	Send(ctx context.Context, m Message) error
	// Type identifies the channel kind (slack, discord, jira, linear, webhook).
	Type() string
}

// NewChannel builds a channel from a stored integration row. The config is
// the JSON blob persisted alongside the integration type.
func NewChannel(kind, rawConfig string) (Channel, error) {
	var cfg struct {
		WebhookURL string `json:"webhook_url"`
		URL        string `json:"url"`
		Secret     string `json:"secret"`
		BaseURL    string `json:"base_url"`
		Email      string `json:"email"`
		APIToken   string `json:"api_token"`
		Project    string `json:"project"`
		APIKey     string `json:"api_key"`
		TeamID     string `json:"team_id"`
	}
	if rawConfig != "" {
		if err := json.Unmarshal([]byte(rawConfig), &cfg); err != nil {
			return nil, fmt.Errorf("parse %s config: %w", kind, err)
		}
	}
	switch kind {
	case "slack":
		return NewSlack(cfg.WebhookURL)
	case "discord":
		return NewDiscord(cfg.WebhookURL)
	case "jira":
		return NewJira(cfg.BaseURL, cfg.Email, cfg.APIToken, cfg.Project)
	case "linear":
		return NewLinear(cfg.APIKey, cfg.TeamID)
	case "webhook":
		return NewWebhook(cfg.URL, cfg.Secret)
	}
	return nil, fmt.Errorf("unknown channel type %q", kind)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return postRaw(ctx, client, url, headers, body)
}

func postRaw(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// SlackChannel posts findings to a Slack incoming webhook using Block Kit.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlack(webhookURL string) (*SlackChannel, error) {
	if webhookURL == "" {
		return nil, errors.New("slack: webhook_url is required")
	}
	return &SlackChannel{webhookURL: webhookURL, client: newHTTPClient()}, nil
}

func (c *SlackChannel) Type() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, m Message) error {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:*\n%s", m.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Mission:*\n%s", m.MissionID)},
	}
	if m.Asset != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Asset:*\n%s", m.Asset)})
	}
	if m.CWE != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*CWE:*\n%s", m.CWE)})
	}
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": m.tag(), "emoji": false},
		},
		{"type": "section", "fields": fields},
	}
	if m.Description != "" {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": truncate(m.Description, 2900)},
		})
	}
	blocks = append(blocks, map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": fmt.Sprintf("finding %s at %s", m.FindingID, m.Timestamp.UTC().Format(time.RFC3339))},
		},
	})
	payload := map[string]any{"text": m.tag(), "blocks": blocks}
	return postJSON(ctx, c.client, c.webhookURL, nil, payload)
}

// DiscordChannel posts findings to a Discord webhook as a colored embed.
type DiscordChannel struct {
	webhookURL string
	client     *http.Client
}

func NewDiscord(webhookURL string) (*DiscordChannel, error) {
	if webhookURL == "" {
		return nil, errors.New("discord: webhook_url is required")
	}
	return &DiscordChannel{webhookURL: webhookURL, client: newHTTPClient()}, nil
}

func (c *DiscordChannel) Type() string { return "discord" }

var discordColors = map[mission.Severity]int{
	mission.SeverityCritical: 0xe74c3c,
	mission.SeverityHigh:     0xe67e22,
	mission.SeverityMedium:   0xf1c40f,
	mission.SeverityLow:      0x3498db,
	mission.SeverityInfo:     0x95a5a6,
}

func (c *DiscordChannel) Send(ctx context.Context, m Message) error {
	color, ok := discordColors[m.Severity]
	if !ok {
		color = discordColors[mission.SeverityInfo]
	}
	fields := []map[string]any{
		{"name": "Mission", "value": m.MissionID, "inline": true},
	}
	if m.Asset != "" {
		fields = append(fields, map[string]any{"name": "Asset", "value": m.Asset, "inline": true})
	}
	if m.CWE != "" {
		fields = append(fields, map[string]any{"name": "CWE", "value": m.CWE, "inline": true})
	}
	if m.CVSS > 0 {
		fields = append(fields, map[string]any{"name": "CVSS", "value": fmt.Sprintf("%.1f", m.CVSS), "inline": true})
	}
	embed := map[string]any{
		"title":     m.tag(),
		"color":     color,
		"fields":    fields,
		"timestamp": m.Timestamp.UTC().Format(time.RFC3339),
	}
	if m.Description != "" {
		embed["description"] = truncate(m.Description, 4000)
	}
	payload := map[string]any{"embeds": []map[string]any{embed}}
	return postJSON(ctx, c.client, c.webhookURL, nil, payload)
}

// JiraChannel files one issue per finding against a Jira Cloud project.
type JiraChannel struct {
	baseURL  string
	email    string
	apiToken string
	project  string
	client   *http.Client
}

// NewJira requires base_url, email and api_token. The project key defaults
// to SEC when unset.
func NewJira(baseURL, email, apiToken, project string) (*JiraChannel, error) {
	if baseURL == "" || email == "" || apiToken == "" {
		return nil, errors.New("jira: base_url, email and api_token are required")
	}
	if project == "" {
		project = "SEC"
	}
	return &JiraChannel{
		baseURL:  strings.TrimRight(baseURL, "/"),
		email:    email,
		apiToken: apiToken,
		project:  project,
		client:   newHTTPClient(),
	}, nil
}

func (c *JiraChannel) Type() string { return "jira" }

func (c *JiraChannel) Send(ctx context.Context, m Message) error {
	var desc strings.Builder
	if m.Description != "" {
		desc.WriteString(m.Description)
		desc.WriteString("\n\n")
	}
	if m.Asset != "" {
		fmt.Fprintf(&desc, "Affected asset: %s\n", m.Asset)
	}
	if m.CWE != "" {
		fmt.Fprintf(&desc, "CWE: %s\n", m.CWE)
	}
	if m.CVSS > 0 {
		fmt.Fprintf(&desc, "CVSS: %.1f\n", m.CVSS)
	}
	fmt.Fprintf(&desc, "Mission: %s\nFinding: %s\n", m.MissionID, m.FindingID)

	payload := map[string]any{
		"fields": map[string]any{
			"project":     map[string]any{"key": c.project},
			"summary":     m.tag(),
			"description": desc.String(),
			"issuetype":   map[string]any{"name": "Task"},
			"labels":      []string{"sentry", "severity-" + string(m.Severity)},
		},
	}
	auth := base64.StdEncoding.EncodeToString([]byte(c.email + ":" + c.apiToken))
	headers := map[string]string{"Authorization": "Basic " + auth}
	return postJSON(ctx, c.client, c.baseURL+"/rest/api/2/issue", headers, payload)
}

// LinearChannel creates one Linear issue per finding via the GraphQL API.
type LinearChannel struct {
	apiKey   string
	teamID   string
	endpoint string
	client   *http.Client
}

func NewLinear(apiKey, teamID string) (*LinearChannel, error) {
	if apiKey == "" || teamID == "" {
		return nil, errors.New("linear: api_key and team_id are required")
	}
	return &LinearChannel{
		apiKey:   apiKey,
		teamID:   teamID,
		endpoint: "https://api.linear.app/graphql",
		client:   newHTTPClient(),
	}, nil
}

func (c *LinearChannel) Type() string { return "linear" }

// linearPriority maps severities onto Linear's 1 (urgent) to 4 (low) scale.
func linearPriority(s mission.Severity) int {
	switch s {
	case mission.SeverityCritical:
		return 1
	case mission.SeverityHigh:
		return 2
	case mission.SeverityMedium:
		return 3
	}
	return 4
}

func (c *LinearChannel) Send(ctx context.Context, m Message) error {
	var desc strings.Builder
	if m.Description != "" {
		desc.WriteString(m.Description)
		desc.WriteString("\n\n")
	}
	if m.Asset != "" {
		fmt.Fprintf(&desc, "**Asset:** %s\n", m.Asset)
	}
	fmt.Fprintf(&desc, "**Mission:** %s\n", m.MissionID)

	payload := map[string]any{
		"query": `mutation IssueCreate($input: IssueCreateInput!) { issueCreate(input: $input) { success } }`,
		"variables": map[string]any{
			"input": map[string]any{
				"teamId":      c.teamID,
				"title":       m.tag(),
				"description": desc.String(),
				"priority":    linearPriority(m.Severity),
			},
		},
	}
	headers := map[string]string{"Authorization": c.apiKey}
	return postJSON(ctx, c.client, c.endpoint, headers, payload)
}

// WebhookChannel posts the raw message JSON to an arbitrary URL. When a
// secret is configured the body is signed with HMAC-SHA256 and the hex
// digest travels in X-Sentry-Signature, so receivers can authenticate the
// sender without TLS client certs.
type WebhookChannel struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhook(url, secret string) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook: url is required")
	}
	return &WebhookChannel{url: url, secret: secret, client: newHTTPClient()}, nil
}

func (c *WebhookChannel) Type() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	headers := map[string]string{"X-Sentry-Event": "finding"}
	if c.secret != "" {
		headers["X-Sentry-Signature"] = Signature(c.secret, body)
	}
	return postRaw(ctx, c.client, c.url, headers, body)
}

// Signature computes the hex HMAC-SHA256 of body under secret. Webhook
// receivers recompute it over the exact bytes received and compare with
// signing.Verify.
func Signature(secret string, body []byte) string {
	return signing.Sign(secret, body)
}

// Route pairs a channel with the lowest severity it wants to hear about.
type Route struct {
	Channel     Channel
	MinSeverity mission.Severity
}

// ParseMinSeverity maps a stored min_severity value onto a Severity,
// defaulting to info when empty or unrecognized.
func ParseMinSeverity(s string) mission.Severity {
	sev := mission.Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return mission.SeverityInfo
	}
	return sev
}

// RateLimiter holds one token bucket per mission so a single scan that
// uncovers hundreds of findings cannot drown every channel.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewRateLimiter allows perMinute sustained notifications per mission with
// the given burst headroom.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 6
	}
	if burst <= 0 {
		burst = 3
	}
	return &RateLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether one more notification may go out for the mission.
func (l *RateLimiter) Allow(missionID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[missionID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[missionID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Router fans a finding out to every route whose severity floor it clears.
// Delivery problems are logged and swallowed: a broken Slack webhook must
// never fail the mission that produced the finding.
type Router struct {
	routes  []Route
	limiter *RateLimiter
	log     *zap.Logger
}

func NewRouter(routes []Route, limiter *RateLimiter, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{routes: routes, limiter: limiter, log: log}
}

// NotifyFinding implements the workflow notifier contract.
func (r *Router) NotifyFinding(ctx context.Context, f mission.Finding) error {
	if len(r.routes) == 0 {
		return nil
	}
	if r.limiter != nil && !r.limiter.Allow(f.MissionID) {
		r.log.Debug("notification rate limited",
			zap.String("mission_id", f.MissionID),
			zap.String("finding_id", f.ID))
		return nil
	}
	m := FromFinding(f)
	for _, route := range r.routes {
		if f.Severity.Rank() < route.MinSeverity.Rank() {
			continue
		}
		if err := route.Channel.Send(ctx, m); err != nil {
			metrics.RecordNotification(route.Channel.Type(), "error")
			r.log.Warn("notification delivery failed",
				zap.String("channel", route.Channel.Type()),
				zap.String("mission_id", f.MissionID),
				zap.String("finding_id", f.ID),
				zap.Error(err))
			continue
		}
		metrics.RecordNotification(route.Channel.Type(), "ok")
		r.log.Debug("notification delivered",
			zap.String("channel", route.Channel.Type()),
			zap.String("finding_id", f.ID))
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
