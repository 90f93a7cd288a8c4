package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sentryai/sentry/internal/budget"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/scope"
	"github.com/sentryai/sentry/internal/store"
	"github.com/sentryai/sentry/internal/tools"
	"github.com/sentryai/sentry/internal/workflow"
)

// APIClient talks to the sentryd REST surface. Response bodies decode into
// the same domain types the server encodes, so the CLI never re-declares
// the wire format.
type APIClient struct {
	server string
	apiKey string
	http   *http.Client
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func NewAPIClient(server, apiKey string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = defaultServer
	}
	return &APIClient{
		server: server,
		apiKey: apiKey,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ── Missions ─────────────────────────────────────────────────────────

type startMissionPayload struct {
	Targets         []string       `json:"targets"`
	Objective       string         `json:"objective"`
	ScanType        string         `json:"scan_type,omitempty"`
	AutoPilot       bool           `json:"auto_pilot,omitempty"`
	Scope           *scope.Policy  `json:"scope,omitempty"`
	Limits          *budget.Limits `json:"limits,omitempty"`
	NotifyOnFinding bool           `json:"notify_on_finding,omitempty"`
}

type missionList struct {
	Missions []mission.Mission `json:"missions"`
	Total    int               `json:"total"`
}

type missionDetail struct {
	Mission         *mission.Mission     `json:"mission"`
	Live            *workflow.StatusInfo `json:"live,omitempty"`
	ExecutionStatus string               `json:"execution_status,omitempty"`
}

func (c *APIClient) StartMission(ctx context.Context, req startMissionPayload) (*mission.Mission, error) {
	var out mission.Mission
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/missions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Missions(ctx context.Context, status string, limit int) (*missionList, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out missionList
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/api/v1/missions", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Mission(ctx context.Context, id string) (*missionDetail, error) {
	var out missionDetail
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/missions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) DeleteMission(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/missions/"+url.PathEscape(id), nil, nil)
}

func (c *APIClient) CancelMission(ctx context.Context, id string) (map[string]string, error) {
	var out map[string]string
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/missions/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) TerminateMission(ctx context.Context, id string) (map[string]string, error) {
	var out map[string]string
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/missions/"+url.PathEscape(id)+"/terminate", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) SignalMission(ctx context.Context, id, signal string, data any) (map[string]string, error) {
	body := map[string]any{"signal_name": signal}
	if data != nil {
		body["data"] = data
	}
	var out map[string]string
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/missions/"+url.PathEscape(id)+"/signal", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ── Findings ─────────────────────────────────────────────────────────

type findingList struct {
	Findings []mission.Finding `json:"findings"`
	Total    int               `json:"total"`
}

func (c *APIClient) MissionFindings(ctx context.Context, missionID, severity string) (*findingList, error) {
	q := url.Values{}
	if severity != "" {
		q.Set("severity", severity)
	}
	path := withQuery("/api/v1/missions/"+url.PathEscape(missionID)+"/findings", q)
	var out findingList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Findings(ctx context.Context, severity, status string, limit int) (*findingList, error) {
	q := url.Values{}
	if severity != "" {
		q.Set("severity", severity)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out findingList
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/api/v1/findings", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) UpdateFinding(ctx context.Context, id, status string) error {
	body := map[string]string{"status": status}
	return c.doJSON(ctx, http.MethodPatch, "/api/v1/findings/"+url.PathEscape(id), body, nil)
}

type similarList struct {
	FindingID string `json:"finding_id"`
	Similar   []struct {
		FindingID string  `json:"finding_id"`
		Score     float64 `json:"score"`
		Text      string  `json:"text,omitempty"`
	} `json:"similar"`
}

func (c *APIClient) SimilarFindings(ctx context.Context, id string, k int) (*similarList, error) {
	q := url.Values{}
	if k > 0 {
		q.Set("k", strconv.Itoa(k))
	}
	path := withQuery("/api/v1/findings/"+url.PathEscape(id)+"/similar", q)
	var out similarList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Tool schemas ─────────────────────────────────────────────────────

type toolList struct {
	Tools []tools.Schema `json:"tools"`
	Total int            `json:"total"`
}

func (c *APIClient) Tools(ctx context.Context) (*toolList, error) {
	var out toolList
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/tools", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Tool(ctx context.Context, name string) (*tools.Schema, error) {
	var out tools.Schema
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/tools/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) PutTool(ctx context.Context, schema tools.Schema) (*tools.Schema, error) {
	var out tools.Schema
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/tools/"+url.PathEscape(schema.Name), schema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) DeleteTool(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/tools/"+url.PathEscape(name), nil, nil)
}

// ── Scope ────────────────────────────────────────────────────────────

type scopeCheckResult struct {
	Results []scope.Verdict `json:"results"`
}

func (c *APIClient) ScopeCheck(ctx context.Context, targets []string, pol scope.Policy) (*scopeCheckResult, error) {
	body := map[string]any{
		"targets": targets,
		"policy":  pol,
	}
	var out scopeCheckResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/scope/check", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Schedules ────────────────────────────────────────────────────────

// scheduleRow mirrors the server's schedule view: the stored row plus the
// computed next run.
type scheduleRow struct {
	store.Schedule
	NextRun *time.Time `json:"next_run,omitempty"`
}

type scheduleList struct {
	Schedules []scheduleRow `json:"schedules"`
	Total     int           `json:"total"`
}

func (c *APIClient) Schedules(ctx context.Context, enabledOnly bool) (*scheduleList, error) {
	q := url.Values{}
	if enabledOnly {
		q.Set("enabled", "true")
	}
	var out scheduleList
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/api/v1/schedules", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Schedule(ctx context.Context, id string) (*scheduleRow, error) {
	var out scheduleRow
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/schedules/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) CreateSchedule(ctx context.Context, sc store.Schedule) (*scheduleRow, error) {
	var out scheduleRow
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/schedules", sc, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) UpdateSchedule(ctx context.Context, id string, patch map[string]any) (*scheduleRow, error) {
	var out scheduleRow
	if err := c.doJSON(ctx, http.MethodPatch, "/api/v1/schedules/"+url.PathEscape(id), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) DeleteSchedule(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/schedules/"+url.PathEscape(id), nil, nil)
}

func (c *APIClient) TriggerSchedule(ctx context.Context, id string) (map[string]string, error) {
	var out map[string]string
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/schedules/"+url.PathEscape(id)+"/trigger", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ── Integrations ─────────────────────────────────────────────────────

type integrationList struct {
	Integrations []store.Integration `json:"integrations"`
	Total        int                 `json:"total"`
}

func (c *APIClient) Integrations(ctx context.Context, enabledOnly bool) (*integrationList, error) {
	q := url.Values{}
	if enabledOnly {
		q.Set("enabled", "true")
	}
	var out integrationList
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/api/v1/integrations", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) CreateIntegration(ctx context.Context, in store.Integration) (*store.Integration, error) {
	var out store.Integration
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/integrations", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) UpdateIntegration(ctx context.Context, id string, patch map[string]any) (*store.Integration, error) {
	var out store.Integration
	if err := c.doJSON(ctx, http.MethodPatch, "/api/v1/integrations/"+url.PathEscape(id), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) DeleteIntegration(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/integrations/"+url.PathEscape(id), nil, nil)
}

// ── Plumbing ─────────────────────────────────────────────────────────

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if err := json.Unmarshal(resBody, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(resBody)))
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
