// Package mcpserver exposes mission control as MCP tools and resources so
// LLM clients can drive scans over the Model Context Protocol.
package mcpserver

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/scope"
	"github.com/sentryai/sentry/internal/tools"
	"github.com/sentryai/sentry/internal/workflow"
)

// Version is injected from the control-plane build metadata.
var Version = "dev"

// StartParams is the mission_start surface: the simple subset of a mission
// request an MCP client supplies. Scope defaults to the targets themselves
// and limits to the server defaults.
type StartParams struct {
	Target    string
	Targets   []string
	Objective string
	ScanType  string
	AutoPilot bool
}

// Core is the slice of control-plane behavior the MCP surface needs. The
// HTTP server implements it; tests use a fake.
type Core interface {
	StartMission(ctx context.Context, p StartParams) (*mission.Mission, error)
	GetMission(ctx context.Context, missionID string) (*mission.Mission, *workflow.StatusInfo, error)
	MissionFindings(ctx context.Context, missionID string) ([]mission.Finding, error)
	CancelMission(ctx context.Context, missionID string) error
	CheckScope(policy scope.Policy, targets []string) ([]scope.Verdict, error)
	ListMissions(ctx context.Context, limit int) ([]mission.Mission, error)
	ListTools() []tools.Schema
}

// MCPServer wraps an mcp.Server around a Core.
type MCPServer struct {
	server  *mcp.Server
	handler http.Handler
	core    Core
	logger  *zap.Logger
}

// New creates and wires the MCP surface.
func New(core Core, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "sentry",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server: srv,
		core:   core,
		logger: logger,
	}

	m.registerTools()
	m.registerResources()
	m.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)

	return m
}

// NewHandler builds the MCP surface and returns just its HTTP handler.
func NewHandler(core Core, logger *zap.Logger) http.Handler {
	return New(core, logger).Handler()
}

// Handler returns the HTTP transport handler mounted at /mcp.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}
