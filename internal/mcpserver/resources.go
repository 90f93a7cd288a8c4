package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	toolCatalogURI    = "sentry://tools/catalog"
	recentMissionsURI = "sentry://missions/recent"

	recentMissionLimit = 20
)

func (s *MCPServer) registerResources() {
	s.server.AddResource(&mcp.Resource{
		URI:         toolCatalogURI,
		Name:        "Tool Catalog",
		Description: "The scan tools this deployment can execute, with parameter schemas and usage examples.",
		MIMEType:    "application/json",
	}, s.readToolCatalog)

	s.server.AddResource(&mcp.Resource{
		URI:         recentMissionsURI,
		Name:        "Recent Missions",
		Description: "The most recently created missions with their lifecycle status and counters.",
		MIMEType:    "application/json",
	}, s.readRecentMissions)
}

func (s *MCPServer) readToolCatalog(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := toolCatalogURI
	if req != nil && req.Params != nil && req.Params.URI != "" {
		uri = req.Params.URI
	}

	schemas := s.core.ListTools()
	data, err := json.MarshalIndent(map[string]any{
		"tools": schemas,
		"total": len(schemas),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool catalog: %w", err)
	}

	return jsonResource(uri, string(data)), nil
}

func (s *MCPServer) readRecentMissions(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := recentMissionsURI
	if req != nil && req.Params != nil && req.Params.URI != "" {
		uri = req.Params.URI
	}

	missions, err := s.core.ListMissions(ctx, recentMissionLimit)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"missions": missions,
		"total":    len(missions),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal missions: %w", err)
	}

	return jsonResource(uri, string(data)), nil
}

func jsonResource(uri, text string) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      uri,
				MIMEType: "application/json",
				Text:     text,
			},
		},
	}
}
