// CLAUDE:SUMMARY Registers the ingest MCP tools: progress, failures, clear failure, runs, merge.
package ingest

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/sigfetch/kit"
)

// RegisterMCP registers the ingest tools on an MCP server.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	e.registerProgressTool(srv)
	e.registerFailuresTool(srv)
	e.registerClearFailureTool(srv)
	e.registerRunsTool(srv)
	e.registerMergeTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// registerTool registers endpoint wrapped with the tool middlewares.
func (e *Engine) registerTool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, kit.Chain(e.logTool(tool.Name))(endpoint), decode)
}

// logTool logs every tool call with its duration; failures at warn level.
func (e *Engine) logTool(name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if err != nil {
				e.logger.WarnContext(ctx, "ingest: mcp tool failed",
					"tool", name, "transport", kit.GetTransport(ctx), "duration", time.Since(start), "error", err)
				return resp, err
			}
			e.logger.DebugContext(ctx, "ingest: mcp tool",
				"tool", name, "transport", kit.GetTransport(ctx), "duration", time.Since(start))
			return resp, nil
		}
	}
}

type emptyRequest struct{}

func (e *Engine) registerProgressTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_progress",
		Description: "Progress of the current or last fetch: completion, ETA, per-entity states and recent status lines.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(_ context.Context, _ any) (any, error) {
		return e.Progress(), nil
	}
	e.registerTool(srv, tool, endpoint, kit.DecodeArgs[emptyRequest]())
}

func (e *Engine) registerFailuresTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_failures",
		Description: "Entities for which no plan item succeeded in their last attempt, with timestamp and reason.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{"failures": e.Failures()}, nil
	}
	e.registerTool(srv, tool, endpoint, kit.DecodeArgs[emptyRequest]())
}

type clearFailureRequest struct {
	EntityID string `json:"entity_id"`
	All      bool   `json:"all,omitempty"`
}

func (e *Engine) registerClearFailureTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_clear_failure",
		Description: "Remove one entity from the failure ledger, or every entity with all=true.",
		InputSchema: inputSchema(map[string]any{
			"entity_id": map[string]any{"type": "string", "description": "Entity to clear"},
			"all":       map[string]any{"type": "boolean", "description": "Clear the whole ledger"},
		}, nil),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*clearFailureRequest)
		if r.All {
			n, err := e.ClearFailures()
			if err != nil {
				return nil, err
			}
			return map[string]any{"cleared": n}, nil
		}
		if r.EntityID == "" {
			return nil, configErr("entity_id", errRequired)
		}
		ok, err := e.ClearFailure(r.EntityID)
		if err != nil {
			return nil, err
		}
		n := 0
		if ok {
			n = 1
		}
		return map[string]any{"cleared": n, "entity_id": r.EntityID}, nil
	}
	e.registerTool(srv, tool, endpoint, kit.DecodeArgs[clearFailureRequest]())
}

type runsRequest struct {
	ID    string `json:"id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (e *Engine) registerRunsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_runs",
		Description: "Recent fetch runs, newest first, or one run with its per-entity rows when id is given.",
		InputSchema: inputSchema(map[string]any{
			"id":    map[string]any{"type": "string", "description": "Run ID"},
			"limit": map[string]any{"type": "integer", "description": "Max runs (default 20)"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*runsRequest)
		if r.ID != "" {
			return e.Run(ctx, r.ID)
		}
		runs, err := e.Runs(ctx, r.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"runs": runs}, nil
	}
	e.registerTool(srv, tool, endpoint, kit.DecodeArgs[runsRequest]())
}

type mergeRequest struct {
	Dedup string `json:"dedup,omitempty"`
}

func (e *Engine) registerMergeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_merge",
		Description: "Re-aggregate raw artifacts into merged JSON and CSV without any network call.",
		InputSchema: inputSchema(map[string]any{
			"dedup": map[string]any{"type": "string", "enum": []any{"first", "latest"}, "description": "Duplicate policy (default from config)"},
		}, nil),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		return e.Merge(req.(*mergeRequest).Dedup)
	}
	e.registerTool(srv, tool, endpoint, kit.DecodeArgs[mergeRequest]())
}
