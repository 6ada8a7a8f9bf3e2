// Package mcp exposes the outline to agents over the Model Context
// Protocol. Every mutation made here is an external-sync write: conflict
// detection applies, provenance names the agent, and viewers see the
// change live like any other edit.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"lattice-core/application/services"
	"lattice-core/application/store"
	"lattice-core/domain/outline"
)

const (
	serverName    = "latticed"
	serverVersion = "1.0.0"

	defaultAgentID  = "agent"
	defaultWaitMs   = 5000
	maxWaitMs       = 60000
	maxListChildren = 1000
)

// Deps holds what the tool handlers need. AgentID names the agent on every
// mutation's provenance; empty means "agent".
type Deps struct {
	Service *services.OutlineService
	Store   *store.Store
	AgentID string
}

func (d Deps) source() outline.Source {
	agentID := d.AgentID
	if agentID == "" {
		agentID = defaultAgentID
	}
	return outline.ExternalSyncSource(agentID)
}

// NewServer creates an MCP server with every outline tool registered.
func NewServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("Lattice outline sync core. Nodes form a tree; edits are versioned and conflict-checked. Pass baseVersion from your last read on updates so concurrent viewer edits are detected instead of overwritten."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_node",
			mcp.WithDescription("Fetch one node by id, including content, parent, properties and version."),
			mcp.WithString("id", mcp.Description("Node id"), mcp.Required()),
		),
		toolGetNode(deps),
	)

	s.AddTool(
		mcp.NewTool("create_node",
			mcp.WithDescription("Create a node. Omit id to have one generated; omit parentId to create a root node."),
			mcp.WithString("nodeType", mcp.Description("Node type tag (text, task, header, ...)"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Initial content")),
			mcp.WithString("id", mcp.Description("Explicit node id")),
			mcp.WithString("parentId", mcp.Description("Parent node id")),
			mcp.WithNumber("position", mcp.Description("Insertion index among the new siblings")),
			mcp.WithObject("properties", mcp.Description("Open per-type properties")),
		),
		toolCreateNode(deps),
	)

	s.AddTool(
		mcp.NewTool("update_node",
			mcp.WithDescription("Apply a partial update. Pass baseVersion from your last read; a concurrent edit then returns both candidates instead of applying."),
			mcp.WithString("id", mcp.Description("Node id"), mcp.Required()),
			mcp.WithString("content", mcp.Description("New content")),
			mcp.WithString("nodeType", mcp.Description("New node type")),
			mcp.WithString("parentId", mcp.Description("New parent id; empty string moves to the root")),
			mcp.WithObject("properties", mcp.Description("New properties")),
			mcp.WithNumber("baseVersion", mcp.Description("Version the update was built against")),
			mcp.WithBoolean("mergeProperties", mcp.Description("Merge properties into the current map instead of replacing it")),
		),
		toolUpdateNode(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_node",
			mcp.WithDescription("Delete a node and every descendant. Deleting a missing node succeeds."),
			mcp.WithString("id", mcp.Description("Node id"), mcp.Required()),
		),
		toolDeleteNode(deps),
	)

	s.AddTool(
		mcp.NewTool("list_children",
			mcp.WithDescription("List a node's children in sibling order. Omit parentId to list the root nodes."),
			mcp.WithString("parentId", mcp.Description("Parent node id")),
		),
		toolListChildren(deps),
	)

	s.AddTool(
		mcp.NewTool("move_node",
			mcp.WithDescription("Reparent a node, keeping its subtree. Omit newParentId to move it to the root."),
			mcp.WithString("id", mcp.Description("Node id"), mcp.Required()),
			mcp.WithString("newParentId", mcp.Description("New parent id")),
			mcp.WithNumber("position", mcp.Description("Insertion index among the new siblings")),
		),
		toolMoveNode(deps),
	)

	s.AddTool(
		mcp.NewTool("wait_for_saves",
			mcp.WithDescription("Block until the named nodes' pending saves finish, returning any that missed the deadline."),
			mcp.WithArray("ids", mcp.Description("Node ids to wait for"), mcp.Required()),
			mcp.WithNumber("timeoutMs", mcp.Description("Wait budget in milliseconds (default 5000, max 60000)")),
		),
		toolWaitForSaves(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"outline://nodes",
			"Outline Nodes",
			mcp.WithResourceDescription("Every resident node as a JSON array"),
			mcp.WithMIMEType("application/json"),
		),
		resourceNodes(deps),
	)

	return s
}

// Serve runs the stdio transport until the context ends.
func Serve(ctx context.Context, s *server.MCPServer) error {
	stdio := server.NewStdioServer(s)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func toolGetNode(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return errorResult("id is required"), nil
		}

		node, ok := deps.Store.GetNode(id)
		if !ok {
			return errorResult(fmt.Sprintf("node not found: %s", id)), nil
		}
		return jsonResult(node)
	}
}

func toolCreateNode(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		nodeType, err := req.RequireString("nodeType")
		if err != nil {
			return errorResult("nodeType is required"), nil
		}

		createReq := services.CreateNodeRequest{
			ID:         req.GetString("id", ""),
			Type:       nodeType,
			Content:    req.GetString("content", ""),
			ParentID:   req.GetString("parentId", ""),
			Properties: objectArg(req, "properties"),
		}
		if position := req.GetInt("position", -1); position >= 0 {
			createReq.Position = &position
		}

		node, err := deps.Service.CreateNode(ctx, deps.source(), createReq)
		if err != nil {
			return errorResult(fmt.Sprintf("create failed: %v", err)), nil
		}
		return jsonResult(node)
	}
}

func toolUpdateNode(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return errorResult("id is required"), nil
		}

		args := req.GetArguments()
		var change outline.Change
		if v, ok := args["content"].(string); ok {
			change.Content = &v
		}
		if v, ok := args["nodeType"].(string); ok {
			change.Type = &v
		}
		if v, ok := args["parentId"].(string); ok {
			change.ParentID = &v
		}
		change.Properties = objectArg(req, "properties")
		change.BaseVersion = int64(req.GetInt("baseVersion", 0))

		if change.IsEmpty() {
			return errorResult("change carries no fields"), nil
		}
		if _, ok := deps.Store.GetNode(id); !ok {
			return errorResult(fmt.Sprintf("node not found: %s", id)), nil
		}

		resolution, err := deps.Store.UpdateNode(id, change, deps.source(), store.UpdateOptions{
			MergeProperties: req.GetBool("mergeProperties", false),
		})
		if err != nil {
			return errorResult(fmt.Sprintf("update failed: %v", err)), nil
		}

		if resolution != nil && resolution.RequiresManual() {
			// The write did not land. Hand the agent both candidates so it
			// can pick a winner and retry with the current version.
			payload, merr := json.Marshal(map[string]any{
				"conflict":   true,
				"resolution": resolution,
			})
			if merr != nil {
				return errorResult(fmt.Sprintf("conflict on %s, and marshaling the candidates failed: %v", id, merr)), nil
			}
			return errorResult(string(payload)), nil
		}

		node, _ := deps.Store.GetNode(id)
		if resolution != nil {
			return jsonResult(map[string]any{"node": node, "resolution": resolution})
		}
		return jsonResult(node)
	}
}

func toolDeleteNode(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return errorResult("id is required"), nil
		}

		if err := deps.Service.DeleteSubtree(ctx, deps.source(), id); err != nil {
			return errorResult(fmt.Sprintf("delete failed: %v", err)), nil
		}
		return textResult(fmt.Sprintf("deleted %s and its descendants", id)), nil
	}
}

func toolListChildren(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		parentID := req.GetString("parentId", "")
		if parentID != "" {
			if _, ok := deps.Store.GetNode(parentID); !ok {
				return errorResult(fmt.Sprintf("node not found: %s", parentID)), nil
			}
		}

		children := deps.Store.GetChildren(parentID)
		if len(children) > maxListChildren {
			children = children[:maxListChildren]
		}
		return jsonResult(children)
	}
}

func toolMoveNode(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return errorResult("id is required"), nil
		}

		var position *int
		if p := req.GetInt("position", -1); p >= 0 {
			position = &p
		}

		if err := deps.Service.Move(ctx, deps.source(), id, req.GetString("newParentId", ""), position); err != nil {
			return errorResult(fmt.Sprintf("move failed: %v", err)), nil
		}

		node, _ := deps.Store.GetNode(id)
		return jsonResult(node)
	}
}

func toolWaitForSaves(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids := req.GetStringSlice("ids", nil)
		if len(ids) == 0 {
			return errorResult("ids is required"), nil
		}

		timeoutMs := req.GetInt("timeoutMs", defaultWaitMs)
		if timeoutMs <= 0 {
			timeoutMs = defaultWaitMs
		}
		if timeoutMs > maxWaitMs {
			timeoutMs = maxWaitMs
		}

		incomplete := deps.Service.WaitForSaves(ctx, ids, time.Duration(timeoutMs)*time.Millisecond)
		if incomplete == nil {
			incomplete = []string{}
		}
		return jsonResult(map[string]any{
			"complete":   len(incomplete) == 0,
			"incomplete": incomplete,
		})
	}
}

func resourceNodes(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		nodes := deps.Store.GetAllNodes()
		b, err := json.Marshal(nodes)
		if err != nil {
			return nil, fmt.Errorf("marshal nodes: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// objectArg pulls a JSON-object argument out of the raw arguments map.
func objectArg(req mcp.CallToolRequest, key string) map[string]any {
	if v, ok := req.GetArguments()[key].(map[string]any); ok {
		return v
	}
	return nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Sprintf("marshal failed: %v", err)), nil
	}
	return textResult(string(b)), nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
