package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/storepulse/internal/feature"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Session Session
}

// NewMCPServer creates an MCP server exposing the chat session.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"storepulse",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("storepulse: chat with the app-store analytics assistant of the active feature."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message on the active feature's thread and wait for the assistant's reply."),
			mcp.WithString("text", mcp.Description("Message text"), mcp.Required()),
		),
		mcpSendMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("switch_feature",
			mcp.WithDescription("Switch the active feature. Each feature has its own conversation thread."),
			mcp.WithString("feature", mcp.Description("One of general, keywords, appStore"), mcp.Required()),
		),
		mcpSwitchFeature(deps),
	)

	s.AddTool(
		mcp.NewTool("new_thread",
			mcp.WithDescription("Start a fresh conversation thread for the active feature."),
		),
		mcpNewThread(deps),
	)

	s.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Report the active feature, thread, validity and polling state."),
		),
		mcpSessionStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"session://messages",
			"Conversation",
			mcp.WithResourceDescription("Messages of the active thread as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceMessages(deps),
	)

	return s
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil || text == "" {
			return mcpError("text is required"), nil
		}

		msg, err := deps.Session.Send(ctx, text)
		if err != nil {
			return mcpError(fmt.Sprintf("send failed: %v", err)), nil
		}
		return mcpText(msg.Content), nil
	}
}

func mcpSwitchFeature(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("feature")
		if err != nil {
			return mcpError("feature is required"), nil
		}
		f, err := feature.Parse(name)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		b, err := deps.Session.SwitchFeature(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("switch failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Switched to %s (thread %s)", b.Feature, b.ThreadID)), nil
	}
}

func mcpNewThread(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := deps.Session.CreateNewThread(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("creating thread failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("New thread %s for %s", b.ThreadID, b.Feature)), nil
	}
}

func mcpSessionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Session.Status())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceMessages(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		type messageView struct {
			ID        string `json:"id"`
			Role      string `json:"role"`
			Kind      string `json:"kind"`
			Content   string `json:"content"`
			CreatedAt string `json:"created_at"`
		}

		msgs := deps.Session.Messages()
		views := make([]messageView, len(msgs))
		for i, m := range msgs {
			views[i] = messageView{
				ID:        m.ID,
				Role:      string(m.Role),
				Kind:      string(m.Kind),
				Content:   m.Content,
				CreatedAt: m.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			}
		}

		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal messages: %w", err)
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

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
