package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/troupe/internal/buildinfo"
	"github.com/nugget/troupe/internal/plugin"
)

// newMCPServer exposes the registered agents as MCP tools.
func (s *Server) newMCPServer() *server.MCPServer {
	m := server.NewMCPServer(
		"troupe",
		buildinfo.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	m.AddTool(listAgentsTool(), s.handleListAgentsTool)
	m.AddTool(sendMessageTool(), s.handleSendMessageTool)
	return m
}

func listAgentsTool() mcp.Tool {
	return mcp.NewTool("list_agents",
		mcp.WithDescription("List the agents running in this process with their ids, clients and plugins."),
	)
}

func sendMessageTool() mcp.Tool {
	return mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to an agent and return its replies."),
		mcp.WithString("agent",
			mcp.Required(),
			mcp.Description("Agent id, name or username"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Message text"),
		),
		mcp.WithString("room_id",
			mcp.Description("Conversation room; defaults to the agent's own room"),
		),
		mcp.WithString("user_id",
			mcp.Description("Sender id; defaults to \"mcp\""),
		),
	)
}

func (s *Server) handleListAgentsTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agents := s.Agents()
	out := make([]AgentInfo, 0, len(agents))
	for _, rt := range agents {
		out = append(out, agentInfo(rt))
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode agents: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleSendMessageTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := req.GetString("agent", "")
	text := req.GetString("text", "")
	if key == "" || text == "" {
		return mcp.NewToolResultError("agent and text are required"), nil
	}
	rt, ok := s.lookup(key)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("agent %q not found", key)), nil
	}

	resp, err := rt.ProcessMessage(ctx, plugin.Message{
		RoomID: req.GetString("room_id", ""),
		UserID: req.GetString("user_id", "mcp"),
		Text:   text,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed to answer: %v", rt.Name(), err)), nil
	}
	if len(resp.Messages) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("%s chose not to reply (%s).", rt.Name(), resp.Action)), nil
	}

	var sb strings.Builder
	for i, m := range resp.Messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%s: %s", rt.Name(), m)
	}
	return mcp.NewToolResultText(sb.String()), nil
}
