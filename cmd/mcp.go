package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/Siddhant-K-code/topicshift/pkg/audit"
	"github.com/Siddhant-K-code/topicshift/pkg/engine"
	"github.com/Siddhant-K-code/topicshift/pkg/host"
)

// Version is reported to MCP clients.
var Version = "0.1.0"

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run topicshift as an MCP stdio server",
	Long: `Expose the engine as MCP tools over stdio so an agent host can report
messages and pick up handoff context without the HTTP service.

Tools:
  classify_message   classify one message and rotate when needed
  prepend_context    fetch a pending clarification prompt
  pending_events     drain queued handoff events
  session_state      inspect tracked state
  forget_session     drop tracked state
  list_rotations     list audited rotations`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// MCPServer adapts the engine runtime to MCP tool calls.
type MCPServer struct {
	rt *runtime
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, runtimeOptions{})
	if err != nil {
		return err
	}
	rt.Start()
	defer func() {
		cctx, cancel := shutdownContext()
		defer cancel()
		_ = rt.Close(cctx)
	}()

	s := server.NewMCPServer("topicshift", Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	(&MCPServer{rt: rt}).register(s)

	return server.ServeStdio(s)
}

func (m *MCPServer) register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("classify_message",
		mcp.WithDescription("Classify one chat message for a topic shift. Rotates the session when the topic changed."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("role", mcp.Description("user (default) or assistant")),
		mcp.WithString("session_key", mcp.Description("Canonical session key. Built from agent_id/channel/peer when empty.")),
		mcp.WithString("agent_id", mcp.Description("Agent id (default: main)")),
		mcp.WithString("channel", mcp.Description("Channel name, e.g. telegram")),
		mcp.WithString("peer", mcp.Description("Peer id within the channel")),
		mcp.WithString("provider", mcp.Description("Message provider, used for skip rules")),
	), m.handleClassifyMessage)

	s.AddTool(mcp.NewTool("prepend_context",
		mcp.WithDescription("Return the clarification prompt to prepend to the next turn, if one is pending."),
		mcp.WithString("session_key", mcp.Required(), mcp.Description("Canonical session key")),
	), m.handlePrependContext)

	s.AddTool(mcp.NewTool("pending_events",
		mcp.WithDescription("Drain handoff context events queued for a session."),
		mcp.WithString("session_key", mcp.Required(), mcp.Description("Canonical session key")),
	), m.handlePendingEvents)

	s.AddTool(mcp.NewTool("session_state",
		mcp.WithDescription("Show the tracked classifier state for a session."),
		mcp.WithString("session_key", mcp.Required(), mcp.Description("Canonical session key")),
	), m.handleSessionState)

	s.AddTool(mcp.NewTool("forget_session",
		mcp.WithDescription("Drop tracked classifier state for a session."),
		mcp.WithString("session_key", mcp.Required(), mcp.Description("Canonical session key")),
	), m.handleForgetSession)

	s.AddTool(mcp.NewTool("list_rotations",
		mcp.WithDescription("List recent rotations from the audit log, newest first."),
		mcp.WithString("session_key", mcp.Description("Filter by session key")),
		mcp.WithNumber("limit", mcp.Description("Max rows (default 50)")),
	), m.handleListRotations)
}

func (m *MCPServer) handleClassifyMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	text, _ := args["text"].(string)
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	role, _ := args["role"].(string)
	if role == "" {
		role = "user"
	}
	ev := engine.Event{Role: role, Text: text, At: time.Now()}
	ev.Provider, _ = args["provider"].(string)
	ev.Route.SessionKey, _ = args["session_key"].(string)
	ev.Route.AgentID, _ = args["agent_id"].(string)
	ev.Route.Channel, _ = args["channel"].(string)
	ev.Route.Peer, _ = args["peer"].(string)

	decision, err := m.rt.engine.OnMessage(ctx, ev)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("classify: %v", err)), nil
	}

	data, _ := json.MarshalIndent(decision, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}

func (m *MCPServer) handlePrependContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, _ := request.GetArguments()["session_key"].(string)
	if key == "" {
		return mcp.NewToolResultError("session_key is required"), nil
	}

	prompt, ok := m.rt.engine.PrependContext(ctx, key, time.Now())
	data, _ := json.MarshalIndent(prependResponse{SessionKey: key, Prompt: prompt, Injected: ok}, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}

func (m *MCPServer) handlePendingEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, _ := request.GetArguments()["session_key"].(string)
	if key == "" {
		return mcp.NewToolResultError("session_key is required"), nil
	}

	events := m.rt.outbox.Drain(key)
	if events == nil {
		events = []host.ContextEvent{}
	}
	data, _ := json.MarshalIndent(pendingResponse{SessionKey: key, Events: events}, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}

func (m *MCPServer) handleSessionState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, _ := request.GetArguments()["session_key"].(string)
	if key == "" {
		return mcp.NewToolResultError("session_key is required"), nil
	}

	st, ok := m.rt.engine.SessionState(key)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no state for %q", key)), nil
	}
	data, _ := json.MarshalIndent(st, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}

func (m *MCPServer) handleForgetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, _ := request.GetArguments()["session_key"].(string)
	if err := m.rt.engine.ForgetSession(key); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("forget: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("forgot %s", key)), nil
}

func (m *MCPServer) handleListRotations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.rt.audit == nil {
		return mcp.NewToolResultError("rotation audit is disabled"), nil
	}
	args := request.GetArguments()

	req := audit.ListRequest{}
	req.SessionKey, _ = args["session_key"].(string)
	if v, ok := args["limit"].(float64); ok && v > 0 {
		req.Limit = int(v)
	}

	rotations, err := m.rt.audit.List(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list rotations: %v", err)), nil
	}
	if rotations == nil {
		rotations = []audit.Rotation{}
	}
	data, _ := json.MarshalIndent(rotations, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}
