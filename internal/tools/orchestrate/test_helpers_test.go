package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/loomwork/internal/app"
	"github.com/jaakkos/loomwork/internal/repository/journal"
	"github.com/jaakkos/loomwork/internal/repository/sqlite"
)

// testServer wires real services over temp storage and registers the
// tools without an engine.
func testServer(t *testing.T) (*server.MCPServer, Services) {
	t.Helper()
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)

	jnl, err := journal.New(dir)
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}
	index, err := sqlite.New(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { index.Close() })

	events := app.NewEventLogger(index, jnl, logger)
	mailbox := app.NewMailboxService(jnl, events, logger)
	svc := Services{
		Workflows:  app.NewWorkflowService(events, jnl, 25, logger),
		Mailbox:    mailbox,
		Escalation: app.NewEscalationService(jnl, mailbox, events, "coordinator", "human", time.Second, logger),
		Projector:  app.NewProjector(events, jnl, 100, logger),
		Events:     events,
	}

	s := server.NewMCPServer("test", "0.0.0")
	Register(s, svc, logger)
	return s, svc
}

// callTool calls a registered tool via the MCPServer's HandleMessage.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(context.Background(), reqJSON)

	respBytes, marshalErr := json.Marshal(respJSON)
	if marshalErr != nil {
		t.Fatalf("marshal response: %v", marshalErr)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return &result, nil
}

// resultText extracts the first text content from a CallToolResult.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}
