package orchestrate

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/loomwork/internal/domain"
)

// registerSendMessage registers the send_message tool.
func registerSendMessage(s *server.MCPServer, svc Services, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to another agent's mailbox. Messages tied to a workflow are recorded in its event log."),
			mcp.WithString("from", mcp.Required(), mcp.Description("Sender identifier")),
			mcp.WithString("to", mcp.Required(), mcp.Description("Recipient identifier")),
			mcp.WithString("subject", mcp.Required(), mcp.Description("Short subject line")),
			mcp.WithString("body", mcp.Required(), mcp.Description("Message body")),
			mcp.WithString("priority", mcp.Description("critical, urgent, normal or low (default: normal)")),
			mcp.WithString("workflow_id", mcp.Description("Workflow to record the message against")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			from, _ := args["from"].(string)
			to, _ := args["to"].(string)
			subject, _ := args["subject"].(string)
			body, _ := args["body"].(string)
			if from == "" || to == "" || subject == "" || body == "" {
				return nil, fmt.Errorf("from, to, subject, and body are required")
			}
			priority, _ := args["priority"].(string)
			workflowID, _ := args["workflow_id"].(string)

			msg, err := svc.Mailbox.Send(from, to, subject, body, domain.Priority(priority), workflowID)
			if err != nil {
				return nil, err
			}
			logger.Printf("Message sent from %s to %s", from, to)
			return mcp.NewToolResultText(fmt.Sprintf("Message %s sent to %s (thread %s)", msg.ID, to, msg.ThreadID)), nil
		},
	)
}

// registerReadMessages registers the read_messages tool.
func registerReadMessages(s *server.MCPServer, svc Services, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("read_messages",
			mcp.WithDescription("Read your mailbox, highest priority first. Returned messages are marked read."),
			mcp.WithString("for", mcp.Required(), mcp.Description("Read messages for this recipient")),
			mcp.WithBoolean("unread_only", mcp.Description("Only show unread messages (default: false)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages to return (default: 10)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			recipient, _ := args["for"].(string)
			if recipient == "" {
				return nil, fmt.Errorf("'for' is required")
			}
			unreadOnly := false
			if v, ok := args["unread_only"].(bool); ok {
				unreadOnly = v
			}
			limit := 10
			if v, ok := args["limit"].(float64); ok {
				limit = int(v)
				if limit < 1 {
					limit = 1
				}
				if limit > 100 {
					limit = 100
				}
			}

			msgs, err := svc.Mailbox.Inbox(recipient, unreadOnly)
			if err != nil {
				return nil, err
			}
			if len(msgs) == 0 {
				return mcp.NewToolResultText("No messages"), nil
			}
			if len(msgs) > limit {
				msgs = msgs[:limit]
			}
			var b strings.Builder
			for _, m := range msgs {
				tag := ""
				if m.Level > 0 {
					tag = fmt.Sprintf(" [escalation level %d]", m.Level)
				}
				fmt.Fprintf(&b, "%s [%s] from %s%s: %s\n  %s\n  (thread %s)\n",
					m.ID, m.Priority, m.From, tag, m.Subject, m.Body, m.ThreadID)
			}
			return mcp.NewToolResultText(b.String()), nil
		},
	)
}

// registerReplyMessage registers the reply_message tool.
func registerReplyMessage(s *server.MCPServer, svc Services, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("reply_message",
			mcp.WithDescription("Reply to a message in your inbox. The reply joins the original thread, which is what resolves an escalation waiting on it."),
			mcp.WithString("for", mcp.Required(), mcp.Description("Your agent identifier (the inbox holding the message)")),
			mcp.WithString("message_id", mcp.Required(), mcp.Description("ID of the message to reply to")),
			mcp.WithString("body", mcp.Required(), mcp.Description("Reply body")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agent, _ := args["for"].(string)
			messageID, _ := args["message_id"].(string)
			body, _ := args["body"].(string)
			if agent == "" || messageID == "" || body == "" {
				return nil, fmt.Errorf("'for', message_id, and body are required")
			}

			reply, err := svc.Mailbox.Reply(agent, messageID, body)
			if err != nil {
				return nil, err
			}
			logger.Printf("Reply sent from %s on thread %s", agent, reply.ThreadID)
			return mcp.NewToolResultText(fmt.Sprintf("Reply %s sent to %s (thread %s)", reply.ID, reply.To, reply.ThreadID)), nil
		},
	)
}

// registerEscalate registers the escalate tool.
func registerEscalate(s *server.MCPServer, svc Services, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("escalate",
			mcp.WithDescription("Raise an escalation for a workflow. Level 1 goes to a named peer, level 2 to the coordinator, level 3 to the human contact."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow the escalation concerns")),
			mcp.WithString("from", mcp.Required(), mcp.Description("Your agent identifier")),
			mcp.WithNumber("level", mcp.Required(), mcp.Description("Escalation level: 1 (peer), 2 (coordinator), 3 (human)")),
			mcp.WithString("subject", mcp.Required(), mcp.Description("What the escalation is about")),
			mcp.WithString("body", mcp.Required(), mcp.Description("Detail and what decision is needed")),
			mcp.WithString("peer", mcp.Description("Recipient for level 1 escalations")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			workflowID, _ := args["workflow_id"].(string)
			from, _ := args["from"].(string)
			subject, _ := args["subject"].(string)
			body, _ := args["body"].(string)
			if workflowID == "" || from == "" || subject == "" || body == "" {
				return nil, fmt.Errorf("workflow_id, from, level, subject, and body are required")
			}
			levelNum, ok := args["level"].(float64)
			if !ok {
				return nil, fmt.Errorf("level is required")
			}
			level := domain.EscalationLevel(int(levelNum))
			peer, _ := args["peer"].(string)

			msg, err := svc.Escalation.Raise(workflowID, from, peer, level, subject, body)
			if err != nil {
				return nil, err
			}
			logger.Printf("Escalation level %d raised for %s by %s", level, workflowID, from)
			return mcp.NewToolResultText(fmt.Sprintf("Escalation sent to %s (thread %s). Watch your inbox for the reply.", msg.To, msg.ThreadID)), nil
		},
	)
}

// registerForwardEscalation registers the forward_escalation tool.
func registerForwardEscalation(s *server.MCPServer, svc Services, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("forward_escalation",
			mcp.WithDescription("Forward an escalation from your inbox to the next level of the ladder. The thread is preserved, so the original raiser's wait still resolves on a reply."),
			mcp.WithString("for", mcp.Required(), mcp.Description("Your agent identifier (the inbox holding the escalation)")),
			mcp.WithString("message_id", mcp.Required(), mcp.Description("ID of the escalation message to forward")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agent, _ := args["for"].(string)
			messageID, _ := args["message_id"].(string)
			if agent == "" || messageID == "" {
				return nil, fmt.Errorf("'for' and message_id are required")
			}

			fwd, err := svc.Escalation.ForwardMessage(agent, messageID)
			if err != nil {
				return nil, err
			}
			logger.Printf("Escalation %s forwarded by %s to %s", messageID, agent, fwd.To)
			return mcp.NewToolResultText(fmt.Sprintf("Escalation forwarded to %s at level %d (thread %s)", fwd.To, fwd.Level, fwd.ThreadID)), nil
		},
	)
}
