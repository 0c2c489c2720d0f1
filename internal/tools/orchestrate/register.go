// Package orchestrate exposes workflow orchestration over MCP: creating
// and resuming workflows, reading status, and the agent mailbox with its
// escalation ladder.
package orchestrate

import (
	"context"
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/loomwork/internal/app"
)

// EngineRunner kicks the auto-continue engine for a workflow. Implemented
// by app.Engine.
type EngineRunner interface {
	Run(ctx context.Context, workflowID string) error
}

// RegisterOption configures optional dependencies for tool registration.
type RegisterOption func(*registerOpts)

type registerOpts struct {
	engine EngineRunner
}

// WithEngine makes create_workflow and resume_workflow start the
// auto-continue engine in the background.
func WithEngine(e EngineRunner) RegisterOption {
	return func(o *registerOpts) { o.engine = e }
}

// Services bundles the application services the tools call into.
type Services struct {
	Workflows  *app.WorkflowService
	Mailbox    *app.MailboxService
	Escalation *app.EscalationService
	Projector  *app.Projector
	Events     *app.EventLogger
}

// Register registers the orchestration tools with the mcp-go server.
func Register(s *server.MCPServer, svc Services, logger *log.Logger, opts ...RegisterOption) {
	var o registerOpts
	for _, opt := range opts {
		opt(&o)
	}

	// Workflow tools (5)
	registerCreateWorkflow(s, svc, logger, o.engine)
	registerWorkflowStatus(s, svc, logger)
	registerListWorkflows(s, svc, logger)
	registerResumeWorkflow(s, svc, logger, o.engine)
	registerResetFeature(s, svc, logger)

	// Mailbox tools (3)
	registerSendMessage(s, svc, logger)
	registerReadMessages(s, svc, logger)
	registerReplyMessage(s, svc, logger)

	// Escalation tools (2)
	registerEscalate(s, svc, logger)
	registerForwardEscalation(s, svc, logger)
}
