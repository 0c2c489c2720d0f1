package orchestrate

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/loomwork/internal/app"
	"github.com/jaakkos/loomwork/internal/domain"
)

// registerCreateWorkflow registers the create_workflow tool.
func registerCreateWorkflow(s *server.MCPServer, svc Services, logger *log.Logger, engine EngineRunner) {
	s.AddTool(
		mcp.NewTool("create_workflow",
			mcp.WithDescription("Create a new workflow with an ordered list of features. The workflow starts in the planning phase; the auto-continue engine drives it from there."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
			mcp.WithString("features", mcp.Required(), mcp.Description("Newline-separated feature list, one 'name: description' per line (description optional)")),
			mcp.WithNumber("max_iterations", mcp.Description("Iteration budget before the workflow fails (default from config)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			name, _ := args["name"].(string)
			rawFeatures, _ := args["features"].(string)
			if name == "" || strings.TrimSpace(rawFeatures) == "" {
				return nil, fmt.Errorf("name and features are required")
			}
			maxIterations := 0
			if v, ok := args["max_iterations"].(float64); ok && v > 0 {
				maxIterations = int(v)
			}

			var specs []app.FeatureSpec
			for _, line := range strings.Split(rawFeatures, "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				spec := app.FeatureSpec{Name: line}
				if i := strings.Index(line, ":"); i > 0 {
					spec.Name = strings.TrimSpace(line[:i])
					spec.Description = strings.TrimSpace(line[i+1:])
				}
				specs = append(specs, spec)
			}
			if len(specs) == 0 {
				return nil, fmt.Errorf("features must contain at least one non-empty line")
			}

			state, err := svc.Workflows.Create(name, specs, maxIterations)
			if err != nil {
				return nil, err
			}
			if engine != nil {
				go func(id string) {
					if err := engine.Run(context.Background(), id); err != nil {
						logger.Printf("create_workflow: engine for %s stopped: %v", id, err)
					}
				}(state.ID)
			}
			logger.Printf("Workflow %s created with %d features", state.ID, len(specs))
			return mcp.NewToolResultText(fmt.Sprintf("Workflow %s created (%d features, phase %s)", state.ID, len(specs), state.Phase)), nil
		},
	)
}

// registerWorkflowStatus registers the workflow_status tool.
func registerWorkflowStatus(s *server.MCPServer, svc Services, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("workflow_status",
			mcp.WithDescription("Get the current state of a workflow: phase, per-feature status, iteration and cost accounting, and open escalations."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow ID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			id, _ := args["workflow_id"].(string)
			if id == "" {
				return nil, fmt.Errorf("workflow_id is required")
			}
			state, err := svc.Workflows.Load(id)
			if err != nil {
				return nil, err
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Workflow %s (%s)\n", state.Name, state.ID)
			fmt.Fprintf(&b, "Phase: %s", state.Phase)
			if state.Phase == domain.PhasePaused {
				fmt.Fprintf(&b, " (from %s, waiting on thread %s)", state.PausedFrom, state.PendingThreadID)
			}
			fmt.Fprintf(&b, "\nIterations: %d/%d  Cost: $%.2f  Last event: #%d\n",
				state.IterationCount, state.MaxIterations, state.AccumulatedCost, state.LastEventSeq)
			b.WriteString("Features:\n")
			for i, f := range state.Features {
				marker := "  "
				if i == state.CurrentFeatureIndex && !state.Phase.Terminal() {
					marker = "> "
				}
				fmt.Fprintf(&b, "%s[%s] %s\n", marker, f.Status, f.Name)
			}

			if view, _, err := svc.Projector.Rebuild(id, "mailbox"); err == nil {
				if mb, ok := view.(*app.MailboxView); ok {
					if open := mb.Open(); len(open) > 0 {
						b.WriteString("Open escalations:\n")
						for _, e := range open {
							fmt.Fprintf(&b, "  level %d to %s: %s (thread %s)\n", e.Level, e.To, e.Subject, e.ThreadID)
						}
					}
				}
			}
			return mcp.NewToolResultText(b.String()), nil
		},
	)
}

// registerListWorkflows registers the list_workflows tool.
func registerListWorkflows(s *server.MCPServer, svc Services, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("list_workflows",
			mcp.WithDescription("List all workflows with phase and progress, most recently updated first."),
			mcp.WithString("phase", mcp.Description("Only show workflows in this phase (planning, implementing, verifying, paused, complete, failed)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			phaseFilter, _ := args["phase"].(string)

			states, err := svc.Workflows.List()
			if err != nil {
				return nil, err
			}
			var b strings.Builder
			count := 0
			for _, state := range states {
				if phaseFilter != "" && string(state.Phase) != phaseFilter {
					continue
				}
				done := 0
				for _, f := range state.Features {
					if f.Status == domain.FeatureCompleted {
						done++
					}
				}
				fmt.Fprintf(&b, "%s  %-12s %d/%d features  %s\n", state.ID, state.Phase, done, len(state.Features), state.Name)
				count++
			}
			if count == 0 {
				return mcp.NewToolResultText("No workflows found"), nil
			}
			return mcp.NewToolResultText(b.String()), nil
		},
	)
}

// registerResetFeature registers the reset_feature tool.
func registerResetFeature(s *server.MCPServer, svc Services, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("reset_feature",
			mcp.WithDescription("Reset a failed feature back to not_started so the auto-continue engine attempts it again."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow ID")),
			mcp.WithString("feature", mcp.Required(), mcp.Description("Feature ID or name")),
			mcp.WithString("reason", mcp.Description("Why the feature is being reset")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			id, _ := args["workflow_id"].(string)
			feature, _ := args["feature"].(string)
			if id == "" || feature == "" {
				return nil, fmt.Errorf("workflow_id and feature are required")
			}
			reason, _ := args["reason"].(string)
			if reason == "" {
				reason = "reset manually"
			}

			state, err := svc.Workflows.ResetFeature(id, feature, reason)
			if err != nil {
				return nil, err
			}
			logger.Printf("Feature %s reset in workflow %s", feature, id)
			return mcp.NewToolResultText(fmt.Sprintf("Feature %s reset to not_started in workflow %s (phase %s)", feature, id, state.Phase)), nil
		},
	)
}

// registerResumeWorkflow registers the resume_workflow tool.
func registerResumeWorkflow(s *server.MCPServer, svc Services, logger *log.Logger, engine EngineRunner) {
	s.AddTool(
		mcp.NewTool("resume_workflow",
			mcp.WithDescription("Resume a paused workflow. It returns to the phase it was paused from and the auto-continue engine picks it back up."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow ID")),
			mcp.WithString("reason", mcp.Description("Why the workflow is being resumed")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			id, _ := args["workflow_id"].(string)
			if id == "" {
				return nil, fmt.Errorf("workflow_id is required")
			}
			reason, _ := args["reason"].(string)
			if reason == "" {
				reason = "resumed manually"
			}

			state, err := svc.Workflows.Resume(id, reason)
			if err != nil {
				return nil, err
			}
			if engine != nil {
				go func() {
					if err := engine.Run(context.Background(), id); err != nil {
						logger.Printf("resume_workflow: engine for %s stopped: %v", id, err)
					}
				}()
			}
			logger.Printf("Workflow %s resumed into %s", id, state.Phase)
			return mcp.NewToolResultText(fmt.Sprintf("Workflow %s resumed into %s", id, state.Phase)), nil
		},
	)
}
