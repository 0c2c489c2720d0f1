package app

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/jaakkos/loomwork/internal/domain"
)

// CommandExecutor runs a configured command once per feature attempt.
// The workflow and feature are passed through the environment; whatever
// the command prints is the attempt's output.
type CommandExecutor struct {
	Command string
	Args    []string
	Dir     string
	Logger  *log.Logger
}

func (c *CommandExecutor) Execute(ctx context.Context, wf *domain.WorkflowState, f domain.Feature) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(),
		"LOOMWORK_WORKFLOW_ID="+wf.ID,
		"LOOMWORK_WORKFLOW_NAME="+wf.Name,
		"LOOMWORK_FEATURE_ID="+f.ID,
		"LOOMWORK_FEATURE_NAME="+f.Name,
		"LOOMWORK_FEATURE_DESCRIPTION="+f.Description,
	)
	cmd.Stdin = strings.NewReader(f.Description)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	output := out.String()
	if c.Logger != nil {
		c.Logger.Printf("CommandExecutor: %s feature %s exited (%d bytes output, err=%v)", wf.ID, f.ID, len(output), err)
	}
	if ctx.Err() != nil {
		return ExecResult{Output: output}, ctx.Err()
	}
	if err != nil {
		return ExecResult{Output: output}, fmt.Errorf("executor %s: %w", c.Command, err)
	}
	return ExecResult{Output: output}, nil
}

// CommandVerifier runs a configured verification command. Exit zero
// means the feature holds up; anything else fails with the command's
// output as the diagnostic.
type CommandVerifier struct {
	Command string
	Args    []string
	Dir     string
}

func (c *CommandVerifier) Verify(ctx context.Context, wf *domain.WorkflowState, f domain.Feature) (bool, string, error) {
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(),
		"LOOMWORK_WORKFLOW_ID="+wf.ID,
		"LOOMWORK_FEATURE_ID="+f.ID,
	)
	output, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return false, "", ctx.Err()
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, strings.TrimSpace(string(output)), nil
		}
		return false, "", fmt.Errorf("verifier %s: %w", c.Command, err)
	}
	return true, "", nil
}

// blockerMarkers are the phrases a well-behaved executor prints when it
// needs a decision it cannot make.
var blockerMarkers = []string{
	"DECISION REQUIRED",
	"BLOCKED:",
	"NEEDS HUMAN INPUT",
}

// KeywordBlockerDetector scans executor output for blocker markers and
// reports the line containing the first hit.
type KeywordBlockerDetector struct{}

func (KeywordBlockerDetector) Detect(output string) (bool, string) {
	for _, line := range strings.Split(output, "\n") {
		for _, marker := range blockerMarkers {
			if idx := strings.Index(line, marker); idx >= 0 {
				return true, strings.TrimSpace(line[idx:])
			}
		}
	}
	return false, ""
}
