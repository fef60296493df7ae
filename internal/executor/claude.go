package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"github.com/Iron-Ham/ccorch/internal/config"
	"github.com/Iron-Ham/ccorch/internal/logging"
)

// maxErrorOutput bounds how much stderr is folded into an error message.
const maxErrorOutput = 500

// claudeOutput is the subset of `claude -p --output-format json` we consume.
type claudeOutput struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// TemplateData is passed to prompt templates.
type TemplateData struct {
	Prompt      string
	ProjectPath string
	Model       string
}

// ClaudeExecutor runs the Claude CLI in print mode.
type ClaudeExecutor struct {
	command         string
	skipPermissions bool
	extraArgs       []string
	timeout         time.Duration
	templates       map[string]*template.Template
	logger          *logging.Logger
}

// NewClaudeExecutor creates an executor from config. Templates are parsed
// up front so a broken template fails at startup.
func NewClaudeExecutor(cfg config.ExecutorConfig, templates map[string]string, logger *logging.Logger) (*ClaudeExecutor, error) {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}

	parsed := make(map[string]*template.Template, len(templates))
	for name, body := range templates {
		t, err := template.New(name).Option("missingkey=error").Parse(body)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %q: %w", name, err)
		}
		parsed[name] = t
	}

	return &ClaudeExecutor{
		command:         command,
		skipPermissions: cfg.SkipPermissions,
		extraArgs:       append([]string(nil), cfg.ExtraArgs...),
		timeout:         cfg.Timeout,
		templates:       parsed,
		logger:          logging.OrNop(logger).WithComponent("executor"),
	}, nil
}

// RenderPrompt applies the named template to req, or returns req.Prompt
// when no template is named.
func (c *ClaudeExecutor) RenderPrompt(req Request) (string, error) {
	if req.Template == "" {
		return req.Prompt, nil
	}
	t, ok := c.templates[req.Template]
	if !ok {
		return "", fmt.Errorf("unknown template %q", req.Template)
	}
	var buf bytes.Buffer
	data := TemplateData{Prompt: req.Prompt, ProjectPath: req.ProjectPath, Model: req.Model}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %q: %w", req.Template, err)
	}
	return buf.String(), nil
}

// Args returns the CLI arguments for req. The prompt is sent on stdin.
func (c *ClaudeExecutor) Args(req Request) []string {
	args := []string{"-p", "--output-format", "json"}
	if c.skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return append(args, c.extraArgs...)
}

// Execute implements Executor.
func (c *ClaudeExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	prompt, err := c.RenderPrompt(req)
	if err != nil {
		return Result{}, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.command, c.Args(req)...)
	cmd.Dir = req.ProjectPath
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	c.logger.Debug("agent finished",
		"project", req.ProjectPath,
		"resume", req.ResumeSessionID != "",
		"duration_ms", time.Since(start).Milliseconds(),
		"exit_error", runErr != nil,
	)

	res, parseErr := ParseOutput(stdout.Bytes())
	if runErr != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("agent interrupted: %w", ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" && parseErr == nil {
			msg = res.Output
		}
		return res, fmt.Errorf("agent exited with error: %w%s", runErr, detail(msg))
	}
	if parseErr != nil {
		return res, parseErr
	}
	return res, nil
}

// ParseOutput decodes the JSON result document. An is_error result yields
// the decoded Result together with an error carrying the agent's message.
func ParseOutput(data []byte) (Result, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Result{}, fmt.Errorf("agent produced no output")
	}

	// Some versions print log lines before the result; use the last line.
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 && data[0] != '{' {
		data = data[i+1:]
	}

	var out claudeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, fmt.Errorf("failed to parse agent output: %w", err)
	}

	res := Result{SessionID: out.SessionID, CostUSD: out.TotalCostUSD, Output: out.Result}
	if out.IsError {
		reason := out.Result
		if reason == "" {
			reason = out.Subtype
		}
		return res, fmt.Errorf("agent reported failure%s", detail(reason))
	}
	return res, nil
}

func detail(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ""
	}
	if len(msg) > maxErrorOutput {
		msg = msg[:maxErrorOutput] + "..."
	}
	return ": " + msg
}
