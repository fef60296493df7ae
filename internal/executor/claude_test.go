package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/Iron-Ham/ccorch/internal/config"
	"github.com/Iron-Ham/ccorch/internal/testutil"
)

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantErr  bool
		wantID   string
		wantCost float64
	}{
		{
			name:     "success",
			input:    `{"type":"result","subtype":"success","is_error":false,"result":"done","session_id":"abc","total_cost_usd":0.42}`,
			wantID:   "abc",
			wantCost: 0.42,
		},
		{
			name:     "reported failure keeps cost",
			input:    `{"type":"result","subtype":"error_max_turns","is_error":true,"session_id":"abc","total_cost_usd":1.5}`,
			wantErr:  true,
			wantID:   "abc",
			wantCost: 1.5,
		},
		{
			name:     "log noise before result",
			input:    "warming up\n{\"is_error\":false,\"session_id\":\"s2\",\"total_cost_usd\":0.1}",
			wantID:   "s2",
			wantCost: 0.1,
		},
		{name: "empty", input: "  ", wantErr: true},
		{name: "garbage", input: "not json", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseOutput([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOutput() error = %v, wantErr %v", err, tt.wantErr)
			}
			if res.SessionID != tt.wantID || res.CostUSD != tt.wantCost {
				t.Errorf("ParseOutput() = %+v", res)
			}
		})
	}
}

func TestClaudeExecutor_Args(t *testing.T) {
	exec, err := NewClaudeExecutor(config.ExecutorConfig{
		Command:         "claude",
		SkipPermissions: true,
		ExtraArgs:       []string{"--verbose"},
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	got := strings.Join(exec.Args(Request{ResumeSessionID: "s1", Model: "opus"}), " ")
	want := "-p --output-format json --dangerously-skip-permissions --resume s1 --model opus --verbose"
	if got != want {
		t.Errorf("Args() = %q, want %q", got, want)
	}

	got = strings.Join(exec.Args(Request{}), " ")
	if strings.Contains(got, "--resume") || strings.Contains(got, "--model") {
		t.Errorf("Args() for a fresh session = %q", got)
	}
}

func TestClaudeExecutor_RenderPrompt(t *testing.T) {
	exec, err := NewClaudeExecutor(config.ExecutorConfig{}, map[string]string{
		"review": "Review {{.ProjectPath}}:\n{{.Prompt}}",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	got, err := exec.RenderPrompt(Request{Prompt: "check auth", ProjectPath: "/src", Template: "review"})
	if err != nil {
		t.Fatalf("RenderPrompt() error = %v", err)
	}
	if got != "Review /src:\ncheck auth" {
		t.Errorf("RenderPrompt() = %q", got)
	}

	if got, _ := exec.RenderPrompt(Request{Prompt: "plain"}); got != "plain" {
		t.Errorf("RenderPrompt() without template = %q", got)
	}
	if _, err := exec.RenderPrompt(Request{Template: "missing"}); err == nil {
		t.Error("unknown template should fail")
	}
}

func TestNewClaudeExecutor_BadTemplate(t *testing.T) {
	if _, err := NewClaudeExecutor(config.ExecutorConfig{}, map[string]string{"x": "{{"}, nil); err == nil {
		t.Error("expected parse error")
	}
}

func TestClaudeExecutor_Execute(t *testing.T) {
	script := testutil.AgentScript(t, `read prompt
printf '{"is_error":false,"result":"%s","session_id":"sess-1","total_cost_usd":0.25}\n' "$prompt"
`)
	exec, err := NewClaudeExecutor(config.ExecutorConfig{Command: script}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := exec.Execute(context.Background(), Request{ProjectPath: t.TempDir(), Prompt: "hello"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.SessionID != "sess-1" || res.CostUSD != 0.25 || res.Output != "hello" {
		t.Errorf("Execute() = %+v", res)
	}
}

func TestClaudeExecutor_ExecuteFailure(t *testing.T) {
	script := testutil.AgentScript(t, `echo '{"is_error":true,"result":"boom","session_id":"s","total_cost_usd":0.5}'
echo "fatal" >&2
exit 1
`)
	exec, err := NewClaudeExecutor(config.ExecutorConfig{Command: script}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := exec.Execute(context.Background(), Request{ProjectPath: t.TempDir(), Prompt: "x"})
	if err == nil {
		t.Fatal("Execute() should fail")
	}
	if !strings.Contains(err.Error(), "fatal") {
		t.Errorf("error should include stderr: %v", err)
	}
	if res.CostUSD != 0.5 {
		t.Errorf("cost should be reported on failure, got %v", res.CostUSD)
	}
}

func TestFunc(t *testing.T) {
	var f Executor = Func(func(_ context.Context, req Request) (Result, error) {
		return Result{Output: req.Prompt}, nil
	})
	res, _ := f.Execute(context.Background(), Request{Prompt: "p"})
	if res.Output != "p" {
		t.Errorf("Func.Execute() = %+v", res)
	}
}
