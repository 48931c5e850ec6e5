package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/thruflo/foreman/internal/config"
	"github.com/thruflo/foreman/internal/logging"
	"github.com/thruflo/foreman/internal/marker"
	"github.com/thruflo/foreman/internal/metrics"
)

// FailureKind classifies an unsuccessful invocation.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureSpawn         FailureKind = "spawn_failed"
	FailureTimeout       FailureKind = "timeout"
	FailureProtocolParse FailureKind = "parse_failed"
	FailureProcess       FailureKind = "agent_error"
	FailureCanceled      FailureKind = "canceled"
)

// Request describes one agent invocation.
type Request struct {
	// Kind labels the invocation in logs and metrics, e.g. "planning".
	Kind    string
	Prompt  string
	WorkDir string
	// ContinuationHandle resumes a prior conversation when set.
	ContinuationHandle string
	// Tools is the capability set passed to the agent.
	Tools []string
	// Timeout overrides the configured timeout when positive.
	Timeout time.Duration
	// Light selects the lightweight path: light model and light timeout.
	Light bool
	// SystemPrompt is appended to the agent's system prompt.
	SystemPrompt string
}

// Result is the outcome of one invocation. Failure is FailureNone on
// success; otherwise Err holds the detail.
type Result struct {
	Text               string
	Raw                string
	Outcome            marker.Outcome
	ContinuationHandle string
	CostUSD            float64
	ExitCode           int
	Failure            FailureKind
	Err                error
	Duration           time.Duration
}

// Failed reports whether the invocation must be treated as an error.
// A protocol parse failure still carries a best-effort Outcome.
func (r *Result) Failed() bool {
	return r.Failure != FailureNone
}

// OutputKind labels relayed partial output.
type OutputKind string

const (
	OutputText    OutputKind = "text"
	OutputToolUse OutputKind = "tool_use"
	OutputStderr  OutputKind = "stderr"
)

// Observer receives partial output for live relay while the agent runs.
type Observer func(kind OutputKind, text string)

// Options configures an Invoker.
type Options struct {
	Config  config.AgentConfig
	Runner  Runner
	Parser  *marker.Parser
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Invoker runs the agent and parses its final payload.
type Invoker struct {
	cfg     config.AgentConfig
	runner  Runner
	parser  *marker.Parser
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewInvoker creates an Invoker. A nil Runner runs the configured binary
// locally.
func NewInvoker(opts Options) *Invoker {
	inv := &Invoker{
		cfg:     opts.Config,
		runner:  opts.Runner,
		parser:  opts.Parser,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if inv.runner == nil {
		inv.runner = NewLocalRunner(opts.Config.HomeDir)
	}
	if inv.parser == nil {
		inv.parser = marker.NewParser(marker.Options{})
	}
	if inv.logger == nil {
		inv.logger = logging.Default()
	}
	if inv.cfg.Binary == "" {
		inv.cfg.Binary = config.DefaultAgentBinary
	}
	if inv.cfg.OutputFormat == "" {
		inv.cfg.OutputFormat = config.DefaultOutputFormat
	}
	return inv
}

func (i *Invoker) timeout(req Request) time.Duration {
	switch {
	case req.Timeout > 0:
		return req.Timeout
	case req.Light && i.cfg.LightTimeout > 0:
		return i.cfg.LightTimeout
	case i.cfg.Timeout > 0:
		return i.cfg.Timeout
	case req.Light:
		return config.DefaultLightTimeout
	}
	return config.DefaultAgentTimeout
}

// Args builds the agent command line for req.
func (i *Invoker) Args(req Request) []string {
	args := []string{
		i.cfg.Binary,
		"-p", req.Prompt,
		"--output-format", i.cfg.OutputFormat,
	}
	if i.cfg.OutputFormat == "stream-json" {
		args = append(args, "--verbose")
	}
	if req.ContinuationHandle != "" {
		args = append(args, "--resume", req.ContinuationHandle)
	}
	model := i.cfg.Model
	if req.Light && i.cfg.LightModel != "" {
		model = i.cfg.LightModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if len(req.Tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.Tools, ","))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	maxTurns := i.cfg.MaxTurns
	if req.Light {
		maxTurns = 1
	}
	if maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(maxTurns))
	}
	return args
}

// Invoke runs the agent once. It never returns an error; failures are
// classified in Result.Failure. The invocation is an error when the agent
// reports one or exits non-zero, even if its text looks well formed.
func (i *Invoker) Invoke(ctx context.Context, req Request, observe Observer) *Result {
	timeout := i.timeout(req)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := i.logger.WithFields(map[string]interface{}{
		"kind":    req.Kind,
		"workdir": req.WorkDir,
		"resume":  req.ContinuationHandle != "",
	})
	logger.Debug("invoking agent", "timeout", timeout.String())

	var (
		collector Collector
		stderr    []string
	)
	onLine := func(s Stream, line string) {
		if s == Stderr {
			stderr = append(stderr, line)
			if observe != nil {
				observe(OutputStderr, line)
			}
			return
		}
		event := collector.Add(line)
		if observe == nil || event == nil || event.Type != EventTypeAssistant {
			return
		}
		if text := event.Text(); text != "" {
			observe(OutputText, text)
		}
		for _, tool := range event.ToolUses() {
			observe(OutputToolUse, tool.Name)
		}
	}

	start := time.Now()
	exitCode, runErr := i.runner.Run(runCtx, req.WorkDir, i.Args(req), onLine)
	res := &Result{
		ExitCode:           exitCode,
		Duration:           time.Since(start),
		Raw:                collector.Raw(),
		ContinuationHandle: collector.SessionID,
	}
	if res.ContinuationHandle == "" {
		res.ContinuationHandle = req.ContinuationHandle
	}

	switch {
	case runErr != nil:
		var spawnErr *SpawnError
		switch {
		case errors.As(runErr, &spawnErr):
			res.Failure = FailureSpawn
		case errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil:
			res.Failure = FailureTimeout
			runErr = fmt.Errorf("agent timed out after %s", timeout)
		case errors.Is(runErr, context.Canceled) || ctx.Err() != nil:
			res.Failure = FailureCanceled
		default:
			res.Failure = FailureProcess
		}
		res.Err = runErr
	}

	if final := collector.Result(); final != nil {
		res.CostUSD = final.Cost()
		res.Text = collector.FinalText()
		if res.Failure == FailureNone && final.Failed() {
			res.Failure = FailureProcess
			res.Err = fmt.Errorf("agent reported an error (%s)", final.Subtype)
		}
	} else {
		// No decodable final payload: parse whatever text was produced.
		res.Text = collector.FinalText()
		if res.Text == "" {
			res.Text = res.Raw
		}
		if res.Failure == FailureNone && exitCode == 0 {
			res.Failure = FailureProtocolParse
			res.Err = errors.New("no result event in agent output")
		}
	}
	if res.Failure == FailureNone && exitCode != 0 {
		res.Failure = FailureProcess
		res.Err = fmt.Errorf("agent exited with code %d", exitCode)
	}
	if res.Err != nil && len(stderr) > 0 {
		res.Err = fmt.Errorf("%w: %s", res.Err, lastLines(stderr, 5))
	}

	res.Outcome = i.parser.Parse(res.Text)

	result := "ok"
	if res.Failed() {
		result = string(res.Failure)
		logger.Warn("agent invocation failed", "failure", res.Failure, "exit_code", exitCode, "error", res.Err)
	} else {
		logger.Info("agent invocation finished", "duration", res.Duration.String(), "cost_usd", res.CostUSD)
	}
	i.metrics.ObserveInvocation(req.Kind, result, res.Duration, res.CostUSD)
	return res
}

func lastLines(lines []string, n int) string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
