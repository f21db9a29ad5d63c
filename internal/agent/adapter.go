package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cmtonkinson/overseer/internal/registry"
)

const (
	// diagnosticTailLimit bounds retained stderr and unparseable stdout.
	diagnosticTailLimit = 64 * 1024
	// defaultIdleTimeout aborts a call that produces no output at all.
	defaultIdleTimeout = 10 * time.Minute
	// interruptGrace is how long a signalled process gets to exit before a
	// hard kill.
	interruptGrace = 10 * time.Second
	// readChunkSize is the stdout read buffer size.
	readChunkSize = 32 * 1024
)

// Options configures an Adapter.
type Options struct {
	// Registry tracks in-flight calls for interruption; required.
	Registry *registry.Registry
	// Profiles maps agent labels to provider profiles. Bare provider names
	// work without an entry.
	Profiles map[string]Profile
	// Retry tunes transient-failure retries; zero fields take defaults.
	Retry RetryPolicy
	// IdleTimeout aborts calls that stop producing output.
	IdleTimeout time.Duration
	// Warn receives non-fatal diagnostics such as retry notices.
	Warn func(string)
	// Now stamps responses; defaults to time.Now.
	Now func() time.Time
}

// Adapter invokes external agent processes and reduces each call's streamed
// output to a single Response.
type Adapter struct {
	registry    *registry.Registry
	profiles    map[string]Profile
	retry       RetryPolicy
	idleTimeout time.Duration
	warn        func(string)
	now         func() time.Time
}

// New builds an Adapter. The registry is required so callers can interrupt
// in-flight queries without reaching into the adapter.
func New(options Options) (*Adapter, error) {
	if options.Registry == nil {
		return nil, errors.New("registry is required")
	}
	adapter := &Adapter{
		registry:    options.Registry,
		profiles:    options.Profiles,
		retry:       options.Retry.normalized(),
		idleTimeout: options.IdleTimeout,
		warn:        options.Warn,
		now:         options.Now,
	}
	if adapter.idleTimeout <= 0 {
		adapter.idleTimeout = defaultIdleTimeout
	}
	if adapter.now == nil {
		adapter.now = time.Now
	}
	return adapter, nil
}

// Invoke runs one agent call, retrying recognized transient failures with
// capped exponential backoff. The returned error is non-nil only for invalid
// input or an unspawnable process; every other failure arrives inside the
// Response. Cancellation is never retried.
func (adapter *Adapter) Invoke(ctx context.Context, label string, prompt string, options InvokeOptions) (Response, error) {
	if strings.TrimSpace(prompt) == "" {
		return Response{}, errors.New("prompt is required")
	}
	profile, err := resolveProfile(adapter.profiles, label)
	if err != nil {
		return Response{}, err
	}
	argv, err := buildCommand(profile, options)
	if err != nil {
		return Response{}, err
	}
	for attempt := 1; ; attempt++ {
		response, err := adapter.runOnce(ctx, label, argv, prompt, options)
		if err != nil {
			return Response{}, err
		}
		if response.Status != StatusError || ctx.Err() != nil {
			return response, nil
		}
		if attempt >= adapter.retry.MaxAttempts || !isTransient(response.Error) {
			return response, nil
		}
		delay := backoffDelay(adapter.retry, attempt)
		adapter.warnf("agent %s attempt %d failed (%s); retrying in %s", label, attempt, response.Error, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return response, nil
		case <-timer.C:
		}
	}
}

// runOnce executes a single attempt: spawn, stream, classify.
func (adapter *Adapter) runOnce(parent context.Context, label string, argv []string, prompt string, options InvokeOptions) (Response, error) {
	if parent.Err() != nil {
		return adapter.cancelledResponse(label), nil
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = options.WorkingDir
	cmd.Stdin = strings.NewReader(prompt)
	stderr := &tailBuffer{limit: diagnosticTailLimit}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Response{}, fmt.Errorf("open stdout pipe: %w", err)
	}
	// Cancellation sends an interrupt first so the agent can shut down its
	// own children; the wait delay hard-kills stragglers.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = interruptGrace

	if err := cmd.Start(); err != nil {
		if parent.Err() != nil {
			return adapter.cancelledResponse(label), nil
		}
		return Response{}, fmt.Errorf("start %s: %w", argv[0], err)
	}

	var idleFired, interrupted atomic.Bool
	queryID := uuid.NewString()
	adapter.registry.Register(queryID, interruptHandle{interrupted: &interrupted, cancel: cancel})
	defer adapter.registry.Unregister(queryID)

	watchdog := time.AfterFunc(adapter.idleTimeout, func() {
		idleFired.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	state := &collector{}
	noise := &tailBuffer{limit: diagnosticTailLimit}
	splitter := &LineSplitter{}
	buffer := make([]byte, readChunkSize)
	for {
		n, readErr := stdout.Read(buffer)
		if n > 0 {
			watchdog.Reset(adapter.idleTimeout)
			for _, line := range splitter.Split(buffer[:n]) {
				adapter.consumeLine(state, noise, line, options)
			}
		}
		if readErr != nil {
			break
		}
	}
	if line, ok := splitter.Flush(); ok {
		adapter.consumeLine(state, noise, line, options)
	}
	waitErr := cmd.Wait()
	watchdog.Stop()

	response := Response{
		Agent:     label,
		Timestamp: adapter.now(),
		SessionID: state.sessionID,
	}
	switch {
	case idleFired.Load() && parent.Err() == nil:
		response.Status = StatusError
		response.Error = fmt.Sprintf("agent timed out: no output within %s", adapter.idleTimeout)
	case parent.Err() != nil || interrupted.Load():
		response.Status = StatusError
		response.Error = "agent call cancelled"
	case waitErr != nil:
		response.Status = StatusError
		response.Error = failureDiagnostic(state, stderr, noise, waitErr)
	case state.resultErr:
		response.Status = StatusBlocked
		response.Content = state.finalContent()
		response.Error = blockedDiagnostic(state)
	default:
		response.Status = StatusSuccess
		response.Content = state.finalContent()
		if len(options.Schema) > 0 {
			response.Structured = parseStructured(response.Content)
		}
	}
	return response, nil
}

// consumeLine routes one stdout line through the protocol parser; lines no
// protocol recognizes become diagnostic noise.
func (adapter *Adapter) consumeLine(state *collector, noise *tailBuffer, line string, options InvokeOptions) {
	events, recognized := parseLine(line)
	state.noteLine(line, recognized)
	if !recognized {
		if strings.TrimSpace(line) != "" {
			noise.Write([]byte(line))
			noise.Write([]byte("\n"))
		}
		return
	}
	for _, event := range events {
		state.observe(event)
		if options.OnEvent != nil {
			options.OnEvent(event)
		}
	}
}

// cancelledResponse is the uniform response for calls stopped by the caller.
func (adapter *Adapter) cancelledResponse(label string) Response {
	return Response{
		Agent:     label,
		Status:    StatusError,
		Error:     "agent call cancelled",
		Timestamp: adapter.now(),
	}
}

// warnf sends a formatted warning to the configured sink.
func (adapter *Adapter) warnf(format string, args ...any) {
	if adapter.warn == nil {
		return
	}
	adapter.warn(fmt.Sprintf(format, args...))
}

// failureDiagnostic picks the most useful description of a failed call:
// structured error events first, then stderr, then unparseable stdout, then
// the bare exit status.
func failureDiagnostic(state *collector, stderr *tailBuffer, noise *tailBuffer, waitErr error) string {
	if text := state.failureText(); text != "" {
		return text
	}
	if text := strings.TrimSpace(stderr.String()); text != "" {
		return text
	}
	if text := strings.TrimSpace(noise.String()); text != "" {
		return text
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return fmt.Sprintf("agent exited with code %d", exitErr.ExitCode())
	}
	return waitErr.Error()
}

// blockedDiagnostic describes a protocol-level failure result.
func blockedDiagnostic(state *collector) string {
	if text := state.failureText(); text != "" {
		return text
	}
	return "agent reported an error result"
}

// parseStructured extracts a JSON object from the final text. Arrays and
// scalars are rejected; any failure means no structured output, never an
// invocation error.
func parseStructured(content string) map[string]any {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || trimmed[0] != '{' {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil
	}
	return payload
}

// interruptHandle adapts one call's cancel function to the registry
// contract. Interrupt is safe to repeat and to call after the call finished.
type interruptHandle struct {
	interrupted *atomic.Bool
	cancel      context.CancelFunc
}

// Interrupt marks the call interrupted and cancels its context.
func (handle interruptHandle) Interrupt() {
	handle.interrupted.Store(true)
	handle.cancel()
}

// tailBuffer keeps the most recent writes up to a byte limit, so a noisy
// process cannot grow diagnostics without bound.
type tailBuffer struct {
	limit int
	data  []byte
}

// Write appends p, discarding the oldest bytes beyond the limit.
func (buffer *tailBuffer) Write(p []byte) (int, error) {
	buffer.data = append(buffer.data, p...)
	if buffer.limit > 0 && len(buffer.data) > buffer.limit {
		excess := len(buffer.data) - buffer.limit
		buffer.data = append([]byte(nil), buffer.data[excess:]...)
	}
	return len(p), nil
}

// String returns the retained tail.
func (buffer *tailBuffer) String() string {
	return string(buffer.data)
}
