package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/myles1663/lancelot-sub002/pkg/boundary"
	"github.com/myles1663/lancelot-sub002/pkg/canonicalize"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

// Local dispatches actions to in-process drivers: filesystem, shell, HTTP,
// and an in-memory key-value store with an undo log. Each capability is
// paced by its own token bucket so a runaway plan cannot hammer one driver.
type Local struct {
	workspace *boundary.Workspace
	client    *http.Client
	memory    *MemoryStore

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	pace     rate.Limit
	burst    int
}

// NewLocal builds a local executor rooted at the workspace.
func NewLocal(ws *boundary.Workspace) *Local {
	return &Local{
		workspace: ws,
		client:    &http.Client{},
		memory:    NewMemoryStore(),
		limiters:  make(map[string]*rate.Limiter),
		pace:      rate.Limit(10), // actions per second per capability
		burst:     5,
	}
}

// Memory exposes the in-process memory store so rollback can reach its
// undo log.
func (l *Local) Memory() *MemoryStore { return l.memory }

// Execute implements Executor.
func (l *Local) Execute(ctx context.Context, req contracts.ActionRequest, timeout time.Duration) (contracts.ExecutionResult, error) {
	if err := l.limiter(req.Capability).Wait(ctx); err != nil {
		return contracts.ExecutionResult{}, fmt.Errorf("executor: pacing wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := l.dispatch(ctx, req)
	res.Duration = time.Since(start)

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return res, fmt.Errorf("%w: %s after %s", contracts.ErrExecutorTimeout, req.Capability, timeout)
	}
	return res, err
}

func (l *Local) dispatch(ctx context.Context, req contracts.ActionRequest) (contracts.ExecutionResult, error) {
	switch req.Capability {
	case "fs.read":
		return l.fsRead(req)
	case "fs.write":
		return l.fsWrite(req)
	case "fs.delete":
		return l.fsDelete(req)
	case "shell.exec", "git.commit":
		return l.shellExec(ctx, req)
	case "net.get", "net.post":
		return l.netCall(ctx, req)
	case "memory.read":
		return l.memory.Read(req.Target)
	case "memory.write":
		return l.memory.Write(req.Target, req.Params)
	default:
		return contracts.ExecutionResult{}, &contracts.ExecutorFault{
			Capability: req.Capability,
			Err:        fmt.Errorf("no local driver for capability"),
		}
	}
}

func (l *Local) limiter(capability string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[capability]
	if !ok {
		lim = rate.NewLimiter(l.pace, l.burst)
		l.limiters[capability] = lim
	}
	return lim
}

func (l *Local) fsRead(req contracts.ActionRequest) (contracts.ExecutionResult, error) {
	path, err := l.workspace.Resolve(req.Target)
	if err != nil {
		return contracts.ExecutionResult{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return contracts.ExecutionResult{ExitCode: 1}, &contracts.ExecutorFault{
			Capability: req.Capability, ExitCode: 1, Transient: false, Err: err,
		}
	}
	return contracts.ExecutionResult{
		Success:   true,
		Output:    truncate(data),
		AfterHash: canonicalize.HashBytes(data),
	}, nil
}

func (l *Local) fsWrite(req contracts.ActionRequest) (contracts.ExecutionResult, error) {
	path, err := l.workspace.Resolve(req.Target)
	if err != nil {
		return contracts.ExecutionResult{}, err
	}
	content, _ := req.Params["content"].(string)

	res := contracts.ExecutionResult{}
	prior, readErr := os.ReadFile(path)
	switch {
	case readErr == nil:
		res.BeforeHash = canonicalize.HashBytes(prior)
		res.PriorContent = prior
	case os.IsNotExist(readErr):
		res.Created = true
	default:
		return res, &contracts.ExecutorFault{Capability: req.Capability, ExitCode: 1, Err: readErr}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return res, &contracts.ExecutorFault{Capability: req.Capability, ExitCode: 1, Err: err}
	}
	// Write to temp then rename so verification never observes a torn file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return res, &contracts.ExecutorFault{Capability: req.Capability, ExitCode: 1, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return res, &contracts.ExecutorFault{Capability: req.Capability, ExitCode: 1, Err: err}
	}

	res.Success = true
	res.AfterHash = canonicalize.HashBytes([]byte(content))
	return res, nil
}

func (l *Local) fsDelete(req contracts.ActionRequest) (contracts.ExecutionResult, error) {
	path, err := l.workspace.Resolve(req.Target)
	if err != nil {
		return contracts.ExecutionResult{}, err
	}
	prior, readErr := os.ReadFile(path)
	if readErr != nil {
		return contracts.ExecutionResult{ExitCode: 1}, &contracts.ExecutorFault{
			Capability: req.Capability, ExitCode: 1, Err: readErr,
		}
	}
	if err := os.Remove(path); err != nil {
		return contracts.ExecutionResult{ExitCode: 1}, &contracts.ExecutorFault{
			Capability: req.Capability, ExitCode: 1, Err: err,
		}
	}
	return contracts.ExecutionResult{
		Success:      true,
		BeforeHash:   canonicalize.HashBytes(prior),
		PriorContent: prior,
	}, nil
}

func (l *Local) shellExec(ctx context.Context, req contracts.ActionRequest) (contracts.ExecutionResult, error) {
	command, _ := req.Params["command"].(string)
	if command == "" {
		return contracts.ExecutionResult{}, &contracts.ExecutorFault{
			Capability: req.Capability, Err: errors.New("missing command parameter"),
		}
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = l.workspace.Root()
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	res := contracts.ExecutionResult{Output: truncate(buf.Bytes())}
	if err != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, &contracts.ExecutorFault{
			Capability: req.Capability, ExitCode: res.ExitCode, Transient: false, Err: err,
		}
	}
	res.Success = true
	return res, nil
}

func (l *Local) netCall(ctx context.Context, req contracts.ActionRequest) (contracts.ExecutionResult, error) {
	method := http.MethodGet
	var body io.Reader
	if req.Capability == "net.post" {
		method = http.MethodPost
		if payload, ok := req.Params["body"].(string); ok {
			body = strings.NewReader(payload)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.Target, body)
	if err != nil {
		return contracts.ExecutionResult{}, &contracts.ExecutorFault{Capability: req.Capability, Err: err}
	}
	resp, err := l.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return contracts.ExecutionResult{}, ctx.Err()
		}
		return contracts.ExecutionResult{}, &contracts.ExecutorFault{
			Capability: req.Capability, Transient: true, Err: err,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, MaxOutputBytes))
	res := contracts.ExecutionResult{
		Success:  resp.StatusCode >= 200 && resp.StatusCode < 300,
		ExitCode: resp.StatusCode,
		Output:   string(data),
	}
	if !res.Success {
		return res, &contracts.ExecutorFault{
			Capability: req.Capability,
			ExitCode:   resp.StatusCode,
			Transient:  resp.StatusCode >= 500,
			Err:        fmt.Errorf("http status %d", resp.StatusCode),
		}
	}
	return res, nil
}
