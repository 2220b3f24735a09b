package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

// FakeClient is an in-memory provider used by tests. Failures are injected
// per operation as a FIFO of errors, so a test can make the first start
// attempt fail with a quota message and let the retry succeed.
type FakeClient struct {
	mu sync.Mutex

	sandboxes map[string]*types.Sandbox
	sessions  map[string]map[string]*types.SessionInfo
	logs      map[string]string

	startErrs  []error
	createErrs []error
	stopErrs   []error

	// StartDelay artificially slows Start so concurrency tests can observe
	// overlapping attempts.
	StartDelay time.Duration

	// ExecFunc overrides Exec when set; health probe tests use it to shape
	// the curl output.
	ExecFunc func(sandboxId, command string) (*types.ExecResult, error)

	StartCalls         int
	StopCalls          int
	CreateCalls        int
	DeleteCalls        int
	CreateSessionCalls int
	SessionCmdCalls    int
	StoppedSandboxIds  []string
}

var _ Client = (*FakeClient)(nil)

func NewFakeClient() *FakeClient {
	return &FakeClient{
		sandboxes: map[string]*types.Sandbox{},
		sessions:  map[string]map[string]*types.SessionInfo{},
		logs:      map[string]string{},
	}
}

// AddSandbox seeds a sandbox into the fake's state.
func (f *FakeClient) AddSandbox(sandbox *types.Sandbox) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxes[sandbox.Id] = sandbox
}

func (f *FakeClient) FailNextStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErrs = append(f.startErrs, err)
}

func (f *FakeClient) FailNextCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErrs = append(f.createErrs, err)
}

func (f *FakeClient) FailNextStop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopErrs = append(f.stopErrs, err)
}

func (f *FakeClient) Get(ctx context.Context, sandboxId string) (*types.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sandbox, ok := f.sandboxes[sandboxId]
	if !ok {
		return nil, &types.NotFoundError{Kind: "sandbox", Id: sandboxId}
	}

	copied := *sandbox
	return &copied, nil
}

func (f *FakeClient) Start(ctx context.Context, sandboxId string) error {
	f.mu.Lock()
	f.StartCalls++
	var err error
	if len(f.startErrs) > 0 {
		err, f.startErrs = f.startErrs[0], f.startErrs[1:]
	}
	delay := f.StartDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	sandbox, ok := f.sandboxes[sandboxId]
	if !ok {
		return &types.NotFoundError{Kind: "sandbox", Id: sandboxId}
	}
	sandbox.State = types.SandboxStateRunning
	sandbox.UpdatedAt = time.Now()
	return nil
}

func (f *FakeClient) Stop(ctx context.Context, sandboxId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.StopCalls++
	f.StoppedSandboxIds = append(f.StoppedSandboxIds, sandboxId)

	if len(f.stopErrs) > 0 {
		var err error
		err, f.stopErrs = f.stopErrs[0], f.stopErrs[1:]
		if err != nil {
			return err
		}
	}

	sandbox, ok := f.sandboxes[sandboxId]
	if !ok {
		return &types.NotFoundError{Kind: "sandbox", Id: sandboxId}
	}
	sandbox.State = types.SandboxStateStopped
	sandbox.UpdatedAt = time.Now()
	return nil
}

func (f *FakeClient) Create(ctx context.Context, params types.CreateSandboxParams) (*types.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CreateCalls++
	if len(f.createErrs) > 0 {
		var err error
		err, f.createErrs = f.createErrs[0], f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	sandbox := &types.Sandbox{
		Id:        fmt.Sprintf("sb-%s", uuid.New().String()[:8]),
		State:     types.SandboxStateRunning,
		Labels:    params.Labels,
		Snapshot:  params.Snapshot,
		CPU:       params.CPU,
		MemoryMB:  params.MemoryMB,
		DiskGB:    params.DiskGB,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.sandboxes[sandbox.Id] = sandbox

	copied := *sandbox
	return &copied, nil
}

func (f *FakeClient) Delete(ctx context.Context, sandboxId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.DeleteCalls++
	if _, ok := f.sandboxes[sandboxId]; !ok {
		return &types.NotFoundError{Kind: "sandbox", Id: sandboxId}
	}
	delete(f.sandboxes, sandboxId)
	delete(f.sessions, sandboxId)
	return nil
}

func (f *FakeClient) List(ctx context.Context, labels map[string]string) ([]*types.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []*types.Sandbox
	for _, sandbox := range f.sandboxes {
		if matchesLabels(sandbox.Labels, labels) {
			copied := *sandbox
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (f *FakeClient) WaitForState(ctx context.Context, sandboxId string, state types.SandboxState, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		sandbox, err := f.Get(ctx, sandboxId)
		if err != nil {
			return err
		}
		if sandbox.State == state {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return &types.ProviderTimeoutError{Operation: fmt.Sprintf("wait for %s", state), Timeout: timeout}
}

func (f *FakeClient) Exec(ctx context.Context, sandboxId, command, cwd string, timeout time.Duration) (*types.ExecResult, error) {
	if f.ExecFunc != nil {
		return f.ExecFunc(sandboxId, command)
	}
	return &types.ExecResult{Result: "", ExitCode: 0}, nil
}

func (f *FakeClient) CreateSession(ctx context.Context, sandboxId, sessionId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CreateSessionCalls++
	if _, ok := f.sessions[sandboxId]; !ok {
		f.sessions[sandboxId] = map[string]*types.SessionInfo{}
	}
	f.sessions[sandboxId][sessionId] = &types.SessionInfo{SessionId: sessionId}
	return nil
}

func (f *FakeClient) ExecuteSessionCommand(ctx context.Context, sandboxId, sessionId string, req types.SessionCommandRequest) (*types.SessionCommandResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.SessionCmdCalls++
	sessions, ok := f.sessions[sandboxId]
	if !ok {
		return nil, &types.NotFoundError{Kind: "session", Id: sessionId}
	}
	session, ok := sessions[sessionId]
	if !ok {
		return nil, &types.NotFoundError{Kind: "session", Id: sessionId}
	}

	cmdId := uuid.New().String()
	session.Commands = append(session.Commands, types.SessionCommand{Id: cmdId, Command: req.Command})
	f.logs[cmdId] = fmt.Sprintf("$ %s\n", req.Command)
	return &types.SessionCommandResponse{CmdId: cmdId}, nil
}

func (f *FakeClient) GetSession(ctx context.Context, sandboxId, sessionId string) (*types.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sessions, ok := f.sessions[sandboxId]
	if !ok {
		return nil, &types.NotFoundError{Kind: "session", Id: sessionId}
	}
	session, ok := sessions[sessionId]
	if !ok {
		return nil, &types.NotFoundError{Kind: "session", Id: sessionId}
	}

	copied := *session
	copied.Commands = append([]types.SessionCommand{}, session.Commands...)
	return &copied, nil
}

func (f *FakeClient) GetSessionCommandLogs(ctx context.Context, sandboxId, sessionId, cmdId string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	logs, ok := f.logs[cmdId]
	if !ok {
		return "", &types.NotFoundError{Kind: "command", Id: cmdId}
	}
	return logs, nil
}

func (f *FakeClient) DeleteSession(ctx context.Context, sandboxId, sessionId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sessions, ok := f.sessions[sandboxId]
	if !ok {
		return &types.NotFoundError{Kind: "session", Id: sessionId}
	}
	delete(sessions, sessionId)
	return nil
}

func matchesLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
