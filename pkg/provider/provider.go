package provider

import (
	"context"
	"time"

	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

// Client is the surface of the remote provisioning service the control
// plane depends on. The service owns the actual container runtime; this
// layer only drives lifecycle transitions and remote process execution.
type Client interface {
	Get(ctx context.Context, sandboxId string) (*types.Sandbox, error)
	Start(ctx context.Context, sandboxId string) error
	Stop(ctx context.Context, sandboxId string) error
	Create(ctx context.Context, params types.CreateSandboxParams) (*types.Sandbox, error)
	Delete(ctx context.Context, sandboxId string) error
	List(ctx context.Context, labels map[string]string) ([]*types.Sandbox, error)

	// WaitForState blocks until the sandbox reaches the given state or the
	// timeout elapses. Implementations may poll.
	WaitForState(ctx context.Context, sandboxId string, state types.SandboxState, timeout time.Duration) error

	// Remote process execution inside a sandbox.
	Exec(ctx context.Context, sandboxId, command, cwd string, timeout time.Duration) (*types.ExecResult, error)
	CreateSession(ctx context.Context, sandboxId, sessionId string) error
	ExecuteSessionCommand(ctx context.Context, sandboxId, sessionId string, req types.SessionCommandRequest) (*types.SessionCommandResponse, error)
	GetSession(ctx context.Context, sandboxId, sessionId string) (*types.SessionInfo, error)
	GetSessionCommandLogs(ctx context.Context, sandboxId, sessionId, cmdId string) (string, error)
	DeleteSession(ctx context.Context, sandboxId, sessionId string) error
}
