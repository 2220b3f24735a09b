package types

import (
	"fmt"
	"time"
)

type SandboxState string

const (
	SandboxStateCreating SandboxState = "CREATING"
	SandboxStateRunning  SandboxState = "RUNNING"
	SandboxStateStopped  SandboxState = "STOPPED"
	SandboxStateArchived SandboxState = "ARCHIVED"
	SandboxStateError    SandboxState = "ERROR"
)

type AppType string

const (
	AppTypeWeb    AppType = "web"
	AppTypeMobile AppType = "mobile"
)

// Port returns the well-known dev server port for the app type.
func (a AppType) Port() int {
	if a == AppTypeMobile {
		return 8081
	}
	return 3000
}

// WorkspacePath returns the workspace directory the app type's project
// is checked out into inside the sandbox.
func (a AppType) WorkspacePath() string {
	if a == AppTypeMobile {
		return "/workspace/cheatcode-mobile"
	}
	return "/workspace/cheatcode-app"
}

// Well-known label keys attached to sandboxes at creation time so they can
// be discovered later without a database lookup.
const (
	LabelProjectId = "project_id"
	LabelAccountId = "account_id"
	LabelAppType   = "app_type"
	LabelCreatedBy = "created_by"
)

type Sandbox struct {
	Id        string            `json:"id"`
	State     SandboxState      `json:"state"`
	Labels    map[string]string `json:"labels"`
	Snapshot  string            `json:"snapshot"`
	CPU       int64             `json:"cpu"`
	MemoryMB  int64             `json:"memory_mb"`
	DiskGB    int64             `json:"disk_gb"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// LastActive returns the most recent provider-reported timestamp for the
// sandbox, falling back to the creation time when the provider never
// reported an update. Eviction ordering relies on this.
func (s *Sandbox) LastActive() time.Time {
	if s.UpdatedAt.IsZero() {
		return s.CreatedAt
	}
	return s.UpdatedAt
}

type CreateSandboxParams struct {
	Snapshot            string            `json:"snapshot"`
	CPU                 int64             `json:"cpu"`
	MemoryMB            int64             `json:"memory_mb"`
	DiskGB              int64             `json:"disk_gb"`
	EnvVars             map[string]string `json:"env_vars"`
	Labels              map[string]string `json:"labels"`
	Public              bool              `json:"public"`
	AutoStopInterval    time.Duration     `json:"auto_stop_interval"`
	AutoArchiveInterval time.Duration     `json:"auto_archive_interval"`
}

type SessionStatus string

const (
	SessionStatusStarting SessionStatus = "STARTING"
	SessionStatusRunning  SessionStatus = "RUNNING"
	SessionStatusStopped  SessionStatus = "STOPPED"
	SessionStatusFailed   SessionStatus = "FAILED"
)

// DevServerSession tracks a named long-running command execution inside a
// sandbox. Dev server sessions use a deterministic name per app type; all
// other sessions are randomly named.
type DevServerSession struct {
	SessionName string        `json:"session_name"`
	SessionId   string        `json:"session_id"`
	Command     string        `json:"command"`
	Status      SessionStatus `json:"status"`
	Port        int           `json:"port"`
	StartedAt   time.Time     `json:"started_at"`
}

type DevServerStatus string

const (
	DevServerNotRunning    DevServerStatus = "not_running"
	DevServerSessionExists DevServerStatus = "session_exists"
	DevServerRunning       DevServerStatus = "running"
)

type SessionCommand struct {
	Id       string `json:"id"`
	Command  string `json:"command"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

type SessionInfo struct {
	SessionId string           `json:"session_id"`
	Commands  []SessionCommand `json:"commands"`
}

type ExecResult struct {
	Result   string `json:"result"`
	ExitCode int    `json:"exit_code"`
}

type SessionCommandRequest struct {
	Command string `json:"command"`
	Async   bool   `json:"async"`
	Cwd     string `json:"cwd,omitempty"`
}

type SessionCommandResponse struct {
	CmdId string `json:"cmd_id"`
}

// ExecuteResponse is returned to callers of the dev-server-aware execute
// path. Skipped* flags indicate an idempotent short-circuit rather than a
// fresh process start.
type ExecuteResponse struct {
	Output                   string `json:"output,omitempty"`
	ExitCode                 int    `json:"exit_code"`
	SessionName              string `json:"session_name,omitempty"`
	SessionId                string `json:"session_id,omitempty"`
	CommandId                string `json:"command_id,omitempty"`
	Cwd                      string `json:"cwd,omitempty"`
	Completed                bool   `json:"completed"`
	Success                  bool   `json:"success"`
	SkippedRedundantStartup  bool   `json:"skipped_redundant_startup,omitempty"`
	SkippedConcurrentStartup bool   `json:"skipped_concurrent_startup,omitempty"`
}

type Project struct {
	Id        string    `db:"id" json:"id"`
	AccountId string    `db:"account_id" json:"account_id"`
	SandboxId string    `db:"sandbox_id" json:"sandbox_id"`
	AppType   AppType   `db:"app_type" json:"app_type"`
	IsPublic  bool      `db:"is_public" json:"is_public"`
	OwnerId   string    `db:"owner_id" json:"owner_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

func (p *Project) String() string {
	return fmt.Sprintf("project<%s sandbox=%s app=%s>", p.Id, p.SandboxId, p.AppType)
}
