package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cheatcode-dev/sandboxd/pkg/common"
	"github.com/cheatcode-dev/sandboxd/pkg/provider"
	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

const (
	// devServerLockTtlS covers the whole startup window: health re-check,
	// session creation, and the non-blocking dispatch.
	devServerLockTtlS = 60

	sessionCreateLockTtlS    = 10
	sessionCreateLockRetries = 2

	devServerSessionPrefix = "dev_server_"

	gracefulKillWait = 2 * time.Second
	teardownTimeout  = 10 * time.Second
)

// devServerPatterns classifies a command as dev-server-starting by
// substring. A miss just skips deduplication and runs as an ordinary
// command.
var devServerPatterns = []string{
	"npm run dev",
	"npm start",
	"npm run start",
	"pnpm run dev",
	"pnpm dev",
	"pnpm start",
	"yarn dev",
	"yarn start",
	"bun run dev",
	"bun dev",
	"next dev",
	"vite",
	"expo start",
	"npx expo start",
	"react-native start",
}

// DevServerSessionName is the deterministic dedup key: one dev server slot
// per app type per sandbox.
func DevServerSessionName(appType types.AppType) string {
	return devServerSessionPrefix + string(appType)
}

// IsDevServerCommand reports whether the command matches a known
// dev-server start pattern.
func IsDevServerCommand(command string) bool {
	normalized := strings.ToLower(strings.TrimSpace(command))
	for _, pattern := range devServerPatterns {
		if strings.Contains(normalized, pattern) {
			return true
		}
	}
	return false
}

func isDevServerSession(sessionName string) (types.AppType, bool) {
	if !strings.HasPrefix(sessionName, devServerSessionPrefix) {
		return "", false
	}
	return types.AppType(strings.TrimPrefix(sessionName, devServerSessionPrefix)), true
}

type ExecuteRequest struct {
	SandboxId   string
	AppType     types.AppType
	Command     string
	SessionName string
	Blocking    bool
	Cwd         string
	Timeout     time.Duration
}

// SessionListing is one entry of ListSessions, the local registry view
// enriched with provider-reported command history.
type SessionListing struct {
	SessionName string                 `json:"session_name"`
	SessionId   string                 `json:"session_id"`
	Commands    []types.SessionCommand `json:"commands,omitempty"`
}

// Registry deduplicates dev-server startups per sandbox + app type and
// tracks the sessions it created. The name→session-id map is a per-process
// convenience cache for this registry's own writes; cross-process safety
// for the start race comes from the distributed lock alone.
type Registry struct {
	provider provider.Client
	lock     *common.RedisLock
	probe    *HealthProbe

	mu       sync.Mutex
	sessions map[string]string
}

func NewRegistry(client provider.Client, rdb *common.RedisClient) *Registry {
	r := &Registry{
		provider: client,
		lock:     common.NewRedisLock(rdb),
		sessions: map[string]string{},
	}
	r.probe = NewHealthProbe(client, r)
	return r
}

// Probe exposes the registry's health probe for status endpoints.
func (r *Registry) Probe() *HealthProbe {
	return r.probe
}

// HasSession implements SessionTracker over the local cache.
func (r *Registry) HasSession(sandboxId, sessionName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionKey(sandboxId, sessionName)]
	return ok
}

// Execute runs a command in the sandbox. Blocking commands go straight to
// exec. Non-blocking dev-server commands go through the dedup path: the
// per-pair lock serializes the start race, health checks short-circuit
// redundant starts, and the dispatch itself never waits for the server to
// become healthy.
func (r *Registry) Execute(ctx context.Context, req ExecuteRequest) (*types.ExecuteResponse, error) {
	if req.Blocking {
		return r.executeBlocking(ctx, req)
	}

	sessionName := req.SessionName
	devServer := false
	if sessionName == "" {
		if IsDevServerCommand(req.Command) {
			sessionName = DevServerSessionName(req.AppType)
			devServer = true
		} else {
			sessionName = fmt.Sprintf("cmd_%s", uuid.New().String()[:8])
		}
	} else {
		_, devServer = isDevServerSession(sessionName)
		devServer = devServer && IsDevServerCommand(req.Command)
	}

	if !devServer {
		return r.dispatch(ctx, req, sessionName)
	}

	lockKey := common.RedisKeys.SandboxDevServerLock(req.SandboxId, string(req.AppType))
	token, err := r.lock.Acquire(ctx, lockKey, common.RedisLockOptions{TtlS: devServerLockTtlS})
	if err != nil {
		if !errors.Is(err, types.ErrLockNotAcquired) {
			return nil, err
		}
		// Another start is in flight. If the server already answers we can
		// report success without touching anything.
		return r.skippedResponse(ctx, req, sessionName), nil
	}

	// Re-check under the lock: the previous holder may have finished
	// between our classification and the acquisition.
	if status := r.probe.Status(ctx, req.SandboxId, req.AppType); status == types.DevServerRunning {
		r.lock.ReleaseQuietly(ctx, lockKey, token)
		return alreadyRunningResponse(sessionName), nil
	}

	resp, err := r.dispatch(ctx, req, sessionName)

	// Release as soon as the dispatch is accepted: the lock serializes the
	// start race, not the server's lifetime. TTL is the backstop if we
	// crash before this line.
	r.lock.ReleaseQuietly(ctx, lockKey, token)

	return resp, err
}

func (r *Registry) executeBlocking(ctx context.Context, req ExecuteRequest) (*types.ExecuteResponse, error) {
	cwd := req.Cwd
	if cwd == "" {
		cwd = req.AppType.WorkspacePath()
	}

	result, err := r.provider.Exec(ctx, req.SandboxId, req.Command, cwd, req.Timeout)
	if err != nil {
		return nil, err
	}

	return &types.ExecuteResponse{
		Output:    result.Result,
		ExitCode:  result.ExitCode,
		Cwd:       cwd,
		Completed: true,
		Success:   result.ExitCode == 0,
	}, nil
}

// dispatch looks up or creates the named session and issues the command
// without waiting for it to complete.
func (r *Registry) dispatch(ctx context.Context, req ExecuteRequest, sessionName string) (*types.ExecuteResponse, error) {
	sessionId, err := r.ensureSession(ctx, req.SandboxId, sessionName)
	if err != nil {
		return nil, err
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = req.AppType.WorkspacePath()
	}

	cmdResp, err := r.provider.ExecuteSessionCommand(ctx, req.SandboxId, sessionId, types.SessionCommandRequest{
		Command: req.Command,
		Async:   true,
		Cwd:     cwd,
	})
	if err != nil {
		return nil, err
	}

	return &types.ExecuteResponse{
		SessionName: sessionName,
		SessionId:   sessionId,
		CommandId:   cmdResp.CmdId,
		Cwd:         cwd,
		Completed:   false,
		Success:     true,
	}, nil
}

// ensureSession returns the session id for a name, creating the session on
// first use. Creation runs under its own short lock so two replicas don't
// race the provider with duplicate create calls; losing that lock is not
// fatal since the get-before-create below absorbs the duplicate.
func (r *Registry) ensureSession(ctx context.Context, sandboxId, sessionName string) (string, error) {
	if id, ok := r.cachedSession(sandboxId, sessionName); ok {
		return id, nil
	}

	key := common.RedisKeys.SandboxDevServerSessionLock(sandboxId, sessionName)
	token, err := r.lock.Acquire(ctx, key, common.RedisLockOptions{TtlS: sessionCreateLockTtlS, Retries: sessionCreateLockRetries})
	if err != nil {
		log.Warn().Str("sandbox_id", sandboxId).Str("session", sessionName).Err(err).Msg("proceeding without session creation lock")
	} else {
		defer r.lock.ReleaseQuietly(ctx, key, token)
	}

	if info, err := r.provider.GetSession(ctx, sandboxId, sessionName); err == nil {
		r.rememberSession(sandboxId, sessionName, info.SessionId)
		return info.SessionId, nil
	}

	if err := r.provider.CreateSession(ctx, sandboxId, sessionName); err != nil {
		return "", err
	}

	r.rememberSession(sandboxId, sessionName, sessionName)
	return sessionName, nil
}

// skippedResponse translates dev-server lock contention into an idempotent
// caller-facing outcome instead of an error.
func (r *Registry) skippedResponse(ctx context.Context, req ExecuteRequest, sessionName string) *types.ExecuteResponse {
	if status := r.probe.Status(ctx, req.SandboxId, req.AppType); status == types.DevServerRunning {
		return alreadyRunningResponse(sessionName)
	}

	return &types.ExecuteResponse{
		Output:                   "dev server startup already in progress, poll again shortly",
		SessionName:              sessionName,
		Completed:                false,
		Success:                  true,
		SkippedConcurrentStartup: true,
	}
}

func alreadyRunningResponse(sessionName string) *types.ExecuteResponse {
	return &types.ExecuteResponse{
		Output:                  "dev server already running",
		SessionName:             sessionName,
		Completed:               true,
		Success:                 true,
		SkippedRedundantStartup: true,
	}
}

// CheckOutput returns the accumulated logs of every command in the
// session, optionally tearing the session down afterwards.
func (r *Registry) CheckOutput(ctx context.Context, sandboxId, sessionName string, kill bool) (string, error) {
	sessionId, ok := r.cachedSession(sandboxId, sessionName)
	if !ok {
		sessionId = sessionName
	}

	info, err := r.provider.GetSession(ctx, sandboxId, sessionId)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, cmd := range info.Commands {
		logs, err := r.provider.GetSessionCommandLogs(ctx, sandboxId, sessionId, cmd.Id)
		if err != nil {
			log.Debug().Str("sandbox_id", sandboxId).Str("cmd_id", cmd.Id).Err(err).Msg("command logs unavailable")
			continue
		}
		sb.WriteString(logs)
	}

	if kill {
		if err := r.Terminate(ctx, sandboxId, sessionName); err != nil {
			log.Warn().Str("sandbox_id", sandboxId).Str("session", sessionName).Err(err).Msg("session teardown failed")
		}
	}

	return sb.String(), nil
}

// Terminate tears a session down. Dev-server sessions get a graceful
// shutdown of the port listeners first; the local registry entry is removed
// regardless of how much of the remote cleanup succeeded.
func (r *Registry) Terminate(ctx context.Context, sandboxId, sessionName string) error {
	defer r.forgetSession(sandboxId, sessionName)

	if appType, ok := isDevServerSession(sessionName); ok {
		r.killPortListeners(ctx, sandboxId, appType.Port())
	}

	sessionId, ok := r.cachedSession(sandboxId, sessionName)
	if !ok {
		sessionId = sessionName
	}

	if err := r.provider.DeleteSession(ctx, sandboxId, sessionId); err != nil {
		var notFound *types.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// killPortListeners signals processes on the port, waits briefly, then
// force-kills survivors. Best effort on every step.
func (r *Registry) killPortListeners(ctx context.Context, sandboxId string, port int) {
	term := fmt.Sprintf("fuser -k -TERM %d/tcp || true", port)
	if _, err := r.provider.Exec(ctx, sandboxId, term, "", teardownTimeout); err != nil {
		log.Debug().Str("sandbox_id", sandboxId).Int("port", port).Err(err).Msg("graceful port kill failed")
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(gracefulKillWait):
	}

	kill := fmt.Sprintf("fuser -k -KILL %d/tcp || true", port)
	if _, err := r.provider.Exec(ctx, sandboxId, kill, "", teardownTimeout); err != nil {
		log.Debug().Str("sandbox_id", sandboxId).Int("port", port).Err(err).Msg("force port kill failed")
	}
}

// ListSessions enumerates this registry's sessions for the sandbox. The
// view is local to this process; callers needing an authoritative list must
// query the provisioning service.
func (r *Registry) ListSessions(ctx context.Context, sandboxId string) []SessionListing {
	r.mu.Lock()
	prefix := sandboxId + "/"
	names := map[string]string{}
	for key, id := range r.sessions {
		if strings.HasPrefix(key, prefix) {
			names[strings.TrimPrefix(key, prefix)] = id
		}
	}
	r.mu.Unlock()

	listings := make([]SessionListing, 0, len(names))
	for name, id := range names {
		listing := SessionListing{SessionName: name, SessionId: id}
		if info, err := r.provider.GetSession(ctx, sandboxId, id); err == nil {
			listing.Commands = info.Commands
		}
		listings = append(listings, listing)
	}
	return listings
}

// DropSandbox clears every local entry for a sandbox, used on sandbox
// deletion.
func (r *Registry) DropSandbox(sandboxId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := sandboxId + "/"
	for key := range r.sessions {
		if strings.HasPrefix(key, prefix) {
			delete(r.sessions, key)
		}
	}
}

func (r *Registry) cachedSession(sandboxId, sessionName string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sessions[sessionKey(sandboxId, sessionName)]
	return id, ok
}

func (r *Registry) rememberSession(sandboxId, sessionName, sessionId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionKey(sandboxId, sessionName)] = sessionId
}

func (r *Registry) forgetSession(sandboxId, sessionName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionKey(sandboxId, sessionName))
}

func sessionKey(sandboxId, sessionName string) string {
	return sandboxId + "/" + sessionName
}
