package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog/log"

	"github.com/cheatcode-dev/sandboxd/pkg/common"
	"github.com/cheatcode-dev/sandboxd/pkg/provider"
	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

const (
	stateLockTtlS    = 10
	stateLockRetries = 4

	// TTL the lock is refreshed to once a start is committed, covering the
	// wait-for-RUNNING window.
	startRefreshTtlS = 90
	startingMarker   = "starting"

	createRetryBaseInterval = 10 * time.Second
	createMaxRetries        = 2

	manualPollInterval = 2 * time.Second

	bootstrapSessionName = "bootstrap"
	bootstrapCommand     = "sudo /usr/bin/supervisord -c /etc/supervisor/supervisord.conf"
)

// StateController owns the lifecycle state machine for sandboxes. All
// mutating transitions for a sandbox id run under the per-sandbox state lock
// so that replicas never interleave start/stop calls for the same sandbox.
type StateController struct {
	config   types.SandboxConfig
	provider provider.Client
	lock     *common.RedisLock
}

func NewStateController(config types.SandboxConfig, client provider.Client, rdb *common.RedisClient) *StateController {
	return &StateController{
		config:   config,
		provider: client,
		lock:     common.NewRedisLock(rdb),
	}
}

// Get is a lockless read-through to the provisioning service.
func (c *StateController) Get(ctx context.Context, sandboxId string) (*types.Sandbox, error) {
	return c.provider.Get(ctx, sandboxId)
}

// GetOrStart returns the sandbox, starting it first if it is stopped or
// archived. The start path runs under the per-sandbox state lock; when the
// lock cannot be acquired within the bounded retry window the caller gets a
// ContentionError instead of a half-applied transition.
func (c *StateController) GetOrStart(ctx context.Context, sandboxId string) (*types.Sandbox, error) {
	key := common.RedisKeys.SandboxStateLock(sandboxId)

	token, err := c.lock.Acquire(ctx, key, common.RedisLockOptions{TtlS: stateLockTtlS, Retries: stateLockRetries})
	if err != nil {
		if errors.Is(err, types.ErrLockNotAcquired) {
			return nil, &types.ContentionError{Resource: sandboxId}
		}
		return nil, err
	}
	defer c.lock.ReleaseQuietly(ctx, key, token)

	sandbox, err := c.provider.Get(ctx, sandboxId)
	if err != nil {
		return nil, err
	}

	if sandbox.State != types.SandboxStateStopped && sandbox.State != types.SandboxStateArchived {
		return sandbox, nil
	}

	// The start plus the wait for RUNNING can outlive the 10s acquisition
	// TTL. Widen the window; the embedded token keeps release working.
	if err := c.lock.Refresh(ctx, key, startingMarker, token, startRefreshTtlS); err != nil {
		log.Warn().Str("sandbox_id", sandboxId).Err(err).Msg("failed to refresh state lock")
	}

	if err := c.startWithEviction(ctx, sandboxId); err != nil {
		return nil, err
	}

	c.awaitRunning(ctx, sandboxId)
	c.bootstrapRuntime(ctx, sandboxId)

	return c.provider.Get(ctx, sandboxId)
}

// startWithEviction issues the start call and applies the quota
// eviction-and-retry policy: on a quota-exceeded failure, stop the single
// oldest other running sandbox and retry the start exactly once.
func (c *StateController) startWithEviction(ctx context.Context, sandboxId string) error {
	err := c.provider.Start(ctx, sandboxId)
	if err == nil {
		return nil
	}

	if types.IsQuotaExceeded(err) {
		log.Info().Str("sandbox_id", sandboxId).Err(err).Msg("start rejected over quota, evicting oldest running sandbox")

		if evictErr := c.evictOldestRunning(ctx, sandboxId); evictErr != nil {
			return &types.QuotaExceededError{SandboxId: sandboxId, Message: evictErr.Error()}
		}

		retryErr := c.provider.Start(ctx, sandboxId)
		if retryErr == nil || types.IsAlreadyRunning(retryErr) {
			return nil
		}
		return retryErr
	}

	if types.IsAlreadyRunning(err) {
		return nil
	}

	return err
}

// evictOldestRunning stops the single oldest running sandbox other than the
// target. Greedy single-victim eviction; sustained contention can starve, and
// that is surfaced to the caller rather than hidden behind repeated attempts.
func (c *StateController) evictOldestRunning(ctx context.Context, excludeId string) error {
	sandboxes, err := c.provider.List(ctx, nil)
	if err != nil {
		return err
	}

	var candidates []*types.Sandbox
	for _, s := range sandboxes {
		if s.Id != excludeId && s.State == types.SandboxStateRunning {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return fmt.Errorf("no running sandboxes available to evict")
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastActive().Before(candidates[j].LastActive())
	})
	victim := candidates[0]

	// Best effort on the victim's own lock: if another replica is mid
	// transition on it we still proceed, since the alternative is failing
	// the original start outright.
	victimKey := common.RedisKeys.SandboxStateLock(victim.Id)
	victimToken, lockErr := c.lock.Acquire(ctx, victimKey, common.RedisLockOptions{TtlS: stateLockTtlS})
	if lockErr != nil {
		log.Warn().Str("sandbox_id", victim.Id).Err(lockErr).Msg("evicting without victim lock")
	}

	log.Info().Str("sandbox_id", victim.Id).Time("last_active", victim.LastActive()).Msg("stopping sandbox to reclaim quota")
	stopErr := c.provider.Stop(ctx, victim.Id)
	if stopErr == nil {
		if waitErr := c.provider.WaitForState(ctx, victim.Id, types.SandboxStateStopped, c.config.StopTimeout); waitErr != nil {
			log.Warn().Str("sandbox_id", victim.Id).Err(waitErr).Msg("evicted sandbox did not confirm stopped in time")
		}
	}

	if victimToken != "" {
		c.lock.ReleaseQuietly(ctx, victimKey, victimToken)
	}

	return stopErr
}

// awaitRunning blocks until the provider reports RUNNING, falling back to a
// manual poll loop when the provider's wait primitive fails. Not reaching
// RUNNING within the bound is logged, not returned: the caller still gets
// the sandbox and a later health probe catches the discrepancy.
func (c *StateController) awaitRunning(ctx context.Context, sandboxId string) {
	err := c.provider.WaitForState(ctx, sandboxId, types.SandboxStateRunning, c.config.StartTimeout)
	if err == nil {
		return
	}
	log.Warn().Str("sandbox_id", sandboxId).Err(err).Msg("wait-for-running failed, polling manually")

	deadline := time.Now().Add(c.config.StartTimeout)
	for time.Now().Before(deadline) {
		sandbox, getErr := c.provider.Get(ctx, sandboxId)
		if getErr == nil && sandbox.State == types.SandboxStateRunning {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(manualPollInterval):
		}
	}

	log.Warn().Str("sandbox_id", sandboxId).Dur("timeout", c.config.StartTimeout).Msg("sandbox not running after start window")
}

// bootstrapRuntime kicks supervisord inside a freshly started sandbox.
// Snapshot-based sandboxes usually come up with it already running, so
// failures here are expected and only debug-logged.
func (c *StateController) bootstrapRuntime(ctx context.Context, sandboxId string) {
	if err := c.provider.CreateSession(ctx, sandboxId, bootstrapSessionName); err != nil {
		log.Debug().Str("sandbox_id", sandboxId).Err(err).Msg("bootstrap session not created")
		return
	}

	_, err := c.provider.ExecuteSessionCommand(ctx, sandboxId, bootstrapSessionName, types.SessionCommandRequest{
		Command: bootstrapCommand,
		Async:   true,
	})
	if err != nil {
		log.Debug().Str("sandbox_id", sandboxId).Err(err).Msg("supervisord bootstrap skipped")
	}
}

// CreateFromTemplate provisions a new sandbox. Provider-side timeouts are
// the only retryable creation failure; structurally invalid requests fail on
// the first attempt with the provider's message.
func (c *StateController) CreateFromTemplate(ctx context.Context, params types.CreateSandboxParams) (*types.Sandbox, error) {
	if params.AutoStopInterval == 0 {
		params.AutoStopInterval = c.config.AutoStopInterval
	}
	if params.AutoArchiveInterval == 0 {
		params.AutoArchiveInterval = c.config.AutoArchiveInterval
	}

	var created *types.Sandbox
	attempt := func() error {
		sandbox, err := c.provider.Create(ctx, params)
		if err != nil {
			if types.IsProviderTimeout(err) {
				log.Warn().Str("snapshot", params.Snapshot).Err(err).Msg("sandbox creation timed out, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		created = sandbox
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = createRetryBaseInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, createMaxRetries), ctx))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}

	log.Info().Str("sandbox_id", created.Id).Str("snapshot", params.Snapshot).Msg("sandbox created")
	return created, nil
}

// TemplateParams builds creation parameters for an app type from the
// configured snapshots and defaults, labeled for later discovery.
func (c *StateController) TemplateParams(appType types.AppType, projectId, accountId string) types.CreateSandboxParams {
	snapshot := c.config.WebSnapshot
	if appType == types.AppTypeMobile {
		snapshot = c.config.MobileSnapshot
	}

	return types.CreateSandboxParams{
		Snapshot: snapshot,
		CPU:      2,
		MemoryMB: 4096,
		DiskGB:   10,
		Labels: map[string]string{
			types.LabelProjectId: projectId,
			types.LabelAccountId: accountId,
			types.LabelAppType:   string(appType),
			types.LabelCreatedBy: "sandboxd",
		},
		AutoStopInterval:    c.config.AutoStopInterval,
		AutoArchiveInterval: c.config.AutoArchiveInterval,
	}
}

// Stop issues a stop call, optionally waiting for STOPPED confirmation. A
// post-timeout state mismatch is a warning, not an error.
func (c *StateController) Stop(ctx context.Context, sandboxId string, wait bool) error {
	if err := c.provider.Stop(ctx, sandboxId); err != nil {
		return err
	}

	if wait {
		if err := c.provider.WaitForState(ctx, sandboxId, types.SandboxStateStopped, c.config.StopTimeout); err != nil {
			log.Warn().Str("sandbox_id", sandboxId).Err(err).Msg("sandbox did not confirm stopped in time")
		}
	}
	return nil
}

func (c *StateController) Delete(ctx context.Context, sandboxId string) error {
	return c.provider.Delete(ctx, sandboxId)
}

func (c *StateController) FindByProject(ctx context.Context, projectId string) ([]*types.Sandbox, error) {
	return c.provider.List(ctx, map[string]string{types.LabelProjectId: projectId})
}

func (c *StateController) FindByAccount(ctx context.Context, accountId string) ([]*types.Sandbox, error) {
	return c.provider.List(ctx, map[string]string{types.LabelAccountId: accountId})
}

func (c *StateController) FindByLabels(ctx context.Context, labels map[string]string) ([]*types.Sandbox, error) {
	return c.provider.List(ctx, labels)
}
