package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cheatcode-dev/sandboxd/pkg/common"
	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

const allocationLockTtlS = 30

type warmEntry struct {
	sandboxId string
	since     time.Time
}

// Pool keeps pre-created sandboxes warm per app type so project creation
// doesn't pay the full provisioning latency. Allocation is serialized per
// user through a distributed lock; the membership maps themselves are
// per-process and rebuilt from labels on demand.
type Pool struct {
	config     types.PoolConfig
	controller *StateController
	lock       *common.RedisLock

	mu    sync.Mutex
	warm  map[types.AppType][]warmEntry
	inUse map[string]string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPool(config types.PoolConfig, controller *StateController, rdb *common.RedisClient) *Pool {
	return &Pool{
		config:     config,
		controller: controller,
		lock:       common.NewRedisLock(rdb),
		warm:       map[types.AppType][]warmEntry{},
		inUse:      map[string]string{},
	}
}

// Start launches the background maintenance loop. No-op when the pool is
// disabled in config.
func (p *Pool) Start(ctx context.Context) {
	if !p.config.Enabled {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.config.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.maintain(ctx)
			}
		}
	}()
}

func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// Allocate hands a running sandbox to the user: their existing sandbox if
// one is already labeled for them, a warm one otherwise, a fresh creation
// as the last resort. The per-user lock prevents two concurrent requests
// from the same user from each grabbing a sandbox.
func (p *Pool) Allocate(ctx context.Context, userId, projectId string, appType types.AppType) (*types.Sandbox, error) {
	key := common.RedisKeys.SandboxAllocationLock(userId)
	token, err := p.lock.Acquire(ctx, key, common.RedisLockOptions{TtlS: allocationLockTtlS, Retries: stateLockRetries})
	if err != nil {
		if errors.Is(err, types.ErrLockNotAcquired) {
			return nil, &types.ContentionError{Resource: "allocation:" + userId}
		}
		return nil, err
	}
	defer p.lock.ReleaseQuietly(ctx, key, token)

	existing, err := p.controller.FindByLabels(ctx, map[string]string{
		types.LabelAccountId: userId,
		types.LabelAppType:   string(appType),
	})
	if err == nil {
		for _, s := range existing {
			if s.State == types.SandboxStateRunning || s.State == types.SandboxStateStopped {
				log.Info().Str("sandbox_id", s.Id).Str("user_id", userId).Msg("reusing existing sandbox")
				return p.controller.GetOrStart(ctx, s.Id)
			}
		}
	}

	if sandbox := p.takeWarm(ctx, appType, userId); sandbox != nil {
		return sandbox, nil
	}

	if p.totalTracked() >= p.config.MaxTotalSandboxes {
		return nil, fmt.Errorf("sandbox pool at capacity (%d)", p.config.MaxTotalSandboxes)
	}

	params := p.controller.TemplateParams(appType, projectId, userId)
	sandbox, err := p.controller.CreateFromTemplate(ctx, params)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.inUse[sandbox.Id] = userId
	p.mu.Unlock()
	return sandbox, nil
}

// Release returns a sandbox to the warm pool when it is below its min-warm
// level, and terminates it otherwise.
func (p *Pool) Release(ctx context.Context, sandboxId string, appType types.AppType) error {
	p.mu.Lock()
	delete(p.inUse, sandboxId)
	warmCount := len(p.warm[appType])
	p.mu.Unlock()

	if warmCount < p.config.MinWarmSandboxes {
		if err := p.controller.Stop(ctx, sandboxId, true); err != nil {
			return err
		}
		p.mu.Lock()
		p.warm[appType] = append(p.warm[appType], warmEntry{sandboxId: sandboxId, since: time.Now()})
		p.mu.Unlock()
		log.Info().Str("sandbox_id", sandboxId).Str("app_type", string(appType)).Msg("sandbox returned to warm pool")
		return nil
	}

	return p.controller.Delete(ctx, sandboxId)
}

func (p *Pool) takeWarm(ctx context.Context, appType types.AppType, userId string) *types.Sandbox {
	p.mu.Lock()
	entries := p.warm[appType]
	if len(entries) == 0 {
		p.mu.Unlock()
		return nil
	}
	entry := entries[0]
	p.warm[appType] = entries[1:]
	p.inUse[entry.sandboxId] = userId
	p.mu.Unlock()

	sandbox, err := p.controller.GetOrStart(ctx, entry.sandboxId)
	if err != nil {
		log.Warn().Str("sandbox_id", entry.sandboxId).Err(err).Msg("warm sandbox unusable, dropping")
		p.mu.Lock()
		delete(p.inUse, entry.sandboxId)
		p.mu.Unlock()
		return nil
	}
	return sandbox
}

// maintain trims idle warm sandboxes and tops the pool back up when
// utilization crosses the scale threshold.
func (p *Pool) maintain(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	var expired []warmEntry
	for appType, entries := range p.warm {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.since) > p.config.MaxIdleTime {
				expired = append(expired, e)
			} else {
				kept = append(kept, e)
			}
		}
		p.warm[appType] = kept
	}
	inUse := len(p.inUse)
	total := p.totalTrackedLocked()
	p.mu.Unlock()

	for _, e := range expired {
		log.Info().Str("sandbox_id", e.sandboxId).Msg("deleting idle warm sandbox")
		if err := p.controller.Delete(ctx, e.sandboxId); err != nil {
			log.Warn().Str("sandbox_id", e.sandboxId).Err(err).Msg("idle warm sandbox delete failed")
		}
	}

	if total > 0 && float64(inUse)/float64(total) >= p.config.ScaleThreshold && total < p.config.MaxTotalSandboxes {
		p.warmUp(ctx, types.AppTypeWeb)
	}
}

// warmUp pre-creates one sandbox for the app type, stopped so it only
// costs storage until allocated.
func (p *Pool) warmUp(ctx context.Context, appType types.AppType) {
	params := p.controller.TemplateParams(appType, "", "")
	params.Labels[types.LabelCreatedBy] = "sandboxd-pool"

	sandbox, err := p.controller.CreateFromTemplate(ctx, params)
	if err != nil {
		log.Warn().Str("app_type", string(appType)).Err(err).Msg("warm-up creation failed")
		return
	}
	if err := p.controller.Stop(ctx, sandbox.Id, false); err != nil {
		log.Warn().Str("sandbox_id", sandbox.Id).Err(err).Msg("warm-up stop failed")
	}

	p.mu.Lock()
	p.warm[appType] = append(p.warm[appType], warmEntry{sandboxId: sandbox.Id, since: time.Now()})
	p.mu.Unlock()
	log.Info().Str("sandbox_id", sandbox.Id).Str("app_type", string(appType)).Msg("warm sandbox provisioned")
}

func (p *Pool) totalTracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalTrackedLocked()
}

func (p *Pool) totalTrackedLocked() int {
	total := len(p.inUse)
	for _, entries := range p.warm {
		total += len(entries)
	}
	return total
}
