package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheatcode-dev/sandboxd/pkg/common"
	"github.com/cheatcode-dev/sandboxd/pkg/provider"
	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

func testSandboxConfig() types.SandboxConfig {
	return types.SandboxConfig{
		WebSnapshot:         "cheatcode-app",
		MobileSnapshot:      "cheatcode-mobile",
		StartTimeout:        500 * time.Millisecond,
		StopTimeout:         200 * time.Millisecond,
		AutoStopInterval:    15 * time.Minute,
		AutoArchiveInterval: 24 * time.Hour,
	}
}

func newTestController(t *testing.T) (*StateController, *provider.FakeClient, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb, err := common.NewRedisClient(types.RedisConfig{
		Addrs: []string{mr.Addr()},
		Mode:  types.RedisModeSingle,
	})
	require.NoError(t, err)

	fake := provider.NewFakeClient()
	return NewStateController(testSandboxConfig(), fake, rdb), fake, mr
}

func stoppedSandbox(id string, lastActive time.Time) *types.Sandbox {
	return &types.Sandbox{
		Id:        id,
		State:     types.SandboxStateStopped,
		CreatedAt: lastActive,
		UpdatedAt: lastActive,
	}
}

func TestGetOrStartAlreadyRunning(t *testing.T) {
	controller, fake, mr := newTestController(t)
	ctx := context.Background()

	fake.AddSandbox(&types.Sandbox{Id: "sb-1", State: types.SandboxStateRunning})

	sandbox, err := controller.GetOrStart(ctx, "sb-1")
	require.NoError(t, err)
	assert.Equal(t, types.SandboxStateRunning, sandbox.State)
	assert.Equal(t, 0, fake.StartCalls, "running sandbox must not be started again")
	assert.False(t, mr.Exists(common.RedisKeys.SandboxStateLock("sb-1")))
}

func TestGetOrStartStartsStopped(t *testing.T) {
	controller, fake, mr := newTestController(t)
	ctx := context.Background()

	fake.AddSandbox(stoppedSandbox("sb-1", time.Now()))

	sandbox, err := controller.GetOrStart(ctx, "sb-1")
	require.NoError(t, err)
	assert.Equal(t, types.SandboxStateRunning, sandbox.State)
	assert.Equal(t, 1, fake.StartCalls)
	assert.False(t, mr.Exists(common.RedisKeys.SandboxStateLock("sb-1")), "lock must be released on success")
}

func TestGetOrStartNotFound(t *testing.T) {
	controller, _, mr := newTestController(t)

	_, err := controller.GetOrStart(context.Background(), "sb-missing")
	var notFound *types.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.False(t, mr.Exists(common.RedisKeys.SandboxStateLock("sb-missing")), "lock must be released on failure")
}

func TestGetOrStartConcurrentCallersSingleStart(t *testing.T) {
	controller, fake, mr := newTestController(t)
	ctx := context.Background()

	fake.AddSandbox(stoppedSandbox("sb-1", time.Now()))
	fake.StartDelay = 300 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]*types.Sandbox, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = controller.GetOrStart(ctx, "sb-1")
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, fake.StartCalls, "only one caller may issue the start")
	assert.Equal(t, types.SandboxStateRunning, results[0].State)
	assert.Equal(t, types.SandboxStateRunning, results[1].State)
	assert.False(t, mr.Exists(common.RedisKeys.SandboxStateLock("sb-1")), "lock key must be absent after both calls")
}

func TestGetOrStartContention(t *testing.T) {
	controller, fake, mr := newTestController(t)
	ctx := context.Background()

	fake.AddSandbox(stoppedSandbox("sb-1", time.Now()))
	require.NoError(t, mr.Set(common.RedisKeys.SandboxStateLock("sb-1"), "other-holder"))

	_, err := controller.GetOrStart(ctx, "sb-1")
	var contention *types.ContentionError
	require.ErrorAs(t, err, &contention)
	assert.ErrorIs(t, err, types.ErrLockNotAcquired)
	assert.Equal(t, 0, fake.StartCalls)
}

func TestStartQuotaEvictionRetriesOnce(t *testing.T) {
	controller, fake, _ := newTestController(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	older := time.Now().Add(-4 * time.Hour)
	fake.AddSandbox(stoppedSandbox("sb-2", time.Now()))
	fake.AddSandbox(&types.Sandbox{Id: "sb-3", State: types.SandboxStateRunning, CreatedAt: older, UpdatedAt: older})
	fake.AddSandbox(&types.Sandbox{Id: "sb-4", State: types.SandboxStateRunning, CreatedAt: old, UpdatedAt: old})

	fake.FailNextStart(errors.New("Total memory quota exceeded for organization"))

	err := controller.startWithEviction(ctx, "sb-2")
	require.NoError(t, err)

	assert.Equal(t, 2, fake.StartCalls, "start must be retried exactly once after eviction")
	assert.Equal(t, []string{"sb-3"}, fake.StoppedSandboxIds, "the oldest running sandbox is the victim")
}

func TestStartQuotaNoVictimFailsWithoutRetry(t *testing.T) {
	controller, fake, _ := newTestController(t)
	ctx := context.Background()

	fake.AddSandbox(stoppedSandbox("sb-2", time.Now()))
	fake.FailNextStart(errors.New("Total memory quota exceeded for organization"))

	err := controller.startWithEviction(ctx, "sb-2")
	var quota *types.QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 1, fake.StartCalls, "nothing to evict means no retry")
	assert.Equal(t, 0, fake.StopCalls)
}

func TestStartAlreadyRunningMessageIsSuccess(t *testing.T) {
	controller, fake, _ := newTestController(t)

	fake.AddSandbox(stoppedSandbox("sb-1", time.Now()))
	fake.FailNextStart(errors.New("sandbox is already running"))

	err := controller.startWithEviction(context.Background(), "sb-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, fake.StartCalls)
}

func TestStartOtherFailurePropagates(t *testing.T) {
	controller, fake, _ := newTestController(t)

	fake.AddSandbox(stoppedSandbox("sb-1", time.Now()))
	fake.FailNextStart(errors.New("image pull backoff"))

	err := controller.startWithEviction(context.Background(), "sb-1")
	assert.EqualError(t, err, "image pull backoff")
	assert.Equal(t, 0, fake.StopCalls)
}

func TestEvictionProceedsWithoutVictimLock(t *testing.T) {
	controller, fake, mr := newTestController(t)
	ctx := context.Background()

	victimTime := time.Now().Add(-1 * time.Hour)
	fake.AddSandbox(stoppedSandbox("sb-2", time.Now()))
	fake.AddSandbox(&types.Sandbox{Id: "sb-3", State: types.SandboxStateRunning, CreatedAt: victimTime, UpdatedAt: victimTime})

	// Another replica holds the victim's lock; eviction is best effort.
	require.NoError(t, mr.Set(common.RedisKeys.SandboxStateLock("sb-3"), "other-holder"))

	fake.FailNextStart(errors.New("Total memory quota exceeded for organization"))
	err := controller.startWithEviction(ctx, "sb-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"sb-3"}, fake.StoppedSandboxIds)

	stored, err := mr.Get(common.RedisKeys.SandboxStateLock("sb-3"))
	require.NoError(t, err)
	assert.Equal(t, "other-holder", stored, "the other holder's lock must be left alone")
}

func TestCreateFromTemplateDefaultsAndLabels(t *testing.T) {
	controller, fake, _ := newTestController(t)
	ctx := context.Background()

	params := controller.TemplateParams(types.AppTypeMobile, "proj-1", "acct-1")
	assert.Equal(t, "cheatcode-mobile", params.Snapshot)
	assert.Equal(t, "proj-1", params.Labels[types.LabelProjectId])
	assert.Equal(t, "acct-1", params.Labels[types.LabelAccountId])
	assert.Equal(t, string(types.AppTypeMobile), params.Labels[types.LabelAppType])

	sandbox, err := controller.CreateFromTemplate(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, types.SandboxStateRunning, sandbox.State)
	assert.Equal(t, 1, fake.CreateCalls)
}

func TestCreateFromTemplateNonRetryableFailure(t *testing.T) {
	controller, fake, _ := newTestController(t)

	fake.FailNextCreate(errors.New("snapshot not found: bogus"))

	_, err := controller.CreateFromTemplate(context.Background(), types.CreateSandboxParams{Snapshot: "bogus"})
	assert.EqualError(t, err, "snapshot not found: bogus")
	assert.Equal(t, 1, fake.CreateCalls, "structurally invalid requests are not retried")
}

func TestStopWaitsForConfirmation(t *testing.T) {
	controller, fake, _ := newTestController(t)
	ctx := context.Background()

	fake.AddSandbox(&types.Sandbox{Id: "sb-1", State: types.SandboxStateRunning})

	err := controller.Stop(ctx, "sb-1", true)
	require.NoError(t, err)

	sandbox, err := controller.Get(ctx, "sb-1")
	require.NoError(t, err)
	assert.Equal(t, types.SandboxStateStopped, sandbox.State)
}

func TestFindByProject(t *testing.T) {
	controller, fake, _ := newTestController(t)
	ctx := context.Background()

	fake.AddSandbox(&types.Sandbox{Id: "sb-1", State: types.SandboxStateRunning, Labels: map[string]string{types.LabelProjectId: "proj-1"}})
	fake.AddSandbox(&types.Sandbox{Id: "sb-2", State: types.SandboxStateRunning, Labels: map[string]string{types.LabelProjectId: "proj-2"}})

	found, err := controller.FindByProject(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "sb-1", found[0].Id)
}
