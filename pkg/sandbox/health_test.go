package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

func TestHealthProbeRunning(t *testing.T) {
	registry, fake, _ := newTestRegistry(t)
	fake.ExecFunc = probeResponder("200", 0)

	status := registry.Probe().Status(context.Background(), "sb-1", types.AppTypeWeb)
	assert.Equal(t, types.DevServerRunning, status)
}

func TestHealthProbeRunningWithoutTrackedSession(t *testing.T) {
	// A server started by a previous process instance still answers on the
	// port and must be detected.
	registry, fake, _ := newTestRegistry(t)
	fake.ExecFunc = probeResponder("301", 0)

	assert.False(t, registry.HasSession("sb-1", "dev_server_web"))
	status := registry.Probe().Status(context.Background(), "sb-1", types.AppTypeWeb)
	assert.Equal(t, types.DevServerRunning, status)
}

func TestHealthProbeSessionExists(t *testing.T) {
	registry, fake, _ := newTestRegistry(t)
	fake.ExecFunc = probeResponder("000", 0)

	registry.rememberSession("sb-1", "dev_server_web", "dev_server_web")

	status := registry.Probe().Status(context.Background(), "sb-1", types.AppTypeWeb)
	assert.Equal(t, types.DevServerSessionExists, status)
}

func TestHealthProbeNotRunning(t *testing.T) {
	registry, fake, _ := newTestRegistry(t)
	fake.ExecFunc = probeResponder("000", 0)

	status := registry.Probe().Status(context.Background(), "sb-1", types.AppTypeWeb)
	assert.Equal(t, types.DevServerNotRunning, status)
}

func TestHealthProbeExecFailure(t *testing.T) {
	registry, fake, _ := newTestRegistry(t)
	fake.ExecFunc = func(sandboxId, command string) (*types.ExecResult, error) {
		return nil, errors.New("exec transport closed")
	}

	registry.rememberSession("sb-1", "dev_server_web", "dev_server_web")

	// Probe failures are advisory and never escalate past NOT_RUNNING.
	status := registry.Probe().Status(context.Background(), "sb-1", types.AppTypeWeb)
	assert.Equal(t, types.DevServerNotRunning, status)
}

func TestHealthProbeMobilePort(t *testing.T) {
	registry, fake, _ := newTestRegistry(t)

	var probed string
	fake.ExecFunc = func(sandboxId, command string) (*types.ExecResult, error) {
		probed = command
		return &types.ExecResult{Result: "200"}, nil
	}

	registry.Probe().Status(context.Background(), "sb-1", types.AppTypeMobile)
	assert.Contains(t, probed, "localhost:8081")

	registry.Probe().Status(context.Background(), "sb-1", types.AppTypeWeb)
	assert.Contains(t, probed, "localhost:3000")
}
