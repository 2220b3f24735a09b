package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cheatcode-dev/sandboxd/pkg/provider"
	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

const (
	probeExecTimeout = 5 * time.Second
	probeCurlMaxTime = 3
)

// SessionTracker reports whether a session name is known locally. The
// registry implements it with its own convenience cache.
type SessionTracker interface {
	HasSession(sandboxId, sessionName string) bool
}

// HealthProbe classifies a dev server by curling its well-known port from
// inside the sandbox. Probing is advisory: every failure maps to
// NOT_RUNNING and is never the reason a caller-facing operation fails.
type HealthProbe struct {
	provider provider.Client
	tracker  SessionTracker
}

func NewHealthProbe(client provider.Client, tracker SessionTracker) *HealthProbe {
	return &HealthProbe{provider: client, tracker: tracker}
}

// Status probes the port even when no session is tracked: a server started
// by a previous process instance still answers and is still RUNNING.
func (p *HealthProbe) Status(ctx context.Context, sandboxId string, appType types.AppType) types.DevServerStatus {
	tracked := p.tracker != nil && p.tracker.HasSession(sandboxId, DevServerSessionName(appType))

	code, err := p.probePort(ctx, sandboxId, appType.Port())
	if err != nil {
		log.Debug().Str("sandbox_id", sandboxId).Str("app_type", string(appType)).Err(err).Msg("port probe failed")
		return types.DevServerNotRunning
	}

	// curl reports "000" when nothing answered on the port.
	if code != "" && code != "000" {
		return types.DevServerRunning
	}
	if tracked {
		return types.DevServerSessionExists
	}
	return types.DevServerNotRunning
}

func (p *HealthProbe) probePort(ctx context.Context, sandboxId string, port int) (string, error) {
	command := fmt.Sprintf(`curl -s -o /dev/null -w "%%{http_code}" --max-time %d http://localhost:%d`, probeCurlMaxTime, port)

	result, err := p.provider.Exec(ctx, sandboxId, command, "", probeExecTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Result), nil
}
