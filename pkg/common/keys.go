package common

import (
	"fmt"
)

var (
	sandboxPrefix               string = "sandbox:"
	sandboxStateLock            string = "sandbox:state:lock:%s"
	sandboxAllocationLock       string = "sandbox:allocation:lock:%s"
	sandboxDevServerLock        string = "sandbox:devserver:lock:%s:%s"
	sandboxDevServerSessionLock string = "sandbox:devserver:session_lock:%s:%s"
	sandboxDevServerRegistry    string = "sandbox:devserver:registry:%s:%s"
)

var RedisKeys = &redisKeys{}

type redisKeys struct{}

func (rk *redisKeys) SandboxPrefix() string {
	return sandboxPrefix
}

// SandboxStateLock guards start/stop/create/delete transitions for one
// sandbox id across all gateway replicas.
func (rk *redisKeys) SandboxStateLock(sandboxId string) string {
	return fmt.Sprintf(sandboxStateLock, sandboxId)
}

func (rk *redisKeys) SandboxAllocationLock(userId string) string {
	return fmt.Sprintf(sandboxAllocationLock, userId)
}

// SandboxDevServerLock serializes the dev server start race per
// sandbox + app type pair.
func (rk *redisKeys) SandboxDevServerLock(sandboxId, appType string) string {
	return fmt.Sprintf(sandboxDevServerLock, sandboxId, appType)
}

func (rk *redisKeys) SandboxDevServerSessionLock(sandboxId, sessionName string) string {
	return fmt.Sprintf(sandboxDevServerSessionLock, sandboxId, sessionName)
}

func (rk *redisKeys) SandboxDevServerRegistry(sandboxId, appType string) string {
	return fmt.Sprintf(sandboxDevServerRegistry, sandboxId, appType)
}
