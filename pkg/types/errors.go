package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrLockNotAcquired is returned when a distributed lock could not be
// obtained within the bounded retry window. Callers should treat it as
// contention and retry later, not as a crash.
var ErrLockNotAcquired = errors.New("lock not acquired")

// ErrLockNotHeld is returned when releasing a lock whose stored token no
// longer matches the caller's token.
var ErrLockNotHeld = errors.New("lock not held")

type ContentionError struct {
	Resource string
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("resource busy, try again later: %s", e.Resource)
}

func (e *ContentionError) Unwrap() error {
	return ErrLockNotAcquired
}

type QuotaExceededError struct {
	SandboxId string
	Message   string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded starting sandbox %s: %s", e.SandboxId, e.Message)
}

type ProviderTimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *ProviderTimeoutError) Error() string {
	return fmt.Sprintf("provider %s timed out after %s", e.Operation, e.Timeout)
}

type NotFoundError struct {
	Kind string
	Id   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Id)
}

type TransientProviderError struct {
	Operation string
	Message   string
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %s", e.Operation, e.Message)
}

// Message patterns the provisioning API uses for failures it does not
// type. Classification by substring is deliberate: the provider exposes
// plain strings only.
const (
	quotaExceededPattern   = "quota exceeded"
	memoryQuotaPattern     = "Total memory quota exceeded"
	alreadyRunningPattern  = "already running"
	providerTimeoutPattern = "Timeout after"
)

func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, memoryQuotaPattern) || strings.Contains(strings.ToLower(msg), quotaExceededPattern)
}

func IsAlreadyRunning(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(strings.ToLower(msg), alreadyRunningPattern) || strings.Contains(msg, string(SandboxStateRunning))
}

func IsProviderTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *ProviderTimeoutError
	if errors.As(err, &te) {
		return true
	}
	return strings.Contains(err.Error(), providerTimeoutPattern)
}
