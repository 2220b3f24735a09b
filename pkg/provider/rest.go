package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

// RestClient talks to the provisioning service's REST API. The service
// reports failures as plain-text messages in error bodies; callers classify
// them by pattern (types.IsQuotaExceeded and friends) because no typed
// errors exist on the wire.
type RestClient struct {
	baseURL    string
	apiKey     string
	target     string
	httpClient *http.Client
	timeout    time.Duration
}

var _ Client = (*RestClient)(nil)

func NewRestClient(config types.ProviderConfig) *RestClient {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &RestClient{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		target:  config.Target,
		timeout: timeout,
		httpClient: &http.Client{
			// Per-call deadlines come from request contexts; this is the
			// hard ceiling for a single round trip.
			Timeout: 5 * time.Minute,
		},
	}
}

func (c *RestClient) Get(ctx context.Context, sandboxId string) (*types.Sandbox, error) {
	var sandbox types.Sandbox
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/sandbox/%s", sandboxId), nil, &sandbox, c.timeout)
	if err != nil {
		return nil, err
	}
	return &sandbox, nil
}

func (c *RestClient) Start(ctx context.Context, sandboxId string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/sandbox/%s/start", sandboxId), nil, nil, c.timeout)
}

func (c *RestClient) Stop(ctx context.Context, sandboxId string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/sandbox/%s/stop", sandboxId), nil, nil, c.timeout)
}

func (c *RestClient) Create(ctx context.Context, params types.CreateSandboxParams) (*types.Sandbox, error) {
	var sandbox types.Sandbox
	err := c.do(ctx, http.MethodPost, "/sandbox", params, &sandbox, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	return &sandbox, nil
}

func (c *RestClient) Delete(ctx context.Context, sandboxId string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/sandbox/%s", sandboxId), nil, nil, c.timeout)
}

func (c *RestClient) List(ctx context.Context, labels map[string]string) ([]*types.Sandbox, error) {
	path := "/sandbox"
	if len(labels) > 0 {
		encoded, err := json.Marshal(labels)
		if err != nil {
			return nil, err
		}
		path = fmt.Sprintf("/sandbox?labels=%s", url.QueryEscape(string(encoded)))
	}

	var sandboxes []*types.Sandbox
	if err := c.do(ctx, http.MethodGet, path, nil, &sandboxes, c.timeout); err != nil {
		return nil, err
	}
	return sandboxes, nil
}

func (c *RestClient) WaitForState(ctx context.Context, sandboxId string, state types.SandboxState, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	pollInterval := 500 * time.Millisecond

	for i := 0; time.Now().Before(deadline); i++ {
		sandbox, err := c.Get(ctx, sandboxId)
		if err != nil {
			return err
		}

		if sandbox.State == state {
			return nil
		}

		// Back off to 1s polls once the fast path hasn't hit
		if i > 10 {
			pollInterval = time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	return &types.ProviderTimeoutError{Operation: fmt.Sprintf("wait for %s", state), Timeout: timeout}
}

func (c *RestClient) Exec(ctx context.Context, sandboxId, command, cwd string, timeout time.Duration) (*types.ExecResult, error) {
	body := map[string]interface{}{
		"command": command,
		"cwd":     cwd,
		"timeout": int(timeout.Seconds()),
	}

	var result types.ExecResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/toolbox/%s/process/execute", sandboxId), body, &result, timeout+c.timeout)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RestClient) CreateSession(ctx context.Context, sandboxId, sessionId string) error {
	body := map[string]string{"sessionId": sessionId}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/toolbox/%s/process/session", sandboxId), body, nil, c.timeout)
}

func (c *RestClient) ExecuteSessionCommand(ctx context.Context, sandboxId, sessionId string, req types.SessionCommandRequest) (*types.SessionCommandResponse, error) {
	var resp types.SessionCommandResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/toolbox/%s/process/session/%s/exec", sandboxId, sessionId), req, &resp, c.timeout)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RestClient) GetSession(ctx context.Context, sandboxId, sessionId string) (*types.SessionInfo, error) {
	var info types.SessionInfo
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/toolbox/%s/process/session/%s", sandboxId, sessionId), nil, &info, c.timeout)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *RestClient) GetSessionCommandLogs(ctx context.Context, sandboxId, sessionId, cmdId string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/toolbox/%s/process/session/%s/command/%s/logs", sandboxId, sessionId, cmdId), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", c.wrapTransportError("get session command logs", err, c.timeout)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 400 {
		return "", c.apiError("get session command logs", resp.StatusCode, raw)
	}

	return string(raw), nil
}

func (c *RestClient) DeleteSession(ctx context.Context, sandboxId, sessionId string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/toolbox/%s/process/session/%s", sandboxId, sessionId), nil, nil, c.timeout)
}

func (c *RestClient) newRequest(ctx context.Context, method, path string, payload interface{}) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if c.target != "" {
		req.Header.Set("X-Daytona-Target", c.target)
	}

	return req, nil
}

func (c *RestClient) do(ctx context.Context, method, path string, payload, out interface{}, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}

	operation := fmt.Sprintf("%s %s", method, path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.wrapTransportError(operation, err, timeout)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return c.apiError(operation, resp.StatusCode, raw)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", operation, err)
		}
	}

	return nil
}

func (c *RestClient) wrapTransportError(operation string, err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &types.ProviderTimeoutError{Operation: operation, Timeout: timeout}
	}
	return &types.TransientProviderError{Operation: operation, Message: err.Error()}
}

// apiError surfaces the provider's message verbatim so the pattern-based
// classification upstream can see it.
func (c *RestClient) apiError(operation string, status int, body []byte) error {
	message := string(body)
	if status == http.StatusNotFound {
		return &types.NotFoundError{Kind: "sandbox", Id: operation}
	}

	log.Debug().Str("operation", operation).Int("status", status).Msg("provider api error")
	return &types.TransientProviderError{Operation: operation, Message: fmt.Sprintf("%d: %s", status, message)}
}
