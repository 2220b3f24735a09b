package apiv1

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/cheatcode-dev/sandboxd/pkg/repository"
	"github.com/cheatcode-dev/sandboxd/pkg/sandbox"
	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

const userIdHeader = "X-User-Id"

type SandboxGroup struct {
	routerGroup *echo.Group
	config      types.AppConfig
	controller  *sandbox.StateController
	registry    *sandbox.Registry
	pool        *sandbox.Pool
	projectRepo repository.ProjectRepository
}

func NewSandboxGroup(
	g *echo.Group,
	config types.AppConfig,
	controller *sandbox.StateController,
	registry *sandbox.Registry,
	pool *sandbox.Pool,
	projectRepo repository.ProjectRepository,
) *SandboxGroup {
	group := &SandboxGroup{
		routerGroup: g,
		config:      config,
		controller:  controller,
		registry:    registry,
		pool:        pool,
		projectRepo: projectRepo,
	}

	g.POST("/project/:projectId/ensure-active", group.EnsureActive)
	g.POST("/:sandboxId/execute", group.Execute)
	g.GET("/:sandboxId/sessions", group.ListSessions)
	g.GET("/:sandboxId/sessions/:sessionName/output", group.SessionOutput)
	g.DELETE("/:sandboxId/sessions/:sessionName", group.TerminateSession)
	g.GET("/:sandboxId/preview-status", group.PreviewStatus)
	g.DELETE("/:sandboxId", group.DeleteSandbox)

	return group
}

// EnsureActive makes sure the project has a running sandbox, provisioning
// one first when the project has none yet.
func (s *SandboxGroup) EnsureActive(c echo.Context) error {
	ctx := c.Request().Context()
	projectId := c.Param("projectId")
	userId := c.Request().Header.Get(userIdHeader)

	project, err := s.projectRepo.GetProjectById(ctx, projectId)
	if err != nil {
		return httpError(err)
	}
	if !project.IsPublic && project.OwnerId != userId && project.AccountId != userId {
		return httpError(repository.ErrNotAuthorized)
	}

	sandboxId := project.SandboxId
	if sandboxId == "" {
		created, err := s.provisionForProject(c, project)
		if err != nil {
			return httpError(err)
		}
		sandboxId = created
	}

	sb, err := s.controller.GetOrStart(ctx, sandboxId)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"sandbox_id": sb.Id,
		"state":      sb.State,
		"ready":      sb.State == types.SandboxStateRunning,
	})
}

func (s *SandboxGroup) provisionForProject(c echo.Context, project *types.Project) (string, error) {
	ctx := c.Request().Context()

	var created *types.Sandbox
	var err error
	if s.pool != nil && s.config.Pool.Enabled {
		created, err = s.pool.Allocate(ctx, project.AccountId, project.Id, project.AppType)
	} else {
		created, err = s.controller.CreateFromTemplate(ctx, s.controller.TemplateParams(project.AppType, project.Id, project.AccountId))
	}
	if err != nil {
		return "", err
	}

	if err := s.projectRepo.BindSandbox(ctx, project.Id, created.Id); err != nil {
		log.Error().Str("project_id", project.Id).Str("sandbox_id", created.Id).Err(err).Msg("failed to bind sandbox to project")
		return "", err
	}
	return created.Id, nil
}

type executeRequest struct {
	Command        string `json:"command"`
	SessionName    string `json:"session_name,omitempty"`
	Blocking       bool   `json:"blocking"`
	Cwd            string `json:"cwd,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (s *SandboxGroup) Execute(c echo.Context) error {
	ctx := c.Request().Context()
	sandboxId := c.Param("sandboxId")

	project, err := s.authorize(c, sandboxId)
	if err != nil {
		return httpError(err)
	}

	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Command == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "command is required")
	}

	timeout := 30 * time.Second
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	resp, err := s.registry.Execute(ctx, sandbox.ExecuteRequest{
		SandboxId:   sandboxId,
		AppType:     project.AppType,
		Command:     req.Command,
		SessionName: req.SessionName,
		Blocking:    req.Blocking,
		Cwd:         req.Cwd,
		Timeout:     timeout,
	})
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *SandboxGroup) ListSessions(c echo.Context) error {
	sandboxId := c.Param("sandboxId")
	if _, err := s.authorize(c, sandboxId); err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": s.registry.ListSessions(c.Request().Context(), sandboxId),
	})
}

func (s *SandboxGroup) SessionOutput(c echo.Context) error {
	sandboxId := c.Param("sandboxId")
	sessionName := c.Param("sessionName")
	kill := c.QueryParam("kill") == "true"

	if _, err := s.authorize(c, sandboxId); err != nil {
		return httpError(err)
	}

	logs, err := s.registry.CheckOutput(c.Request().Context(), sandboxId, sessionName, kill)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_name": sessionName,
		"output":       logs,
		"killed":       kill,
	})
}

func (s *SandboxGroup) TerminateSession(c echo.Context) error {
	sandboxId := c.Param("sandboxId")
	sessionName := c.Param("sessionName")

	if _, err := s.authorize(c, sandboxId); err != nil {
		return httpError(err)
	}

	if err := s.registry.Terminate(c.Request().Context(), sandboxId, sessionName); err != nil {
		return httpError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *SandboxGroup) PreviewStatus(c echo.Context) error {
	sandboxId := c.Param("sandboxId")

	project, err := s.authorize(c, sandboxId)
	if err != nil {
		return httpError(err)
	}

	appType := project.AppType
	if override := c.QueryParam("app_type"); override != "" {
		appType = types.AppType(override)
	}

	status := s.registry.Probe().Status(c.Request().Context(), sandboxId, appType)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sandbox_id": sandboxId,
		"app_type":   appType,
		"status":     status,
	})
}

func (s *SandboxGroup) DeleteSandbox(c echo.Context) error {
	ctx := c.Request().Context()
	sandboxId := c.Param("sandboxId")

	if _, err := s.authorize(c, sandboxId); err != nil {
		return httpError(err)
	}

	if err := s.controller.Delete(ctx, sandboxId); err != nil {
		return httpError(err)
	}
	s.registry.DropSandbox(sandboxId)

	return c.NoContent(http.StatusNoContent)
}

func (s *SandboxGroup) authorize(c echo.Context, sandboxId string) (*types.Project, error) {
	userId := c.Request().Header.Get(userIdHeader)
	return s.projectRepo.AuthorizeSandboxAccess(c.Request().Context(), sandboxId, userId)
}

// httpError maps domain errors to HTTP responses without leaking lock keys,
// tokens, or retry internals.
func httpError(err error) error {
	var notFound *types.NotFoundError
	var contention *types.ContentionError
	var quota *types.QuotaExceededError
	var timeout *types.ProviderTimeoutError

	switch {
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, notFound.Error())
	case errors.Is(err, repository.ErrNotAuthorized):
		return echo.NewHTTPError(http.StatusForbidden, "not authorized to access this sandbox")
	case errors.As(err, &contention):
		return echo.NewHTTPError(http.StatusConflict, "sandbox is busy, try again shortly")
	case errors.As(err, &quota):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no capacity available, try again shortly")
	case errors.As(err, &timeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, timeout.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
