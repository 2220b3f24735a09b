package repository

import (
	"context"
	"errors"

	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

// ErrNotAuthorized is returned when a user attempts to use a sandbox owned
// by a project they have no access to.
var ErrNotAuthorized = errors.New("not authorized to access this sandbox")

// ProjectRepository resolves sandbox ownership. Sandboxes are referenced
// 1:1 by the project record that created them; every sandbox-facing
// operation resolves the project first.
type ProjectRepository interface {
	GetProjectById(ctx context.Context, projectId string) (*types.Project, error)
	GetProjectBySandboxId(ctx context.Context, sandboxId string) (*types.Project, error)

	// AuthorizeSandboxAccess returns the project when the user may act on
	// the sandbox: public projects are open, private ones admit only the
	// owning account.
	AuthorizeSandboxAccess(ctx context.Context, sandboxId, userId string) (*types.Project, error)

	BindSandbox(ctx context.Context, projectId, sandboxId string) error
}
