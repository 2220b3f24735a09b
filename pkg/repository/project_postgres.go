package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

type PostgresProjectRepository struct {
	client *sqlx.DB
}

func NewProjectPostgresRepository(config types.PostgresConfig) (ProjectRepository, error) {
	sslMode := "disable"
	if config.EnableTLS {
		sslMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		config.Host,
		config.Username,
		config.Password,
		config.Name,
		config.Port,
		sslMode,
		config.TimeZone,
	)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresProjectRepository{client: db}, nil
}

// NewProjectPostgresRepositoryWithDB wraps an existing connection, used by
// tests with a mocked driver.
func NewProjectPostgresRepositoryWithDB(db *sqlx.DB) ProjectRepository {
	return &PostgresProjectRepository{client: db}
}

func (r *PostgresProjectRepository) GetProjectById(ctx context.Context, projectId string) (*types.Project, error) {
	var project types.Project

	query := `SELECT id, account_id, sandbox_id, app_type, is_public, owner_id, created_at FROM projects WHERE id = $1;`
	err := r.client.GetContext(ctx, &project, query, projectId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &types.NotFoundError{Kind: "project", Id: projectId}
		}
		return nil, err
	}

	return &project, nil
}

func (r *PostgresProjectRepository) GetProjectBySandboxId(ctx context.Context, sandboxId string) (*types.Project, error) {
	var project types.Project

	query := `SELECT id, account_id, sandbox_id, app_type, is_public, owner_id, created_at FROM projects WHERE sandbox_id = $1;`
	err := r.client.GetContext(ctx, &project, query, sandboxId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &types.NotFoundError{Kind: "project", Id: sandboxId}
		}
		return nil, err
	}

	return &project, nil
}

func (r *PostgresProjectRepository) AuthorizeSandboxAccess(ctx context.Context, sandboxId, userId string) (*types.Project, error) {
	project, err := r.GetProjectBySandboxId(ctx, sandboxId)
	if err != nil {
		return nil, err
	}

	if project.IsPublic {
		return project, nil
	}
	if project.OwnerId == userId || project.AccountId == userId {
		return project, nil
	}

	return nil, ErrNotAuthorized
}

func (r *PostgresProjectRepository) BindSandbox(ctx context.Context, projectId, sandboxId string) error {
	query := `UPDATE projects SET sandbox_id = $2 WHERE id = $1;`
	result, err := r.client.ExecContext(ctx, query, projectId, sandboxId)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return &types.NotFoundError{Kind: "project", Id: projectId}
	}

	return nil
}
