package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/risehq/rise/pkg/state"
	"github.com/risehq/rise/pkg/store/migrations"
	"github.com/risehq/rise/pkg/types"
)

// Postgres implements Store on a PostgreSQL database via sqlx over the pgx
// stdlib driver. The database is the serialisation point for the whole
// control plane: concurrent loops are ordered by row-level locks here.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to the database and verifies the connection.
func Open(dsn string, maxConns int) (*Postgres, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	return &Postgres{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, "pgx")}
}

// Migrate runs all pending goose migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}

// MigrateUp runs pending migrations on this connection.
func (s *Postgres) MigrateUp() error {
	return Migrate(s.db.DB)
}

// Close closes the database.
func (s *Postgres) Close() error {
	return s.db.Close()
}

// mapError translates driver errors into the store's error kinds.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDeploymentNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001":
			return fmt.Errorf("%w: %s", ErrSerialization, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "23"):
			return fmt.Errorf("%w: %s", ErrConstraintViolation, pgErr.Message)
		}
	}
	return err
}

// inTx runs fn in a single transaction, committing on success.
func (s *Postgres) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return mapError(err)
	}
	return mapError(tx.Commit())
}

// Projects

const projectColumns = `id, name, visibility, owner_user_id, owner_team_id, status, finalizers, created_at, updated_at`

func (s *Postgres) CreateProject(ctx context.Context, p *types.Project) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, visibility, owner_user_id, owner_team_id, status, finalizers)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.ID, p.Name, p.Visibility, p.OwnerUserID, p.OwnerTeamID, p.Status, p.Finalizers)
		return err
	})
}

func (s *Postgres) GetProject(ctx context.Context, id uuid.UUID) (*types.Project, error) {
	var p types.Project
	err := s.db.GetContext(ctx, &p, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func (s *Postgres) GetProjectByName(ctx context.Context, name string) (*types.Project, error) {
	var p types.Project
	err := s.db.GetContext(ctx, &p, `SELECT `+projectColumns+` FROM projects WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

// MarkProjectDeleting flags the project for asynchronous deletion. The
// actual delete happens once the finalizer list drains.
func (s *Postgres) MarkProjectDeleting(ctx context.Context, id uuid.UUID) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE projects SET status = 'deleting', updated_at = now() WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrProjectNotFound
		}
		return nil
	})
}

func (s *Postgres) RecomputeProjectStatus(ctx context.Context, id uuid.UUID) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return recomputeProjectStatusTx(ctx, tx, id)
	})
}

// recomputeProjectStatusTx rewrites the project's calculated status inside
// the caller's transaction. Called after every deployment status change so
// the calculated status is always a pure function of deployment statuses.
func recomputeProjectStatusTx(ctx context.Context, tx *sqlx.Tx, projectID uuid.UUID) error {
	var p types.Project
	if err := tx.GetContext(ctx, &p,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrProjectNotFound
		}
		return err
	}

	rows, err := listDeploymentsTx(ctx, tx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE project_id = $1 ORDER BY created_at DESC`,
		projectID)
	if err != nil {
		return err
	}

	status := ComputeProjectStatus(&p, rows)
	if status == p.Status {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE projects SET status = $1, updated_at = now() WHERE id = $2`, status, projectID)
	return err
}

// Project env vars

func (s *Postgres) ProjectEnvVars(ctx context.Context, projectID uuid.UUID) ([]types.EnvVar, error) {
	var vars []types.EnvVar
	err := s.db.SelectContext(ctx, &vars,
		`SELECT key, value, is_secret, is_protected FROM project_env_vars WHERE project_id = $1 ORDER BY key`,
		projectID)
	return vars, mapError(err)
}

// SetProjectEnvVar upserts a project env var and flags active deployments
// for re-reconcile so future rollouts pick the value up. Existing
// deployment snapshots are never touched.
func (s *Postgres) SetProjectEnvVar(ctx context.Context, projectID uuid.UUID, v types.EnvVar) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO project_env_vars (project_id, key, value, is_secret, is_protected)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (project_id, key)
			DO UPDATE SET value = EXCLUDED.value, is_secret = EXCLUDED.is_secret, is_protected = EXCLUDED.is_protected`,
			projectID, v.Key, v.Value, v.IsSecret, v.IsProtected)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE deployments SET needs_reconcile = TRUE, updated_at = now()
			WHERE project_id = $1 AND status IN ('healthy', 'unhealthy')`, projectID)
		return err
	})
}

func (s *Postgres) DeleteProjectEnvVar(ctx context.Context, projectID uuid.UUID, key string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM project_env_vars WHERE project_id = $1 AND key = $2`, projectID, key)
		return err
	})
}

// Custom domains

func (s *Postgres) ListCustomDomains(ctx context.Context, projectID uuid.UUID) ([]types.CustomDomain, error) {
	var domains []types.CustomDomain
	err := s.db.SelectContext(ctx, &domains, `
		SELECT id, project_id, domain, is_primary, verified, created_at
		FROM custom_domains WHERE project_id = $1 ORDER BY domain`, projectID)
	return domains, mapError(err)
}

// Teams

func (s *Postgres) IsTeamMember(ctx context.Context, teamID, userID uuid.UUID) (bool, error) {
	var member bool
	err := s.db.GetContext(ctx, &member, `
		SELECT EXISTS (SELECT 1 FROM team_members WHERE team_id = $1 AND user_id = $2)`,
		teamID, userID)
	return member, mapError(err)
}

// Deployments

const deploymentColumns = `id, deployment_id, project_id, created_by_user_id, deployment_group,
	status, image, image_digest, http_port, expires_at, deploying_started_at,
	controller_metadata, error_message, completed_at, termination_reason,
	needs_reconcile, created_at, updated_at`

// deploymentRow mirrors the deployments table for scanning; the metadata
// blob stays raw JSON until conversion.
type deploymentRow struct {
	ID                 uuid.UUID                `db:"id"`
	DeploymentID       string                   `db:"deployment_id"`
	ProjectID          uuid.UUID                `db:"project_id"`
	CreatedByUserID    uuid.UUID                `db:"created_by_user_id"`
	DeploymentGroup    string                   `db:"deployment_group"`
	Status             types.DeploymentStatus   `db:"status"`
	Image              string                   `db:"image"`
	ImageDigest        string                   `db:"image_digest"`
	HTTPPort           int                      `db:"http_port"`
	ExpiresAt          *time.Time               `db:"expires_at"`
	DeployingStartedAt *time.Time               `db:"deploying_started_at"`
	ControllerMetadata []byte                   `db:"controller_metadata"`
	ErrorMessage       string                   `db:"error_message"`
	CompletedAt        *time.Time               `db:"completed_at"`
	TerminationReason  *types.TerminationReason `db:"termination_reason"`
	NeedsReconcile     bool                     `db:"needs_reconcile"`
	CreatedAt          time.Time                `db:"created_at"`
	UpdatedAt          time.Time                `db:"updated_at"`
}

func (r *deploymentRow) toDeployment() (*types.Deployment, error) {
	d := &types.Deployment{
		ID:                 r.ID,
		DeploymentID:       r.DeploymentID,
		ProjectID:          r.ProjectID,
		CreatedByUserID:    r.CreatedByUserID,
		DeploymentGroup:    r.DeploymentGroup,
		Status:             r.Status,
		Image:              r.Image,
		ImageDigest:        r.ImageDigest,
		HTTPPort:           r.HTTPPort,
		ExpiresAt:          r.ExpiresAt,
		DeployingStartedAt: r.DeployingStartedAt,
		ErrorMessage:       r.ErrorMessage,
		CompletedAt:        r.CompletedAt,
		TerminationReason:  r.TerminationReason,
		NeedsReconcile:     r.NeedsReconcile,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if len(r.ControllerMetadata) > 0 {
		md := &types.ControllerMetadata{}
		if err := md.Scan(r.ControllerMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode controller metadata: %w", err)
		}
		d.ControllerMetadata = md
	}
	return d, nil
}

type querier interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func listDeployments(ctx context.Context, q querier, query string, args ...interface{}) ([]*types.Deployment, error) {
	var rows []deploymentRow
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err)
	}
	out := make([]*types.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toDeployment()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func listDeploymentsTx(ctx context.Context, tx *sqlx.Tx, query string, args ...interface{}) ([]*types.Deployment, error) {
	return listDeployments(ctx, tx, query, args...)
}

// CreateDeployment inserts the deployment and snapshots the project's env
// vars into deployment_env_vars in the same transaction. The snapshot is
// immutable from this point on.
func (s *Postgres) CreateDeployment(ctx context.Context, d *types.Deployment) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deployments (id, deployment_id, project_id, created_by_user_id,
				deployment_group, status, image, image_digest, http_port, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			d.ID, d.DeploymentID, d.ProjectID, d.CreatedByUserID, d.DeploymentGroup,
			d.Status, d.Image, d.ImageDigest, d.HTTPPort, d.ExpiresAt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO deployment_env_vars (deployment_id, key, value, is_secret, is_protected)
			SELECT $1, key, value, is_secret, is_protected FROM project_env_vars WHERE project_id = $2`,
			d.ID, d.ProjectID)
		if err != nil {
			return err
		}
		return recomputeProjectStatusTx(ctx, tx, d.ProjectID)
	})
}

func (s *Postgres) GetDeployment(ctx context.Context, id uuid.UUID) (*types.Deployment, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	if err != nil {
		return nil, mapError(err)
	}
	return row.toDeployment()
}

func (s *Postgres) GetDeploymentByName(ctx context.Context, projectID uuid.UUID, deploymentID string) (*types.Deployment, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+deploymentColumns+` FROM deployments WHERE project_id = $1 AND deployment_id = $2`,
		projectID, deploymentID)
	if err != nil {
		return nil, mapError(err)
	}
	return row.toDeployment()
}

func (s *Postgres) ListDeployments(ctx context.Context, projectID uuid.UUID, group string) ([]*types.Deployment, error) {
	if group == "" {
		return listDeployments(ctx, s.db,
			`SELECT `+deploymentColumns+` FROM deployments WHERE project_id = $1 ORDER BY created_at DESC`,
			projectID)
	}
	return listDeployments(ctx, s.db,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE project_id = $1 AND deployment_group = $2 ORDER BY created_at DESC`,
		projectID, group)
}

func (s *Postgres) DeploymentEnvVars(ctx context.Context, id uuid.UUID) ([]types.EnvVar, error) {
	var vars []types.EnvVar
	err := s.db.SelectContext(ctx, &vars,
		`SELECT key, value, is_secret, is_protected FROM deployment_env_vars WHERE deployment_id = $1 ORDER BY key`,
		id)
	return vars, mapError(err)
}

// Loop finders

func (s *Postgres) FindNonTerminal(ctx context.Context, limit int) ([]*types.Deployment, error) {
	return listDeployments(ctx, s.db,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE status IN ('pushed', 'deploying') ORDER BY created_at ASC LIMIT $1`, limit)
}

func (s *Postgres) FindNeedingReconcile(ctx context.Context, limit int) ([]*types.Deployment, error) {
	return listDeployments(ctx, s.db,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE needs_reconcile AND status IN ('healthy', 'unhealthy')
		 ORDER BY updated_at ASC LIMIT $1`, limit)
}

func (s *Postgres) FindByStatus(ctx context.Context, status types.DeploymentStatus) ([]*types.Deployment, error) {
	return listDeployments(ctx, s.db,
		`SELECT `+deploymentColumns+` FROM deployments WHERE status = $1 ORDER BY created_at ASC`, status)
}

func (s *Postgres) FindStuckPrePushedBefore(ctx context.Context, t time.Time, limit int) ([]*types.Deployment, error) {
	return listDeployments(ctx, s.db,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE status IN ('pending', 'building', 'pushing') AND updated_at < $1
		 ORDER BY updated_at ASC LIMIT $2`, t, limit)
}

func (s *Postgres) FindActiveFor(ctx context.Context, projectID uuid.UUID, group string) (*types.Deployment, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+prefixedDeploymentColumns("d")+`
		FROM deployments d
		JOIN project_active_deployments a ON a.deployment_id = d.id
		WHERE a.project_id = $1 AND a.deployment_group = $2`, projectID, group)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return row.toDeployment()
}

func (s *Postgres) FindExpired(ctx context.Context, now time.Time, limit int) ([]*types.Deployment, error) {
	return listDeployments(ctx, s.db,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE expires_at IS NOT NULL AND expires_at <= $1
		   AND status NOT IN ('cancelled', 'stopped', 'superseded', 'failed', 'expired', 'terminating', 'cancelling')
		 ORDER BY expires_at ASC LIMIT $2`, now, limit)
}

func (s *Postgres) CountByStatus(ctx context.Context) (map[types.DeploymentStatus]int, error) {
	rows := []struct {
		Status types.DeploymentStatus `db:"status"`
		Count  int                    `db:"count"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM deployments GROUP BY status`)
	if err != nil {
		return nil, mapError(err)
	}
	counts := make(map[types.DeploymentStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func prefixedDeploymentColumns(alias string) string {
	cols := strings.Split(deploymentColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// Status mutations

// transition is the single path for status changes: it locks the row,
// validates the edge against the state machine, applies the write plus any
// extra statements, then recomputes the project status, all in one
// transaction.
func (s *Postgres) transition(ctx context.Context, id uuid.UUID, to types.DeploymentStatus,
	extra func(tx *sqlx.Tx, d *types.Deployment) error) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row deploymentRow
		err := tx.GetContext(ctx, &row,
			`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDeploymentNotFound
		}
		if err != nil {
			return err
		}
		d, err := row.toDeployment()
		if err != nil {
			return err
		}

		if !state.CanTransition(d.Status, to) {
			return &IllegalTransitionError{From: d.Status, To: to}
		}

		set := []string{"status = $1", "updated_at = now()"}
		if to == types.DeploymentStatusDeploying && d.DeployingStartedAt == nil {
			// Stamp used for the 5-minute deploy timeout.
			set = append(set, "deploying_started_at = now()")
		}
		if state.IsTerminal(to) && d.CompletedAt == nil {
			set = append(set, "completed_at = now()")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE deployments SET `+strings.Join(set, ", ")+` WHERE id = $2`, to, id); err != nil {
			return err
		}

		// A deployment that reached a terminal state must not keep the
		// active pointer for its group.
		if state.IsTerminal(to) {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM project_active_deployments WHERE deployment_id = $1`, id); err != nil {
				return err
			}
		}

		if extra != nil {
			if err := extra(tx, d); err != nil {
				return err
			}
		}
		return recomputeProjectStatusTx(ctx, tx, d.ProjectID)
	})
}

func (s *Postgres) UpdateStatus(ctx context.Context, id uuid.UUID, status types.DeploymentStatus) error {
	return s.transition(ctx, id, status, nil)
}

func (s *Postgres) MarkTerminating(ctx context.Context, id uuid.UUID, reason types.TerminationReason) error {
	return s.transition(ctx, id, types.DeploymentStatusTerminating, func(tx *sqlx.Tx, d *types.Deployment) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE deployments SET termination_reason = $1 WHERE id = $2`, reason, id)
		return err
	})
}

func (s *Postgres) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	return s.transition(ctx, id, types.DeploymentStatusFailed, func(tx *sqlx.Tx, d *types.Deployment) error {
		// Preserve the original failure message when terminate finishes the
		// cleanup of an already-failed deployment.
		if msg == "" && d.ErrorMessage != "" {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE deployments SET error_message = $1 WHERE id = $2`, msg, id)
		return err
	})
}

func (s *Postgres) MarkHealthy(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, types.DeploymentStatusHealthy, func(tx *sqlx.Tx, d *types.Deployment) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE deployments SET error_message = '' WHERE id = $1`, id)
		return err
	})
}

func (s *Postgres) MarkUnhealthy(ctx context.Context, id uuid.UUID, msg string) error {
	return s.transition(ctx, id, types.DeploymentStatusUnhealthy, func(tx *sqlx.Tx, d *types.Deployment) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE deployments SET error_message = $1 WHERE id = $2`, msg, id)
		return err
	})
}

func (s *Postgres) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, types.DeploymentStatusCancelled, nil)
}

func (s *Postgres) MarkStopped(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, types.DeploymentStatusStopped, nil)
}

func (s *Postgres) MarkSuperseded(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, types.DeploymentStatusSuperseded, nil)
}

func (s *Postgres) MarkExpired(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, types.DeploymentStatusExpired, nil)
}

// Active pointer and reconcile bookkeeping

// MarkAsActive upserts the active-deployment row for (project, group).
func (s *Postgres) MarkAsActive(ctx context.Context, id, projectID uuid.UUID, group string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO project_active_deployments (project_id, deployment_group, deployment_id, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (project_id, deployment_group)
			DO UPDATE SET deployment_id = EXCLUDED.deployment_id, updated_at = now()`,
			projectID, group, id)
		return err
	})
}

func (s *Postgres) SetNeedsReconcile(ctx context.Context, id uuid.UUID) error {
	return s.setNeedsReconcile(ctx, id, true)
}

func (s *Postgres) ClearNeedsReconcile(ctx context.Context, id uuid.UUID) error {
	return s.setNeedsReconcile(ctx, id, false)
}

func (s *Postgres) setNeedsReconcile(ctx context.Context, id uuid.UUID, v bool) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE deployments SET needs_reconcile = $1, updated_at = now() WHERE id = $2`, v, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDeploymentNotFound
		}
		return nil
	})
}

// UpdateControllerMetadata writes the backend-owned blob back verbatim.
// It deliberately does not touch updated_at: metadata churn must not reset
// the build-timeout clock.
func (s *Postgres) UpdateControllerMetadata(ctx context.Context, id uuid.UUID, md *types.ControllerMetadata) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE deployments SET controller_metadata = $1 WHERE id = $2`, md, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDeploymentNotFound
		}
		return nil
	})
}
