package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dockyard-host/dockyard/internal/domain"
	"github.com/dockyard-host/dockyard/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.TeamRepository       = (*Repository)(nil)
	_ repository.OfferingRepository   = (*Repository)(nil)
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.EnrollmentRepository = (*Repository)(nil)
)

const projectColumns = `id, team_id, deployed_by_id, github_url, image_hash, tag,
	container_id, container_name, status, ports, build_logs, build_args, env_vars,
	data_file, original_data_file_name, deployed_at, stopped_at, failed_check_count, last_checked_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var (
		p         domain.Project
		ports     []byte
		buildArgs []byte
		envVars   []byte
	)
	if err := row.Scan(
		&p.ID,
		&p.TeamID,
		&p.DeployedByID,
		&p.GithubURL,
		&p.ImageHash,
		&p.Tag,
		&p.ContainerID,
		&p.ContainerName,
		&p.Status,
		&ports,
		&p.BuildLogs,
		&buildArgs,
		&envVars,
		&p.DataFile,
		&p.OriginalDataFileName,
		&p.DeployedAt,
		&p.StoppedAt,
		&p.FailedCheckCount,
		&p.LastCheckedAt,
	); err != nil {
		return nil, err
	}
	if len(ports) > 0 {
		if err := json.Unmarshal(ports, &p.Ports); err != nil {
			return nil, fmt.Errorf("decode ports: %w", err)
		}
	}
	if len(buildArgs) > 0 {
		if err := json.Unmarshal(buildArgs, &p.BuildArgs); err != nil {
			return nil, fmt.Errorf("decode build args: %w", err)
		}
	}
	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &p.EnvVars); err != nil {
			return nil, fmt.Errorf("decode env vars: %w", err)
		}
	}
	if p.BuildArgs == nil {
		p.BuildArgs = map[string]string{}
	}
	if p.EnvVars == nil {
		p.EnvVars = map[string]string{}
	}
	return &p, nil
}

func (r *Repository) queryProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// CreateProject inserts a project row.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	ports, err := json.Marshal(project.Ports)
	if err != nil {
		return fmt.Errorf("encode ports: %w", err)
	}
	buildArgs, err := json.Marshal(project.BuildArgs)
	if err != nil {
		return fmt.Errorf("encode build args: %w", err)
	}
	envVars, err := json.Marshal(project.EnvVars)
	if err != nil {
		return fmt.Errorf("encode env vars: %w", err)
	}
	_, err = r.pool.Exec(ctx, query,
		project.ID,
		project.TeamID,
		project.DeployedByID,
		project.GithubURL,
		project.ImageHash,
		project.Tag,
		project.ContainerID,
		project.ContainerName,
		project.Status,
		ports,
		project.BuildLogs,
		buildArgs,
		envVars,
		project.DataFile,
		project.OriginalDataFileName,
		project.DeployedAt,
		project.StoppedAt,
		project.FailedCheckCount,
		project.LastCheckedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return repository.ErrConflict
			case "23503":
				return repository.ErrNotFound
			}
		}
		return err
	}
	return nil
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	p, err := scanProject(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// GetProjectByContainerID fetches the project owning a daemon container id.
func (r *Repository) GetProjectByContainerID(ctx context.Context, containerID string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE container_id = $1`
	p, err := scanProject(r.pool.QueryRow(ctx, query, containerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListTeamProjectsByStatus returns a team's projects in the given status,
// newest deployment first.
func (r *Repository) ListTeamProjectsByStatus(ctx context.Context, teamID, status string) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects
		WHERE team_id = $1 AND status = $2 ORDER BY deployed_at DESC`
	return r.queryProjects(ctx, query, teamID, status)
}

// ListTeamProjects returns all of a team's projects, newest deployment first.
func (r *Repository) ListTeamProjects(ctx context.Context, teamID string) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects
		WHERE team_id = $1 ORDER BY deployed_at DESC`
	return r.queryProjects(ctx, query, teamID)
}

// ListProjectsByStatus returns every project in the given status.
func (r *Repository) ListProjectsByStatus(ctx context.Context, status string) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE status = $1`
	return r.queryProjects(ctx, query, status)
}

// ListPruneCandidates returns untagged projects that are neither running nor
// already pruned.
func (r *Repository) ListPruneCandidates(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects
		WHERE status NOT IN ($1, $2) AND tag IS NULL`
	return r.queryProjects(ctx, query, domain.StatusRunning, domain.StatusPruned)
}

// ListTaggedProjects returns projects carrying a tag that are not pruned.
func (r *Repository) ListTaggedProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects
		WHERE tag IS NOT NULL AND status <> $1`
	return r.queryProjects(ctx, query, domain.StatusPruned)
}

// ListOfferingProjectsByTag returns tagged projects of an offering's teams.
func (r *Repository) ListOfferingProjectsByTag(ctx context.Context, offeringID, label string) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumnsPrefixed + ` FROM projects p
		INNER JOIN teams t ON t.id = p.team_id
		WHERE t.offering_id = $1 AND p.tag = $2`
	return r.queryProjects(ctx, query, offeringID, label)
}

const projectColumnsPrefixed = `p.id, p.team_id, p.deployed_by_id, p.github_url, p.image_hash, p.tag,
	p.container_id, p.container_name, p.status, p.ports, p.build_logs, p.build_args, p.env_vars,
	p.data_file, p.original_data_file_name, p.deployed_at, p.stopped_at, p.failed_check_count, p.last_checked_at`

// UpdateProject applies the set fields of the patch, leaving the rest alone.
func (r *Repository) UpdateProject(ctx context.Context, id string, patch repository.ProjectPatch) error {
	set := make([]string, 0, 12)
	args := make([]any, 0, 12)
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.ImageHash != nil {
		add("image_hash", *patch.ImageHash)
	}
	if patch.BuildLogs != nil {
		add("build_logs", *patch.BuildLogs)
	}
	if patch.Ports != nil {
		ports, err := json.Marshal(patch.Ports)
		if err != nil {
			return fmt.Errorf("encode ports: %w", err)
		}
		add("ports", ports)
	}
	if patch.Tag.Set {
		add("tag", patch.Tag.Value)
	}
	if patch.ContainerID.Set {
		add("container_id", patch.ContainerID.Value)
	}
	if patch.ContainerName.Set {
		add("container_name", patch.ContainerName.Value)
	}
	if patch.DataFile.Set {
		add("data_file", patch.DataFile.Value)
	}
	if patch.DeployedAt != nil {
		add("deployed_at", *patch.DeployedAt)
	}
	if patch.StoppedAt.Set {
		add("stopped_at", patch.StoppedAt.Value)
	}
	if patch.FailedCheckCount != nil {
		add("failed_check_count", *patch.FailedCheckCount)
	}
	if patch.LastCheckedAt.Set {
		add("last_checked_at", patch.LastCheckedAt.Value)
	}
	if patch.TeamID != nil {
		add("team_id", *patch.TeamID)
	}
	if patch.DeployedByID.Set {
		add("deployed_by_id", patch.DeployedByID.Value)
	}
	if patch.GithubURL != nil {
		add("github_url", *patch.GithubURL)
	}
	if len(set) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE projects SET %s WHERE id = $%d", strings.Join(set, ", "), len(args))
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
