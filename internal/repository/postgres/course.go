package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dockyard-host/dockyard/internal/domain"
	"github.com/dockyard-host/dockyard/internal/repository"
)

// GetTeamByID returns a team by identifier.
func (r *Repository) GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error) {
	const query = `SELECT id, offering_id, name, created_at FROM teams WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, teamID)
	var team domain.Team
	if err := row.Scan(&team.ID, &team.OfferingID, &team.Name, &team.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &team, nil
}

// ListTeamsByOffering returns the teams of a course offering.
func (r *Repository) ListTeamsByOffering(ctx context.Context, offeringID string) ([]domain.Team, error) {
	const query = `SELECT id, offering_id, name, created_at FROM teams
		WHERE offering_id = $1 ORDER BY name ASC`
	rows, err := r.pool.Query(ctx, query, offeringID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	teams := make([]domain.Team, 0)
	for rows.Next() {
		var team domain.Team
		if err := rows.Scan(&team.ID, &team.OfferingID, &team.Name, &team.CreatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

// GetOfferingByID returns a course offering with decoded settings.
func (r *Repository) GetOfferingByID(ctx context.Context, offeringID string) (*domain.CourseOffering, error) {
	const query = `SELECT id, name, settings, created_at FROM course_offerings WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, offeringID)
	var (
		offering domain.CourseOffering
		settings []byte
	)
	if err := row.Scan(&offering.ID, &offering.Name, &settings, &offering.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &offering.Settings); err != nil {
			return nil, fmt.Errorf("decode offering settings: %w", err)
		}
	}
	return &offering, nil
}

// UpdateOfferingSettings persists the recognized settings keys, merging over
// any keys the core does not model.
func (r *Repository) UpdateOfferingSettings(ctx context.Context, offeringID string, settings domain.OfferingSettings) error {
	encoded, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode offering settings: %w", err)
	}
	const query = `UPDATE course_offerings SET settings = settings || $2::jsonb WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, offeringID, encoded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, name, role, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// IsInstructor reports whether the user teaches the offering.
func (r *Repository) IsInstructor(ctx context.Context, userID, offeringID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM offering_instructors WHERE user_id = $1 AND offering_id = $2)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, userID, offeringID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// IsTeamMember reports whether the user belongs to the team.
func (r *Repository) IsTeamMember(ctx context.Context, userID, teamID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM team_members WHERE user_id = $1 AND team_id = $2)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, userID, teamID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}
