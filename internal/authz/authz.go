package authz

import (
	"context"
	"errors"

	"github.com/dockyard-host/dockyard/internal/domain"
	"github.com/dockyard-host/dockyard/internal/repository"
)

// Oracle answers permission questions from the enrollment tables. It is the
// only authorization surface the engine consults; HTTP-level concerns live
// in the facade.
type Oracle struct {
	users       repository.UserRepository
	enrollments repository.EnrollmentRepository
}

// New constructs an Oracle.
func New(users repository.UserRepository, enrollments repository.EnrollmentRepository) Oracle {
	return Oracle{users: users, enrollments: enrollments}
}

// IsAdmin reports whether the user is a platform administrator.
func (o Oracle) IsAdmin(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	user, err := o.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return user.Role == domain.RoleAdmin, nil
}

// IsInstructor reports whether the user teaches the offering.
func (o Oracle) IsInstructor(ctx context.Context, userID, offeringID string) (bool, error) {
	if userID == "" || offeringID == "" {
		return false, nil
	}
	return o.enrollments.IsInstructor(ctx, userID, offeringID)
}

// IsMember reports whether the user belongs to the team.
func (o Oracle) IsMember(ctx context.Context, userID, teamID string) (bool, error) {
	if userID == "" || teamID == "" {
		return false, nil
	}
	return o.enrollments.IsTeamMember(ctx, userID, teamID)
}
