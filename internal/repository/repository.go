package repository

import (
	"context"
	"time"

	"github.com/dockyard-host/dockyard/internal/domain"
)

// StringField marks an update to a nullable text column. Set=false leaves the
// column untouched; Set=true with a nil Value writes NULL.
type StringField struct {
	Set   bool
	Value *string
}

// TimeField marks an update to a nullable timestamp column.
type TimeField struct {
	Set   bool
	Value *time.Time
}

// String returns a StringField that writes v.
func String(v string) StringField {
	return StringField{Set: true, Value: &v}
}

// NullString returns a StringField that writes NULL.
func NullString() StringField {
	return StringField{Set: true}
}

// Time returns a TimeField that writes v.
func Time(v time.Time) TimeField {
	return TimeField{Set: true, Value: &v}
}

// NullTime returns a TimeField that writes NULL.
func NullTime() TimeField {
	return TimeField{Set: true}
}

// ProjectPatch carries the changed fields of a project update. Unset fields
// are preserved. Status transitions are advisory here; the deploy pipeline
// enforces the state machine.
type ProjectPatch struct {
	Status           *string
	ImageHash        *string
	BuildLogs        *string
	Ports            domain.PortMap
	Tag              StringField
	ContainerID      StringField
	ContainerName    StringField
	DataFile         StringField
	DeployedAt       *time.Time
	StoppedAt        TimeField
	FailedCheckCount *int
	LastCheckedAt    TimeField
	TeamID           *string
	DeployedByID     StringField
	GithubURL        *string
}

// ProjectRepository is the durable store of project records.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	GetProjectByContainerID(ctx context.Context, containerID string) (*domain.Project, error)
	// ListTeamProjectsByStatus returns a team's projects in the given status,
	// newest deployment first.
	ListTeamProjectsByStatus(ctx context.Context, teamID, status string) ([]domain.Project, error)
	// ListTeamProjects returns all of a team's projects, newest deployment first.
	ListTeamProjects(ctx context.Context, teamID string) ([]domain.Project, error)
	// ListProjectsByStatus returns every project in the given status.
	ListProjectsByStatus(ctx context.Context, status string) ([]domain.Project, error)
	// ListPruneCandidates returns untagged projects that are neither running
	// nor already pruned.
	ListPruneCandidates(ctx context.Context) ([]domain.Project, error)
	// ListTaggedProjects returns projects carrying a tag that are not pruned.
	ListTaggedProjects(ctx context.Context) ([]domain.Project, error)
	// ListOfferingProjectsByTag returns projects of an offering's teams whose
	// tag equals label.
	ListOfferingProjectsByTag(ctx context.Context, offeringID, label string) ([]domain.Project, error)
	UpdateProject(ctx context.Context, id string, patch ProjectPatch) error
}

// TeamRepository reads team records.
type TeamRepository interface {
	GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error)
	ListTeamsByOffering(ctx context.Context, offeringID string) ([]domain.Team, error)
}

// OfferingRepository reads and updates course offerings.
type OfferingRepository interface {
	GetOfferingByID(ctx context.Context, offeringID string) (*domain.CourseOffering, error)
	UpdateOfferingSettings(ctx context.Context, offeringID string, settings domain.OfferingSettings) error
}

// UserRepository reads user records.
type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// EnrollmentRepository answers membership questions for the authorization
// oracle.
type EnrollmentRepository interface {
	IsInstructor(ctx context.Context, userID, offeringID string) (bool, error)
	IsTeamMember(ctx context.Context, userID, teamID string) (bool, error)
}
