package tags

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dockyard-host/dockyard/internal/docker"
	"github.com/dockyard-host/dockyard/internal/domain"
	"github.com/dockyard-host/dockyard/internal/repository"
	"github.com/dockyard-host/dockyard/internal/service/deploy"
)

// ErrDuplicateLabel means the label was already applied to the offering.
var ErrDuplicateLabel = errors.New("tags: label already applied")

// ImageTagger is the slice of the daemon adapter the tag engine uses.
type ImageTagger interface {
	InspectImage(ctx context.Context, ref string) (docker.ImageInfo, error)
	TagImage(ctx context.Context, sourceRef, repo, tag string) error
}

// Result summarizes a tagging run across an offering's teams.
type Result struct {
	Tagged  int      `json:"tagged"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
}

// UntagResult summarizes a label removal.
type UntagResult struct {
	Untagged int      `json:"untagged"`
	Errors   []string `json:"errors"`
}

// Service pins each team's preferred build under a named label and tracks
// labels per course offering.
type Service struct {
	projects  repository.ProjectRepository
	teams     repository.TeamRepository
	offerings repository.OfferingRepository
	daemon    ImageTagger
	logger    *slog.Logger
}

// New constructs the tag service.
func New(projects repository.ProjectRepository, teams repository.TeamRepository, offerings repository.OfferingRepository, daemon ImageTagger, logger *slog.Logger) Service {
	return Service{
		projects:  projects,
		teams:     teams,
		offerings: offerings,
		daemon:    daemon,
		logger:    logger,
	}
}

// TagOffering labels every team's preferred project in the offering. Teams
// without a project, or whose image is gone from the daemon, are skipped.
func (s Service) TagOffering(ctx context.Context, offeringID, label string) (Result, error) {
	offering, err := s.offerings.GetOfferingByID(ctx, offeringID)
	if err != nil {
		return Result{}, err
	}
	if offering.Settings.HasTag(label) {
		return Result{}, fmt.Errorf("%w: %q", ErrDuplicateLabel, label)
	}

	teams, err := s.teams.ListTeamsByOffering(ctx, offeringID)
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, team := range teams {
		project, err := s.preferredProject(ctx, team.ID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("team %s: %v", team.ID, err))
			continue
		}
		if project == nil || project.ImageHash == "" {
			result.Skipped++
			continue
		}

		if _, err := s.daemon.InspectImage(ctx, project.ImageHash); err != nil {
			if errors.Is(err, docker.ErrNotFound) {
				result.Skipped++
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("team %s: inspect image: %v", team.ID, err))
			continue
		}

		repo := deploy.NormalizeTeamName(team.Name)
		if err := s.daemon.TagImage(ctx, project.ImageHash, repo, label); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("team %s: tag image: %v", team.ID, err))
			continue
		}
		if err := s.projects.UpdateProject(ctx, project.ID, repository.ProjectPatch{
			Tag: repository.String(label),
		}); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("team %s: persist tag: %v", team.ID, err))
			continue
		}
		result.Tagged++
	}

	settings := offering.Settings
	settings.ProjectTags = append(settings.ProjectTags, label)
	if err := s.offerings.UpdateOfferingSettings(ctx, offeringID, settings); err != nil {
		return result, fmt.Errorf("record label: %w", err)
	}
	return result, nil
}

// preferredProject is the newest running project of the team, else the
// newest project regardless of status.
func (s Service) preferredProject(ctx context.Context, teamID string) (*domain.Project, error) {
	running, err := s.projects.ListTeamProjectsByStatus(ctx, teamID, domain.StatusRunning)
	if err != nil {
		return nil, err
	}
	if len(running) > 0 {
		return &running[0], nil
	}
	all, err := s.projects.ListTeamProjects(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return &all[0], nil
}

// UntagOffering clears the label from the offering's projects and from its
// settings. Removing a label that was never recorded still succeeds; the
// daemon-side image tag is left for the pruner.
func (s Service) UntagOffering(ctx context.Context, offeringID, label string) (UntagResult, error) {
	offering, err := s.offerings.GetOfferingByID(ctx, offeringID)
	if err != nil {
		return UntagResult{}, err
	}

	settings := offering.Settings
	kept := settings.ProjectTags[:0]
	for _, t := range settings.ProjectTags {
		if t != label {
			kept = append(kept, t)
		}
	}
	settings.ProjectTags = kept
	if err := s.offerings.UpdateOfferingSettings(ctx, offeringID, settings); err != nil {
		return UntagResult{}, fmt.Errorf("update settings: %w", err)
	}

	projects, err := s.projects.ListOfferingProjectsByTag(ctx, offeringID, label)
	if err != nil {
		return UntagResult{}, err
	}
	var result UntagResult
	for _, project := range projects {
		if err := s.projects.UpdateProject(ctx, project.ID, repository.ProjectPatch{
			Tag: repository.NullString(),
		}); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("project %s: %v", project.ID, err))
			continue
		}
		result.Untagged++
	}
	return result, nil
}
