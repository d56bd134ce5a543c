package adopt

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dockyard-host/dockyard/internal/docker"
	"github.com/dockyard-host/dockyard/internal/domain"
	"github.com/dockyard-host/dockyard/internal/repository"
	"github.com/dockyard-host/dockyard/internal/service/deploy"
	"github.com/dockyard-host/dockyard/pkg/config"
)

// ErrAliasExhausted means no unique network alias could be allocated.
var ErrAliasExhausted = errors.New("adopt: alias allocation exhausted")

const aliasAttempts = 10

// ContainerEngine is the slice of the daemon adapter the adoption flow uses.
type ContainerEngine interface {
	FindContainerByName(ctx context.Context, name string) (docker.ContainerSummary, error)
	InspectContainer(ctx context.Context, id string) (docker.ContainerInfo, error)
	InspectImage(ctx context.Context, ref string) (docker.ImageInfo, error)
	NetworkInspect(ctx context.Context, name string) (docker.NetworkInfo, error)
	NetworkCreate(ctx context.Context, name string) error
	NetworkConnect(ctx context.Context, name, containerID string, aliases []string) error
	NetworkDisconnect(ctx context.Context, name, containerID string, force bool) error
	NetworkAliases(ctx context.Context, name string) (map[string][]string, error)
}

// Input identifies the container to adopt and the team that will own it.
type Input struct {
	ProjectName  string
	TeamID       string
	GithubURL    string
	DeployedByID string
}

// Service adopts externally created containers into the control plane,
// assigning each a unique alias on the shared network.
type Service struct {
	projects repository.ProjectRepository
	teams    repository.TeamRepository
	daemon   ContainerEngine
	logger   *slog.Logger
	cfg      config.ServerConfig

	now   func() time.Time
	newID func() string
}

// New constructs the adoption service.
func New(projects repository.ProjectRepository, teams repository.TeamRepository, daemon ContainerEngine, logger *slog.Logger, cfg config.ServerConfig) Service {
	return Service{
		projects: projects,
		teams:    teams,
		daemon:   daemon,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Migrate adopts the named container for the team and upserts its project
// row keyed by container id.
func (s Service) Migrate(ctx context.Context, in Input) (*domain.Project, error) {
	team, err := s.teams.GetTeamByID(ctx, in.TeamID)
	if err != nil {
		return nil, err
	}
	found, err := s.daemon.FindContainerByName(ctx, in.ProjectName)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNetwork(ctx); err != nil {
		return nil, fmt.Errorf("ensure network: %w", err)
	}

	alias, err := s.allocateAlias(ctx, deploy.NormalizeTeamName(team.Name), found.ID)
	if err != nil {
		return nil, err
	}
	if err := s.attachWithAlias(ctx, found.ID, alias); err != nil {
		return nil, err
	}

	info, err := s.daemon.InspectContainer(ctx, found.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect adopted container: %w", err)
	}
	return s.upsertProject(ctx, team, info, in)
}

func (s Service) ensureNetwork(ctx context.Context) error {
	_, err := s.daemon.NetworkInspect(ctx, s.cfg.ProjectsNetwork)
	if err == nil {
		return nil
	}
	if !errors.Is(err, docker.ErrNotFound) {
		return err
	}
	if err := s.daemon.NetworkCreate(ctx, s.cfg.ProjectsNetwork); err != nil && !errors.Is(err, docker.ErrConflict) {
		return err
	}
	return nil
}

// allocateAlias picks the normalized team name, or appends 4 random hex
// characters while the name is claimed by another container on the network.
func (s Service) allocateAlias(ctx context.Context, base, containerID string) (string, error) {
	inUse, err := s.aliasesInUse(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("scan network aliases: %w", err)
	}
	if _, taken := inUse[base]; !taken {
		return base, nil
	}
	for attempt := 0; attempt < aliasAttempts; attempt++ {
		candidate := base + "-" + hexSuffix()
		if _, taken := inUse[candidate]; !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: base %q", ErrAliasExhausted, base)
}

// aliasesInUse collects every alias bound on the network by containers other
// than the one being adopted.
func (s Service) aliasesInUse(ctx context.Context, excludeContainerID string) (map[string]struct{}, error) {
	byContainer, err := s.daemon.NetworkAliases(ctx, s.cfg.ProjectsNetwork)
	if err != nil {
		return nil, err
	}
	inUse := make(map[string]struct{})
	for id, aliases := range byContainer {
		if id == excludeContainerID {
			continue
		}
		for _, alias := range aliases {
			inUse[alias] = struct{}{}
		}
	}
	return inUse, nil
}

func hexSuffix() string {
	var buf [2]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// attachWithAlias connects the container to the shared network under the
// alias, reconnecting when it is attached under a different one.
func (s Service) attachWithAlias(ctx context.Context, containerID, alias string) error {
	info, err := s.daemon.InspectContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("inspect container: %w", err)
	}
	current, attached := info.NetworkAliases[s.cfg.ProjectsNetwork]
	if attached {
		for _, a := range current {
			if a == alias {
				return nil
			}
		}
		if err := s.daemon.NetworkDisconnect(ctx, s.cfg.ProjectsNetwork, containerID, false); err != nil {
			s.logger.Warn("disconnect before realias failed", "container_id", containerID, "error", err)
		}
	}
	if err := s.daemon.NetworkConnect(ctx, s.cfg.ProjectsNetwork, containerID, []string{alias}); err != nil {
		return fmt.Errorf("connect with alias %s: %w", alias, err)
	}
	return nil
}

// upsertProject records the adopted container, keyed by its container id.
func (s Service) upsertProject(ctx context.Context, team *domain.Team, info docker.ContainerInfo, in Input) (*domain.Project, error) {
	imageHash := info.ImageID
	if image, err := s.daemon.InspectImage(ctx, info.Image); err == nil {
		imageHash = image.ID
	} else {
		s.logger.Warn("image inspect during adoption failed; using raw id", "image", info.Image, "error", err)
	}
	createdAt := info.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	status := domain.StatusStopped
	if info.Running {
		status = domain.StatusRunning
	}
	ports := portsFromInfo(info)

	existing, err := s.projects.GetProjectByContainerID(ctx, info.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		patch := repository.ProjectPatch{
			Status:        &status,
			ImageHash:     &imageHash,
			ContainerName: repository.String(info.Name),
			Ports:         ports,
		}
		if existing.TeamID != team.ID {
			patch.TeamID = &team.ID
		}
		if in.DeployedByID != "" {
			patch.DeployedByID = repository.String(in.DeployedByID)
		}
		if in.GithubURL != "" {
			patch.GithubURL = &in.GithubURL
		}
		if err := s.projects.UpdateProject(ctx, existing.ID, patch); err != nil {
			return nil, err
		}
		return s.projects.GetProjectByID(ctx, existing.ID)
	}

	project := &domain.Project{
		ID:            s.newID(),
		TeamID:        team.ID,
		GithubURL:     in.GithubURL,
		ImageHash:     imageHash,
		ContainerID:   &info.ID,
		ContainerName: &info.Name,
		Status:        status,
		Ports:         ports,
		BuildArgs:     map[string]string{},
		EnvVars:       map[string]string{},
		DeployedAt:    createdAt,
	}
	if in.DeployedByID != "" {
		deployedBy := in.DeployedByID
		project.DeployedByID = &deployedBy
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

func portsFromInfo(info docker.ContainerInfo) domain.PortMap {
	ports := make(domain.PortMap, len(info.Ports))
	for port, bindings := range info.Ports {
		converted := make([]domain.PortBinding, 0, len(bindings))
		for _, b := range bindings {
			converted = append(converted, domain.PortBinding{HostIP: b.HostIP, HostPort: b.HostPort})
		}
		ports[string(port)] = converted
	}
	return ports
}
