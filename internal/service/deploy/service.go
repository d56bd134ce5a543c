package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/dockyard-host/dockyard/internal/docker"
	"github.com/dockyard-host/dockyard/internal/domain"
	"github.com/dockyard-host/dockyard/internal/git"
	"github.com/dockyard-host/dockyard/internal/logstream"
	"github.com/dockyard-host/dockyard/internal/repository"
	"github.com/dockyard-host/dockyard/pkg/config"
)

// Sentinel errors surfaced to the facade.
var (
	// ErrForbidden means the caller failed the permission predicate.
	ErrForbidden = errors.New("deploy: forbidden")
	// ErrNoContainer means the project has no container to operate on.
	ErrNoContainer = errors.New("deploy: project has no container")
	// ErrBadVariant means the legacy variant is not json or sql.
	ErrBadVariant = errors.New("deploy: unknown legacy variant")
)

// BuildError carries the daemon's failure message together with the build
// output accumulated up to the failure.
type BuildError struct {
	Message string
	Logs    string
}

func (e *BuildError) Error() string {
	return "build failed: " + e.Message
}

// ContainerEngine is the slice of the daemon adapter the pipeline uses.
type ContainerEngine interface {
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string) (<-chan docker.BuildEvent, error)
	InspectImage(ctx context.Context, ref string) (docker.ImageInfo, error)
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (docker.ContainerInfo, error)
	FindContainerByName(ctx context.Context, name string) (docker.ContainerSummary, error)
	NetworkInspect(ctx context.Context, name string) (docker.NetworkInfo, error)
	NetworkCreate(ctx context.Context, name string) error
}

// Authorizer answers the permission questions the pipeline asks.
type Authorizer interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
	IsInstructor(ctx context.Context, userID, offeringID string) (bool, error)
	IsMember(ctx context.Context, userID, teamID string) (bool, error)
}

// Service orchestrates deploy attempts end to end.
type Service struct {
	projects  repository.ProjectRepository
	teams     repository.TeamRepository
	offerings repository.OfferingRepository
	daemon    ContainerEngine
	authz     Authorizer
	logger    *slog.Logger
	cfg       config.ServerConfig

	clone func(ctx context.Context, repoURL, dest string) error
	stat  func(name string) (os.FileInfo, error)
	now   func() time.Time
	newID func() string
}

// New constructs the deploy service.
func New(projects repository.ProjectRepository, teams repository.TeamRepository, offerings repository.OfferingRepository, daemon ContainerEngine, authz Authorizer, logger *slog.Logger, cfg config.ServerConfig) Service {
	return Service{
		projects:  projects,
		teams:     teams,
		offerings: offerings,
		daemon:    daemon,
		authz:     authz,
		logger:    logger,
		cfg:       cfg,
		clone:     git.Clone,
		stat:      os.Stat,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Input carries deploy parameters from the facade.
type Input struct {
	TeamID           string
	GithubURL        string
	DeployedBy       string
	BuildArgs        map[string]string
	EnvVars          map[string]string
	DataFilePath     string
	OriginalFileName string
}

// recordSink receives streaming records; it reports false once the consumer
// is gone so the pipeline stops forwarding.
type recordSink func(logstream.Record) bool

// Deploy runs the full clone-build-run pipeline for a team.
func (s Service) Deploy(ctx context.Context, in Input) (*domain.Project, error) {
	return s.deploy(ctx, in, nil, nil)
}

// legacyVariant describes the fixed sidecar database of the legacy
// two-container stack.
type legacyVariant struct {
	image string
	env   []string
}

var legacyVariants = map[string]legacyVariant{
	"json": {
		image: "dockyard/legacy-json-db:latest",
		env:   []string{"STORAGE_PATH=/data/db.json"},
	},
	"sql": {
		image: "dockyard/legacy-sql-db:latest",
		env:   []string{"MYSQL_ROOT_PASSWORD=legacy", "MYSQL_DATABASE=app"},
	},
}

// legacyAppCmd is forced onto the application container of the legacy stack.
var legacyAppCmd = []string{"flask", "run", "--host=0.0.0.0", "--port=5000"}

// DeployLegacyTwoContainer runs the deploy pipeline with a sidecar database
// container on the shared network under the alias {team}-db.
func (s Service) DeployLegacyTwoContainer(ctx context.Context, in Input, variant string) (*domain.Project, error) {
	v, ok := legacyVariants[variant]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadVariant, variant)
	}
	return s.deploy(ctx, in, &v, nil)
}

func (s Service) deploy(ctx context.Context, in Input, sidecar *legacyVariant, sink recordSink) (*domain.Project, error) {
	team, offering, err := s.resolveTeam(ctx, in.TeamID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeDeploy(ctx, in.DeployedBy, offering); err != nil {
		return nil, err
	}

	project := s.newProject(in, team)
	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	return s.runPipeline(ctx, project, team, sidecar, sink)
}

// newProject captures the deploy inputs into a fresh building-state row.
func (s Service) newProject(in Input, team *domain.Team) *domain.Project {
	project := &domain.Project{
		ID:         s.newID(),
		TeamID:     team.ID,
		GithubURL:  in.GithubURL,
		Status:     domain.StatusBuilding,
		BuildArgs:  in.BuildArgs,
		EnvVars:    in.EnvVars,
		DeployedAt: s.now().UTC(),
	}
	if project.BuildArgs == nil {
		project.BuildArgs = map[string]string{}
	}
	if project.EnvVars == nil {
		project.EnvVars = map[string]string{}
	}
	if in.DeployedBy != "" {
		deployedBy := in.DeployedBy
		project.DeployedByID = &deployedBy
	}
	if in.DataFilePath != "" {
		dataFile := in.DataFilePath
		project.DataFile = &dataFile
	}
	if in.OriginalFileName != "" {
		original := in.OriginalFileName
		project.OriginalDataFileName = &original
	}
	return project
}

// runPipeline executes the deploy protocol for a project already persisted
// in building state. Failures from the network step onward mark the project
// failed before propagating.
func (s Service) runPipeline(ctx context.Context, project *domain.Project, team *domain.Team, sidecar *legacyVariant, sink recordSink) (*domain.Project, error) {
	logs, err := s.initBuild(ctx, project, team, sidecar, sink)
	if err != nil {
		return nil, err
	}
	return s.completeBuild(ctx, project, team, sidecar, logs)
}

// initBuild performs pre-emption, name reconciliation, network ensure,
// clone, and the build itself, returning the accumulated build output.
// The project is marked failed before any error propagates.
func (s Service) initBuild(ctx context.Context, project *domain.Project, team *domain.Team, sidecar *legacyVariant, sink recordSink) (string, error) {
	name := NormalizeTeamName(team.Name)

	// Opportunistic reconciliation; failures here never abort the deploy.
	s.preemptRunning(ctx, team.ID, project.ID)
	s.removeNamedContainer(ctx, name)
	if sidecar != nil {
		s.removeNamedContainer(ctx, name+"-db")
	}

	if err := s.EnsureNetwork(ctx); err != nil {
		return "", s.failWith(ctx, project.ID, nil, fmt.Errorf("ensure network: %w", err))
	}

	dir, err := s.prepareCloneDir(project.GithubURL)
	if err != nil {
		return "", s.failWith(ctx, project.ID, nil, err)
	}
	defer s.cleanupCloneDir(dir)

	if err := s.clone(ctx, project.GithubURL, dir); err != nil {
		return "", s.failWith(ctx, project.ID, nil, err)
	}

	logs, err := s.build(ctx, dir, imageRef(team.Name), project.BuildArgs, sink)
	if err != nil {
		return logs, s.failWith(ctx, project.ID, &logs, err)
	}
	return logs, nil
}

// completeBuild resolves the built image, persists the build result, and
// launches the container.
func (s Service) completeBuild(ctx context.Context, project *domain.Project, team *domain.Team, sidecar *legacyVariant, logs string) (*domain.Project, error) {
	image, err := s.daemon.InspectImage(ctx, imageRef(team.Name))
	if err != nil {
		return nil, s.failWith(ctx, project.ID, &logs, fmt.Errorf("resolve image: %w", err))
	}
	hash := image.ID
	if err := s.projects.UpdateProject(ctx, project.ID, repository.ProjectPatch{
		ImageHash: &hash,
		BuildLogs: &logs,
	}); err != nil {
		return nil, s.failWith(ctx, project.ID, nil, fmt.Errorf("persist build result: %w", err))
	}
	project.ImageHash = hash
	project.BuildLogs = logs

	if err := s.launch(ctx, project, team, sidecar); err != nil {
		return nil, s.failWith(ctx, project.ID, nil, err)
	}
	return project, nil
}

// launch performs container create, start, inspect, and the running-state
// commit, including the legacy sidecar when requested.
func (s Service) launch(ctx context.Context, project *domain.Project, team *domain.Team, sidecar *legacyVariant) error {
	name := NormalizeTeamName(team.Name)

	env := make([]string, 0, len(project.EnvVars)+1)
	for k, v := range project.EnvVars {
		env = append(env, k+"="+v)
	}
	var cmd []string
	if sidecar != nil {
		dbName := name + "-db"
		if err := s.launchSidecar(ctx, dbName, *sidecar); err != nil {
			return fmt.Errorf("launch sidecar: %w", err)
		}
		env = append(env, "DB_NAME="+dbName)
		cmd = legacyAppCmd
	}

	spec := docker.ContainerSpec{
		Name:         name,
		Image:        project.ImageHash,
		Cmd:          cmd,
		Env:          env,
		MemoryBytes:  int64(s.cfg.MemoryLimitMB) * 1024 * 1024,
		NetworkName:  s.cfg.ProjectsNetwork,
		NetworkAlias: name,
	}
	if project.DataFile != nil {
		target := path.Join(s.cfg.DataMountPath, s.mountedFileName(project))
		spec.Mounts = append(spec.Mounts, docker.BindMount{
			Source:   s.hostDataPath(*project.DataFile),
			Target:   target,
			ReadOnly: true,
		})
	}

	containerID, err := s.daemon.CreateContainer(ctx, spec)
	if err != nil {
		s.removeSidecarOnFailure(ctx, name, sidecar)
		return fmt.Errorf("create container: %w", err)
	}
	if err := s.daemon.StartContainer(ctx, containerID); err != nil {
		s.removeSidecarOnFailure(ctx, name, sidecar)
		return fmt.Errorf("start container: %w", err)
	}
	info, err := s.daemon.InspectContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("inspect container: %w", err)
	}

	now := s.now().UTC()
	status := domain.StatusRunning
	ports := portsFromNat(info.Ports)
	if err := s.projects.UpdateProject(ctx, project.ID, repository.ProjectPatch{
		Status:        &status,
		ContainerID:   repository.String(info.ID),
		ContainerName: repository.String(info.Name),
		Ports:         ports,
		DeployedAt:    &now,
	}); err != nil {
		return fmt.Errorf("persist running state: %w", err)
	}
	project.Status = status
	project.ContainerID = &info.ID
	containerName := info.Name
	project.ContainerName = &containerName
	project.Ports = ports
	project.DeployedAt = now
	return nil
}

func (s Service) launchSidecar(ctx context.Context, dbName string, v legacyVariant) error {
	id, err := s.daemon.CreateContainer(ctx, docker.ContainerSpec{
		Name:         dbName,
		Image:        v.image,
		Env:          v.env,
		MemoryBytes:  int64(s.cfg.MemoryLimitMB) * 1024 * 1024,
		NetworkName:  s.cfg.ProjectsNetwork,
		NetworkAlias: dbName,
	})
	if err != nil {
		return err
	}
	return s.daemon.StartContainer(ctx, id)
}

func (s Service) removeSidecarOnFailure(ctx context.Context, name string, sidecar *legacyVariant) {
	if sidecar == nil {
		return
	}
	s.removeNamedContainer(ctx, name+"-db")
}

// mountedFileName preserves the uploaded filename inside the container.
func (s Service) mountedFileName(project *domain.Project) string {
	if project.OriginalDataFileName != nil && *project.OriginalDataFileName != "" {
		return *project.OriginalDataFileName
	}
	return filepath.Base(*project.DataFile)
}

// hostDataPath rewrites a container-side data path to the host-side
// equivalent when a host data directory is configured.
func (s Service) hostDataPath(dataFile string) string {
	if s.cfg.HostDataDir == "" {
		return dataFile
	}
	if rel, ok := strings.CutPrefix(dataFile, s.cfg.ContainerDataDir); ok {
		return filepath.Join(s.cfg.HostDataDir, rel)
	}
	return dataFile
}

// build consumes the daemon's build stream to completion, forwarding records
// to the sink and accumulating text. A terminal error event fails the build.
func (s Service) build(ctx context.Context, dir, ref string, buildArgs map[string]string, sink recordSink) (string, error) {
	events, err := s.daemon.BuildImage(ctx, dir, ref, buildArgPtrs(buildArgs))
	if err != nil {
		return "", err
	}

	var (
		accumulated strings.Builder
		buildErr    string
	)
	for event := range events {
		line := event.Render()
		if line == "" {
			continue
		}
		accumulated.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			accumulated.WriteString("\n")
		}
		if event.Error != "" {
			buildErr = event.Error
			continue
		}
		if sink != nil {
			sink(logstream.LogRecord(line))
		}
	}
	if buildErr != "" {
		return accumulated.String(), &BuildError{Message: buildErr, Logs: accumulated.String()}
	}
	return accumulated.String(), nil
}

// preemptRunning stops every running project of the team so the new deploy
// is the only eventual runner. Best effort.
func (s Service) preemptRunning(ctx context.Context, teamID, excludeProjectID string) {
	running, err := s.projects.ListTeamProjectsByStatus(ctx, teamID, domain.StatusRunning)
	if err != nil {
		s.logger.Warn("list running projects failed", "team_id", teamID, "error", err)
		return
	}
	for _, prior := range running {
		if prior.ID == excludeProjectID {
			continue
		}
		if prior.ContainerID != nil {
			if err := s.killBenign(ctx, *prior.ContainerID); err != nil {
				s.logger.Warn("preempt kill failed", "project_id", prior.ID, "container_id", *prior.ContainerID, "error", err)
			}
		}
		if err := s.markStopped(ctx, prior.ID); err != nil {
			s.logger.Warn("preempt status update failed", "project_id", prior.ID, "error", err)
		}
	}
}

// removeNamedContainer reconciles daemon state the repository forgot about:
// any container squatting on the canonical name is stopped and removed.
// Best effort.
func (s Service) removeNamedContainer(ctx context.Context, name string) {
	found, err := s.daemon.FindContainerByName(ctx, name)
	if err != nil {
		if !errors.Is(err, docker.ErrNotFound) {
			s.logger.Warn("container name lookup failed", "name", name, "error", err)
		}
		return
	}
	if err := s.daemon.StopContainer(ctx, found.ID); err != nil && !errors.Is(err, docker.ErrNotFound) && !errors.Is(err, docker.ErrNotRunning) {
		s.logger.Warn("stop of stale container failed", "name", name, "error", err)
	}
	if err := s.daemon.RemoveContainer(ctx, found.ID); err != nil && !errors.Is(err, docker.ErrNotFound) {
		s.logger.Warn("remove of stale container failed", "name", name, "error", err)
	}
}

// EnsureNetwork inspects the shared project network and creates it as an
// attachable bridge when absent. A create that loses a race is success.
func (s Service) EnsureNetwork(ctx context.Context) error {
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

func (s Service) prepareCloneDir(repoURL string) (string, error) {
	dir := filepath.Join(s.cfg.CloneRoot, cloneDirName(s.now().UnixMilli(), repoURL))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create clone dir: %w", err)
	}
	return dir, nil
}

func (s Service) cleanupCloneDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("clone dir cleanup failed", "dir", dir, "error", err)
	}
}

// failWith marks the project failed, optionally persisting build logs, and
// returns the original error.
func (s Service) failWith(ctx context.Context, projectID string, buildLogs *string, cause error) error {
	status := domain.StatusFailed
	patch := repository.ProjectPatch{Status: &status, BuildLogs: buildLogs}
	if err := s.projects.UpdateProject(ctx, projectID, patch); err != nil {
		s.logger.Error("mark project failed errored", "project_id", projectID, "error", err)
	}
	return cause
}

// markStopped commits the running -> stopped transition and resets the
// reconciler bookkeeping.
func (s Service) markStopped(ctx context.Context, projectID string) error {
	status := domain.StatusStopped
	zero := 0
	return s.projects.UpdateProject(ctx, projectID, repository.ProjectPatch{
		Status:           &status,
		StoppedAt:        repository.Time(s.now().UTC()),
		FailedCheckCount: &zero,
		LastCheckedAt:    repository.NullTime(),
	})
}

// killBenign force-kills a container, treating not-found and already-stopped
// as success.
func (s Service) killBenign(ctx context.Context, containerID string) error {
	err := s.daemon.KillContainer(ctx, containerID)
	if err == nil || errors.Is(err, docker.ErrNotFound) || errors.Is(err, docker.ErrNotRunning) {
		return nil
	}
	return err
}

func (s Service) resolveTeam(ctx context.Context, teamID string) (*domain.Team, *domain.CourseOffering, error) {
	team, err := s.teams.GetTeamByID(ctx, teamID)
	if err != nil {
		return nil, nil, err
	}
	offering, err := s.offerings.GetOfferingByID(ctx, team.OfferingID)
	if err != nil {
		return nil, nil, err
	}
	return team, offering, nil
}

// authorizeDeploy enforces the serverLocked gate: when locked, only admins
// and instructors of the offering may deploy.
func (s Service) authorizeDeploy(ctx context.Context, callerID string, offering *domain.CourseOffering) error {
	if !offering.Settings.ServerLocked {
		return nil
	}
	admin, err := s.authz.IsAdmin(ctx, callerID)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	instructor, err := s.authz.IsInstructor(ctx, callerID, offering.ID)
	if err != nil {
		return err
	}
	if instructor {
		return nil
	}
	return ErrForbidden
}

// Redeploy starts a new project from a prior build, skipping clone and
// build. The stored image and data file must still exist.
func (s Service) Redeploy(ctx context.Context, sourceProjectID, callerID string) (*domain.Project, error) {
	source, err := s.projects.GetProjectByID(ctx, sourceProjectID)
	if err != nil {
		return nil, err
	}
	team, offering, err := s.resolveTeam(ctx, source.TeamID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeDeploy(ctx, callerID, offering); err != nil {
		return nil, err
	}

	if source.ImageHash == "" {
		return nil, fmt.Errorf("source project %s was never built: %w", source.ID, repository.ErrNotFound)
	}
	if _, err := s.daemon.InspectImage(ctx, source.ImageHash); err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return nil, fmt.Errorf("image %s gone from daemon: %w", source.ImageHash, err)
		}
		return nil, err
	}
	if source.DataFile != nil {
		if _, err := s.stat(s.hostDataPath(*source.DataFile)); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("data file %s: %w", *source.DataFile, repository.ErrNotFound)
			}
			return nil, fmt.Errorf("stat data file: %w", err)
		}
	}

	project := &domain.Project{
		ID:                   s.newID(),
		TeamID:               source.TeamID,
		GithubURL:            source.GithubURL,
		ImageHash:            source.ImageHash,
		Tag:                  source.Tag,
		Status:               domain.StatusDeploying,
		BuildArgs:            source.BuildArgs,
		EnvVars:              source.EnvVars,
		DataFile:             source.DataFile,
		OriginalDataFileName: source.OriginalDataFileName,
		DeployedAt:           s.now().UTC(),
	}
	if callerID != "" {
		caller := callerID
		project.DeployedByID = &caller
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	name := NormalizeTeamName(team.Name)
	s.preemptRunning(ctx, team.ID, project.ID)
	s.removeNamedContainer(ctx, name)
	if err := s.EnsureNetwork(ctx); err != nil {
		return nil, s.failWith(ctx, project.ID, nil, fmt.Errorf("ensure network: %w", err))
	}
	if err := s.launch(ctx, project, team, nil); err != nil {
		return nil, s.failWith(ctx, project.ID, nil, err)
	}
	return project, nil
}

// Stop kills a project's container and commits the stopped state.
func (s Service) Stop(ctx context.Context, projectID, callerID string) (*domain.Project, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.ContainerID == nil {
		return nil, ErrNoContainer
	}
	team, offering, err := s.resolveTeam(ctx, project.TeamID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeStop(ctx, callerID, team, offering); err != nil {
		return nil, err
	}

	if err := s.killBenign(ctx, *project.ContainerID); err != nil {
		return nil, fmt.Errorf("kill container: %w", err)
	}
	if err := s.markStopped(ctx, project.ID); err != nil {
		return nil, fmt.Errorf("persist stopped state: %w", err)
	}
	stopped := s.now().UTC()
	project.Status = domain.StatusStopped
	project.StoppedAt = &stopped
	project.FailedCheckCount = 0
	project.LastCheckedAt = nil
	return project, nil
}

// authorizeStop applies the stop predicate: admins always; instructors
// always; team members only while the offering is unlocked.
func (s Service) authorizeStop(ctx context.Context, callerID string, team *domain.Team, offering *domain.CourseOffering) error {
	admin, err := s.authz.IsAdmin(ctx, callerID)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	instructor, err := s.authz.IsInstructor(ctx, callerID, offering.ID)
	if err != nil {
		return err
	}
	if offering.Settings.ServerLocked {
		if instructor {
			return nil
		}
		return ErrForbidden
	}
	if instructor {
		return nil
	}
	member, err := s.authz.IsMember(ctx, callerID, team.ID)
	if err != nil {
		return err
	}
	if member {
		return nil
	}
	return ErrForbidden
}

func buildArgPtrs(args map[string]string) map[string]*string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]*string, len(args))
	for k, v := range args {
		value := v
		out[k] = &value
	}
	return out
}
