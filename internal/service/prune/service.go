package prune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"

	"github.com/dockyard-host/dockyard/internal/docker"
	"github.com/dockyard-host/dockyard/internal/domain"
	"github.com/dockyard-host/dockyard/internal/repository"
	"github.com/dockyard-host/dockyard/pkg/config"
)

// ErrAlreadyPruned means the project was pruned by an earlier run.
var ErrAlreadyPruned = errors.New("prune: project already pruned")

// ContainerEngine is the slice of the daemon adapter the pruner uses.
type ContainerEngine interface {
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	RemoveImage(ctx context.Context, ref string) error
	ListContainers(ctx context.Context, includeStopped bool) ([]docker.ContainerSummary, error)
}

// Summary aggregates the outcome of a prune run.
type Summary struct {
	TotalFound   int      `json:"totalFound"`
	SuccessCount int      `json:"successCount"`
	ErrorCount   int      `json:"errorCount"`
	Errors       []string `json:"errors"`
}

// Service garbage-collects containers, images, and data files of untagged
// non-running projects.
type Service struct {
	projects repository.ProjectRepository
	daemon   ContainerEngine
	logger   *slog.Logger
	cfg      config.ServerConfig

	runs   prometheus.Counter
	pruned prometheus.Counter

	stat   func(name string) (os.FileInfo, error)
	remove func(name string) error
	now    func() time.Time
}

// New constructs the pruning service. Registration of metrics is optional.
func New(projects repository.ProjectRepository, daemon ContainerEngine, logger *slog.Logger, cfg config.ServerConfig, reg prometheus.Registerer) *Service {
	s := &Service{
		projects: projects,
		daemon:   daemon,
		logger:   logger,
		cfg:      cfg,
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockyard_pruner_runs_total",
			Help: "Completed pruner runs.",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockyard_pruner_projects_total",
			Help: "Projects successfully pruned.",
		}),
		stat:   os.Stat,
		remove: os.Remove,
		now:    time.Now,
	}
	if s.logger != nil {
		s.logger = s.logger.With("component", "pruner")
	}
	if reg != nil {
		reg.MustRegister(s.runs, s.pruned)
	}
	return s
}

// RunScheduled prunes all candidates once a day at the configured local
// time, until the context is cancelled.
func (s *Service) RunScheduled(ctx context.Context) {
	hour, minute := parseSchedule(s.cfg.PruneAt)
	s.logger.Info("pruner scheduled", "at", fmt.Sprintf("%02d:%02d", hour, minute))
	for {
		next := nextOccurrence(s.now(), hour, minute)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("pruner stopped")
			return
		case <-timer.C:
			summary := s.PruneAll(ctx)
			s.logger.Info("scheduled prune finished",
				"total", summary.TotalFound,
				"succeeded", summary.SuccessCount,
				"failed", summary.ErrorCount)
		}
	}
}

// parseSchedule reads "HH:MM", falling back to 02:00 on malformed input.
func parseSchedule(at string) (hour, minute int) {
	hour, minute = 2, 0
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(at), "%d:%d", &h, &m); err == nil &&
		h >= 0 && h < 24 && m >= 0 && m < 60 {
		hour, minute = h, m
	}
	return hour, minute
}

func nextOccurrence(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// PruneAll garbage-collects every untagged project that is neither running
// nor pruned. Candidates are pruned concurrently; one failure does not
// affect the others.
func (s *Service) PruneAll(ctx context.Context) Summary {
	defer s.runs.Inc()

	candidates, err := s.projects.ListPruneCandidates(ctx)
	if err != nil {
		return Summary{Errors: []string{fmt.Sprintf("list candidates: %v", err)}, ErrorCount: 1}
	}
	protected, err := s.protectedImages(ctx, "")
	if err != nil {
		return Summary{Errors: []string{fmt.Sprintf("compute protected set: %v", err)}, ErrorCount: 1}
	}

	summary := Summary{TotalFound: len(candidates)}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := range candidates {
		project := candidates[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs := s.pruneProject(ctx, project, protected)
			mu.Lock()
			defer mu.Unlock()
			if len(errs) == 0 {
				summary.SuccessCount++
				return
			}
			summary.ErrorCount++
			summary.Errors = append(summary.Errors, errs...)
		}()
	}
	wg.Wait()
	return summary
}

// PruneOne garbage-collects a single project on demand. Its own image
// references do not protect it.
func (s *Service) PruneOne(ctx context.Context, projectID string) (Summary, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return Summary{}, err
	}
	if project.Status == domain.StatusPruned {
		return Summary{}, ErrAlreadyPruned
	}
	protected, err := s.protectedImages(ctx, project.ID)
	if err != nil {
		return Summary{}, fmt.Errorf("compute protected set: %w", err)
	}
	summary := Summary{TotalFound: 1}
	if errs := s.pruneProject(ctx, *project, protected); len(errs) > 0 {
		summary.ErrorCount = 1
		summary.Errors = errs
		return summary, nil
	}
	summary.SuccessCount = 1
	return summary, nil
}

// protectedImages is the set of image hashes referenced by running projects
// or by tagged non-pruned projects, minus excludeProjectID's contributions.
func (s *Service) protectedImages(ctx context.Context, excludeProjectID string) (map[string]struct{}, error) {
	protected := make(map[string]struct{})

	running, err := s.projects.ListProjectsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		return nil, err
	}
	for _, p := range running {
		if p.ID != excludeProjectID && p.ImageHash != "" {
			protected[p.ImageHash] = struct{}{}
		}
	}

	tagged, err := s.projects.ListTaggedProjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range tagged {
		if p.ID != excludeProjectID && p.ImageHash != "" {
			protected[p.ImageHash] = struct{}{}
		}
	}
	return protected, nil
}

// pruneProject removes the project's container, image, and data file, and
// commits the pruned state. Errors are collected, not propagated; the pruned
// transition happens only when the container is gone.
func (s *Service) pruneProject(ctx context.Context, project domain.Project, protected map[string]struct{}) []string {
	var errs []string

	containerRemoved := true
	if project.ContainerID != nil {
		if err := s.removeContainer(ctx, *project.ContainerID); err != nil {
			containerRemoved = false
			errs = append(errs, fmt.Sprintf("project %s: remove container: %v", project.ID, err))
		}
	}

	if project.ImageHash != "" {
		if _, ok := protected[project.ImageHash]; !ok {
			// A deploy may have started since the snapshot; re-check before
			// removing the image.
			nowProtected, err := s.imageBecameProtected(ctx, project)
			if err != nil {
				errs = append(errs, fmt.Sprintf("project %s: re-check protection: %v", project.ID, err))
			} else if !nowProtected {
				if err := s.removeImage(ctx, project.ImageHash); err != nil {
					errs = append(errs, fmt.Sprintf("project %s: remove image: %v", project.ID, err))
				}
			}
		}
	}

	if project.DataFile != nil {
		if err := s.removeDataFile(*project.DataFile); err != nil {
			errs = append(errs, fmt.Sprintf("project %s: remove data file: %v", project.ID, err))
		}
	}

	if !containerRemoved {
		return errs
	}

	status := domain.StatusPruned
	err := s.projects.UpdateProject(ctx, project.ID, repository.ProjectPatch{
		Status:        &status,
		ContainerID:   repository.NullString(),
		ContainerName: repository.NullString(),
		DataFile:      repository.NullString(),
	})
	if err != nil {
		errs = append(errs, fmt.Sprintf("project %s: persist pruned state: %v", project.ID, err))
		return errs
	}
	s.pruned.Inc()
	return errs
}

// imageBecameProtected re-queries protection for one image hash right before
// removal.
func (s *Service) imageBecameProtected(ctx context.Context, project domain.Project) (bool, error) {
	fresh, err := s.protectedImages(ctx, project.ID)
	if err != nil {
		return false, err
	}
	_, ok := fresh[project.ImageHash]
	return ok, nil
}

// removeContainer stops then removes a container; a missing container counts
// as removed.
func (s *Service) removeContainer(ctx context.Context, containerID string) error {
	if err := s.daemon.StopContainer(ctx, containerID); err != nil &&
		!errors.Is(err, docker.ErrNotFound) && !errors.Is(err, docker.ErrNotRunning) {
		s.logger.Warn("stop before remove failed", "container_id", containerID, "error", err)
	}
	if err := s.daemon.RemoveContainer(ctx, containerID); err != nil && !errors.Is(err, docker.ErrNotFound) {
		return err
	}
	return nil
}

// removeImage deletes an image; on an in-use conflict it sweeps every
// container referencing the image and retries.
func (s *Service) removeImage(ctx context.Context, imageHash string) error {
	err := s.daemon.RemoveImage(ctx, imageHash)
	if err == nil || errors.Is(err, docker.ErrNotFound) {
		return nil
	}
	if !errors.Is(err, docker.ErrConflict) {
		return err
	}

	s.sweepImageContainers(ctx, imageHash)

	backoff := retry.WithMaxRetries(3, retry.NewConstant(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.daemon.RemoveImage(ctx, imageHash)
		if err == nil || errors.Is(err, docker.ErrNotFound) {
			return nil
		}
		if errors.Is(err, docker.ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// sweepImageContainers stops and removes every container whose image id
// matches the hash by prefix in either direction. Errors are ignored; the
// image removal retry decides the outcome.
func (s *Service) sweepImageContainers(ctx context.Context, imageHash string) {
	containers, err := s.daemon.ListContainers(ctx, true)
	if err != nil {
		s.logger.Warn("list containers for image sweep failed", "image", imageHash, "error", err)
		return
	}
	for _, c := range containers {
		if !imageRefMatches(c.ImageID, imageHash) && !imageRefMatches(c.Image, imageHash) {
			continue
		}
		if err := s.removeContainer(ctx, c.ID); err != nil {
			s.logger.Warn("sweep container removal failed", "container_id", c.ID, "image", imageHash, "error", err)
		}
	}
}

// imageRefMatches compares image identifiers by prefix in both directions,
// tolerating truncated ids and sha256: prefixes.
func imageRefMatches(ref, hash string) bool {
	ref = strings.TrimPrefix(ref, "sha256:")
	hash = strings.TrimPrefix(hash, "sha256:")
	if ref == "" || hash == "" {
		return false
	}
	return strings.HasPrefix(ref, hash) || strings.HasPrefix(hash, ref)
}

// removeDataFile unlinks the project's data file, rewriting the
// container-side path to the host side when configured. A file already gone
// is success.
func (s *Service) removeDataFile(dataFile string) error {
	resolved := dataFile
	if s.cfg.HostDataDir != "" {
		if rel, ok := strings.CutPrefix(dataFile, s.cfg.ContainerDataDir); ok {
			resolved = filepath.Join(s.cfg.HostDataDir, rel)
		}
	}
	if _, err := s.stat(resolved); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return s.remove(resolved)
}
