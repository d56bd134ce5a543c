package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dockyard-host/dockyard/internal/docker"
	"github.com/dockyard-host/dockyard/internal/domain"
	"github.com/dockyard-host/dockyard/internal/repository"
)

const (
	defaultInterval  = 30 * time.Second
	reconcileTimeout = 15 * time.Second
)

// ContainerInspector is the slice of the daemon adapter the reconciler uses.
type ContainerInspector interface {
	InspectContainer(ctx context.Context, id string) (docker.ContainerInfo, error)
}

// Reconciler demotes projects whose containers are no longer running.
type Reconciler struct {
	projects repository.ProjectRepository
	daemon   ContainerInspector
	logger   *slog.Logger
	interval time.Duration

	demotions   prometheus.Counter
	checkErrors prometheus.Counter

	now func() time.Time
}

// New constructs a reconciler. Registration of metrics is optional; pass a
// nil registerer to skip it.
func New(projects repository.ProjectRepository, daemon ContainerInspector, logger *slog.Logger, interval time.Duration, reg prometheus.Registerer) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	r := &Reconciler{
		projects: projects,
		daemon:   daemon,
		logger:   logger,
		interval: interval,
		demotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockyard_reconciler_demotions_total",
			Help: "Projects transitioned running to stopped by the reconciler.",
		}),
		checkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockyard_reconciler_check_errors_total",
			Help: "Container inspections that failed with a non-not-found error.",
		}),
		now: time.Now,
	}
	if r.logger != nil {
		r.logger = r.logger.With("component", "reconciler")
	}
	if reg != nil {
		reg.MustRegister(r.demotions, r.checkErrors)
	}
	return r
}

// Run executes the reconciliation loop until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval)
	r.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

func (r *Reconciler) runIteration(parent context.Context) {
	timeout := reconcileTimeout
	if r.interval > 0 && r.interval < timeout {
		timeout = r.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	running, err := r.projects.ListProjectsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		r.logger.Warn("failed to list running projects", "error", err)
		return
	}

	var wg sync.WaitGroup
	for i := range running {
		project := running[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.checkProject(ctx, project)
		}()
	}
	wg.Wait()
}

// checkProject inspects one running project's container and demotes the
// project on the first observation of a dead or missing container.
func (r *Reconciler) checkProject(ctx context.Context, project domain.Project) {
	if project.ContainerID == nil {
		r.demote(ctx, project, "no container recorded")
		return
	}
	info, err := r.daemon.InspectContainer(ctx, *project.ContainerID)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			r.demote(ctx, project, "container gone")
			return
		}
		r.checkErrors.Inc()
		r.logger.Warn("container inspect failed", "project_id", project.ID, "container_id", *project.ContainerID, "error", err)
		r.touch(ctx, project)
		return
	}
	if info.Running {
		r.touch(ctx, project)
		return
	}
	r.demote(ctx, project, "container exited")
}

// demote commits the running -> stopped transition.
func (r *Reconciler) demote(ctx context.Context, project domain.Project, reason string) {
	status := domain.StatusStopped
	now := r.now().UTC()
	err := r.projects.UpdateProject(ctx, project.ID, repository.ProjectPatch{
		Status:        &status,
		StoppedAt:     repository.Time(now),
		LastCheckedAt: repository.Time(now),
	})
	if err != nil {
		r.logger.Warn("demote failed", "project_id", project.ID, "error", err)
		return
	}
	r.demotions.Inc()
	r.logger.Info("project demoted", "project_id", project.ID, "reason", reason)
}

// touch records a completed check without changing status.
func (r *Reconciler) touch(ctx context.Context, project domain.Project) {
	err := r.projects.UpdateProject(ctx, project.ID, repository.ProjectPatch{
		LastCheckedAt: repository.Time(r.now().UTC()),
	})
	if err != nil {
		r.logger.Warn("check bookkeeping failed", "project_id", project.ID, "error", err)
	}
}
