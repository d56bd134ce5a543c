package deploy

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dockyard-host/dockyard/internal/domain"
	"github.com/dockyard-host/dockyard/internal/logstream"
)

// Stream is a live deploy whose build output is observed by the caller. The
// caller ranges over Events until it closes, then calls Wait for the final
// project. Cancelling the request context stops the forwarding of events
// and marks the project failed; the daemon build itself runs to completion.
type Stream struct {
	events chan logstream.Record

	once    sync.Once
	done    chan struct{}
	project *domain.Project
	err     error
}

// Events yields stream records in emission order. The channel is closed when
// the pipeline goroutine returns; after the consumer context is cancelled
// that happens once the in-flight build has finished.
func (st *Stream) Events() <-chan logstream.Record {
	return st.events
}

// Wait blocks until the pipeline finishes and returns the deploy outcome.
func (st *Stream) Wait() (*domain.Project, error) {
	<-st.done
	return st.project, st.err
}

func (st *Stream) finish(project *domain.Project, err error) {
	st.once.Do(func() {
		st.project = project
		st.err = err
		close(st.done)
	})
}

// DeployStream starts a deploy whose build events are exposed to the caller
// in real time. Validation and project creation happen synchronously so
// not-found and permission failures surface before any event; the rest of
// the pipeline runs in the background.
func (s Service) DeployStream(ctx context.Context, in Input) (*Stream, error) {
	team, offering, err := s.resolveTeam(ctx, in.TeamID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeDeploy(ctx, in.DeployedBy, offering); err != nil {
		return nil, err
	}

	// The pipeline outlives the request: once a build is in flight it runs
	// to daemon completion even if the client goes away.
	runCtx := context.WithoutCancel(ctx)

	project := s.newProject(in, team)
	if err := s.projects.CreateProject(runCtx, project); err != nil {
		return nil, err
	}

	// The channel is unbuffered so a slow consumer backpressures the relay
	// rather than accumulating records.
	st := &Stream{
		events: make(chan logstream.Record),
		done:   make(chan struct{}),
	}

	var disconnected atomic.Bool
	sink := func(rec logstream.Record) bool {
		if disconnected.Load() {
			return false
		}
		if ctx.Err() != nil {
			disconnected.Store(true)
			return false
		}
		select {
		case st.events <- rec:
			return true
		case <-ctx.Done():
			disconnected.Store(true)
			return false
		}
	}

	go func() {
		defer close(st.events)

		sink(logstream.Record{Type: logstream.TypeStart, Project: project})

		logs, err := s.initBuild(runCtx, project, team, nil, sink)
		if err != nil {
			sink(logstream.ErrorRecord(err.Error()))
			st.finish(nil, err)
			return
		}
		if disconnected.Load() {
			// The consumer vanished mid-build; the observation is dropped,
			// completion is skipped, and the attempt is recorded as failed.
			err = ctx.Err()
			_ = s.failWith(runCtx, project.ID, &logs, err)
			st.finish(nil, err)
			return
		}

		result, err := s.completeBuild(runCtx, project, team, nil, logs)
		if err != nil {
			sink(logstream.ErrorRecord(err.Error()))
			st.finish(nil, err)
			return
		}
		sink(logstream.Record{Type: logstream.TypeComplete, Project: result})
		st.finish(result, nil)
	}()

	return st, nil
}
