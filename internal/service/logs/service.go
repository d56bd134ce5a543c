package logs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/dockyard-host/dockyard/internal/docker"
	"github.com/dockyard-host/dockyard/internal/logstream"
	"github.com/dockyard-host/dockyard/internal/repository"
)

// Sentinel errors surfaced to the facade.
var (
	// ErrNoContainer means the project has no container whose logs could be
	// streamed.
	ErrNoContainer = errors.New("logs: project has no container")
	// ErrBadTail means the requested tail is out of range.
	ErrBadTail = errors.New("logs: tail out of range")
)

const (
	defaultTail = 100
	maxTail     = 10_000
)

// Sink receives outbound stream records.
type Sink interface {
	Send(logstream.Record) error
}

// LogSource is the slice of the daemon adapter the log transport uses.
type LogSource interface {
	ContainerLogs(ctx context.Context, id string, opts docker.LogsOptions) (io.ReadCloser, error)
}

// Service adapts daemon log streams onto client-consumable event streams.
type Service struct {
	projects repository.ProjectRepository
	daemon   LogSource
	logger   *slog.Logger

	now func() time.Time
}

// New constructs the log transport service.
func New(projects repository.ProjectRepository, daemon LogSource, logger *slog.Logger) Service {
	return Service{projects: projects, daemon: daemon, logger: logger, now: time.Now}
}

// RuntimeOptions configure a runtime log stream.
type RuntimeOptions struct {
	Tail       int
	Since      string
	Timestamps bool
}

// StreamRuntimeLogs follows a project's container logs, demultiplexing the
// daemon framing into tagged records, until EOF, upstream error, or consumer
// disconnect. Disconnect tears down the daemon stream.
func (s Service) StreamRuntimeLogs(ctx context.Context, projectID string, opts RuntimeOptions, sink Sink) error {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	if project.ContainerID == nil {
		return ErrNoContainer
	}
	tail := opts.Tail
	if tail == 0 {
		tail = defaultTail
	}
	if tail < 0 || tail > maxTail {
		return fmt.Errorf("%w: %d", ErrBadTail, tail)
	}

	stream, err := s.daemon.ContainerLogs(ctx, *project.ContainerID, docker.LogsOptions{
		Follow:     true,
		Tail:       strconv.Itoa(tail),
		Since:      opts.Since,
		Timestamps: opts.Timestamps,
	})
	if err != nil {
		return err
	}
	// A cancelled consumer unblocks the reader so no goroutine leaks behind
	// a dead connection.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		stream.Close()
	}()

	copyErr := logstream.Copy(ctx, stream, func(frame logstream.Frame) error {
		return sink.Send(logstream.RuntimeLogRecord(frame.Stream, string(frame.Payload), s.now()))
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if copyErr != nil {
		_ = sink.Send(logstream.ErrorRecord(copyErr.Error()))
		return copyErr
	}
	return sink.Send(logstream.Record{Type: logstream.TypeEnd})
}

// StreamBuildLogs replays a project's stored build output as an event
// stream framed by start and complete records.
func (s Service) StreamBuildLogs(ctx context.Context, projectID string, sink Sink) error {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	if err := sink.Send(logstream.Record{Type: logstream.TypeStart, Project: project}); err != nil {
		return err
	}
	for _, line := range strings.Split(project.BuildLogs, "\n") {
		if line == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.Send(logstream.LogRecord(line)); err != nil {
			return err
		}
	}
	return sink.Send(logstream.Record{Type: logstream.TypeComplete, Project: project})
}
