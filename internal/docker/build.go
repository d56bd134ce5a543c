package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
)

// BuildEvent is one message from the daemon's image build stream. Exactly one
// of Stream, Status, or Error is meaningful; Progress accompanies Status.
type BuildEvent struct {
	Stream   string
	Status   string
	Progress string
	Error    string
}

// Render formats the event the way it is accumulated into build logs.
func (e BuildEvent) Render() string {
	switch {
	case e.Error != "":
		return "ERROR: " + e.Error
	case e.Stream != "":
		return e.Stream
	case e.Status != "":
		if e.Progress != "" {
			return e.Status + " " + e.Progress
		}
		return e.Status
	}
	return ""
}

// BuildImage builds an image from dir using the default Dockerfile and
// returns the live event stream. The channel is closed when the build ends;
// a final event with Error set means the build failed.
func (c *Client) BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string) (<-chan BuildEvent, error) {
	if c.inner == nil {
		return nil, fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return nil, fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return nil, fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return nil, fmt.Errorf("create build context: %w", err)
	}

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   buildArgs,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		buildCtx.Close()
		return nil, fmt.Errorf("docker image build: %w", err)
	}

	events := make(chan BuildEvent)
	go func() {
		defer close(events)
		defer buildCtx.Close()
		defer resp.Body.Close()

		decoder := json.NewDecoder(resp.Body)
		for {
			var msg imageBuildMessage
			if err := decoder.Decode(&msg); err != nil {
				if err == io.EOF {
					return
				}
				events <- BuildEvent{Error: fmt.Sprintf("decode build output: %v", err)}
				return
			}
			if errMsg := msg.errorMessage(); errMsg != "" {
				events <- BuildEvent{Error: errMsg}
				return
			}
			event := msg.event()
			if event == (BuildEvent{}) {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

type imageBuildMessage struct {
	Stream         string                `json:"stream"`
	Status         string                `json:"status"`
	ID             string                `json:"id"`
	Progress       string                `json:"progress"`
	ProgressDetail progressDetail        `json:"progressDetail"`
	Error          string                `json:"error"`
	ErrorDetail    imageBuildErrorDetail `json:"errorDetail"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type imageBuildErrorDetail struct {
	Message string `json:"message"`
}

func (m imageBuildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	if strings.TrimSpace(m.ErrorDetail.Message) != "" {
		return strings.TrimSpace(m.ErrorDetail.Message)
	}
	return ""
}

func (m imageBuildMessage) event() BuildEvent {
	if m.Stream != "" {
		return BuildEvent{Stream: m.Stream}
	}
	if m.Status != "" {
		status := strings.TrimSpace(m.Status)
		if id := strings.TrimSpace(m.ID); id != "" {
			status = id + " " + status
		}
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && (m.ProgressDetail.Current > 0 || m.ProgressDetail.Total > 0) {
			if m.ProgressDetail.Total > 0 {
				progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
			} else {
				progress = fmt.Sprintf("%d", m.ProgressDetail.Current)
			}
		}
		return BuildEvent{Status: status, Progress: progress}
	}
	return BuildEvent{}
}
