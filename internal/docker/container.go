package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
)

// BindMount describes a host file or directory mounted into a container.
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec carries everything CreateContainer needs.
type ContainerSpec struct {
	Name         string
	Image        string
	Cmd          []string
	Env          []string
	MemoryBytes  int64
	NetworkName  string
	NetworkAlias string
	Mounts       []BindMount
}

// ContainerInfo is the inspected state of a container.
type ContainerInfo struct {
	ID             string
	Name           string
	Image          string
	ImageID        string
	Running        bool
	CreatedAt      time.Time
	Ports          nat.PortMap
	NetworkAliases map[string][]string
}

// ContainerSummary is one row of a container listing.
type ContainerSummary struct {
	ID      string
	Names   []string
	Image   string
	ImageID string
	State   string
}

// LogsOptions configure a container log stream.
type LogsOptions struct {
	Follow     bool
	Tail       string
	Since      string
	Timestamps bool
}

// CreateContainer creates a container and returns its id. The container
// joins the requested network with the given DNS alias and never
// auto-removes, so the control plane can inspect it after exit.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image cannot be empty")
	}

	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Cmd,
		Env:   spec.Env,
	}
	hostCfg := &container.HostConfig{
		AutoRemove: false,
		Resources: container.Resources{
			Memory: spec.MemoryBytes,
		},
	}
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	var netCfg *network.NetworkingConfig
	if spec.NetworkName != "" {
		endpoint := &network.EndpointSettings{}
		if spec.NetworkAlias != "" {
			endpoint.Aliases = []string{spec.NetworkAlias}
		}
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.NetworkName: endpoint,
			},
		}
	}

	resp, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", mapError(err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.inner.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return mapError(err)
	}
	return nil
}

// StopContainer gracefully stops a container.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	if err := c.inner.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return mapError(err)
	}
	return nil
}

// KillContainer force-kills a container.
func (c *Client) KillContainer(ctx context.Context, id string) error {
	if err := c.inner.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		return mapError(err)
	}
	return nil
}

// RemoveContainer deletes a container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return mapError(err)
	}
	return nil
}

// InspectContainer returns the container's current state.
func (c *Client) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	inspect, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerInfo{}, mapError(err)
	}

	info := ContainerInfo{
		ID:      inspect.ID,
		Name:    strings.TrimPrefix(inspect.Name, "/"),
		ImageID: inspect.Image,
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
	}
	if inspect.State != nil {
		info.Running = inspect.State.Running
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = created
	}
	if inspect.NetworkSettings != nil {
		info.Ports = inspect.NetworkSettings.Ports
		if len(inspect.NetworkSettings.Networks) > 0 {
			info.NetworkAliases = make(map[string][]string, len(inspect.NetworkSettings.Networks))
			for name, endpoint := range inspect.NetworkSettings.Networks {
				if endpoint == nil {
					continue
				}
				info.NetworkAliases[name] = append([]string(nil), endpoint.Aliases...)
			}
		}
	}
	return info, nil
}

// ListContainers enumerates containers, optionally including stopped ones.
func (c *Client) ListContainers(ctx context.Context, includeStopped bool) ([]ContainerSummary, error) {
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: includeStopped})
	if err != nil {
		return nil, mapError(err)
	}
	summaries := make([]ContainerSummary, 0, len(list))
	for _, item := range list {
		summaries = append(summaries, ContainerSummary{
			ID:      item.ID,
			Names:   item.Names,
			Image:   item.Image,
			ImageID: item.ImageID,
			State:   item.State,
		})
	}
	return summaries, nil
}

// FindContainerByName locates a container whose name matches, tolerating the
// daemon's leading slash. Returns ErrNotFound when absent.
func (c *Client) FindContainerByName(ctx context.Context, name string) (ContainerSummary, error) {
	if strings.TrimSpace(name) == "" {
		return ContainerSummary{}, fmt.Errorf("container name cannot be empty")
	}
	list, err := c.ListContainers(ctx, true)
	if err != nil {
		return ContainerSummary{}, err
	}
	for _, item := range list {
		for _, candidate := range item.Names {
			if strings.TrimPrefix(candidate, "/") == strings.TrimPrefix(name, "/") {
				return item, nil
			}
		}
	}
	return ContainerSummary{}, ErrNotFound
}

// ContainerLogs opens the daemon's multiplexed log stream for a container.
// The caller owns the returned reader and must close it.
func (c *Client) ContainerLogs(ctx context.Context, id string, opts LogsOptions) (io.ReadCloser, error) {
	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       opts.Tail,
		Since:      opts.Since,
		Timestamps: opts.Timestamps,
	}
	reader, err := c.inner.ContainerLogs(ctx, id, logOpts)
	if err != nil {
		return nil, mapError(err)
	}
	return reader, nil
}
