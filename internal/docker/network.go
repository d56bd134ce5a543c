package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/network"
)

// NetworkInfo is the daemon's view of a network and its attachments.
type NetworkInfo struct {
	ID           string
	Name         string
	ContainerIDs []string
}

// NetworkInspect looks up a network by name.
func (c *Client) NetworkInspect(ctx context.Context, name string) (NetworkInfo, error) {
	if strings.TrimSpace(name) == "" {
		return NetworkInfo{}, fmt.Errorf("network name cannot be empty")
	}
	resource, err := c.inner.NetworkInspect(ctx, name, types.NetworkInspectOptions{})
	if err != nil {
		return NetworkInfo{}, mapError(err)
	}
	info := NetworkInfo{ID: resource.ID, Name: resource.Name}
	for id := range resource.Containers {
		info.ContainerIDs = append(info.ContainerIDs, id)
	}
	return info, nil
}

// NetworkCreate creates an attachable bridge network. A name collision with a
// concurrent create surfaces as ErrConflict, which callers treat as success.
func (c *Client) NetworkCreate(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("network name cannot be empty")
	}
	_, err := c.inner.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver:     "bridge",
		Attachable: true,
		Internal:   false,
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

// NetworkConnect attaches a container to the network under the given aliases.
func (c *Client) NetworkConnect(ctx context.Context, name, containerID string, aliases []string) error {
	endpoint := &network.EndpointSettings{Aliases: aliases}
	if err := c.inner.NetworkConnect(ctx, name, containerID, endpoint); err != nil {
		return mapError(err)
	}
	return nil
}

// NetworkDisconnect detaches a container from the network.
func (c *Client) NetworkDisconnect(ctx context.Context, name, containerID string, force bool) error {
	if err := c.inner.NetworkDisconnect(ctx, name, containerID, force); err != nil {
		return mapError(err)
	}
	return nil
}

// NetworkAliases enumerates, per connected container, the DNS aliases bound
// on the network. The daemon's network inspect does not carry aliases, so
// each attachment is inspected individually.
func (c *Client) NetworkAliases(ctx context.Context, name string) (map[string][]string, error) {
	info, err := c.NetworkInspect(ctx, name)
	if err != nil {
		return nil, err
	}
	aliases := make(map[string][]string, len(info.ContainerIDs))
	for _, id := range info.ContainerIDs {
		container, err := c.InspectContainer(ctx, id)
		if err != nil {
			// Attachment raced with removal.
			continue
		}
		aliases[id] = container.NetworkAliases[name]
	}
	return aliases, nil
}
