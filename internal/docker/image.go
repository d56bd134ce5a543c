package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/image"
)

// ImageInfo captures the daemon's view of an image.
type ImageInfo struct {
	ID       string
	RepoTags []string
}

// InspectImage resolves an image reference to its content identifier.
func (c *Client) InspectImage(ctx context.Context, ref string) (ImageInfo, error) {
	if strings.TrimSpace(ref) == "" {
		return ImageInfo{}, fmt.Errorf("image reference cannot be empty")
	}
	inspect, _, err := c.inner.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return ImageInfo{}, mapError(err)
	}
	return ImageInfo{ID: inspect.ID, RepoTags: inspect.RepoTags}, nil
}

// TagImage applies repo:tag to the source reference.
func (c *Client) TagImage(ctx context.Context, sourceRef, repo, tag string) error {
	if strings.TrimSpace(sourceRef) == "" {
		return fmt.Errorf("source reference cannot be empty")
	}
	target := fmt.Sprintf("%s:%s", repo, tag)
	if err := c.inner.ImageTag(ctx, sourceRef, target); err != nil {
		return mapError(err)
	}
	return nil
}

// RemoveImage deletes an image. A daemon conflict (image in use) surfaces as
// ErrConflict so callers can sweep referencing containers first.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	_, err := c.inner.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	if err != nil {
		return mapError(err)
	}
	return nil
}
