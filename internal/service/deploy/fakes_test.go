package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/dockyard-host/dockyard/internal/docker"
	"github.com/dockyard-host/dockyard/internal/domain"
	"github.com/dockyard-host/dockyard/internal/repository"
	"github.com/dockyard-host/dockyard/pkg/config"
)

type fakeProjects struct {
	mu    sync.Mutex
	items map[string]*domain.Project
}

func newFakeProjects() *fakeProjects {
	return &fakeProjects{items: make(map[string]*domain.Project)}
}

func (f *fakeProjects) put(p domain.Project) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := p
	f.items[p.ID] = &stored
}

func (f *fakeProjects) get(id string) domain.Project {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.items[id]
}

func (f *fakeProjects) CreateProject(_ context.Context, p *domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[p.ID]; ok {
		return repository.ErrConflict
	}
	stored := *p
	f.items[p.ID] = &stored
	return nil
}

func (f *fakeProjects) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (f *fakeProjects) GetProjectByContainerID(_ context.Context, containerID string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.items {
		if p.ContainerID != nil && *p.ContainerID == containerID {
			clone := *p
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeProjects) list(filter func(*domain.Project) bool) []domain.Project {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Project
	for _, p := range f.items {
		if filter(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeployedAt.After(out[j].DeployedAt) })
	return out
}

func (f *fakeProjects) ListTeamProjectsByStatus(_ context.Context, teamID, status string) ([]domain.Project, error) {
	return f.list(func(p *domain.Project) bool { return p.TeamID == teamID && p.Status == status }), nil
}

func (f *fakeProjects) ListTeamProjects(_ context.Context, teamID string) ([]domain.Project, error) {
	return f.list(func(p *domain.Project) bool { return p.TeamID == teamID }), nil
}

func (f *fakeProjects) ListProjectsByStatus(_ context.Context, status string) ([]domain.Project, error) {
	return f.list(func(p *domain.Project) bool { return p.Status == status }), nil
}

func (f *fakeProjects) ListPruneCandidates(context.Context) ([]domain.Project, error) {
	return f.list(func(p *domain.Project) bool {
		return p.Status != domain.StatusRunning && p.Status != domain.StatusPruned && p.Tag == nil
	}), nil
}

func (f *fakeProjects) ListTaggedProjects(context.Context) ([]domain.Project, error) {
	return f.list(func(p *domain.Project) bool {
		return p.Tag != nil && p.Status != domain.StatusPruned
	}), nil
}

func (f *fakeProjects) ListOfferingProjectsByTag(context.Context, string, string) ([]domain.Project, error) {
	return nil, nil
}

func (f *fakeProjects) UpdateProject(_ context.Context, id string, patch repository.ProjectPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	applyPatch(p, patch)
	return nil
}

func applyPatch(p *domain.Project, patch repository.ProjectPatch) {
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.ImageHash != nil {
		p.ImageHash = *patch.ImageHash
	}
	if patch.BuildLogs != nil {
		p.BuildLogs = *patch.BuildLogs
	}
	if patch.Ports != nil {
		p.Ports = patch.Ports
	}
	if patch.Tag.Set {
		p.Tag = patch.Tag.Value
	}
	if patch.ContainerID.Set {
		p.ContainerID = patch.ContainerID.Value
	}
	if patch.ContainerName.Set {
		p.ContainerName = patch.ContainerName.Value
	}
	if patch.DataFile.Set {
		p.DataFile = patch.DataFile.Value
	}
	if patch.DeployedAt != nil {
		p.DeployedAt = *patch.DeployedAt
	}
	if patch.StoppedAt.Set {
		p.StoppedAt = patch.StoppedAt.Value
	}
	if patch.FailedCheckCount != nil {
		p.FailedCheckCount = *patch.FailedCheckCount
	}
	if patch.LastCheckedAt.Set {
		p.LastCheckedAt = patch.LastCheckedAt.Value
	}
	if patch.TeamID != nil {
		p.TeamID = *patch.TeamID
	}
	if patch.DeployedByID.Set {
		p.DeployedByID = patch.DeployedByID.Value
	}
	if patch.GithubURL != nil {
		p.GithubURL = *patch.GithubURL
	}
}

type fakeTeams struct {
	items map[string]domain.Team
}

func (f fakeTeams) GetTeamByID(_ context.Context, teamID string) (*domain.Team, error) {
	team, ok := f.items[teamID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &team, nil
}

func (f fakeTeams) ListTeamsByOffering(_ context.Context, offeringID string) ([]domain.Team, error) {
	var out []domain.Team
	for _, team := range f.items {
		if team.OfferingID == offeringID {
			out = append(out, team)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type fakeOfferings struct {
	items map[string]*domain.CourseOffering
}

func (f fakeOfferings) GetOfferingByID(_ context.Context, id string) (*domain.CourseOffering, error) {
	offering, ok := f.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *offering
	return &clone, nil
}

func (f fakeOfferings) UpdateOfferingSettings(_ context.Context, id string, settings domain.OfferingSettings) error {
	offering, ok := f.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	offering.Settings = settings
	return nil
}

type fakeAuthz struct {
	admins      map[string]bool
	instructors map[string]bool
	members     map[string]bool
}

func (f fakeAuthz) IsAdmin(_ context.Context, userID string) (bool, error) {
	return f.admins[userID], nil
}

func (f fakeAuthz) IsInstructor(_ context.Context, userID, _ string) (bool, error) {
	return f.instructors[userID], nil
}

func (f fakeAuthz) IsMember(_ context.Context, userID, _ string) (bool, error) {
	return f.members[userID], nil
}

type fakeContainer struct {
	id      string
	name    string
	image   string
	running bool
	spec    docker.ContainerSpec
	created time.Time
}

type fakeDaemon struct {
	mu sync.Mutex

	buildEvents []docker.BuildEvent
	buildFails  bool
	builtTags   []string
	builtArgs   map[string]*string

	images     map[string]docker.ImageInfo
	containers map[string]*fakeContainer
	networks   map[string]bool

	networkCreates int
	killed         []string
	removed        []string
	nextID         int
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		images:     make(map[string]docker.ImageInfo),
		containers: make(map[string]*fakeContainer),
		networks:   make(map[string]bool),
	}
}

func (d *fakeDaemon) addImage(ref, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info := docker.ImageInfo{ID: id, RepoTags: []string{ref}}
	d.images[ref] = info
	d.images[id] = info
}

func (d *fakeDaemon) addContainer(id, name, image string, running bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.containers[id] = &fakeContainer{id: id, name: name, image: image, running: running}
}

func (d *fakeDaemon) BuildImage(_ context.Context, _, tag string, buildArgs map[string]*string) (<-chan docker.BuildEvent, error) {
	d.mu.Lock()
	d.builtTags = append(d.builtTags, tag)
	d.builtArgs = buildArgs
	events := append([]docker.BuildEvent(nil), d.buildEvents...)
	failed := d.buildFails
	d.mu.Unlock()

	ch := make(chan docker.BuildEvent)
	go func() {
		defer close(ch)
		for _, e := range events {
			ch <- e
		}
		if !failed {
			d.addImage(tag, "sha256:"+tag+"-digest")
		}
	}()
	return ch, nil
}

func (d *fakeDaemon) InspectImage(_ context.Context, ref string) (docker.ImageInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.images[ref]
	if !ok {
		return docker.ImageInfo{}, docker.ErrNotFound
	}
	return info, nil
}

func (d *fakeDaemon) TagImage(_ context.Context, sourceRef, repo, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.images[sourceRef]
	if !ok {
		return docker.ErrNotFound
	}
	d.images[repo+":"+tag] = info
	return nil
}

func (d *fakeDaemon) RemoveImage(_ context.Context, ref string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.images[ref]; !ok {
		return docker.ErrNotFound
	}
	delete(d.images, ref)
	return nil
}

func (d *fakeDaemon) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.containers {
		if c.name == spec.Name {
			return "", docker.ErrConflict
		}
	}
	d.nextID++
	id := fmt.Sprintf("ctr-%d", d.nextID)
	d.containers[id] = &fakeContainer{
		id:    id,
		name:  spec.Name,
		image: spec.Image,
		spec:  spec,
	}
	return id, nil
}

func (d *fakeDaemon) StartContainer(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	if !ok {
		return docker.ErrNotFound
	}
	c.running = true
	return nil
}

func (d *fakeDaemon) StopContainer(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	if !ok {
		return docker.ErrNotFound
	}
	c.running = false
	return nil
}

func (d *fakeDaemon) KillContainer(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	if !ok {
		return docker.ErrNotFound
	}
	if !c.running {
		return docker.ErrNotRunning
	}
	c.running = false
	d.killed = append(d.killed, id)
	return nil
}

func (d *fakeDaemon) RemoveContainer(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.containers[id]; !ok {
		return docker.ErrNotFound
	}
	delete(d.containers, id)
	d.removed = append(d.removed, id)
	return nil
}

func (d *fakeDaemon) InspectContainer(_ context.Context, id string) (docker.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	if !ok {
		return docker.ContainerInfo{}, docker.ErrNotFound
	}
	info := docker.ContainerInfo{
		ID:        c.id,
		Name:      c.name,
		Image:     c.image,
		ImageID:   c.image,
		Running:   c.running,
		CreatedAt: c.created,
		Ports: nat.PortMap{
			"5000/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "49153"}},
		},
	}
	if c.spec.NetworkName != "" {
		info.NetworkAliases = map[string][]string{
			c.spec.NetworkName: {c.spec.NetworkAlias},
		}
	}
	return info, nil
}

func (d *fakeDaemon) ListContainers(context.Context, bool) ([]docker.ContainerSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []docker.ContainerSummary
	for _, c := range d.containers {
		out = append(out, docker.ContainerSummary{
			ID:      c.id,
			Names:   []string{"/" + c.name},
			Image:   c.image,
			ImageID: c.image,
		})
	}
	return out, nil
}

func (d *fakeDaemon) FindContainerByName(_ context.Context, name string) (docker.ContainerSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.containers {
		if c.name == name {
			return docker.ContainerSummary{ID: c.id, Names: []string{"/" + c.name}, Image: c.image, ImageID: c.image}, nil
		}
	}
	return docker.ContainerSummary{}, docker.ErrNotFound
}

func (d *fakeDaemon) NetworkInspect(_ context.Context, name string) (docker.NetworkInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.networks[name] {
		return docker.NetworkInfo{}, docker.ErrNotFound
	}
	info := docker.NetworkInfo{ID: "net-" + name, Name: name}
	for id := range d.containers {
		info.ContainerIDs = append(info.ContainerIDs, id)
	}
	return info, nil
}

func (d *fakeDaemon) NetworkCreate(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.networkCreates++
	if d.networks[name] {
		return docker.ErrConflict
	}
	d.networks[name] = true
	return nil
}

func (d *fakeDaemon) containerByName(name string) *fakeContainer {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.containers {
		if c.name == name {
			return c
		}
	}
	return nil
}

type serviceOption func(*Service)

func newTestService(t *testing.T, opts ...serviceOption) (Service, *fakeProjects, *fakeDaemon) {
	t.Helper()
	projects := newFakeProjects()
	daemon := newFakeDaemon()
	teams := fakeTeams{items: map[string]domain.Team{
		"team-7": {ID: "team-7", OfferingID: "offering-10", Name: "Team A"},
	}}
	offerings := fakeOfferings{items: map[string]*domain.CourseOffering{
		"offering-10": {ID: "offering-10", Name: "CS 3733"},
	}}
	oracle := fakeAuthz{
		admins:      map[string]bool{"admin-1": true},
		instructors: map[string]bool{"instructor-1": true},
		members:     map[string]bool{"member-1": true},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cfg := config.ServerConfig{
		ProjectsNetwork:  "projects_network",
		DataMountPath:    "/var/www",
		ContainerDataDir: "/app/data/project-data-files",
		CloneRoot:        t.TempDir(),
		MemoryLimitMB:    800,
	}

	svc := New(projects, teams, offerings, daemon, oracle, logger, cfg)
	svc.clone = func(context.Context, string, string) error { return nil }
	svc.stat = func(string) (os.FileInfo, error) { return nil, nil }
	base := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	var tick int64
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	var seq int
	svc.newID = func() string {
		seq++
		return fmt.Sprintf("project-%d", seq)
	}
	for _, opt := range opts {
		opt(&svc)
	}
	return svc, projects, daemon
}

func strPtr(s string) *string { return &s }
