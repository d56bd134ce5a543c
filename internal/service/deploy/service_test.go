package deploy

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dockyard-host/dockyard/internal/docker"
	"github.com/dockyard-host/dockyard/internal/domain"
	"github.com/dockyard-host/dockyard/internal/repository"
)

func TestDeployCleanPath(t *testing.T) {
	svc, projects, daemon := newTestService(t)
	daemon.buildEvents = []docker.BuildEvent{
		{Stream: "Step 1/3 : FROM python:3.11\n"},
		{Status: "Downloading", Progress: "10/100"},
	}

	project, err := svc.Deploy(context.Background(), Input{
		TeamID:     "team-7",
		GithubURL:  "https://github.com/u/r",
		DeployedBy: "member-1",
	})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}

	if project.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s", project.Status)
	}
	if project.ImageHash == "" {
		t.Fatal("expected image hash to be resolved")
	}
	if project.ContainerName == nil || *project.ContainerName != "team-a" {
		t.Fatalf("expected container name team-a, got %v", project.ContainerName)
	}
	if project.ContainerID == nil {
		t.Fatal("expected container id")
	}

	stored := projects.get(project.ID)
	if stored.Status != domain.StatusRunning {
		t.Fatalf("expected persisted running, got %s", stored.Status)
	}
	if stored.BuildLogs == "" {
		t.Fatal("expected build logs persisted")
	}
	if len(stored.Ports) == 0 {
		t.Fatal("expected port snapshot persisted")
	}

	if !daemon.networks["projects_network"] {
		t.Fatal("expected shared network to be created")
	}
	container := daemon.containerByName("team-a")
	if container == nil {
		t.Fatal("expected container team-a to exist")
	}
	if !container.running {
		t.Fatal("expected container to be running")
	}
	if container.spec.NetworkAlias != "team-a" {
		t.Fatalf("expected alias team-a, got %q", container.spec.NetworkAlias)
	}
	if container.spec.Image != project.ImageHash {
		t.Fatalf("container must run the resolved hash, got %q", container.spec.Image)
	}
	if container.spec.MemoryBytes != 800*1024*1024 {
		t.Fatalf("expected memory cap, got %d", container.spec.MemoryBytes)
	}
}

func TestDeployPreemptsRunningSibling(t *testing.T) {
	svc, projects, daemon := newTestService(t)
	daemon.addContainer("ctr-old", "team-a", "sha256:old", true)
	projects.put(domain.Project{
		ID:          "p1",
		TeamID:      "team-7",
		Status:      domain.StatusRunning,
		ImageHash:   "sha256:old",
		ContainerID: strPtr("ctr-old"),
		DeployedAt:  time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
	})

	project, err := svc.Deploy(context.Background(), Input{
		TeamID:     "team-7",
		GithubURL:  "https://github.com/u/r",
		DeployedBy: "member-1",
	})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}

	prior := projects.get("p1")
	if prior.Status != domain.StatusStopped {
		t.Fatalf("expected prior project stopped, got %s", prior.Status)
	}
	if prior.StoppedAt == nil {
		t.Fatal("expected stoppedAt set on preempted project")
	}
	if prior.FailedCheckCount != 0 || prior.LastCheckedAt != nil {
		t.Fatal("expected reconciler counters reset")
	}

	running, _ := projects.ListTeamProjectsByStatus(context.Background(), "team-7", domain.StatusRunning)
	if len(running) != 1 || running[0].ID != project.ID {
		t.Fatalf("expected exactly the new project running, got %d", len(running))
	}
}

func TestDeployUnknownTeam(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Deploy(context.Background(), Input{TeamID: "missing", GithubURL: "https://github.com/u/r"})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeployServerLocked(t *testing.T) {
	locked := func(s *Service) {
		offerings := s.offerings.(fakeOfferings)
		offerings.items["offering-10"].Settings.ServerLocked = true
	}

	svc, _, _ := newTestService(t, locked)
	_, err := svc.Deploy(context.Background(), Input{TeamID: "team-7", GithubURL: "https://github.com/u/r", DeployedBy: "member-1"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for member, got %v", err)
	}

	svc, _, _ = newTestService(t, locked)
	if _, err := svc.Deploy(context.Background(), Input{TeamID: "team-7", GithubURL: "https://github.com/u/r", DeployedBy: "instructor-1"}); err != nil {
		t.Fatalf("expected instructor deploy to pass the lock, got %v", err)
	}
}

func TestDeployBuildFailure(t *testing.T) {
	svc, projects, daemon := newTestService(t)
	daemon.buildEvents = []docker.BuildEvent{
		{Stream: "Step 1/3 : FROM python:3.11\n"},
		{Error: "no such base image"},
	}
	daemon.buildFails = true

	_, err := svc.Deploy(context.Background(), Input{
		TeamID:     "team-7",
		GithubURL:  "https://github.com/u/r",
		DeployedBy: "member-1",
	})

	var buildErr *BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("expected BuildError, got %v", err)
	}
	if buildErr.Message != "no such base image" {
		t.Fatalf("unexpected message %q", buildErr.Message)
	}

	all, _ := projects.ListTeamProjects(context.Background(), "team-7")
	if len(all) != 1 {
		t.Fatalf("expected one project, got %d", len(all))
	}
	if all[0].Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", all[0].Status)
	}
	if all[0].BuildLogs == "" || !strings.Contains(all[0].BuildLogs, "ERROR: no such base image") {
		t.Fatalf("expected accumulated logs with error line, got %q", all[0].BuildLogs)
	}
}

func TestDeployPersistsDataFileAndEnv(t *testing.T) {
	svc, _, daemon := newTestService(t)

	project, err := svc.Deploy(context.Background(), Input{
		TeamID:           "team-7",
		GithubURL:        "https://github.com/u/r",
		DeployedBy:       "member-1",
		EnvVars:          map[string]string{"FLASK_ENV": "production"},
		BuildArgs:        map[string]string{"PYTHON": "3.11"},
		DataFilePath:     "/app/data/project-data-files/abc123.json",
		OriginalFileName: "inventory.json",
	})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if project.DataFile == nil || project.OriginalDataFileName == nil {
		t.Fatal("expected data file captured")
	}

	container := daemon.containerByName("team-a")
	if len(container.spec.Mounts) != 1 {
		t.Fatalf("expected one mount, got %d", len(container.spec.Mounts))
	}
	mount := container.spec.Mounts[0]
	if mount.Target != "/var/www/inventory.json" {
		t.Fatalf("unexpected mount target %q", mount.Target)
	}
	if !mount.ReadOnly {
		t.Fatal("expected read-only mount")
	}
	if !containsString(container.spec.Env, "FLASK_ENV=production") {
		t.Fatalf("expected env passthrough, got %v", container.spec.Env)
	}
	if daemon.builtArgs["PYTHON"] == nil || *daemon.builtArgs["PYTHON"] != "3.11" {
		t.Fatal("expected build args forwarded to the daemon")
	}
}

func TestRedeployReusesImageAndTag(t *testing.T) {
	svc, projects, daemon := newTestService(t)
	daemon.addImage("sha256:prior", "sha256:prior")
	projects.put(domain.Project{
		ID:         "src",
		TeamID:     "team-7",
		GithubURL:  "https://github.com/u/r",
		ImageHash:  "sha256:prior",
		Tag:        strPtr("v1"),
		Status:     domain.StatusStopped,
		EnvVars:    map[string]string{"A": "1"},
		BuildArgs:  map[string]string{},
		DeployedAt: time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
	})

	project, err := svc.Redeploy(context.Background(), "src", "member-1")
	if err != nil {
		t.Fatalf("Redeploy returned error: %v", err)
	}
	if project.ID == "src" {
		t.Fatal("redeploy must create a new project")
	}
	if project.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s", project.Status)
	}
	if project.ImageHash != "sha256:prior" {
		t.Fatalf("expected reused image hash, got %q", project.ImageHash)
	}
	if project.Tag == nil || *project.Tag != "v1" {
		t.Fatal("expected tag copied")
	}
	if len(daemon.builtTags) != 0 {
		t.Fatal("redeploy must not build")
	}
	container := daemon.containerByName("team-a")
	if container.spec.Image != "sha256:prior" {
		t.Fatalf("container must run the stored hash, got %q", container.spec.Image)
	}
}

func TestRedeployImageGone(t *testing.T) {
	svc, projects, _ := newTestService(t)
	projects.put(domain.Project{
		ID:        "src",
		TeamID:    "team-7",
		ImageHash: "sha256:gone",
		Status:    domain.StatusStopped,
	})

	_, err := svc.Redeploy(context.Background(), "src", "member-1")
	if !errors.Is(err, docker.ErrNotFound) {
		t.Fatalf("expected docker.ErrNotFound, got %v", err)
	}
}

func TestRedeployDataFileGone(t *testing.T) {
	svc, projects, daemon := newTestService(t)
	daemon.addImage("sha256:prior", "sha256:prior")
	svc.stat = func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }
	projects.put(domain.Project{
		ID:        "src",
		TeamID:    "team-7",
		ImageHash: "sha256:prior",
		DataFile:  strPtr("/app/data/project-data-files/abc.json"),
		Status:    domain.StatusStopped,
	})

	_, err := svc.Redeploy(context.Background(), "src", "member-1")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected repository.ErrNotFound, got %v", err)
	}
}

func TestStopPermissions(t *testing.T) {
	cases := []struct {
		name    string
		caller  string
		locked  bool
		wantErr bool
	}{
		{"admin always", "admin-1", true, false},
		{"instructor when locked", "instructor-1", true, false},
		{"member when locked", "member-1", true, true},
		{"member when unlocked", "member-1", false, false},
		{"instructor when unlocked", "instructor-1", false, false},
		{"stranger", "someone-else", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, projects, daemon := newTestService(t, func(s *Service) {
				offerings := s.offerings.(fakeOfferings)
				offerings.items["offering-10"].Settings.ServerLocked = tc.locked
			})
			daemon.addContainer("ctr-1", "team-a", "sha256:x", true)
			projects.put(domain.Project{
				ID:          "p1",
				TeamID:      "team-7",
				Status:      domain.StatusRunning,
				ContainerID: strPtr("ctr-1"),
			})

			_, err := svc.Stop(context.Background(), "p1", tc.caller)
			if tc.wantErr {
				if !errors.Is(err, ErrForbidden) {
					t.Fatalf("expected ErrForbidden, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Stop returned error: %v", err)
			}
			stored := projects.get("p1")
			if stored.Status != domain.StatusStopped || stored.StoppedAt == nil {
				t.Fatalf("expected stopped with timestamp, got %s", stored.Status)
			}
		})
	}
}

func TestStopMissingContainerIsBenign(t *testing.T) {
	svc, projects, _ := newTestService(t)
	projects.put(domain.Project{
		ID:          "p1",
		TeamID:      "team-7",
		Status:      domain.StatusRunning,
		ContainerID: strPtr("ctr-gone"),
	})

	project, err := svc.Stop(context.Background(), "p1", "admin-1")
	if err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if project.Status != domain.StatusStopped {
		t.Fatalf("expected stopped, got %s", project.Status)
	}
}

func TestStopWithoutContainer(t *testing.T) {
	svc, projects, _ := newTestService(t)
	projects.put(domain.Project{ID: "p1", TeamID: "team-7", Status: domain.StatusFailed})

	_, err := svc.Stop(context.Background(), "p1", "admin-1")
	if !errors.Is(err, ErrNoContainer) {
		t.Fatalf("expected ErrNoContainer, got %v", err)
	}
}

func TestDeployLegacyTwoContainer(t *testing.T) {
	svc, _, daemon := newTestService(t)

	project, err := svc.DeployLegacyTwoContainer(context.Background(), Input{
		TeamID:     "team-7",
		GithubURL:  "https://github.com/u/r",
		DeployedBy: "member-1",
	}, "sql")
	if err != nil {
		t.Fatalf("DeployLegacyTwoContainer returned error: %v", err)
	}

	app := daemon.containerByName("team-a")
	db := daemon.containerByName("team-a-db")
	if app == nil || db == nil {
		t.Fatal("expected application and sidecar containers")
	}
	if !db.running {
		t.Fatal("expected sidecar running")
	}
	if db.spec.NetworkAlias != "team-a-db" {
		t.Fatalf("expected sidecar alias team-a-db, got %q", db.spec.NetworkAlias)
	}
	if !containsString(app.spec.Env, "DB_NAME=team-a-db") {
		t.Fatalf("expected DB_NAME env, got %v", app.spec.Env)
	}
	if len(app.spec.Cmd) == 0 || app.spec.Cmd[0] != "flask" {
		t.Fatalf("expected forced flask command, got %v", app.spec.Cmd)
	}
	if project.ContainerID == nil || *project.ContainerID != app.id {
		t.Fatal("project row must reference the application container")
	}
}

func TestDeployLegacyUnknownVariant(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.DeployLegacyTwoContainer(context.Background(), Input{TeamID: "team-7", GithubURL: "x", DeployedBy: "member-1"}, "mongo")
	if !errors.Is(err, ErrBadVariant) {
		t.Fatalf("expected ErrBadVariant, got %v", err)
	}
}

func TestEnsureNetworkIdempotent(t *testing.T) {
	svc, _, daemon := newTestService(t)

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			done <- svc.EnsureNetwork(context.Background())
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Fatalf("EnsureNetwork returned error: %v", err)
		}
	}
	if !daemon.networks["projects_network"] {
		t.Fatal("expected network to exist")
	}
}

func containsString(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
