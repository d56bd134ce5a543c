package domain

import "time"

// Project statuses. A project is created as StatusBuilding (or
// StatusDeploying for redeploys), moves to running or failed, then to
// stopped, and terminally to pruned. Redeploys never resurrect a row; they
// create a new one.
const (
	StatusBuilding  = "building"
	StatusDeploying = "deploying"
	StatusRunning   = "running"
	StatusStopped   = "stopped"
	StatusFailed    = "failed"
	StatusPruned    = "pruned"
)

// PortBinding is one host-side binding of a container port.
type PortBinding struct {
	HostIP   string `json:"host_ip"`
	HostPort string `json:"host_port"`
}

// PortMap snapshots the daemon's port assignments at container start,
// keyed by the container port spec ("5000/tcp").
type PortMap map[string][]PortBinding

// Project is a single deploy attempt of a team's repository.
type Project struct {
	ID                   string
	TeamID               string
	DeployedByID         *string
	GithubURL            string
	ImageHash            string
	Tag                  *string
	ContainerID          *string
	ContainerName        *string
	Status               string
	Ports                PortMap
	BuildLogs            string
	BuildArgs            map[string]string
	EnvVars              map[string]string
	DataFile             *string
	OriginalDataFileName *string
	DeployedAt           time.Time
	StoppedAt            *time.Time
	FailedCheckCount     int
	LastCheckedAt        *time.Time
}
