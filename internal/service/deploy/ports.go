package deploy

import (
	"github.com/docker/go-connections/nat"

	"github.com/dockyard-host/dockyard/internal/domain"
)

// portsFromNat snapshots the daemon's port bindings into the persisted form.
func portsFromNat(ports nat.PortMap) domain.PortMap {
	if len(ports) == 0 {
		return domain.PortMap{}
	}
	out := make(domain.PortMap, len(ports))
	for port, bindings := range ports {
		converted := make([]domain.PortBinding, 0, len(bindings))
		for _, b := range bindings {
			converted = append(converted, domain.PortBinding{
				HostIP:   b.HostIP,
				HostPort: b.HostPort,
			})
		}
		out[string(port)] = converted
	}
	return out
}
