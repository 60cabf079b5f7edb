package publisher

import "github.com/stridetastic/meshcore/internal/supervisor"

// FromSupervisor resolves gateways among the supervisor's RUNNING runtimes.
func FromSupervisor(sup *supervisor.Supervisor) GatewayResolver {
	return GatewayFunc(func(bound *int64) (Gateway, error) {
		rt, err := sup.Gateway(bound)
		if err != nil {
			return nil, err
		}
		return rt, nil
	})
}
