package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// InterfaceHealth is the health of one interface as seen over the wire.
type InterfaceHealth struct {
	Name   string
	Status string
}

// CheckInterfaces queries the health of each named interface. An interface
// the server has never tracked reports SERVICE_UNKNOWN.
func CheckInterfaces(ctx context.Context, cc grpc.ClientConnInterface, names []string) ([]InterfaceHealth, error) {
	client := healthpb.NewHealthClient(cc)
	out := make([]InterfaceHealth, 0, len(names))
	for _, name := range names {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName(name)})
		switch {
		case status.Code(err) == codes.NotFound:
			out = append(out, InterfaceHealth{Name: name, Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN.String()})
		case err != nil:
			return nil, fmt.Errorf("check %s: %w", name, err)
		default:
			out = append(out, InterfaceHealth{Name: name, Status: resp.GetStatus().String()})
		}
	}
	return out, nil
}
