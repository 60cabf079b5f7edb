package transport

import (
	"context"
	"fmt"
	"io"

	"go.bug.st/serial"

	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/model"
)

func newSerial(name string, cfg model.SerialConfig, log logging.Logger) (*streamTransport, error) {
	var pinned model.NodeNum
	if cfg.NodeID != "" {
		n, err := model.ParseNodeID(cfg.NodeID)
		if err != nil {
			return nil, &model.ConfigError{Field: "serial.node_id", Value: cfg.NodeID, Message: err.Error()}
		}
		pinned = n
	}
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
		}
		return port, nil
	}
	return newStream(name, "open serial", pinned, dial, log.With(logging.String("device", cfg.Port))), nil
}
