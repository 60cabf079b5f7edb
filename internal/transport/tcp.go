package transport

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/model"
)

const tcpDialTimeout = 10 * time.Second

func newTCP(name string, cfg model.TCPConfig, log logging.Logger) *streamTransport {
	addr := net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.Port))
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: tcpDialTimeout, KeepAlive: 30 * time.Second}
		return d.DialContext(ctx, "tcp", addr)
	}
	return newStream(name, "dial", 0, dial, log.With(logging.String("addr", addr)))
}
