package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/model"
)

// wakeBytes precede the first frame so a sleeping radio resyncs its parser.
const wakeBytes = 32

// streamTransport speaks the framed FromRadio/ToRadio protocol over any
// byte stream. Serial and TCP differ only in how the stream is opened.
type streamTransport struct {
	name string
	op   string
	dial func(ctx context.Context) (io.ReadWriteCloser, error)
	log  logging.Logger

	writeMu sync.Mutex
	conn    io.ReadWriteCloser
	pump    *pump
	local   atomic.Uint32
	wg      sync.WaitGroup
}

func newStream(name, op string, pinned model.NodeNum, dial func(context.Context) (io.ReadWriteCloser, error), log logging.Logger) *streamTransport {
	t := &streamTransport{name: name, op: op, dial: dial, log: log, pump: newPump()}
	t.local.Store(uint32(pinned))
	return t
}

func (t *streamTransport) Connect(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return opError(t.name, t.op, err)
	}
	t.conn = conn

	wake := make([]byte, wakeBytes)
	for i := range wake {
		wake[i] = meshproto.StreamStart2
	}
	want := meshproto.ToRadio{WantConfigID: rand.Uint32()}
	if err := t.write(append(wake, mustFrame(want.Marshal())...)); err != nil {
		conn.Close()
		return opError(t.name, "want config", err)
	}

	t.wg.Add(1)
	go t.readLoop(meshproto.NewFrameReader(conn))
	t.log.Info(ctx, "radio stream connected")
	return nil
}

func (t *streamTransport) readLoop(fr *meshproto.FrameReader) {
	defer t.wg.Done()
	for {
		body, err := fr.Next()
		if err != nil {
			if !t.pump.closed() {
				t.pump.fail(opError(t.name, "read", err))
			}
			return
		}
		msg, err := meshproto.UnmarshalFromRadio(body)
		if err != nil {
			t.log.Debug(context.Background(), "skipping undecodable FromRadio", logging.Err(err))
			continue
		}
		if msg.HasMyInfo && msg.MyNodeNum != 0 {
			if t.local.Swap(msg.MyNodeNum) != msg.MyNodeNum {
				t.log.Info(context.Background(), "radio identified",
					logging.String("node", model.NodeNum(msg.MyNodeNum).ID()))
			}
		}
		if msg.Packet == nil {
			continue
		}
		if !t.pump.deliver(Frame{Kind: FramePacket, Packet: msg.Packet, ReceivedAt: time.Now().UTC()}) {
			return
		}
	}
}

func (t *streamTransport) Recv(ctx context.Context) (Frame, error) {
	return t.pump.recv(ctx)
}

func (t *streamTransport) Send(ctx context.Context, out Outbound) error {
	if t.pump.closed() || t.conn == nil {
		return ErrClosed
	}
	if out.Packet == nil || out.Packet.Decoded == nil {
		return errors.New("outbound packet has no decoded data")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	pkt := *out.Packet
	// The radio encrypts with its own channel table; index 0 is the primary channel.
	pkt.Channel = 0
	body := (&meshproto.ToRadio{Packet: &pkt}).Marshal()
	frame, err := meshproto.AppendFrame(nil, body)
	if err != nil {
		return err
	}
	if err := t.write(frame); err != nil {
		return opError(t.name, "write", err)
	}
	return nil
}

func (t *streamTransport) write(b []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.conn.Write(b)
	return err
}

func (t *streamTransport) LocalNode() model.NodeNum {
	return model.NodeNum(t.local.Load())
}

// Close unblocks the reader by closing the stream and waits for it to exit.
func (t *streamTransport) Close() error {
	t.pump.close()
	var err error
	if t.conn != nil {
		if werr := t.write(mustFrame((&meshproto.ToRadio{Disconnect: true}).Marshal())); werr != nil {
			t.log.Debug(context.Background(), "disconnect notice failed", logging.Err(werr))
		}
		err = t.conn.Close()
	}
	t.wg.Wait()
	if err != nil {
		return fmt.Errorf("close %s: %w", t.name, err)
	}
	return nil
}

func mustFrame(body []byte) []byte {
	frame, err := meshproto.AppendFrame(nil, body)
	if err != nil {
		panic(err)
	}
	return frame
}
