package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/stridetastic/meshcore/internal/logging"
)

// Action names a lifecycle command.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionReload  Action = "reload"
)

// Command asks the supervisor to act on one interface. The result is sent
// on Reply when it is non-nil; Reply should be buffered.
type Command struct {
	Action      Action
	InterfaceID int64
	Reply       chan<- Result
}

// Dispatch executes one command synchronously.
func (s *Supervisor) Dispatch(ctx context.Context, cmd Command) Result {
	ctx, opID := logging.EnsureOperationID(ctx)
	log := s.log.With(
		logging.String("operation_id", opID),
		logging.String("action", string(cmd.Action)),
		logging.Int64("interface_id", cmd.InterfaceID),
	)
	ctx = logging.ContextWithLogger(ctx, log)

	var res Result
	switch cmd.Action {
	case ActionStart:
		res = s.Start(ctx, cmd.InterfaceID)
	case ActionStop:
		res = s.Stop(ctx, cmd.InterfaceID)
	case ActionRestart:
		res = s.Restart(ctx, cmd.InterfaceID)
	case ActionReload:
		res = s.Reload(ctx, cmd.InterfaceID)
	default:
		res = Result{Status: http.StatusBadRequest, Message: fmt.Sprintf("Unknown action %q", cmd.Action)}
	}
	log.Info(ctx, "command handled",
		logging.Bool("success", res.Success),
		logging.Int("status", res.Status),
		logging.String("message", res.Message),
	)
	return res
}

// Serve executes commands from cmds until ctx ends or cmds is closed. Each
// command runs on its own goroutine so a slow stop does not hold up other
// interfaces; commands for one interface are still exclusive. Serve waits
// for running commands before returning.
func (s *Supervisor) Serve(ctx context.Context, cmds <-chan Command) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func(cmd Command) {
				defer wg.Done()
				res := s.Dispatch(ctx, cmd)
				if cmd.Reply == nil {
					return
				}
				select {
				case cmd.Reply <- res:
				case <-ctx.Done():
				}
			}(cmd)
		}
	}
}
