package supervisor

import (
	"net/http"

	"github.com/stridetastic/meshcore/internal/store"
)

// Messages reported to control callers.
const (
	MsgNotFound       = "Interface not found"
	MsgNotEnabled     = "Interface is not enabled"
	MsgLoadFailed     = "Failed to load interface runtime"
	MsgAlreadyRunning = "Interface is already running"
	MsgAlreadyStopped = "Interface is already stopped"
	MsgInProgress     = "Operation already in progress"
	MsgStarted        = "Interface started"
	MsgStopped        = "Interface stopped"
	MsgRestarted      = "Interface restarted"
	MsgReloaded       = "Interface reloaded"
)

// Result is the outcome of a lifecycle action: a success flag, an HTTP-style
// status code (200, 400 or 404) and a human-readable message. Err carries
// the underlying cause for errors.Is checks and is not part of the wire
// contract.
type Result struct {
	Success bool   `json:"success"`
	Status  int    `json:"status"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func accepted(msg string) Result {
	return Result{Success: true, Status: http.StatusOK, Message: msg}
}

func preconditionFailed(msg string, err error) Result {
	return Result{Status: http.StatusBadRequest, Message: msg, Err: err}
}

func notFound(err error) Result {
	if err == nil {
		err = store.ErrNotFound
	}
	return Result{Status: http.StatusNotFound, Message: MsgNotFound, Err: err}
}

func inProgress() Result {
	return preconditionFailed(MsgInProgress, ErrOperationInProgress)
}
