// Package store defines the storage-access interfaces the ingest core
// consumes. Implementations live in kb (in memory) and store/sqlite.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stridetastic/meshcore/model"
)

var (
	// ErrNotFound is returned when a referenced interface, job, node, link or
	// packet does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a unique name is already taken.
	ErrConflict = errors.New("store: conflict")
)

// InterfaceStore persists interface configuration and runtime state.
type InterfaceStore interface {
	ListInterfaces(ctx context.Context) ([]model.Interface, error)
	GetInterface(ctx context.Context, id int64) (model.Interface, error)
	GetInterfaceByName(ctx context.Context, name string) (model.Interface, error)
	// CreateInterface assigns the id and, when Name is empty, a default
	// name derived from the transport kind.
	CreateInterface(ctx context.Context, iface model.Interface) (model.Interface, error)
	// UpdateInterfaceConfig replaces everything except identity and runtime state.
	UpdateInterfaceConfig(ctx context.Context, iface model.Interface) error
	// UpdateInterfaceStatus is reserved for the interface runtime.
	UpdateInterfaceStatus(ctx context.Context, id int64, state model.RuntimeState) error
}

// NodeStore is the node directory.
type NodeStore interface {
	// TouchNode creates the node if missing and advances last-heard.
	TouchNode(ctx context.Context, num model.NodeNum, seen time.Time) error
	// UpdateNodeInfo refreshes the descriptive fields from a NodeInfo payload.
	UpdateNodeInfo(ctx context.Context, num model.NodeNum, info model.NodeInfoPayload, seen time.Time) error
	GetNode(ctx context.Context, num model.NodeNum) (model.Node, error)
	ListNodes(ctx context.Context) ([]model.Node, error)
}

// LinkStore persists node links. UpsertNodeLink applies mutate atomically.
type LinkStore interface {
	UpsertNodeLink(ctx context.Context, a, b model.NodeNum, mutate func(*model.NodeLink)) (model.NodeLink, error)
	GetNodeLink(ctx context.Context, a, b model.NodeNum) (model.NodeLink, error)
	ListNodeLinks(ctx context.Context) ([]model.NodeLink, error)
}

// PacketStore persists packet envelopes and their typed payloads.
type PacketStore interface {
	// SavePacket stores the envelope and data, assigning pkt.ID and
	// data.PacketID. Route payloads reuse an existing route with the same
	// node list.
	SavePacket(ctx context.Context, pkt *model.Packet, data *model.PacketData) error
	// ListPackets returns the newest packets first.
	ListPackets(ctx context.Context, limit int) ([]model.Packet, error)
	GetPacketData(ctx context.Context, packetID int64) (model.PacketData, error)
}

// JobStore persists publisher periodic jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job model.PublisherPeriodicJob) (model.PublisherPeriodicJob, error)
	GetJob(ctx context.Context, id int64) (model.PublisherPeriodicJob, error)
	GetJobByName(ctx context.Context, name string) (model.PublisherPeriodicJob, error)
	ListJobs(ctx context.Context) ([]model.PublisherPeriodicJob, error)
	// ListDueJobs returns enabled jobs with next_run_at <= now, oldest first.
	ListDueJobs(ctx context.Context, now time.Time) ([]model.PublisherPeriodicJob, error)
	// ClaimJob moves next_run_at from expected to next only if it still
	// equals expected and the job is enabled. It reports whether the claim
	// succeeded.
	ClaimJob(ctx context.Context, id int64, expected, next time.Time) (bool, error)
	// RecordJobResult stores the outcome of one attempt.
	RecordJobResult(ctx context.Context, id int64, res model.JobResult) error
}

// Store is the full storage surface used by meshcored.
type Store interface {
	InterfaceStore
	NodeStore
	LinkStore
	PacketStore
	JobStore
	Close() error
}
