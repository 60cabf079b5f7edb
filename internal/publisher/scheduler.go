// Package publisher runs periodic outbound jobs through a running gateway
// interface.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/observability"
	"github.com/stridetastic/meshcore/internal/store"
	"github.com/stridetastic/meshcore/internal/transport"
	"github.com/stridetastic/meshcore/model"
	"github.com/stridetastic/meshcore/timectrl"
)

// DefaultInterval is the default tick period.
const DefaultInterval = 5 * time.Second

// Gateway is a running interface that can transmit.
type Gateway interface {
	Interface() model.Interface
	LocalNode() model.NodeNum
	Publish(ctx context.Context, out transport.Outbound) error
}

// GatewayResolver picks the gateway for a job. bound is the job's bound
// interface id, or nil.
type GatewayResolver interface {
	Gateway(bound *int64) (Gateway, error)
}

// GatewayFunc adapts a function to GatewayResolver.
type GatewayFunc func(bound *int64) (Gateway, error)

func (fn GatewayFunc) Gateway(bound *int64) (Gateway, error) { return fn(bound) }

// Store is the persistence the scheduler uses.
type Store interface {
	store.JobStore
	GetNode(ctx context.Context, num model.NodeNum) (model.Node, error)
}

// Metrics is the subset of the scheduler collector used here.
type Metrics interface {
	ObserveTick(d time.Duration)
	ObserveJob(payloadType, status string)
	AddInFlight(delta int)
	IncClaimLost()
}

// Scheduler selects due jobs on every tick and executes each one at most
// once per due window.
type Scheduler struct {
	store    Store
	gateways GatewayResolver
	log      logging.Logger
	metrics  Metrics
	clock    timectrl.Clock
	interval time.Duration
	packetID func() uint32

	mu      sync.Mutex
	running map[int64]struct{}
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics reports tick and job metrics to m.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock replaces the wall clock.
func WithClock(c timectrl.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithInterval sets the tick period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithPacketIDs replaces the packet id generator.
func WithPacketIDs(fn func() uint32) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.packetID = fn
		}
	}
}

// New builds a scheduler.
func New(st Store, gateways GatewayResolver, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		gateways: gateways,
		log:      logging.Noop(),
		clock:    timectrl.Real(),
		interval: DefaultInterval,
		packetID: randomPacketID,
		running:  make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logging.String("component", "publisher"))
	return s
}

// Run ticks until ctx ends, then waits for executing jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.Wait()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error(ctx, "scheduler tick failed", logging.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.interval):
		}
	}
}

// Wait blocks until every dispatched job has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Tick claims every due job not already executing and dispatches it on its
// own goroutine. It returns the number of jobs dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveTick(time.Since(started))
		}
	}()

	now := s.clock.Now()
	due, err := s.store.ListDueJobs(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}

	dispatched := 0
	for _, job := range due {
		if !s.acquire(job.ID) {
			continue
		}
		claimed, err := s.store.ClaimJob(ctx, job.ID, job.NextRunAt, now.Add(job.Period()))
		if err != nil || !claimed {
			s.release(job.ID)
			if err != nil {
				s.log.Warn(ctx, "claiming job failed", logging.String("job", job.Name), logging.Err(err))
			} else if s.metrics != nil {
				s.metrics.IncClaimLost()
			}
			continue
		}

		dispatched++
		s.wg.Add(1)
		go func(job model.PublisherPeriodicJob) {
			defer s.wg.Done()
			defer s.release(job.ID)
			s.execute(context.WithoutCancel(ctx), job, now)
		}(job)
	}
	return dispatched, nil
}

func (s *Scheduler) acquire(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[id]; busy {
		return false
	}
	s.running[id] = struct{}{}
	if s.metrics != nil {
		s.metrics.AddInFlight(1)
	}
	return true
}

func (s *Scheduler) release(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
	if s.metrics != nil {
		s.metrics.AddInFlight(-1)
	}
}

// execute makes exactly one publish attempt for a claimed job and records
// the outcome. next_run_at was already advanced by the claim.
func (s *Scheduler) execute(ctx context.Context, job model.PublisherPeriodicJob, now time.Time) {
	log := s.log.With(logging.String("job", job.Name), logging.Int64("job_id", job.ID))
	ctx, span := observability.StartSpan(ctx, "publisher.Execute",
		attribute.String("job", job.Name),
		attribute.String("payload_type", string(job.PayloadType)),
	)

	res := s.attempt(ctx, job, now)
	var spanErr error
	if res.Status == model.JobError {
		spanErr = errors.New(res.Message)
	}
	observability.EndSpan(span, spanErr)

	if err := s.store.RecordJobResult(ctx, job.ID, res); err != nil {
		log.Error(ctx, "recording job result failed", logging.Err(err))
	}
	if s.metrics != nil {
		s.metrics.ObserveJob(string(job.PayloadType), string(res.Status))
	}

	switch res.Status {
	case model.JobSuccess:
		log.Info(ctx, "job published")
	case model.JobSkipped:
		log.Warn(ctx, "job skipped", logging.String("reason", res.Message))
	default:
		log.Warn(ctx, "job failed", logging.String("error", res.Message))
	}
}

func (s *Scheduler) attempt(ctx context.Context, job model.PublisherPeriodicJob, now time.Time) model.JobResult {
	gw, err := s.gateways.Gateway(job.InterfaceID)
	if err != nil {
		return model.JobResult{Status: model.JobSkipped, Message: fmt.Sprintf("no gateway available: %v", err)}
	}

	runAt := now
	out, err := BuildOutbound(ctx, job, gw.LocalNode(), s.store, s.packetID(), now)
	if err != nil {
		return model.JobResult{Status: model.JobError, RunAt: &runAt, Message: err.Error()}
	}
	if err := gw.Publish(ctx, out); err != nil {
		return model.JobResult{Status: model.JobError, RunAt: &runAt, Message: err.Error()}
	}
	return model.JobResult{Status: model.JobSuccess, RunAt: &runAt}
}

func randomPacketID() uint32 {
	for {
		if id := rand.Uint32(); id != 0 {
			return id
		}
	}
}
