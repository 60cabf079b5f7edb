package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stridetastic/meshcore/internal/ingest"
	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/internal/store"
)

// SeedStore is the persistence the seeder writes to.
type SeedStore interface {
	store.InterfaceStore
	store.JobStore
}

// SeedReport counts what Seed created.
type SeedReport struct {
	Interfaces int
	Jobs       int
}

// Seed creates every configured interface and job that does not yet exist
// by name. Existing entries are left untouched: once seeded, the store is
// authoritative.
func Seed(ctx context.Context, st SeedStore, cfg Config, now time.Time, log logging.Logger) (SeedReport, error) {
	if log == nil {
		log = logging.Noop()
	}
	var report SeedReport

	for _, ic := range cfg.Interfaces {
		iface, err := ic.Interface()
		if err != nil {
			return report, fmt.Errorf("interface %q: %w", ic.Name, err)
		}
		_, err = st.GetInterfaceByName(ctx, iface.Name)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, store.ErrNotFound):
			return report, fmt.Errorf("lookup interface %q: %w", iface.Name, err)
		}
		created, err := st.CreateInterface(ctx, iface)
		if err != nil {
			return report, fmt.Errorf("create interface %q: %w", iface.Name, err)
		}
		report.Interfaces++
		log.Info(ctx, "seeded interface", logging.String("interface", created.Name), logging.Int64("interface_id", created.ID))
	}

	for _, jc := range cfg.Jobs {
		job, err := jc.Job(now)
		if err != nil {
			return report, fmt.Errorf("job %q: %w", jc.Name, err)
		}
		_, err = st.GetJobByName(ctx, job.Name)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, store.ErrNotFound):
			return report, fmt.Errorf("lookup job %q: %w", job.Name, err)
		}
		if jc.Interface != "" {
			iface, err := st.GetInterfaceByName(ctx, jc.Interface)
			if err != nil {
				return report, fmt.Errorf("job %q: interface %q: %w", job.Name, jc.Interface, err)
			}
			id := iface.ID
			job.InterfaceID = &id
		}
		created, err := st.CreateJob(ctx, job)
		if err != nil {
			return report, fmt.Errorf("create job %q: %w", job.Name, err)
		}
		report.Jobs++
		log.Info(ctx, "seeded job", logging.String("job", created.Name), logging.String("payload_type", string(created.PayloadType)))
	}
	return report, nil
}

// ChannelKeys expands the configured channel keys in order.
func (ic IngestConfig) ChannelKeys() ([]ingest.Channel, error) {
	out := make([]ingest.Channel, 0, len(ic.Channels))
	for _, ch := range ic.Channels {
		key, err := meshproto.ExpandChannelKey(ch.Key)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", ch.Name, err)
		}
		out = append(out, ingest.Channel{Name: ch.Name, Key: key})
	}
	return out, nil
}
