package model

import (
	"fmt"
	"strings"
	"time"
)

// Defaults for periodic publisher jobs.
const (
	DefaultJobPeriodSeconds = 300
	DefaultJobHopLimit      = 3
	DefaultJobHopStart      = 3
)

// PayloadType selects what a periodic job transmits.
type PayloadType string

const (
	PayloadText       PayloadType = "text"
	PayloadPosition   PayloadType = "position"
	PayloadNodeInfo   PayloadType = "nodeinfo"
	PayloadTraceroute PayloadType = "traceroute"
)

// ParsePayloadType validates a payload type name.
func ParsePayloadType(s string) (PayloadType, error) {
	switch PayloadType(strings.ToLower(strings.TrimSpace(s))) {
	case PayloadText:
		return PayloadText, nil
	case PayloadPosition:
		return PayloadPosition, nil
	case PayloadNodeInfo:
		return PayloadNodeInfo, nil
	case PayloadTraceroute:
		return PayloadTraceroute, nil
	default:
		return "", fmt.Errorf("unknown payload type %q", s)
	}
}

// JobStatus is the outcome of the most recent execution attempt.
type JobStatus string

const (
	JobIdle    JobStatus = "idle"
	JobSuccess JobStatus = "success"
	JobError   JobStatus = "error"
	JobSkipped JobStatus = "skipped"
)

// PublisherPeriodicJob is a schedule entry for a recurring outbound transmission.
type PublisherPeriodicJob struct {
	ID          int64
	Name        string
	Description string
	Enabled     bool

	PayloadType PayloadType
	FromNode    string
	ToNode      string
	ChannelName string
	ChannelKey  string
	GatewayNode string

	HopLimit     uint32
	HopStart     uint32
	WantAck      bool
	PKIEncrypted bool

	// PayloadOptions holds the type-specific options, e.g. "message" for
	// text jobs or "target_node" for traceroute jobs.
	PayloadOptions map[string]any

	PeriodSeconds    int
	NextRunAt        time.Time
	LastRunAt        *time.Time
	LastStatus       JobStatus
	LastErrorMessage string

	// InterfaceID optionally binds the job to one gateway interface.
	InterfaceID *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Period returns the execution period, falling back to the default.
func (j PublisherPeriodicJob) Period() time.Duration {
	if j.PeriodSeconds <= 0 {
		return DefaultJobPeriodSeconds * time.Second
	}
	return time.Duration(j.PeriodSeconds) * time.Second
}

// ApplyDefaults fills unset scheduling fields in place.
func (j *PublisherPeriodicJob) ApplyDefaults(now time.Time) {
	if j.PeriodSeconds <= 0 {
		j.PeriodSeconds = DefaultJobPeriodSeconds
	}
	if j.HopLimit == 0 {
		j.HopLimit = DefaultJobHopLimit
	}
	if j.HopStart == 0 {
		j.HopStart = DefaultJobHopStart
	}
	if j.LastStatus == "" {
		j.LastStatus = JobIdle
	}
	if j.NextRunAt.IsZero() {
		j.NextRunAt = now
	}
	if j.PayloadOptions == nil {
		j.PayloadOptions = map[string]any{}
	}
}

// Validate checks the fields every payload type needs.
func (j PublisherPeriodicJob) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return &ConfigError{Field: "job.name", Message: "name is required"}
	}
	if _, err := ParsePayloadType(string(j.PayloadType)); err != nil {
		return &ConfigError{Field: "job.payload_type", Value: string(j.PayloadType), Message: err.Error()}
	}
	if strings.TrimSpace(j.ChannelName) == "" {
		return &ConfigError{Field: "job.channel_name", Message: "channel name is required"}
	}
	if j.HopStart < j.HopLimit {
		return &ConfigError{Field: "job.hop_start", Value: j.HopStart, Message: "hop_start must be >= hop_limit"}
	}
	return nil
}

// JobResult is what the scheduler records after one execution attempt.
type JobResult struct {
	Status  JobStatus
	RunAt   *time.Time
	Message string
}
