package engine

import (
	"time"

	"go.uber.org/zap"
)

// Policy is the retry policy of one class of operations. Timeout is the wait
// for a response after each transmission; Retries is how many times the same
// bytes are retransmitted before giving up, so a request is sent at most
// Retries+1 times.
type Policy struct {
	Timeout time.Duration
	Retries int
}

// Class groups operations that share a retry policy.
type Class int

const (
	// ClassSimple covers hub and device settings acknowledged once.
	ClassSimple Class = iota
	// ClassBroadcast covers find-me, RSSI and other per-device batches.
	ClassBroadcast
	// ClassQuery covers reads that return data in the acknowledgement.
	ClassQuery
	// ClassOTA covers bootloader entry and upgrade start.
	ClassOTA
)

func (c Class) String() string {
	switch c {
	case ClassSimple:
		return "simple"
	case ClassBroadcast:
		return "broadcast"
	case ClassQuery:
		return "query"
	case ClassOTA:
		return "ota"
	default:
		return "unknown"
	}
}

// Default tuning.
const (
	DefaultPollInterval     = 10 * time.Millisecond
	DefaultSubmitQueue      = 16
	DefaultCorruptThreshold = 8
	DefaultResetBackoff     = time.Second
	DefaultOTAStallTimeout  = 10 * time.Second
)

// Options configure an Engine. Zero fields take their defaults.
type Options struct {
	// PollInterval bounds each transport read and therefore the deadline
	// resolution of the worker.
	PollInterval time.Duration
	// SubmitQueue is the capacity of the submission channel.
	SubmitQueue int
	// SilenceTimeout resets the link when nothing at all has been received
	// for this long. Zero disables the check.
	SilenceTimeout time.Duration
	// CorruptThreshold resets the link after this many consecutive corrupt
	// frames. Negative disables the check.
	CorruptThreshold int
	// ResetBackoff is the minimum spacing between two link resets.
	ResetBackoff time.Duration
	// OTAStallTimeout fails an upgrade when the hub stops pulling data.
	OTAStallTimeout time.Duration

	Simple    Policy
	Broadcast Policy
	Query     Policy
	OTA       Policy

	Logger *zap.Logger
	// Clock returns the current time. It must be monotonic; time.Now is.
	Clock func() time.Time
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		PollInterval:     DefaultPollInterval,
		SubmitQueue:      DefaultSubmitQueue,
		CorruptThreshold: DefaultCorruptThreshold,
		ResetBackoff:     DefaultResetBackoff,
		OTAStallTimeout:  DefaultOTAStallTimeout,
		Simple:           Policy{Timeout: 500 * time.Millisecond, Retries: 2},
		Broadcast:        Policy{Timeout: 2 * time.Second, Retries: 3},
		Query:            Policy{Timeout: time.Second, Retries: 2},
		OTA:              Policy{Timeout: 3 * time.Second, Retries: 1},
		Logger:           zap.NewNop(),
		Clock:            time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.SubmitQueue <= 0 {
		o.SubmitQueue = d.SubmitQueue
	}
	if o.CorruptThreshold == 0 {
		o.CorruptThreshold = d.CorruptThreshold
	}
	if o.ResetBackoff <= 0 {
		o.ResetBackoff = d.ResetBackoff
	}
	if o.OTAStallTimeout <= 0 {
		o.OTAStallTimeout = d.OTAStallTimeout
	}
	if o.Simple.Timeout <= 0 {
		o.Simple = d.Simple
	}
	if o.Broadcast.Timeout <= 0 {
		o.Broadcast = d.Broadcast
	}
	if o.Query.Timeout <= 0 {
		o.Query = d.Query
	}
	if o.OTA.Timeout <= 0 {
		o.OTA = d.OTA
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}

// Policy returns the policy configured for c.
func (o Options) Policy(c Class) Policy {
	switch c {
	case ClassBroadcast:
		return o.Broadcast
	case ClassQuery:
		return o.Query
	case ClassOTA:
		return o.OTA
	default:
		return o.Simple
	}
}
