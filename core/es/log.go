package es

import "context"

// EventLog is durable, ordered, append-only storage of envelopes, queryable by
// aggregate identity.
//
// Implementations must guarantee that (aggregate type, aggregate id, version)
// is unique across the log and that the uniqueness check is atomic with the
// write. Appends for different aggregates must not block each other.
type EventLog interface {
	// Append persists env and returns it with RecordedAt set. If an envelope
	// already holds env's (type, id, version) it returns a *ConflictError and
	// commits nothing.
	Append(ctx context.Context, env Envelope) (Envelope, error)
	// Load returns the committed envelopes of one aggregate in ascending
	// version order. Unknown aggregates yield an empty slice.
	Load(ctx context.Context, aggType, aggID string, opts ...LoadOption) ([]Envelope, error)
	// LatestVersion returns the highest committed version, or 0.
	LatestVersion(ctx context.Context, aggType, aggID string) (Version, error)
}

// LoadOptions bound the range of a Load.
type LoadOptions struct {
	// From is the first version to include (inclusive). 0 and 1 both mean
	// "from the beginning".
	From Version
	// To is the last version to include (inclusive). 0 means unbounded.
	To Version
}

type LoadOption func(*LoadOptions)

func WithFromVersion(v Version) LoadOption { return func(o *LoadOptions) { o.From = v } }
func WithToVersion(v Version) LoadOption   { return func(o *LoadOptions) { o.To = v } }

// NewLoadOptions resolves opts. The returned To is never 0.
func NewLoadOptions(opts ...LoadOption) LoadOptions {
	o := LoadOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.To == 0 || o.To > MaxVersion {
		o.To = MaxVersion
	}
	return o
}

// Includes reports whether v lies in the range.
func (o LoadOptions) Includes(v Version) bool { return v >= o.From && v <= o.To }

// Exists reports whether the aggregate has at least one committed envelope.
func Exists(ctx context.Context, log EventLog, aggType, aggID string) (bool, error) {
	v, err := log.LatestVersion(ctx, aggType, aggID)
	if err != nil {
		return false, err
	}
	return v > 0, nil
}
