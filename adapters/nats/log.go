// Package nats implements es.EventLog on a NATS JetStream stream. Every
// aggregate is one subject; the per-subject last sequence guards appends.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/evlog-go/core/es"
)

const (
	defaultSubjectPrefix = "evlog.events"
	defaultStreamName    = "EVLOG_EVENTS"

	// JetStream error code for a failed expected-last-sequence check.
	errCodeWrongLastSequence jetstream.ErrorCode = 10071

	fetchBatch = 100
	fetchWait  = time.Second
	// empty fetches tolerated before a load that has not reached the
	// subject's last sequence gives up
	maxEmptyFetches = 3
)

// fetcher is the part of jetstream.Consumer that consume needs.
type fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

type Config struct {
	Connect        Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log            *slog.Logger // Log for diagnostics (optional)
	Clock          es.Clock     // Clock stamps recorded_at. Defaults to es.DefaultClock().
	SubjectPrefix  string       // SubjectPrefix is the prefix used to store events
	StreamName     string
	StreamSubjects []string // StreamSubjects defaults to SubjectPrefix + ".>"
	Memory         bool     // Memory selects memory storage for the stream
}

// Log is an es.EventLog backed by a JetStream stream.
type Log struct {
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	clock         es.Clock
	subjectPrefix string
}

func New(ctx context.Context, cfg Config) (*Log, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, es.Unavailable("connect", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = es.DefaultClock()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}
	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	streamSubjects := cfg.StreamSubjects
	if len(streamSubjects) == 0 {
		streamSubjects = []string{subjectPrefix + ".>"}
	}
	storage := jetstream.FileStorage
	if cfg.Memory {
		storage = jetstream.MemoryStorage
	}

	log = log.With(
		slog.String("log", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subjectPrefix", subjectPrefix),
	)

	stream, err := ensureStream(ctx, js, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   streamSubjects,
		Retention:  jetstream.LimitsPolicy,
		Storage:    storage,
		DenyDelete: true,
		DenyPurge:  true,
		FirstSeq:   1,
	})
	if err != nil {
		closeNatsCon()
		return nil, mapError("ensure_stream", es.Envelope{}, err)
	}

	log.Debug("ensured stream")

	return &Log{
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		log:           log,
		clock:         clock,
		subjectPrefix: subjectPrefix,
	}, nil
}

func (l *Log) Close() error {
	l.js.CleanupPublisher()
	l.closeNc()
	l.log.Debug("closed event log")
	return nil
}

func (l *Log) Append(ctx context.Context, env es.Envelope) (es.Envelope, error) {
	if env.Version > es.MaxVersion {
		return es.Envelope{}, &es.MalformedEnvelopeError{Field: "version", Reason: "out of range", EventType: env.Type, Version: env.Version}
	}
	subject, err := l.subject(env.AggregateType, env.AggregateID)
	if err != nil {
		return es.Envelope{}, err
	}
	canonical, err := env.Payload.Canonical()
	if err != nil {
		return es.Envelope{}, &es.MalformedEnvelopeError{Field: "payload", EventType: env.Type, Version: env.Version, Err: err}
	}
	if env.Payload, err = es.DecodePayloadJSON(canonical); err != nil {
		return es.Envelope{}, err
	}

	last, lastSeq, err := l.last(ctx, subject)
	if err != nil {
		return es.Envelope{}, mapError("append", env, err)
	}
	if last != nil && env.Version <= last.Version {
		return es.Envelope{}, &es.ConflictError{AggregateType: env.AggregateType, AggregateID: env.AggregateID, Version: env.Version}
	}

	env.RecordedAt = l.clock().UTC().Truncate(time.Microsecond)
	if last != nil && env.RecordedAt.Before(last.RecordedAt) {
		env.RecordedAt = last.RecordedAt
	}

	msg := natsgo.NewMsg(subject)
	msg.Header.Set("x-event-type", env.Type)
	msg.Header.Set("x-aggregate-type", env.AggregateType)
	msg.Header.Set("x-aggregate-id", env.AggregateID)
	msg.Header.Set("x-version", strconv.FormatUint(env.Version.Uint64(), 10))
	if msg.Data, err = json.Marshal(env); err != nil {
		return es.Envelope{}, err
	}

	ack, err := l.js.PublishMsg(
		ctx, msg,
		jetstream.WithMsgID(env.ID),
		jetstream.WithExpectLastSequencePerSubject(lastSeq),
	)
	if err != nil {
		return es.Envelope{}, mapError("append", env, err)
	}
	if ack.Duplicate {
		return es.Envelope{}, &es.MalformedEnvelopeError{Field: "id", Reason: "event id already used", EventType: env.Type, Version: env.Version}
	}

	l.log.Debug(
		"append",
		slog.Group("agg", slog.String("type", env.AggregateType), slog.String("id", env.AggregateID)),
		env.LogAttrs(),
		slog.Uint64("seq", ack.Sequence),
	)
	return env, nil
}

func (l *Log) Load(ctx context.Context, aggType, aggID string, opts ...es.LoadOption) (loaded []es.Envelope, err error) {
	lo := es.NewLoadOptions(opts...)
	loaded = make([]es.Envelope, 0)

	subject, err := l.subject(aggType, aggID)
	if err != nil {
		return nil, err
	}

	startAt := time.Now()
	defer func() {
		if err == nil {
			l.log.Debug(
				"loaded events",
				slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID)),
				slog.Int("count", len(loaded)),
				slog.Duration("duration", time.Since(startAt)),
			)
		}
	}()

	last, endSeq, err := l.last(ctx, subject)
	if err != nil {
		return nil, mapError("load", es.Envelope{}, err)
	}
	if last == nil || last.Version < lo.From {
		return loaded, nil
	}

	cc, err := l.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{subject},
	})
	if err != nil {
		return nil, mapError("load", es.Envelope{}, err)
	}
	return l.consume(ctx, cc, endSeq, lo, loaded)
}

// consume reads the subject up to endSeq. Running dry before endSeq means the
// consumer lost messages, which is reported instead of returning a short
// history.
func (l *Log) consume(
	ctx context.Context,
	cc fetcher,
	endSeq uint64,
	lo es.LoadOptions,
	loaded []es.Envelope,
) ([]es.Envelope, error) {
	var lastSeq uint64
	emptyFetches := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mb, err := cc.Fetch(fetchBatch, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			return nil, mapError("load", es.Envelope{}, err)
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			md, err := msg.Metadata()
			if err != nil {
				return nil, mapError("load", es.Envelope{}, err)
			}
			env, err := decode(msg.Data())
			if err != nil {
				return nil, err
			}
			if env.Version > lo.To || md.Sequence.Stream > endSeq {
				return loaded, nil
			}
			lastSeq = md.Sequence.Stream
			if lo.Includes(env.Version) {
				loaded = append(loaded, env)
			}
			if md.Sequence.Stream == endSeq {
				return loaded, nil
			}
		}
		if err := mb.Error(); err != nil {
			return nil, mapError("load", es.Envelope{}, err)
		}
		if !empty {
			emptyFetches = 0
			continue
		}
		emptyFetches++
		if emptyFetches >= maxEmptyFetches {
			return nil, es.Unavailable("load", fmt.Errorf("subject drained at seq %d before last seq %d", lastSeq, endSeq))
		}
		l.log.Warn("empty fetch before last sequence",
			slog.Uint64("seq", lastSeq),
			slog.Uint64("end_seq", endSeq),
			slog.Int("attempt", emptyFetches),
		)
	}
}

func (l *Log) LatestVersion(ctx context.Context, aggType, aggID string) (es.Version, error) {
	subject, err := l.subject(aggType, aggID)
	if err != nil {
		return 0, err
	}
	last, _, err := l.last(ctx, subject)
	if err != nil {
		return 0, mapError("latest_version", es.Envelope{}, err)
	}
	if last == nil {
		return 0, nil
	}
	return last.Version, nil
}

// last returns the newest envelope on subject and its stream sequence, or
// nil and 0 if the subject is empty.
func (l *Log) last(ctx context.Context, subject string) (*es.Envelope, uint64, error) {
	lm, err := l.stream.GetLastMsgForSubject(ctx, subject)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	env, err := decode(lm.Data)
	if err != nil {
		return nil, 0, err
	}
	return &env, lm.Sequence, nil
}

func (l *Log) subject(aggType, aggID string) (string, error) {
	if !validToken(aggType) {
		return "", &es.MalformedEnvelopeError{Field: "aggregate_type", Reason: "not usable as a subject token"}
	}
	if !validToken(aggID) {
		return "", &es.MalformedEnvelopeError{Field: "aggregate_id", Reason: "not usable as a subject token"}
	}
	return l.subjectPrefix + "." + aggType + "." + aggID, nil
}

func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

func decode(data []byte) (es.Envelope, error) {
	var env es.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return es.Envelope{}, &es.MalformedEnvelopeError{Field: "payload", Reason: "stored message is not an envelope", Err: err}
	}
	if env.Payload == nil {
		env.Payload = es.Payload{}
	}
	return env, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*natsgo.DefaultTimeout)
	defer cancel()
	return js.CreateOrUpdateStream(ctx, cfg)
}

// mapError translates NATS errors into the es error taxonomy.
func mapError(op string, env es.Envelope, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == errCodeWrongLastSequence {
		return &es.ConflictError{
			AggregateType: env.AggregateType,
			AggregateID:   env.AggregateID,
			Version:       env.Version,
			Err:           err,
		}
	}

	switch {
	case errors.Is(err, natsgo.ErrConnectionClosed),
		errors.Is(err, natsgo.ErrNoServers),
		errors.Is(err, natsgo.ErrTimeout),
		errors.Is(err, natsgo.ErrNoResponders),
		errors.Is(err, jetstream.ErrNoStreamResponse):
		return es.Unavailable(op, err)
	}
	return fmt.Errorf("nats %s: %w", op, err)
}

var _ es.EventLog = (*Log)(nil)
