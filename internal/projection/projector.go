package projection

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/chatstream/internal/eventlog"
	"github.com/whisper/chatstream/internal/events"
	"github.com/whisper/chatstream/internal/metrics"
)

// SnapshotStore persists read model snapshots. Load returns nil, nil when
// no snapshot exists.
type SnapshotStore interface {
	Load(ctx context.Context, name string) (*State, error)
	Save(ctx context.Context, name string, st State) error
}

// Config holds projector settings.
type Config struct {
	Stream        string `yaml:"stream" env:"EVENT_STREAM"`
	GroupPrefix   string `yaml:"group_prefix" env:"PROJECTOR_GROUP_PREFIX"`
	SnapshotName  string `yaml:"snapshot_name" env:"SNAPSHOT_NAME"`
	SnapshotEvery int    `yaml:"snapshot_every" env:"SNAPSHOT_EVERY"` // folded events between snapshots, 0 disables
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Stream:        "chat-stream",
		GroupPrefix:   "chat-projection",
		SnapshotName:  "chats",
		SnapshotEvery: 500,
	}
}

// Stats counts what the projector has done with the events it received.
type Stats struct {
	Folded               uint64
	Duplicates           uint64
	DecodeAnomalies      uint64
	ReferentialAnomalies uint64
}

// Projector keeps a ReadModel current from the event log.
type Projector struct {
	log       eventlog.Log
	snapshots SnapshotStore
	model     *ReadModel
	cfg       Config
	logger    *zap.Logger

	folded      atomic.Uint64
	duplicates  atomic.Uint64
	decodeErrs  atomic.Uint64
	refErrs     atomic.Uint64
	sinceSnap   int
	lastSnapPos uint64
}

// New creates a Projector. snapshots may be nil.
func New(log eventlog.Log, snapshots SnapshotStore, cfg Config, logger *zap.Logger) *Projector {
	return &Projector{
		log:       log,
		snapshots: snapshots,
		model:     NewReadModel(),
		cfg:       cfg,
		logger:    logger.Named("projector"),
	}
}

// Model returns the read model the projector maintains.
func (p *Projector) Model() *ReadModel {
	return p.model
}

// Stats returns a copy of the projector's counters.
func (p *Projector) Stats() Stats {
	return Stats{
		Folded:               p.folded.Load(),
		Duplicates:           p.duplicates.Load(),
		DecodeAnomalies:      p.decodeErrs.Load(),
		ReferentialAnomalies: p.refErrs.Load(),
	}
}

// Run restores the latest snapshot if one exists, subscribes to the stream
// through a consumer group unique to this instance, and folds events until
// ctx is cancelled. Any error fetching or acknowledging an event is returned;
// the caller must treat it as fatal.
func (p *Projector) Run(ctx context.Context) error {
	from := p.restore(ctx)

	group := p.cfg.GroupPrefix + "-" + uuid.NewString()
	if err := p.log.EnsureSubscription(ctx, p.cfg.Stream, group, from); err != nil {
		return fmt.Errorf("projector: ensure subscription: %w", err)
	}
	defer p.release(group)

	sub, err := p.log.Subscribe(ctx, p.cfg.Stream, group)
	if err != nil {
		return fmt.Errorf("projector: subscribe: %w", err)
	}
	defer sub.Close()

	p.logger.Info("projector started",
		zap.String("stream", p.cfg.Stream), zap.String("group", group), zap.Stringer("from", from))

	for {
		d, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.snapshot(context.WithoutCancel(ctx))
				p.logger.Info("projector stopped", zap.Uint64("position", p.model.Position()))
				return nil
			}
			return fmt.Errorf("projector: next event: %w", err)
		}

		p.handle(d.Event)

		if err := d.Ack(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("projector: ack position %d: %w", d.Event.Position, err)
		}

		if p.cfg.SnapshotEvery > 0 && p.sinceSnap >= p.cfg.SnapshotEvery {
			p.snapshot(ctx)
		}
	}
}

// handle decodes and folds one event. Nothing here is fatal.
func (p *Projector) handle(rec eventlog.RecordedEvent) {
	if rec.Position <= p.model.Position() {
		p.duplicates.Add(1)
		metrics.EventsSkipped.WithLabelValues("duplicate").Inc()
		p.logger.Debug("skipping already applied event", zap.Uint64("position", rec.Position))
		return
	}

	ev, err := events.Decode(rec)
	if err != nil {
		p.model.Advance(rec.Position)
		p.decodeErrs.Add(1)
		metrics.EventsSkipped.WithLabelValues("decode").Inc()
		p.logger.Warn("skipping undecodable event",
			zap.Uint64("position", rec.Position), zap.String("type", rec.Type), zap.Error(err))
		return
	}

	switch p.model.Apply(rec.Position, ev) {
	case Applied:
		p.folded.Add(1)
		p.sinceSnap++
		metrics.EventsFolded.WithLabelValues(ev.Kind().String()).Inc()
		if !rec.Time.IsZero() {
			metrics.FoldLatency.Observe(time.Since(rec.Time).Seconds())
		}
	case Duplicate:
		p.duplicates.Add(1)
		metrics.EventsSkipped.WithLabelValues("duplicate").Inc()
	case Referential:
		p.refErrs.Add(1)
		metrics.EventsSkipped.WithLabelValues("referential").Inc()
		p.logger.Warn("dropping message for unknown chat",
			zap.Uint64("position", rec.Position), zap.String("chat_id", ev.AggregateID()))
	}
	metrics.ProjectionPosition.Set(float64(p.model.Position()))
}

// restore loads the latest snapshot into the model and returns where the
// subscription should start. A snapshot that cannot be loaded is ignored and
// the stream is replayed from the beginning.
func (p *Projector) restore(ctx context.Context) eventlog.StartFrom {
	if p.snapshots == nil {
		return eventlog.FromStart
	}
	st, err := p.snapshots.Load(ctx, p.cfg.SnapshotName)
	if err != nil {
		p.logger.Warn("snapshot load failed, replaying from start", zap.Error(err))
		return eventlog.FromStart
	}
	if st == nil {
		return eventlog.FromStart
	}
	p.model.Restore(*st)
	p.lastSnapPos = st.Position
	metrics.ProjectionPosition.Set(float64(st.Position))
	p.logger.Info("restored snapshot", zap.Uint64("position", st.Position), zap.Int("chats", len(st.Chats)))
	return eventlog.After(st.Position)
}

func (p *Projector) snapshot(ctx context.Context) {
	p.sinceSnap = 0
	if p.snapshots == nil {
		return
	}
	st := p.model.Snapshot()
	if st.Position == p.lastSnapPos {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.snapshots.Save(ctx, p.cfg.SnapshotName, st); err != nil {
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		p.logger.Warn("snapshot save failed", zap.Uint64("position", st.Position), zap.Error(err))
		return
	}
	p.lastSnapPos = st.Position
	metrics.SnapshotsTotal.WithLabelValues("ok").Inc()
	p.logger.Debug("snapshot saved", zap.Uint64("position", st.Position))
}

// release deletes this instance's consumer group.
func (p *Projector) release(group string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.log.DeleteSubscription(ctx, p.cfg.Stream, group)
	if err != nil && !errors.Is(err, eventlog.ErrSubscriptionNotFound) {
		p.logger.Warn("failed to delete consumer group", zap.String("group", group), zap.Error(err))
	}
}
