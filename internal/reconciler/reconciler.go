// Package reconciler keeps published status messages in line with the
// actual power state of the tracked instances.
//
// A pass fetches statuses, renders the message for one layout, and publishes
// or updates it. While any instance is pending or stopping, the pass arms a
// one-shot re-check that runs another pass later; each re-check decides on
// its own whether to arm the next one.
//
// Passes for the same layout and channel are not serialized against each
// other. A click and a pending re-check that land together both update the
// message and the registry, and the last write wins. The hourly refresh
// corrects any drift this leaves behind.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/powerbot/internal/models"
	natsclient "github.com/devghori1264/aerophoenix/powerbot/internal/nats"
	"github.com/devghori1264/aerophoenix/powerbot/internal/render"
	"github.com/devghori1264/aerophoenix/powerbot/internal/telemetry"
)

// DefaultRecheckDelay is how long a transitioning message waits before the
// next pass.
const DefaultRecheckDelay = 15 * time.Second

// Fleet reads and changes instance power state.
type Fleet interface {
	DescribeStatuses(ctx context.Context, region string, ids []string) (models.Statuses, error)
	Start(ctx context.Context, region, id string) error
	Stop(ctx context.Context, region, id string) error
}

// Messenger delivers rendered messages to the chat workspace.
type Messenger interface {
	Publish(ctx context.Context, channel string, msg render.Message) (models.Location, error)
	// Update returns models.ErrMessageNotFound when the target is gone.
	Update(ctx context.Context, channelID, ts string, msg render.Message) error
	Respond(ctx context.Context, responseURL string, msg render.Message) error
}

// Registry remembers the newest message per layout and channel.
type Registry interface {
	Put(ctx context.Context, key string, loc models.Location) error
	Get(ctx context.Context, key string) (models.Location, error)
	Remove(ctx context.Context, key string) error
	ListKeys(ctx context.Context) ([]string, error)
}

// EventSink receives advisory events; *natsclient.Publisher satisfies it.
type EventSink interface {
	Emit(ctx context.Context, ev natsclient.Event)
}

// Mode selects between posting a new message and editing a known one.
type Mode int

const (
	ModePublish Mode = iota
	ModeUpdate
)

func (m Mode) String() string {
	if m == ModePublish {
		return "publish"
	}
	return "update"
}

// Target identifies the message a pass works on. For ModePublish, Channel
// may be a channel name and Timestamp is empty.
type Target struct {
	Layout    string
	Channel   string
	Timestamp string
}

func (t Target) Key() string {
	return models.LocationKey(t.Layout, t.Channel)
}

// Options configures a Reconciler. Zero values get sensible defaults.
type Options struct {
	Region       string
	Layouts      render.Layouts
	Renderer     *render.Renderer
	RecheckDelay time.Duration
	Metrics      *telemetry.Metrics
	Events       EventSink
	Logger       *zap.Logger
	Now          func() time.Time
	// After runs f once after d and returns a func that cancels it.
	// Defaults to time.AfterFunc.
	After func(d time.Duration, f func()) (stop func() bool)
}

// Reconciler drives reconciliation passes and the handlers built on them.
type Reconciler struct {
	fleet     Fleet
	messenger Messenger
	registry  Registry

	region    string
	layouts   render.Layouts
	instances []string
	renderer  *render.Renderer
	delay     time.Duration
	metrics   *telemetry.Metrics
	events    EventSink
	logger    *zap.Logger
	now       func() time.Time
	after     func(time.Duration, func()) func() bool
	tracer    trace.Tracer

	// background passes started by RefreshAll and running re-checks
	wg sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	nextID   uint64
	rechecks map[uint64]func() bool
}

func New(fleet Fleet, messenger Messenger, registry Registry, opts Options) *Reconciler {
	r := &Reconciler{
		fleet:     fleet,
		messenger: messenger,
		registry:  registry,
		region:    opts.Region,
		layouts:   opts.Layouts,
		instances: opts.Layouts.InstanceIDs(),
		renderer:  opts.Renderer,
		delay:     opts.RecheckDelay,
		metrics:   opts.Metrics,
		events:    opts.Events,
		logger:    opts.Logger,
		now:       opts.Now,
		after:     opts.After,
		tracer:    otel.Tracer("github.com/devghori1264/aerophoenix/powerbot/internal/reconciler"),
		rechecks:  map[uint64]func() bool{},
	}
	if r.renderer == nil {
		r.renderer = render.NewRenderer(nil)
	}
	if r.delay <= 0 {
		r.delay = DefaultRecheckDelay
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.after == nil {
		r.after = func(d time.Duration, f func()) func() bool { return time.AfterFunc(d, f).Stop }
	}
	return r
}

// Instances returns the tracked instance ids.
func (r *Reconciler) Instances() []string {
	return append([]string(nil), r.instances...)
}

// Statuses fetches the current code of every tracked instance.
func (r *Reconciler) Statuses(ctx context.Context) (models.Statuses, error) {
	statuses, err := r.fleet.DescribeStatuses(ctx, r.region, r.instances)
	if err != nil {
		return nil, fmt.Errorf("fetch statuses: %w", err)
	}
	return statuses, nil
}

// Reconcile runs one pass for t. A status fetch failure aborts the pass
// before anything is sent and arms no re-check.
func (r *Reconciler) Reconcile(ctx context.Context, mode Mode, t Target) (err error) {
	start := r.now()
	ctx, span := r.tracer.Start(ctx, "reconcile", trace.WithAttributes(
		attribute.String("mode", mode.String()),
		attribute.String("layout", t.Layout),
		attribute.String("channel", t.Channel),
	))
	log := r.logger.With(
		zap.String("pass_id", uuid.NewString()),
		zap.String("mode", mode.String()),
		zap.String("layout", t.Layout),
		zap.String("channel", t.Channel),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.metrics.ObservePass(mode.String(), r.now().Sub(start), err)
	}()

	layout, err := r.layouts.Lookup(t.Layout)
	if err != nil {
		return fmt.Errorf("layout %q: %w", t.Layout, err)
	}
	statuses, err := r.Statuses(ctx)
	if err != nil {
		return err
	}
	msg, transitioning := r.renderer.Render(layout, statuses, r.now())

	switch mode {
	case ModePublish:
		loc, perr := r.messenger.Publish(ctx, t.Channel, msg)
		if perr != nil {
			return perr
		}
		loc.Layout = layout.Name
		t.Channel, t.Timestamp = loc.ChannelID, loc.Timestamp
		if perr := r.registry.Put(ctx, loc.Key(), loc); perr != nil {
			// the message is out; re-checks can still follow it
			err = fmt.Errorf("remember %s: %w", loc.Key(), perr)
		}
		log.Info("message published", zap.String("channel_id", loc.ChannelID), zap.String("ts", loc.Timestamp))
		r.emit(ctx, natsclient.EventMessagePublished, loc.Key(), "")
	default:
		uerr := r.messenger.Update(ctx, t.Channel, t.Timestamp, msg)
		if errors.Is(uerr, models.ErrMessageNotFound) {
			log.Info("message gone, forgetting it", zap.String("ts", t.Timestamp))
			if rerr := r.registry.Remove(ctx, t.Key()); rerr != nil {
				log.Warn("remove registry entry", zap.Error(rerr))
			}
			r.emit(ctx, natsclient.EventMessageRemoved, t.Key(), "")
			return nil
		}
		// other failures still re-check: the next pass may get through
		err = uerr
	}

	if transitioning {
		r.scheduleRecheck(ctx, t, log)
	}
	return err
}

func (r *Reconciler) scheduleRecheck(ctx context.Context, t Target, log *zap.Logger) {
	log.Info("instance still changing state, re-checking", zap.Duration("delay", r.delay), zap.String("ts", t.Timestamp))
	r.metrics.ObserveRecheck()
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.nextID++
	id := r.nextID
	r.rechecks[id] = r.after(r.delay, func() {
		r.mu.Lock()
		delete(r.rechecks, id)
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.wg.Add(1)
		r.mu.Unlock()
		defer r.wg.Done()

		if err := r.Reconcile(ctx, ModeUpdate, t); err != nil {
			r.logger.Error("re-check failed",
				zap.String("layout", t.Layout),
				zap.String("channel", t.Channel),
				zap.Error(err))
		}
	})
}

// Close cancels every armed re-check, and later re-checks and refreshes are
// refused. Passes already running finish; call Wait before closing the
// registry.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, stop := range r.rechecks {
		stop()
		delete(r.rechecks, id)
	}
}

// RefreshAll starts an update pass for every registered message except
// excludeKey (empty excludes nothing). Passes run in the background; only
// a failure to list the registry is returned.
func (r *Reconciler) RefreshAll(ctx context.Context, excludeKey string) error {
	keys, err := r.registry.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("list registry: %w", err)
	}
	r.metrics.SetTrackedMessages(len(keys))
	for _, key := range keys {
		if key == excludeKey {
			continue
		}
		r.spawn(ctx, key, func(ctx context.Context) error {
			loc, err := r.registry.Get(ctx, key)
			if err != nil {
				return fmt.Errorf("load %s: %w", key, err)
			}
			return r.Reconcile(ctx, ModeUpdate, Target{Layout: loc.Layout, Channel: loc.ChannelID, Timestamp: loc.Timestamp})
		})
	}
	return nil
}

func (r *Reconciler) spawn(ctx context.Context, key string, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Debug("closed, skipping refresh", zap.String("key", key))
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()
		if err := fn(ctx); err != nil {
			r.logger.Error("refresh failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// Wait blocks until every background pass started by RefreshAll, and every
// re-check already running, returns. Armed re-checks are not waited for;
// Close cancels them.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Messages lists the registered message locations.
func (r *Reconciler) Messages(ctx context.Context) ([]models.Location, error) {
	keys, err := r.registry.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list registry: %w", err)
	}
	r.metrics.SetTrackedMessages(len(keys))
	out := make([]models.Location, 0, len(keys))
	for _, key := range keys {
		loc, err := r.registry.Get(ctx, key)
		if err != nil {
			r.logger.Warn("load registry entry", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, loc)
	}
	return out, nil
}

func (r *Reconciler) emit(ctx context.Context, kind, key, instance string) {
	if r.events == nil {
		return
	}
	ev := natsclient.NewEvent(kind)
	ev.Key = key
	ev.Instance = instance
	if instance != "" {
		ev.Region = r.region
	}
	r.events.Emit(ctx, ev)
}
