package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devghori1264/aerophoenix/powerbot/internal/models"
	natsclient "github.com/devghori1264/aerophoenix/powerbot/internal/nats"
	"github.com/devghori1264/aerophoenix/powerbot/internal/render"
	"github.com/devghori1264/aerophoenix/powerbot/internal/storage"
)

type fakeFleet struct {
	mu          sync.Mutex
	statuses    models.Statuses
	describeErr error
	powerErr    error
	calls       []string
}

func (f *fakeFleet) DescribeStatuses(ctx context.Context, region string, ids []string) (models.Statuses, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "describe")
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	out := make(models.Statuses, len(f.statuses))
	for k, v := range f.statuses {
		out[k] = v
	}
	return out, nil
}

func (f *fakeFleet) Start(ctx context.Context, region, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start:"+id)
	return f.powerErr
}

func (f *fakeFleet) Stop(ctx context.Context, region, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop:"+id)
	return f.powerErr
}

func (f *fakeFleet) set(id string, code models.LifecycleCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = code
}

func (f *fakeFleet) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeFleet) count(call string) int {
	n := 0
	for _, c := range f.log() {
		if c == call {
			n++
		}
	}
	return n
}

type update struct {
	Channel string
	TS      string
	Msg     render.Message
}

type fakeMessenger struct {
	mu        sync.Mutex
	nextTS    int
	published []render.Message
	updates   []update
	responses []render.Message
	updateErr error
	// gone lists timestamps whose messages no longer exist
	gone map[string]bool
}

func (m *fakeMessenger) Publish(ctx context.Context, channel string, msg render.Message) (models.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTS++
	m.published = append(m.published, msg)
	return models.Location{ChannelID: "C-" + channel, Timestamp: tsFor(m.nextTS)}, nil
}

func (m *fakeMessenger) Update(ctx context.Context, channelID, ts string, msg render.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone[ts] {
		return models.ErrMessageNotFound
	}
	m.updates = append(m.updates, update{Channel: channelID, TS: ts, Msg: msg})
	return m.updateErr
}

func (m *fakeMessenger) Respond(ctx context.Context, responseURL string, msg render.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, msg)
	return nil
}

func (m *fakeMessenger) updatedTargets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.updates))
	for _, u := range m.updates {
		out = append(out, u.Channel+"/"+u.TS)
	}
	sort.Strings(out)
	return out
}

func tsFor(n int) string {
	return time.Unix(1700000000+int64(n), 0).UTC().Format("20060102150405")
}

type memRegistry struct {
	mu      sync.Mutex
	entries map[string]models.Location
	listErr error
	getErrs map[string]error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{entries: map[string]models.Location{}}
}

func (m *memRegistry) Put(ctx context.Context, key string, loc models.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = loc
	return nil
}

func (m *memRegistry) Get(ctx context.Context, key string) (models.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.getErrs[key]; err != nil {
		return models.Location{}, err
	}
	loc, ok := m.entries[key]
	if !ok {
		return models.Location{}, storage.ErrNotFound
	}
	return loc, nil
}

func (m *memRegistry) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memRegistry) ListKeys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// fakeTimer captures re-checks instead of arming real timers.
type fakeTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	queue  []*fakeAlarm
}

type fakeAlarm struct {
	f       func()
	stopped bool
}

func (t *fakeTimer) After(d time.Duration, f func()) func() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := &fakeAlarm{f: f}
	t.delays = append(t.delays, d)
	t.queue = append(t.queue, a)
	return func() bool {
		t.mu.Lock()
		defer t.mu.Unlock()
		was := !a.stopped
		a.stopped = true
		return was
	}
}

// pending counts armed re-checks that were not cancelled.
func (t *fakeTimer) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, a := range t.queue {
		if !a.stopped {
			n++
		}
	}
	return n
}

// fire runs every live re-check and clears the queue.
func (t *fakeTimer) fire() {
	t.mu.Lock()
	var live []func()
	for _, a := range t.queue {
		if !a.stopped {
			live = append(live, a.f)
		}
	}
	t.queue = nil
	t.mu.Unlock()
	for _, f := range live {
		f()
	}
}

type fakeEvents struct {
	mu    sync.Mutex
	kinds []string
}

func (e *fakeEvents) Emit(ctx context.Context, ev natsclient.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, ev.Kind)
}

func (e *fakeEvents) has(kind string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range e.kinds {
		if k == kind {
			return true
		}
	}
	return false
}
