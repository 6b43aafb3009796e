package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/devghori1264/aerophoenix/powerbot/internal/models"
	natsclient "github.com/devghori1264/aerophoenix/powerbot/internal/nats"
	"github.com/devghori1264/aerophoenix/powerbot/internal/render"
	"github.com/devghori1264/aerophoenix/powerbot/internal/telemetry"
)

const (
	s1 = "i-server1"
	s2 = "i-server2"
)

var testLayouts = render.Layouts{
	{Name: "layout 1", Title: "*Test Servers*", Rows: []render.Row{{Label: "Server 1", InstanceID: s1}, {Label: "Server 2", InstanceID: s2}}, Channel: "general"},
	{Name: "layout 2", Title: "*Test Servers*", Rows: []render.Row{{Label: "Server 2", InstanceID: s2}}},
}

type harness struct {
	fleet     *fakeFleet
	messenger *fakeMessenger
	registry  *memRegistry
	timer     *fakeTimer
	events    *fakeEvents
	r         *Reconciler
}

func newHarness(t *testing.T, statuses models.Statuses) *harness {
	t.Helper()
	h := &harness{
		fleet:     &fakeFleet{statuses: statuses},
		messenger: &fakeMessenger{gone: map[string]bool{}},
		registry:  newMemRegistry(),
		timer:     &fakeTimer{},
		events:    &fakeEvents{},
	}
	h.r = New(h.fleet, h.messenger, h.registry, Options{
		Region:   "us-east-1",
		Layouts:  testLayouts,
		Renderer: render.NewRenderer(time.UTC),
		Metrics:  telemetry.NewMetrics(prometheus.NewRegistry()),
		Events:   h.events,
		After:    h.timer.After,
	})
	return h
}

func rowButton(t *testing.T, msg render.Message, instance string) string {
	t.Helper()
	for _, b := range msg.Blocks {
		s, ok := b.(*slack.SectionBlock)
		if !ok || s.BlockID != render.RowBlockID(instance) {
			continue
		}
		if s.Accessory == nil || s.Accessory.ButtonElement == nil {
			return ""
		}
		return s.Accessory.ButtonElement.Text.Text
	}
	t.Fatalf("row %s not rendered", instance)
	return ""
}

func TestReconcilePublishRegistersLocation(t *testing.T) {
	h := newHarness(t, models.Statuses{s1: models.CodeStopped, s2: models.CodeRunning})

	err := h.r.Reconcile(context.Background(), ModePublish, Target{Layout: "layout 1", Channel: "general"})
	require.NoError(t, err)

	require.Len(t, h.messenger.published, 1)
	msg := h.messenger.published[0]
	assert.Equal(t, "Turn On", rowButton(t, msg, s1))
	assert.Equal(t, "Turn Off", rowButton(t, msg, s2))

	loc, err := h.registry.Get(context.Background(), "layout 1:C-general")
	require.NoError(t, err)
	assert.Equal(t, models.Location{ChannelID: "C-general", Timestamp: tsFor(1), Layout: "layout 1"}, loc)
	assert.Zero(t, h.timer.pending())
	assert.True(t, h.events.has(natsclient.EventMessagePublished))
}

func TestReconcilePublishKeepsNewestPerKey(t *testing.T) {
	h := newHarness(t, models.Statuses{s1: models.CodeStopped, s2: models.CodeStopped})
	ctx := context.Background()

	require.NoError(t, h.r.Reconcile(ctx, ModePublish, Target{Layout: "layout 1", Channel: "general"}))
	require.NoError(t, h.r.Reconcile(ctx, ModePublish, Target{Layout: "layout 1", Channel: "general"}))

	keys, err := h.registry.ListKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"layout 1:C-general"}, keys)
	loc, err := h.registry.Get(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, tsFor(2), loc.Timestamp)
}

func TestReconcileTransitioningSchedulesRecheck(t *testing.T) {
	h := newHarness(t, models.Statuses{s1: models.CodePending, s2: models.CodeRunning})
	ctx := context.Background()

	require.NoError(t, h.r.Reconcile(ctx, ModePublish, Target{Layout: "layout 1", Channel: "general"}))
	assert.Equal(t, "", rowButton(t, h.messenger.published[0], s1))
	require.Equal(t, 1, h.timer.pending())
	assert.Equal(t, []time.Duration{DefaultRecheckDelay}, h.timer.delays)

	// still starting: the re-check updates the same message and arms another
	h.timer.fire()
	assert.Equal(t, []string{"C-general/" + tsFor(1)}, h.messenger.updatedTargets())
	require.Equal(t, 1, h.timer.pending())

	// settled: one more update and the chain ends
	h.fleet.set(s1, models.CodeRunning)
	h.timer.fire()
	assert.Len(t, h.messenger.updatedTargets(), 2)
	assert.Zero(t, h.timer.pending())
	assert.Equal(t, "Turn Off", rowButton(t, h.messenger.updates[1].Msg, s1))
}

func TestReconcileMissingMessageIsForgotten(t *testing.T) {
	h := newHarness(t, models.Statuses{s1: models.CodeStopping, s2: models.CodeRunning})
	ctx := context.Background()
	loc := models.Location{ChannelID: "C1", Timestamp: "111.1", Layout: "layout 1"}
	require.NoError(t, h.registry.Put(ctx, loc.Key(), loc))
	h.messenger.gone["111.1"] = true

	err := h.r.Reconcile(ctx, ModeUpdate, Target{Layout: "layout 1", Channel: "C1", Timestamp: "111.1"})
	require.NoError(t, err)

	_, err = h.registry.Get(ctx, loc.Key())
	require.Error(t, err)
	assert.Zero(t, h.timer.pending())
	assert.True(t, h.events.has(natsclient.EventMessageRemoved))
}

func TestReconcileStatusFailureAbortsPass(t *testing.T) {
	h := newHarness(t, models.Statuses{s1: models.CodePending})
	h.fleet.describeErr = assert.AnError

	err := h.r.Reconcile(context.Background(), ModePublish, Target{Layout: "layout 1", Channel: "general"})
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, h.messenger.published)
	assert.Zero(t, h.timer.pending())

	keys, _ := h.registry.ListKeys(context.Background())
	assert.Empty(t, keys)
}

func TestReconcileUpdateErrorStillRechecks(t *testing.T) {
	h := newHarness(t, models.Statuses{s1: models.CodePending, s2: models.CodeStopped})
	h.messenger.updateErr = assert.AnError

	err := h.r.Reconcile(context.Background(), ModeUpdate, Target{Layout: "layout 1", Channel: "C1", Timestamp: "1.0"})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, h.timer.pending())
}

func TestReconcileUnknownLayout(t *testing.T) {
	h := newHarness(t, models.Statuses{})
	err := h.r.Reconcile(context.Background(), ModePublish, Target{Layout: "layout 9", Channel: "general"})
	require.ErrorIs(t, err, render.ErrUnknownLayout)
	assert.Empty(t, h.fleet.log())
}

func TestRefreshAllSkipsExcludedKey(t *testing.T) {
	h := newHarness(t, models.Statuses{s1: models.CodeStopped, s2: models.CodeStopped})
	ctx := context.Background()
	for _, loc := range []models.Location{
		{ChannelID: "C1", Timestamp: "1.0", Layout: "layout 1"},
		{ChannelID: "C2", Timestamp: "2.0", Layout: "layout 1"},
		{ChannelID: "C1", Timestamp: "3.0", Layout: "layout 2"},
	} {
		require.NoError(t, h.registry.Put(ctx, loc.Key(), loc))
	}

	require.NoError(t, h.r.RefreshAll(ctx, "layout 1:C1"))
	h.r.Wait()

	assert.Equal(t, []string{"C1/3.0", "C2/2.0"}, h.messenger.updatedTargets())
}

func TestRefreshAllWithoutExclusion(t *testing.T) {
	h := newHarness(t, models.Statuses{s1: models.CodeStopped, s2: models.CodeStopped})
	ctx := context.Background()
	for _, loc := range []models.Location{
		{ChannelID: "C1", Timestamp: "1.0", Layout: "layout 1"},
		{ChannelID: "C2", Timestamp: "2.0", Layout: "layout 2"},
	} {
		require.NoError(t, h.registry.Put(ctx, loc.Key(), loc))
	}

	require.NoError(t, h.r.RefreshAll(ctx, ""))
	h.r.Wait()
	assert.Equal(t, []string{"C1/1.0", "C2/2.0"}, h.messenger.updatedTargets())
}

func TestRefreshAllSwallowsPassFailures(t *testing.T) {
	h := newHarness(t, models.Statuses{})
	h.fleet.describeErr = assert.AnError
	ctx := context.Background()
	loc := models.Location{ChannelID: "C1", Timestamp: "1.0", Layout: "layout 1"}
	require.NoError(t, h.registry.Put(ctx, loc.Key(), loc))

	require.NoError(t, h.r.RefreshAll(ctx, ""))
	h.r.Wait()
	assert.Empty(t, h.messenger.updatedTargets())
}

func TestRefreshAllListFailure(t *testing.T) {
	h := newHarness(t, models.Statuses{})
	h.registry.listErr = assert.AnError
	require.ErrorIs(t, h.r.RefreshAll(context.Background(), ""), assert.AnError)
}

func TestMessages(t *testing.T) {
	h := newHarness(t, models.Statuses{})
	ctx := context.Background()
	loc := models.Location{ChannelID: "C1", Timestamp: "1.0", Layout: "layout 1"}
	require.NoError(t, h.registry.Put(ctx, loc.Key(), loc))

	locs, err := h.r.Messages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Location{loc}, locs)
}

func TestMessagesLogsUnreadableEntries(t *testing.T) {
	h := newHarness(t, models.Statuses{})
	core, logs := observer.New(zapcore.WarnLevel)
	h.r.logger = zap.New(core)
	ctx := context.Background()
	good := models.Location{ChannelID: "C1", Timestamp: "1.0", Layout: "layout 1"}
	bad := models.Location{ChannelID: "C2", Timestamp: "2.0", Layout: "layout 1"}
	require.NoError(t, h.registry.Put(ctx, good.Key(), good))
	require.NoError(t, h.registry.Put(ctx, bad.Key(), bad))
	h.registry.getErrs = map[string]error{bad.Key(): assert.AnError}

	locs, err := h.r.Messages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Location{good}, locs)

	entries := logs.FilterField(zap.String("key", bad.Key())).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestCloseCancelsArmedRechecks(t *testing.T) {
	h := newHarness(t, models.Statuses{s1: models.CodeStopping, s2: models.CodeRunning})
	ctx := context.Background()

	require.NoError(t, h.r.Reconcile(ctx, ModePublish, Target{Layout: "layout 1", Channel: "general"}))
	require.Equal(t, 1, h.timer.pending())

	h.r.Close()
	assert.Zero(t, h.timer.pending())

	describes := len(h.fleet.log())
	h.timer.fire()
	h.r.Wait()
	assert.Len(t, h.fleet.log(), describes)
	assert.Empty(t, h.messenger.updatedTargets())

	// a pass after Close still runs but arms nothing
	require.NoError(t, h.r.Reconcile(ctx, ModeUpdate, Target{Layout: "layout 1", Channel: "C-general", Timestamp: tsFor(1)}))
	assert.Zero(t, h.timer.pending())
}

func TestRecheckFiringAfterCloseIsDropped(t *testing.T) {
	h := newHarness(t, models.Statuses{s1: models.CodePending, s2: models.CodeRunning})
	var armed func()
	h.r.after = func(d time.Duration, f func()) func() bool {
		armed = f
		// the timer already fired: stopping it fails
		return func() bool { return false }
	}

	require.NoError(t, h.r.Reconcile(context.Background(), ModePublish, Target{Layout: "layout 1", Channel: "general"}))
	require.NotNil(t, armed)
	h.r.Close()

	armed()
	h.r.Wait()
	assert.Empty(t, h.messenger.updatedTargets())
}

func TestRefreshAllAfterCloseStartsNothing(t *testing.T) {
	h := newHarness(t, models.Statuses{s1: models.CodeStopped, s2: models.CodeStopped})
	ctx := context.Background()
	loc := models.Location{ChannelID: "C1", Timestamp: "1.0", Layout: "layout 1"}
	require.NoError(t, h.registry.Put(ctx, loc.Key(), loc))

	h.r.Close()
	require.NoError(t, h.r.RefreshAll(ctx, ""))
	h.r.Wait()
	assert.Empty(t, h.messenger.updatedTargets())
}
