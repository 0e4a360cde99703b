package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced explicitly by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) EventObserved(decision string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[decision]++
}

func TestDebouncer_CollapsesBurstWithinCooldown(t *testing.T) {
	clock := newFakeClock()
	runs := 0
	d := NewDebouncer(func(context.Context, string, time.Time) { runs++ },
		WithCooldown(5*time.Second), WithClock(clock.Now))

	t0 := clock.Now()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		d.OnEvent(ctx, "/data/input.txt", t0.Add(time.Duration(i)*200*time.Millisecond))
	}
	assert.Equal(t, 1, runs)
}

func TestDebouncer_CooldownScenario(t *testing.T) {
	clock := newFakeClock()
	var triggered []time.Time
	d := NewDebouncer(func(_ context.Context, _ string, at time.Time) { triggered = append(triggered, at) },
		WithCooldown(5*time.Second), WithClock(clock.Now))
	ctx := context.Background()

	t0 := clock.Now()
	assert.True(t, d.OnEvent(ctx, "/src/preprocess.py", t0))
	assert.False(t, d.OnEvent(ctx, "/src/preprocess.py", t0.Add(time.Second)))
	require.Len(t, triggered, 1)

	clock.Advance(6 * time.Second)
	assert.True(t, d.OnEvent(ctx, "/src/preprocess.py", t0.Add(6*time.Second)))
	require.Len(t, triggered, 2)
	assert.Equal(t, t0.Add(6*time.Second), d.LastTrigger())
}

func TestDebouncer_CooldownBoundaryIsExclusive(t *testing.T) {
	clock := newFakeClock()
	d := NewDebouncer(nil, WithCooldown(5*time.Second), WithClock(clock.Now))
	ctx := context.Background()

	t0 := clock.Now()
	require.True(t, d.OnEvent(ctx, "a.sas", t0))
	assert.False(t, d.OnEvent(ctx, "a.sas", t0.Add(5*time.Second)))
	assert.True(t, d.OnEvent(ctx, "a.sas", t0.Add(5*time.Second+time.Nanosecond)))
}

func TestDebouncer_FiltersExtensions(t *testing.T) {
	clock := newFakeClock()
	metrics := &countingMetrics{}
	var paths []string
	d := NewDebouncer(func(_ context.Context, p string, _ time.Time) { paths = append(paths, p) },
		WithCooldown(0), WithClock(clock.Now), WithMetrics(metrics))
	ctx := context.Background()

	t0 := clock.Now()
	for i, p := range []string{"/o/result.csv", "/o/chart.png", "/s/run.log", "/s/MODEL.PY", "/s/noext"} {
		d.OnEvent(ctx, p, t0.Add(time.Duration(i+1)*time.Second))
	}
	assert.Equal(t, []string{"/s/MODEL.PY"}, paths)
	assert.Equal(t, 4, metrics.counts[string(RejectedExtension)])
	assert.Equal(t, 1, metrics.counts[string(Accepted)])
}

func TestDebouncer_CustomExtensions(t *testing.T) {
	d := NewDebouncer(nil, WithExtensions("csv", ".R "))
	assert.True(t, d.Watches("/x/a.csv"))
	assert.True(t, d.Watches("/x/b.r"))
	assert.False(t, d.Watches("/x/c.txt"))
}

func TestDebouncer_RecordsTriggerBeforeDispatch(t *testing.T) {
	clock := newFakeClock()
	var d *Debouncer
	var reentrant bool
	d = NewDebouncer(func(ctx context.Context, p string, at time.Time) {
		// a write made by the run itself
		reentrant = d.OnEvent(ctx, p, at.Add(time.Millisecond))
	}, WithClock(clock.Now))

	require.True(t, d.OnEvent(context.Background(), "/s/a.py", clock.Now()))
	assert.False(t, reentrant)
}

func TestDebouncer_DropsEventsThatArrivedDuringRun(t *testing.T) {
	clock := newFakeClock()
	metrics := &countingMetrics{}
	runs := 0
	d := NewDebouncer(func(context.Context, string, time.Time) {
		runs++
		clock.Advance(10 * time.Second)
	}, WithCooldown(5*time.Second), WithClock(clock.Now), WithMetrics(metrics))
	ctx := context.Background()

	t0 := clock.Now()
	require.True(t, d.OnEvent(ctx, "/in/a.txt", t0))

	// Stamped at t0+7s: past the cooldown but while the 10s run executed.
	assert.False(t, d.OnEvent(ctx, "/in/a.txt", t0.Add(7*time.Second)))
	assert.Equal(t, 1, metrics.counts[string(RejectedBusy)])

	assert.True(t, d.OnEvent(ctx, "/in/a.txt", t0.Add(11*time.Second)))
	assert.Equal(t, 2, runs)
}

func TestDebouncer_AfterRunCheckFollowsHandler(t *testing.T) {
	var order []string
	d := NewDebouncer(
		func(context.Context, string, time.Time) { order = append(order, "run") },
		WithAfterRun(func(context.Context) { order = append(order, "check") }),
	)

	d.OnEvent(context.Background(), "/s/a.py", time.Now())
	assert.Equal(t, []string{"run", "check"}, order)

	d.OnEvent(context.Background(), "/s/a.csv", time.Now())
	assert.Equal(t, []string{"run", "check"}, order, "rejected events have no effect")
}

func TestDebouncer_CancelledContext(t *testing.T) {
	runs := 0
	d := NewDebouncer(func(context.Context, string, time.Time) { runs++ })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, d.OnEvent(ctx, "/s/a.py", time.Now()))
	assert.Zero(t, runs)
	assert.True(t, d.LastTrigger().IsZero())
}
