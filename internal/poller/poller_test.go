package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/presence-stream/internal/broadcast"
	"github.com/dgnsrekt/presence-stream/internal/cache"
	"github.com/dgnsrekt/presence-stream/internal/presence"
)

type recordingStream struct {
	id   string
	mu   sync.Mutex
	msgs []broadcast.Message
	done chan struct{}
}

func newRecordingStream() *recordingStream {
	return &recordingStream{id: broadcast.NewID(), done: make(chan struct{})}
}

func (s *recordingStream) ID() string { return s.id }

func (s *recordingStream) Send(msg broadcast.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingStream) Comment(string) error  { return nil }
func (s *recordingStream) Close() error          { return nil }
func (s *recordingStream) Done() <-chan struct{} { return s.done }

func (s *recordingStream) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Name
	}
	return out
}

// scriptedFetcher returns snapshots in order, repeating the last one.
type scriptedFetcher struct {
	mu     sync.Mutex
	script []presence.Snapshot
	calls  atomic.Int32
	hook   func()
}

func (f *scriptedFetcher) FetchSnapshot(context.Context) presence.Snapshot {
	n := int(f.calls.Add(1)) - 1
	if f.hook != nil {
		f.hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n >= len(f.script) {
		n = len(f.script) - 1
	}
	return f.script[n]
}

func song(title string, progress int64) presence.Snapshot {
	return presence.Snapshot{Active: true, Title: title, Artist: "Band", ProgressMs: progress, DurationMs: 300000}
}

func newTestPoller(t *testing.T, interval time.Duration, f Fetcher) (*Poller, *broadcast.Registry, *cache.Memory) {
	logger := zaptest.NewLogger(t)
	reg := broadcast.NewRegistry("spotify", logger)
	mem := cache.NewMemory()
	p := New(Options{
		Name:     "spotify",
		Interval: interval,
		Differ:   presence.MusicDiffer(interval, presence.DefaultSeekThreshold),
		Names:    presence.SpotifyEventNames,
		CacheKey: cache.LastStateKey("spotify"),
		CacheTTL: time.Hour,
	}, f, reg, mem, logger)
	t.Cleanup(func() {
		p.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Wait(ctx)
	})
	return p, reg, mem
}

func TestTaskStartIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	task := NewTask("test", 40*time.Millisecond, func(context.Context) { calls.Add(1) }, zaptest.NewLogger(t))

	assert.True(t, task.Start())
	assert.False(t, task.Start())
	assert.True(t, task.Running())

	time.Sleep(100 * time.Millisecond)
	assert.True(t, task.Stop())

	// two ticks fit in 100ms; a second loop would double that
	got := calls.Load()
	assert.GreaterOrEqual(t, got, int32(1))
	assert.LessOrEqual(t, got, int32(3))
}

func TestTaskStopWhenStopped(t *testing.T) {
	task := NewTask("test", time.Second, func(context.Context) {}, zaptest.NewLogger(t))

	assert.False(t, task.Stop())
	assert.False(t, task.Running())
	require.NoError(t, task.Wait(context.Background()))

	task.Start()
	assert.True(t, task.Stop())
	assert.False(t, task.Stop())
}

func TestTaskStopIfChecksGeneration(t *testing.T) {
	task := NewTask("test", time.Hour, func(context.Context) {}, zaptest.NewLogger(t))
	task.Start()
	defer task.Stop()

	stale, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.False(t, task.StopIf(stale, func() bool { return true }), "foreign generation must not stop the task")
	assert.True(t, task.Running())

	task.mu.Lock()
	current := task.ctx
	task.mu.Unlock()

	assert.False(t, task.StopIf(current, func() bool { return false }))
	assert.True(t, task.StopIf(current, func() bool { return true }))
	assert.False(t, task.Running())
}

func TestTaskRecoversFromPanic(t *testing.T) {
	var calls atomic.Int32
	task := NewTask("test", 10*time.Millisecond, func(context.Context) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}, zaptest.NewLogger(t))

	task.Start()
	defer task.Stop()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestPollerStopsWithoutSubscribers(t *testing.T) {
	f := &scriptedFetcher{script: []presence.Snapshot{song("A", 0)}}
	p, _, _ := newTestPoller(t, 20*time.Millisecond, f)

	require.True(t, p.Start())

	require.Eventually(t, func() bool { return !p.Running() }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.calls.Load(), "a tick with no subscribers must not fetch")
}

func TestPollerBroadcastsEvents(t *testing.T) {
	f := &scriptedFetcher{script: []presence.Snapshot{
		{Active: false},
		song("A", 1000),
		song("B", 0),
		{Active: false, Title: "B", Artist: "Band"},
	}}
	p, reg, mem := newTestPoller(t, 15*time.Millisecond, f)

	s := newRecordingStream()
	reg.Register(s)
	p.Seed(presence.Snapshot{Active: false})
	p.Start()

	want := []string{"spotify:play", "spotify:changemusic", "spotify:pause"}
	require.Eventually(t, func() bool { return len(s.names()) >= len(want) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, s.names()[:3])

	var cached presence.Snapshot
	ok, err := mem.Get(context.Background(), cache.LastStateKey("spotify"), &cached)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B", cached.Title)
	assert.False(t, cached.Active)
}

func TestPollerFirstTickWithoutStateIsUpdate(t *testing.T) {
	f := &scriptedFetcher{script: []presence.Snapshot{song("A", 0)}}
	p, reg, _ := newTestPoller(t, 15*time.Millisecond, f)

	s := newRecordingStream()
	reg.Register(s)
	p.Start()

	require.Eventually(t, func() bool { return len(s.names()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "spotify:update", s.names()[0])
}

func TestPollerStopsAfterLastSubscriberLeaves(t *testing.T) {
	f := &scriptedFetcher{script: []presence.Snapshot{song("A", 0)}}
	p, reg, _ := newTestPoller(t, 15*time.Millisecond, f)

	s := newRecordingStream()
	reg.Register(s)
	p.Start()
	require.Eventually(t, func() bool { return f.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	reg.Deregister(s)
	require.Eventually(t, func() bool { return !p.Running() }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))

	calls := f.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, f.calls.Load())
}

func TestPollerDiscardsCancelledGeneration(t *testing.T) {
	f := &scriptedFetcher{script: []presence.Snapshot{song("A", 0)}}
	p, reg, mem := newTestPoller(t, time.Hour, f)

	s := newRecordingStream()
	reg.Register(s)

	ctx, cancel := context.WithCancel(context.Background())
	f.hook = cancel

	p.tick(ctx)

	assert.Equal(t, int32(1), f.calls.Load())
	_, ok := p.Last()
	assert.False(t, ok, "result of a cancelled generation must not be applied")
	assert.Empty(t, s.names())
	assert.Zero(t, mem.Len())
}

func TestPollerContinuesOnDegradedSnapshot(t *testing.T) {
	f := &scriptedFetcher{script: []presence.Snapshot{
		presence.Unavailable("Failed to fetch current song", nil),
		song("A", 0),
	}}
	p, reg, _ := newTestPoller(t, time.Hour, f)
	s := newRecordingStream()
	reg.Register(s)
	p.Seed(presence.Snapshot{})

	p.tick(context.Background())
	p.tick(context.Background())

	assert.Equal(t, []string{"spotify:play"}, s.names())
	last, ok := p.Last()
	require.True(t, ok)
	assert.Equal(t, "A", last.Title)
}

func TestRebaseReplacesStateWhileStopped(t *testing.T) {
	p, reg, _ := newTestPoller(t, time.Second, &scriptedFetcher{script: []presence.Snapshot{song("A", 67000)}})

	// left over from an earlier run
	p.Seed(song("A", 60000))
	require.False(t, p.Running())

	assert.True(t, p.Rebase(song("A", 66000)))
	last, ok := p.Last()
	require.True(t, ok)
	assert.Equal(t, int64(66000), last.ProgressMs)

	s := newRecordingStream()
	reg.Register(s)
	p.tick(context.Background())
	assert.Empty(t, s.names())
}

func TestRebaseKeepsStateWhileRunning(t *testing.T) {
	p, reg, _ := newTestPoller(t, time.Hour, &scriptedFetcher{script: []presence.Snapshot{{}}})
	reg.Register(newRecordingStream())
	p.Seed(song("A", 0))
	require.True(t, p.Start())
	defer p.Stop()

	assert.False(t, p.Rebase(song("B", 0)))
	last, _ := p.Last()
	assert.Equal(t, "A", last.Title)
}

func TestSeedOnlyWhenEmpty(t *testing.T) {
	p, _, _ := newTestPoller(t, time.Hour, &scriptedFetcher{script: []presence.Snapshot{{}}})

	assert.True(t, p.Seed(song("A", 0)))
	assert.False(t, p.Seed(song("B", 0)))

	last, ok := p.Last()
	require.True(t, ok)
	assert.Equal(t, "A", last.Title)

	p.Reset()
	_, ok = p.Last()
	assert.False(t, ok)
}
