package buffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/szibis/telemetry-courier/internal/sizing"
)

// mockSink records every batch it receives.
type mockSink struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (m *mockSink) Send(ctx context.Context, items []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	batch := make([]string, len(items))
	copy(batch, items)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *mockSink) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func (m *mockSink) allItems() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []string
	for _, b := range m.batches {
		all = append(all, b...)
	}
	return all
}

func testConfig() Config {
	return Config{
		Name:          "test",
		MaxItems:      100,
		MaxBytes:      1 << 20,
		MaxBatchSize:  10,
		FlushInterval: time.Hour, // timer effectively disabled
		CloseTimeout:  time.Second,
	}
}

func byteSizer() sizing.Sizer[string] {
	return func(s string) int { return len(s) }
}

func TestReceiveEmptyNeverCallsSink(t *testing.T) {
	sink := &mockSink{}
	c, err := New[string](testConfig(), sink, byteSizer())
	if err != nil {
		t.Fatal(err)
	}

	c.Receive(nil)
	c.Receive([]string{})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	if sink.batchCount() != 0 {
		t.Errorf("sink called %d times for empty input, want 0", sink.batchCount())
	}
}

func TestFlushPreservesFIFO(t *testing.T) {
	sink := &mockSink{}
	c, err := New[string](testConfig(), sink, byteSizer())
	if err != nil {
		t.Fatal(err)
	}

	c.Receive([]string{"a", "b"})
	c.Receive([]string{"c"})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	got := sink.allItems()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("flushed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEvictOldestOnCountCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxItems = 2
	cfg.MaxBatchSize = 2
	sink := &mockSink{}
	c, err := New[string](cfg, sink, byteSizer())
	if err != nil {
		t.Fatal(err)
	}

	c.Receive([]string{"a", "b"})
	c.Receive([]string{"c"})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	got := sink.allItems()
	want := []string{"b", "c"}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("flushed %v, want %v", got, want)
	}
	if c.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", c.Dropped())
	}
}

func TestEvictOldestOnByteCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBytes = 10
	sink := &mockSink{}
	c, err := New[string](cfg, sink, byteSizer())
	if err != nil {
		t.Fatal(err)
	}

	c.Receive([]string{"aaaaa", "bbbbb"}) // exactly at the cap
	c.Receive([]string{"cc"})             // evicts "aaaaa"
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	got := sink.allItems()
	if len(got) != 2 || got[0] != "bbbbb" || got[1] != "cc" {
		t.Errorf("flushed %v, want [bbbbb cc]", got)
	}
}

func TestOversizeItemDroppedOutright(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBytes = 4
	sink := &mockSink{}
	c, err := New[string](cfg, sink, byteSizer())
	if err != nil {
		t.Fatal(err)
	}

	c.Receive([]string{"tiny", "way too large"})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	got := sink.allItems()
	if len(got) != 1 || got[0] != "tiny" {
		t.Errorf("flushed %v, want [tiny]", got)
	}
	if c.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", c.Dropped())
	}
}

func TestThresholdTriggersEarlyFlush(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchSize = 3
	sink := &mockSink{}
	c, err := New[string](cfg, sink, byteSizer())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	c.Receive([]string{"a", "b", "c"})

	deadline := time.After(2 * time.Second)
	for sink.batchCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("threshold flush did not fire")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if got := sink.allItems(); len(got) != 3 {
		t.Errorf("flushed %d items, want 3", len(got))
	}
}

func TestTimerFlush(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	sink := &mockSink{}
	c, err := New[string](cfg, sink, byteSizer())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	c.Receive([]string{"a"})

	deadline := time.After(2 * time.Second)
	for sink.batchCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timer flush did not fire")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBatchSizeRespected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchSize = 4
	sink := &mockSink{}
	c, err := New[string](cfg, sink, byteSizer())
	if err != nil {
		t.Fatal(err)
	}

	items := make([]string, 10)
	for i := range items {
		items[i] = "x"
	}
	c.Receive(items)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, b := range sink.batches {
		if len(b) > 4 {
			t.Errorf("batch %d has %d items, want at most 4", i, len(b))
		}
	}
	total := 0
	for _, b := range sink.batches {
		total += len(b)
	}
	if total != 10 {
		t.Errorf("flushed %d items, want 10", total)
	}
}

func TestFailedBatchNotReenqueued(t *testing.T) {
	sink := &mockSink{err: errors.New("backend down")}
	c, err := New[string](testConfig(), sink, byteSizer())
	if err != nil {
		t.Fatal(err)
	}

	c.Receive([]string{"a", "b"})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	if got := c.Len(); got != 0 {
		t.Errorf("len = %d after failed flush, want 0", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	sink := &mockSink{}
	c, err := New[string](testConfig(), sink, byteSizer())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	c.Receive([]string{"a"})

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	if !c.Closed() {
		t.Error("Closed() = false after Close")
	}
	if got := sink.allItems(); len(got) != 1 {
		t.Errorf("flushed %d items, want 1", len(got))
	}
}

func TestReceiveAfterStartConcurrent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxItems = 10000
	cfg.FlushInterval = 5 * time.Millisecond
	sink := &mockSink{}
	c, err := New[string](cfg, sink, byteSizer())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Receive([]string{"item"})
			}
		}()
	}
	wg.Wait()

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	if got := len(sink.allItems()); got != 400 {
		t.Errorf("delivered %d items, want 400", got)
	}
}

func TestCloseRacingStartKeepsSingleFlight(t *testing.T) {
	for i := 0; i < 200; i++ {
		var inflight, peak atomic.Int32
		sink := SinkFunc[string](func(ctx context.Context, items []string) error {
			n := inflight.Add(1)
			for {
				m := peak.Load()
				if n <= m || peak.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			inflight.Add(-1)
			return nil
		})

		cfg := testConfig()
		cfg.MaxBatchSize = 1
		c, err := New[string](cfg, sink, byteSizer())
		if err != nil {
			t.Fatal(err)
		}

		// Arms the threshold flush signal before the loop starts.
		c.Receive([]string{"a", "b", "c", "d"})
		go c.Start(context.Background())
		if err := c.Close(); err != nil {
			t.Fatal(err)
		}

		if got := peak.Load(); got > 1 {
			t.Fatalf("iteration %d: %d concurrent sink sends, want at most 1", i, got)
		}
	}
}

func TestReceiveAfterCloseDropsItems(t *testing.T) {
	sink := &mockSink{}
	c, err := New[string](testConfig(), sink, byteSizer())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	before := c.Dropped()
	c.Receive([]string{"late", "later"})

	if got := c.Len(); got != 0 {
		t.Errorf("buffer holds %d items after close, want 0", got)
	}
	if got := c.Dropped() - before; got != 2 {
		t.Errorf("dropped %d items, want 2", got)
	}
	if sink.batchCount() != 0 {
		t.Errorf("sink called %d times for post-close items, want 0", sink.batchCount())
	}
}
