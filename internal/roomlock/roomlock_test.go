package roomlock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/collab-go/pkg/types"
)

type discardWriter struct{}

func (d *discardWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&discardWriter{}, nil))
}

type sent struct {
	room    string
	msg     types.ProcessingMessage
	exclude string
}

type recordingAnnouncer struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recordingAnnouncer) Broadcast(room string, msg any, exclude string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{room: room, msg: msg.(types.ProcessingMessage), exclude: exclude})
	return nil
}

func (r *recordingAnnouncer) statuses() []types.ProcessingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ProcessingStatus, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.msg.Status
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestCoordinatorSerializesRoom(t *testing.T) {
	ann := &recordingAnnouncer{}
	c := NewCoordinator(ann, testLogger())
	ctx := context.Background()

	first, err := c.Acquire(ctx, "room-1", Holder{ID: "u1", Name: "alice"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	acquired := make(chan *Lease)
	go func() {
		l, err := c.Acquire(ctx, "room-1", Holder{ID: "u2", Name: "bob"})
		if err != nil {
			t.Errorf("second Acquire failed: %v", err)
		}
		acquired <- l
	}()

	waitFor(t, func() bool { return c.Waiters("room-1") == 2 })

	select {
	case <-acquired:
		t.Fatal("second holder entered while gate held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	second := <-acquired
	second.Release()

	want := []types.ProcessingStatus{
		types.ProcessingStarted,
		types.ProcessingQueued,
		types.ProcessingDone,
		types.ProcessingStarted,
		types.ProcessingDone,
	}
	got := ann.statuses()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	ann.mu.Lock()
	queued := ann.msgs[1]
	started := ann.msgs[3]
	ann.mu.Unlock()
	if queued.exclude != "" || queued.msg.QueuedBy != "bob" {
		t.Errorf("queued notice should go to everyone naming bob, got %+v", queued)
	}
	if started.exclude != "u2" || started.msg.ProcessedBy != "bob" {
		t.Errorf("started notice should exclude bob, got %+v", started)
	}

	if c.Rooms() != 0 {
		t.Errorf("expected idle gate removed, got %d rooms", c.Rooms())
	}
}

func TestCoordinatorRoomsAreIndependent(t *testing.T) {
	c := NewCoordinator(nil, testLogger())
	ctx := context.Background()

	a, err := c.Acquire(ctx, "a", Holder{ID: "u1"})
	if err != nil {
		t.Fatalf("Acquire a failed: %v", err)
	}
	defer a.Release()

	done := make(chan struct{})
	go func() {
		b, err := c.Acquire(ctx, "b", Holder{ID: "u2"})
		if err == nil {
			b.Release()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("room b blocked by room a")
	}
}

func TestCoordinatorCancelledWaiter(t *testing.T) {
	c := NewCoordinator(nil, testLogger())

	holder, err := c.Acquire(context.Background(), "r", Holder{ID: "u1"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Acquire(ctx, "r", Holder{ID: "u2"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if w := c.Waiters("r"); w != 1 {
		t.Errorf("expected 1 waiter after cancellation, got %d", w)
	}

	holder.Release()
	if c.Rooms() != 0 {
		t.Errorf("expected gate removed, got %d", c.Rooms())
	}

	again, err := c.Acquire(context.Background(), "r", Holder{ID: "u3"})
	if err != nil {
		t.Fatalf("gate unusable after cancellation: %v", err)
	}
	again.Release()
}

func TestLeaseReleaseIdempotent(t *testing.T) {
	ann := &recordingAnnouncer{}
	c := NewCoordinator(ann, testLogger())

	l, err := c.Acquire(context.Background(), "r", Holder{ID: "u1", Name: "alice"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	l.Release()
	l.Release()

	if c.Waiters("r") != 0 {
		t.Errorf("expected no waiters, got %d", c.Waiters("r"))
	}
	dones := 0
	for _, s := range ann.statuses() {
		if s == types.ProcessingDone {
			dones++
		}
	}
	if dones != 1 {
		t.Errorf("expected one done notice, got %d", dones)
	}
}

func TestSilentAcquire(t *testing.T) {
	ann := &recordingAnnouncer{}
	c := NewCoordinator(ann, testLogger())

	l, err := c.Acquire(context.Background(), "r", Holder{ID: "u1"}, Silent())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	l.Release()

	if n := len(ann.statuses()); n != 0 {
		t.Errorf("expected no notices, got %d", n)
	}
}

func TestCoordinatorMutualExclusion(t *testing.T) {
	c := NewCoordinator(nil, testLogger())
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		inside int
		maxIn  int
		mu     sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := c.Acquire(ctx, "shared", Holder{ID: "u"}, Silent())
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxIn {
				maxIn = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			l.Release()
		}()
	}
	wg.Wait()

	if maxIn != 1 {
		t.Errorf("expected at most one holder, saw %d", maxIn)
	}
	if c.Rooms() != 0 {
		t.Errorf("expected no gates left, got %d", c.Rooms())
	}
}
