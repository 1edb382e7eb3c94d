package hub

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func nextWithin(t *testing.T, s *Subscription, d time.Duration) (Frame, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Next(ctx)
}

func TestPublish_IncrementsVersion(t *testing.T) {
	h := New(nil)
	if v := h.Current().Version; v != 0 {
		t.Fatalf("initial version: got %d, want 0", v)
	}
	for want := uint64(1); want <= 3; want++ {
		if got := h.Publish([]byte{byte(want)}, 1); got != want {
			t.Errorf("Publish: got version %d, want %d", got, want)
		}
	}
	f := h.Current()
	if f.Version != 3 || !bytes.Equal(f.Data, []byte{3}) || f.SourceID != 1 {
		t.Errorf("Current: got %+v", f)
	}
}

func TestNext_NoFrameBlocksUntilPublish(t *testing.T) {
	h := New(nil)
	s := h.Subscribe()
	defer s.Close()

	if _, err := nextWithin(t, s, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next before any publish: got err %v, want deadline exceeded", err)
	}

	h.Publish([]byte("F"), 7)
	f, err := nextWithin(t, s, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(f.Data) != "F" || f.SourceID != 7 || f.Version != 1 {
		t.Errorf("Next: got %+v", f)
	}
}

func TestNext_FirstCallReturnsCurrent(t *testing.T) {
	h := New(nil)
	h.Publish([]byte("A"), 1)
	h.Publish([]byte("B"), 2)

	s := h.Subscribe()
	defer s.Close()

	f, err := nextWithin(t, s, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(f.Data) != "B" || f.Version != 2 {
		t.Errorf("first Next: got %+v, want B@2", f)
	}

	// Nothing new: the second call waits.
	if _, err := nextWithin(t, s, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Next without publish: got err %v, want deadline exceeded", err)
	}
}

func TestNext_Placeholder(t *testing.T) {
	h := New([]byte("placeholder"))
	s := h.Subscribe()
	defer s.Close()

	f, err := nextWithin(t, s, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(f.Data) != "placeholder" || f.Version != 0 {
		t.Errorf("Next: got %+v, want placeholder@0", f)
	}

	h.Publish([]byte("F"), 3)
	f, err = nextWithin(t, s, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(f.Data) != "F" || f.Version != 1 {
		t.Errorf("Next after publish: got %+v", f)
	}
}

func TestNext_CoalescesToLatest(t *testing.T) {
	h := New(nil)
	s := h.Subscribe()
	defer s.Close()

	for i := 1; i <= 5; i++ {
		h.Publish([]byte{byte(i)}, i)
	}

	f, err := nextWithin(t, s, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Version != 5 || f.SourceID != 5 {
		t.Errorf("Next: got version %d source %d, want 5/5", f.Version, f.SourceID)
	}
	if _, err := nextWithin(t, s, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("coalesced versions were replayed: err %v", err)
	}
}

// Three subscribers attached before any publish each see the single
// publish exactly once.
func TestThreeSubscribers_SinglePublish(t *testing.T) {
	h := New(nil)
	subs := []*Subscription{h.Subscribe(), h.Subscribe(), h.Subscribe()}

	var wg sync.WaitGroup
	got := make([][]Frame, len(subs))
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s *Subscription) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()
			for {
				f, err := s.Next(ctx)
				if err != nil {
					return
				}
				got[i] = append(got[i], f)
			}
		}(i, s)
	}

	// Give the readers a moment to block.
	time.Sleep(20 * time.Millisecond)
	h.Publish([]byte("F"), 7)
	wg.Wait()

	for i, frames := range got {
		if len(frames) != 1 {
			t.Errorf("subscriber %d: got %d frames, want 1", i, len(frames))
			continue
		}
		if string(frames[0].Data) != "F" || frames[0].SourceID != 7 {
			t.Errorf("subscriber %d: got %+v, want (F, 7)", i, frames[0])
		}
	}
	for _, s := range subs {
		s.Close()
	}
}

func TestNext_VersionNeverDecreases(t *testing.T) {
	h := New(nil)
	s := h.Subscribe()
	defer s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			h.Publish([]byte{byte(i)}, i)
		}
	}()

	var last uint64
	for {
		f, err := nextWithin(t, s, time.Second)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if f.Version <= last {
			t.Fatalf("version went from %d to %d", last, f.Version)
		}
		if f.SourceID != int(f.Version)-1 {
			t.Fatalf("frame/version mismatch: version %d source %d", f.Version, f.SourceID)
		}
		last = f.Version
		if last == 1000 {
			break
		}
	}
	<-done
}

func TestClose_UnblocksNext(t *testing.T) {
	h := New(nil)
	s := h.Subscribe()
	if n := h.Subscribers(); n != 1 {
		t.Fatalf("Subscribers: got %d, want 1", n)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()
	s.Close() // idempotent

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Next after Close: got %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	if n := h.Subscribers(); n != 0 {
		t.Errorf("Subscribers after Close: got %d, want 0", n)
	}

	// Publishing with nobody listening must not block.
	h.Publish([]byte("x"), 1)
}

func TestHubClose_EndsAllSubscriptions(t *testing.T) {
	h := New([]byte("p"))
	s := h.Subscribe()
	defer s.Close()

	h.Close()
	if _, err := nextWithin(t, s, time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Next after hub Close: got %v, want ErrClosed", err)
	}
}

func TestSubscribe_UniqueIDs(t *testing.T) {
	h := New(nil)
	a, b := h.Subscribe(), h.Subscribe()
	defer a.Close()
	defer b.Close()
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("subscription ids: %q, %q", a.ID(), b.ID())
	}
}
