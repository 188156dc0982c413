package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeChangeLog struct {
	mu      sync.Mutex
	changes []Change
	err     error
}

func (f *fakeChangeLog) LatestSeq(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.changes) == 0 {
		return 0, nil
	}
	return f.changes[len(f.changes)-1].Seq, nil
}

func (f *fakeChangeLog) ChangesSince(_ context.Context, after int64, exclude string) ([]Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []Change
	for _, c := range f.changes {
		if c.Seq > after && c.Origin != exclude {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeChangeLog) add(c Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, c)
}

func TestWatcherRunOnceAdvancesCursor(t *testing.T) {
	log := &fakeChangeLog{}
	w := NewWatcher(log, "me", 0)
	ctx := context.Background()

	log.add(Change{Seq: 1, Key: "user", Origin: "other"})
	log.add(Change{Seq: 2, Key: "user", Origin: "me"})
	log.add(Change{Seq: 3, Key: "access_token", Origin: "other"})

	var got []string
	n, err := w.RunOnce(ctx, func(c Change) { got = append(got, c.Key) })
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 || len(got) != 2 || got[0] != "user" || got[1] != "access_token" {
		t.Errorf("RunOnce delivered %d %v, want [user access_token]", n, got)
	}

	n, err = w.RunOnce(ctx, func(Change) { t.Error("change redelivered") })
	if err != nil || n != 0 {
		t.Errorf("second RunOnce = %d, %v; want 0, nil", n, err)
	}
}

func TestWatcherRunOnceError(t *testing.T) {
	log := &fakeChangeLog{err: errors.New("disk gone")}
	w := NewWatcher(log, "me", 0)
	if _, err := w.RunOnce(context.Background(), func(Change) {}); err == nil {
		t.Error("expected error from RunOnce")
	}
}

func TestWatcherRunStopsOnCancel(t *testing.T) {
	w := NewWatcher(&fakeChangeLog{}, "me", 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx, func(Change) {}); err != nil {
		t.Errorf("Run after cancel = %v, want nil", err)
	}
}
