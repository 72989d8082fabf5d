package waiter

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRegisterNotifyWakes(t *testing.T) {
	r := New(nil)
	s := r.Register("/s1")
	defer r.Unregister("/s1", s)

	r.Notify("/s1")

	select {
	case <-s.Wake():
	case <-time.After(time.Second):
		t.Fatal("expected wake signal after Notify")
	}
}

func TestNotifyWithNoWaitersIsNoOp(t *testing.T) {
	r := New(nil)
	r.Notify("/nothing/waiting")
}

func TestUnregisterStopsFurtherWakes(t *testing.T) {
	r := New(nil)
	s := r.Register("/s1")
	r.Unregister("/s1", s)

	// Notify after unregister must not panic or block.
	r.Notify("/s1")

	select {
	case <-s.Wake():
		t.Error("unregistered waiter should not receive a wake")
	default:
	}
}

func TestNotifyIsNonBlockingWithPendingWake(t *testing.T) {
	r := New(nil)
	s := r.Register("/s1")
	defer r.Unregister("/s1", s)

	done := make(chan struct{})
	go func() {
		r.Notify("/s1")
		r.Notify("/s1") // second notify must not block on a full channel
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on an already-pending wake")
	}
}

func TestNotifyClosedFiresClosedChannel(t *testing.T) {
	r := New(nil)
	s := r.Register("/s1")

	r.NotifyClosed("/s1")

	select {
	case <-s.Closed():
	case <-time.After(time.Second):
		t.Fatal("expected Closed() to fire after NotifyClosed")
	}
}

func TestMultipleWaitersAllWake(t *testing.T) {
	r := New(nil)
	a := r.Register("/s1")
	b := r.Register("/s1")
	defer r.Unregister("/s1", a)
	defer r.Unregister("/s1", b)

	r.Notify("/s1")

	for _, s := range []*Signal{a, b} {
		select {
		case <-s.Wake():
		case <-time.After(time.Second):
			t.Fatal("expected all registered waiters to wake")
		}
	}
}

func TestWatchDirWakesOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	segPath := filepath.Join(dir, "000000.log")
	if err := os.WriteFile(segPath, nil, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	r := New(nil)
	defer r.Close()

	if err := r.WatchDir("/watched", dir); err != nil {
		t.Skipf("fsnotify unavailable in this environment: %v", err)
	}

	s := r.Register("/watched")
	defer r.Unregister("/watched", s)

	if err := os.WriteFile(segPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-s.Wake():
	case <-time.After(3 * time.Second):
		t.Fatal("expected a wake from the fsnotify-bridged directory write")
	}
}

func TestWatchDirOnlyWakesItsOwnPath(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	r := New(nil)
	defer r.Close()

	if err := r.WatchDir("/a", dirA); err != nil {
		t.Skipf("fsnotify unavailable in this environment: %v", err)
	}
	if err := r.WatchDir("/b", dirB); err != nil {
		t.Skipf("fsnotify unavailable in this environment: %v", err)
	}

	sb := r.Register("/b")
	defer r.Unregister("/b", sb)

	if err := os.WriteFile(filepath.Join(dirA, "000000.log"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-sb.Wake():
		t.Error("write to dirA's watch should not wake a waiter registered on /b")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNotifyDoesNotCrossStreams(t *testing.T) {
	r := New(nil)
	a := r.Register("/s1")
	b := r.Register("/s2")
	defer r.Unregister("/s1", a)
	defer r.Unregister("/s2", b)

	r.Notify("/s1")

	select {
	case <-b.Wake():
		t.Error("waiter on /s2 should not wake from a notify on /s1")
	default:
	}
}
