package ratelimit

import "testing"

func TestTryAcquireRespectsGlobalAndPerIPLimits(t *testing.T) {
	l := New(2, 1)

	t1, err := l.TryAcquire("1.1.1.1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	t2, err := l.TryAcquire("2.2.2.2")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	// Third from either existing IP fails with per-IP reason.
	if _, err := l.TryAcquire("1.1.1.1"); err == nil {
		t.Fatal("expected per-IP limit error")
	} else if le, ok := err.(*LimitError); !ok || le.Reason != ReasonPerIP {
		t.Fatalf("got %v, want per-IP reason", err)
	}

	// Third from a brand-new IP fails with global reason (global checked first).
	if _, err := l.TryAcquire("3.3.3.3"); err == nil {
		t.Fatal("expected global limit error")
	} else if le, ok := err.(*LimitError); !ok || le.Reason != ReasonGlobal {
		t.Fatalf("got %v, want global reason", err)
	}

	t1.Release()
	t2.Release()
	if got := l.GlobalCount(); got != 0 {
		t.Fatalf("GlobalCount() = %d, want 0", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := New(1, 1)
	tk, err := l.TryAcquire("1.2.3.4")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	tk.Release()
	tk.Release()
	if got := l.GlobalCount(); got != 0 {
		t.Fatalf("GlobalCount() = %d, want 0 after double release", got)
	}
}

func TestReleaseRestoresCapacityForReacquire(t *testing.T) {
	l := New(1, 1)
	tk, err := l.TryAcquire("1.2.3.4")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.TryAcquire("5.6.7.8"); err == nil {
		t.Fatal("expected global limit error before release")
	}
	tk.Release()
	if _, err := l.TryAcquire("5.6.7.8"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestPerIPCountTracksIndependently(t *testing.T) {
	l := New(10, 2)
	a1, _ := l.TryAcquire("1.1.1.1")
	_, _ = l.TryAcquire("1.1.1.1")
	if got := l.PerIPCount("1.1.1.1"); got != 2 {
		t.Fatalf("PerIPCount = %d, want 2", got)
	}
	a1.Release()
	if got := l.PerIPCount("1.1.1.1"); got != 1 {
		t.Fatalf("PerIPCount after release = %d, want 1", got)
	}
}
