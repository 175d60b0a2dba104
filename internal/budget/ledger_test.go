package budget

import (
	"sync"
	"testing"

	"github.com/mbd888/treasury-sentinel/internal/usdc"
)

const (
	limit  = usdc.Micro(10_000_000) // 10 USDC
	minOp  = usdc.Micro(50_000)     // 0.05 USDC
	cost   = usdc.Micro(250_000)    // liquidity_depth
	costL4 = usdc.Micro(1_000_000)
)

func TestReserveCommit(t *testing.T) {
	l := New(limit, minOp)

	r, err := l.Reserve(cost)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	st := l.Status()
	if st.Reserved != cost || st.Spent != 0 {
		t.Fatalf("after reserve: %+v", st)
	}

	if err := l.Commit(r); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	st = l.Status()
	if st.Spent != cost || st.Reserved != 0 {
		t.Fatalf("after commit: %+v", st)
	}
	if st.Remaining != limit-cost {
		t.Fatalf("remaining = %d", st.Remaining)
	}
}

func TestReserveRelease(t *testing.T) {
	l := New(limit, minOp)

	r, err := l.Reserve(cost)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := l.Release(r); err != nil {
		t.Fatalf("Release: %v", err)
	}

	st := l.Status()
	if st.Spent != 0 || st.Reserved != 0 {
		t.Fatalf("release did not restore state: %+v", st)
	}
}

func TestReserveInsufficient(t *testing.T) {
	l := New(limit, minOp)

	// Spend 9.9 USDC.
	r, err := l.Reserve(9_900_000)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := l.Commit(r); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// An L4 escalation (1 USDC) must be rejected without mutating state.
	before := l.Status()
	if _, err := l.Reserve(costL4); err != ErrInsufficientBudget {
		t.Fatalf("expected ErrInsufficientBudget, got %v", err)
	}
	after := l.Status()
	if before != after {
		t.Fatalf("rejected reserve mutated state: %+v -> %+v", before, after)
	}
}

func TestReservationsCountAgainstLimit(t *testing.T) {
	l := New(1_000_000, minOp)

	if _, err := l.Reserve(800_000); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	// 800k held, only 200k free.
	if _, err := l.Reserve(300_000); err != ErrInsufficientBudget {
		t.Fatalf("expected ErrInsufficientBudget, got %v", err)
	}
	if _, err := l.Reserve(200_000); err != nil {
		t.Fatalf("Reserve within remaining: %v", err)
	}
}

func TestCommitIdempotent(t *testing.T) {
	l := New(limit, minOp)

	r, _ := l.Reserve(cost)
	if err := l.Commit(r); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := l.Commit(r); err != nil {
		t.Fatalf("second Commit should be a no-op: %v", err)
	}
	if st := l.Status(); st.Spent != cost {
		t.Fatalf("double commit double-spent: %+v", st)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l := New(limit, minOp)

	r, _ := l.Reserve(cost)
	if err := l.Release(r); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(r); err != nil {
		t.Fatalf("second Release should be a no-op: %v", err)
	}
}

func TestReleaseAfterCommitRejected(t *testing.T) {
	l := New(limit, minOp)

	r, _ := l.Reserve(cost)
	_ = l.Commit(r)
	if err := l.Release(r); err != ErrUnknownReservation {
		t.Fatalf("expected ErrUnknownReservation, got %v", err)
	}
}

func TestBlockedBelowMinimumOperational(t *testing.T) {
	l := New(limit, minOp)

	r, _ := l.Reserve(9_960_000)
	_ = l.Commit(r)

	st := l.Status()
	if !st.Blocked {
		t.Fatalf("remaining %d < min %d should block: %+v", st.Remaining, minOp, st)
	}
}

func TestRestoreSpent(t *testing.T) {
	l := New(limit, minOp)
	l.RestoreSpent(9_800_000)

	st := l.Status()
	if st.Spent != 9_800_000 {
		t.Fatalf("spent = %d", st.Spent)
	}

	// Only 200_000 of headroom remains after the restore.
	if _, err := l.Reserve(costL4); err == nil {
		t.Fatal("expected insufficient budget after restore")
	}
	if _, err := l.Reserve(100_000); err != nil {
		t.Fatalf("Reserve within headroom: %v", err)
	}
}

func TestRestoreSpentClamped(t *testing.T) {
	l := New(limit, minOp)
	l.RestoreSpent(limit + 1)

	if st := l.Status(); st.Spent != limit {
		t.Fatalf("spent = %d, want clamp to limit", st.Spent)
	}

	l.RestoreSpent(-5)
	if st := l.Status(); st.Spent != 0 {
		t.Fatalf("spent = %d, want 0", st.Spent)
	}
}

func TestReset(t *testing.T) {
	l := New(limit, minOp)

	r, _ := l.Reserve(cost)
	_ = l.Commit(r)
	l.Reset()

	st := l.Status()
	if st.Spent != 0 || st.Reserved != 0 || st.Blocked {
		t.Fatalf("reset left state: %+v", st)
	}
}

func TestInvalidAmount(t *testing.T) {
	l := New(limit, minOp)
	if _, err := l.Reserve(0); err != ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.Reserve(-1); err != ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	warnings int
	blocked  int
}

func (o *recordingObserver) BudgetWarning(Status) {
	o.mu.Lock()
	o.warnings++
	o.mu.Unlock()
}

func (o *recordingObserver) BudgetBlocked(Status) {
	o.mu.Lock()
	o.blocked++
	o.mu.Unlock()
}

func TestWarningObserverFiresOnce(t *testing.T) {
	l := New(1_000_000, 50_000)
	obs := &recordingObserver{}
	l.AddObserver(obs)

	// Cross 80% in two commits; warning fires exactly once.
	r1, _ := l.Reserve(500_000)
	_ = l.Commit(r1)
	r2, _ := l.Reserve(400_000)
	_ = l.Commit(r2)
	r3, _ := l.Reserve(50_000)
	_ = l.Commit(r3)

	if obs.warnings != 1 {
		t.Fatalf("warnings = %d, want 1", obs.warnings)
	}
}

// Invariant: spent + reserved <= limit under concurrent reserve/commit/release.
func TestConcurrentInvariant(t *testing.T) {
	l := New(1_000_000, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := l.Reserve(100_000)
			if err != nil {
				return
			}
			if i%2 == 0 {
				_ = l.Commit(r)
			} else {
				_ = l.Release(r)
			}
		}(i)
	}
	wg.Wait()

	st := l.Status()
	if st.Spent+st.Reserved > st.Limit {
		t.Fatalf("invariant violated: %+v", st)
	}
	if st.Spent%100_000 != 0 {
		t.Fatalf("spend not a multiple of unit cost: %+v", st)
	}
}
