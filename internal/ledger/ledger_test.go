package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tmcarvalho/fisioagenda/internal/model"
)

func newPackage(id string, total, remaining int) model.SessionPackage {
	return model.SessionPackage{
		ID:                id,
		PatientID:         "patient-1",
		TotalSessions:     total,
		SessionsRemaining: remaining,
		Status:            model.PackageActive,
	}
}

func TestConsume_Decrements(t *testing.T) {
	l := NewMemory(newPackage("pkg-1", 10, 5))

	rec, err := l.Consume(context.Background(), "pkg-1", "apt-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if rec.SessionsRemaining != 4 || rec.AlreadyConsumed || rec.Exhausted {
		t.Fatalf("unexpected receipt: %+v", rec)
	}
}

func TestConsume_IdempotentPerAppointment(t *testing.T) {
	l := NewMemory(newPackage("pkg-1", 10, 5))
	ctx := context.Background()

	if _, err := l.Consume(ctx, "pkg-1", "apt-1"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	rec, err := l.Consume(ctx, "pkg-1", "apt-1")
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if !rec.AlreadyConsumed {
		t.Fatal("second consume for the same appointment must be a no-op")
	}
	if rec.SessionsRemaining != 4 {
		t.Fatalf("balance = %d after double call, want 4", rec.SessionsRemaining)
	}
}

func TestConsume_FloorAtZero(t *testing.T) {
	l := NewMemory(newPackage("pkg-1", 10, 0))

	_, err := l.Consume(context.Background(), "pkg-1", "apt-1")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if bal, _ := l.Balance(context.Background(), "pkg-1"); bal != 0 {
		t.Fatalf("balance mutated to %d on rejected consume", bal)
	}
}

func TestConsume_ExhaustsOnLastSession(t *testing.T) {
	l := NewMemory(newPackage("pkg-1", 10, 1))

	rec, err := l.Consume(context.Background(), "pkg-1", "apt-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !rec.Exhausted || rec.SessionsRemaining != 0 {
		t.Fatalf("unexpected receipt: %+v", rec)
	}
}

func TestConsume_UnknownPackage(t *testing.T) {
	l := NewMemory()
	if _, err := l.Consume(context.Background(), "missing", "apt-1"); !errors.Is(err, ErrPackageNotFound) {
		t.Fatalf("err = %v, want ErrPackageNotFound", err)
	}
}

func TestRefund_RestoresSessionOnce(t *testing.T) {
	l := NewMemory(newPackage("pkg-1", 10, 1))
	ctx := context.Background()

	if _, err := l.Consume(ctx, "pkg-1", "apt-1"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	rec, err := l.Refund(ctx, "pkg-1", "apt-1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if rec.SessionsRemaining != 1 {
		t.Fatalf("balance = %d after refund, want 1", rec.SessionsRemaining)
	}

	// Refunding again (or a pair never consumed) changes nothing.
	rec, err = l.Refund(ctx, "pkg-1", "apt-1")
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if rec.SessionsRemaining != 1 {
		t.Fatalf("balance = %d after double refund, want 1", rec.SessionsRemaining)
	}
}

func TestConsume_ConcurrentCompletionsNeverOverdraw(t *testing.T) {
	const sessions = 5
	l := NewMemory(newPackage("pkg-1", sessions, sessions))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := l.Consume(ctx, "pkg-1", "apt-"+string(rune('a'+n)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientBalance):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != sessions {
		t.Fatalf("%d consumptions succeeded, want %d", ok, sessions)
	}
	if bal, _ := l.Balance(ctx, "pkg-1"); bal != 0 {
		t.Fatalf("balance = %d, want 0", bal)
	}
}
