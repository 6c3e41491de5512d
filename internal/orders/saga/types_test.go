package saga

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStepNavigation(t *testing.T) {
	want := []Step{StepUserValidation, StepInventoryReservation, StepPaymentProcessing, StepOrderConfirmation, StepCompleted}
	step := StepUserValidation
	for i, expected := range want {
		if step != expected {
			t.Fatalf("step %d: expected %s, got %s", i, expected, step)
		}
		if step.Index() != i {
			t.Fatalf("expected index %d for %s, got %d", i, step, step.Index())
		}
		step = step.Next()
	}
	if StepCompleted.Next() != StepCompleted {
		t.Fatalf("expected COMPLETED to be terminal")
	}
	if _, ok := StepUserValidation.Previous(); ok {
		t.Fatalf("expected no step before USER_VALIDATION")
	}
	if prev, ok := StepPaymentProcessing.Previous(); !ok || prev != StepInventoryReservation {
		t.Fatalf("expected INVENTORY_RESERVATION before payment, got %s", prev)
	}
	if Step("BOGUS").Index() != -1 {
		t.Fatalf("expected unknown step index -1")
	}
}

func TestCompensatableSteps(t *testing.T) {
	cases := map[Step]bool{
		StepUserValidation:       false,
		StepInventoryReservation: true,
		StepPaymentProcessing:    true,
		StepOrderConfirmation:    true,
		StepCompleted:            false,
	}
	for step, want := range cases {
		if got := step.IsCompensatable(); got != want {
			t.Fatalf("%s: expected compensatable=%v", step, want)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	cases := []struct {
		status        Status
		active, final bool
		compensate    bool
	}{
		{StatusStarted, true, false, false},
		{StatusInProgress, true, false, true},
		{StatusCompensating, true, false, false},
		{StatusCompleted, false, true, false},
		{StatusCompensated, false, true, false},
		{StatusFailed, false, true, true},
	}
	for _, tc := range cases {
		if tc.status.IsActive() != tc.active {
			t.Fatalf("%s: expected active=%v", tc.status, tc.active)
		}
		if tc.status.IsFinal() != tc.final {
			t.Fatalf("%s: expected final=%v", tc.status, tc.final)
		}
		if tc.status.CanCompensate() != tc.compensate {
			t.Fatalf("%s: expected canCompensate=%v", tc.status, tc.compensate)
		}
	}
}

func TestStateLifecycle(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st := NewState("s1", "o1", "t1", "u1", 0, start, time.Minute)
	if st.MaxRetries != DefaultMaxRetries {
		t.Fatalf("expected default retry bound, got %d", st.MaxRetries)
	}
	if !st.TimeoutAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("unexpected timeout %v", st.TimeoutAt)
	}

	st.IncrementRetryCount()
	st.IncrementRetryCount()
	if !st.CanRetry() {
		t.Fatalf("expected retry allowed after 2 attempts")
	}
	st.IncrementRetryCount()
	if st.CanRetry() {
		t.Fatalf("expected retries exhausted after 3 attempts")
	}

	later := start.Add(30 * time.Second)
	st.MoveToNextStep(later, time.Minute)
	if st.Step != StepInventoryReservation || st.Status != StatusInProgress || st.RetryCount != 0 {
		t.Fatalf("unexpected state after advance: %+v", st)
	}
	if !st.TimeoutAt.Equal(later.Add(time.Minute)) {
		t.Fatalf("expected timeout refreshed, got %v", st.TimeoutAt)
	}
	if st.IsTimedOut(later.Add(time.Minute)) {
		t.Fatalf("expected deadline itself not to count as timed out")
	}
	if !st.IsTimedOut(later.Add(time.Minute + time.Nanosecond)) {
		t.Fatalf("expected timeout past deadline")
	}

	st.MarkFailed(errors.New("boom"), later)
	if st.Status != StatusFailed || st.Error != "boom" {
		t.Fatalf("unexpected failed state: %+v", st)
	}
	if err := st.StartCompensation(later, time.Minute); err != nil {
		t.Fatalf("start compensation: %v", err)
	}
	if st.Status != StatusCompensating {
		t.Fatalf("expected COMPENSATING, got %s", st.Status)
	}
}

func TestStartCompensationRejectsFinishedSaga(t *testing.T) {
	now := time.Now()
	st := NewState("s1", "o1", "t1", "u1", 3, now, time.Minute)
	for st.Status != StatusCompleted {
		st.MoveToNextStep(now, time.Minute)
	}
	if err := st.StartCompensation(now, time.Minute); !errors.Is(err, ErrCannotCompensate) {
		t.Fatalf("expected ErrCannotCompensate, got %v", err)
	}
}

func TestDataEncoding(t *testing.T) {
	raw, err := Data{DataPaymentID: "pay-1", DataReservationID: "res-1"}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	data, err := DecodeData(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, ok := data.Get(DataPaymentID); !ok || v != "pay-1" {
		t.Fatalf("unexpected payment id %q", v)
	}
	if _, ok := data.Get(DataOrderConfirmed); ok {
		t.Fatalf("expected missing key to be unset")
	}

	empty, err := DecodeData(nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty bag, got %v %v", empty, err)
	}
	if raw, _ := Data(nil).Encode(); string(raw) != "{}" {
		t.Fatalf("expected {} for nil bag, got %s", raw)
	}
	if _, err := DecodeData([]byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestMemoryStoreOptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	st := NewState("s1", "o1", "t1", "u1", 3, now, time.Minute)
	if err := store.Create(ctx, st); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, NewState("s2", "o1", "t1", "u1", 3, now, time.Minute)); err == nil {
		t.Fatalf("expected one saga per order")
	}

	a, _ := store.Get(ctx, "s1")
	b, _ := store.Get(ctx, "s1")
	a.MoveToNextStep(now, time.Minute)
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("update a: %v", err)
	}
	if a.Version != 1 {
		t.Fatalf("expected version 1, got %d", a.Version)
	}
	b.MarkFailed(errors.New("late"), now)
	if err := store.Update(ctx, b); !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}

	a.SetData(DataReservationID, "res-1")
	got, _ := store.Get(ctx, "s1")
	if _, ok := got.Data.Get(DataReservationID); ok {
		t.Fatalf("expected stored data isolated from caller mutations")
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
}

func TestMemoryStoreListsAndPurges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	stuck := NewState("stuck", "o1", "t1", "u1", 3, now.Add(-time.Hour), time.Minute)
	fresh := NewState("fresh", "o2", "t1", "u1", 3, now, time.Minute)
	done := NewState("done", "o3", "t1", "u1", 3, now.Add(-48*time.Hour), time.Minute)
	done.Status = StatusCompleted
	for _, st := range []*State{stuck, fresh, done} {
		if err := store.Create(ctx, st); err != nil {
			t.Fatalf("create %s: %v", st.ID, err)
		}
	}
	if err := store.AddStep(ctx, "done", StepCompleted, "COMPLETED", ""); err != nil {
		t.Fatalf("add step: %v", err)
	}

	timedOut, _ := store.ListTimedOut(ctx, now, 10)
	if len(timedOut) != 1 || timedOut[0].ID != "stuck" {
		t.Fatalf("expected only stuck saga timed out, got %v", timedOut)
	}
	active, _ := store.ListActive(ctx, 0)
	if len(active) != 2 {
		t.Fatalf("expected 2 active sagas, got %d", len(active))
	}

	purged, err := store.PurgeFinished(ctx, now.Add(-24*time.Hour))
	if err != nil || purged != 1 {
		t.Fatalf("expected 1 purged, got %d %v", purged, err)
	}
	if len(store.Steps("done")) != 0 {
		t.Fatalf("expected step log purged with saga")
	}
	if _, err := store.GetByOrderID(ctx, "o3"); !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("expected purged saga gone, got %v", err)
	}
}

func TestKeyedLocks(t *testing.T) {
	locks := newKeyedLocks()
	unlock := locks.Lock("a")
	if _, ok := locks.TryLock("a"); ok {
		t.Fatalf("expected held key to refuse TryLock")
	}
	other, ok := locks.TryLock("b")
	if !ok {
		t.Fatalf("expected free key to lock")
	}
	other()
	unlock()
	again, ok := locks.TryLock("a")
	if !ok {
		t.Fatalf("expected released key to lock")
	}
	again()
	if len(locks.locks) != 0 {
		t.Fatalf("expected lock table drained, got %d", len(locks.locks))
	}
}
