// Remora is a Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"remora/pkg/dvm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testInput(eventID string) *dvm.JobInput {
	return &dvm.JobInput{
		EventID:  eventID,
		Customer: "npub-customer",
		Kind:     dvm.KindTextGeneration,
		Inputs:   []dvm.Input{{Value: "write a poem", Type: "text"}},
		Params:   map[string]string{"temperature": "0.7"},
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateJob(ctx, testInput("evt-1"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true for new job")
	}

	job, err := s.GetJob(ctx, "evt-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.State != dvm.StateReceived {
		t.Errorf("state = %s, want received", job.State)
	}
	if job.Customer != "npub-customer" || job.Kind != dvm.KindTextGeneration {
		t.Errorf("identity fields wrong: %+v", job)
	}
	if job.Input == nil || len(job.Input.Inputs) != 1 || job.Input.Inputs[0].Value != "write a poem" {
		t.Errorf("input not round-tripped: %+v", job.Input)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Errorf("timestamps not set")
	}
}

func TestCreateJobDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if created, err := s.CreateJob(ctx, testInput("evt-1")); err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	dup := testInput("evt-1")
	dup.Customer = "someone-else"
	created, err := s.CreateJob(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate create should not error: %v", err)
	}
	if created {
		t.Fatalf("expected created=false for duplicate")
	}

	// Original row untouched.
	job, err := s.GetJob(ctx, "evt-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Customer != "npub-customer" {
		t.Errorf("duplicate insert overwrote row: %+v", job)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStateWithInvoiceFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, testInput("evt-1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	err := s.UpdateState(ctx, "evt-1", dvm.StateWaitingPayment, map[string]any{
		"bolt11":       "lnbc500n1...",
		"invoice_hash": "hash-abc",
		"amount_msats": int64(50000),
	})
	if err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}

	job, err := s.GetJobByInvoice(ctx, "hash-abc")
	if err != nil {
		t.Fatalf("GetJobByInvoice failed: %v", err)
	}
	if job.EventID != "evt-1" || job.State != dvm.StateWaitingPayment {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.Bolt11 != "lnbc500n1..." || job.AmountMsats != 50000 {
		t.Errorf("invoice fields not written: %+v", job)
	}
}

func TestUpdateStateRejectsUnknownColumn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, testInput("evt-1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	err := s.UpdateState(ctx, "evt-1", dvm.StateWaitingPayment, map[string]any{
		"customer_pubkey": "attacker",
	})
	if err == nil {
		t.Fatalf("expected update with non-whitelisted column to fail")
	}
}

func TestUpdateStateRejectsInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, testInput("evt-1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// received cannot go straight to processing.
	err := s.UpdateState(ctx, "evt-1", dvm.StateProcessing, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// Terminal states admit no further writes.
	mustUpdate(t, s, "evt-1", dvm.StateWaitingPayment, nil)
	mustUpdate(t, s, "evt-1", dvm.StateProcessing, nil)
	mustUpdate(t, s, "evt-1", dvm.StateCompleted, map[string]any{"result": "done"})

	err = s.UpdateState(ctx, "evt-1", dvm.StateFailed, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal state to be immutable, got %v", err)
	}
}

func TestUpdateStateMissingJob(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateState(context.Background(), "missing", dvm.StateWaitingPayment, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobsInState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		if _, err := s.CreateJob(ctx, testInput(id)); err != nil {
			t.Fatalf("CreateJob %s failed: %v", id, err)
		}
	}
	mustUpdate(t, s, "evt-2", dvm.StateWaitingPayment, nil)

	received, err := s.JobsInState(ctx, dvm.StateReceived)
	if err != nil {
		t.Fatalf("JobsInState failed: %v", err)
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 received jobs, got %d", len(received))
	}

	waiting, err := s.JobsInState(ctx, dvm.StateWaitingPayment)
	if err != nil {
		t.Fatalf("JobsInState failed: %v", err)
	}
	if len(waiting) != 1 || waiting[0].EventID != "evt-2" {
		t.Fatalf("unexpected waiting jobs: %+v", waiting)
	}
}

func TestExpireStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, testInput("evt-old")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := s.CreateJob(ctx, testInput("evt-fresh")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	mustUpdate(t, s, "evt-old", dvm.StateWaitingPayment, nil)
	mustUpdate(t, s, "evt-fresh", dvm.StateWaitingPayment, nil)

	// Backdate the stale job past the timeout.
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET updated_at=? WHERE event_id=?`,
		time.Now().UTC().Add(-10*time.Minute), "evt-old")
	if err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	n, err := s.ExpireStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired job, got %d", n)
	}

	old, _ := s.GetJob(ctx, "evt-old")
	if old.State != dvm.StateExpired {
		t.Errorf("stale job state = %s, want expired", old.State)
	}
	fresh, _ := s.GetJob(ctx, "evt-fresh")
	if fresh.State != dvm.StateWaitingPayment {
		t.Errorf("fresh job state = %s, want waiting_payment", fresh.State)
	}
}

func TestFailInterrupted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, testInput("evt-1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := s.CreateJob(ctx, testInput("evt-2")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	mustUpdate(t, s, "evt-1", dvm.StateWaitingPayment, nil)
	mustUpdate(t, s, "evt-1", dvm.StateProcessing, nil)

	n, err := s.FailInterrupted(ctx)
	if err != nil {
		t.Fatalf("FailInterrupted failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 interrupted job, got %d", n)
	}

	job, _ := s.GetJob(ctx, "evt-1")
	if job.State != dvm.StateFailed {
		t.Errorf("state = %s, want failed", job.State)
	}
	if job.Error == nil || *job.Error != "interrupted" {
		t.Errorf("error = %v, want interrupted", job.Error)
	}

	untouched, _ := s.GetJob(ctx, "evt-2")
	if untouched.State != dvm.StateReceived {
		t.Errorf("untouched job state = %s, want received", untouched.State)
	}
}

func TestGetJobByInvoiceEmptyHash(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJobByInvoice(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty hash, got %v", err)
	}
}

func mustUpdate(t *testing.T, s *Store, eventID string, state dvm.JobState, extra map[string]any) {
	t.Helper()
	if err := s.UpdateState(context.Background(), eventID, state, extra); err != nil {
		t.Fatalf("UpdateState to %s failed: %v", state, err)
	}
}
