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

// Package orchestrator drives the job state machine: triage of inbound
// requests, invoice issuance, receipt matching, bounded execution, and
// the expiry sweeper.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"remora/internal/codec"
	"remora/internal/ctxkeys"
	"remora/internal/metrics"
	"remora/internal/payment"
	"remora/internal/relay"
	"remora/internal/service"
	"remora/internal/store"
	"remora/pkg/dvm"
)

// receiptRetryDelay is the single retry window for a receipt that
// outruns the WaitingPayment write of its own job.
const receiptRetryDelay = 500 * time.Millisecond

// Store is the subset of the job store the orchestrator drives.
type Store interface {
	CreateJob(ctx context.Context, input *dvm.JobInput) (bool, error)
	UpdateState(ctx context.Context, eventID string, next dvm.JobState, extra map[string]any) error
	GetJob(ctx context.Context, eventID string) (*dvm.Job, error)
	GetJobByInvoice(ctx context.Context, invoiceHash string) (*dvm.Job, error)
	ExpireStale(ctx context.Context, timeout time.Duration) (int64, error)
	FailInterrupted(ctx context.Context) (int64, error)
}

// Publisher is the egress surface of the relay gateway.
type Publisher interface {
	Publish(ctx context.Context, ev *nostr.Event) error
}

// Invoicer issues BOLT-11 invoices.
type Invoicer interface {
	CreateInvoice(ctx context.Context, amountMsats int64, memo string) (*payment.Invoice, error)
}

// Config carries the orchestrator's tunables.
type Config struct {
	PaymentTimeout time.Duration
	SweepInterval  time.Duration
	MaxConcurrent  int
	ShutdownGrace  time.Duration
	AgentName      string
}

// Orchestrator owns job lifecycle policy. The gateway owns connections
// and calls back into HandleJobRequest / HandleZapReceipt.
type Orchestrator struct {
	cfg      Config
	store    Store
	pub      Publisher
	invoicer Invoicer
	registry *service.Registry
	log      *slog.Logger

	// execCtx outlives the ingress context so paid jobs finish during
	// shutdown; execCancel abandons them after the grace period.
	execCtx    context.Context
	execCancel context.CancelFunc
	slots      chan struct{}
	wg         sync.WaitGroup
	active     atomic.Int64
}

// New wires an orchestrator. MaxConcurrent bounds the execution pool.
func New(cfg Config, st Store, pub Publisher, inv Invoicer, registry *service.Registry, log *slog.Logger) *Orchestrator {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	execCtx, execCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		pub:        pub,
		invoicer:   inv,
		registry:   registry,
		log:        log,
		execCtx:    execCtx,
		execCancel: execCancel,
		slots:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Reconcile fails every job the previous process left in Processing.
// Must run before the gateway starts delivering events.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	n, err := o.store.FailInterrupted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		o.log.Warn("reconciled interrupted jobs", "count", n)
	}
	return nil
}

// HandleJobRequest triages one job request event: dispatch, validate,
// persist, invoice, and ask for payment.
func (o *Orchestrator) HandleJobRequest(ctx context.Context, ev *nostr.Event) {
	ctx, cid := ctxkeys.EnsureCorrelationID(ctx)
	log := o.log.With("event_id", ev.ID, "kind", ev.Kind, "correlation_id", cid)

	if ok, err := ev.CheckSignature(); err != nil || !ok {
		log.Warn("dropping request with bad signature")
		metrics.IncJobRequest(ev.Kind, metrics.OutcomeInvalid)
		return
	}

	svc, ok := o.registry.Lookup(ev.Kind)
	if !ok {
		// Relay noise, not an error. No feedback.
		metrics.IncJobRequest(ev.Kind, metrics.OutcomeUnsupported)
		return
	}

	input := codec.ParseJobInput(ev)

	if input.Encrypted {
		log.Info("refusing encrypted request")
		metrics.IncJobRequest(ev.Kind, metrics.OutcomeEncrypted)
		o.publishFeedback(ctx, ev.ID, ev.PubKey, relay.StatusError,
			"Encrypted requests are not supported by this agent.")
		return
	}

	if err := svc.Validate(&input); err != nil {
		log.Info("invalid input", "reason", err)
		metrics.IncJobRequest(ev.Kind, metrics.OutcomeInvalid)
		o.publishFeedback(ctx, ev.ID, ev.PubKey, relay.StatusError, err.Error())
		return
	}

	created, err := o.store.CreateJob(ctx, &input)
	if err != nil {
		log.Error("create job failed", "error", err)
		return
	}
	if !created {
		// Same event from another relay or a replay. The first copy
		// already drove the pipeline.
		metrics.IncJobRequest(ev.Kind, metrics.OutcomeDuplicate)
		return
	}
	metrics.IncJobRequest(ev.Kind, metrics.OutcomeAccepted)

	cost := svc.Price(&input)
	invoice, err := o.invoicer.CreateInvoice(ctx, cost, o.cfg.AgentName+" job "+shortID(ev.ID))
	if err != nil {
		log.Error("invoice creation failed", "error", err)
		o.transition(ctx, log, ev.ID, dvm.StateReceived, dvm.StateFailed,
			map[string]any{"error": "invoice creation failed"})
		o.publishFeedback(ctx, ev.ID, ev.PubKey, relay.StatusError,
			"Could not create a Lightning invoice. Try again later.")
		return
	}

	// The invoice fields land in the same write as the state change so
	// a WaitingPayment row always carries them.
	if !o.transition(ctx, log, ev.ID, dvm.StateReceived, dvm.StateWaitingPayment, map[string]any{
		"bolt11":       invoice.Bolt11,
		"invoice_hash": invoice.InvoiceHash,
		"amount_msats": invoice.AmountMsats,
	}) {
		return
	}

	o.publishFeedback(ctx, ev.ID, ev.PubKey, relay.StatusPaymentRequired, "",
		relay.AmountTag(cost, invoice.Bolt11))
	log.Info("payment required", "amount_msats", cost)
}

// HandleZapReceipt matches a verified payment receipt to its job and
// hands the job to the execution pool.
func (o *Orchestrator) HandleZapReceipt(ctx context.Context, ev *nostr.Event) {
	ctx, cid := ctxkeys.EnsureCorrelationID(ctx)
	log := o.log.With("receipt_id", ev.ID, "correlation_id", cid)

	receipt, err := payment.VerifyZapReceipt(ev, 0)
	if err != nil {
		log.Warn("rejecting zap receipt", "reason", err)
		metrics.IncZapReceipt(receiptOutcome(err))
		return
	}
	metrics.IncZapReceipt(metrics.ReceiptVerified)

	job, err := o.lookupReceiptJob(ctx, receipt)
	if err != nil {
		log.Warn("receipt matches no job", "referenced_event", receipt.ReferencedEventID)
		metrics.IncZapReceipt(metrics.ReceiptNoJob)
		return
	}
	log = log.With("event_id", job.EventID)

	// A receipt can outrun the WaitingPayment write of its own job.
	// One bounded retry covers that race; anything beyond it is a bug.
	if job.State == dvm.StateReceived {
		time.Sleep(receiptRetryDelay)
		job, err = o.store.GetJob(ctx, job.EventID)
		if err != nil {
			log.Error("re-read after receipt race failed", "error", err)
			return
		}
		if job.State == dvm.StateReceived {
			log.Error("receipt for job stuck in received state")
			return
		}
	}

	if job.State != dvm.StateWaitingPayment {
		// Duplicate receipt, or payment for an expired/completed job.
		log.Info("dropping receipt for settled job", "state", job.State)
		return
	}

	if job.InvoiceHash != payment.InvoiceHash(receipt.Bolt11) {
		log.Warn("receipt invoice does not match job invoice")
		metrics.IncZapReceipt(metrics.ReceiptHashMismatch)
		return
	}
	if receipt.AmountMsats < job.AmountMsats {
		log.Warn("receipt underpays invoice",
			"got", receipt.AmountMsats, "want", job.AmountMsats)
		metrics.IncZapReceipt(metrics.ReceiptUnderpaid)
		return
	}

	if !o.transition(ctx, log, job.EventID, job.State, dvm.StateProcessing, nil) {
		return
	}
	o.publishFeedback(ctx, job.EventID, job.Customer, relay.StatusProcessing, "")
	log.Info("payment confirmed", "amount_msats", receipt.AmountMsats)

	o.submit(job)
}

// lookupReceiptJob resolves the job a receipt pays for: by referenced
// event ID first, then by invoice hash (catches late payments whose
// request event we no longer remember the ID of).
func (o *Orchestrator) lookupReceiptJob(ctx context.Context, receipt *dvm.PaymentReceipt) (*dvm.Job, error) {
	job, err := o.store.GetJob(ctx, receipt.ReferencedEventID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return o.store.GetJobByInvoice(ctx, payment.InvoiceHash(receipt.Bolt11))
}

// submit hands a paid job to the bounded execution pool.
func (o *Orchestrator) submit(job *dvm.Job) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		select {
		case o.slots <- struct{}{}:
		case <-o.execCtx.Done():
			return
		}
		defer func() { <-o.slots }()

		metrics.SetActiveExecutions(int(o.active.Add(1)))
		defer func() { metrics.SetActiveExecutions(int(o.active.Add(-1))) }()

		o.execute(o.execCtx, job)
	}()
}

// execute runs the service for a paid job and writes the terminal
// state. The store write always commits before the publish.
func (o *Orchestrator) execute(ctx context.Context, job *dvm.Job) {
	ctx, cid := ctxkeys.EnsureCorrelationID(ctx)
	log := o.log.With("event_id", job.EventID, "kind", job.Kind,
		"correlation_id", cid)

	svc, ok := o.registry.Lookup(job.Kind)
	if !ok || job.Input == nil {
		o.transition(ctx, log, job.EventID, dvm.StateProcessing, dvm.StateFailed,
			map[string]any{"error": "service not available"})
		return
	}

	start := time.Now()
	result, err := svc.Execute(ctx, job.Input)
	metrics.ObserveExecution(job.Kind, time.Since(start))

	if err != nil {
		log.Error("execution failed", "error", err)
		if o.transition(ctx, log, job.EventID, dvm.StateProcessing, dvm.StateFailed,
			map[string]any{"error": err.Error()}) {
			o.publishFeedback(ctx, job.EventID, job.Customer, relay.StatusError, err.Error())
		}
		return
	}

	if !o.transition(ctx, log, job.EventID, dvm.StateProcessing, dvm.StateCompleted,
		map[string]any{"result": result}) {
		return
	}

	if err := o.pub.Publish(ctx, relay.NewResult(job.Kind, job.EventID, job.Customer, result)); err != nil {
		// The result is durable; an operator can replay it.
		log.Warn("result publish failed", "error", err)
	}
	log.Info("job completed", "duration", time.Since(start))
}

// RunSweeper expires stale unpaid jobs on a fixed cadence until ctx is
// cancelled. Expiry is silent: no feedback events are emitted.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.store.ExpireStale(ctx, o.cfg.PaymentTimeout)
			if err != nil {
				if ctx.Err() == nil {
					o.log.Error("expiry sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				metrics.AddExpiredJobs(n)
				o.log.Info("expired unpaid jobs", "count", n)
			}
		}
	}
}

// Shutdown waits for in-flight executions up to the grace period, then
// abandons them. Abandoned jobs stay in Processing and are reconciled
// on the next start.
func (o *Orchestrator) Shutdown() {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.log.Info("all executions finished")
	case <-time.After(o.cfg.ShutdownGrace):
		o.log.Warn("abandoning in-flight executions", "count", o.active.Load())
	}
	o.execCancel()
}

// transition commits a state change and records it. Returns false when
// the write failed; the job then stays in its prior state.
func (o *Orchestrator) transition(ctx context.Context, log *slog.Logger, eventID string, from, to dvm.JobState, extra map[string]any) bool {
	if err := o.store.UpdateState(ctx, eventID, to, extra); err != nil {
		log.Error("state transition failed", "from", from, "to", to, "error", err)
		return false
	}
	metrics.IncJobTransition(from.String(), to.String())
	return true
}

// publishFeedback sends a kind-7000 event; failures are logged only.
func (o *Orchestrator) publishFeedback(ctx context.Context, jobEventID, customer, status, content string, extraTags ...nostr.Tag) {
	ev := relay.NewFeedback(jobEventID, customer, status, content, extraTags...)
	if err := o.pub.Publish(ctx, ev); err != nil {
		o.log.Warn("feedback publish failed",
			"event_id", jobEventID, "status", status, "error", err)
	}
}

func receiptOutcome(err error) string {
	switch {
	case errors.Is(err, payment.ErrBadKind):
		return metrics.ReceiptBadKind
	case errors.Is(err, payment.ErrBadSignature):
		return metrics.ReceiptBadSignature
	case errors.Is(err, payment.ErrMissingTag):
		return metrics.ReceiptMissingTag
	case errors.Is(err, payment.ErrBadDescription):
		return metrics.ReceiptBadDescription
	case errors.Is(err, payment.ErrHashMismatch):
		return metrics.ReceiptHashMismatch
	case errors.Is(err, payment.ErrUnderpaid):
		return metrics.ReceiptUnderpaid
	default:
		return "unknown"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
