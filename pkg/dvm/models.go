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

// Package dvm contains the shared data models and protocol constants used
// by the store, the orchestrator, and tests: job lifecycle states, the
// decoded job input, and NIP-90 event kind numbers.
package dvm

import (
	"time"
)

// Nostr event kinds the agent consumes and produces.
const (
	KindTranslation     = 5000
	KindTextGeneration  = 5001
	KindTextExtraction  = 5002
	KindImageGeneration = 5100
	KindDiscovery       = 5300

	// ResultKindOffset converts a request kind to its result kind.
	ResultKindOffset = 1000

	KindJobFeedback = 7000
	KindZapReceipt  = 9735
	KindZapRequest  = 9734
	KindHandlerInfo = 31990
)

// RequestKinds lists every job request kind the agent subscribes to.
var RequestKinds = []int{
	KindTranslation,
	KindTextGeneration,
	KindTextExtraction,
	KindImageGeneration,
	KindDiscovery,
}

// JobState is the lifecycle state of a DVM job.
// Transitions must follow:
// received → waiting_payment → processing → {completed|failed},
// with received → failed (invoice failure) and
// waiting_payment → expired (payment timeout) as the only side exits.
type JobState string

const (
	StateReceived       JobState = "received"
	StateWaitingPayment JobState = "waiting_payment"
	StateProcessing     JobState = "processing"
	StateCompleted      JobState = "completed"
	StateFailed         JobState = "failed"
	StateExpired        JobState = "expired"
)

// Valid reports whether the state is one of the allowed states.
func (s JobState) Valid() bool {
	switch s {
	case StateReceived, StateWaitingPayment, StateProcessing, StateCompleted, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state admits no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobState.
func (s JobState) String() string { return string(s) }

// CanTransition reports whether a transition from s to next is allowed.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case StateReceived:
		return next == StateWaitingPayment || next == StateFailed
	case StateWaitingPayment:
		return next == StateProcessing || next == StateExpired
	case StateProcessing:
		return next == StateCompleted || next == StateFailed
	default:
		return false
	}
}

// Input is a single "i" tag entry of a job request, in insertion order.
type Input struct {
	Value string `json:"value"`
	Type  string `json:"type"`
	Relay string `json:"relay,omitempty"`
}

// JobInput is the decoded payload of a NIP-90 job request event.
type JobInput struct {
	EventID  string            `json:"event_id"`
	Customer string            `json:"customer"`
	Kind     int               `json:"kind"`
	Content  string            `json:"content,omitempty"`
	Inputs   []Input           `json:"inputs"`
	Params   map[string]string `json:"params,omitempty"`
	Topics   []string          `json:"topics,omitempty"`

	// OutputMIME is the requested result MIME type, if any.
	OutputMIME string `json:"output_mime,omitempty"`

	// BidMsats is the customer's price ceiling; nil when absent or malformed.
	BidMsats *int64 `json:"bid_msats,omitempty"`

	// Encrypted marks a request whose payload is end-to-end encrypted.
	Encrypted bool `json:"encrypted,omitempty"`
}

// Job is the persistent record of one job request, keyed by its event ID.
// The row is owned exclusively by the store; all mutations go through
// store.UpdateState.
type Job struct {
	EventID     string    `json:"event_id" db:"event_id"`
	Customer    string    `json:"customer" db:"customer_pubkey"`
	Kind        int       `json:"kind" db:"kind"`
	State       JobState  `json:"state" db:"state"`
	Input       *JobInput `json:"input,omitempty" db:"input_json"`
	Bolt11      string    `json:"bolt11,omitempty" db:"bolt11"`
	InvoiceHash string    `json:"invoice_hash,omitempty" db:"invoice_hash"`
	AmountMsats int64     `json:"amount_msats" db:"amount_msats"`
	Result      *string   `json:"result,omitempty" db:"result"`
	Error       *string   `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// PaymentReceipt is the verified content of a kind-9735 zap receipt.
// It is transient: produced by the payment verifier, consumed once by the
// orchestrator, never persisted.
type PaymentReceipt struct {
	ReferencedEventID string
	Bolt11            string
	DescriptionHash   string // hex SHA-256 of the raw description tag
	AmountMsats       int64
	PayerPubkey       string
	ReceiptID         string
	ReceiptAuthor     string
}

// ResultKind returns the result event kind for a request kind.
func ResultKind(requestKind int) int { return requestKind + ResultKindOffset }
