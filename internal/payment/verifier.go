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

// Package payment verifies NIP-57 zap receipts and issues BOLT-11
// invoices over LNURL-pay.
package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"remora/pkg/dvm"
)

// Receipt rejection reasons. The orchestrator distinguishes them only
// for logging and metrics; every one of them means "drop the receipt".
var (
	ErrBadKind        = errors.New("not a zap receipt")
	ErrBadSignature   = errors.New("invalid receipt signature")
	ErrMissingTag     = errors.New("missing required tag")
	ErrBadDescription = errors.New("malformed zap request description")
	ErrHashMismatch   = errors.New("description hash does not match invoice")
	ErrUnderpaid      = errors.New("amount below expected")
)

// zapRequest is the subset of the embedded kind-9734 event the verifier
// reads.
type zapRequest struct {
	Kind   int        `json:"kind"`
	PubKey string     `json:"pubkey"`
	Tags   [][]string `json:"tags"`
}

// VerifyZapReceipt checks a kind-9735 event and extracts its payment
// details. expectedMsats > 0 additionally enforces a minimum amount.
//
// Checks, in order:
//  1. kind must be 9735
//  2. the receipt signature must verify
//  3. bolt11, description and e tags must be present
//  4. the description must parse as a kind-9734 zap request
//  5. SHA-256 of the raw description must equal the description hash
//     committed inside the bolt11 invoice
//  6. the inner amount tag, when an expected amount is given, must not
//     be below it
//
// The verifier is a pure function of the event: no network, no store.
func VerifyZapReceipt(ev *nostr.Event, expectedMsats int64) (*dvm.PaymentReceipt, error) {
	if ev.Kind != dvm.KindZapReceipt {
		return nil, fmt.Errorf("%w: kind %d", ErrBadKind, ev.Kind)
	}

	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		return nil, ErrBadSignature
	}

	bolt11 := firstTagValue(ev.Tags, "bolt11")
	description := firstTagValue(ev.Tags, "description")
	referenced := firstTagValue(ev.Tags, "e")
	if bolt11 == "" || description == "" || referenced == "" {
		return nil, ErrMissingTag
	}

	var req zapRequest
	if err := json.Unmarshal([]byte(description), &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDescription, err)
	}
	if req.Kind != dvm.KindZapRequest {
		return nil, fmt.Errorf("%w: inner kind %d", ErrBadDescription, req.Kind)
	}

	sum := sha256.Sum256([]byte(description))
	descHash := hex.EncodeToString(sum[:])

	// The invoice commits to the zap request via its h field. An invoice
	// without one is unverifiable and treated as forged.
	committed, err := invoiceDescriptionHash(bolt11)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHashMismatch, err)
	}
	if committed != descHash {
		return nil, ErrHashMismatch
	}

	var amount int64
	for _, t := range req.Tags {
		if len(t) >= 2 && t[0] == "amount" {
			if n, err := strconv.ParseInt(t[1], 10, 64); err == nil {
				amount = n
			}
		}
	}
	if expectedMsats > 0 && amount < expectedMsats {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnderpaid, amount, expectedMsats)
	}

	return &dvm.PaymentReceipt{
		ReferencedEventID: referenced,
		Bolt11:            bolt11,
		DescriptionHash:   descHash,
		AmountMsats:       amount,
		PayerPubkey:       req.PubKey,
		ReceiptID:         ev.ID,
		ReceiptAuthor:     ev.PubKey,
	}, nil
}

// firstTagValue returns the second element of the first tag whose name
// matches, or "".
func firstTagValue(tags nostr.Tags, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
