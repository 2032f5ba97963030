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

package relay

import (
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"remora/pkg/dvm"
)

// Feedback statuses defined by NIP-90.
const (
	StatusPaymentRequired = "payment-required"
	StatusProcessing      = "processing"
	StatusError           = "error"
	StatusSuccess         = "success"
)

// NewFeedback builds an unsigned kind-7000 feedback event for a job.
// extraTags are appended after the standard e/p/status set.
func NewFeedback(jobEventID, customerPubkey, status, content string, extraTags ...nostr.Tag) *nostr.Event {
	tags := nostr.Tags{
		{"e", jobEventID},
		{"p", customerPubkey},
		{"status", status},
	}
	tags = append(tags, extraTags...)

	return &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      dvm.KindJobFeedback,
		Tags:      tags,
		Content:   content,
	}
}

// AmountTag carries the invoice on a payment-required feedback event.
func AmountTag(amountMsats int64, bolt11 string) nostr.Tag {
	return nostr.Tag{"amount", strconv.FormatInt(amountMsats, 10), bolt11}
}

// NewResult builds an unsigned result event for a completed job. The
// result kind is the request kind offset by 1000.
func NewResult(requestKind int, jobEventID, customerPubkey, content string) *nostr.Event {
	return &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      dvm.ResultKind(requestKind),
		Tags: nostr.Tags{
			{"e", jobEventID},
			{"p", customerPubkey},
			{"status", StatusSuccess},
		},
		Content: content,
	}
}
