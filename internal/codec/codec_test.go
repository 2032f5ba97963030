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

package codec

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"remora/pkg/dvm"
)

func requestEvent(kind int, content string, tags nostr.Tags) *nostr.Event {
	return &nostr.Event{
		ID:      "evt-1",
		PubKey:  "customer-pubkey",
		Kind:    kind,
		Content: content,
		Tags:    tags,
	}
}

func TestParseJobInputBasics(t *testing.T) {
	ev := requestEvent(dvm.KindTextGeneration, "", nostr.Tags{
		{"i", "write a haiku", "text"},
		{"param", "temperature", "0.9"},
		{"output", "text/plain"},
		{"bid", "5000"},
		{"t", "poetry"},
		{"t", "haiku"},
	})

	in := ParseJobInput(ev)

	if in.EventID != "evt-1" || in.Customer != "customer-pubkey" || in.Kind != dvm.KindTextGeneration {
		t.Fatalf("identity fields wrong: %+v", in)
	}
	if len(in.Inputs) != 1 || in.Inputs[0].Value != "write a haiku" || in.Inputs[0].Type != "text" {
		t.Fatalf("unexpected inputs: %+v", in.Inputs)
	}
	if in.Params["temperature"] != "0.9" {
		t.Errorf("param not parsed: %+v", in.Params)
	}
	if in.OutputMIME != "text/plain" {
		t.Errorf("output mime = %q", in.OutputMIME)
	}
	if in.BidMsats == nil || *in.BidMsats != 5000 {
		t.Errorf("bid = %v", in.BidMsats)
	}
	if len(in.Topics) != 2 || in.Topics[0] != "poetry" || in.Topics[1] != "haiku" {
		t.Errorf("topics = %v", in.Topics)
	}
	if in.Encrypted {
		t.Errorf("unexpected encrypted flag")
	}
}

func TestParseJobInputPreservesInputOrder(t *testing.T) {
	ev := requestEvent(dvm.KindTranslation, "", nostr.Tags{
		{"i", "first", "text"},
		{"i", "https://example.com/doc", "url", "wss://relay.example.com"},
		{"i", "third"},
	})

	in := ParseJobInput(ev)
	if len(in.Inputs) != 3 {
		t.Fatalf("expected 3 inputs, got %d", len(in.Inputs))
	}
	if in.Inputs[0].Value != "first" || in.Inputs[1].Value != "https://example.com/doc" || in.Inputs[2].Value != "third" {
		t.Fatalf("order not preserved: %+v", in.Inputs)
	}
	if in.Inputs[1].Type != "url" || in.Inputs[1].Relay != "wss://relay.example.com" {
		t.Errorf("second input not fully decoded: %+v", in.Inputs[1])
	}
	if in.Inputs[2].Type != "text" {
		t.Errorf("missing type should default to text, got %q", in.Inputs[2].Type)
	}
}

func TestParseJobInputDuplicateParamLastWins(t *testing.T) {
	ev := requestEvent(dvm.KindTranslation, "", nostr.Tags{
		{"param", "language", "es"},
		{"param", "language", "fr"},
	})

	in := ParseJobInput(ev)
	if in.Params["language"] != "fr" {
		t.Fatalf("expected last duplicate to win, got %q", in.Params["language"])
	}
}

func TestParseJobInputMalformedTags(t *testing.T) {
	ev := requestEvent(dvm.KindTextGeneration, "", nostr.Tags{
		{"i"},
		{"bid", "not-a-number"},
		{"param", "orphan"},
		{"t"},
	})

	in := ParseJobInput(ev)
	if len(in.Inputs) != 0 {
		t.Errorf("short i tag should be ignored: %+v", in.Inputs)
	}
	if in.BidMsats != nil {
		t.Errorf("malformed bid should be dropped, got %v", *in.BidMsats)
	}
	if len(in.Params) != 0 {
		t.Errorf("param without value should be ignored: %+v", in.Params)
	}
	if len(in.Topics) != 0 {
		t.Errorf("bare t tag should be ignored: %v", in.Topics)
	}
}

func TestParseJobInputEncryptedMarker(t *testing.T) {
	bare := requestEvent(dvm.KindTextGeneration, "ciphertext", nostr.Tags{
		{"encrypted"},
	})
	if in := ParseJobInput(bare); !in.Encrypted {
		t.Errorf("bare encrypted marker not detected")
	}

	twoElem := requestEvent(dvm.KindTextGeneration, "ciphertext", nostr.Tags{
		{"encrypted", "nip44"},
	})
	if in := ParseJobInput(twoElem); !in.Encrypted {
		t.Errorf("two-element encrypted marker not detected")
	}

	if IsEncrypted(requestEvent(dvm.KindTextGeneration, "", nostr.Tags{{"i", "hi", "text"}})) {
		t.Errorf("IsEncrypted false positive")
	}
}

func TestPrimaryText(t *testing.T) {
	withText := ParseJobInput(requestEvent(dvm.KindTextGeneration, "fallback", nostr.Tags{
		{"i", "https://example.com", "url"},
		{"i", "the real prompt", "text"},
	}))
	if got := PrimaryText(&withText); got != "the real prompt" {
		t.Errorf("PrimaryText = %q, want first text input", got)
	}

	contentOnly := ParseJobInput(requestEvent(dvm.KindTextGeneration, "from content", nostr.Tags{
		{"i", "https://example.com", "url"},
	}))
	if got := PrimaryText(&contentOnly); got != "from content" {
		t.Errorf("PrimaryText = %q, want event content", got)
	}

	empty := ParseJobInput(requestEvent(dvm.KindTextGeneration, "", nil))
	if got := PrimaryText(&empty); got != "" {
		t.Errorf("PrimaryText = %q, want empty", got)
	}
}
