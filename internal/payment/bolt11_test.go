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

package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// buildInvoice assembles a minimal but well-formed BOLT-11 invoice:
// zero timestamp, the given tagged hashes, and a zeroed signature.
// The checksum is real, so the decoder exercises its full path.
func buildInvoice(t *testing.T, payHash, descHash []byte) string {
	t.Helper()

	data := make([]byte, 7) // timestamp

	appendTagged := func(typ byte, hash []byte) {
		groups, err := bech32.ConvertBits(hash, 8, 5, true)
		if err != nil {
			t.Fatalf("ConvertBits failed: %v", err)
		}
		data = append(data, typ, byte(len(groups)>>5), byte(len(groups)&31))
		data = append(data, groups...)
	}

	if payHash != nil {
		appendTagged(fieldPaymentHash, payHash)
	}
	if descHash != nil {
		appendTagged(fieldDescriptionHash, descHash)
	}

	data = append(data, make([]byte, signatureGroups)...)

	inv, err := bech32.Encode("lnbc", data)
	if err != nil {
		t.Fatalf("bech32 encode failed: %v", err)
	}
	return inv
}

func TestDecodeInvoiceExtractsHashes(t *testing.T) {
	payHash := sha256.Sum256([]byte("preimage"))
	descHash := sha256.Sum256([]byte("zap request json"))

	inv, err := decodeInvoice(buildInvoice(t, payHash[:], descHash[:]))
	if err != nil {
		t.Fatalf("decodeInvoice failed: %v", err)
	}
	if inv.PaymentHash != hex.EncodeToString(payHash[:]) {
		t.Errorf("payment hash = %s", inv.PaymentHash)
	}
	if inv.DescriptionHash != hex.EncodeToString(descHash[:]) {
		t.Errorf("description hash = %s", inv.DescriptionHash)
	}
}

func TestInvoiceDescriptionHashAbsent(t *testing.T) {
	payHash := sha256.Sum256([]byte("preimage"))
	_, err := invoiceDescriptionHash(buildInvoice(t, payHash[:], nil))
	if !errors.Is(err, errFieldAbsent) {
		t.Fatalf("expected errFieldAbsent, got %v", err)
	}
}

func TestDecodeInvoiceRejectsGarbage(t *testing.T) {
	for _, bad := range []string{
		"",
		"not-an-invoice",
		"lnbc1qqqqqqqq", // too short for timestamp + signature
	} {
		if _, err := decodeInvoice(bad); err == nil {
			t.Errorf("decodeInvoice(%q) should fail", bad)
		}
	}
}

func TestDecodeInvoiceRejectsNonLightningHRP(t *testing.T) {
	data := make([]byte, 7+signatureGroups)
	s, err := bech32.Encode("bc", data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := decodeInvoice(s); err == nil {
		t.Fatalf("expected non-ln hrp to be rejected")
	}
}
