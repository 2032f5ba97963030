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
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// BOLT-11 tagged field types.
const (
	fieldPaymentHash     = 1  // p
	fieldDescriptionHash = 23 // h
)

// signatureGroups is the fixed size of the trailing signature
// (64 bytes sig + 1 byte recovery id, in 5-bit groups).
const signatureGroups = 104

var errFieldAbsent = errors.New("tagged field absent")

// invoiceFields holds the tagged fields the verifier cares about,
// hex encoded. Either may be empty when the invoice omits the field.
type invoiceFields struct {
	PaymentHash     string
	DescriptionHash string
}

// decodeInvoice parses a BOLT-11 payment request far enough to recover
// the payment hash (p) and description hash (h) tagged fields. It does
// not verify the invoice signature; receipts carry their own.
func decodeInvoice(bolt11 string) (*invoiceFields, error) {
	hrp, data, err := bech32.DecodeNoLimit(strings.ToLower(bolt11))
	if err != nil {
		return nil, fmt.Errorf("decode bech32: %w", err)
	}
	if !strings.HasPrefix(hrp, "ln") {
		return nil, fmt.Errorf("not a lightning invoice: hrp %q", hrp)
	}

	// Layout: 7 groups of timestamp, tagged fields, 104 groups of signature.
	if len(data) < 7+signatureGroups {
		return nil, errors.New("invoice too short")
	}
	fields := data[7 : len(data)-signatureGroups]

	var inv invoiceFields
	for len(fields) >= 3 {
		typ := fields[0]
		length := int(fields[1])<<5 | int(fields[2])
		fields = fields[3:]
		if length > len(fields) {
			return nil, errors.New("truncated tagged field")
		}
		payload := fields[:length]
		fields = fields[length:]

		switch typ {
		case fieldPaymentHash:
			h, err := groupsToHash(payload)
			if err != nil {
				continue
			}
			inv.PaymentHash = h
		case fieldDescriptionHash:
			h, err := groupsToHash(payload)
			if err != nil {
				continue
			}
			inv.DescriptionHash = h
		}
	}

	return &inv, nil
}

// groupsToHash converts a 52-group tagged field payload into a hex
// encoded 32-byte hash. Payloads of any other size are malformed.
func groupsToHash(groups []byte) (string, error) {
	if len(groups) != 52 {
		return "", fmt.Errorf("expected 52 groups, got %d", len(groups))
	}
	raw, err := bech32.ConvertBits(groups, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("convert bits: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	return hex.EncodeToString(raw), nil
}

// invoiceDescriptionHash returns the hex description hash committed in
// a BOLT-11 invoice, or errFieldAbsent when the invoice does not carry
// one.
func invoiceDescriptionHash(bolt11 string) (string, error) {
	inv, err := decodeInvoice(bolt11)
	if err != nil {
		return "", err
	}
	if inv.DescriptionHash == "" {
		return "", errFieldAbsent
	}
	return inv.DescriptionHash, nil
}
