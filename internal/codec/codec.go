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

// Package codec decodes NIP-90 job request events into the job input
// structure the rest of the agent works with.
package codec

import (
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"remora/pkg/dvm"
)

// ParseJobInput decodes the tag list of a job request event.
//
// Tag handling:
//   - "i" tags become inputs in insertion order. The second element is the
//     value, the third the type (default "text"), the fourth a relay hint.
//   - "param" tags form a key to value map. Last occurrence of a key wins.
//   - "output" sets the requested result MIME type.
//   - "bid" sets the customer's price ceiling. Malformed numbers are
//     dropped, never an error.
//   - "t" tags accumulate as topics.
//   - "encrypted" marks an end-to-end encrypted payload.
//
// Tags with fewer than two elements are ignored. The bare single-element
// "encrypted" marker some clients emit is handled by IsEncrypted.
func ParseJobInput(ev *nostr.Event) dvm.JobInput {
	in := dvm.JobInput{
		EventID:  ev.ID,
		Customer: ev.PubKey,
		Kind:     ev.Kind,
		Content:  ev.Content,
	}
	if IsEncrypted(ev) {
		in.Encrypted = true
	}

	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}

		switch tag[0] {
		case "i":
			input := dvm.Input{Value: tag[1], Type: "text"}
			if len(tag) > 2 && tag[2] != "" {
				input.Type = tag[2]
			}
			if len(tag) > 3 {
				input.Relay = tag[3]
			}
			in.Inputs = append(in.Inputs, input)

		case "param":
			if len(tag) < 3 {
				continue
			}
			if in.Params == nil {
				in.Params = make(map[string]string)
			}
			in.Params[tag[1]] = tag[2]

		case "output":
			in.OutputMIME = tag[1]

		case "bid":
			if n, err := strconv.ParseInt(tag[1], 10, 64); err == nil {
				in.BidMsats = &n
			}

		case "encrypted":
			in.Encrypted = true

		case "t":
			in.Topics = append(in.Topics, tag[1])
		}
	}

	return in
}

// IsEncrypted reports whether the event carries an "encrypted" tag,
// including the bare single-element form.
func IsEncrypted(ev *nostr.Event) bool {
	for _, tag := range ev.Tags {
		if len(tag) > 0 && tag[0] == "encrypted" {
			return true
		}
	}
	return false
}

// PrimaryText returns the main text payload of a job input: the first
// input of type "text", else the raw event content, else "".
func PrimaryText(in *dvm.JobInput) string {
	for _, input := range in.Inputs {
		if input.Type == "text" {
			return input.Value
		}
	}
	return in.Content
}
