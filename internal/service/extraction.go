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

package service

import (
	"context"
	"errors"
	"strings"

	"remora/internal/ai"
	"remora/pkg/dvm"
)

var errNoURL = errors.New("a url-type input is required")

// TextExtraction handles kind 5002: analyze and extract the content
// behind a URL input.
type TextExtraction struct {
	ai   ai.Client
	cost int64
}

func NewTextExtraction(client ai.Client, costMsats int64) *TextExtraction {
	return &TextExtraction{ai: client, cost: costMsats}
}

func (s *TextExtraction) Kind() int               { return dvm.KindTextExtraction }
func (s *TextExtraction) Name() string            { return "Text Extraction" }
func (s *TextExtraction) Description() string     { return "Extract and analyze content from URLs" }
func (s *TextExtraction) DefaultCostMsats() int64 { return s.cost }

func (s *TextExtraction) Validate(in *dvm.JobInput) error {
	if firstURL(in) == "" {
		return errNoURL
	}
	return nil
}

func (s *TextExtraction) Price(in *dvm.JobInput) int64 { return s.cost }

func (s *TextExtraction) Execute(ctx context.Context, in *dvm.JobInput) (string, error) {
	url := firstURL(in)
	if url == "" {
		return "", errNoURL
	}
	return s.ai.ExtractText(ctx, url)
}

func firstURL(in *dvm.JobInput) string {
	for _, input := range in.Inputs {
		if input.Type == "url" && strings.HasPrefix(input.Value, "http") {
			return input.Value
		}
	}
	return ""
}
