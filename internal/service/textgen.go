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
	"strings"

	"remora/internal/ai"
	"remora/internal/codec"
	"remora/pkg/dvm"
)

// TextGeneration handles kind 5001 for both free-form generation and
// summarization. A request routes to the summarization path when
// params carry task=summarize, or failing that, when any t-topic
// contains "summarize".
type TextGeneration struct {
	ai   ai.Client
	cost int64
}

func NewTextGeneration(client ai.Client, costMsats int64) *TextGeneration {
	return &TextGeneration{ai: client, cost: costMsats}
}

func (s *TextGeneration) Kind() int               { return dvm.KindTextGeneration }
func (s *TextGeneration) Name() string            { return "Text Generation" }
func (s *TextGeneration) Description() string     { return "LLM text generation and summarization" }
func (s *TextGeneration) DefaultCostMsats() int64 { return s.cost }

func (s *TextGeneration) Validate(in *dvm.JobInput) error {
	if strings.TrimSpace(codec.PrimaryText(in)) == "" {
		return errEmptyInput
	}
	return nil
}

func (s *TextGeneration) Price(in *dvm.JobInput) int64 {
	tokens := ai.EstimateTokens(codec.PrimaryText(in))
	switch {
	case tokens > 2000:
		return s.cost * 3
	case tokens > 500:
		return s.cost * 2
	default:
		return s.cost
	}
}

func (s *TextGeneration) Execute(ctx context.Context, in *dvm.JobInput) (string, error) {
	text := codec.PrimaryText(in)
	if isSummarizeTask(in) {
		return s.ai.Summarize(ctx, text, in.Params)
	}
	return s.ai.GenerateText(ctx, text, in.Params)
}

func isSummarizeTask(in *dvm.JobInput) bool {
	if in.Params["task"] == "summarize" {
		return true
	}
	for _, topic := range in.Topics {
		if strings.Contains(strings.ToLower(topic), "summarize") {
			return true
		}
	}
	return false
}
