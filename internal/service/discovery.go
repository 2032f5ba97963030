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
	"fmt"
	"strings"

	"remora/internal/ai"
	"remora/internal/codec"
	"remora/pkg/dvm"
)

// Discovery handles kind 5300: AI-curated content discovery for a
// search query.
type Discovery struct {
	ai   ai.Client
	cost int64
}

func NewDiscovery(client ai.Client, costMsats int64) *Discovery {
	return &Discovery{ai: client, cost: costMsats}
}

func (s *Discovery) Kind() int               { return dvm.KindDiscovery }
func (s *Discovery) Name() string            { return "Content Discovery" }
func (s *Discovery) Description() string     { return "Search and curate content using AI" }
func (s *Discovery) DefaultCostMsats() int64 { return s.cost }

func (s *Discovery) Validate(in *dvm.JobInput) error {
	if strings.TrimSpace(codec.PrimaryText(in)) == "" {
		return errEmptyInput
	}
	return nil
}

func (s *Discovery) Price(in *dvm.JobInput) int64 { return s.cost }

func (s *Discovery) Execute(ctx context.Context, in *dvm.JobInput) (string, error) {
	prompt := fmt.Sprintf(
		"You are a content discovery assistant. Based on the following search query, provide a curated list of relevant topics, insights, and recommendations:\n\nQuery: %s",
		codec.PrimaryText(in))
	return s.ai.GenerateText(ctx, prompt, in.Params)
}
