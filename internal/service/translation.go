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
	"remora/internal/codec"
	"remora/pkg/dvm"
)

var errEmptyInput = errors.New("input text is empty")

// Translation handles kind 5000 requests. Target language comes from
// the "language" param, falling back to "target", then English.
type Translation struct {
	ai   ai.Client
	cost int64
}

func NewTranslation(client ai.Client, costMsats int64) *Translation {
	return &Translation{ai: client, cost: costMsats}
}

func (s *Translation) Kind() int               { return dvm.KindTranslation }
func (s *Translation) Name() string            { return "Translation" }
func (s *Translation) Description() string     { return "Text translation between languages" }
func (s *Translation) DefaultCostMsats() int64 { return s.cost }

func (s *Translation) Validate(in *dvm.JobInput) error {
	if strings.TrimSpace(codec.PrimaryText(in)) == "" {
		return errEmptyInput
	}
	return nil
}

func (s *Translation) Price(in *dvm.JobInput) int64 {
	if ai.EstimateTokens(codec.PrimaryText(in)) > 1000 {
		return s.cost * 2
	}
	return s.cost
}

func (s *Translation) Execute(ctx context.Context, in *dvm.JobInput) (string, error) {
	target := in.Params["language"]
	if target == "" {
		target = in.Params["target"]
	}
	source := in.Params["source"]
	return s.ai.Translate(ctx, codec.PrimaryText(in), target, source)
}
