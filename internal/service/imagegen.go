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

// ImageGeneration handles kind 5100. The backend produces a detailed
// visual description rather than raster output.
type ImageGeneration struct {
	ai   ai.Client
	cost int64
}

func NewImageGeneration(client ai.Client, costMsats int64) *ImageGeneration {
	return &ImageGeneration{ai: client, cost: costMsats}
}

func (s *ImageGeneration) Kind() int               { return dvm.KindImageGeneration }
func (s *ImageGeneration) Name() string            { return "Image Generation" }
func (s *ImageGeneration) Description() string     { return "Text-to-image prompt rendering" }
func (s *ImageGeneration) DefaultCostMsats() int64 { return s.cost }

func (s *ImageGeneration) Validate(in *dvm.JobInput) error {
	if strings.TrimSpace(codec.PrimaryText(in)) == "" {
		return errEmptyInput
	}
	return nil
}

func (s *ImageGeneration) Price(in *dvm.JobInput) int64 { return s.cost }

func (s *ImageGeneration) Execute(ctx context.Context, in *dvm.JobInput) (string, error) {
	return s.ai.DescribeImage(ctx, codec.PrimaryText(in))
}
