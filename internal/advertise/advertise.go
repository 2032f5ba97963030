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

// Package advertise builds the NIP-89 handler information event that
// announces the agent's services and prices.
package advertise

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"remora/internal/service"
	"remora/pkg/dvm"
)

// Info describes the agent identity placed in the advertisement.
type Info struct {
	Name             string
	Identifier       string
	About            string
	LightningAddress string
}

// metadata is the kind-31990 content document.
type metadata struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	About       string `json:"about"`
	Picture     string `json:"picture"`
	Lud16       string `json:"lud16"`
}

// NewHandlerInfo builds an unsigned kind-31990 event: one d tag with
// the agent identifier, one k tag per supported kind, and one nip90
// tag per service carrying (kind, name, default cost in msats).
func NewHandlerInfo(info Info, registry *service.Registry) (*nostr.Event, error) {
	content, err := json.Marshal(metadata{
		Name:        info.Name,
		DisplayName: fmt.Sprintf("%s DVM Agent", info.Name),
		About:       info.About,
		Lud16:       info.LightningAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	tags := nostr.Tags{{"d", info.Identifier}}
	for _, svc := range registry.All() {
		tags = append(tags, nostr.Tag{"k", strconv.Itoa(svc.Kind())})
	}
	for _, svc := range registry.All() {
		tags = append(tags, nostr.Tag{
			"nip90",
			strconv.Itoa(svc.Kind()),
			svc.Name(),
			strconv.FormatInt(svc.DefaultCostMsats(), 10),
		})
	}

	return &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      dvm.KindHandlerInfo,
		Tags:      tags,
		Content:   string(content),
	}, nil
}
