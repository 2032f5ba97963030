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

// Package service defines the capability set behind each supported
// request kind and the registry the orchestrator dispatches through.
package service

import (
	"context"
	"fmt"
	"sort"

	"remora/pkg/dvm"
)

// Service is one paid capability: validation, pricing and execution
// for a single request kind. Implementations must be safe for
// concurrent Execute calls.
type Service interface {
	Kind() int
	Name() string
	Description() string
	DefaultCostMsats() int64

	// Validate returns nil when the input is executable. The error text
	// is sent to the customer as feedback, so keep it brief and free of
	// internals.
	Validate(in *dvm.JobInput) error

	// Price returns the invoice amount in millisatoshis. Pure function
	// of the input, no external calls.
	Price(in *dvm.JobInput) int64

	Execute(ctx context.Context, in *dvm.JobInput) (string, error)
}

// Registry is the immutable kind to service mapping built at startup.
type Registry struct {
	byKind map[int]Service
}

// NewRegistry builds a registry. Registering two services for the same
// kind is a wiring bug and fails.
func NewRegistry(services ...Service) (*Registry, error) {
	byKind := make(map[int]Service, len(services))
	for _, svc := range services {
		if _, dup := byKind[svc.Kind()]; dup {
			return nil, fmt.Errorf("duplicate service for kind %d", svc.Kind())
		}
		byKind[svc.Kind()] = svc
	}
	return &Registry{byKind: byKind}, nil
}

// Lookup returns the service for a kind, if registered.
func (r *Registry) Lookup(kind int) (Service, bool) {
	svc, ok := r.byKind[kind]
	return svc, ok
}

// Kinds returns the registered request kinds in ascending order.
func (r *Registry) Kinds() []int {
	kinds := make([]int, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	sort.Ints(kinds)
	return kinds
}

// All returns the registered services ordered by kind.
func (r *Registry) All() []Service {
	services := make([]Service, 0, len(r.byKind))
	for _, k := range r.Kinds() {
		services = append(services, r.byKind[k])
	}
	return services
}
