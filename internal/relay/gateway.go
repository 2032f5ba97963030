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

// Package relay owns the websocket connections to the configured Nostr
// relays: ingress subscriptions, cross-relay deduplication, and signed
// fan-out publishing.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"remora/internal/metrics"
	"remora/pkg/dvm"
)

const (
	reconnectBaseDelay = 2 * time.Second
	reconnectMaxDelay  = 60 * time.Second
	reconnectJitter    = 0.3

	publishTimeout = 10 * time.Second

	// seenCap bounds the dedup window. Old entries are evicted FIFO.
	seenCap = 4096
)

// Handlers receive deduplicated ingress events. Wired once before
// Start; the gateway never calls them concurrently for the same event.
type Handlers struct {
	OnJobRequest func(ctx context.Context, ev *nostr.Event)
	OnZapReceipt func(ctx context.Context, ev *nostr.Event)
}

// Gateway maintains one connection per configured relay. Reconnects
// are internal; callers only see Publish and the handler callbacks.
type Gateway struct {
	privateKey string
	pubKey     string
	urls       []string
	log        *slog.Logger
	handlers   Handlers

	mu     sync.RWMutex
	relays map[string]*nostr.Relay

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	wg sync.WaitGroup
}

// New builds a gateway for the given relay URLs. The private key signs
// every published event.
func New(privateKey string, urls []string, log *slog.Logger) (*Gateway, error) {
	pub, err := nostr.GetPublicKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	if len(urls) == 0 {
		return nil, errors.New("at least one relay URL is required")
	}
	return &Gateway{
		privateKey: privateKey,
		pubKey:     pub,
		urls:       urls,
		log:        log,
		relays:     make(map[string]*nostr.Relay),
		seen:       make(map[string]struct{}, seenCap),
	}, nil
}

// PublicKey returns the agent's public key in hex.
func (g *Gateway) PublicKey() string { return g.pubKey }

// SetHandlers wires the ingress callbacks. Must be called before Start.
func (g *Gateway) SetHandlers(h Handlers) { g.handlers = h }

// Start launches one connection loop per relay and returns immediately.
// The loops run until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) {
	for _, url := range g.urls {
		g.wg.Add(1)
		go func(url string) {
			defer g.wg.Done()
			g.maintainRelay(ctx, url)
		}(url)
	}
}

// Wait blocks until every connection loop has exited.
func (g *Gateway) Wait() { g.wg.Wait() }

// maintainRelay keeps one relay connected and subscribed, reconnecting
// with capped exponential backoff.
func (g *Gateway) maintainRelay(ctx context.Context, url string) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := g.runRelay(ctx, url)
		if ctx.Err() != nil {
			return
		}
		attempt++

		exp := attempt - 1
		if exp > 5 {
			exp = 5
		}
		backoff := reconnectBaseDelay * (1 << exp)
		if backoff > reconnectMaxDelay {
			backoff = reconnectMaxDelay
		}
		jitter := time.Duration(rand.Float64() * reconnectJitter * float64(backoff))
		sleep := backoff + jitter

		g.log.Warn("relay connection lost, reconnecting",
			"relay", url, "attempt", attempt, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runRelay connects, subscribes, and consumes events until the relay
// drops or ctx is cancelled.
func (g *Gateway) runRelay(ctx context.Context, url string) error {
	conn, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		g.mu.Lock()
		delete(g.relays, url)
		g.mu.Unlock()
		_ = conn.Close()
	}()

	g.mu.Lock()
	g.relays[url] = conn
	g.mu.Unlock()

	// Both filters are time-bounded by now so reconnects do not replay
	// history the store has already seen.
	since := nostr.Now()
	filters := nostr.Filters{
		{Kinds: dvm.RequestKinds, Since: &since},
		{
			Kinds: []int{dvm.KindZapReceipt},
			Tags:  nostr.TagMap{"p": []string{g.pubKey}},
			Since: &since,
		},
	}

	sub, err := conn.Subscribe(ctx, filters)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsub()

	g.log.Info("relay connected", "relay", url)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events:
			if !ok {
				return errors.New("subscription closed")
			}
			if ev == nil {
				continue
			}
			g.dispatch(ctx, ev)
		}
	}
}

// dispatch routes a deduplicated event to the right handler. The first
// relay to deliver an event wins; later copies are dropped.
func (g *Gateway) dispatch(ctx context.Context, ev *nostr.Event) {
	if !g.markSeen(ev.ID) {
		return
	}

	switch {
	case ev.Kind == dvm.KindZapReceipt:
		if g.handlers.OnZapReceipt != nil {
			g.handlers.OnZapReceipt(ctx, ev)
		}
	case isRequestKind(ev.Kind):
		if g.handlers.OnJobRequest != nil {
			g.handlers.OnJobRequest(ctx, ev)
		}
	}
}

// markSeen records an event ID in the dedup window. Reports true when
// the ID was not seen before.
func (g *Gateway) markSeen(id string) bool {
	g.seenMu.Lock()
	defer g.seenMu.Unlock()

	if _, dup := g.seen[id]; dup {
		return false
	}
	g.seen[id] = struct{}{}
	g.seenOrder = append(g.seenOrder, id)
	if len(g.seenOrder) > seenCap {
		evict := g.seenOrder[0]
		g.seenOrder = g.seenOrder[1:]
		delete(g.seen, evict)
	}
	return true
}

// Publish signs the event and fans it out to every connected relay.
// It returns nil once at least one relay accepted the event; per-relay
// failures are logged, never propagated.
func (g *Gateway) Publish(ctx context.Context, ev *nostr.Event) error {
	if err := ev.Sign(g.privateKey); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}

	g.mu.RLock()
	conns := make(map[string]*nostr.Relay, len(g.relays))
	for url, conn := range g.relays {
		conns[url] = conn
	}
	g.mu.RUnlock()

	if len(conns) == 0 {
		return errors.New("no connected relays")
	}

	accepted := 0
	for url, conn := range conns {
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := conn.Publish(pubCtx, *ev)
		cancel()

		metrics.IncRelayPublish(url, err == nil)
		if err != nil {
			g.log.Warn("relay publish failed", "relay", url, "kind", ev.Kind, "error", err)
			continue
		}
		accepted++
	}

	if accepted == 0 {
		return fmt.Errorf("event %s rejected by all %d relays", ev.ID, len(conns))
	}
	return nil
}

func isRequestKind(kind int) bool {
	for _, k := range dvm.RequestKinds {
		if k == kind {
			return true
		}
	}
	return false
}
