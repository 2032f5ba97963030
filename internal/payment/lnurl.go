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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"remora/pkg/crypto"
)

const defaultStrikeBaseURL = "https://api.strike.me"

// Invoice is a freshly issued BOLT-11 payment request.
type Invoice struct {
	Bolt11      string
	InvoiceHash string
	AmountMsats int64
}

// InvoiceHash returns the deterministic lookup key for a bolt11 string.
// It must be stable across restarts, so it is a plain SHA-256 of the
// invoice text.
func InvoiceHash(bolt11 string) string {
	sum := sha256.Sum256([]byte(bolt11))
	return hex.EncodeToString(sum[:])
}

// lnurlMetadata is the LNURL-pay metadata document.
type lnurlMetadata struct {
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
}

// LightningClient issues invoices via LNURL-pay and optionally polls
// the Strike API for payment confirmation. Safe for concurrent use.
type LightningClient struct {
	http          *http.Client
	metadataURL   string
	strikeKey     string
	strikeBaseURL string
	log           *slog.Logger

	mu   sync.Mutex
	meta *lnurlMetadata
}

// NewLightningClient builds a client for the given LNURL-pay metadata
// endpoint. strikeKey may be empty, which disables payment polling.
func NewLightningClient(metadataURL, strikeKey string, log *slog.Logger) *LightningClient {
	return &LightningClient{
		http:          &http.Client{Timeout: 15 * time.Second},
		metadataURL:   metadataURL,
		strikeKey:     strikeKey,
		strikeBaseURL: defaultStrikeBaseURL,
		log:           log,
	}
}

// CreateInvoice requests a BOLT-11 invoice for the given amount.
// Amounts outside the [minSendable, maxSendable] range advertised by
// the LNURL endpoint are an error.
func (c *LightningClient) CreateInvoice(ctx context.Context, amountMsats int64, memo string) (*Invoice, error) {
	meta, err := c.metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("lnurl metadata: %w", err)
	}
	if meta.Callback == "" {
		return nil, errors.New("lnurl metadata has no callback")
	}
	if amountMsats < meta.MinSendable || amountMsats > meta.MaxSendable {
		return nil, fmt.Errorf("amount %d msats outside sendable range [%d, %d]",
			amountMsats, meta.MinSendable, meta.MaxSendable)
	}

	sep := "?"
	if strings.Contains(meta.Callback, "?") {
		sep = "&"
	}
	invoiceURL := fmt.Sprintf("%s%samount=%d", meta.Callback, sep, amountMsats)
	if memo != "" {
		invoiceURL += "&comment=" + url.QueryEscape(memo)
	}

	var resp struct {
		PR     string `json:"pr"`
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := c.getJSON(ctx, invoiceURL, nil, &resp); err != nil {
		return nil, fmt.Errorf("lnurl callback: %w", err)
	}
	if resp.PR == "" {
		if resp.Reason != "" {
			return nil, fmt.Errorf("lnurl callback rejected: %s", resp.Reason)
		}
		return nil, errors.New("lnurl callback returned no invoice")
	}

	inv := &Invoice{
		Bolt11:      resp.PR,
		InvoiceHash: InvoiceHash(resp.PR),
		AmountMsats: amountMsats,
	}
	c.log.Info("invoice created",
		"amount_msats", amountMsats,
		"invoice_hash", crypto.RedactSecret(inv.InvoiceHash))
	return inv, nil
}

// CheckPayment polls Strike once for an invoice's settlement state.
// Without an API key it reports false; zap receipts remain the primary
// confirmation path.
func (c *LightningClient) CheckPayment(ctx context.Context, invoiceID string) (bool, error) {
	if c.strikeKey == "" {
		return false, nil
	}

	var resp struct {
		State string `json:"state"`
	}
	u := fmt.Sprintf("%s/v1/invoices/%s", c.strikeBaseURL, url.PathEscape(invoiceID))
	headers := map[string]string{"Authorization": "Bearer " + c.strikeKey}
	if err := c.getJSON(ctx, u, headers, &resp); err != nil {
		return false, fmt.Errorf("strike invoice lookup: %w", err)
	}
	return resp.State == "PAID", nil
}

// PollPayment polls CheckPayment with a growing interval until the
// invoice is paid, the timeout elapses, or ctx is cancelled.
func (c *LightningClient) PollPayment(ctx context.Context, invoiceID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	interval := 2 * time.Second

	for time.Now().Before(deadline) {
		paid, err := c.CheckPayment(ctx, invoiceID)
		if err != nil {
			c.log.Warn("payment check failed", "error", err)
		}
		if paid {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
		interval = min(interval*3/2, 15*time.Second)
	}

	c.log.Warn("payment poll timed out", "invoice_id", crypto.RedactSecret(invoiceID))
	return false
}

// metadata fetches and caches the LNURL-pay metadata document.
func (c *LightningClient) metadata(ctx context.Context) (*lnurlMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta != nil {
		return c.meta, nil
	}

	var meta lnurlMetadata
	if err := c.getJSON(ctx, c.metadataURL, nil, &meta); err != nil {
		return nil, err
	}
	if meta.MinSendable == 0 {
		meta.MinSendable = 1000
	}
	if meta.MaxSendable == 0 {
		meta.MaxSendable = 1_000_000_000
	}

	c.meta = &meta
	c.log.Info("lnurl metadata loaded",
		"min_sendable", meta.MinSendable,
		"max_sendable", meta.MaxSendable)
	return c.meta, nil
}

func (c *LightningClient) getJSON(ctx context.Context, rawURL string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
