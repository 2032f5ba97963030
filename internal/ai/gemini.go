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

// Package ai wraps the Gemini inference backend behind a small client
// interface the services program against.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash"

	defaultMaxTokens = 4096
)

// Client is the inference surface the services use. Implementations
// must be safe for concurrent use.
type Client interface {
	GenerateText(ctx context.Context, prompt string, params map[string]string) (string, error)
	Translate(ctx context.Context, text, targetLanguage, sourceLanguage string) (string, error)
	Summarize(ctx context.Context, text string, params map[string]string) (string, error)
	DescribeImage(ctx context.Context, prompt string) (string, error)
	ExtractText(ctx context.Context, url string) (string, error)
}

// EstimateTokens is a rough token count estimate (1 token ~ 4 chars
// for English text). Used only for tiered pricing, never billing.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Gemini talks to the Gemini REST API.
type Gemini struct {
	http    *http.Client
	baseURL string
	model   string
	apiKey  string
	log     *slog.Logger
}

// NewGemini builds a client for the hosted Gemini API.
func NewGemini(apiKey string, log *slog.Logger) *Gemini {
	return &Gemini{
		http:    &http.Client{Timeout: 120 * time.Second},
		baseURL: defaultBaseURL,
		model:   defaultModel,
		apiKey:  apiKey,
		log:     log,
	}
}

// GenerateText runs a plain completion. params may carry "temperature"
// and "max_tokens" overrides from the job request.
func (g *Gemini) GenerateText(ctx context.Context, prompt string, params map[string]string) (string, error) {
	temperature := paramFloat(params, "temperature", 0.7)
	maxTokens := paramInt(params, "max_tokens", defaultMaxTokens)
	return g.generate(ctx, prompt, "", temperature, maxTokens)
}

// Translate translates text into targetLanguage. sourceLanguage "auto"
// or "" lets the model detect the source.
func (g *Gemini) Translate(ctx context.Context, text, targetLanguage, sourceLanguage string) (string, error) {
	if targetLanguage == "" {
		targetLanguage = "English"
	}
	system := "You are a professional translator. Translate accurately while preserving meaning and tone."
	prompt := fmt.Sprintf("Translate the following text to %s:\n\n%s", targetLanguage, text)
	if sourceLanguage != "" && sourceLanguage != "auto" {
		prompt = fmt.Sprintf("Translate the following text from %s to %s:\n\n%s", sourceLanguage, targetLanguage, text)
	}
	return g.generate(ctx, prompt, system, 0.3, defaultMaxTokens)
}

// Summarize produces a summary. params["max_length"] tunes the style
// ("concise" by default).
func (g *Gemini) Summarize(ctx context.Context, text string, params map[string]string) (string, error) {
	maxLength := params["max_length"]
	if maxLength == "" {
		maxLength = "concise"
	}
	system := "You are an expert at creating clear, accurate summaries."
	prompt := fmt.Sprintf("Provide a %s summary of the following text:\n\n%s", maxLength, text)
	return g.generate(ctx, prompt, system, 0.3, defaultMaxTokens)
}

// DescribeImage returns a detailed visual description for a prompt.
// Native image output needs a different model family; the description
// is usable as-is or as input to one.
func (g *Gemini) DescribeImage(ctx context.Context, prompt string) (string, error) {
	system := "You are a creative visual artist. Describe the image in vivid detail."
	return g.generate(ctx, "Create a detailed visual description for: "+prompt, system, 0.8, defaultMaxTokens)
}

// ExtractText analyzes a URL and returns a structured extraction of
// its main content.
func (g *Gemini) ExtractText(ctx context.Context, url string) (string, error) {
	system := "You are an expert at analyzing and extracting key information from web content."
	prompt := fmt.Sprintf("Analyze and extract the key information from this URL: %s\n\nProvide a structured extraction of the main content.", url)
	return g.generate(ctx, prompt, system, 0.2, defaultMaxTokens)
}

// --------------- REST plumbing ---------------

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *Gemini) generate(ctx context.Context, prompt, system string, temperature float64, maxTokens int) (string, error) {
	reqBody := generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: &generationConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxTokens,
		},
	}
	if system != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call gemini: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := "unknown error"
		if out.Error != nil {
			msg = out.Error.Message
		}
		return "", fmt.Errorf("gemini status %d: %s", resp.StatusCode, msg)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	result := sb.String()

	g.log.Debug("gemini generation complete",
		"prompt_len", len(prompt),
		"result_len", len(result),
		"duration", time.Since(start))
	return result, nil
}

func paramFloat(params map[string]string, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func paramInt(params map[string]string, key string, def int) int {
	if v, ok := params[key]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
