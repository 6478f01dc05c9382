// Package ai wraps two OpenAI-compatible chat endpoints: a cheap model
// tried first and a premium fallback. All prompts demand JSON-only output;
// extraction tolerates fenced code blocks and stray prose.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"perp-engine/config"
)

// ErrUnavailable is returned when both models fail or produce unparseable
// output. Callers treat it as a reject and do not retry within the cycle.
var ErrUnavailable = errors.New("ai unavailable")

// Tier selects which model answers.
type Tier int

const (
	TierCheap Tier = iota
	TierPremium
)

func (t Tier) String() string {
	if t == TierPremium {
		return "premium"
	}
	return "cheap"
}

// Client calls the configured LLM endpoints.
type Client struct {
	cfg  config.AIConfig
	http *http.Client
	log  zerolog.Logger
}

func NewClient(cfg config.AIConfig, log zerolog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

// Enabled reports whether any endpoint is configured.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled && (c.cfg.CheapKey != "" || c.cfg.PremiumKey != "")
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete asks the cheap model first; on transport failure or empty output
// it falls back to the premium model. Source reports which tier answered.
func (c *Client) Complete(ctx context.Context, system, user string) (text string, source string, err error) {
	if !c.Enabled() {
		return "", "", ErrUnavailable
	}
	if c.cfg.CheapKey != "" {
		text, err = c.call(ctx, TierCheap, system, user)
		if err == nil {
			return text, c.cfg.CheapModel, nil
		}
		c.log.Warn().Err(err).Msg("cheap model failed, falling back")
	}
	if c.cfg.PremiumKey != "" {
		text, err = c.call(ctx, TierPremium, system, user)
		if err == nil {
			return text, c.cfg.PremiumModel, nil
		}
		c.log.Warn().Err(err).Msg("premium model failed")
	}
	return "", "", ErrUnavailable
}

// CompletePremium skips the cheap tier. Used for pricing decisions.
func (c *Client) CompletePremium(ctx context.Context, system, user string) (string, string, error) {
	if !c.Enabled() || c.cfg.PremiumKey == "" {
		// Fall back to the cheap model rather than failing outright.
		if c.cfg.CheapKey != "" {
			text, err := c.call(ctx, TierCheap, system, user)
			if err != nil {
				return "", "", ErrUnavailable
			}
			return text, c.cfg.CheapModel, nil
		}
		return "", "", ErrUnavailable
	}
	text, err := c.call(ctx, TierPremium, system, user)
	if err != nil {
		return "", "", ErrUnavailable
	}
	return text, c.cfg.PremiumModel, nil
}

func (c *Client) call(ctx context.Context, tier Tier, system, user string) (string, error) {
	url, model, key := c.cfg.CheapURL, c.cfg.CheapModel, c.cfg.CheapKey
	if tier == TierPremium {
		url, model, key = c.cfg.PremiumURL, c.cfg.PremiumModel, c.cfg.PremiumKey
	}
	reqBody := chatRequest{
		Model:       model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s model: %w", tier, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s model: status %d: %s", tier, resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%s model: decode: %w", tier, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("%s model: %s", tier, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%s model: empty completion", tier)
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
