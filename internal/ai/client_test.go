package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-engine/config"
)

func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCompleteUsesCheapFirst(t *testing.T) {
	cheap := chatServer(t, http.StatusOK, "cheap answer")
	premium := chatServer(t, http.StatusOK, "premium answer")
	c := NewClient(config.AIConfig{
		Enabled:  true,
		CheapURL: cheap.URL, CheapModel: "cheap-1", CheapKey: "k1",
		PremiumURL: premium.URL, PremiumModel: "prem-1", PremiumKey: "k2",
	}, zerolog.Nop())

	text, source, err := c.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "cheap answer", text)
	assert.Equal(t, "cheap-1", source)
}

func TestCompleteFallsBackToPremium(t *testing.T) {
	cheap := chatServer(t, http.StatusBadGateway, "")
	premium := chatServer(t, http.StatusOK, "premium answer")
	c := NewClient(config.AIConfig{
		Enabled:  true,
		CheapURL: cheap.URL, CheapModel: "cheap-1", CheapKey: "k1",
		PremiumURL: premium.URL, PremiumModel: "prem-1", PremiumKey: "k2",
	}, zerolog.Nop())

	text, source, err := c.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "premium answer", text)
	assert.Equal(t, "prem-1", source)
}

func TestCompleteBothModelsDown(t *testing.T) {
	cheap := chatServer(t, http.StatusBadGateway, "")
	premium := chatServer(t, http.StatusBadGateway, "")
	c := NewClient(config.AIConfig{
		Enabled:  true,
		CheapURL: cheap.URL, CheapKey: "k1",
		PremiumURL: premium.URL, PremiumKey: "k2",
	}, zerolog.Nop())

	_, _, err := c.Complete(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCompletePremiumFallsBackToCheap(t *testing.T) {
	cheap := chatServer(t, http.StatusOK, "cheap answer")
	c := NewClient(config.AIConfig{
		Enabled:  true,
		CheapURL: cheap.URL, CheapModel: "cheap-1", CheapKey: "k1",
	}, zerolog.Nop())

	text, source, err := c.CompletePremium(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "cheap answer", text)
	assert.Equal(t, "cheap-1", source)
}

func TestDisabledClient(t *testing.T) {
	c := NewClient(config.AIConfig{Enabled: false}, zerolog.Nop())
	assert.False(t, c.Enabled())
	_, _, err := c.Complete(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, _, err = c.CompletePremium(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, ErrUnavailable)
}
