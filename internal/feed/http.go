package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"skewhunter/internal/model"
)

// HTTPProvider reads snapshots from a JSON market-data gateway exposing
// GET /quote and GET /chain?expiry=YYYY-MM-DD.
type HTTPProvider struct {
	base   string
	client *http.Client
}

// NewHTTPProvider creates a provider for the gateway at baseURL.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPProvider) Name() string { return "http" }

type chainRow struct {
	Strike int               `json:"strike"`
	CE     model.OptionQuote `json:"ce"`
	PE     model.OptionQuote `json:"pe"`
}

type chainResponse struct {
	Expiry  string     `json:"expiry"`
	Strikes []chainRow `json:"strikes"`
}

func (h *HTTPProvider) Quote(ctx context.Context) (SpotQuote, error) {
	var q SpotQuote
	err := h.get(ctx, "/quote", &q)
	return q, err
}

func (h *HTTPProvider) Chain(ctx context.Context, expiry string) (model.OptionChain, error) {
	var resp chainResponse
	if err := h.get(ctx, "/chain?expiry="+url.QueryEscape(expiry), &resp); err != nil {
		return nil, err
	}
	chain := make(model.OptionChain, len(resp.Strikes))
	for _, row := range resp.Strikes {
		chain[row.Strike] = model.StrikeQuotes{CE: row.CE, PE: row.PE}
	}
	return chain, nil
}

func (h *HTTPProvider) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decoding: %w", path, err)
	}
	return nil
}
