package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// postJSON sends payload to url and decodes the JSON response into out.
// A bearer token is attached when apiKey is non-empty. Non-200 responses
// surface the body in the error so provider misconfiguration is diagnosable.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("embedding: API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}

// dimCache latches the vector dimension observed on the first successful
// embedding, overriding the configured default from then on.
type dimCache struct {
	once sync.Once
	dim  int
}

func (c *dimCache) observe(vecs [][]float32) {
	if len(vecs) > 0 && len(vecs[0]) > 0 {
		c.once.Do(func() {
			c.dim = len(vecs[0])
		})
	}
}

func (c *dimCache) value(fallback int) int {
	if c.dim > 0 {
		return c.dim
	}
	return fallback
}
