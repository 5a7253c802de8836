package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a rules-engine service over HTTP. Positions and moves
// pass through verbatim; a 4xx response is reported as the engine's
// rejection message.
type Client struct {
	base string
	http *http.Client
}

// NewClient points at a rules-engine base URL, e.g. "http://rules:9000".
func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rules engine unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s", bytes.TrimSpace(msg))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rules engine returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ApplyMove submits a move against a position and returns the new position.
func (c *Client) ApplyMove(ctx context.Context, position string, move Move) (string, error) {
	in := struct {
		Position string `json:"position"`
		Move     Move   `json:"move"`
	}{position, move}
	var out struct {
		Position string `json:"position"`
	}
	if err := c.post(ctx, "/apply", in, &out); err != nil {
		return "", err
	}
	return out.Position, nil
}

// IsTerminal classifies a position's end state.
func (c *Client) IsTerminal(ctx context.Context, position string) (Terminal, error) {
	in := struct {
		Position string `json:"position"`
	}{position}
	var out struct {
		Terminal Terminal `json:"terminal"`
	}
	if err := c.post(ctx, "/terminal", in, &out); err != nil {
		return TerminalNone, err
	}
	return out.Terminal, nil
}

// LegalDestinations lists the squares reachable from square.
func (c *Client) LegalDestinations(ctx context.Context, position, square string) ([]string, error) {
	in := struct {
		Position string `json:"position"`
		Square   string `json:"square"`
	}{position, square}
	var out struct {
		Destinations []string `json:"destinations"`
	}
	if err := c.post(ctx, "/destinations", in, &out); err != nil {
		return nil, err
	}
	return out.Destinations, nil
}
