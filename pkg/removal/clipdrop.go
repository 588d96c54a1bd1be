package removal

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
)

const clipDropURL = "https://clipdrop-api.co/remove-background/v1"

type ClipDrop struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewClipDrop(apiKey string, client *http.Client) *ClipDrop {
	return &ClipDrop{apiKey: apiKey, baseURL: clipDropURL, client: client}
}

func (c *ClipDrop) Name() string { return "clipdrop" }

// Remove posts the raw image bytes.
func (c *ClipDrop) Remove(ctx context.Context, in Input) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(in.Data))
	if err != nil {
		return nil, fmt.Errorf("clipdrop: create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clipdrop: send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := readImage(c.Name(), resp)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, ContentType: "image/png"}, nil
}
