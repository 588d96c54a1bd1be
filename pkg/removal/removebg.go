package removal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

const removeBgURL = "https://api.remove.bg/v1.0/removebg"

type RemoveBg struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewRemoveBg(apiKey string, client *http.Client) *RemoveBg {
	return &RemoveBg{apiKey: apiKey, baseURL: removeBgURL, client: client}
}

func (r *RemoveBg) Name() string { return "removebg" }

type removeBgRequest struct {
	ImageURL     string `json:"image_url,omitempty"`
	ImageFileB64 string `json:"image_file_b64,omitempty"`
	Size         string `json:"size"`
	Format       string `json:"format"`
}

// Remove lets remove.bg fetch the stored original when a URL is known and
// inlines the bytes otherwise.
func (r *RemoveBg) Remove(ctx context.Context, in Input) (*Result, error) {
	body := removeBgRequest{Size: "auto", Format: "png"}
	if in.SourceURL != "" {
		body.ImageURL = in.SourceURL
	} else {
		body.ImageFileB64 = base64.StdEncoding.EncodeToString(in.Data)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("removebg: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("removebg: create request: %w", err)
	}
	req.Header.Set("X-Api-Key", r.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("removebg: send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := readImage(r.Name(), resp)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, ContentType: "image/png"}, nil
}
