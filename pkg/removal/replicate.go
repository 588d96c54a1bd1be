package removal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	replicateURL = "https://api.replicate.com/v1"
	// Default model version used when none is configured.
	replicateDefaultVersion = "95fcc2a26d3899cd6c2691c900465aaeff466285a65c14638cc5f36f34befaf1"
	replicateMaxAttempts    = 30
)

type Replicate struct {
	token        string
	version      string
	baseURL      string
	pollInterval time.Duration
	maxAttempts  int
	client       *http.Client
}

func NewReplicate(token, version string, pollInterval time.Duration, client *http.Client) *Replicate {
	if version == "" {
		version = replicateDefaultVersion
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Replicate{
		token:        token,
		version:      version,
		baseURL:      replicateURL,
		pollInterval: pollInterval,
		maxAttempts:  replicateMaxAttempts,
		client:       client,
	}
}

func (r *Replicate) Name() string { return "replicate" }

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  interface{}     `json:"error"`
}

// outputURL accepts both a single URL and a list of URLs.
func (p *prediction) outputURL() (string, error) {
	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil && single != "" {
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(p.Output, &many); err == nil && len(many) > 0 {
		return many[len(many)-1], nil
	}
	return "", errors.New("replicate: prediction has no output")
}

// Remove starts a prediction, polls it until it settles, and downloads the output.
// Polling stops after maxAttempts or when ctx is done.
func (r *Replicate) Remove(ctx context.Context, in Input) (*Result, error) {
	image := in.SourceURL
	if image == "" {
		image = fmt.Sprintf("data:%s;base64,%s", in.ContentType, base64.StdEncoding.EncodeToString(in.Data))
	}

	payload, err := json.Marshal(map[string]interface{}{
		"version": r.version,
		"input":   map[string]string{"image": image},
	})
	if err != nil {
		return nil, fmt.Errorf("replicate: encode request: %w", err)
	}

	var pred prediction
	if err := r.do(ctx, http.MethodPost, r.baseURL+"/predictions", payload, &pred); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		switch pred.Status {
		case "succeeded":
			return r.download(ctx, &pred)
		case "failed", "canceled":
			return nil, fmt.Errorf("replicate: prediction %s %s: %v", pred.ID, pred.Status, pred.Error)
		}
		if attempt >= r.maxAttempts {
			return nil, fmt.Errorf("replicate: prediction %s did not finish after %d polls", pred.ID, r.maxAttempts)
		}

		timer := time.NewTimer(r.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("replicate: %w", ctx.Err())
		case <-timer.C:
		}

		if err := r.do(ctx, http.MethodGet, r.baseURL+"/predictions/"+pred.ID, nil, &pred); err != nil {
			return nil, err
		}
	}
}

func (r *Replicate) download(ctx context.Context, pred *prediction) (*Result, error) {
	url, err := pred.outputURL()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("replicate: create download request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("replicate: download output: %w", err)
	}
	defer resp.Body.Close()

	data, err := readImage(r.Name(), resp)
	if err != nil {
		return nil, err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return &Result{Data: data, ContentType: contentType}, nil
}

func (r *Replicate) do(ctx context.Context, method, url string, body []byte, out *prediction) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("replicate: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("replicate: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, err := readImage(r.Name(), resp)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("replicate: decode prediction: %w", err)
	}
	return nil
}
