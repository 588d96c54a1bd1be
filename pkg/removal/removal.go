package removal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	internalConfig "github.com/sefazor/cutout-backend/internal/config"
	"go.uber.org/zap"
)

// ErrUnavailable is returned when no vendor produced a result and degraded
// mode is off.
var ErrUnavailable = errors.New("no background removal vendor available")

// maxResultSize caps how much of a vendor response is read into memory.
const maxResultSize = 32 << 20

type Input struct {
	FileName    string
	ContentType string
	Data        []byte
	// SourceURL is the public URL of the stored original, for vendors that
	// fetch the image themselves.
	SourceURL string
}

type Result struct {
	Data        []byte
	ContentType string
	Vendor      string
	// Degraded is set when the original image is returned unchanged.
	Degraded bool
}

type Remover interface {
	Name() string
	Remove(ctx context.Context, in Input) (*Result, error)
}

// Chain tries each vendor in order and returns the first success.
type Chain struct {
	vendors       []Remover
	allowDegraded bool
	log           *zap.Logger
}

func NewChain(log *zap.Logger, allowDegraded bool, vendors ...Remover) *Chain {
	return &Chain{vendors: vendors, allowDegraded: allowDegraded, log: log}
}

// NewChainFromConfig builds the ClipDrop, remove.bg, Replicate chain from
// whichever credentials are configured.
func NewChainFromConfig(cfg internalConfig.VendorConfig, log *zap.Logger) *Chain {
	client := newHTTPClient()
	var vendors []Remover
	if cfg.ClipDropAPIKey != "" {
		vendors = append(vendors, NewClipDrop(cfg.ClipDropAPIKey, client))
	}
	if cfg.RemoveBgAPIKey != "" {
		vendors = append(vendors, NewRemoveBg(cfg.RemoveBgAPIKey, client))
	}
	if cfg.ReplicateToken != "" {
		vendors = append(vendors, NewReplicate(cfg.ReplicateToken, cfg.ReplicateVersion, cfg.PollInterval, client))
	}
	if len(vendors) == 0 {
		log.Warn("no background removal vendor configured", zap.Bool("degraded_mode", cfg.AllowDegradedMode))
	}
	return NewChain(log, cfg.AllowDegradedMode, vendors...)
}

func (c *Chain) Vendors() int { return len(c.vendors) }

func (c *Chain) Remove(ctx context.Context, in Input) (*Result, error) {
	for _, vendor := range c.vendors {
		res, err := vendor.Remove(ctx, in)
		if err == nil {
			res.Vendor = vendor.Name()
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", vendor.Name(), ctxErr)
		}
		c.log.Warn("background removal vendor failed",
			zap.String("vendor", vendor.Name()),
			zap.String("file", in.FileName),
			zap.Error(err))
	}

	if !c.allowDegraded {
		return nil, ErrUnavailable
	}
	c.log.Warn("returning original image in degraded mode", zap.String("file", in.FileName))
	return &Result{
		Data:        in.Data,
		ContentType: in.ContentType,
		Vendor:      "none",
		Degraded:    true,
	}, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// readImage reads a successful vendor response, or turns a non-2xx response
// into an error carrying a short body excerpt.
func readImage(vendor string, resp *http.Response) ([]byte, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned status %d: %s", vendor, resp.StatusCode, excerpt)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultSize))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", vendor, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s returned an empty image", vendor)
	}
	return data, nil
}
