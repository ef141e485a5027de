// Package ogc is a client for the MAPAMA OGC API Features service.
// Collections are downloaded page by page so a sync job can be cancelled
// between pages and never holds a whole collection in one request.
package ogc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the production MAPAMA endpoint.
	DefaultBaseURL = "https://wmts.mapama.gob.es/sig-api/ogc/features/v1"

	// DefaultPageSize is the items-per-page limit; the service caps
	// pages at 1000 regardless of what is requested.
	DefaultPageSize = 1000

	requestTimeout = 60 * time.Second
)

// ErrTimeout marks an upstream request that exhausted its retries on
// timeouts. The synchronizer converts it into an UpstreamTimeout record.
var ErrTimeout = errors.New("ogc: upstream timeout")

// Client talks to an OGC Features endpoint. Page fetches are rate-limited
// so bulk syncs do not hammer the upstream service.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewClient builds a client for the given base URL with bounded retries
// and backoff on transient failures.
func NewClient(baseURL string, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("User-Agent", "afecciones-ogc-client/1.0").
		SetHeader("Accept", "application/json").
		SetRetryCount(3).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(20 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		})

	return &Client{
		http:    rc,
		limiter: rate.NewLimiter(rate.Limit(10), 1), // max 10 page requests/s
		log:     log,
	}
}

// Collections lists every collection the service exposes.
func (c *Client) Collections(ctx context.Context) ([]Collection, error) {
	var out collectionsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/collections")
	if err != nil {
		return nil, c.classify("collections", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ogc: collections returned status %d", resp.StatusCode())
	}
	return out.Collections, nil
}

// CollectionMetadata fetches the descriptor of a single collection.
func (c *Client) CollectionMetadata(ctx context.Context, collectionID string) (*Collection, error) {
	var out Collection
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/collections/" + collectionID)
	if err != nil {
		return nil, c.classify(collectionID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("ogc: collection %s not found", collectionID)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ogc: collection %s returned status %d", collectionID, resp.StatusCode())
	}
	return &out, nil
}

// FetchPage downloads one items page of a collection. offset/limit follow
// the service's paging model; an empty Features slice means the end.
func (c *Client) FetchPage(ctx context.Context, collectionID string, limit, offset int) (*FeaturePage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out FeaturePage
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"limit":  strconv.Itoa(limit),
			"offset": strconv.Itoa(offset),
		}).
		SetResult(&out).
		Get("/collections/" + collectionID + "/items")
	if err != nil {
		return nil, c.classify(collectionID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ogc: items page for %s (offset %d) returned status %d",
			collectionID, offset, resp.StatusCode())
	}

	c.log.Debug("fetched page",
		zap.String("collection", collectionID),
		zap.Int("offset", offset),
		zap.Int("returned", len(out.Features)))

	return &out, nil
}

func (c *Client) classify(what string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, what, err)
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, what, err)
	}
	return fmt.Errorf("ogc: %s: %w", what, err)
}
