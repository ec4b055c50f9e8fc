package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go-civitai-batch/internal/models"
	"go-civitai-batch/internal/ratelimit"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Product identifies this client in the User-Agent header.
const (
	Product = "civitai-batch"
	Version = "1.0.0"
)

const (
	connectTimeout   = 10 * time.Second
	firstByteTimeout = 30 * time.Second
	maxRedirects     = 10

	defaultMaxConcurrentAPI = 4
)

// NewHTTPClient builds the single shared HTTP client: pooled connections,
// keep-alive, split connect/first-byte timeouts. The total timeout is
// enforced per request through contexts, not on the client.
func NewHTTPClient(transport http.RoundTripper) *http.Client {
	if transport == nil {
		transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: firstByteTimeout,
			ForceAttemptHTTP2:     true,
		}
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// Client talks to the Civitai API. One instance is shared process-wide;
// it owns the governor handle so every request passes token admission.
type Client struct {
	httpClient  *http.Client
	baseURLs    []string
	token       string
	governor    *ratelimit.Governor
	maxAttempts int
	apiSem      *semaphore.Weighted

	// Timeouts tracks download outcomes for the adaptive total timeout.
	Timeouts TimeoutTracker
}

// NewClient wires the shared HTTP client, credentials and governor.
// baseURLs are tried in order when earlier endpoints fail retryably.
func NewClient(httpClient *http.Client, baseURLs []string, token string, gov *ratelimit.Governor, maxAttempts int) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(nil)
	}
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return &Client{
		httpClient:  httpClient,
		baseURLs:    baseURLs,
		token:       token,
		governor:    gov,
		maxAttempts: maxAttempts,
		apiSem:      semaphore.NewWeighted(defaultMaxConcurrentAPI),
	}
}

// LimitConcurrentAPI caps in-flight metadata requests across all API
// channels. Download streams are not counted; they are bounded by the
// pipeline permits.
func (c *Client) LimitConcurrentAPI(n int) {
	if n > 0 {
		c.apiSem = semaphore.NewWeighted(int64(n))
	}
}

func (c *Client) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", Product+"/"+Version)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// getJSON fetches a URL and decodes the body, retrying per the standard
// policy. The raw body is returned alongside so callers can keep verbatim
// payloads for sidecar files.
func (c *Client) getJSON(ctx context.Context, channel ratelimit.Channel, rawURL string, out interface{}) (json.RawMessage, error) {
	var lastErr *ClassifiedError
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.governor != nil {
			if err := c.governor.Acquire(ctx, channel); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		req, err := c.newRequest(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		if err := c.apiSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.apiSem.Release(1)
			lastErr = NewTransportError(err, rawURL, attempt, time.Since(start))
		} else {
			if resp.StatusCode == http.StatusOK {
				body, readErr := io.ReadAll(resp.Body)
				resp.Body.Close()
				c.apiSem.Release(1)
				if readErr != nil {
					lastErr = NewTransportError(readErr, rawURL, attempt, time.Since(start))
				} else {
					if out != nil {
						if err := json.Unmarshal(body, out); err != nil {
							return nil, fmt.Errorf("unmarshalling response from %s: %w", rawURL, err)
						}
					}
					return body, nil
				}
			} else {
				io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
				resp.Body.Close()
				c.apiSem.Release(1)
				lastErr = NewHTTPError(resp, rawURL, attempt, time.Since(start))
				if lastErr.Class == ClassRateLimit || resp.StatusCode == http.StatusServiceUnavailable {
					if c.governor != nil {
						c.governor.OnThrottled(channel)
					}
				}
			}
		}

		if !lastErr.Class.Retryable() || attempt == c.maxAttempts {
			break
		}
		switch lastErr.Class {
		case ClassNetwork, ClassTimeout, ClassServer5xx:
			rawURL = c.rotateBase(rawURL)
		}
		delay := lastErr.BackoffDelay()
		log.WithError(lastErr).Warnf("Request failed (%s), retrying %d/%d after %s", lastErr.Class, attempt, c.maxAttempts, delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// DoFile performs a single download request attempt after channel
// admission. Retry policy belongs to the download engine, not here.
func (c *Client) DoFile(ctx context.Context, channel ratelimit.Channel, rawURL string, offset int64) (*http.Response, error) {
	if c.governor != nil {
		if err := c.governor.Acquire(ctx, channel); err != nil {
			return nil, err
		}
	}
	req, err := c.newRequest(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if c.governor != nil {
			c.governor.OnThrottled(channel)
		}
	}
	return resp, nil
}

func (c *Client) baseURL() string {
	if len(c.baseURLs) > 0 {
		return c.baseURLs[0]
	}
	return "https://civitai.com/api/v1"
}

// rotateBase swaps the endpoint prefix of rawURL for the next configured
// base URL, wrapping around. A URL outside every known base is returned
// unchanged.
func (c *Client) rotateBase(rawURL string) string {
	if len(c.baseURLs) < 2 {
		return rawURL
	}
	for i, base := range c.baseURLs {
		if strings.HasPrefix(rawURL, base) {
			next := c.baseURLs[(i+1)%len(c.baseURLs)]
			log.Debugf("Endpoint %s failing, trying %s", base, next)
			return next + strings.TrimPrefix(rawURL, base)
		}
	}
	return rawURL
}

// GetModel fetches a model with all its versions.
func (c *Client) GetModel(ctx context.Context, id int) (*models.Model, json.RawMessage, error) {
	var m models.Model
	raw, err := c.getJSON(ctx, ratelimit.ChannelModelAPI, fmt.Sprintf("%s/models/%d", c.baseURL(), id), &m)
	if err != nil {
		return nil, nil, err
	}
	return &m, raw, nil
}

// GetModelVersion fetches a single version by id.
func (c *Client) GetModelVersion(ctx context.Context, id int) (*models.ModelVersion, json.RawMessage, error) {
	var v models.ModelVersion
	raw, err := c.getJSON(ctx, ratelimit.ChannelModelAPI, fmt.Sprintf("%s/model-versions/%d", c.baseURL(), id), &v)
	if err != nil {
		return nil, nil, err
	}
	v.Raw = raw
	return &v, raw, nil
}

// ModelsByUserURL is the first page of a user's models.
func (c *Client) ModelsByUserURL(username string, limit int) string {
	values := url.Values{}
	values.Set("username", username)
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	return c.baseURL() + "/models?" + values.Encode()
}

// UserImagesURL is the first page of a user's posted images.
func (c *Client) UserImagesURL(username string, limit int) string {
	values := url.Values{}
	values.Set("username", username)
	values.Set("sort", "Newest")
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	return c.baseURL() + "/images?" + values.Encode()
}

// GalleryImagesURL is the first page of a model's gallery.
func (c *Client) GalleryImagesURL(modelID, limit int) string {
	values := url.Values{}
	values.Set("modelId", strconv.Itoa(modelID))
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	return c.baseURL() + "/images?" + values.Encode()
}

// GetModelsPage fetches one page of /models results by absolute URL
// (either a constructed first page or metadata.nextPage).
func (c *Client) GetModelsPage(ctx context.Context, pageURL string) (*models.ModelsResponse, error) {
	var page models.ModelsResponse
	if _, err := c.getJSON(ctx, ratelimit.ChannelModelAPI, pageURL, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetImagesPage fetches one page of /images results by absolute URL.
func (c *Client) GetImagesPage(ctx context.Context, pageURL string) (*models.ImagesResponse, error) {
	var page models.ImagesResponse
	if _, err := c.getJSON(ctx, ratelimit.ChannelImageAPI, pageURL, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// NextPageURL resolves the follow-up page from pagination metadata:
// nextPage wins; otherwise a nextCursor is appended to the current URL.
func NextPageURL(current string, meta models.PaginationMetadata) string {
	if meta.NextPage != "" {
		return meta.NextPage
	}
	if meta.NextCursor == "" {
		return ""
	}
	u, err := url.Parse(current)
	if err != nil {
		return ""
	}
	values := u.Query()
	values.Set("cursor", meta.NextCursor)
	u.RawQuery = values.Encode()
	return u.String()
}
