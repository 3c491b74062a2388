package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	apContentType = "application/activity+json"
	apAccept      = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	userAgent     = "driftwood/1.0 (+https://github.com/driftwood-social/driftwood)"

	fetchTimeout = 30 * time.Second
	maxRedirects = 2
	maxBodySize  = 1 << 20
)

// PostResult classifies the outcome of a signed POST.
type PostResult int

const (
	// PostOK means the peer returned 2xx.
	PostOK PostResult = iota
	// PostTransient means the attempt may succeed later: connect or read
	// failure, 5xx, 429, 401, or 408.
	PostTransient
	// PostPermanent means a 4xx other than 401/408/429; retrying cannot help.
	PostPermanent
)

// APClient fetches ActivityPub documents and performs signed deliveries.
type APClient struct {
	client *http.Client
	logger *slog.Logger
}

// NewAPClient creates a client with the standard fetch budget: 30 seconds
// total, at most two redirects.
func NewAPClient(logger *slog.Logger) *APClient {
	return &APClient{
		client: &http.Client{
			Timeout: fetchTimeout,
			CheckRedirect: func(r *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return errors.New("stopped after 2 redirects")
				}
				return nil
			},
		},
		logger: logger,
	}
}

// FetchObject GETs an AP object as JSON. Non-2xx responses are errors.
func (c *APClient) FetchObject(ctx context.Context, iri string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iri, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", iri, err)
	}
	req.Header.Set("Accept", apAccept)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", iri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching %s: HTTP %d", iri, resp.StatusCode)
	}

	var obj map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", iri, err)
	}
	return obj, nil
}

// FetchActor fetches and validates an actor document.
func (c *APClient) FetchActor(ctx context.Context, iri string) (*Actor, error) {
	obj, err := c.FetchObject(ctx, iri)
	if err != nil {
		return nil, err
	}
	actor, err := ParseActorJSON(obj)
	if err != nil {
		return nil, fmt.Errorf("parsing actor %s: %w", iri, err)
	}
	return actor, nil
}

// SignedPost delivers an activity to an inbox, signing with the given key.
// The HTTP status is returned alongside the classification for logging.
func (c *APClient) SignedPost(ctx context.Context, inboxURL string, body []byte, keyID, privateKeyPEM string) (PostResult, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxURL, bytes.NewReader(body))
	if err != nil {
		return PostPermanent, 0, fmt.Errorf("creating request for %s: %w", inboxURL, err)
	}
	req.Header.Set("Content-Type", apContentType)
	req.Header.Set("Accept", apContentType)
	req.Header.Set("User-Agent", userAgent)

	if err := SignRequest(req, body, keyID, privateKeyPEM); err != nil {
		return PostPermanent, 0, fmt.Errorf("signing delivery to %s: %w", inboxURL, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return PostTransient, 0, fmt.Errorf("posting to %s: %w", inboxURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return PostOK, resp.StatusCode, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return PostTransient, resp.StatusCode, fmt.Errorf("posting to %s: HTTP 429", inboxURL)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusRequestTimeout:
		return PostTransient, resp.StatusCode, fmt.Errorf("posting to %s: HTTP %d", inboxURL, resp.StatusCode)
	case resp.StatusCode >= 500:
		return PostTransient, resp.StatusCode, fmt.Errorf("posting to %s: HTTP %d", inboxURL, resp.StatusCode)
	default:
		return PostPermanent, resp.StatusCode, fmt.Errorf("posting to %s: HTTP %d", inboxURL, resp.StatusCode)
	}
}
