package m3u8

import (
	"bytes"
	"context"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Client fetches and parses playlists. Master playlists are resolved to the
// highest-bandwidth variant and re-fetched as media playlists.
type Client struct {
	rc *resty.Client
}

// ClientConfig shapes playlist requests.
type ClientConfig struct {
	Timeout   time.Duration
	Retries   int
	UserAgent string
}

// NewClient builds a playlist fetcher with retry on transient failures.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}

	rc := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)
	if cfg.UserAgent != "" {
		rc.SetHeader("User-Agent", cfg.UserAgent)
	}
	rc.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() >= 500 || r.StatusCode() == 429
	})

	return &Client{rc: rc}
}

// Parse fetches the playlist at rawurl and returns its media segments with
// absolute URIs. A master playlist selects the highest-BANDWIDTH variant and
// recurses once into it.
func (c *Client) Parse(ctx context.Context, rawurl string) (*Playlist, error) {
	base, body, err := c.fetch(ctx, rawurl)
	if err != nil {
		return nil, err
	}

	lines, err := readLines(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	if IsMaster(lines) {
		variants, err := DecodeMaster(base, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		best := BestVariant(variants)
		base, body, err = c.fetch(ctx, best.URI)
		if err != nil {
			return nil, errors.Wrapf(err, "fetching variant %s", best.URI)
		}
	}

	return Decode(base, bytes.NewReader(body))
}

func (c *Client) fetch(ctx context.Context, rawurl string) (*url.URL, []byte, error) {
	base, err := url.Parse(rawurl)
	if err != nil {
		return nil, nil, errors.Wrap(ErrInvalidPlaylist, err.Error())
	}

	resp, err := c.rc.R().SetContext(ctx).Get(rawurl)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "fetching playlist %s", rawurl)
	}
	if resp.StatusCode() != 200 {
		return nil, nil, errors.Wrapf(ErrInvalidPlaylist, "playlist fetch returned %d", resp.StatusCode())
	}

	// Redirects move the base for relative segment URIs.
	if final := resp.RawResponse.Request.URL; final != nil {
		base = final
	}
	return base, resp.Body(), nil
}
