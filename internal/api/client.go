// Package api is the HTTP client for the exam backend.
package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/config"
	"k8s.io/utils/clock"
)

const maxBodyBytes = 16 << 20

// Options configures a Client.
type Options struct {
	BaseURL     string
	Token       string
	HTTPClient  *http.Client
	Clock       clock.Clock
	LoadRetries int
	LoadBackoff time.Duration
	LoadTimeout time.Duration
	Log         zerolog.Logger
}

// OptionsFromConfig maps the runtime configuration onto client options.
func OptionsFromConfig(cfg *config.Config, log zerolog.Logger) Options {
	return Options{
		BaseURL:     cfg.APIBaseURL,
		Token:       cfg.APIToken,
		LoadRetries: cfg.LoadRetries,
		LoadBackoff: cfg.LoadBackoff,
		LoadTimeout: cfg.LoadTimeout,
		Log:         log,
	}
}

// Client talks to the exam API. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	clock   clock.Clock
	retries int
	backoff time.Duration
	timeout time.Duration
	log     zerolog.Logger
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api base url %q must be absolute", opts.BaseURL)
	}

	c := &Client{
		base:    base,
		token:   opts.Token,
		http:    opts.HTTPClient,
		clock:   opts.Clock,
		retries: opts.LoadRetries,
		backoff: opts.LoadBackoff,
		timeout: opts.LoadTimeout,
		log:     opts.Log.With().Str("component", "api").Logger(),
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	if c.retries < 0 {
		c.retries = 0
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
	headers     map[string]string
}

type result struct {
	status int
	body   []byte
}

func (c *Client) do(ctx context.Context, r request) (*result, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, c.endpoint(r.path, r.query), r.body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	reqID := uuid.New().String()
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "br, gzip")
	req.Header.Set("Cache-Control", "no-cache")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	start := c.clock.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.log.Debug().
		Str("method", r.method).
		Str("path", r.path).
		Str("request_id", reqID).
		Int("status", resp.StatusCode).
		Dur("latency", c.clock.Since(start)).
		Msg("API request")

	return &result{status: resp.StatusCode, body: body}, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		r = brotli.NewReader(resp.Body)
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	return io.ReadAll(io.LimitReader(r, maxBodyBytes))
}

func jsonBody(v any) (io.Reader, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return bytes.NewReader(raw), nil
}
