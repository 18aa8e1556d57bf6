package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/livesync/internal/feed"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/shared"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
)

var _ Service = (*RealtimeClient)(nil)

// RealtimeOpts configures a [RealtimeClient].
type RealtimeOpts struct {
	BaseURL      string        // Server URL (default: http://127.0.0.1:4000)
	APIKey       string        // Bearer token, empty for none
	ReconnectMin time.Duration // First redial delay (default: 500ms)
	ReconnectMax time.Duration // Redial delay cap (default: 30s)
	HTTPClient   *http.Client  // Base client for REST calls (default: http.DefaultClient)
	Dialer       *websocket.Dialer
	Logger       *log.Logger
}

// RealtimeClient implements [Service] against a livesync server.
type RealtimeClient struct {
	baseURL    *url.URL
	tokens     oauth2.TokenSource
	httpClient *http.Client
	dialer     *websocket.Dialer
	opts       RealtimeOpts
}

// NewRealtimeClient creates a client for the server at opts.BaseURL.
func NewRealtimeClient(opts RealtimeOpts) (*RealtimeClient, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://127.0.0.1:4000"
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}

	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: realtime url: %w", shared.ErrInvalidConfig, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: realtime url must be http or https, got %q", shared.ErrInvalidConfig, opts.BaseURL)
	}

	c := &RealtimeClient{baseURL: base, httpClient: opts.HTTPClient, dialer: opts.Dialer, opts: opts}
	if opts.APIKey != "" {
		c.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.APIKey, TokenType: "Bearer"})
		c.httpClient = &http.Client{
			Transport: &oauth2.Transport{Source: c.tokens, Base: opts.HTTPClient.Transport},
			Timeout:   opts.HTTPClient.Timeout,
		}
	}

	return c, nil
}

func (c *RealtimeClient) Name() string {
	return "Realtime"
}

func (c *RealtimeClient) restURL(table, id string, params url.Values) string {
	u := *c.baseURL
	u.Path += "/rest/v1/" + url.PathEscape(table)
	if id != "" {
		u.Path += "/" + url.PathEscape(id)
	}
	u.RawQuery = params.Encode()
	return u.String()
}

func (c *RealtimeClient) streamURL(q models.Query) string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/realtime/v1/" + url.PathEscape(q.Table)
	if q.SchoolID != "" {
		u.RawQuery = url.Values{"school_id": {q.SchoolID}}.Encode()
	}
	return u.String()
}

// Snapshot loads the rows matching q.
func (c *RealtimeClient) Snapshot(ctx context.Context, q models.Query) (models.Snapshot, error) {
	if err := q.Validate(); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}

	params := url.Values{}
	if q.SchoolID != "" {
		params.Set("school_id", q.SchoolID)
	}
	if !q.OrderBy.IsZero() {
		params.Set("order", q.OrderBy.Param())
	}

	var snap models.Snapshot
	if err := c.doRequest(ctx, http.MethodGet, c.restURL(q.Table, "", params), nil, &snap); err != nil {
		return models.Snapshot{}, err
	}
	if snap.Rows == nil {
		snap.Rows = []models.Row{}
	}
	return snap, nil
}

// Insert creates row in table.
func (c *RealtimeClient) Insert(ctx context.Context, table string, row models.Row) (models.Row, error) {
	var created models.Row
	if err := c.doRequest(ctx, http.MethodPost, c.restURL(table, "", nil), row, &created); err != nil {
		return nil, err
	}
	return created, nil
}

// Update merges patch into the row with the given id.
func (c *RealtimeClient) Update(ctx context.Context, table, id string, patch models.Row) (models.Row, error) {
	var updated models.Row
	if err := c.doRequest(ctx, http.MethodPatch, c.restURL(table, id, nil), patch, &updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the row with the given id.
func (c *RealtimeClient) Delete(ctx context.Context, table, id string) error {
	return c.doRequest(ctx, http.MethodDelete, c.restURL(table, id, nil), nil, nil)
}

// doRequest performs an HTTP request against the server, decoding a JSON response into result.
func (c *RealtimeClient) doRequest(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", shared.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, data)
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		msg = eb.Error
	}

	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", shared.ErrRecordNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", shared.ErrRecordExists, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", shared.ErrInvalidCredentials, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", shared.ErrAPIRequest, status, msg)
	}
}

// Listen opens a reconnecting websocket stream of the changes to q.Table.
func (c *RealtimeClient) Listen(ctx context.Context, q models.Query) (feed.Stream, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}

	pipe := feed.NewPipe(64)
	go c.run(ctx, pipe, q)
	return pipe, nil
}

func (c *RealtimeClient) run(parent context.Context, pipe *feed.Pipe, q models.Query) {
	defer pipe.Finish()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-pipe.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 0; ; attempt++ {
		conn, err := c.dial(ctx, q)
		if err == nil {
			attempt = 0
			err = c.read(ctx, pipe, conn)
		}
		if ctx.Err() != nil {
			return
		}

		c.opts.Logger.Warn("realtime stream interrupted", "table", q.Table, "attempt", attempt, "error", err)
		if !pipe.Send(ctx, models.ErrorFrame(err)) {
			return
		}

		timer := time.NewTimer(Backoff(c.opts.ReconnectMin, c.opts.ReconnectMax, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *RealtimeClient) dial(ctx context.Context, q models.Query) (*websocket.Conn, error) {
	header := http.Header{}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.streamURL(q), header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, statusError(resp.StatusCode, body)
		}
		return nil, fmt.Errorf("%w: %w", shared.ErrServiceUnavailable, err)
	}
	return conn, nil
}

// read forwards frames from conn until it fails or ctx ends.
func (c *RealtimeClient) read(ctx context.Context, pipe *feed.Pipe, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("%w: server closed the stream", shared.ErrServiceUnavailable)
			}
			return fmt.Errorf("%w: %w", shared.ErrServiceUnavailable, err)
		}

		f, err := feed.DecodeFrame(data)
		if err != nil {
			c.opts.Logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		if !pipe.Send(ctx, f) {
			return ctx.Err()
		}
	}
}

// Backoff returns the delay before reconnect attempt n (0-based), doubling from lo up to hi.
func Backoff(lo, hi time.Duration, n int) time.Duration {
	d := lo
	for i := 0; i < n && d < hi; i++ {
		d *= 2
	}
	return min(d, hi)
}
