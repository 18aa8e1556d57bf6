package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desertthunder/livesync/internal/feed"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/shared"
	tu "github.com/desertthunder/livesync/internal/testing"
	"github.com/gorilla/websocket"
)

func nextFrame(t *testing.T, s feed.Stream) models.Frame {
	t.Helper()
	select {
	case f, ok := <-s.Frames():
		if !ok {
			t.Fatal("stream ended")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return models.Frame{}
	}
}

func newClient(t *testing.T, url, key string) *RealtimeClient {
	t.Helper()
	c, err := NewRealtimeClient(RealtimeOpts{
		BaseURL:      url,
		APIKey:       key,
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return c
}

func TestNewRealtimeClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c, err := NewRealtimeClient(RealtimeOpts{})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if c.Name() != "Realtime" {
			t.Errorf("expected service name 'Realtime', got %s", c.Name())
		}
		if c.tokens != nil {
			t.Error("expected no token source without an api key")
		}
	})

	t.Run("invalid url", func(t *testing.T) {
		for _, u := range []string{"ftp://example.com", "://bad"} {
			if _, err := NewRealtimeClient(RealtimeOpts{BaseURL: u}); !errors.Is(err, shared.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig for %q, got %v", u, err)
			}
		}
	})

	t.Run("stream url", func(t *testing.T) {
		c, _ := NewRealtimeClient(RealtimeOpts{BaseURL: "https://sync.example.com/"})
		got := c.streamURL(models.Query{Table: "lessons", SchoolID: "A"})
		if got != "wss://sync.example.com/realtime/v1/lessons?school_id=A" {
			t.Errorf("unexpected stream url %s", got)
		}
	})
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{10, time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(100*time.Millisecond, time.Second, tc.n); got != tc.want {
			t.Errorf("expected %v for attempt %d, got %v", tc.want, tc.n, got)
		}
	}
}

func TestRealtimeClientREST(t *testing.T) {
	ctx := context.Background()

	t.Run("Snapshot", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/rest/v1/lessons" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			if got := r.URL.Query().Get("school_id"); got != "A" {
				t.Errorf("expected school_id A, got %q", got)
			}
			if got := r.URL.Query().Get("order"); got != "starts_at.desc" {
				t.Errorf("expected order starts_at.desc, got %q", got)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer secret" {
				t.Errorf("expected bearer auth, got %q", got)
			}
			json.NewEncoder(w).Encode(models.Snapshot{Rows: []models.Row{{"id": "1", "school_id": "A"}}, Seq: 7})
		}))
		defer srv.Close()

		snap, err := newClient(t, srv.URL, "secret").Snapshot(ctx, models.Query{
			Table:    "lessons",
			SchoolID: "A",
			OrderBy:  models.OrderBy{Column: "starts_at"},
		})
		if err != nil {
			t.Fatalf("failed to load snapshot: %v", err)
		}
		if len(snap.Rows) != 1 || snap.Rows[0].ID() != "1" || snap.Seq != 7 {
			t.Errorf("unexpected snapshot %+v", snap)
		}
	})

	t.Run("status errors", func(t *testing.T) {
		cases := []struct {
			status int
			want   error
		}{
			{http.StatusNotFound, shared.ErrRecordNotFound},
			{http.StatusConflict, shared.ErrRecordExists},
			{http.StatusUnauthorized, shared.ErrInvalidCredentials},
			{http.StatusInternalServerError, shared.ErrAPIRequest},
		}

		for _, tc := range cases {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"error":"nope"}`))
			}))

			err := newClient(t, srv.URL, "").Delete(ctx, "lessons", "1")
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v for status %d, got %v", tc.want, tc.status, err)
			}
			srv.Close()
		}
	})

	t.Run("writes", func(t *testing.T) {
		var method, path string
		var body models.Row
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method, path = r.Method, r.URL.Path
			json.NewDecoder(r.Body).Decode(&body)
			body["id"] = "new"
			json.NewEncoder(w).Encode(body)
		}))
		defer srv.Close()
		c := newClient(t, srv.URL, "")

		row, err := c.Insert(ctx, "lessons", models.Row{"name": "Piano"})
		if err != nil {
			t.Fatalf("failed to insert: %v", err)
		}
		if method != http.MethodPost || path != "/rest/v1/lessons" || row.ID() != "new" {
			t.Errorf("unexpected insert %s %s -> %v", method, path, row)
		}

		if _, err := c.Update(ctx, "lessons", "new", models.Row{"name": "Violin"}); err != nil {
			t.Fatalf("failed to update: %v", err)
		}
		if method != http.MethodPatch || path != "/rest/v1/lessons/new" || body["name"] != "Violin" {
			t.Errorf("unexpected update %s %s %v", method, path, body)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		if _, err := newClient(t, url, "").Snapshot(ctx, models.Query{Table: "lessons"}); !errors.Is(err, shared.ErrAPIRequest) {
			t.Errorf("expected ErrAPIRequest, got %v", err)
		}
	})

	t.Run("transport failures", func(t *testing.T) {
		clientWith := func(rt http.RoundTripper) *RealtimeClient {
			c, err := NewRealtimeClient(RealtimeOpts{HTTPClient: &http.Client{Transport: rt}})
			if err != nil {
				t.Fatalf("failed to create client: %v", err)
			}
			return c
		}

		c := clientWith(tu.NewMockRoundTripper(nil, errors.New("connection reset")))
		if _, err := c.Insert(ctx, "lessons", models.Row{"id": "1"}); !errors.Is(err, shared.ErrAPIRequest) {
			t.Errorf("expected ErrAPIRequest, got %v", err)
		}

		c = clientWith(tu.NewMockRoundTripper(&http.Response{StatusCode: http.StatusOK, Body: &tu.FCloser{}}, nil))
		if err := c.Delete(ctx, "lessons", "1"); err == nil || !strings.Contains(err.Error(), "failed to read response") {
			t.Errorf("expected read failure, got %v", err)
		}
	})
}

func TestRealtimeClientListen(t *testing.T) {
	upgrader := websocket.Upgrader{}

	t.Run("forwards frames and reconnects", func(t *testing.T) {
		var conns atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/realtime/v1/lessons" || r.URL.Query().Get("school_id") != "A" {
				t.Errorf("unexpected stream request %s", r.URL)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer secret" {
				t.Errorf("expected bearer auth, got %q", got)
			}

			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				t.Errorf("failed to upgrade: %v", err)
				return
			}
			defer conn.Close()

			n := conns.Add(1)
			conn.WriteJSON(models.SubscribedFrame())
			conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"change"}`))
			conn.WriteJSON(models.ChangeFrame(models.Envelope{
				Type:   models.ChangeInsert,
				Table:  "lessons",
				Seq:    uint64(n),
				Record: models.Row{"id": "1", "school_id": "A"},
			}))
			if n > 1 {
				conn.ReadMessage()
			}
		}))
		defer srv.Close()

		stream, err := newClient(t, srv.URL, "secret").Listen(context.Background(), models.Query{Table: "lessons", SchoolID: "A"})
		if err != nil {
			t.Fatalf("failed to listen: %v", err)
		}
		defer stream.Close()

		if f := nextFrame(t, stream); f.Event != models.FrameSubscribed {
			t.Fatalf("expected subscribed, got %+v", f)
		}
		if f := nextFrame(t, stream); f.Event != models.FrameChange || f.Payload.Seq != 1 {
			t.Fatalf("expected change 1 without the malformed frame, got %+v", f)
		}
		if f := nextFrame(t, stream); f.Event != models.FrameError {
			t.Fatalf("expected error after the server hung up, got %+v", f)
		}
		if f := nextFrame(t, stream); f.Event != models.FrameSubscribed {
			t.Fatalf("expected subscribed after reconnecting, got %+v", f)
		}
		if f := nextFrame(t, stream); f.Event != models.FrameChange || f.Payload.Seq != 2 {
			t.Fatalf("expected change 2, got %+v", f)
		}
	})

	t.Run("dial failures become error frames", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
		}))
		defer srv.Close()

		stream, err := newClient(t, srv.URL, "wrong").Listen(context.Background(), models.Query{Table: "lessons"})
		if err != nil {
			t.Fatalf("failed to listen: %v", err)
		}

		f := nextFrame(t, stream)
		if f.Event != models.FrameError || f.Error == "" {
			t.Errorf("expected error frame, got %+v", f)
		}

		if err := stream.Close(); err != nil {
			t.Fatalf("failed to close: %v", err)
		}
		for range stream.Frames() {
		}
	})

	t.Run("rejects invalid queries", func(t *testing.T) {
		if _, err := newClient(t, "http://127.0.0.1:1", "").Listen(context.Background(), models.Query{}); !errors.Is(err, shared.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}
