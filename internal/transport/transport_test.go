package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-delivery-engine/internal/apperr"
	"media-delivery-engine/internal/config"
)

func TestHTTPPusher_Push(t *testing.T) {
	var got struct {
		auth string
		body map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got.body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewHTTPPusher(srv.URL, "tok", time.Second)
	err := p.Push(context.Background(), "U1", NewImage("https://cdn.example/a.jpg"))
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", got.auth)
	assert.Equal(t, "U1", got.body["to"])
	msgs := got.body["messages"].([]any)
	require.Len(t, msgs, 1)
	m := msgs[0].(map[string]any)
	assert.Equal(t, "image", m["type"])
	assert.Equal(t, "https://cdn.example/a.jpg", m["originalContentUrl"])
	assert.Equal(t, "https://cdn.example/a.jpg", m["previewImageUrl"])
}

func TestHTTPPusher_NonSuccessIsTransportError(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"bad request", http.StatusBadRequest},
		{"rate limited", http.StatusTooManyRequests},
		{"accepted is not ok", http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			}))
			defer srv.Close()

			err := NewHTTPPusher(srv.URL, "tok", time.Second).Push(context.Background(), "U1", NewText("hi"))
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrTransport)
		})
	}
}

func TestHTTPPusher_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := NewHTTPPusher(srv.URL, "tok", 50*time.Millisecond).Push(context.Background(), "U1", NewText("hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTransport)
}

func TestNewImageCarousel(t *testing.T) {
	m := NewImageCarousel("Images", []string{"https://a/1.jpg", "https://a/2.jpg"})
	b, err := json.Marshal(m)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "template", out["type"])
	tpl := out["template"].(map[string]any)
	assert.Equal(t, "image_carousel", tpl["type"])
	cols := tpl["columns"].([]any)
	require.Len(t, cols, 2)
	action := cols[1].(map[string]any)["action"].(map[string]any)
	assert.Equal(t, "uri", action["type"])
	assert.Equal(t, "https://a/2.jpg", action["uri"])
}

func TestNewImageCard_Layouts(t *testing.T) {
	urls := []string{"https://a/1", "https://a/2", "https://a/3", "https://a/4", "https://a/5"}
	tests := []struct {
		name     string
		urls     []string
		total    int
		rows     int
		embedded int
		footer   string
	}{
		{"single", urls[:1], 1, 1, 1, ""},
		{"pair", urls[:2], 2, 1, 2, ""},
		{"three uses grid", urls[:3], 3, 2, 3, ""},
		{"grid of four", urls[:4], 4, 2, 4, ""},
		{"more than four", urls, 7, 2, 4, "(3 more)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewImageCard("alt", "", tt.urls, tt.total)
			assert.Equal(t, "flex", m.Type)
			require.NotNil(t, m.Contents.Hero)
			assert.Len(t, m.Contents.Hero.Contents, tt.rows)
			assert.Len(t, flexImageURLs(m), tt.embedded)
			assert.Equal(t, tt.footer, flexFooterText(m))
		})
	}
}

func TestNew_SelectsTransport(t *testing.T) {
	var cfg config.Config
	cfg.Transport.Kind = "log"
	p, err := New(cfg)
	require.NoError(t, err)
	assert.IsType(t, LogPusher{}, p)

	cfg.Transport.Kind = "line"
	_, err = New(cfg)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)

	cfg.Transport.Kind = "carrier-pigeon"
	_, err = New(cfg)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}
