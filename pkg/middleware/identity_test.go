package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/soundledger/permgate/pkg/contextkeys"
	"github.com/soundledger/permgate/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		value    string
		wantCode int
		wantUser string
	}{
		{name: "no header passes through", wantCode: http.StatusOK},
		{name: "user attached", value: "artist-42", wantCode: http.StatusOK, wantUser: "artist-42"},
		{name: "email style id", value: "ops@label.example", wantCode: http.StatusOK, wantUser: "ops@label.example"},
		{name: "custom header", header: "X-Forwarded-User", value: "label-7", wantCode: http.StatusOK, wantUser: "label-7"},
		{name: "spaces rejected", value: "artist 42", wantCode: http.StatusBadRequest},
		{name: "too long rejected", value: string(bytes.Repeat([]byte("a"), 129)), wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := NewIdentity(tt.header).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = UserID(r)
			}))

			req := httptest.NewRequest(http.MethodGet, "/rbac/check", nil)
			if tt.value != "" {
				header := tt.header
				if header == "" {
					header = DefaultUserHeader
				}
				req.Header.Set(header, tt.value)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantUser, seen)
		})
	}
}

func TestIdentity_IgnoresDefaultHeaderWhenCustom(t *testing.T) {
	var seen string
	handler := NewIdentity("X-Forwarded-User").Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DefaultUserHeader, "spoofed")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Empty(t, seen)
}

func TestRequestID(t *testing.T) {
	logger := observability.NewLogger(observability.InfoLevel, &bytes.Buffer{})

	var gotID, gotSource string
	var gotLogger *observability.Logger
	handler := RequestID(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = contextkeys.GetRequestID(r.Context())
		gotSource = contextkeys.GetSource(r.Context())
		gotLogger = observability.GetLogger(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		_, err := uuid.Parse(gotID)
		require.NoError(t, err)
		assert.Equal(t, gotID, w.Header().Get(RequestIDHeader))
		assert.Same(t, logger, gotLogger)
		assert.Equal(t, contextkeys.SourceAPI, gotSource)
	})

	t.Run("valid incoming id reused", func(t *testing.T) {
		incoming := uuid.NewString()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, incoming)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, incoming, gotID)
		assert.Equal(t, incoming, w.Header().Get(RequestIDHeader))
	})

	t.Run("invalid incoming id replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "<script>")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.NotEqual(t, "<script>", gotID)
		_, err := uuid.Parse(gotID)
		assert.NoError(t, err)
	})
}
