package httputil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/takgate/pkg/observability"
)

func TestWriteUnauthorized_Generic(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteUnauthorized(rec)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, MessageUnauthorized, body.Error)
}

func TestWriteHelpers(t *testing.T) {
	tests := []struct {
		name  string
		write func(w http.ResponseWriter)
		code  int
		msg   string
	}{
		{"forbidden", WriteForbidden, http.StatusForbidden, MessageForbidden},
		{"internal", WriteInternalError, http.StatusInternalServerError, MessageInternal},
		{"not found", func(w http.ResponseWriter) { WriteNotFound(w, "not found") }, http.StatusNotFound, "not found"},
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "bad") }, http.StatusBadRequest, "bad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			assert.Equal(t, tt.code, rec.Code)
			assert.JSONEq(t, `{"error":"`+tt.msg+`"}`, rec.Body.String())
		})
	}
}

func TestWriteCreated(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteCreated(rec, map[string]string{"token": "x"}))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestParseJSON(t *testing.T) {
	var dest struct {
		Email string `json:"email"`
	}

	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"email":"a@example.org"}`))
	require.NoError(t, ParseJSON(r, &dest))
	assert.Equal(t, "a@example.org", dest.Email)

	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"email":"a","admin":true}`))
	assert.Error(t, ParseJSON(r, &dest))

	rec := httptest.NewRecorder()
	r = httptest.NewRequest("POST", "/", strings.NewReader(`{`))
	assert.False(t, ParseJSONOrError(rec, r, &dest))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"bearer", "Bearer abc.def", "", "abc.def"},
		{"case insensitive", "bearer abc", "", "abc"},
		{"basic ignored", "Basic dXNlcjpwYXNz", "", ""},
		{"no scheme", "abc", "", ""},
		{"query fallback", "", "etl.xyz", "etl.xyz"},
		{"header wins", "Bearer h", "q", "h"},
		{"none", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/x"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			r := httptest.NewRequest("GET", target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, BearerToken(r))
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	var seen string
	handler := Chain(RequestIDMiddleware(logger), LoggingMiddleware)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/login", nil))
	_, err := uuid.Parse(seen)
	require.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), seen)

	existing := uuid.NewString()
	r := httptest.NewRequest("GET", "/api/login", nil)
	r.Header.Set(RequestIDHeader, existing)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, existing, seen)

	r = httptest.NewRequest("GET", "/api/login", nil)
	r.Header.Set(RequestIDHeader, "<script>")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.NotEqual(t, "<script>", seen)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)
	r = r.WithContext(observability.WithLogger(r.Context(), observability.NewLogger(observability.InfoLevel, &bytes.Buffer{})))
	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestRecoveryMiddleware_AbortHandler(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	})
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware([]string{"https://map.example.org"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("OPTIONS", "/api/login/me", nil)
	r.Header.Set("Origin", "https://map.example.org")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://map.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest("GET", "/api/login/me", nil)
	r.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMaxBytesMiddleware(t *testing.T) {
	handler := MaxBytesMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v map[string]string
		if !ParseJSONOrError(w, r, &v) {
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", strings.NewReader(`{"email":"long@example.org"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:51234"
	assert.Equal(t, "192.0.2.10", ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", ClientIP(req))
}

func TestClientIPBehind(t *testing.T) {
	tests := []struct {
		name string
		xff  []string
		hops int
		want string
	}{
		{"spoofed left-most hop ignored", []string{"1.2.3.4, 203.0.113.9"}, 1, "203.0.113.9"},
		{"two proxies", []string{"1.2.3.4, 203.0.113.9, 10.0.0.7"}, 2, "203.0.113.9"},
		{"split across header lines", []string{"1.2.3.4", "203.0.113.9"}, 1, "203.0.113.9"},
		{"fewer hops than proxies", []string{"203.0.113.9"}, 3, "203.0.113.9"},
		{"no trusted proxies", []string{"203.0.113.9"}, 0, "192.0.2.10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "192.0.2.10:51234"
			req.Header.Set("X-Real-IP", "198.51.100.2")
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, ClientIPBehind(req, tt.hops))
		})
	}
}
