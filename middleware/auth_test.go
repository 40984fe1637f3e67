package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	a := NewAuthenticator("secret", time.Hour)
	tok, exp, err := a.IssueToken(42)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	id, err := a.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = NewAuthenticator("other", time.Hour).Verify(tok)
	assert.Error(t, err)

	expired, _, err := NewAuthenticator("secret", -time.Minute).IssueToken(42)
	require.NoError(t, err)
	_, err = a.Verify(expired)
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	a := NewAuthenticator("secret", time.Hour)
	tok, _, _ := a.IssueToken(7)

	h := a.Auth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, int64(7), UserIDFromContext(r))
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"header", "/x", "Bearer " + tok, http.StatusNoContent},
		{"query", "/x?token=" + tok, "", http.StatusNoContent},
		{"missing", "/x", "", http.StatusUnauthorized},
		{"garbage", "/x", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
