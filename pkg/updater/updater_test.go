package updater

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		current, latest string
		want            bool
	}{
		{"dev", "v1.0.0", true},
		{"v1.0.0", "v1.0.0", false},
		{"v1.0.0", "v1.0.1", true},
		{"v1.2.9", "v1.2.10", true},
		{"v1.10.0", "v1.9.0", false},
		{"1.0", "v1.0.1", true},
		{"v2.0.0-rc1", "v2.0.0", false},
		{"v1.0.0", "nightly", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareVersions(tt.current, tt.latest), "CompareVersions(%q, %q)", tt.current, tt.latest)
	}
}

func testChecker(t *testing.T, handler http.HandlerFunc) *Checker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewChecker()
	c.url = srv.URL
	return c
}

func TestCheck(t *testing.T) {
	c := testChecker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tag_name":"v1.4.0","name":"Superbot 1.4","html_url":"https://example.com/r/1.4"}`))
	})

	release, newer, err := c.Check(context.Background(), "v1.3.2")
	require.NoError(t, err)
	assert.True(t, newer)
	assert.Equal(t, Release{TagName: "v1.4.0", Name: "Superbot 1.4", HTMLURL: "https://example.com/r/1.4"}, release)

	_, newer, err = c.Check(context.Background(), "v1.4.0")
	require.NoError(t, err)
	assert.False(t, newer)
}

func TestLatestErrors(t *testing.T) {
	c := testChecker(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusForbidden)
	})
	_, err := c.Latest(context.Background())
	assert.ErrorContains(t, err, "status 403")

	c = testChecker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	_, err = c.Latest(context.Background())
	assert.ErrorContains(t, err, "no tag")
}
