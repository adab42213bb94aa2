package httpclient

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestOptions(t *testing.T) {
	ro, err := newRequestOptions([]RequestOption{
		WithHeader("X-A", "1"),
		WithHeader("X-A", "2"),
		WithHeaders(http.Header{"X-B": {"x", "y"}}),
		WithBody([]byte("q=1"), "application/x-www-form-urlencoded"),
		WithRangeKB(8),
		WithoutHedge(),
	})

	require.NoError(t, err)
	assert.Equal(t, "2", ro.header.Get("X-A"), "WithHeader replaces")
	assert.Equal(t, []string{"x", "y"}, ro.header.Values("X-B"))
	assert.Equal(t, "application/x-www-form-urlencoded", ro.header.Get("Content-Type"))
	assert.Equal(t, []byte("q=1"), ro.body)
	assert.Equal(t, 8, ro.rangeKB)
	assert.True(t, ro.noHedge)
}

func TestRequestOptions_Clone(t *testing.T) {
	ro, err := newRequestOptions([]RequestOption{WithHeader("X-A", "1")})
	require.NoError(t, err)

	cp := ro.clone()
	cp.header.Set("Range", "bytes=0-1")

	assert.Empty(t, ro.header.Get("Range"), "clone must not share headers")
	assert.Equal(t, "1", cp.header.Get("X-A"))
}

func TestRequestTemplate_Build(t *testing.T) {
	ro, err := newRequestOptions([]RequestOption{
		WithBody([]byte("id=1'"), "application/x-www-form-urlencoded"),
	})
	require.NoError(t, err)

	tmpl, err := newRequestTemplate(http.MethodPost, "https://t.example:8443/login?next=/", ro)
	require.NoError(t, err)
	assert.Equal(t, "t.example:8443", tmpl.host())

	for range 2 {
		req, err := tmpl.build(context.Background(), "probe/1", nil)
		require.NoError(t, err)

		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.Equal(t, "id=1'", string(body), "body is replayable")
		assert.Equal(t, "probe/1", req.UserAgent())
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/login", req.URL.Path)
		assert.NotNil(t, req.GetBody)
	}
}

func TestRequestTemplate_Build_NoBody(t *testing.T) {
	ro, err := newRequestOptions(nil)
	require.NoError(t, err)

	tmpl, err := newRequestTemplate(http.MethodGet, "http://t.example/", ro)
	require.NoError(t, err)

	req, err := tmpl.build(context.Background(), "", nil)
	require.NoError(t, err)

	assert.Nil(t, req.Body)
	assert.Empty(t, req.Header.Get("User-Agent"))
}
