package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfcemployee/tntcore/internal/httpproto"
)

func staticHandler(body string) Handler {
	return func(req *httpproto.Request) (*httpproto.Reply, bool) {
		return &httpproto.Reply{Code: 200, Body: []byte(body)}, true
	}
}

func TestLiteralAndParamRoutes(t *testing.T) {
	d := New(0)
	require.NoError(t, d.AddRule(Rule{Pattern: "/api/v1/user", Component: "user", Handler: staticHandler("users")}))
	require.NoError(t, d.AddRule(Rule{Pattern: "/api/v1/order", Component: "order", Handler: staticHandler("orders")}))
	require.NoError(t, d.AddRule(Rule{Pattern: "/api/v1/user/:id", Component: "user-by-id", Handler: staticHandler("one user")}))

	tests := []struct {
		path       string
		wantMatch  bool
		wantParams map[string]string
	}{
		{"/api/v1/user", true, nil},
		{"/api/v1/order", true, nil},
		{"/api/v1/user/123", true, map[string]string{"id": "123"}},
		{"/api/v1/unknown", false, nil},
	}

	for _, tt := range tests {
		req := &httpproto.Request{Path: []byte(tt.path)}
		handlers := d.Match(req)
		if tt.wantMatch {
			assert.NotEmpty(t, handlers, tt.path)
		} else {
			assert.Empty(t, handlers, tt.path)
		}
		for k, v := range tt.wantParams {
			assert.Equal(t, v, string(req.Param(k)))
		}
	}
}

func TestVhostScopingPrefersSpecificHost(t *testing.T) {
	d := New(0)
	require.NoError(t, d.AddRule(Rule{Pattern: "/", Handler: staticHandler("default site")}))
	require.NoError(t, d.AddRule(Rule{Vhost: "api.example.com", Pattern: "/", Handler: staticHandler("api site")}))

	req := &httpproto.Request{Host: []byte("api.example.com"), Path: []byte("/")}
	handlers := d.Match(req)
	require.Len(t, handlers, 2)
	reply, handled := handlers[0](req)
	require.True(t, handled)
	assert.Equal(t, "api site", string(reply.Body))
	fallback, _ := handlers[1](req)
	assert.Equal(t, "default site", string(fallback.Body))

	req2 := &httpproto.Request{Host: []byte("other.example.com"), Path: []byte("/")}
	handlers2 := d.Match(req2)
	require.Len(t, handlers2, 1)
	reply2, _ := handlers2[0](req2)
	assert.Equal(t, "default site", string(reply2.Body))
}

func TestRegexRule(t *testing.T) {
	d := New(0)
	require.NoError(t, d.AddRule(Rule{Pattern: `^/files/.*\.png$`, Handler: staticHandler("png")}))

	req := &httpproto.Request{Path: []byte("/files/a/b/c.png")}
	handlers := d.Match(req)
	require.Len(t, handlers, 1)

	req2 := &httpproto.Request{Path: []byte("/files/a/b/c.jpg")}
	assert.Empty(t, d.Match(req2))
}

func TestMatchResultIsCached(t *testing.T) {
	calls := 0
	d := New(16)
	require.NoError(t, d.AddRule(Rule{Pattern: "/x", Handler: func(req *httpproto.Request) (*httpproto.Reply, bool) {
		calls++
		return nil, true
	}}))

	for i := 0; i < 3; i++ {
		req := &httpproto.Request{Path: []byte("/x")}
		handlers := d.Match(req)
		require.Len(t, handlers, 1)
	}
	// Match itself doesn't invoke handlers, so calls stays 0; the three
	// identical lookups share a single cache entry.
	assert.Equal(t, 0, calls)
	assert.Len(t, d.cache, 1)
}

func BenchmarkMatchStatic(b *testing.B) {
	d := New(0)
	_ = d.AddRule(Rule{Pattern: "/api/v1/user/profile/settings", Handler: staticHandler("x")})
	req := &httpproto.Request{Path: []byte("/api/v1/user/profile/settings")}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Match(req)
	}
}

func BenchmarkMatchParam(b *testing.B) {
	d := New(0)
	_ = d.AddRule(Rule{Pattern: "/api/v1/user/:id/posts/:post_id", Handler: staticHandler("x")})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := &httpproto.Request{Path: []byte("/api/v1/user/123/posts/456")}
		d.Match(req)
	}
}
