package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasicDirectives(t *testing.T) {
	src := `
# a comment
MinThreads 10
MaxThreads 200
Listen 0.0.0.0 8080
MapUrl ^/static/.* staticfiles docroot=/var/www
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	assert.Equal(t, "10", cfg.GetValue("MinThreads", ""))
	assert.Equal(t, "200", cfg.GetValue("MaxThreads", ""))

	listens := cfg.GetValues("Listen")
	require.Len(t, listens, 1)
	assert.Equal(t, []string{"0.0.0.0", "8080"}, listens[0].Params)

	mapurls := cfg.GetValues("MapUrl")
	require.Len(t, mapurls, 1)
	assert.Equal(t, []string{"^/static/.*", "staticfiles", "docroot=/var/www"}, mapurls[0].Params)
}

func TestParseQuotedAndEscapedTokens(t *testing.T) {
	src := `SetEnv GREETING "hello world"
SetEnv PATH_SEP \
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	setenvs := cfg.GetValues("SetEnv")
	require.Len(t, setenvs, 2)
	assert.Equal(t, []string{"GREETING", "hello world"}, setenvs[0].Params)
}

func TestParseDuplicateKeysPreserved(t *testing.T) {
	src := `MapUrl /a comp-a
MapUrl /b comp-b
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	assert.Len(t, cfg.GetValues("MapUrl"), 2)
}

func TestIntAndBoolValue(t *testing.T) {
	src := `QueueSize 500
EnableCompression false
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.IntValue("QueueSize", 1))
	assert.Equal(t, 1, cfg.IntValue("Missing", 1))
	assert.False(t, cfg.BoolValue("EnableCompression", true))
	assert.True(t, cfg.BoolValue("Missing", true))
}

func TestResolveDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)

	opts, err := Resolve(cfg)
	require.NoError(t, err)

	assert.Equal(t, 5, opts.MinThreads)
	assert.Equal(t, 100, opts.MaxThreads)
	assert.Equal(t, 10*time.Microsecond, opts.ThreadStartDelay)
	require.Len(t, opts.Listen, 1)
	assert.Equal(t, "0.0.0.0", opts.Listen[0].IP)
	wantPort := 8000
	if os.Geteuid() == 0 {
		wantPort = 80
	}
	assert.Equal(t, wantPort, opts.Listen[0].Port)
}

func TestResolveListenAndSslListen(t *testing.T) {
	src := `Listen 127.0.0.1 8080
SslCertificate /etc/ssl/cert.pem
SslKey /etc/ssl/key.pem
SslListen 0.0.0.0 8443
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	opts, err := Resolve(cfg)
	require.NoError(t, err)

	require.Len(t, opts.Listen, 1)
	assert.Equal(t, 8080, opts.Listen[0].Port)

	require.Len(t, opts.SslListen, 1)
	assert.Equal(t, 8443, opts.SslListen[0].Port)
	assert.Equal(t, "/etc/ssl/cert.pem", opts.SslListen[0].Cert)
	assert.Equal(t, "/etc/ssl/key.pem", opts.SslListen[0].Key)
}

func TestResolveSslListenWithoutCertFails(t *testing.T) {
	cfg, err := Parse(strings.NewReader("SslListen 0.0.0.0 8443\n"))
	require.NoError(t, err)

	_, err = Resolve(cfg)
	assert.Error(t, err)
}

func TestResolveMapUrlAndVMapUrl(t *testing.T) {
	src := `MapUrl /api/v1/user user-component
VMapUrl api.example.com /api/v1/order order-component path info
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	opts, err := Resolve(cfg)
	require.NoError(t, err)
	require.Len(t, opts.MapUrl, 2)

	assert.Equal(t, "", opts.MapUrl[0].Vhost)
	assert.Equal(t, "user-component", opts.MapUrl[0].Component)

	assert.Equal(t, "api.example.com", opts.MapUrl[1].Vhost)
	assert.Equal(t, "order-component", opts.MapUrl[1].Component)
	assert.Equal(t, "path", opts.MapUrl[1].PathInfo)
	assert.Equal(t, []string{"info"}, opts.MapUrl[1].Args)
}

func TestResolveSetEnvRequiresTwoParams(t *testing.T) {
	cfg, err := Parse(strings.NewReader("SetEnv ONLYONE\n"))
	require.NoError(t, err)
	_, err = Resolve(cfg)
	assert.Error(t, err)
}

func TestUnterminatedQuoteIsParseError(t *testing.T) {
	_, err := Parse(strings.NewReader(`SetEnv X "unterminated`))
	assert.Error(t, err)
}
