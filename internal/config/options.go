package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ListenEndpoint is one resolved Listen entry: ip[, port=80].
type ListenEndpoint struct {
	IP   string
	Port int
}

// SslListenEndpoint is one resolved SslListen entry:
// ip[, port=443[, cert[, key]]]. Cert/Key fall back to the top-level
// SslCertificate/SslKey when empty.
type SslListenEndpoint struct {
	IP   string
	Port int
	Cert string
	Key  string
}

// MapRule is one resolved MapUrl/VMapUrl entry, handed to the dispatcher
// once the named Component has been resolved against a handler registry.
type MapRule struct {
	Vhost     string // "" for MapUrl
	Pattern   string
	Component string
	PathInfo  string
	Args      []string
}

// Options is the typed configuration surface described in SPEC_FULL.md §6,
// resolved from a Config's raw multi-map the way Tntnet::init resolves its
// cxxtools::Configuration into member fields, one getValue(key, default)
// call at a time.
type Options struct {
	MinThreads       int
	MaxThreads       int
	ThreadStartDelay time.Duration
	QueueSize        int
	MaxRequestTime   time.Duration
	SessionTimeout   time.Duration
	ListenBacklog    int
	ListenRetry      int

	SocketReadTimeout  time.Duration
	SocketWriteTimeout time.Duration
	KeepAliveMax       int
	KeepAliveTimeout   time.Duration
	BufferSize         int
	MaxRequestSize     int

	MinCompressSize    int
	EnableCompression  bool
	DefaultContentType string
	MaxUrlMapCache     int

	Listen    []ListenEndpoint
	SslListen []SslListenEndpoint

	SslCertificate string
	SslKey         string

	SetEnv [][2]string
	MapUrl []MapRule
}

// Resolve builds an Options from a parsed Config, applying every default
// named in SPEC_FULL.md §6. If cfg has no Listen entry at all (neither
// plaintext nor TLS), a default plaintext endpoint is synthesized:
// 0.0.0.0:80 when running as root, else 0.0.0.0:8000, mirroring
// Tntnet::init's fallback.
func Resolve(cfg *Config) (*Options, error) {
	o := &Options{
		MinThreads:       cfg.IntValue("MinThreads", 5),
		MaxThreads:       cfg.IntValue("MaxThreads", 100),
		ThreadStartDelay: time.Duration(cfg.IntValue("ThreadStartDelay", 10)) * time.Microsecond,
		QueueSize:        cfg.IntValue("QueueSize", 1000),
		MaxRequestTime:   time.Duration(cfg.IntValue("MaxRequestTime", 600)) * time.Second,
		SessionTimeout:   time.Duration(cfg.IntValue("SessionTimeout", 300)) * time.Second,
		ListenBacklog:    cfg.IntValue("ListenBacklog", 64),
		ListenRetry:      cfg.IntValue("ListenRetry", 5),

		SocketReadTimeout:  time.Duration(cfg.IntValue("SocketReadTimeout", 10000)) * time.Millisecond,
		SocketWriteTimeout: time.Duration(cfg.IntValue("SocketWriteTimeout", 10000)) * time.Millisecond,
		KeepAliveMax:       cfg.IntValue("KeepAliveMax", 1000),
		KeepAliveTimeout:   time.Duration(cfg.IntValue("KeepAliveTimeout", 15000)) * time.Millisecond,
		BufferSize:         cfg.IntValue("BufferSize", 16000),
		MaxRequestSize:     cfg.IntValue("MaxRequestSize", 1<<16-1),

		MinCompressSize:    cfg.IntValue("MinCompressSize", 256),
		EnableCompression:  cfg.BoolValue("EnableCompression", true),
		DefaultContentType: cfg.GetValue("DefaultContentType", "text/html; charset=UTF-8"),
		MaxUrlMapCache:     cfg.IntValue("MaxUrlMapCache", 1000),

		SslCertificate: cfg.GetValue("SslCertificate", ""),
		SslKey:         cfg.GetValue("SslKey", ""),
	}

	for _, e := range cfg.GetValues("Listen") {
		ep, err := parseListen(e.Params)
		if err != nil {
			return nil, fmt.Errorf("config: Listen: %w", err)
		}
		o.Listen = append(o.Listen, ep)
	}

	for _, e := range cfg.GetValues("SslListen") {
		ep, err := parseSslListen(e.Params, o.SslCertificate, o.SslKey)
		if err != nil {
			return nil, fmt.Errorf("config: SslListen: %w", err)
		}
		o.SslListen = append(o.SslListen, ep)
	}

	if len(o.Listen) == 0 && len(o.SslListen) == 0 {
		port := 8000
		if os.Geteuid() == 0 {
			port = 80
		}
		o.Listen = append(o.Listen, ListenEndpoint{IP: "0.0.0.0", Port: port})
	}

	for _, e := range cfg.GetValues("SetEnv") {
		if len(e.Params) != 2 {
			return nil, fmt.Errorf("config: SetEnv requires exactly 2 parameters, got %d", len(e.Params))
		}
		o.SetEnv = append(o.SetEnv, [2]string{e.Params[0], e.Params[1]})
	}

	for _, e := range cfg.GetValues("MapUrl") {
		rule, err := parseMapUrl("", e.Params)
		if err != nil {
			return nil, fmt.Errorf("config: MapUrl: %w", err)
		}
		o.MapUrl = append(o.MapUrl, rule)
	}

	for _, e := range cfg.GetValues("VMapUrl") {
		if len(e.Params) < 3 {
			return nil, fmt.Errorf("config: VMapUrl requires at least 3 parameters, got %d", len(e.Params))
		}
		rule, err := parseMapUrl(e.Params[0], e.Params[1:])
		if err != nil {
			return nil, fmt.Errorf("config: VMapUrl: %w", err)
		}
		o.MapUrl = append(o.MapUrl, rule)
	}

	return o, nil
}

// ApplyEnv exports every SetEnv pair into the process environment, mirroring
// tntnet.cpp's handling of the SetEnv directive before workers start.
func (o *Options) ApplyEnv() error {
	for _, kv := range o.SetEnv {
		if err := os.Setenv(kv[0], kv[1]); err != nil {
			return fmt.Errorf("config: SetEnv %s: %w", kv[0], err)
		}
	}
	return nil
}

func parseListen(params []string) (ListenEndpoint, error) {
	if len(params) < 1 {
		return ListenEndpoint{}, fmt.Errorf("requires at least 1 parameter (ip)")
	}
	ep := ListenEndpoint{IP: params[0], Port: 80}
	if len(params) >= 2 {
		p, err := strconv.Atoi(params[1])
		if err != nil {
			return ListenEndpoint{}, fmt.Errorf("invalid port %q: %w", params[1], err)
		}
		ep.Port = p
	}
	return ep, nil
}

func parseSslListen(params []string, defCert, defKey string) (SslListenEndpoint, error) {
	if len(params) < 1 {
		return SslListenEndpoint{}, fmt.Errorf("requires at least 1 parameter (ip)")
	}
	ep := SslListenEndpoint{IP: params[0], Port: 443, Cert: defCert, Key: defKey}
	if len(params) >= 2 {
		p, err := strconv.Atoi(params[1])
		if err != nil {
			return SslListenEndpoint{}, fmt.Errorf("invalid port %q: %w", params[1], err)
		}
		ep.Port = p
	}
	if len(params) >= 3 {
		ep.Cert = params[2]
	}
	if len(params) >= 4 {
		ep.Key = params[3]
	}
	if ep.Cert == "" || ep.Key == "" {
		return SslListenEndpoint{}, fmt.Errorf("no certificate/key configured for %s:%d", ep.IP, ep.Port)
	}
	return ep, nil
}

func parseMapUrl(vhost string, params []string) (MapRule, error) {
	if len(params) < 2 {
		return MapRule{}, fmt.Errorf("requires at least 2 parameters (pattern, component), got %d", len(params))
	}
	rule := MapRule{Vhost: vhost, Pattern: params[0], Component: params[1]}
	if len(params) >= 3 {
		rule.PathInfo = params[2]
	}
	if len(params) > 3 {
		rule.Args = params[3:]
	}
	return rule, nil
}
