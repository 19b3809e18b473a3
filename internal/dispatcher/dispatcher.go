// Package dispatcher is the URL Mapper the Worker consults: given a
// host+path it returns an ordered list of candidate Handlers to try in
// turn, the first of which that claims the request wins.
//
// Grounded on the teacher's server/router radix tree (radix.go, trie.go),
// generalized two ways: (1) a rule may be scoped to a virtual host
// (MapUrl vs. VMapUrl, SPEC_FULL.md §6), and (2) a rule's pattern may be a
// POSIX-style regular expression (the source's urlRegex) rather than only a
// literal/`:param` radix path, matching tntnet.cpp's configureDispatcher.
// Literal paths are still inserted into the per-vhost radix trie for O(path
// length) matching; regex rules fall back to a per-vhost ordered scan, since
// a compiled regexp set can't generally be folded into a trie.
package dispatcher

import (
	"bytes"
	"regexp"
	"sync"

	"github.com/kfcemployee/tntcore/internal/httpproto"
)

// Handler is a resolved component: given a request it either produces a
// reply and claims the request (handled=true), or declines so the
// Dispatcher's next candidate gets a turn.
type Handler func(req *httpproto.Request) (reply *httpproto.Reply, handled bool)

// Rule is one MapUrl/VMapUrl entry resolved to a concrete Handler via the
// component registry.
type Rule struct {
	Vhost     string // "" matches any host (MapUrl)
	Pattern   string // the source urlRegex, or a literal/:param radix path
	Component string
	PathInfo  string
	Args      []string
	Handler   Handler

	regex *regexp.Regexp // nil if Pattern was inserted into the radix trie instead
}

// isLiteralPath reports whether pattern can be represented as a radix path
// (only literal segments and `:name` placeholders, no regex metacharacters).
func isLiteralPath(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '.', '*', '+', '?', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			return false
		}
	}
	return true
}

// vhostTable holds one radix trie plus one ordered regex-rule list for a
// single virtual host (or the "" catch-all host).
type vhostTable struct {
	trie       node
	regexRules []*Rule
}

// Dispatcher resolves requests to an ordered candidate list. Safe for
// concurrent use: Match takes a read lock, AddRule takes a write lock, both
// held briefly.
type Dispatcher struct {
	mu     sync.RWMutex
	hosts  map[string]*vhostTable
	cache  map[string]matchResult
	maxLRU int
}

type matchResult struct {
	handlers []Handler
	params   []httpproto.Param
}

// New constructs an empty Dispatcher. maxCache bounds the match-result
// cache (MaxUrlMapCache, SPEC_FULL.md §6); 0 disables caching.
func New(maxCache int) *Dispatcher {
	return &Dispatcher{
		hosts:  map[string]*vhostTable{"": {trie: newRoot()}},
		cache:  map[string]matchResult{},
		maxLRU: maxCache,
	}
}

// AddRule registers one MapUrl (vhost=="") or VMapUrl entry.
func (d *Dispatcher) AddRule(rule Rule) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vt, ok := d.hosts[rule.Vhost]
	if !ok {
		vt = &vhostTable{trie: newRoot()}
		d.hosts[rule.Vhost] = vt
	}

	if isLiteralPath(rule.Pattern) {
		r := rule
		vt.trie.insert(rule.Pattern, &r)
	} else {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return err
		}
		r := rule
		r.regex = re
		vt.regexRules = append(vt.regexRules, &r)
	}

	// Any existing rule invalidates cached match results.
	d.cache = map[string]matchResult{}
	return nil
}

// Match returns the ordered list of Handlers that might serve req (matched
// by req.Host and req.Path): the matching vhost's literal/`:param` route
// first (if any, with captured params written into req.Params), then its
// regex rules in registration order, then the catch-all ("") host's same
// two passes. An empty result means no rule could ever match.
func (d *Dispatcher) Match(req *httpproto.Request) []Handler {
	host := string(req.Host)
	key := host + "\x00" + string(req.Path)

	d.mu.RLock()
	cached, ok := d.cache[key]
	if ok {
		d.mu.RUnlock()
		req.Params = cached.params
		return cached.handlers
	}

	var handlers []Handler
	var params []httpproto.Param
	tried := map[string]bool{}
	for _, h := range []string{host, ""} {
		if tried[h] {
			continue
		}
		tried[h] = true

		vt, ok := d.hosts[h]
		if !ok {
			continue
		}

		if rule := vt.trie.match(req.Path, &params); rule != nil {
			handlers = append(handlers, rule.Handler)
			req.Params = params
		}
		for _, r := range vt.regexRules {
			if r.regex.Match(req.Path) {
				handlers = append(handlers, r.Handler)
			}
		}
	}
	d.mu.RUnlock()

	if d.maxLRU > 0 {
		// Captured values are views into the request's buffer, which is
		// reused for later requests; the cache keeps its own copies.
		owned := make([]httpproto.Param, len(params))
		for i, p := range params {
			owned[i] = httpproto.Param{Key: p.Key, Val: append([]byte(nil), p.Val...)}
		}
		d.mu.Lock()
		if len(d.cache) >= d.maxLRU {
			d.cache = map[string]matchResult{}
		}
		d.cache[key] = matchResult{handlers: handlers, params: owned}
		d.mu.Unlock()
	}

	return handlers
}

// node is a radix trie node; ch is a flat slice rather than a map for
// cache-friendly linear scans over the (typically small) fan-out at each
// level, mirroring the teacher's trie.go.
type node struct {
	prefix  []byte
	ch      []node
	rule    *Rule
	isParam bool
}

func newRoot() node {
	return node{ch: make([]node, 0)}
}

func (n *node) insert(path string, rule *Rule) {
	p := []byte(path)
	if len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}

	segments := bytes.Split(p, []byte("/"))
	cur := n
	for _, s := range segments {
		if len(s) == 0 {
			continue
		}

		isParam := len(s) > 0 && s[0] == ':'
		prefix := s
		if isParam {
			prefix = s[1:]
		}

		idx := -1
		for i := range cur.ch {
			if bytes.Equal(cur.ch[i].prefix, prefix) {
				idx = i
				break
			}
		}
		if idx == -1 {
			cur.ch = append(cur.ch, node{prefix: append([]byte{}, prefix...), isParam: isParam, ch: make([]node, 0)})
			idx = len(cur.ch) - 1
		}
		cur = &cur.ch[idx]
	}
	cur.rule = rule
}

// match finds the rule bound to path, appending any `:param` captures along
// the way into *params.
func (n *node) match(path []byte, params *[]httpproto.Param) *Rule {
	p := path
	if len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return n.find(p, params)
}

func (n *node) find(path []byte, params *[]httpproto.Param) *Rule {
	if len(path) == 0 {
		return n.rule
	}

	for i := range n.ch {
		c := &n.ch[i]
		if c.isParam {
			continue
		}
		if bytes.HasPrefix(path, c.prefix) {
			rem := path[len(c.prefix):]
			if len(rem) == 0 || rem[0] == '/' {
				if len(rem) > 0 {
					rem = rem[1:]
				}
				if r := c.find(rem, params); r != nil {
					return r
				}
			}
		}
	}

	for i := range n.ch {
		c := &n.ch[i]
		if !c.isParam {
			continue
		}
		end := bytes.IndexByte(path, '/')
		if end == -1 {
			end = len(path)
		}
		mark := len(*params)
		*params = append(*params, httpproto.Param{Key: c.prefix, Val: path[:end]})

		rem := path[end:]
		if len(rem) > 0 {
			rem = rem[1:]
		}
		if r := c.find(rem, params); r != nil {
			return r
		}
		*params = (*params)[:mark]
	}

	return nil
}
