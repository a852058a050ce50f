// Package router implements the route registry, method dispatch, and
// onion-style middleware chain, plus the WebSocket upgrade route table
// the dispatcher consults.
//
// Exact and parametric routes are matched with the handler signature
// generalized to a (req, resp, next) calling convention, and method
// dispatch generalized from a single upgrade path to a full per-method
// map with a `*` wildcard.
package router

import (
	"regexp"
	"strings"
	"sync"

	"github.com/relaykit/relay/internal/httpproto"
	"github.com/relaykit/relay/internal/netio"
	"github.com/relaykit/relay/internal/wsproto"
)

// Next advances the middleware chain's cursor by one step.
type Next func()

// HandlerFunc terminates a chain: it never calls Next.
type HandlerFunc func(req *httpproto.Request, resp *httpproto.Response)

// MiddlewareFunc is the shared calling convention every chain element
// uses. A middleware that wants to short-circuit simply omits calling
// next.
type MiddlewareFunc func(req *httpproto.Request, resp *httpproto.Response, next Next)

// Handler adapts a HandlerFunc into a MiddlewareFunc that ignores next
// — handlers are middleware that never advance the chain.
func Handler(h HandlerFunc) MiddlewareFunc {
	return func(req *httpproto.Request, resp *httpproto.Response, next Next) {
		h(req, resp)
	}
}

// Chain is a built-at-registration-time list of middleware, executed
// with an index cursor rather than recursive closures to bound stack
// depth.
type Chain []MiddlewareFunc

// Run executes chain in onion order: each step may do work before and
// after calling next, and a step that never calls next terminates the
// whole chain early (e.g. an auth middleware rejecting a request).
func (c Chain) Run(req *httpproto.Request, resp *httpproto.Response) {
	idx := -1
	var next Next
	next = func() {
		idx++
		if idx < len(c) {
			c[idx](req, resp, next)
		}
	}
	next()
}

// WSHandler is the bound callback set for an upgraded WebSocket route.
type WSHandler struct {
	OnConnect func(conn *netio.Connection)
	OnMessage func(conn *netio.Connection, opcode wsproto.Opcode, payload []byte)
	OnClose   func(conn *netio.Connection)
}

// routeNode holds per-method chains for one registered path, plus a `*`
// wildcard fallback.
type routeNode struct {
	handlers map[string]Chain
}

func newRouteNode() *routeNode {
	return &routeNode{handlers: make(map[string]Chain)}
}

func (n *routeNode) lookup(method string) (Chain, bool) {
	if c, ok := n.handlers[method]; ok {
		return c, true
	}
	if c, ok := n.handlers["*"]; ok {
		return c, true
	}
	return nil, false
}

type regexRoute struct {
	pattern    *regexp.Regexp
	node       *routeNode
	paramNames []string
}

// Router is the read-only-after-start route registry: routes and
// middleware should be registered before the server starts accepting.
// Registration is still guarded by a mutex so a misbehaving caller that
// registers late fails safely rather than racing Match.
type Router struct {
	mu     sync.RWMutex
	exact  map[string]*routeNode
	regexr []regexRoute
	global Chain

	wsRoutes map[string]WSHandler
}

// New returns an empty Router.
func New() *Router {
	return &Router{
		exact:    make(map[string]*routeNode),
		wsRoutes: make(map[string]WSHandler),
	}
}

// Use appends middleware to the global chain prepended to every match.
func (r *Router) Use(mw ...MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, mw...)
}

// Add registers method (or "*" for any method) against path with the
// given chain, the last element usually built via Handler.
func (r *Router) Add(method, path string, chain ...MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.exact[path]
	if !ok {
		node = newRouteNode()
		r.exact[path] = node
	}
	node.handlers[method] = append(Chain(nil), chain...)

	if pattern, names, isParametric := compilePattern(path); isParametric {
		r.regexr = append(r.regexr, regexRoute{pattern: pattern, node: node, paramNames: names})
	}
}

// GET/POST/PUT/DELETE/HEAD are convenience wrappers over Add.
func (r *Router) GET(path string, chain ...MiddlewareFunc)    { r.Add("GET", path, chain...) }
func (r *Router) POST(path string, chain ...MiddlewareFunc)   { r.Add("POST", path, chain...) }
func (r *Router) PUT(path string, chain ...MiddlewareFunc)    { r.Add("PUT", path, chain...) }
func (r *Router) DELETE(path string, chain ...MiddlewareFunc) { r.Add("DELETE", path, chain...) }
func (r *Router) HEAD(path string, chain ...MiddlewareFunc)   { r.Add("HEAD", path, chain...) }

// AddWebSocket registers handler for a WebSocket upgrade route: a
// table keyed by path that the dispatcher consults on every upgrade
// attempt.
func (r *Router) AddWebSocket(path string, handler WSHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wsRoutes[path] = handler
}

// MatchWebSocket returns the handler bound to path, if any.
func (r *Router) MatchWebSocket(path string) (WSHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.wsRoutes[path]
	return h, ok
}

// Match resolves (method, path) to a runnable chain: exact match
// first, then first-matching regex route in insertion order (exact
// always wins over a parametric route), global middleware prepended
// at match time.
func (r *Router) Match(method, path string) (Chain, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if node, ok := r.exact[path]; ok {
		if chain, ok := node.lookup(method); ok {
			return r.withGlobal(chain), nil, true
		}
	}

	for _, rr := range r.regexr {
		m := rr.pattern.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		chain, ok := rr.node.lookup(method)
		if !ok {
			continue
		}
		params := make(map[string]string, len(rr.paramNames))
		for i, name := range rr.paramNames {
			if i+1 < len(m) {
				params[name] = m[i+1]
			}
		}
		return r.withGlobal(chain), params, true
	}
	return nil, nil, false
}

func (r *Router) withGlobal(node Chain) Chain {
	out := make(Chain, 0, len(r.global)+len(node))
	out = append(out, r.global...)
	out = append(out, node...)
	return out
}

// Group scopes route registration under a common prefix.
type Group struct {
	router *Router
	prefix string
}

// Group returns a new route group under prefix.
func (r *Router) Group(prefix string) *Group {
	return &Group{router: r, prefix: prefix}
}

// Group nests a sub-group under this group's prefix.
func (g *Group) Group(prefix string) *Group {
	return &Group{router: g.router, prefix: g.join(prefix)}
}

func (g *Group) Add(method, path string, chain ...MiddlewareFunc) {
	g.router.Add(method, g.join(path), chain...)
}
func (g *Group) GET(path string, chain ...MiddlewareFunc)    { g.Add("GET", path, chain...) }
func (g *Group) POST(path string, chain ...MiddlewareFunc)   { g.Add("POST", path, chain...) }
func (g *Group) PUT(path string, chain ...MiddlewareFunc)    { g.Add("PUT", path, chain...) }
func (g *Group) DELETE(path string, chain ...MiddlewareFunc) { g.Add("DELETE", path, chain...) }
func (g *Group) HEAD(path string, chain ...MiddlewareFunc)   { g.Add("HEAD", path, chain...) }

func (g *Group) join(path string) string {
	if g.prefix == "" {
		return path
	}
	switch {
	case strings.HasSuffix(g.prefix, "/") && strings.HasPrefix(path, "/"):
		return g.prefix + path[1:]
	case !strings.HasSuffix(g.prefix, "/") && !strings.HasPrefix(path, "/"):
		return g.prefix + "/" + path
	default:
		return g.prefix + path
	}
}

// compilePattern converts a path containing `:name` or `*` tokens into
// a fully-anchored regex plus the ordered parameter names (":name" ->
// capture group, "*" -> ".*"); parameter names are recorded at compile
// time so Match can populate them by name rather than position.
func compilePattern(path string) (*regexp.Regexp, []string, bool) {
	if !strings.Contains(path, ":") && !strings.Contains(path, "*") {
		return nil, nil, false
	}
	segments := strings.Split(path, "/")
	var names []string
	var out strings.Builder
	for i, seg := range segments {
		if i > 0 {
			out.WriteByte('/')
		}
		switch {
		case strings.HasPrefix(seg, ":"):
			names = append(names, strings.TrimPrefix(seg, ":"))
			out.WriteString("([A-Za-z0-9_]+)")
		case seg == "*":
			out.WriteString(".*")
		default:
			out.WriteString(regexp.QuoteMeta(seg))
		}
	}
	return regexp.MustCompile("^" + out.String() + "$"), names, true
}
