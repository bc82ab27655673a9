package h2reset

import (
	"fmt"
	"net/http"
	"strings"
)

// Router dispatches requests by method and path. Segments starting with ':'
// capture a parameter; a segment starting with '*' captures the rest of the
// path. Handler errors pass through unchanged so the stream is terminated as
// an application fault.
type Router struct {
	routes      map[string]*routeNode
	middlewares []Middleware
	notFound    Handler
}

type routeNode struct {
	handler   Handler
	children  map[string]*routeNode
	paramName string
}

// NewRouter creates a new Router that answers unknown routes with 404.
func NewRouter() *Router {
	return &Router{
		routes: make(map[string]*routeNode),
		notFound: HandlerFunc(func(ctx *Context) error {
			return ctx.String(http.StatusNotFound, "Not Found")
		}),
	}
}

// Use adds one or more middleware functions to the router's middleware stack.
func (r *Router) Use(middlewares ...Middleware) {
	r.middlewares = append(r.middlewares, middlewares...)
}

// NotFound sets the handler for requests that match no route.
func (r *Router) NotFound(handler Handler) {
	r.notFound = handler
}

// GET registers a handler for GET requests.
func (r *Router) GET(path string, handler HandlerFunc) {
	r.Handle(http.MethodGet, path, handler)
}

// POST registers a handler for POST requests.
func (r *Router) POST(path string, handler HandlerFunc) {
	r.Handle(http.MethodPost, path, handler)
}

// PUT registers a handler for PUT requests.
func (r *Router) PUT(path string, handler HandlerFunc) {
	r.Handle(http.MethodPut, path, handler)
}

// Handle registers a handler for the specified HTTP method.
func (r *Router) Handle(method, path string, handler Handler) {
	if path == "" || path[0] != '/' {
		panic(fmt.Sprintf("path must begin with '/': %q", path))
	}

	root, ok := r.routes[method]
	if !ok {
		root = &routeNode{children: make(map[string]*routeNode)}
		r.routes[method] = root
	}

	current := root
	for _, segment := range strings.Split(strings.Trim(path, "/"), "/") {
		if segment == "" {
			continue
		}
		key := segment
		if segment[0] == ':' || segment[0] == '*' {
			key = segment[:1]
		}
		child, ok := current.children[key]
		if !ok {
			child = &routeNode{children: make(map[string]*routeNode)}
			if key != segment {
				child.paramName = segment[1:]
			}
			current.children[key] = child
		}
		current = child
	}
	current.handler = handler
}

// ServeHTTP2 implements Handler.
func (r *Router) ServeHTTP2(ctx *Context) error {
	handler, params := r.FindRoute(ctx.Method(), ctx.Path())
	if params != nil {
		ctx.setParams(params)
	}
	if len(r.middlewares) > 0 {
		handler = Chain(r.middlewares...)(handler)
	}
	return handler.ServeHTTP2(ctx)
}

// FindRoute returns the handler for method and path and the captured route
// parameters.
func (r *Router) FindRoute(method, path string) (Handler, map[string]string) {
	root, ok := r.routes[method]
	if !ok {
		return r.notFound, nil
	}
	if q := strings.IndexByte(path, '?'); q >= 0 {
		path = path[:q]
	}

	trimmed := strings.Trim(path, "/")
	var params map[string]string
	current := root
	for trimmed != "" {
		segment, rest, _ := strings.Cut(trimmed, "/")
		if child, ok := current.children[segment]; ok {
			current, trimmed = child, rest
			continue
		}
		if child, ok := current.children[":"]; ok {
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[child.paramName] = segment
			current, trimmed = child, rest
			continue
		}
		if child, ok := current.children["*"]; ok {
			if params == nil {
				params = make(map[string]string, 1)
			}
			params[child.paramName] = trimmed
			current = child
			break
		}
		return r.notFound, nil
	}

	if current.handler == nil {
		return r.notFound, nil
	}
	return current.handler, params
}
