package middleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Stack is an ordered list of middlewares. The first entry sees the request
// first.
type Stack []Middleware

// Use returns a stack with m appended.
func (s Stack) Use(m ...Middleware) Stack {
	out := make(Stack, 0, len(s)+len(m))
	out = append(out, s...)
	return append(out, m...)
}

// UseIf appends m only when cond holds.
func (s Stack) UseIf(cond bool, m Middleware) Stack {
	if !cond {
		return s
	}
	return s.Use(m)
}

// Then wraps h with every middleware in the stack.
func (s Stack) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}
	for i := len(s) - 1; i >= 0; i-- {
		h = s[i](h)
	}
	return h
}
