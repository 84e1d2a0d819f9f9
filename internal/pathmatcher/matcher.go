package pathmatcher

import (
	"errors"
	"net/url"
	"strings"

	gwerrors "github.com/wudi/scgate/internal/errors"
)

// AnyMethod binds a template for every HTTP method. An exact method binding
// on the same template takes precedence.
const AnyMethod = "*"

// VariableBinding is one captured variable, in template order.
type VariableBinding struct {
	FieldPath string
	Value     string
}

// FieldPathParts splits the dotted field path.
func (b VariableBinding) FieldPathParts() []string {
	return strings.Split(b.FieldPath, ".")
}

// Match is a successful lookup.
type Match[V any] struct {
	Value    V
	Template string
	Bindings []VariableBinding
}

type binding[V any] struct {
	value V
	tmpl  *Template
}

// node is a trie state. The key of leaves is verb then method.
type node[V any] struct {
	literals map[string]*node[V]
	single   *node[V]
	multi    *node[V] // terminal: consumes all remaining segments
	leaves   map[string]map[string]*binding[V]
}

func newNode[V any]() *node[V] {
	return &node[V]{}
}

// Builder accumulates template bindings. Build freezes them into a Matcher.
type Builder[V any] struct {
	root  *node[V]
	verbs map[string]bool
	count int
	built bool
}

// NewBuilder creates an empty builder.
func NewBuilder[V any]() *Builder[V] {
	return &Builder[V]{root: newNode[V](), verbs: make(map[string]bool)}
}

var errBuilt = errors.New("pathmatcher: builder already built")

// Insert parses template and binds it to value for method.
func (b *Builder[V]) Insert(method, template string, value V) error {
	if b.built {
		return errBuilt
	}
	t, err := Parse(template)
	if err != nil {
		return err
	}
	return b.InsertTemplate(method, t, value)
}

// InsertTemplate binds an already parsed template.
func (b *Builder[V]) InsertTemplate(method string, t *Template, value V) error {
	if b.built {
		return errBuilt
	}
	method = strings.ToUpper(method)
	if method == "" {
		method = AnyMethod
	}

	n := b.root
	for _, seg := range t.Segments {
		switch seg.Kind {
		case Literal:
			if n.literals == nil {
				n.literals = make(map[string]*node[V])
			}
			next, ok := n.literals[seg.Literal]
			if !ok {
				next = newNode[V]()
				n.literals[seg.Literal] = next
			}
			n = next
		case Single:
			if n.single == nil {
				n.single = newNode[V]()
			}
			n = n.single
		case Multi:
			if n.multi == nil {
				n.multi = newNode[V]()
			}
			n = n.multi
		}
	}

	if n.leaves == nil {
		n.leaves = make(map[string]map[string]*binding[V])
	}
	byMethod, ok := n.leaves[t.Verb]
	if !ok {
		byMethod = make(map[string]*binding[V])
		n.leaves[t.Verb] = byMethod
	}
	if _, dup := byMethod[method]; dup {
		return &gwerrors.AmbiguousRouteError{Method: method, Template: t.Raw}
	}
	byMethod[method] = &binding[V]{value: value, tmpl: t}
	if t.Verb != "" {
		b.verbs[t.Verb] = true
	}
	b.count++
	return nil
}

// Len returns the number of bindings inserted so far.
func (b *Builder[V]) Len() int {
	return b.count
}

// Build returns an immutable Matcher. The builder cannot be used afterwards.
func (b *Builder[V]) Build() *Matcher[V] {
	b.built = true
	return &Matcher[V]{root: b.root, verbs: b.verbs, count: b.count}
}

// Matcher resolves (method, path) to a bound value. It is read-only and safe
// for concurrent use.
type Matcher[V any] struct {
	root  *node[V]
	verbs map[string]bool
	count int
}

// Len returns the number of bindings.
func (m *Matcher[V]) Len() int {
	return m.count
}

// Lookup resolves method and path. Query string and fragment are ignored.
func (m *Matcher[V]) Lookup(method, path string) (*Match[V], bool) {
	if m == nil || m.root == nil {
		return nil, false
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	parts := splitPath(path)

	method = strings.ToUpper(method)

	// Only verbs some template registered are split off; if the verb form
	// does not match, the colon is retried as part of the last segment.
	if n := len(parts); n > 0 {
		last := parts[n-1]
		if i := strings.LastIndexByte(last, ':'); i >= 0 && m.verbs[last[i+1:]] {
			stripped := make([]string, n)
			copy(stripped, parts)
			stripped[n-1] = last[:i]
			if b := m.walk(method, last[i+1:], stripped); b != nil {
				return newMatch(b, stripped), true
			}
		}
	}

	b := m.walk(method, "", parts)
	if b == nil {
		return nil, false
	}
	return newMatch(b, parts), true
}

func (m *Matcher[V]) walk(method, verb string, parts []string) *binding[V] {
	decoded := make([]string, len(parts))
	for i, p := range parts {
		decoded[i] = decodeSegment(p)
	}
	w := walker[V]{method: method, verb: verb, decoded: decoded}
	return w.walk(m.root, 0)
}

func newMatch[V any](b *binding[V], parts []string) *Match[V] {
	return &Match[V]{
		Value:    b.value,
		Template: b.tmpl.Raw,
		Bindings: extractBindings(b.tmpl, parts),
	}
}

type walker[V any] struct {
	method  string
	verb    string
	decoded []string
}

// walk tries literal, then single wildcard, then multi wildcard, falling back
// to the next option when a branch dead-ends.
func (w *walker[V]) walk(n *node[V], i int) *binding[V] {
	if i == len(w.decoded) {
		return w.leaf(n)
	}
	if next, ok := n.literals[w.decoded[i]]; ok {
		if b := w.walk(next, i+1); b != nil {
			return b
		}
	}
	if n.single != nil {
		if b := w.walk(n.single, i+1); b != nil {
			return b
		}
	}
	if n.multi != nil {
		return w.leaf(n.multi)
	}
	return nil
}

func (w *walker[V]) leaf(n *node[V]) *binding[V] {
	byMethod := n.leaves[w.verb]
	if byMethod == nil {
		return nil
	}
	if b, ok := byMethod[w.method]; ok {
		return b
	}
	return byMethod[AnyMethod]
}

func splitPath(path string) []string {
	if path == "" || path == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(path, "/"), "/")
}

func decodeSegment(s string) string {
	if strings.IndexByte(s, '%') < 0 {
		return s
	}
	d, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return d
}

func extractBindings(t *Template, parts []string) []VariableBinding {
	if len(t.Variables) == 0 {
		return nil
	}
	out := make([]VariableBinding, 0, len(t.Variables))
	for _, v := range t.Variables {
		end := v.End
		if end == len(t.Segments) && end > 0 && t.Segments[end-1].Kind == Multi {
			end = len(parts)
		}
		if v.Start >= len(parts) || end > len(parts) {
			continue
		}
		var value string
		if end-v.Start == 1 && t.Segments[v.Start].Kind != Multi {
			value = decodeSegment(parts[v.Start])
		} else {
			segs := make([]string, 0, end-v.Start)
			for _, p := range parts[v.Start:end] {
				segs = append(segs, decodeKeepSlash(p))
			}
			value = strings.Join(segs, "/")
		}
		out = append(out, VariableBinding{FieldPath: v.FieldPath, Value: value})
	}
	return out
}

// decodeKeepSlash percent-decodes s but leaves an encoded '/' as "%2F" so a
// multi-segment capture keeps its segment boundaries.
func decodeKeepSlash(s string) string {
	if strings.IndexByte(s, '%') < 0 {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hex := s[i+1 : i+3]
			if strings.EqualFold(hex, "2F") {
				b.WriteString("%2F")
				i += 2
				continue
			}
			if d, err := url.PathUnescape(s[i : i+3]); err == nil {
				b.WriteString(d)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
