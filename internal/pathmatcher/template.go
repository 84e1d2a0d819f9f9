package pathmatcher

import (
	"net/url"
	"strings"

	gwerrors "github.com/wudi/scgate/internal/errors"
)

// SegmentKind is the kind of a compiled template segment.
type SegmentKind int

const (
	// Literal matches one segment equal to the (percent-decoded) literal.
	Literal SegmentKind = iota
	// Single matches exactly one segment.
	Single
	// Multi matches one or more remaining segments.
	Multi
)

// Segment is one compiled element of a template.
type Segment struct {
	Kind    SegmentKind
	Literal string // decoded, only for Literal
}

// Variable describes a named capture over Segments[Start:End].
type Variable struct {
	FieldPath string
	Start     int
	End       int
}

// Template is a parsed URL template.
//
//	Template = "/" Segments [ ":" Verb ] ;
//	Segments = Segment { "/" Segment } ;
//	Segment  = "*" | "**" | LITERAL | Variable ;
//	Variable = "{" FieldPath [ "=" Segments ] "}" ;
type Template struct {
	Raw       string
	Segments  []Segment
	Verb      string
	Variables []Variable
}

// Key is the compiled shape of the template. Two templates with the same key
// land on the same trie leaf.
func (t *Template) Key() string {
	var b strings.Builder
	for _, s := range t.Segments {
		b.WriteByte('/')
		switch s.Kind {
		case Literal:
			b.WriteString(url.PathEscape(s.Literal))
		case Single:
			b.WriteByte('*')
		case Multi:
			b.WriteString("**")
		}
	}
	if len(t.Segments) == 0 {
		b.WriteByte('/')
	}
	if t.Verb != "" {
		b.WriteByte(':')
		b.WriteString(t.Verb)
	}
	return b.String()
}

// Parse compiles a URL template.
func Parse(tmpl string) (*Template, error) {
	p := &parser{src: tmpl}
	return p.parse()
}

type parser struct {
	src  string
	pos  int
	out  Template
	vars map[string]bool
}

func (p *parser) fail(reason string) error {
	return &gwerrors.TemplateParseError{Template: p.src, Pos: p.pos, Reason: reason}
}

func (p *parser) parse() (*Template, error) {
	p.out.Raw = p.src
	if p.src == "" || p.src[0] != '/' {
		return nil, p.fail("template must start with '/'")
	}
	if p.src == "/" {
		return &p.out, nil
	}

	body, verb, err := p.splitVerb()
	if err != nil {
		return nil, err
	}
	p.out.Verb = verb

	p.pos = 1
	if err := p.parseSegments(body, false); err != nil {
		return nil, err
	}
	if p.pos != len(body) {
		return nil, p.fail("unexpected character")
	}

	for i, s := range p.out.Segments {
		if s.Kind == Multi && i != len(p.out.Segments)-1 {
			return nil, &gwerrors.TemplateParseError{Template: p.src, Reason: "'**' must be the last segment"}
		}
	}
	return &p.out, nil
}

// splitVerb separates a trailing ":verb" on the last segment, ignoring colons
// inside variables.
func (p *parser) splitVerb() (string, string, error) {
	depth := 0
	lastSlash, colon := -1, -1
	for i := 0; i < len(p.src); i++ {
		switch p.src[i] {
		case '{':
			depth++
		case '}':
			depth--
		case '/':
			if depth == 0 {
				lastSlash = i
				colon = -1
			}
		case ':':
			if depth == 0 && i > lastSlash {
				colon = i
			}
		}
	}
	if colon < 0 {
		return p.src, "", nil
	}
	verb := p.src[colon+1:]
	if verb == "" {
		p.pos = colon
		return "", "", p.fail("empty verb")
	}
	if strings.ContainsAny(verb, "{}*/") {
		p.pos = colon + 1
		return "", "", p.fail("invalid verb")
	}
	return p.src[:colon], verb, nil
}

func (p *parser) parseSegments(body string, inVar bool) error {
	for {
		if err := p.parseSegment(body, inVar); err != nil {
			return err
		}
		if p.pos < len(body) && body[p.pos] == '/' {
			p.pos++
			continue
		}
		return nil
	}
}

func (p *parser) parseSegment(body string, inVar bool) error {
	if p.pos >= len(body) {
		return p.fail("empty segment")
	}
	switch {
	case body[p.pos] == '{':
		if inVar {
			return p.fail("nested variable")
		}
		return p.parseVariable(body)
	case strings.HasPrefix(body[p.pos:], "**"):
		p.pos += 2
		p.out.Segments = append(p.out.Segments, Segment{Kind: Multi})
	case body[p.pos] == '*':
		p.pos++
		p.out.Segments = append(p.out.Segments, Segment{Kind: Single})
	default:
		return p.parseLiteral(body)
	}
	if p.pos < len(body) && body[p.pos] != '/' && body[p.pos] != '}' {
		return p.fail("wildcard must be a whole segment")
	}
	return nil
}

func (p *parser) parseLiteral(body string) error {
	start := p.pos
	for p.pos < len(body) {
		c := body[p.pos]
		if c == '/' || c == '}' {
			break
		}
		if c == '{' || c == '*' || c == '=' {
			return p.fail("unexpected '" + string(c) + "' in literal")
		}
		p.pos++
	}
	raw := body[start:p.pos]
	if raw == "" {
		return p.fail("empty segment")
	}
	lit, err := url.PathUnescape(raw)
	if err != nil {
		return p.fail("bad escape in literal")
	}
	p.out.Segments = append(p.out.Segments, Segment{Kind: Literal, Literal: lit})
	return nil
}

func (p *parser) parseVariable(body string) error {
	p.pos++ // '{'
	start := p.pos
	for p.pos < len(body) && body[p.pos] != '=' && body[p.pos] != '}' {
		if body[p.pos] == '{' {
			return p.fail("nested variable")
		}
		p.pos++
	}
	if p.pos >= len(body) {
		return p.fail("unterminated variable")
	}
	field := body[start:p.pos]
	if !validFieldPath(field) {
		p.pos = start
		return p.fail("invalid field path " + `"` + field + `"`)
	}
	if p.vars == nil {
		p.vars = make(map[string]bool)
	}
	if p.vars[field] {
		p.pos = start
		return p.fail("duplicate variable " + field)
	}
	p.vars[field] = true

	v := Variable{FieldPath: field, Start: len(p.out.Segments)}
	if body[p.pos] == '=' {
		p.pos++
		if err := p.parseSegments(body, true); err != nil {
			return err
		}
	} else {
		p.out.Segments = append(p.out.Segments, Segment{Kind: Single})
	}
	if p.pos >= len(body) || body[p.pos] != '}' {
		return p.fail("unterminated variable")
	}
	p.pos++
	v.End = len(p.out.Segments)
	p.out.Variables = append(p.out.Variables, v)
	return nil
}

func validFieldPath(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for i := 0; i < len(part); i++ {
			c := part[i]
			switch {
			case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			case c >= '0' && c <= '9' && i > 0:
			default:
				return false
			}
		}
	}
	return true
}
