// Package blobpath parses and evaluates "container/name" path templates with
// {param} captures, e.g. "images/{name}.png" or "logs/{year}/{file}".
package blobpath

import (
	"fmt"
	"strings"
)

// Captures maps a capture name to the value it matched.
type Captures map[string]string

type token struct {
	literal string
	param   string
}

func (t token) isParam() bool { return t.param != "" }

// Pattern is an immutable, parsed path template.
type Pattern struct {
	raw       string
	container []token
	name      []token
	params    []string
}

// Parse compiles a template. Both segments are required; either may embed
// {identifier} captures. Adjacent captures and duplicate names are rejected.
func Parse(template string) (*Pattern, error) {
	containerPart, namePart, ok := strings.Cut(template, "/")
	if !ok {
		return nil, &ParseError{Template: template, Reason: "missing '/' between container and name"}
	}
	if containerPart == "" || namePart == "" {
		return nil, &ParseError{Template: template, Reason: "container and name segments must be non-empty"}
	}

	p := &Pattern{raw: template}
	seen := make(map[string]struct{})

	var err error
	if p.container, err = tokenize(template, containerPart, seen, &p.params); err != nil {
		return nil, err
	}
	if p.name, err = tokenize(template, namePart, seen, &p.params); err != nil {
		return nil, err
	}
	for i := range p.container {
		p.container[i].literal = strings.ToLower(p.container[i].literal)
	}
	return p, nil
}

// MustParse is Parse for templates known to be valid. It panics on error.
func MustParse(template string) *Pattern {
	p, err := Parse(template)
	if err != nil {
		panic(err)
	}
	return p
}

func tokenize(template, segment string, seen map[string]struct{}, params *[]string) ([]token, error) {
	var tokens []token
	var lit strings.Builder

	for i := 0; i < len(segment); i++ {
		switch c := segment[i]; c {
		case '}':
			return nil, &ParseError{Template: template, Reason: "unbalanced '}'"}
		case '{':
			end := strings.IndexByte(segment[i:], '}')
			if end < 0 {
				return nil, &ParseError{Template: template, Reason: "unbalanced '{'"}
			}
			name := segment[i+1 : i+end]
			if !validIdentifier(name) {
				return nil, &ParseError{Template: template, Reason: fmt.Sprintf("invalid capture name %q", name)}
			}
			if _, dup := seen[name]; dup {
				return nil, &ParseError{Template: template, Reason: fmt.Sprintf("duplicate capture %q", name)}
			}
			if lit.Len() > 0 {
				tokens = append(tokens, token{literal: lit.String()})
				lit.Reset()
			} else if len(tokens) > 0 && tokens[len(tokens)-1].isParam() {
				return nil, &ParseError{Template: template, Reason: fmt.Sprintf("capture %q directly follows another capture", name)}
			}
			seen[name] = struct{}{}
			*params = append(*params, name)
			tokens = append(tokens, token{param: name})
			i += end
		default:
			lit.WriteByte(c)
		}
	}
	if lit.Len() > 0 {
		tokens = append(tokens, token{literal: lit.String()})
	}
	return tokens, nil
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// String returns the template the pattern was parsed from.
func (p *Pattern) String() string { return p.raw }

// Params returns capture names in order of first appearance.
func (p *Pattern) Params() []string {
	out := make([]string, len(p.params))
	copy(out, p.params)
	return out
}

// HasParam reports whether the template declares the named capture.
func (p *Pattern) HasParam(name string) bool {
	for _, n := range p.params {
		if n == name {
			return true
		}
	}
	return false
}

// IsBound reports whether the template has no captures.
func (p *Pattern) IsBound() bool { return len(p.params) == 0 }

// Container returns the lower-cased container name when the container segment
// has no captures.
func (p *Pattern) Container() (string, bool) {
	if len(p.container) == 1 && !p.container[0].isParam() {
		return p.container[0].literal, true
	}
	return "", false
}

// Match extracts captures from a concrete "container/name" path.
func (p *Pattern) Match(path string) (Captures, bool) {
	container, name, err := Split(path)
	if err != nil {
		return nil, false
	}
	return p.MatchParts(container, name)
}

// MatchParts is Match with the path already split. Container comparison is
// case-insensitive and container captures are reported in lower case; the
// name segment is matched exactly.
func (p *Pattern) MatchParts(container, name string) (Captures, bool) {
	out := make(Captures, len(p.params))
	if !matchSegment(p.container, strings.ToLower(container), out) {
		return nil, false
	}
	if !matchSegment(p.name, name, out) {
		return nil, false
	}
	return out, true
}

// matchSegment walks tokens left to right. A capture followed by a literal
// stops at the first occurrence of that literal, except when the literal ends
// the segment, in which case it is anchored as a suffix (so "{name}.csv"
// matches "a.b.csv" with name "a.b"). A trailing capture takes the rest.
// Captures never match the empty string.
func matchSegment(tokens []token, s string, out Captures) bool {
	pos := 0
	last := len(tokens) - 1

	for k := 0; k <= last; k++ {
		tok := tokens[k]
		rest := s[pos:]

		if !tok.isParam() {
			if !strings.HasPrefix(rest, tok.literal) {
				return false
			}
			pos += len(tok.literal)
			continue
		}

		var value string
		switch {
		case k == last:
			value = rest
		case k+1 == last:
			next := tokens[k+1].literal
			if !strings.HasSuffix(rest, next) {
				return false
			}
			value = rest[:len(rest)-len(next)]
		default:
			idx := strings.Index(rest, tokens[k+1].literal)
			if idx < 0 {
				return false
			}
			value = rest[:idx]
		}
		if value == "" {
			return false
		}
		out[tok.param] = value
		pos += len(value)
	}
	return pos == len(s)
}

// Bind substitutes captures into the template and returns a concrete path.
// Container values are lower-cased, as Match reports them. A value that Match
// could not recover, because it contains the literal that follows its
// capture, is rejected.
func (p *Pattern) Bind(c Captures) (string, error) {
	container, err := bindSegment(p.container, c, true)
	if err != nil {
		return "", err
	}
	name, err := bindSegment(p.name, c, false)
	if err != nil {
		return "", err
	}
	return Join(container, name), nil
}

func bindSegment(tokens []token, c Captures, isContainer bool) (string, error) {
	var b strings.Builder
	last := len(tokens) - 1
	for k, tok := range tokens {
		if !tok.isParam() {
			b.WriteString(tok.literal)
			continue
		}
		v, ok := c[tok.param]
		if !ok || v == "" {
			return "", &MissingCaptureError{Name: tok.param}
		}
		if isContainer {
			if strings.Contains(v, "/") {
				return "", fmt.Errorf("capture %q value %q cannot contain '/' in the container segment", tok.param, v)
			}
			v = strings.ToLower(v)
		}
		// Mirrors matchSegment: only a capture that stops at the first
		// occurrence of the next literal is ambiguous.
		if k+1 < last {
			next := tokens[k+1].literal
			if strings.Index(v+next, next) != len(v) {
				return "", fmt.Errorf("capture %q value %q contains %q, which ends the capture", tok.param, v, next)
			}
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

// Split separates a concrete path into container and name at the first '/'.
func Split(path string) (container, name string, err error) {
	container, name, ok := strings.Cut(path, "/")
	if !ok || container == "" || name == "" {
		return "", "", fmt.Errorf("path %q is not of the form container/name", path)
	}
	return container, name, nil
}

// Join builds a concrete path from its segments.
func Join(container, name string) string {
	return container + "/" + name
}
