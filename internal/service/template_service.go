package service

import (
	"fmt"
	"strconv"
	"strings"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// MissingField is a non-fatal render warning.
type MissingField struct {
	RecipientID string
	Path        string
}

func (m MissingField) String() string {
	return fmt.Sprintf("recipient %s has no value for {%s}", m.RecipientID, m.Path)
}

type segment struct {
	literal string
	path    string
}

// Template is a parsed message body. Placeholders are {dotted.path};
// {{ and }} render literal braces.
type Template struct {
	body     string
	segments []segment
}

// ParseTemplate validates body and returns an ErrTemplateSyntax on the first malformed token.
func ParseTemplate(body string) (*Template, error) {
	t := &Template{body: body}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(body); {
		c := body[i]
		switch {
		case c == '{' && i+1 < len(body) && body[i+1] == '{':
			lit.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(body) && body[i+1] == '}':
			lit.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(body[i+1:], '}')
			if end < 0 {
				return nil, appErrors.NewTemplateSyntax(i, "unclosed placeholder")
			}
			path := strings.TrimSpace(body[i+1 : i+1+end])
			if path == "" {
				return nil, appErrors.NewTemplateSyntax(i, "empty placeholder")
			}
			if !validPath(path) {
				return nil, appErrors.NewTemplateSyntax(i, fmt.Sprintf("invalid placeholder %q", path))
			}
			flush()
			t.segments = append(t.segments, segment{path: path})
			i += end + 2
		case c == '}':
			return nil, appErrors.NewTemplateSyntax(i, "unmatched closing brace")
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return t, nil
}

func validPath(path string) bool {
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				return false
			}
		}
	}
	return true
}

// Placeholders lists the field paths in order of appearance.
func (t *Template) Placeholders() []string {
	var paths []string
	for _, s := range t.segments {
		if s.path != "" {
			paths = append(paths, s.path)
		}
	}
	return paths
}

// Render substitutes recipient fields. Missing values render as "".
func (t *Template) Render(r model.Recipient) (string, []MissingField) {
	var (
		out      strings.Builder
		warnings []MissingField
	)
	for _, s := range t.segments {
		if s.path == "" {
			out.WriteString(s.literal)
			continue
		}
		v, ok := r.Lookup(s.path)
		if !ok {
			warnings = append(warnings, MissingField{RecipientID: r.ID, Path: s.path})
			continue
		}
		out.WriteString(formatValue(v))
	}
	return out.String(), warnings
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// RenderTemplate parses and renders in one step.
func RenderTemplate(body string, r model.Recipient) (string, []MissingField, error) {
	t, err := ParseTemplate(body)
	if err != nil {
		return "", nil, err
	}
	text, warnings := t.Render(r)
	return text, warnings, nil
}
