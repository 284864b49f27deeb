// Package parser is the default signature-parsing collaborator used by the
// worker. It understands declarations of the shape
//
//	[modifiers] action Name<T1, T2>(a : Integer, b : Text) : Boolean
//
// and reduces them to the structured description the host asks for: the
// name, the parameter names in declaration order, the type parameter names,
// and whether the declaration has a return type. A `Unit` (or absent) return
// type counts as no return type.
//
// A production deployment swaps this for a grammar-backed parser behind the
// same interface; the wire protocol does not care which one answers.
package parser

import (
	"fmt"
	"strings"
)

// declaration keywords that introduce a method signature.
var keywords = map[string]bool{
	"action":    true,
	"operation": true,
}

// modifiers that may precede the keyword.
var modifiers = map[string]bool{
	"public":    true,
	"private":   true,
	"system":    true,
	"blueprint": true,
}

// Error is a structured parse failure. Kind is a stable category name carried
// to the host inside an error payload.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func parseErr(format string, args ...any) *Error {
	return &Error{Kind: "SignatureParseError", Message: fmt.Sprintf(format, args...)}
}

// Signature is the parsed form of a method declaration.
type Signature struct {
	Name               string
	ParameterNames     []string
	TypeParameterNames []string
	HasReturnType      bool
}

// Parser parses method signatures.
type Parser struct{}

// New returns a Parser.
func New() *Parser {
	return &Parser{}
}

// ParseMethodSignature parses one signature string.
func (p *Parser) ParseMethodSignature(signature string) (*Signature, error) {
	s := strings.TrimSpace(signature)
	if s == "" {
		return nil, parseErr("signature is empty")
	}

	// Strip a trailing body; declarations arrive with or without one.
	if i := strings.Index(s, "{"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}

	rest, err := consumeKeyword(s)
	if err != nil {
		return nil, err
	}

	name, rest, err := consumeName(rest)
	if err != nil {
		return nil, err
	}

	sig := &Signature{
		Name:               name,
		ParameterNames:     []string{},
		TypeParameterNames: []string{},
	}

	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "<") {
		var inner string
		inner, rest, err = consumeDelimited(rest, '<', '>')
		if err != nil {
			return nil, err
		}
		for _, tp := range splitTopLevel(inner) {
			tp = strings.TrimSpace(tp)
			if tp == "" {
				return nil, parseErr("empty type parameter in %q", signature)
			}
			sig.TypeParameterNames = append(sig.TypeParameterNames, tp)
		}
		rest = strings.TrimSpace(rest)
	}

	if strings.HasPrefix(rest, "(") {
		var inner string
		inner, rest, err = consumeDelimited(rest, '(', ')')
		if err != nil {
			return nil, err
		}
		for _, param := range splitTopLevel(inner) {
			pname, err := parameterName(param)
			if err != nil {
				return nil, err
			}
			sig.ParameterNames = append(sig.ParameterNames, pname)
		}
		rest = strings.TrimSpace(rest)
	}

	if strings.HasPrefix(rest, "returns ") {
		rest = ":" + strings.TrimPrefix(rest, "returns")
	}
	if strings.HasPrefix(rest, ":") {
		ret := strings.TrimSpace(rest[1:])
		if ret == "" {
			return nil, parseErr("missing return type after ':' in %q", signature)
		}
		sig.HasReturnType = ret != "Unit"
	} else if rest != "" {
		return nil, parseErr("unexpected trailing input %q", rest)
	}

	return sig, nil
}

// consumeKeyword skips leading modifiers and the declaration keyword.
func consumeKeyword(s string) (string, error) {
	fields := strings.Fields(s)
	for i, f := range fields {
		if keywords[f] {
			return strings.TrimSpace(strings.Join(fields[i+1:], " ")), nil
		}
		if !modifiers[f] {
			return "", parseErr("expected declaration keyword, got %q", f)
		}
	}
	return "", parseErr("missing declaration keyword in %q", s)
}

// consumeName takes the method name off the front of s. The name ends at
// whitespace, '<', '(' or ':'.
func consumeName(s string) (string, string, error) {
	s = strings.TrimSpace(s)
	end := len(s)
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '<' || r == '(' || r == ':' {
			end = i
			break
		}
	}
	name := s[:end]
	if name == "" {
		return "", "", parseErr("missing method name")
	}
	return name, s[end:], nil
}

// consumeDelimited returns the content between a balanced open/close pair at
// the front of s, and everything after the closer.
func consumeDelimited(s string, open, closer byte) (string, string, error) {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[1:i], s[i+1:], nil
			}
		}
	}
	return "", "", parseErr("unbalanced %q in %q", string(open), s)
}

// splitTopLevel splits on commas that are not nested inside brackets.
func splitTopLevel(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var parts []string
	depth := 0
	last := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<', '(':
			depth++
		case '>', ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}

// parameterName extracts the name from a `name : Type` parameter declaration.
func parameterName(param string) (string, error) {
	param = strings.TrimSpace(param)
	if param == "" {
		return "", parseErr("empty parameter declaration")
	}
	name := param
	if i := strings.Index(param, ":"); i >= 0 {
		name = strings.TrimSpace(param[:i])
		if strings.TrimSpace(param[i+1:]) == "" {
			return "", parseErr("parameter %q is missing a type", name)
		}
	} else {
		// `Type name` style is not supported; a bare token is the name.
		if strings.ContainsAny(name, " \t") {
			return "", parseErr("cannot determine parameter name in %q", param)
		}
	}
	if name == "" {
		return "", parseErr("parameter in %q is missing a name", param)
	}
	return name, nil
}
