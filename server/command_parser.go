package server

import (
	"fmt"
	"strings"
)

// UnquoteString removes surrounding double quotes from a string if present
// and resolves backslash escapes.
func UnquoteString(str string) string {
	if len(str) < 2 || str[0] != '"' || str[len(str)-1] != '"' {
		return str
	}

	inner := str[1 : len(str)-1]

	// Process escape sequences
	var result strings.Builder
	result.Grow(len(inner))
	escaped := false
	for i := 0; i < len(inner); i++ {
		if escaped {
			result.WriteByte(inner[i])
			escaped = false
		} else if inner[i] == '\\' {
			escaped = true
		} else {
			result.WriteByte(inner[i])
		}
	}

	return result.String()
}

// SplitCommand separates the tag and the upper-cased command from the rest
// of the line, which is returned untouched for command-specific parsing.
func SplitCommand(line string, hasTag bool) (tag, command, rest string) {
	rem := strings.TrimSpace(line)
	if hasTag {
		tag, rem, _ = strings.Cut(rem, " ")
		rem = strings.TrimSpace(rem)
	}
	command, rest, _ = strings.Cut(rem, " ")
	return tag, strings.ToUpper(command), strings.TrimSpace(rest)
}

// Tokenize splits s on spaces that are outside quoted strings, parenthesized
// lists and bracketed sections. Quoted tokens keep their quotes.
func Tokenize(s string) ([]string, error) {
	var tokens []string
	depth := 0
	inQuote := false
	escaped := false
	start := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if start < 0 {
			if c == ' ' {
				continue
			}
			start = i
		}
		switch {
		case escaped:
			escaped = false
		case inQuote && c == '\\':
			escaped = true
		case c == '"':
			inQuote = !inQuote
		case inQuote:
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced %q at offset %d", c, i)
			}
		case c == ' ' && depth == 0:
			tokens = append(tokens, s[start:i])
			start = -1
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unclosed quote")
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses")
	}
	if start >= 0 {
		tokens = append(tokens, s[start:])
	}
	return tokens, nil
}

// ParseList returns the members of a parenthesized list. A bare token is
// treated as a list of one.
func ParseList(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "(") {
		if !strings.HasSuffix(s, ")") {
			return nil, fmt.Errorf("unterminated list")
		}
		s = s[1 : len(s)-1]
	}
	return Tokenize(s)
}
