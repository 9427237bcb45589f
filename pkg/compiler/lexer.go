package compiler

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokQuotedIdent
	tokString
	tokNumber
	tokOperator
	tokComma
	tokDot
	tokLParen
	tokRParen
	tokSemicolon
	tokParam
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// upper returns the keyword form of an unquoted identifier.
func (t token) upper() string {
	if t.kind != tokIdent {
		return ""
	}
	return strings.ToUpper(t.text)
}

func (t token) isIdent() bool {
	return t.kind == tokIdent || t.kind == tokQuotedIdent
}

// is reports whether t is the unquoted keyword kw.
func (t token) is(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

var twoCharOperators = []string{"<=", ">=", "<>", "!=", "||", "::", "->", "=>", "**"}

// tokenize splits a SQL string into tokens. Comments and whitespace are dropped.
func tokenize(sql string) ([]token, error) {
	var tokens []token
	runes := []rune(sql)
	n := len(runes)

	for i := 0; i < n; {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '-' && i+1 < n && runes[i+1] == '-':
			for i < n && runes[i] != '\n' {
				i++
			}

		case r == '/' && i+1 < n && runes[i+1] == '*':
			j := i + 2
			for j+1 < n && (runes[j] != '*' || runes[j+1] != '/') {
				j++
			}
			if j+1 >= n {
				return nil, fmt.Errorf("unterminated comment at position %d", i)
			}
			i = j + 2

		case r == '\'':
			text, next, err := scanQuoted(runes, i, '\'')
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: text, pos: i})
			i = next

		case r == '"' || r == '`':
			text, next, err := scanQuoted(runes, i, r)
			if err != nil {
				return nil, err
			}
			if text == "" {
				return nil, fmt.Errorf("empty quoted identifier at position %d", i)
			}
			tokens = append(tokens, token{kind: tokQuotedIdent, text: text, pos: i})
			i = next

		case unicode.IsDigit(r) || (r == '.' && i+1 < n && unicode.IsDigit(runes[i+1])):
			start := i
			for i < n && (unicode.IsDigit(runes[i]) || runes[i] == '.' || runes[i] == '_') {
				i++
			}
			if i < n && (runes[i] == 'e' || runes[i] == 'E') {
				j := i + 1
				if j < n && (runes[j] == '+' || runes[j] == '-') {
					j++
				}
				if j < n && unicode.IsDigit(runes[j]) {
					i = j
					for i < n && unicode.IsDigit(runes[i]) {
						i++
					}
				}
			}
			tokens = append(tokens, token{kind: tokNumber, text: string(runes[start:i]), pos: start})

		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < n && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '$') {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: string(runes[start:i]), pos: start})

		case r == '$' || r == '?':
			start := i
			i++
			for i < n && unicode.IsDigit(runes[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokParam, text: string(runes[start:i]), pos: start})

		case r == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", pos: i})
			i++
		case r == '.':
			tokens = append(tokens, token{kind: tokDot, text: ".", pos: i})
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == ';':
			tokens = append(tokens, token{kind: tokSemicolon, text: ";", pos: i})
			i++

		default:
			if i+1 < n {
				pair := string(runes[i : i+2])
				matched := false
				for _, op := range twoCharOperators {
					if pair == op {
						tokens = append(tokens, token{kind: tokOperator, text: op, pos: i})
						i += 2
						matched = true
						break
					}
				}
				if matched {
					continue
				}
			}
			if strings.ContainsRune("=<>+-*/%|&^~!:[]{}", r) {
				tokens = append(tokens, token{kind: tokOperator, text: string(r), pos: i})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at position %d", r, i)
		}
	}

	return tokens, nil
}

// scanQuoted reads a quoted literal starting at runes[start]. A doubled quote
// character escapes itself.
func scanQuoted(runes []rune, start int, quote rune) (string, int, error) {
	var b strings.Builder
	for i := start + 1; i < len(runes); i++ {
		if runes[i] == quote {
			if i+1 < len(runes) && runes[i+1] == quote {
				b.WriteRune(quote)
				i++
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteRune(runes[i])
	}
	return "", 0, fmt.Errorf("unterminated quoted text at position %d", start)
}
