package expr

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDot
	tokComma
	tokBang
	tokLess
	tokGreater
	tokLessEq
	tokGreaterEq
	tokEq
	tokNotEq
	tokAnd
	tokOr
	tokQuestion
	tokColon
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex tokenizes an expression. Any character outside the restricted
// grammar (assignment, statement separators, braces, backticks) is
// rejected here, before parsing even starts.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	n := len(src)

	for i < n {
		c := src[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c >= '0' && c <= '9':
			start := i
			for i < n && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})

		case c == '\'' || c == '"':
			quote := c
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < n {
				if src[i] == '\\' && i+1 < n {
					switch src[i+1] {
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					case '\\', '\'', '"':
						sb.WriteByte(src[i+1])
					default:
						return nil, rejectf(i, "unsupported escape sequence \\%c", src[i+1])
					}
					i += 2
					continue
				}
				if src[i] == quote {
					closed = true
					i++
					break
				}
				sb.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, rejectf(start, "unterminated string literal")
			}
			toks = append(toks, token{tokString, sb.String(), start})

		case isIdentStart(rune(c)):
			start := i
			for i < n && isIdentPart(rune(src[i])) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})

		case c == '&':
			if i+1 < n && src[i+1] == '&' {
				toks = append(toks, token{tokAnd, "&&", i})
				i += 2
			} else {
				return nil, rejectf(i, "bitwise operators are not allowed")
			}

		case c == '|':
			if i+1 < n && src[i+1] == '|' {
				toks = append(toks, token{tokOr, "||", i})
				i += 2
			} else {
				return nil, rejectf(i, "bitwise operators are not allowed")
			}

		case c == '=':
			if i+1 < n && src[i+1] == '=' {
				toks = append(toks, token{tokEq, "==", i})
				i += 2
			} else {
				return nil, rejectf(i, "assignment is not allowed")
			}

		case c == '!':
			if i+1 < n && src[i+1] == '=' {
				toks = append(toks, token{tokNotEq, "!=", i})
				i += 2
			} else {
				toks = append(toks, token{tokBang, "!", i})
				i++
			}

		case c == '<':
			if i+1 < n && src[i+1] == '=' {
				toks = append(toks, token{tokLessEq, "<=", i})
				i += 2
			} else {
				toks = append(toks, token{tokLess, "<", i})
				i++
			}

		case c == '>':
			if i+1 < n && src[i+1] == '=' {
				toks = append(toks, token{tokGreaterEq, ">=", i})
				i += 2
			} else {
				toks = append(toks, token{tokGreater, ">", i})
				i++
			}

		default:
			single := map[byte]tokenKind{
				'+': tokPlus, '-': tokMinus, '*': tokStar, '/': tokSlash,
				'%': tokPercent, '(': tokLParen, ')': tokRParen,
				'[': tokLBracket, ']': tokRBracket, '.': tokDot,
				',': tokComma, '?': tokQuestion, ':': tokColon,
			}
			kind, ok := single[c]
			if !ok {
				return nil, rejectf(i, "character %q is not allowed", string(c))
			}
			toks = append(toks, token{kind, string(c), i})
			i++
		}
	}

	toks = append(toks, token{tokEOF, "", n})
	return toks, nil
}

func isIdentStart(r rune) bool {
	return r == '$' || r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
