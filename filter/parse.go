package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

type token struct {
	text   string
	quoted bool
}

// Parse splits an expression string into conditions. It checks structure
// only; operator and field validation happen in Compile.
func Parse(input string) (Expression, error) {
	tokens, err := tokenize(input)
	if err != nil {
		return Expression{}, err
	}
	if len(tokens) == 0 {
		return Expression{}, nil
	}

	var expr Expression
	for i := 0; ; {
		if len(tokens)-i < 3 {
			return Expression{}, fmt.Errorf("incomplete condition at token %d", i+1)
		}
		expr.Conditions = append(expr.Conditions, Condition{
			Field:    tokens[i].text,
			Operator: strings.ToLower(tokens[i+1].text),
			Value:    literal(tokens[i+2]),
		})
		i += 3
		if i == len(tokens) {
			break
		}

		logic := strings.ToLower(tokens[i].text)
		if tokens[i].quoted || (logic != LogicAnd && logic != LogicOr) {
			return Expression{}, fmt.Errorf("expected 'and' or 'or', got %q", tokens[i].text)
		}
		if expr.Logic != "" && expr.Logic != logic {
			return Expression{}, fmt.Errorf("cannot mix 'and' and 'or' in one expression")
		}
		expr.Logic = logic
		i++
	}

	if expr.Logic == "" {
		expr.Logic = LogicAnd
	}
	return expr, nil
}

func tokenize(input string) ([]token, error) {
	var (
		tokens []token
		buf    strings.Builder
		quote  rune
		inWord bool
	)

	flush := func(quoted bool) {
		if inWord || quoted {
			tokens = append(tokens, token{text: buf.String(), quoted: quoted})
		}
		buf.Reset()
		inWord = false
	}

	for _, r := range input {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				flush(true)
				continue
			}
			buf.WriteRune(r)
		case r == '"' || r == '\'':
			if inWord {
				return nil, fmt.Errorf("unexpected quote inside %q", buf.String())
			}
			quote = r
		case unicode.IsSpace(r):
			flush(false)
		default:
			buf.WriteRune(r)
			inWord = true
		}
	}

	if quote != 0 {
		return nil, fmt.Errorf("unterminated quoted value")
	}
	flush(false)
	return tokens, nil
}

// literal converts an unquoted token to a number, bool or duration when it
// reads as one. Quoted tokens are always strings.
func literal(t token) any {
	if t.quoted {
		return t.text
	}
	if f, err := strconv.ParseFloat(t.text, 64); err == nil {
		return f
	}
	switch strings.ToLower(t.text) {
	case "true":
		return true
	case "false":
		return false
	}
	if d, err := time.ParseDuration(t.text); err == nil {
		return d
	}
	return t.text
}
