package fakeserver

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrDivisionByZero is returned by Evaluate for x/0.
var ErrDivisionByZero = errors.New("division by zero")

// Evaluate computes an arithmetic expression over + - * / and parentheses.
// Integer mode truncates division toward zero; float mode formats the
// result with four decimals.
func Evaluate(expr string, float bool) (string, error) {
	p := &parser{src: expr, float: float}
	v, err := p.expr()
	if err != nil {
		return "", err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return "", fmt.Errorf("unexpected %q at %d", p.src[p.pos], p.pos)
	}
	if float {
		return strconv.FormatFloat(v.f, 'f', 4, 64), nil
	}
	return strconv.FormatInt(v.i, 10), nil
}

type value struct {
	i int64
	f float64
}

type parser struct {
	src   string
	pos   int
	float bool
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

// expr := term (('+' | '-') term)*
func (p *parser) expr() (value, error) {
	left, err := p.term()
	if err != nil {
		return value{}, err
	}
	for {
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.term()
		if err != nil {
			return value{}, err
		}
		if op == '+' {
			left = value{i: left.i + right.i, f: left.f + right.f}
		} else {
			left = value{i: left.i - right.i, f: left.f - right.f}
		}
	}
}

// term := factor (('*' | '/') factor)*
func (p *parser) term() (value, error) {
	left, err := p.factor()
	if err != nil {
		return value{}, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.factor()
		if err != nil {
			return value{}, err
		}
		if op == '*' {
			left = value{i: left.i * right.i, f: left.f * right.f}
			continue
		}
		if (p.float && right.f == 0) || (!p.float && right.i == 0) {
			return value{}, ErrDivisionByZero
		}
		var q int64
		if right.i != 0 {
			q = left.i / right.i
		}
		left = value{i: q, f: left.f / right.f}
	}
}

// factor := number | '(' expr ')' | '-' factor
func (p *parser) factor() (value, error) {
	switch c := p.peek(); {
	case c == '(':
		p.pos++
		v, err := p.expr()
		if err != nil {
			return value{}, err
		}
		if p.peek() != ')' {
			return value{}, fmt.Errorf("missing ')' at %d", p.pos)
		}
		p.pos++
		return v, nil
	case c == '-':
		p.pos++
		v, err := p.factor()
		if err != nil {
			return value{}, err
		}
		return value{i: -v.i, f: -v.f}, nil
	case c >= '0' && c <= '9':
		start := p.pos
		for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
		}
		n, err := strconv.ParseInt(p.src[start:p.pos], 10, 64)
		if err != nil {
			return value{}, err
		}
		return value{i: n, f: float64(n)}, nil
	case c == 0:
		return value{}, errors.New("unexpected end of expression")
	default:
		return value{}, fmt.Errorf("unexpected %q at %d", c, p.pos)
	}
}
