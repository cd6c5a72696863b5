package expr

import "strconv"

// Scope variables callable or readable inside an expression.
const (
	varJSON = "$json"
	varItem = "$item"
	varEnv  = "$env"
	varRun  = "$run"
	varNode = "$node"
)

const maxParseDepth = 32

type parser struct {
	toks  []token
	i     int
	depth int
}

// parse builds the restricted AST for src. Unknown identifiers, calls
// to anything outside the helper whitelist and every construct not in
// the grammar are rejected here with SandboxRejectedSyntaxError.
func parse(src string) (astNode, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokEOF {
		return nil, rejectf(p.cur().pos, "unexpected %q after expression", p.cur().text)
	}
	return node, nil
}

func (p *parser) cur() token { return p.toks[p.i] }

func (p *parser) advance() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	if p.cur().kind != kind {
		return token{}, rejectf(p.cur().pos, "expected %s, got %q", what, p.cur().text)
	}
	return p.advance(), nil
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxParseDepth {
		return rejectf(p.cur().pos, "expression nests too deeply")
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseExpr() (astNode, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokQuestion {
		return cond, nil
	}

	pos := p.advance().pos
	then, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokColon, "':'"); err != nil {
		return nil, err
	}
	els, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &ternaryNode{p: pos, cond: cond, then: then, els: els}, nil
}

func (p *parser) parseOr() (astNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOr {
		pos := p.advance().pos
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{p: pos, op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (astNode, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokAnd {
		pos := p.advance().pos
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{p: pos, op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseEquality() (astNode, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokEq || p.cur().kind == tokNotEq {
		t := p.advance()
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{p: t.pos, op: t.text, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseCompare() (astNode, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		k := p.cur().kind
		if k != tokLess && k != tokGreater && k != tokLessEq && k != tokGreaterEq {
			return left, nil
		}
		t := p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{p: t.pos, op: t.text, left: left, right: right}
	}
}

func (p *parser) parseAdditive() (astNode, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokPlus || p.cur().kind == tokMinus {
		t := p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{p: t.pos, op: t.text, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (astNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokStar || p.cur().kind == tokSlash || p.cur().kind == tokPercent {
		t := p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{p: t.pos, op: t.text, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (astNode, error) {
	if p.cur().kind == tokMinus || p.cur().kind == tokBang {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()

		t := p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{p: t.pos, op: t.text, x: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (astNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.cur().kind {
		case tokDot:
			pos := p.advance().pos
			field, err := p.expect(tokIdent, "property name")
			if err != nil {
				return nil, err
			}
			node = &memberNode{p: pos, object: node, field: field.text}

		case tokLBracket:
			pos := p.advance().pos
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			node = &indexNode{p: pos, object: node, index: idx}

		case tokLParen:
			// Calls are only allowed on bare whitelisted names, never
			// on computed values: `$json.fn()` and `(x)()` never parse.
			ident, ok := node.(*identNode)
			if !ok {
				return nil, rejectf(p.cur().pos, "only whitelisted helper functions may be called")
			}
			if !isCallable(ident.name) {
				return nil, rejectf(ident.p, "function %q is not in the sandbox whitelist", ident.name)
			}
			pos := p.advance().pos
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			node = &callNode{p: pos, name: ident.name, args: args}

		default:
			return node, nil
		}
	}
}

func (p *parser) parseArgs() ([]astNode, error) {
	var args []astNode
	if p.cur().kind == tokRParen {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.cur().kind == tokComma {
			p.advance()
			continue
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return args, nil
	}
}

func (p *parser) parsePrimary() (astNode, error) {
	t := p.cur()
	switch t.kind {
	case tokNumber:
		p.advance()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, rejectf(t.pos, "invalid number %q", t.text)
		}
		return &literalNode{p: t.pos, value: f}, nil

	case tokString:
		p.advance()
		return &literalNode{p: t.pos, value: t.text}, nil

	case tokIdent:
		p.advance()
		switch t.text {
		case "true":
			return &literalNode{p: t.pos, value: true}, nil
		case "false":
			return &literalNode{p: t.pos, value: false}, nil
		case "null":
			return &literalNode{p: t.pos, value: nil}, nil
		}
		if err := checkIdent(t); err != nil {
			return nil, err
		}
		return &identNode{p: t.pos, name: t.text}, nil

	case tokLParen:
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil

	default:
		return nil, rejectf(t.pos, "unexpected %q", t.text)
	}
}

// checkIdent statically restricts bare identifiers to scope variables,
// helper names and plain field names (which resolve against $json).
// Dollar-prefixed names outside the known set are rejected outright.
func checkIdent(t token) error {
	if t.text[0] == '$' {
		switch t.text {
		case varJSON, varItem, varEnv, varRun, varNode:
			return nil
		}
		return rejectf(t.pos, "unknown scope variable %q", t.text)
	}
	return nil
}

func isCallable(name string) bool {
	if name == varNode {
		return true
	}
	_, ok := helpers[name]
	return ok
}
