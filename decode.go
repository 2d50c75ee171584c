package miniscript

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/txscript"
)

// Decoding works backwards over the script tokens. The last opcode of every
// fragment's encoding identifies the fragment, so a right-to-left recursive
// descent can rebuild the tree without lookahead beyond a few tokens. The
// only fragment without a marker opcode is and_v, whose encoding is the
// plain concatenation of its children. It is recognized by an extension
// loop: after parsing an expression, if the preceding token can only end a
// verify expression, the decoder speculatively parses that expression and
// joins the two with and_v. Nested and_v chains come out right-associated.

func malformedError(format string, args ...interface{}) error {
	return miniscriptError(ErrMalformedScript, format, args...)
}

// token is a single script opcode together with its pushed data, if any.
type token struct {
	op   byte
	data []byte
}

// parseScriptNum interprets data as a minimally encoded CScriptNum of up to
// five bytes, the format consumed by OP_CHECKSEQUENCEVERIFY and
// OP_CHECKLOCKTIMEVERIFY.
func parseScriptNum(data []byte) (int64, error) {
	if len(data) > 5 {
		return 0, malformedError("number push of %d bytes exceeds the "+
			"5 byte limit", len(data))
	}
	if len(data) > 0 {
		// The most significant byte must carry more than just the
		// sign bit, otherwise a shorter encoding exists.
		if data[len(data)-1]&0x7f == 0 {
			if len(data) == 1 || data[len(data)-2]&0x80 == 0 {
				return 0, malformedError("number push %x is "+
					"not minimally encoded", data)
			}
		}
	}
	var result int64
	for i, b := range data {
		result |= int64(b) << (8 * i)
	}
	// Apply the sign bit of the most significant byte.
	if data[len(data)-1]&0x80 != 0 {
		result &= ^(int64(0x80) << (8 * (len(data) - 1)))
		result = -result
	}
	return result, nil
}

// scriptParser consumes a token slice from the end towards the front.
type scriptParser struct {
	ctx    Context
	tokens []token
	pos    int
}

// peekAt returns the n-th token from the current position without consuming
// it, where n=1 is the token that pop would return next.
func (p *scriptParser) peekAt(n int) (token, bool) {
	if p.pos < n {
		return token{}, false
	}
	return p.tokens[p.pos-n], true
}

func (p *scriptParser) pop() (token, error) {
	if p.pos == 0 {
		return token{}, malformedError("unexpected start of script")
	}
	p.pos--
	return p.tokens[p.pos], nil
}

// popOp consumes the next token and checks that it is the given opcode.
func (p *scriptParser) popOp(op byte) error {
	t, err := p.pop()
	if err != nil {
		return err
	}
	if t.data != nil || t.op != op {
		return malformedError("expected opcode 0x%02x, got 0x%02x",
			op, t.op)
	}
	return nil
}

// popData consumes the next token and checks that it pushes exactly n bytes.
func (p *scriptParser) popData(n int) ([]byte, error) {
	t, err := p.pop()
	if err != nil {
		return nil, err
	}
	if t.data == nil || len(t.data) != n {
		return nil, malformedError("expected a %d byte push", n)
	}
	return t.data, nil
}

// popNum consumes the next token as a number, accepting both the small
// integer opcodes and minimal data pushes.
func (p *scriptParser) popNum() (int64, error) {
	t, err := p.pop()
	if err != nil {
		return 0, err
	}
	if t.data != nil {
		return parseScriptNum(t.data)
	}
	switch {
	case t.op == txscript.OP_0:
		return 0, nil
	case t.op >= txscript.OP_1 && t.op <= txscript.OP_16:
		return int64(t.op-txscript.OP_1) + 1, nil
	}
	return 0, malformedError("expected a number, got opcode 0x%02x", t.op)
}

// popLockNum reads a timelock value for older or after.
func (p *scriptParser) popLockNum(identifier string) (*AST, error) {
	n, err := p.popNum()
	if err != nil {
		return nil, err
	}
	if n < 1 || n >= 1<<31 {
		return nil, malformedError("%s(n) -> n must 1 ≤ n < 2^31, "+
			"but got: %d", identifier, n)
	}
	return newNum(uint64(n)), nil
}

func wrapNode(identifier string, inner *AST) *AST {
	return &AST{identifier: identifier, args: []*AST{inner}}
}

// vShaped reports whether the expression can have type V. It is used to
// decide whether an and_v extension of the current expression is possible.
func vShaped(a *AST) bool {
	switch a.identifier {
	case f_wrap_v, f_or_c:
		return true
	case f_or_i:
		return vShaped(a.args[0]) && vShaped(a.args[1])
	case f_andor:
		return vShaped(a.args[1]) && vShaped(a.args[2])
	case f_and_v:
		return vShaped(a.args[1])
	}
	return false
}

// vEnder reports whether the opcode can be the final opcode of a verify
// expression. Only these opcodes can precede the second child of an and_v.
func vEnder(op byte) bool {
	switch op {
	case txscript.OP_VERIFY, txscript.OP_CHECKSIGVERIFY,
		txscript.OP_EQUALVERIFY, txscript.OP_CHECKMULTISIGVERIFY,
		txscript.OP_NUMEQUALVERIFY, txscript.OP_ENDIF:

		return true
	}
	return false
}

// parseExpr parses one expression, then repeatedly tries to extend it on the
// left with a verify expression, forming and_v. A failed extension attempt
// is rolled back, so the tokens remain available to the enclosing fragment.
func (p *scriptParser) parseExpr() (*AST, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peekAt(1)
		if !ok || t.data != nil || !vEnder(t.op) {
			return node, nil
		}
		savedPos := p.pos
		left, err := p.parsePrimary()
		if err != nil || !vShaped(left) {
			p.pos = savedPos
			return node, nil
		}
		node = &AST{identifier: f_and_v, args: []*AST{left, node}}
	}
}

// parsePrimary parses a single expression without and_v extension, keyed on
// the expression's final opcode.
func (p *scriptParser) parsePrimary() (*AST, error) {
	t, ok := p.peekAt(1)
	if !ok {
		return nil, malformedError("unexpected start of script")
	}

	if t.data != nil {
		// A bare push is the key of pk_k.
		key, err := p.popData(p.ctx.pubKeyLen())
		if err != nil {
			return nil, err
		}
		return &AST{
			identifier: f_pk_k,
			args:       []*AST{newArg(key)},
		}, nil
	}

	switch t.op {
	case txscript.OP_0:
		p.pos--
		return &AST{identifier: f_0}, nil

	case txscript.OP_1:
		p.pos--
		return &AST{identifier: f_1}, nil

	case txscript.OP_CHECKSIG:
		p.pos--
		inner, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return wrapNode(f_wrap_c, inner), nil

	case txscript.OP_CHECKSIGVERIFY:
		p.pos--
		inner, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return wrapNode(f_wrap_v, wrapNode(f_wrap_c, inner)), nil

	case txscript.OP_CHECKMULTISIG, txscript.OP_CHECKMULTISIGVERIFY:
		p.pos--
		node, err := p.parseMulti()
		if err != nil {
			return nil, err
		}
		if t.op == txscript.OP_CHECKMULTISIGVERIFY {
			node = wrapNode(f_wrap_v, node)
		}
		return node, nil

	case txscript.OP_NUMEQUAL, txscript.OP_NUMEQUALVERIFY:
		p.pos--
		node, err := p.parseMultiA()
		if err != nil {
			return nil, err
		}
		if t.op == txscript.OP_NUMEQUALVERIFY {
			node = wrapNode(f_wrap_v, node)
		}
		return node, nil

	case txscript.OP_CHECKSEQUENCEVERIFY:
		p.pos--
		num, err := p.popLockNum(f_older)
		if err != nil {
			return nil, err
		}
		return &AST{identifier: f_older, args: []*AST{num}}, nil

	case txscript.OP_CHECKLOCKTIMEVERIFY:
		p.pos--
		num, err := p.popLockNum(f_after)
		if err != nil {
			return nil, err
		}
		return &AST{identifier: f_after, args: []*AST{num}}, nil

	case txscript.OP_EQUAL:
		p.pos--
		return p.parseEqualEnded(false)

	case txscript.OP_EQUALVERIFY:
		if p.isPkh() {
			return p.parsePkh()
		}
		p.pos--
		return p.parseEqualEnded(true)

	case txscript.OP_VERIFY:
		p.pos--
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return wrapNode(f_wrap_v, inner), nil

	case txscript.OP_0NOTEQUAL:
		p.pos--
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return wrapNode(f_wrap_n, inner), nil

	case txscript.OP_FROMALTSTACK:
		p.pos--
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.popOp(txscript.OP_TOALTSTACK); err != nil {
			return nil, err
		}
		return wrapNode(f_wrap_a, inner), nil

	case txscript.OP_BOOLAND:
		p.pos--
		w, err := p.parseWSlot()
		if err != nil {
			return nil, err
		}
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &AST{identifier: f_and_b, args: []*AST{x, w}}, nil

	case txscript.OP_BOOLOR:
		p.pos--
		w, err := p.parseWSlot()
		if err != nil {
			return nil, err
		}
		x, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &AST{identifier: f_or_b, args: []*AST{x, w}}, nil

	case txscript.OP_ENDIF:
		p.pos--
		return p.parseIfFamily()
	}

	return nil, malformedError("unexpected opcode 0x%02x", t.op)
}

// isPkh reports whether the tokens before the current position end in the
// key hash check of pk_h: OP_DUP OP_HASH160 <20 bytes> OP_EQUALVERIFY. The
// OP_DUP distinguishes it from a collapsed v:hash160, which has the size
// guard's OP_EQUALVERIFY in that position.
func (p *scriptParser) isPkh() bool {
	hash, ok := p.peekAt(2)
	if !ok || len(hash.data) != 20 {
		return false
	}
	op3, ok := p.peekAt(3)
	if !ok || op3.data != nil || op3.op != txscript.OP_HASH160 {
		return false
	}
	op4, ok := p.peekAt(4)
	return ok && op4.data == nil && op4.op == txscript.OP_DUP
}

func (p *scriptParser) parsePkh() (*AST, error) {
	if err := p.popOp(txscript.OP_EQUALVERIFY); err != nil {
		return nil, err
	}
	hash, err := p.popData(20)
	if err != nil {
		return nil, err
	}
	if err := p.popOp(txscript.OP_HASH160); err != nil {
		return nil, err
	}
	if err := p.popOp(txscript.OP_DUP); err != nil {
		return nil, err
	}
	// The script only commits to the key hash, so the key argument
	// carries the hash instead of a key value.
	return &AST{
		identifier: f_pk_h,
		args: []*AST{{
			identifier: hex.EncodeToString(hash),
			pkHash:     hash,
		}},
	}, nil
}

// parseEqualEnded handles the fragments whose encoding ends in OP_EQUAL, or
// in OP_EQUALVERIFY when the verify collapsed into it: the four hash locks
// and thresh. The final (NUM)EQUAL opcode has already been consumed.
func (p *scriptParser) parseEqualEnded(verify bool) (*AST, error) {
	var node *AST
	if identifier, hashLen, ok := p.hashLockShape(); ok {
		hash, err := p.popData(hashLen)
		if err != nil {
			return nil, err
		}
		if _, err := p.pop(); err != nil { // the hash opcode
			return nil, err
		}
		if err := p.popOp(txscript.OP_EQUALVERIFY); err != nil {
			return nil, err
		}
		size, err := p.popData(1)
		if err != nil {
			return nil, err
		}
		if size[0] != 32 {
			return nil, malformedError("hash lock guards the "+
				"preimage size with %d instead of 32", size[0])
		}
		if err := p.popOp(txscript.OP_SIZE); err != nil {
			return nil, err
		}
		node = &AST{
			identifier: identifier,
			args:       []*AST{newArg(hash)},
		}
	} else {
		var err error
		node, err = p.parseThresh()
		if err != nil {
			return nil, err
		}
	}
	if verify {
		node = wrapNode(f_wrap_v, node)
	}
	return node, nil
}

// hashLockShape inspects whether the next tokens are the hash push of one of
// the four hash lock fragments, returning the fragment identifier and the
// expected hash length.
func (p *scriptParser) hashLockShape() (string, int, bool) {
	hash, ok := p.peekAt(1)
	if !ok || hash.data == nil {
		return "", 0, false
	}
	hashOp, ok := p.peekAt(2)
	if !ok || hashOp.data != nil {
		return "", 0, false
	}
	switch {
	case len(hash.data) == 32 && hashOp.op == txscript.OP_SHA256:
		return f_sha256, 32, true
	case len(hash.data) == 32 && hashOp.op == txscript.OP_HASH256:
		return f_hash256, 32, true
	case len(hash.data) == 20 && hashOp.op == txscript.OP_RIPEMD160:
		return f_ripemd160, 20, true
	case len(hash.data) == 20 && hashOp.op == txscript.OP_HASH160:
		return f_hash160, 20, true
	}
	return "", 0, false
}

// parseThresh parses the body of thresh after its final OP_EQUAL: the
// threshold value, then alternating OP_ADD and W expressions, and finally
// the first subexpression.
func (p *scriptParser) parseThresh() (*AST, error) {
	k, err := p.popNum()
	if err != nil {
		return nil, err
	}
	if k < 1 {
		return nil, malformedError("thresh(k) -> k must 1 ≤ k ≤ n, "+
			"but got: %d", k)
	}
	var subs []*AST
	for {
		t, ok := p.peekAt(1)
		if !ok || t.data != nil || t.op != txscript.OP_ADD {
			break
		}
		p.pos--
		w, err := p.parseWSlot()
		if err != nil {
			return nil, err
		}
		subs = append([]*AST{w}, subs...)
	}
	if len(subs) == 0 {
		return nil, malformedError("thresh must have at least two " +
			"subexpressions")
	}
	first, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	args := make([]*AST, 0, len(subs)+2)
	args = append(args, newNum(uint64(k)), first)
	args = append(args, subs...)
	if k > int64(len(args)-1) {
		return nil, malformedError("thresh(k) -> k must 1 ≤ k ≤ n, "+
			"but got: %d of %d", k, len(args)-1)
	}
	return &AST{identifier: f_thresh, args: args}, nil
}

// parseWSlot parses an expression in a W position: either an altstack
// detour (a:) or a swapped one-input expression (s:).
func (p *scriptParser) parseWSlot() (*AST, error) {
	if t, ok := p.peekAt(1); ok && t.data == nil &&
		t.op == txscript.OP_FROMALTSTACK {

		// The altstack case of parsePrimary consumes the matching
		// OP_TOALTSTACK.
		return p.parsePrimary()
	}
	inner, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.popOp(txscript.OP_SWAP); err != nil {
		return nil, err
	}
	return wrapNode(f_wrap_s, inner), nil
}

// parseMulti parses multi after its final OP_CHECKMULTISIG(VERIFY).
func (p *scriptParser) parseMulti() (*AST, error) {
	n, err := p.popNum()
	if err != nil {
		return nil, err
	}
	if n < 1 || n > multisigMaxKeys {
		return nil, malformedError("multi must have between 1 and %d "+
			"keys, got %d", multisigMaxKeys, n)
	}
	keys := make([]*AST, n)
	for i := int64(n) - 1; i >= 0; i-- {
		key, err := p.popData(p.ctx.pubKeyLen())
		if err != nil {
			return nil, err
		}
		keys[i] = newArg(key)
	}
	k, err := p.popNum()
	if err != nil {
		return nil, err
	}
	if k < 1 || k > n {
		return nil, malformedError("multi(k) -> k must 1 ≤ k ≤ n, "+
			"but got: %d of %d", k, n)
	}
	args := make([]*AST, 0, n+1)
	args = append(args, newNum(uint64(k)))
	args = append(args, keys...)
	return &AST{identifier: f_multi, args: args}, nil
}

// parseMultiA parses multi_a after its final OP_NUMEQUAL(VERIFY).
func (p *scriptParser) parseMultiA() (*AST, error) {
	k, err := p.popNum()
	if err != nil {
		return nil, err
	}
	var keys []*AST
	for {
		t, ok := p.peekAt(1)
		if !ok || t.data != nil || t.op != txscript.OP_CHECKSIGADD {
			break
		}
		p.pos--
		key, err := p.popData(p.ctx.pubKeyLen())
		if err != nil {
			return nil, err
		}
		keys = append([]*AST{newArg(key)}, keys...)
	}
	if err := p.popOp(txscript.OP_CHECKSIG); err != nil {
		return nil, err
	}
	key, err := p.popData(p.ctx.pubKeyLen())
	if err != nil {
		return nil, err
	}
	keys = append([]*AST{newArg(key)}, keys...)
	if k < 1 || k > int64(len(keys)) {
		return nil, malformedError("multi_a(k) -> k must 1 ≤ k ≤ n, "+
			"but got: %d of %d", k, len(keys))
	}
	args := make([]*AST, 0, len(keys)+1)
	args = append(args, newNum(uint64(k)))
	args = append(args, keys...)
	return &AST{identifier: f_multi_a, args: args}, nil
}

// parseIfFamily parses the fragments whose encoding ends in OP_ENDIF: or_i,
// andor, or_c, or_d and the d: and j: wrappers. The OP_ENDIF has already
// been consumed.
func (p *scriptParser) parseIfFamily() (*AST, error) {
	last, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	t, err := p.pop()
	if err != nil {
		return nil, err
	}
	if t.data != nil {
		return nil, malformedError("expected a conditional opcode, " +
			"got a data push")
	}
	switch t.op {
	case txscript.OP_ELSE:
		first, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		t, err := p.pop()
		if err != nil {
			return nil, err
		}
		switch {
		case t.data == nil && t.op == txscript.OP_IF:
			return &AST{
				identifier: f_or_i,
				args:       []*AST{first, last},
			}, nil
		case t.data == nil && t.op == txscript.OP_NOTIF:
			x, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return &AST{
				identifier: f_andor,
				args:       []*AST{x, last, first},
			}, nil
		}
		return nil, malformedError("conditional branches must open " +
			"with OP_IF or OP_NOTIF")

	case txscript.OP_NOTIF:
		if ifdup, ok := p.peekAt(1); ok && ifdup.data == nil &&
			ifdup.op == txscript.OP_IFDUP {

			p.pos--
			x, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return &AST{
				identifier: f_or_d,
				args:       []*AST{x, last},
			}, nil
		}
		x, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &AST{
			identifier: f_or_c,
			args:       []*AST{x, last},
		}, nil

	case txscript.OP_IF:
		guard, err := p.pop()
		if err != nil {
			return nil, err
		}
		if guard.data != nil {
			return nil, malformedError("expected a guard opcode " +
				"before OP_IF, got a data push")
		}
		switch guard.op {
		case txscript.OP_DUP:
			return wrapNode(f_wrap_d, last), nil
		case txscript.OP_0NOTEQUAL:
			if err := p.popOp(txscript.OP_SIZE); err != nil {
				return nil, err
			}
			return wrapNode(f_wrap_j, last), nil
		}
		return nil, malformedError("unexpected opcode 0x%02x before "+
			"OP_IF", guard.op)
	}
	return nil, malformedError("unexpected opcode 0x%02x inside a "+
		"conditional", t.op)
}

// Decode parses a script back into the fragment tree that produced it. The
// tree runs through the same construction pipeline as Parse, so a decoded
// fragment carries full type and resource information. Key hashes inside
// pk_h fragments cannot be inverted, so the key argument of a decoded pk_h
// holds the 20 byte hash.
func Decode(script []byte, ctx Context) (*AST, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	var tokens []token
	for tokenizer.Next() {
		tokens = append(tokens, token{
			op:   tokenizer.Opcode(),
			data: tokenizer.Data(),
		})
	}
	if err := tokenizer.Err(); err != nil {
		return nil, malformedError("invalid script: %v", err)
	}
	if len(tokens) == 0 {
		return nil, malformedError("empty script")
	}

	parser := &scriptParser{ctx: ctx, tokens: tokens, pos: len(tokens)}
	node, err := parser.parseExpr()
	if err != nil {
		return nil, err
	}
	if parser.pos != 0 {
		return nil, malformedError("script has %d leftover tokens "+
			"before the decoded expression", parser.pos)
	}

	node, err = finalize(node, ctx)
	if err != nil {
		return nil, malformedError("script decodes to an invalid "+
			"fragment: %v", err)
	}
	if err := node.expectBasicType(typeB); err != nil {
		return nil, malformedError("script decodes to an invalid "+
			"fragment: %v", err)
	}
	return node, nil
}
