package miniscript

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// Script creates the witness script from a fragment tree. All key and hash
// variables must have been assigned values (see ApplyVars) or the encoding
// fails.
func (a *AST) Script() ([]byte, error) {
	b := txscript.NewScriptBuilder()
	if err := buildScript(a, b, false); err != nil {
		return nil, err
	}
	return b.Script()
}

// pkHash160 returns the 20 byte key hash committed to by a pk_h argument.
func pkHash160(arg *AST) []byte {
	if arg.value != nil {
		return btcutil.Hash160(arg.value)
	}
	return arg.pkHash
}

// buildScript builds the script from the tree. collapseVerify is true if the
// `v` wrapper (VERIFY wrapper) is an ancestor of the node. If so, the two
// opcodes `OP_CHECKSIG OP_VERIFY` can be collapsed into one opcode
// `OP_CHECKSIGVERIFY` (same for OP_EQUAL, OP_CHECKMULTISIG and OP_NUMEQUAL).
func buildScript(node *AST, b *txscript.ScriptBuilder,
	collapseVerify bool) error {

	switch node.identifier {
	case f_0:
		b.AddOp(txscript.OP_FALSE)

	case f_1:
		b.AddOp(txscript.OP_TRUE)

	case f_pk_k:
		arg := node.args[0]
		key := arg.value
		if key == nil {
			return fmt.Errorf("empty key for %s (%s)",
				node.identifier, arg.identifier)
		}
		b.AddData(key)

	case f_pk_h:
		arg := node.args[0]
		hash := pkHash160(arg)
		if hash == nil {
			return fmt.Errorf("empty key for %s (%s)",
				node.identifier, arg.identifier)
		}
		b.AddOp(txscript.OP_DUP)
		b.AddOp(txscript.OP_HASH160)
		b.AddData(hash)
		b.AddOp(txscript.OP_EQUALVERIFY)

	case f_older:
		b.AddInt64(int64(node.args[0].num))
		b.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)

	case f_after:
		b.AddInt64(int64(node.args[0].num))
		b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)

	case f_sha256, f_hash256, f_ripemd160, f_hash160:
		hashOp := map[string]byte{
			f_sha256:    txscript.OP_SHA256,
			f_hash256:   txscript.OP_HASH256,
			f_ripemd160: txscript.OP_RIPEMD160,
			f_hash160:   txscript.OP_HASH160,
		}[node.identifier]

		hashValue := node.args[0].value
		if hashValue == nil {
			return fmt.Errorf("hash value empty for %s (%s)",
				node.identifier, node.args[0].identifier)
		}
		b.AddOp(txscript.OP_SIZE)
		b.AddInt64(32)
		b.AddOp(txscript.OP_EQUALVERIFY)
		b.AddOp(hashOp)
		b.AddData(hashValue)
		if node.props.canCollapseVerify && collapseVerify {
			b.AddOp(txscript.OP_EQUALVERIFY)
		} else {
			b.AddOp(txscript.OP_EQUAL)
		}

	case f_andor:
		err := buildScript(node.args[0], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_NOTIF)
		err = buildScript(node.args[2], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_ELSE)
		err = buildScript(node.args[1], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case f_and_v:
		err := buildScript(node.args[0], b, collapseVerify)
		if err != nil {
			return err
		}
		err = buildScript(node.args[1], b, collapseVerify)
		if err != nil {
			return err
		}

	case f_and_b:
		err := buildScript(node.args[0], b, collapseVerify)
		if err != nil {
			return err
		}
		err = buildScript(node.args[1], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_BOOLAND)

	case f_or_b:
		err := buildScript(node.args[0], b, collapseVerify)
		if err != nil {
			return err
		}
		err = buildScript(node.args[1], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_BOOLOR)

	case f_or_c:
		err := buildScript(node.args[0], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_NOTIF)
		err = buildScript(node.args[1], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case f_or_d:
		err := buildScript(node.args[0], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_IFDUP)
		b.AddOp(txscript.OP_NOTIF)
		err = buildScript(node.args[1], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case f_or_i:
		b.AddOp(txscript.OP_IF)
		err := buildScript(node.args[0], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_ELSE)
		err = buildScript(node.args[1], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case f_thresh:
		k := node.args[0].num

		for i := 1; i < len(node.args); i++ {
			err := buildScript(node.args[i], b, collapseVerify)
			if err != nil {
				return err
			}
			if i > 1 {
				b.AddOp(txscript.OP_ADD)
			}
		}
		b.AddInt64(int64(k))
		if node.props.canCollapseVerify && collapseVerify {
			b.AddOp(txscript.OP_EQUALVERIFY)
		} else {
			b.AddOp(txscript.OP_EQUAL)
		}

	case f_multi:
		k := node.args[0].num
		b.AddInt64(int64(k))
		for _, arg := range node.args[1:] {
			if arg.value == nil {
				return fmt.Errorf("empty key for %s (%s)",
					node.identifier, arg.identifier)
			}
			b.AddData(arg.value)
		}
		b.AddInt64(int64(len(node.args) - 1))
		if node.props.canCollapseVerify && collapseVerify {
			b.AddOp(txscript.OP_CHECKMULTISIGVERIFY)
		} else {
			b.AddOp(txscript.OP_CHECKMULTISIG)
		}

	case f_multi_a:
		k := node.args[0].num
		for i, arg := range node.args[1:] {
			if arg.value == nil {
				return fmt.Errorf("empty key for %s (%s)",
					node.identifier, arg.identifier)
			}
			b.AddData(arg.value)
			if i == 0 {
				b.AddOp(txscript.OP_CHECKSIG)
			} else {
				b.AddOp(txscript.OP_CHECKSIGADD)
			}
		}
		b.AddInt64(int64(k))
		if node.props.canCollapseVerify && collapseVerify {
			b.AddOp(txscript.OP_NUMEQUALVERIFY)
		} else {
			b.AddOp(txscript.OP_NUMEQUAL)
		}

	case f_wrap_a:
		b.AddOp(txscript.OP_TOALTSTACK)
		err := buildScript(node.args[0], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_FROMALTSTACK)

	case f_wrap_s:
		b.AddOp(txscript.OP_SWAP)
		err := buildScript(node.args[0], b, collapseVerify)
		if err != nil {
			return err
		}

	case f_wrap_c:
		err := buildScript(node.args[0], b, collapseVerify)
		if err != nil {
			return err
		}
		if node.props.canCollapseVerify && collapseVerify {
			b.AddOp(txscript.OP_CHECKSIGVERIFY)
		} else {
			b.AddOp(txscript.OP_CHECKSIG)
		}

	case f_wrap_d:
		b.AddOp(txscript.OP_DUP)
		b.AddOp(txscript.OP_IF)
		err := buildScript(node.args[0], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case f_wrap_v:
		if err := buildScript(node.args[0], b, true); err != nil {
			return err
		}
		if !node.args[0].props.canCollapseVerify {
			b.AddOp(txscript.OP_VERIFY)
		}

	case f_wrap_j:
		b.AddOp(txscript.OP_SIZE)
		b.AddOp(txscript.OP_0NOTEQUAL)
		b.AddOp(txscript.OP_IF)
		err := buildScript(node.args[0], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case f_wrap_n:
		err := buildScript(node.args[0], b, collapseVerify)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_0NOTEQUAL)

	default:
		return fmt.Errorf("unknown identifier: %s", node.identifier)
	}

	return nil
}

// Compute the length of the resulting witness script.
func computeScriptLen(node *AST) (*AST, error) {
	numPushLen := func(n int64) int {
		numPush, _ := txscript.NewScriptBuilder().AddInt64(n).Script()
		return len(numPush)
	}
	keyPushLen := node.ctx.pubKeyLen() + 1
	argsSummed := 0
	for _, arg := range node.args {
		argsSummed += arg.scriptLen
	}

	switch node.identifier {
	case f_0, f_1:
		node.scriptLen = 1

	case f_pk_k:
		node.scriptLen = keyPushLen

	case f_pk_h:
		node.scriptLen = 24

	case f_older, f_after:
		n := node.args[0].num
		node.scriptLen = 1 + numPushLen(int64(n))

	case f_sha256, f_hash256:
		node.scriptLen = 39

	case f_ripemd160, f_hash160:
		node.scriptLen = 27

	case f_andor, f_or_i, f_or_d, f_wrap_d:
		node.scriptLen = argsSummed + 3

	case f_and_v:
		node.scriptLen = argsSummed

	case f_and_b, f_or_b, f_wrap_s, f_wrap_c, f_wrap_n:
		node.scriptLen = argsSummed + 1

	case f_or_c, f_wrap_a:
		node.scriptLen = argsSummed + 2

	case f_thresh:
		k := node.args[0].num
		numAdds := len(node.args) - 2
		node.scriptLen = argsSummed + numAdds + 1 + numPushLen(int64(k))

	case f_multi:
		k := node.args[0].num
		numKeys := len(node.args) - 1
		node.scriptLen = numPushLen(int64(k)) +
			numKeys*keyPushLen +
			numPushLen(int64(numKeys)) + 1

	case f_multi_a:
		k := node.args[0].num
		numKeys := len(node.args) - 1
		node.scriptLen = numKeys*(keyPushLen+1) +
			numPushLen(int64(k)) + 1

	case f_wrap_v:
		if node.args[0].props.canCollapseVerify {
			// OP_VERIFY not needed, collapsed into OP_EQUALVERIFY,
			// OP_CHECKSIGVERIFY, OP_CHECKMULTISIGVERIFY or
			// OP_NUMEQUALVERIFY.
			node.scriptLen = argsSummed
		} else {
			node.scriptLen = argsSummed + 1
		}

	case f_wrap_j:
		node.scriptLen = argsSummed + 4

	default:
		return nil, typeError("unknown identifier: %s",
			node.identifier)
	}

	return node, nil
}

// scriptStr outputs a human-readable version of the script for debugging
// purposes. collapseVerify is true if the `v` wrapper (VERIFY wrapper) is an
// ancestor of the node. If so, the two opcodes `OP_CHECKSIG OP_VERIFY` can be
// collapsed into one opcode `OP_CHECKSIGVERIFY` (same for OP_EQUAL,
// OP_CHECKMULTISIG and OP_NUMEQUAL).
func scriptStr(node *AST, collapseVerify bool) string {
	switch node.identifier {
	case f_0, f_1:
		return node.identifier

	case f_pk_k:
		return fmt.Sprintf("<%s>", node.args[0].identifier)

	case f_pk_h:
		return fmt.Sprintf("DUP HASH160 <HASH160(%s)> EQUALVERIFY",
			node.args[0].identifier)

	case f_older:
		return fmt.Sprintf("<%s> CHECKSEQUENCEVERIFY",
			node.args[0].identifier)

	case f_after:
		return fmt.Sprintf("<%s> CHECKLOCKTIMEVERIFY",
			node.args[0].identifier)

	case f_sha256, f_hash256, f_ripemd160, f_hash160:
		opVerify := "EQUAL"
		if node.props.canCollapseVerify && collapseVerify {
			opVerify = "EQUALVERIFY"
		}
		return fmt.Sprintf("SIZE <32> EQUALVERIFY %s <%s> %s",
			strings.ToUpper(node.identifier),
			node.args[0].identifier, opVerify)

	case f_andor:
		return fmt.Sprintf("%s NOTIF %s ELSE %s ENDIF",
			scriptStr(node.args[0], collapseVerify),
			scriptStr(node.args[2], collapseVerify),
			scriptStr(node.args[1], collapseVerify))

	case f_and_v:
		return fmt.Sprintf("%s %s",
			scriptStr(node.args[0], collapseVerify),
			scriptStr(node.args[1], collapseVerify))

	case f_and_b:
		return fmt.Sprintf("%s %s BOOLAND",
			scriptStr(node.args[0], collapseVerify),
			scriptStr(node.args[1], collapseVerify))

	case f_or_b:
		return fmt.Sprintf("%s %s BOOLOR",
			scriptStr(node.args[0], collapseVerify),
			scriptStr(node.args[1], collapseVerify))

	case f_or_c:
		return fmt.Sprintf("%s NOTIF %s ENDIF",
			scriptStr(node.args[0], collapseVerify),
			scriptStr(node.args[1], collapseVerify))

	case f_or_d:
		return fmt.Sprintf("%s IFDUP NOTIF %s ENDIF",
			scriptStr(node.args[0], collapseVerify),
			scriptStr(node.args[1], collapseVerify))

	case f_or_i:
		return fmt.Sprintf("IF %s ELSE %s ENDIF",
			scriptStr(node.args[0], collapseVerify),
			scriptStr(node.args[1], collapseVerify))

	case f_thresh:
		var s []string
		for i := 1; i < len(node.args); i++ {
			s = append(s, scriptStr(node.args[i], collapseVerify))
			if i > 1 {
				s = append(s, "ADD")
			}
		}

		opVerify := "EQUAL"
		if node.props.canCollapseVerify && collapseVerify {
			opVerify = "EQUALVERIFY"
		}
		s = append(s, node.args[0].identifier)
		s = append(s, opVerify)
		return strings.Join(s, " ")

	case f_multi:
		s := []string{node.args[0].identifier}
		for _, arg := range node.args[1:] {
			s = append(s, fmt.Sprintf("<%s>", arg.identifier))
		}
		opVerify := "CHECKMULTISIG"
		if node.props.canCollapseVerify && collapseVerify {
			opVerify = "CHECKMULTISIGVERIFY"
		}
		s = append(s, fmt.Sprint(len(node.args)-1))
		s = append(s, opVerify)
		return strings.Join(s, " ")

	case f_multi_a:
		var s []string
		for i, arg := range node.args[1:] {
			s = append(s, fmt.Sprintf("<%s>", arg.identifier))
			if i == 0 {
				s = append(s, "CHECKSIG")
			} else {
				s = append(s, "CHECKSIGADD")
			}
		}
		opVerify := "NUMEQUAL"
		if node.props.canCollapseVerify && collapseVerify {
			opVerify = "NUMEQUALVERIFY"
		}
		s = append(s, node.args[0].identifier)
		s = append(s, opVerify)
		return strings.Join(s, " ")

	case f_wrap_a:
		return fmt.Sprintf("TOALTSTACK %s FROMALTSTACK",
			scriptStr(node.args[0], collapseVerify))

	case f_wrap_s:
		return fmt.Sprintf("SWAP %s",
			scriptStr(node.args[0], collapseVerify))

	case f_wrap_c:
		opVerify := "CHECKSIG"
		if node.props.canCollapseVerify && collapseVerify {
			opVerify = "CHECKSIGVERIFY"
		}
		return fmt.Sprintf("%s %s",
			scriptStr(node.args[0], collapseVerify),
			opVerify)

	case f_wrap_d:
		return fmt.Sprintf("DUP IF %s ENDIF",
			scriptStr(node.args[0], collapseVerify))

	case f_wrap_v:
		s := scriptStr(node.args[0], true)
		if !node.args[0].props.canCollapseVerify {
			s += " VERIFY"
		}
		return s

	case f_wrap_j:
		return fmt.Sprintf("SIZE 0NOTEQUAL IF %s ENDIF",
			scriptStr(node.args[0], collapseVerify))

	case f_wrap_n:
		return fmt.Sprintf("%s 0NOTEQUAL",
			scriptStr(node.args[0], collapseVerify))

	default:
		return "<unknown>"
	}
}
