package miniscript

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

const (
	// All fragment identifiers.

	f_0         = "0"         // 0
	f_1         = "1"         // 1
	f_pk_k      = "pk_k"      // pk_k(key)
	f_pk_h      = "pk_h"      // pk_h(key)
	f_pk        = "pk"        // pk(key) = c:pk_k(key)
	f_pkh       = "pkh"       // pkh(key) = c:pk_h(key)
	f_sha256    = "sha256"    // sha256(h)
	f_ripemd160 = "ripemd160" // ripemd160(h)
	f_hash256   = "hash256"   // hash256(h)
	f_hash160   = "hash160"   // hash160(h)
	f_older     = "older"     // older(n)
	f_after     = "after"     // after(n)
	f_andor     = "andor"     // andor(X,Y,Z)
	f_and_v     = "and_v"     // and_v(X,Y)
	f_and_b     = "and_b"     // and_b(X,Y)
	f_and_n     = "and_n"     // and_n(X,Y) = andor(X,Y,0)
	f_or_b      = "or_b"      // or_b(X,Z)
	f_or_c      = "or_c"      // or_c(X,Z)
	f_or_d      = "or_d"      // or_d(X,Z)
	f_or_i      = "or_i"      // or_i(X,Z)
	f_thresh    = "thresh"    // thresh(k,X1,...,Xn)
	f_multi     = "multi"     // multi(k,key1,...,keyn)
	f_multi_a   = "multi_a"   // multi_a(k,key1,...,keyn), tapscript only
	f_wrap_a    = "a"         // a:X
	f_wrap_s    = "s"         // s:X
	f_wrap_c    = "c"         // c:X
	f_wrap_d    = "d"         // d:X
	f_wrap_v    = "v"         // v:X
	f_wrap_j    = "j"         // j:X
	f_wrap_n    = "n"         // n:X
	f_wrap_t    = "t"         // t:X = and_v(X,1)
	f_wrap_l    = "l"         // l:X = or_i(0,X)
	f_wrap_u    = "u"         // u:X = or_i(X,0)
)

// AST is the abstract syntax tree representing a miniscript expression. It is
// built bottom-up and is immutable once constructed; every node carries the
// type annotation and the resource analyses computed by the construction
// pipeline.
type AST struct {
	ctx        Context
	basicType  basicType
	props      properties
	wrappers   string
	identifier string

	// num is the parsed integer for when identifier is expected to be a
	// number, i.e. the first argument of older/after/multi/thresh. This is
	// not used otherwise.
	num uint64

	// For key arguments, this will be the 33 bytes compressed pubkey (32
	// bytes x-only in tapscript).
	// For hash arguments, this will be the 32 bytes (sha256, hash256) or
	// 20 bytes (ripemd160, hash160) hash.
	value []byte

	// pkHash is set on the key argument of pk_h nodes that were decoded
	// from a script. The script only commits to the hash of the key, so
	// the key itself may be unknown.
	pkHash []byte

	args        []*AST
	scriptLen   int
	opCount     ops
	witnessSize witnessBounds
}

// Parse parses a miniscript expression for the given script context. The
// resulting node is checked against the context's resource limits; whether it
// is valid as a script on its own can be checked with IsValidTopLevel.
//
// The following transformations are applied to the AST in order:
//  1. argCheck: Checks that the nodes have the correct number of arguments.
//  2. expandWrappers: Unwraps the letters before the colon, for example:
//     dv:older(144) is d(v(older(144)))
//  3. deSugar: Miniscript defines six instances of syntactic sugar. We
//     replace these with fixed equations.
//  4. typeCheck: Not all fragments compose with each other to produce a
//     valid script and valid witness. This function checks that and sets the
//     types of the miniscript fragments. Only if the top level basic type is
//     of type B the miniscript is valid.
//  5. canCollapseVerify: If the rightmost script byte of a node is OP_EQUAL,
//     OP_CHECKSIG or OP_CHECKMULTISIG, we can convert it to the VERIFY
//     version of the opcode, e.g. OP_EQUALVERIFY.
//  6. malleabilityCheck: Checks each node if it is malleable (checking that
//     the transaction hash can not be changed without altering the content).
//  7. computeScriptLen: Simply computes the script length.
//  8. computeOpCount: Counts the number of opcodes the script contains.
//  9. computeWitnessSize: Bounds the witness size and stack depth of any
//     satisfaction.
func Parse(miniscript string, ctx Context) (*AST, error) {
	node, err := createAST(miniscript)
	if err != nil {
		return nil, err
	}
	node, err = node.apply(argCheck)
	if err != nil {
		return nil, err
	}
	return finalize(node, ctx)
}

// finalize runs the construction pipeline on a raw fragment tree, assigning
// types and resource analyses to every node. The transforms are idempotent,
// so re-finalizing a tree that shares already finalized subtrees is safe.
func finalize(node *AST, ctx Context) (*AST, error) {
	setContext := func(a *AST) (*AST, error) {
		a.ctx = ctx
		return a, nil
	}
	transformers := []func(*AST) (*AST, error){
		setContext,
		expandWrappers,
		deSugar,
		typeCheck,
		canCollapseVerify,
		malleabilityCheck,
		computeScriptLen,
		computeOpCount,
		computeWitnessSize,
	}
	var err error
	for _, transform := range transformers {
		node, err = node.apply(transform)
		if err != nil {
			return nil, err
		}
	}
	if err := node.checkLimits(); err != nil {
		return nil, err
	}
	return node, nil
}

// Context returns the script context this fragment was built for.
func (a *AST) Context() Context {
	return a.ctx
}

// checkLimits enforces the static resource limits of the node's context.
func (a *AST) checkLimits() error {
	if a.scriptLen > a.ctx.maxScriptSize() {
		return miniscriptError(ErrResourceLimit, "the script size is "+
			"%d, which is larger than the maximum script size of "+
			"%d in the %s context", a.scriptLen,
			a.ctx.maxScriptSize(), a.ctx)
	}
	if max := a.ctx.maxOpCount(); max > 0 && a.MaxOpCount() > max {
		return miniscriptError(ErrResourceLimit, "the script requires "+
			"a maximum number of %d ops, which is larger than the "+
			"limit of %d", a.MaxOpCount(), max)
	}
	if stack := a.witnessSize.satStack; stack.valid &&
		stack.value > a.ctx.maxStackSize() {

		return miniscriptError(ErrResourceLimit, "a satisfaction "+
			"pushes up to %d witness elements, which is larger "+
			"than the limit of %d", stack.value,
			a.ctx.maxStackSize())
	}
	return nil
}

// IsValidTopLevel checks whether this node is valid as a script on its own.
func (a *AST) IsValidTopLevel() error {
	if err := a.checkLimits(); err != nil {
		return err
	}

	// Top-level expression must be of type "B".
	return a.expectBasicType(typeB)
}

// isSaneSubexpression checks whether the apparent policy of this node matches
// its script semantics. Doesn't guarantee it is a safe script on its own.
func (a *AST) isSaneSubexpression() error {
	if err := a.checkLimits(); err != nil {
		return err
	}
	if !a.props.m {
		return miniscriptError(ErrInvalidType, "malleable")
	}
	return nil
}

// IsSane checks whether this node is safe as a script on its own.
func (a *AST) IsSane() error {
	if err := a.IsValidTopLevel(); err != nil {
		return err
	}
	if err := a.isSaneSubexpression(); err != nil {
		return err
	}
	if !a.props.s {
		return miniscriptError(ErrInvalidType, "does not need signature")
	}
	return nil
}

// formattedType returns the basic type (B, V, K or W) followed by all type
// properties.
func (a *AST) formattedType() string {
	return fmt.Sprintf("%s%s", a.basicType, a.props)
}

func (a *AST) drawTree(w io.Writer, indent string) {
	if a.wrappers != "" {
		_, _ = fmt.Fprintf(w, "%s:", a.wrappers)
	}
	_, _ = fmt.Fprint(w, a.identifier)
	typ := a.formattedType()
	if a.props.canCollapseVerify {
		typ += "v"
	}
	if typ != "" {
		_, _ = fmt.Fprintf(w, " [%s]", typ)
	}
	if a.value != nil {
		h := hex.EncodeToString(a.value)
		if h != a.identifier {
			_, _ = fmt.Fprintf(w, " [%x]", a.value)
		}
	}
	_, _ = fmt.Fprintln(w)
	for i, arg := range a.args {
		mark := ""
		delim := ""
		if i == len(a.args)-1 {
			mark = "└──"
		} else {
			mark = "├──"
			delim = "|"
		}
		_, _ = fmt.Fprintf(w, "%s%s", indent, mark)
		padLen := len([]rune(arg.identifier)) + len([]rune(mark)) -
			1 - len(delim)
		padding := strings.Repeat(" ", padLen)
		arg.drawTree(w, indent+delim+padding)
	}
}

// DrawTree renders the fragment tree in a human-readable form for debugging.
func (a *AST) DrawTree() string {
	var b strings.Builder
	a.drawTree(&b, "")
	return b.String()
}

// isWrapper returns whether the identifier names a single-child wrapper
// fragment that survives desugaring.
func isWrapper(identifier string) bool {
	switch identifier {
	case f_wrap_a, f_wrap_s, f_wrap_c, f_wrap_d, f_wrap_v, f_wrap_j,
		f_wrap_n:

		return true
	}
	return false
}

// String returns the canonical textual notation of the fragment. Consecutive
// wrappers are merged into a single colon prefix, e.g. a(s(X)) prints as
// "as:X". Sugared forms are not reconstructed; the desugared tree is printed.
func (a *AST) String() string {
	var b strings.Builder
	node := a
	for isWrapper(node.identifier) {
		b.WriteString(node.identifier)
		node = node.args[0]
	}
	if b.Len() > 0 {
		b.WriteRune(':')
	}
	b.WriteString(node.identifier)
	if len(node.args) > 0 {
		b.WriteRune('(')
		for i, arg := range node.args {
			if i > 0 {
				b.WriteRune(',')
			}
			b.WriteString(arg.String())
		}
		b.WriteRune(')')
	}
	return b.String()
}

// Equal reports whether two fragment trees are structurally identical. Leaf
// arguments with resolved values compare by value, so a tree parsed from
// notation with variables equals the same tree built from raw values. Key
// arguments of pk_h nodes compare equal to their key hash, since a decoded
// script only commits to the hash.
func (a *AST) Equal(b *AST) bool {
	if a.num != b.num || len(a.args) != len(b.args) {
		return false
	}
	hasData := a.value != nil || b.value != nil ||
		a.pkHash != nil || b.pkHash != nil
	if !hasData {
		if a.identifier != b.identifier {
			return false
		}
	} else if !bytes.Equal(a.value, b.value) || a.value == nil {
		aHash, bHash := a.pkHash, b.pkHash
		if aHash == nil && a.value != nil {
			aHash = btcutil.Hash160(a.value)
		}
		if bHash == nil && b.value != nil {
			bHash = btcutil.Hash160(b.value)
		}
		if aHash == nil || !bytes.Equal(aHash, bHash) {
			return false
		}
	}
	for i := range a.args {
		if !a.args[i].Equal(b.args[i]) {
			return false
		}
	}
	return true
}

func (a *AST) apply(f func(*AST) (*AST, error)) (*AST, error) {
	for i, arg := range a.args {
		// We don't recurse into arguments which are not miniscript
		// subexpressions themselves:
		// key/hash variables and the numeric arguments of
		// older/after/multi/thresh.
		switch a.identifier {
		case f_pk_k, f_pk_h, f_pk, f_pkh,
			f_sha256, f_hash256, f_ripemd160, f_hash160,
			f_older, f_after, f_multi, f_multi_a:

			// None of the arguments of these functions are
			// miniscript subexpressions - they are
			// variables (or concrete assignments) or numbers.
			continue

		case f_thresh:
			// First argument is a number. The other arguments are
			// subexpressions, which we want to visit, so only skip
			// the first argument.
			if i == 0 {
				continue
			}
		}

		newArg, err := arg.apply(f)
		if err != nil {
			return nil, err
		}
		a.args[i] = newArg
	}
	return f(a)
}

// ApplyVars replaces key and hash values in the miniscript. It must be called
// before running Script() or Satisfy() on a fragment parsed from notation
// that uses named variables.
//
// The callback should return `nil, nil` if the variable is unknown. In this
// case, the identifier itself will be parsed as the value (hex-encoded
// pubkey, hex-encoded hash value).
func (a *AST) ApplyVars(lookupVar func(identifier string) ([]byte, error)) error {
	// Set of all pubkeys to check for duplicates.
	allPubKeys := map[string]struct{}{}

	_, err := a.apply(func(node *AST) (*AST, error) {
		switch node.identifier {
		case f_pk_k, f_pk_h, f_multi, f_multi_a:
			var keyArgs []*AST
			if node.identifier == f_multi ||
				node.identifier == f_multi_a {

				keyArgs = node.args[1:]
			} else {
				keyArgs = node.args[:1]
			}
			for _, arg := range keyArgs {
				key, err := lookupVar(arg.identifier)
				if err != nil {
					return nil, err
				}
				if key == nil {
					// If the key was not a variable, assume
					// it's the key value directly encoded
					// as hex.
					key, err = hex.DecodeString(
						arg.identifier,
					)
					if err != nil {
						return nil, err
					}
				}
				if len(key) != node.ctx.pubKeyLen() {
					return nil, fmt.Errorf("pubkey "+
						"argument of %s expected to "+
						"be of size %d, but got %d",
						node.identifier,
						node.ctx.pubKeyLen(), len(key))
				}

				pubKeyHex := hex.EncodeToString(key)
				if _, ok := allPubKeys[pubKeyHex]; ok {
					return nil, fmt.Errorf("duplicate key "+
						"found at %s (key=%s, arg "+
						"identifier=%s)",
						node.identifier, pubKeyHex,
						arg.identifier)
				}
				allPubKeys[pubKeyHex] = struct{}{}

				arg.value = key
			}

		case f_sha256, f_hash256, f_ripemd160, f_hash160:
			arg := node.args[0]
			hashLen := map[string]int{
				f_sha256:    32,
				f_hash256:   32,
				f_ripemd160: 20,
				f_hash160:   20,
			}[node.identifier]
			hashValue, err := lookupVar(arg.identifier)
			if err != nil {
				return nil, err
			}
			if hashValue == nil {
				// If the hash value was not a variable, assume
				// it's the hash value directly encoded as hex.
				hashValue, err = hex.DecodeString(
					node.args[0].identifier,
				)
				if err != nil {
					return nil, err
				}
			}
			if len(hashValue) != hashLen {
				return nil, fmt.Errorf("%s len must be %d, "+
					"got %d", node.identifier, hashLen,
					len(hashValue))
			}
			arg.value = hashValue

		}
		return node, nil
	})
	return err
}

// expectBasicType is a helper function to check that this node has a specific
// type.
func (a *AST) expectBasicType(typ basicType) error {
	if a.basicType != typ {
		return miniscriptError(ErrInvalidType, "expression `%s` "+
			"expected to have type %s, but is type %s",
			a.identifier, typ, a.basicType)
	}
	return nil
}

type stack struct {
	elements []*AST
}

func (s *stack) push(element *AST) {
	s.elements = append(s.elements, element)
}

func (s *stack) pop() *AST {
	if len(s.elements) == 0 {
		return nil
	}
	top := s.elements[len(s.elements)-1]
	s.elements = s.elements[:len(s.elements)-1]
	return top
}

func (s *stack) top() *AST {
	if len(s.elements) == 0 {
		return nil
	}
	return s.elements[len(s.elements)-1]
}

func (s *stack) size() int {
	return len(s.elements)
}

// splitString keeps separators as individual slice elements and splits a
// string into a slice of strings based on multiple separators. It removes any
// empty elements from the output slice.
func splitString(s string, isSeparator func(c rune) bool) []string {
	substrings := make([]string, 0)
	i := 0
	for i < len(s) {
		j := strings.IndexFunc(s[i:], isSeparator)
		if j == -1 {
			// No separator left, append the remaining substring.
			substrings = append(substrings, s[i:])
			return substrings
		}
		j += i

		// If a separator was found, append the substring before it.
		if j > i {
			substrings = append(substrings, s[i:j])
		}

		// Append the separator as a separate element.
		substrings = append(substrings, s[j:j+1])
		i = j + 1
	}
	return substrings
}

func notationError(format string, args ...interface{}) error {
	return miniscriptError(ErrInvalidNotation, format, args...)
}

func createAST(miniscript string) (*AST, error) {
	tokens := splitString(miniscript, func(c rune) bool {
		return c == '(' || c == ')' || c == ','
	})

	if len(tokens) > 0 {
		first, last := tokens[0], tokens[len(tokens)-1]
		if first == "(" || first == ")" || first == "," ||
			last == "(" || last == "," {

			return nil, notationError("invalid first or last " +
				"character")
		}
	}

	// Build the raw syntax tree.
	var stack stack
	for i, token := range tokens {
		switch token {
		case "(":
			// Exclude invalid sequences, which cannot appear in
			// valid miniscripts: "((", ")(", ",(".
			if i > 0 && (tokens[i-1] == "(" || tokens[i-1] == ")" ||
				tokens[i-1] == ",") {

				return nil, notationError("the sequence %s%s "+
					"is invalid", tokens[i-1], token)
			}

		case ",", ")":
			// End of a function argument - take the argument and
			// add it to the parent's argument list. If there is no
			// parent, the expression is unbalanced, e.g. `f(X))`.
			//
			// Exclude invalid sequences, which cannot appear in
			// valid miniscripts: "(,", "()", ",,", ",)".
			if i > 0 && (tokens[i-1] == "(" || tokens[i-1] == ",") {
				return nil, notationError("the sequence %s%s "+
					"is invalid", tokens[i-1], token)
			}

			arg := stack.pop()
			parent := stack.top()
			if arg == nil || parent == nil {
				return nil, notationError("unbalanced")
			}
			parent.args = append(parent.args, arg)

		default:
			if i > 0 && tokens[i-1] == ")" {
				return nil, notationError("the sequence %s%s "+
					"is invalid", tokens[i-1], token)
			}

			// Split wrappers from identifier if they exist, e.g.
			// in "dv:older", "dv" are wrappers and "older" is the
			// identifier.
			var (
				parts                = strings.Split(token, ":")
				wrappers, identifier string
			)
			if len(parts) == 1 {
				// No colon => only an identifier.
				identifier = parts[0]
			} else if len(parts) == 2 {
				wrappers, identifier = parts[0], parts[1]

				if wrappers == "" {
					return nil, notationError("no "+
						"wrappers found before colon "+
						"before identifier: %s",
						identifier)
				} else if identifier == "" {
					return nil, notationError("no "+
						"identifier found after colon "+
						"after wrappers: %s", wrappers)
				}
			} else {
				return nil, notationError("invalid number of "+
					"colons in token: %s", token)
			}

			stack.push(&AST{
				wrappers:   wrappers,
				identifier: identifier,
			})
		}
	}

	if stack.size() != 1 {
		return nil, notationError("unbalanced")
	}

	return stack.top(), nil
}

// argCheck checks that each identifier is a known miniscript identifier and
// that it has the correct number of arguments, e.g. `andor(X,Y,Z)` must have
// three arguments, etc.
func argCheck(node *AST) (*AST, error) {
	// Helper function to check that this node has a specific number of
	// arguments.
	expectArgs := func(num int) error {
		if len(node.args) != num {
			return notationError("%s expects %d arguments, got %d",
				node.identifier, num, len(node.args))
		}
		return nil
	}
	switch node.identifier {
	case f_0, f_1:
		if err := expectArgs(0); err != nil {
			return nil, err
		}

	case f_pk_k, f_pk_h, f_pk, f_pkh, f_sha256, f_ripemd160, f_hash256,
		f_hash160:

		if err := expectArgs(1); err != nil {
			return nil, err
		}
		if len(node.args[0].args) > 0 {
			return nil, notationError("argument of %s must not "+
				"contain subexpressions", node.identifier)
		}

	case f_older, f_after:
		if err := expectArgs(1); err != nil {
			return nil, err
		}
		_n := node.args[0]
		if len(_n.args) > 0 {
			return nil, notationError("argument of %s must not "+
				"contain subexpressions", node.identifier)
		}
		n, err := strconv.ParseUint(_n.identifier, 10, 64)
		if err != nil {
			return nil, notationError(
				"%s(k) => k must be an unsigned integer, but "+
					"got: %s", node.identifier,
				_n.identifier)
		}
		_n.num = n
		if n < 1 || n >= (1<<31) {
			return nil, notationError("%s(n) -> n must 1 ≤ n < "+
				"2^31, but got: %s", node.identifier,
				_n.identifier)
		}

	case f_andor:
		if err := expectArgs(3); err != nil {
			return nil, err
		}

	case f_and_v, f_and_b, f_and_n, f_or_b, f_or_c, f_or_d, f_or_i:
		if err := expectArgs(2); err != nil {
			return nil, err
		}

	case f_thresh, f_multi, f_multi_a:
		if len(node.args) < 2 {
			return nil, notationError("%s must have at least two "+
				"arguments", node.identifier)
		}
		_k := node.args[0]
		if len(_k.args) > 0 {
			return nil, notationError("argument of %s must not "+
				"contain subexpressions", node.identifier)
		}
		k, err := strconv.ParseUint(_k.identifier, 10, 64)
		if err != nil {
			return nil, notationError("%s(k, ...) => k must be "+
				"an integer, but got: %s", node.identifier,
				_k.identifier)
		}
		_k.num = k
		numSubs := len(node.args) - 1
		if k < 1 || k > uint64(numSubs) {
			return nil, notationError("%s(k) -> k must 1 ≤ k ≤ "+
				"n, but got: %s", node.identifier,
				_k.identifier)
		}
		if node.identifier == f_multi || node.identifier == f_multi_a {
			// Multisig keys are variables, they can't have
			// subexpressions.
			for _, arg := range node.args {
				if len(arg.args) > 0 {
					return nil, notationError(
						"arguments of %s must not "+
							"contain "+
							"subexpressions",
						node.identifier)
				}
			}
		}

	default:
		return nil, notationError("unrecognized identifier: %s",
			node.identifier)
	}
	return node, nil
}

// expandWrappers applies wrappers (the characters before a colon), e.g.
// `ascd:X` => `a(s(c(d(X))))`.
func expandWrappers(node *AST) (*AST, error) {
	const allWrappers = "asctdvjnlu"

	wrappers := []rune(node.wrappers)
	node.wrappers = ""
	for i := len(wrappers) - 1; i >= 0; i-- {
		wrapper := wrappers[i]
		if !strings.ContainsRune(allWrappers, wrapper) {
			return nil, notationError("unknown wrapper: %s",
				string(wrapper))
		}
		node = &AST{
			ctx:        node.ctx,
			identifier: string(wrapper),
			args:       []*AST{node},
		}
	}
	return node, nil
}

// deSugar replaces syntactic sugar with the final form.
func deSugar(node *AST) (*AST, error) {
	ctx := node.ctx
	switch node.identifier {
	case f_pk: // pk(key) = c:pk_k(key)
		return &AST{
			ctx:        ctx,
			identifier: f_wrap_c,
			args: []*AST{
				{
					ctx:        ctx,
					identifier: f_pk_k,
					args:       node.args,
				},
			},
		}, nil

	case f_pkh: // pkh(key) = c:pk_h(key)
		return &AST{
			ctx:        ctx,
			identifier: f_wrap_c,
			args: []*AST{
				{
					ctx:        ctx,
					identifier: f_pk_h,
					args:       node.args,
				},
			},
		}, nil

	case f_and_n: // and_n(X,Y) = andor(X,Y,0)
		return &AST{
			ctx:        ctx,
			identifier: f_andor,
			args: []*AST{
				node.args[0],
				node.args[1],
				{ctx: ctx, identifier: f_0},
			},
		}, nil

	case f_wrap_t: // t:X = and_v(X,1)
		return &AST{
			ctx:        ctx,
			identifier: f_and_v,
			args: []*AST{
				node.args[0],
				{ctx: ctx, identifier: f_1},
			},
		}, nil

	case f_wrap_l: // l:X = or_i(0,X)
		return &AST{
			ctx:        ctx,
			identifier: f_or_i,
			args: []*AST{
				{ctx: ctx, identifier: f_0},
				node.args[0],
			},
		}, nil

	case f_wrap_u: // u:X = or_i(X,0)
		return &AST{
			ctx:        ctx,
			identifier: f_or_i,
			args: []*AST{
				node.args[0],
				{ctx: ctx, identifier: f_0},
			},
		}, nil
	}

	return node, nil
}
