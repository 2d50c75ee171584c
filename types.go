package miniscript

import "strings"

// basicType is the base correctness type of a fragment. It governs which
// parent shapes may use the fragment as a child.
type basicType string

const (
	// typeB is a base expression, pushing a boolean on the stack.
	typeB basicType = "B"

	// typeV is a verify expression, aborting on failure and pushing
	// nothing.
	typeV basicType = "V"

	// typeK is a key expression, pushing a public key on the stack.
	typeK basicType = "K"

	// typeW is a wrapped expression, a B that consumes the element below
	// the top of the stack.
	typeW basicType = "W"
)

// properties is the set of orthogonal boolean type properties attached to
// every fragment alongside its base type.
type properties struct {
	// Basic type properties.
	z, o, n, d, u bool

	// Malleability properties.
	// If `m`, a non-malleable satisfaction is guaranteed to exist.
	// The purpose of s/f/e is only to compute `m` and can be disregarded
	// afterward.
	m, s, f, e bool

	// canCollapseVerify enables checking if the rightmost script byte
	// produced by this node is OP_EQUAL, OP_CHECKSIG, OP_CHECKMULTISIG or
	// OP_NUMEQUAL.
	//
	// If so, it can be converted into the VERIFY version if an ancestor is
	// the verify wrapper `v`, i.e. OP_EQUALVERIFY, OP_CHECKSIGVERIFY,
	// OP_CHECKMULTISIGVERIFY and OP_NUMEQUALVERIFY instead of using two
	// opcodes, e.g. `OP_EQUAL OP_VERIFY`.
	canCollapseVerify bool
}

func (p properties) String() string {
	s := strings.Builder{}
	if p.z {
		s.WriteRune('z')
	}
	if p.o {
		s.WriteRune('o')
	}
	if p.n {
		s.WriteRune('n')
	}
	if p.d {
		s.WriteRune('d')
	}
	if p.u {
		s.WriteRune('u')
	}
	if p.m {
		s.WriteRune('m')
	}
	if p.s {
		s.WriteRune('s')
	}
	if p.f {
		s.WriteRune('f')
	}
	if p.e {
		s.WriteRune('e')
	}
	return s.String()
}

func typeError(format string, args ...interface{}) error {
	return miniscriptError(ErrInvalidType, format, args...)
}

// typeCheck computes the base type and correctness properties of a node from
// its children, rejecting any combination the composition rules do not allow.
// These rules are the central correctness contract: a node that passes is
// guaranteed to produce a consensus-valid script shape.
func typeCheck(node *AST) (*AST, error) {
	switch node.identifier {
	case f_0:
		node.basicType = typeB
		node.props.z = true
		node.props.u = true
		node.props.d = true

	case f_1:
		node.basicType = typeB
		node.props.z = true
		node.props.u = true

	case f_pk_k:
		node.basicType = typeK
		node.props.o = true
		node.props.n = true
		node.props.d = true
		node.props.u = true

	case f_pk_h:
		node.basicType = typeK
		node.props.n = true
		node.props.d = true
		node.props.u = true

	case f_older, f_after:
		node.basicType = typeB
		node.props.z = true

	case f_sha256, f_ripemd160, f_hash256, f_hash160:
		node.basicType = typeB
		node.props.o = true
		node.props.n = true
		node.props.d = true
		node.props.u = true

	case f_andor:
		_x, _y, _z := node.args[0], node.args[1], node.args[2]
		if err := _x.expectBasicType(typeB); err != nil {
			return nil, err
		}
		if !_x.props.d || !_x.props.u {
			return nil, typeError("wrong properties on `%s` in "+
				"the first argument of `%s`", _x.identifier,
				node.identifier)
		}
		if _y.basicType != typeB && _y.basicType != typeK &&
			_y.basicType != typeV {

			return nil, typeError("in `%s`, the second argument "+
				"type is not B, K or V, but: %s",
				node.identifier, _y.basicType)
		}
		if _z.basicType != _y.basicType {
			return nil, typeError("in `%s`, the type of the third "+
				"argument is not the same as the type of the "+
				"second argument, which is: %s",
				node.identifier, _y.basicType)
		}
		node.basicType = _y.basicType
		node.props.z = _x.props.z && _y.props.z && _z.props.z
		node.props.o = (_x.props.z && _y.props.o && _z.props.o) ||
			(_x.props.o && _y.props.z && _z.props.z)
		node.props.u = _y.props.u && _z.props.u
		node.props.d = _z.props.d

	case f_and_v:
		_x, _y := node.args[0], node.args[1]
		if err := _x.expectBasicType(typeV); err != nil {
			return nil, err
		}
		if _y.basicType != typeB && _y.basicType != typeK &&
			_y.basicType != typeV {

			return nil, typeError("in `%s`, the second argument "+
				"type is not B, K or V, but: %s",
				node.identifier, _y.basicType)
		}
		node.basicType = _y.basicType
		node.props.z = _x.props.z && _y.props.z
		node.props.o = (_x.props.z && _y.props.o) ||
			(_y.props.z && _x.props.o)
		node.props.n = _x.props.n || (_x.props.z && _y.props.n)
		node.props.u = _y.props.u

	case f_and_b:
		_x, _y := node.args[0], node.args[1]
		if err := _x.expectBasicType(typeB); err != nil {
			return nil, err
		}
		if err := _y.expectBasicType(typeW); err != nil {
			return nil, err
		}
		node.basicType = typeB
		node.props.z = _x.props.z && _y.props.z
		node.props.o = (_x.props.z && _y.props.o) ||
			(_y.props.z && _x.props.o)
		node.props.n = _x.props.n || (_x.props.z && _y.props.n)
		node.props.d = _x.props.d && _y.props.d
		node.props.u = true

	case f_or_b:
		_x, _z := node.args[0], node.args[1]
		if err := _x.expectBasicType(typeB); err != nil {
			return nil, err
		}
		if !_x.props.d {
			return nil, typeError("wrong properties on `%s`, the "+
				"first argument of `%s`", _x.identifier,
				node.identifier)
		}
		if err := _z.expectBasicType(typeW); err != nil {
			return nil, err
		}
		if !_z.props.d {
			return nil, typeError("wrong properties on `%s`, the "+
				"second argument of `%s`", _z.identifier,
				node.identifier)
		}
		node.basicType = typeB
		node.props.z = _x.props.z && _z.props.z
		node.props.o = (_x.props.z && _z.props.o) ||
			(_z.props.z && _x.props.o)
		node.props.d = true
		node.props.u = true

	case f_or_c:
		_x, _z := node.args[0], node.args[1]
		if err := _x.expectBasicType(typeB); err != nil {
			return nil, err
		}
		if !_x.props.d || !_x.props.u {
			return nil, typeError("wrong properties on `%s`, the "+
				"first argument of `%s`", _x.identifier,
				node.identifier)
		}
		if err := _z.expectBasicType(typeV); err != nil {
			return nil, err
		}
		node.basicType = typeV
		node.props.z = _x.props.z && _z.props.z
		node.props.o = _x.props.o && _z.props.z

	case f_or_d:
		_x, _z := node.args[0], node.args[1]
		if err := _x.expectBasicType(typeB); err != nil {
			return nil, err
		}
		if !_x.props.d || !_x.props.u {
			return nil, typeError("wrong properties on `%s`, the "+
				"first argument of `%s`", _x.identifier,
				node.identifier)
		}
		if err := _z.expectBasicType(typeB); err != nil {
			return nil, err
		}
		node.basicType = typeB
		node.props.z = _x.props.z && _z.props.z
		node.props.o = _x.props.o && _z.props.z
		node.props.d = _z.props.d
		node.props.u = _z.props.u

	case f_or_i:
		_x, _z := node.args[0], node.args[1]
		if _x.basicType != typeB && _x.basicType != typeK &&
			_x.basicType != typeV {

			return nil, typeError("or_i: wrong type of first " +
				"argument")
		}
		if _z.basicType != _x.basicType {
			return nil, typeError("or_i: wrong type of second " +
				"argument")
		}
		node.basicType = _x.basicType
		node.props.o = _x.props.z && _z.props.z
		node.props.u = _x.props.u && _z.props.u
		node.props.d = _x.props.d || _z.props.d

	case f_thresh:
		// X1 is Bdu; others are Wdu.
		if err := node.args[1].expectBasicType(typeB); err != nil {
			return nil, err
		}
		if !node.args[1].props.d || !node.args[1].props.u {
			return nil, typeError("wrong properties on `%s`, the "+
				"second argument of `%s`",
				node.args[1].identifier, node.identifier)
		}
		for i := 2; i < len(node.args); i++ {
			arg := node.args[i]
			if err := arg.expectBasicType(typeW); err != nil {
				return nil, err
			}
			if !arg.props.d || !arg.props.u {
				return nil, typeError("wrong properties on "+
					"`%s`, argument #%d of `%s`",
					arg.identifier, i+1, node.identifier)
			}
		}

		node.basicType = typeB
		// z=all are z; o=all are z except one is o; d; u.
		node.props.z = true
		node.props.o = true
		for _, arg := range node.args[1:] {
			node.props.z = node.props.z && arg.props.z
			node.props.o = node.props.o && arg.props.z &&
				!(arg.props.o || arg.props.d || arg.props.u)
		}
		node.props.d = true
		node.props.u = true

	case f_multi:
		if node.ctx == ContextTapscript {
			return nil, typeError("multi is not available in " +
				"tapscript, use multi_a")
		}
		if len(node.args)-1 > node.ctx.MaxMultisigKeys() {
			return nil, miniscriptError(ErrResourceLimit,
				"number of multisig keys cannot exceed %d",
				node.ctx.MaxMultisigKeys())
		}
		node.basicType = typeB
		node.props.n = true
		node.props.d = true
		node.props.u = true

	case f_multi_a:
		if node.ctx != ContextTapscript {
			return nil, typeError("multi_a is only available in " +
				"tapscript")
		}
		if len(node.args)-1 > node.ctx.MaxMultisigKeys() {
			return nil, miniscriptError(ErrResourceLimit,
				"number of multi_a keys cannot exceed %d",
				node.ctx.MaxMultisigKeys())
		}
		node.basicType = typeB
		node.props.d = true
		node.props.u = true

	case f_wrap_a:
		_x := node.args[0]
		if err := _x.expectBasicType(typeB); err != nil {
			return nil, err
		}
		node.basicType = typeW
		node.props.d = _x.props.d
		node.props.u = _x.props.u

	case f_wrap_s:
		_x := node.args[0]
		if err := _x.expectBasicType(typeB); err != nil {
			return nil, err
		}
		if !_x.props.o {
			return nil, typeError("wrong properties on `%s`, the "+
				"first argument of `%s`", _x.identifier,
				node.identifier)
		}
		node.basicType = typeW
		node.props.d = _x.props.d
		node.props.u = _x.props.u

	case f_wrap_c:
		_x := node.args[0]
		if err := _x.expectBasicType(typeK); err != nil {
			return nil, err
		}
		node.basicType = typeB
		node.props.o = _x.props.o
		node.props.n = _x.props.n
		node.props.d = _x.props.d
		node.props.u = true

	case f_wrap_d:
		_x := node.args[0]
		if err := _x.expectBasicType(typeV); err != nil {
			return nil, err
		}
		if !_x.props.z {
			return nil, typeError("wrong property of `%s`, the "+
				"first argument of `%s`", _x.identifier,
				node.identifier)
		}
		node.basicType = typeB
		node.props.o = true
		node.props.n = true
		node.props.d = true
		// In tapscript, MINIMALIF makes the dissatisfaction unique,
		// which also forces the satisfaction to push exactly 1.
		node.props.u = node.ctx == ContextTapscript

	case f_wrap_v:
		_x := node.args[0]
		if err := _x.expectBasicType(typeB); err != nil {
			return nil, err
		}
		node.basicType = typeV
		node.props.z = _x.props.z
		node.props.o = _x.props.o
		node.props.n = _x.props.n

	case f_wrap_j:
		_x := node.args[0]
		if err := _x.expectBasicType(typeB); err != nil {
			return nil, err
		}
		if !_x.props.n {
			return nil, typeError("wrong property of `%s`, the "+
				"first argument of `%s`", _x.identifier,
				node.identifier)
		}
		node.basicType = typeB
		node.props.o = _x.props.o
		node.props.n = true
		node.props.d = true
		node.props.u = _x.props.u

	case f_wrap_n:
		_x := node.args[0]
		if err := _x.expectBasicType(typeB); err != nil {
			return nil, err
		}
		node.basicType = typeB
		node.props.z = _x.props.z
		node.props.o = _x.props.o
		node.props.n = _x.props.n
		node.props.d = _x.props.d
		node.props.u = true

	default:
		return nil, typeError("unknown identifier: %s",
			node.identifier)
	}
	return node, nil
}

func canCollapseVerify(node *AST) (*AST, error) {
	switch node.identifier {
	case f_sha256, f_ripemd160, f_hash256, f_hash160, f_thresh, f_multi,
		f_multi_a, f_wrap_c:

		node.props.canCollapseVerify = true

	case f_and_v:
		otherProps := node.args[1].props
		node.props.canCollapseVerify = otherProps.canCollapseVerify

	case f_wrap_s:
		otherProps := node.args[0].props
		node.props.canCollapseVerify = otherProps.canCollapseVerify
	}

	return node, nil
}

func malleabilityCheck(node *AST) (*AST, error) {
	switch node.identifier {
	case f_0:
		node.props.m = true
		node.props.s = true
		node.props.e = true

	case f_1:
		node.props.m = true
		node.props.f = true

	case f_pk_k, f_pk_h:
		node.props.m = true
		node.props.s = true
		node.props.e = true

	case f_older, f_after:
		node.props.m = true
		node.props.f = true

	case f_sha256, f_ripemd160, f_hash256, f_hash160:
		node.props.m = true

	case f_andor:
		_x, _y := node.args[0].props, node.args[1].props
		_z := node.args[2].props
		node.props.m = _x.m && _y.m && _z.m &&
			(_x.e && (_x.s || _y.s || _z.s))
		node.props.s = _z.s && (_x.s || _y.s)
		node.props.f = _z.f && (_x.s || _y.f)
		node.props.e = _z.e && (_x.s || _y.f)

	case f_and_v:
		_x, _y := node.args[0].props, node.args[1].props
		node.props.m = _x.m && _y.m
		node.props.s = _x.s || _y.s
		node.props.f = _x.s || _y.f

	case f_and_b:
		_x, _y := node.args[0].props, node.args[1].props
		node.props.m = _x.m && _y.m
		node.props.s = _x.s || _y.s
		node.props.f = _x.f && _y.f || _x.s && _x.f || _y.s && _y.f
		node.props.e = _x.e && _y.e && _x.s && _y.s

	case f_or_b:
		_x, _z := node.args[0].props, node.args[1].props
		node.props.m = _x.m && _z.m && (_x.e && _z.e && (_x.s || _z.s))
		node.props.s = _x.s && _z.s
		node.props.e = true

	case f_or_c:
		_x, _z := node.args[0].props, node.args[1].props
		node.props.m = _x.m && _z.m && (_x.e && (_x.s || _z.s))
		node.props.s = _x.s && _z.s
		node.props.f = true

	case f_or_d:
		_x, _z := node.args[0].props, node.args[1].props
		node.props.m = _x.m && _z.m && (_x.e && (_x.s || _z.s))
		node.props.s = _x.s && _z.s
		node.props.f = _z.f

		// The reference implementations differ on whether this is
		// `e=e_x*e_z` or `e=e_z`. In case of `m==false` (all
		// satisfactions are malleable), `e` can have a different value
		// in each of the two variants, but it does not matter, as its
		// only purpose is to compute `m`.
		node.props.e = _z.e

	case f_or_i:
		_x, _z := node.args[0].props, node.args[1].props
		node.props.m = _x.m && _z.m && (_x.s || _z.s)
		node.props.s = _x.s && _z.s
		node.props.f = _x.f && _z.f
		node.props.e = _x.e && _z.f || _z.e && _x.f

	case f_thresh:
		k := node.args[0].num
		notSCount := 0
		node.props.m = true
		for _, arg := range node.args[1:] {
			node.props.m = node.props.m && arg.props.m && arg.props.e
			if !arg.props.s {
				notSCount++
			}
		}
		node.props.m = node.props.m && uint64(notSCount) <= k
		node.props.s = uint64(notSCount) <= k-1
		node.props.e = true
		for _, arg := range node.args[1:] {
			node.props.e = node.props.e && arg.props.e && arg.props.s
		}

	case f_multi, f_multi_a:
		node.props.m = true
		node.props.s = true
		node.props.e = true

	case f_wrap_a, f_wrap_s:
		_x := node.args[0].props
		node.props.m = _x.m
		node.props.s = _x.s
		node.props.f = _x.f
		node.props.e = _x.e

	case f_wrap_c:
		_x := node.args[0].props
		node.props.m = _x.m
		node.props.s = true
		node.props.f = _x.f
		node.props.e = _x.e

	case f_wrap_d:
		_x := node.args[0].props
		node.props.m = _x.m
		node.props.s = _x.s
		node.props.e = true

	case f_wrap_v:
		_x := node.args[0].props
		node.props.m = _x.m
		node.props.s = _x.s
		node.props.f = true

	case f_wrap_j:
		_x := node.args[0].props
		node.props.m = _x.m
		node.props.s = _x.s
		node.props.e = _x.f

	case f_wrap_n:
		_x := node.args[0].props
		node.props.m = _x.m
		node.props.s = _x.s
		node.props.f = _x.f
		node.props.e = _x.e

	default:
		return nil, typeError("unknown identifier: %s",
			node.identifier)
	}

	return node, nil
}
