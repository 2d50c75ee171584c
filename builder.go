package miniscript

import (
	"encoding/hex"
	"strconv"
)

// This file provides smart constructors for building fragment trees directly
// in memory, without going through the textual notation. Every constructor
// runs the full construction pipeline, so an invalid combination is rejected
// at build time and no invalid tree is representable afterwards.

func newArg(value []byte) *AST {
	return &AST{identifier: hex.EncodeToString(value), value: value}
}

func newNum(n uint64) *AST {
	return &AST{identifier: strconv.FormatUint(n, 10), num: n}
}

func checkLockValue(identifier string, n uint32) error {
	if n < 1 || n >= 1<<31 {
		return notationError("%s(n) -> n must 1 ≤ n < 2^31, but "+
			"got: %d", identifier, n)
	}
	return nil
}

// NewFalse returns the constant-false fragment `0`.
func NewFalse(ctx Context) (*AST, error) {
	return finalize(&AST{identifier: f_0}, ctx)
}

// NewTrue returns the constant-true fragment `1`.
func NewTrue(ctx Context) (*AST, error) {
	return finalize(&AST{identifier: f_1}, ctx)
}

// NewPkK returns the fragment `pk_k(key)` pushing the given public key.
func NewPkK(ctx Context, key []byte) (*AST, error) {
	if len(key) != ctx.pubKeyLen() {
		return nil, notationError("pk_k key must be %d bytes in the "+
			"%s context, got %d", ctx.pubKeyLen(), ctx, len(key))
	}
	return finalize(&AST{
		identifier: f_pk_k,
		args:       []*AST{newArg(key)},
	}, ctx)
}

// NewPkH returns the fragment `pk_h(key)` committing to the hash of the given
// public key.
func NewPkH(ctx Context, key []byte) (*AST, error) {
	if len(key) != ctx.pubKeyLen() {
		return nil, notationError("pk_h key must be %d bytes in the "+
			"%s context, got %d", ctx.pubKeyLen(), ctx, len(key))
	}
	return finalize(&AST{
		identifier: f_pk_h,
		args:       []*AST{newArg(key)},
	}, ctx)
}

// NewOlder returns the relative timelock fragment `older(n)`.
func NewOlder(ctx Context, n uint32) (*AST, error) {
	if err := checkLockValue(f_older, n); err != nil {
		return nil, err
	}
	return finalize(&AST{
		identifier: f_older,
		args:       []*AST{newNum(uint64(n))},
	}, ctx)
}

// NewAfter returns the absolute timelock fragment `after(n)`.
func NewAfter(ctx Context, n uint32) (*AST, error) {
	if err := checkLockValue(f_after, n); err != nil {
		return nil, err
	}
	return finalize(&AST{
		identifier: f_after,
		args:       []*AST{newNum(uint64(n))},
	}, ctx)
}

func newHashFragment(ctx Context, identifier string, hashLen int,
	hash []byte) (*AST, error) {

	if len(hash) != hashLen {
		return nil, notationError("%s hash must be %d bytes, got %d",
			identifier, hashLen, len(hash))
	}
	return finalize(&AST{
		identifier: identifier,
		args:       []*AST{newArg(hash)},
	}, ctx)
}

// NewSha256 returns the preimage-check fragment `sha256(h)`.
func NewSha256(ctx Context, hash []byte) (*AST, error) {
	return newHashFragment(ctx, f_sha256, 32, hash)
}

// NewHash256 returns the preimage-check fragment `hash256(h)`.
func NewHash256(ctx Context, hash []byte) (*AST, error) {
	return newHashFragment(ctx, f_hash256, 32, hash)
}

// NewRipemd160 returns the preimage-check fragment `ripemd160(h)`.
func NewRipemd160(ctx Context, hash []byte) (*AST, error) {
	return newHashFragment(ctx, f_ripemd160, 20, hash)
}

// NewHash160 returns the preimage-check fragment `hash160(h)`.
func NewHash160(ctx Context, hash []byte) (*AST, error) {
	return newHashFragment(ctx, f_hash160, 20, hash)
}

func newKeyThreshold(ctx Context, identifier string, k int,
	keys [][]byte) (*AST, error) {

	if k < 1 || k > len(keys) {
		return nil, notationError("%s(k) -> k must 1 ≤ k ≤ n, but "+
			"got: %d", identifier, k)
	}
	args := make([]*AST, 0, len(keys)+1)
	args = append(args, newNum(uint64(k)))
	for _, key := range keys {
		if len(key) != ctx.pubKeyLen() {
			return nil, notationError("%s key must be %d bytes "+
				"in the %s context, got %d", identifier,
				ctx.pubKeyLen(), ctx, len(key))
		}
		args = append(args, newArg(key))
	}
	return finalize(&AST{identifier: identifier, args: args}, ctx)
}

// NewMulti returns the key threshold fragment `multi(k,key1,...,keyn)` built
// on OP_CHECKMULTISIG. Not available in tapscript.
func NewMulti(ctx Context, k int, keys ...[]byte) (*AST, error) {
	return newKeyThreshold(ctx, f_multi, k, keys)
}

// NewMultiA returns the key threshold fragment `multi_a(k,key1,...,keyn)`
// built on OP_CHECKSIGADD. Only available in tapscript.
func NewMultiA(ctx Context, k int, keys ...[]byte) (*AST, error) {
	return newKeyThreshold(ctx, f_multi_a, k, keys)
}

func combine(identifier string, subs ...*AST) (*AST, error) {
	ctx := subs[0].ctx
	for _, sub := range subs[1:] {
		if sub.ctx != ctx {
			return nil, typeError("cannot combine fragments from "+
				"the %s and %s contexts", ctx, sub.ctx)
		}
	}
	return finalize(&AST{identifier: identifier, args: subs}, ctx)
}

// NewAndV returns `and_v(X,Y)`: both X and Y must be satisfied.
func NewAndV(x, y *AST) (*AST, error) {
	return combine(f_and_v, x, y)
}

// NewAndB returns `and_b(X,Y)`: both X and Y must be satisfied, combined
// with OP_BOOLAND.
func NewAndB(x, y *AST) (*AST, error) {
	return combine(f_and_b, x, y)
}

// NewAndOr returns `andor(X,Y,Z)`: if X is satisfied then Y must be, else Z
// must be. It expresses or(and(X,Y),Z) in a single conditional.
func NewAndOr(x, y, z *AST) (*AST, error) {
	return combine(f_andor, x, y, z)
}

// NewOrB returns `or_b(X,Z)`: either X or Z must be satisfied, combined with
// OP_BOOLOR.
func NewOrB(x, z *AST) (*AST, error) {
	return combine(f_or_b, x, z)
}

// NewOrC returns `or_c(X,Z)`: if X is dissatisfied, Z must be satisfied.
func NewOrC(x, z *AST) (*AST, error) {
	return combine(f_or_c, x, z)
}

// NewOrD returns `or_d(X,Z)`: like or_c, but produces a boolean.
func NewOrD(x, z *AST) (*AST, error) {
	return combine(f_or_d, x, z)
}

// NewOrI returns `or_i(X,Z)`: the witness selects the branch with an
// explicit OP_IF input.
func NewOrI(x, z *AST) (*AST, error) {
	return combine(f_or_i, x, z)
}

// NewThresh returns `thresh(k,X1,...,Xn)`: at least k of the sub-fragments
// must be satisfied.
func NewThresh(k int, subs ...*AST) (*AST, error) {
	if len(subs) == 0 {
		return nil, notationError("thresh must have at least one " +
			"subexpression")
	}
	if k < 1 || k > len(subs) {
		return nil, notationError("thresh(k) -> k must 1 ≤ k ≤ n, "+
			"but got: %d", k)
	}
	ctx := subs[0].ctx
	for _, sub := range subs[1:] {
		if sub.ctx != ctx {
			return nil, typeError("cannot combine fragments from "+
				"the %s and %s contexts", ctx, sub.ctx)
		}
	}
	args := make([]*AST, 0, len(subs)+1)
	args = append(args, newNum(uint64(k)))
	args = append(args, subs...)
	return finalize(&AST{identifier: f_thresh, args: args}, ctx)
}

func wrap(identifier string, x *AST) (*AST, error) {
	return finalize(&AST{
		identifier: identifier,
		args:       []*AST{x},
	}, x.ctx)
}

// WrapA returns `a:X`, lifting a B expression into a W via the altstack.
func WrapA(x *AST) (*AST, error) { return wrap(f_wrap_a, x) }

// WrapS returns `s:X`, lifting a one-input B expression into a W via swap.
func WrapS(x *AST) (*AST, error) { return wrap(f_wrap_s, x) }

// WrapC returns `c:X`, turning a key expression into a signature check.
func WrapC(x *AST) (*AST, error) { return wrap(f_wrap_c, x) }

// WrapD returns `d:X`, turning a V expression into a dissatisfiable B.
func WrapD(x *AST) (*AST, error) { return wrap(f_wrap_d, x) }

// WrapV returns `v:X`, turning a B expression into a verify expression.
func WrapV(x *AST) (*AST, error) { return wrap(f_wrap_v, x) }

// WrapJ returns `j:X`, guarding X behind a non-zero input check.
func WrapJ(x *AST) (*AST, error) { return wrap(f_wrap_j, x) }

// WrapN returns `n:X`, normalizing X's result to 0/1.
func WrapN(x *AST) (*AST, error) { return wrap(f_wrap_n, x) }

// WrapT returns `t:X` = and_v(X,1).
func WrapT(x *AST) (*AST, error) { return wrap(f_wrap_t, x) }

// WrapL returns `l:X` = or_i(0,X).
func WrapL(x *AST) (*AST, error) { return wrap(f_wrap_l, x) }

// WrapU returns `u:X` = or_i(X,0).
func WrapU(x *AST) (*AST, error) { return wrap(f_wrap_u, x) }
