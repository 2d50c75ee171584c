package miniscript

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildParsed parses the notation and resolves the named keys, for comparing
// against programmatically built trees.
func buildParsed(t *testing.T, miniscript string, ctx Context) *AST {
	node, err := Parse(miniscript, ctx)
	require.NoError(t, err, miniscript)
	require.NoError(t, node.ApplyVars(testLookupVar(ctx)), miniscript)
	return node
}

// TestBuilder builds fragments programmatically and checks that they are
// equal to the same fragments parsed from notation.
func TestBuilder(t *testing.T) {
	t.Parallel()

	ctx := ContextSegwitV0
	key1 := testKey("key_1", ctx.pubKeyLen())
	key2 := testKey("key_2", ctx.pubKeyLen())
	key3 := testKey("key_3", ctx.pubKeyLen())

	pk := func(key []byte) *AST {
		pkK, err := NewPkK(ctx, key)
		require.NoError(t, err)
		node, err := WrapC(pkK)
		require.NoError(t, err)
		return node
	}

	vPk := func(key []byte) *AST {
		node, err := WrapV(pk(key))
		require.NoError(t, err)
		return node
	}

	// and_v(vc:pk_k(key_1),c:pk_k(key_2))
	andV, err := NewAndV(vPk(key1), pk(key2))
	require.NoError(t, err)
	require.True(t, andV.Equal(buildParsed(
		t, "and_v(vc:pk_k(key_1),c:pk_k(key_2))", ctx,
	)))

	// or_b(c:pk_k(key_1),sc:pk_k(key_2))
	swapped, err := WrapS(pk(key2))
	require.NoError(t, err)
	orB, err := NewOrB(pk(key1), swapped)
	require.NoError(t, err)
	require.True(t, orB.Equal(buildParsed(
		t, "or_b(c:pk_k(key_1),sc:pk_k(key_2))", ctx,
	)))

	// andor(c:pk_k(key_1),older(144),c:pk_k(key_2))
	older, err := NewOlder(ctx, 144)
	require.NoError(t, err)
	andOr, err := NewAndOr(pk(key1), older, pk(key2))
	require.NoError(t, err)
	require.True(t, andOr.Equal(buildParsed(
		t, "andor(c:pk_k(key_1),older(144),c:pk_k(key_2))", ctx,
	)))

	// multi(2,key_1,key_2,key_3)
	multi, err := NewMulti(ctx, 2, key1, key2, key3)
	require.NoError(t, err)
	require.True(t, multi.Equal(buildParsed(
		t, "multi(2,key_1,key_2,key_3)", ctx,
	)))

	// thresh(2,c:pk_k(key_1),sc:pk_k(key_2),sc:pk_k(key_3))
	swap2, err := WrapS(pk(key2))
	require.NoError(t, err)
	swap3, err := WrapS(pk(key3))
	require.NoError(t, err)
	thresh, err := NewThresh(2, pk(key1), swap2, swap3)
	require.NoError(t, err)
	require.True(t, thresh.Equal(buildParsed(
		t, "thresh(2,c:pk_k(key_1),sc:pk_k(key_2),sc:pk_k(key_3))",
		ctx,
	)))

	// sha256(H32), built from the raw hash value.
	parsedSha := buildParsed(t, "sha256(H32)", ctx)
	sha, err := NewSha256(ctx, parsedSha.args[0].value)
	require.NoError(t, err)
	require.True(t, sha.Equal(parsedSha))
}

// TestBuilderInvalid checks that the builder rejects invalid combinations at
// construction time.
func TestBuilderInvalid(t *testing.T) {
	t.Parallel()

	ctx := ContextSegwitV0
	key := testKey("key_1", ctx.pubKeyLen())

	pkK, err := NewPkK(ctx, key)
	require.NoError(t, err)
	pk, err := WrapC(pkK)
	require.NoError(t, err)
	older, err := NewOlder(ctx, 144)
	require.NoError(t, err)

	// Wrong key size for the context.
	_, err = NewPkK(ctx, key[:32])
	require.Error(t, err)
	_, err = NewPkK(ContextTapscript, key)
	require.Error(t, err)

	// Lock values out of range.
	_, err = NewOlder(ctx, 0)
	require.Error(t, err)
	_, err = NewAfter(ctx, 1<<31)
	require.Error(t, err)
	_, err = NewOlder(ctx, 1<<31)
	require.Error(t, err)

	// Wrong hash size.
	_, err = NewSha256(ctx, make([]byte, 20))
	require.Error(t, err)

	// and_v requires a V first argument.
	_, err = NewAndV(pk, pk)
	require.True(t, IsErrorKind(err, ErrInvalidType))

	// or_b requires its arguments to be dissatisfiable.
	swapped, err := WrapS(pk)
	require.NoError(t, err)
	_, err = NewOrB(older, swapped)
	require.True(t, IsErrorKind(err, ErrInvalidType))

	// c: requires a K argument.
	_, err = WrapC(older)
	require.True(t, IsErrorKind(err, ErrInvalidType))

	// Threshold out of range.
	_, err = NewMulti(ctx, 4, key, testKey("key_2", ctx.pubKeyLen()))
	require.Error(t, err)
	_, err = NewMultiA(ctx, 1, key)
	require.True(t, IsErrorKind(err, ErrInvalidType))

	// Mixing contexts in one tree.
	tapPkK, err := NewPkK(ContextTapscript, key[:32])
	require.NoError(t, err)
	tapPk, err := WrapC(tapPkK)
	require.NoError(t, err)
	_, err = NewOrI(pk, tapPk)
	require.Error(t, err)
}
