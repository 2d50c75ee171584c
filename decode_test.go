package miniscript

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// decodeRoundTrip asserts that the script of a miniscript expression decodes
// back to an equal tree and that re-encoding the decoded tree reproduces the
// exact script bytes.
func decodeRoundTrip(t *testing.T, miniscript string, ctx Context) {
	node, err := Parse(miniscript, ctx)
	require.NoError(t, err, miniscript)
	require.NoError(t, node.ApplyVars(testLookupVar(ctx)), miniscript)

	script, err := node.Script()
	require.NoError(t, err, miniscript)

	decoded, err := Decode(script, ctx)
	require.NoError(t, err, miniscript)
	require.True(t, node.Equal(decoded), "decode of %s gave %s",
		miniscript, decoded.String())

	reencoded, err := decoded.Script()
	require.NoError(t, err, miniscript)
	require.Equal(t, script, reencoded, miniscript)
}

// TestDecode decodes the scripts of a variety of expressions and checks that
// the round trip through script bytes is lossless.
func TestDecode(t *testing.T) {
	t.Parallel()

	expressions := []string{
		"0",
		"1",
		"c:pk_k(key_1)",
		"c:pk_h(key_1)",
		"older(144)",
		"older(65535)",
		"after(1000000)",
		"after(500000001)",
		"sha256(H32)",
		"hash256(H32)",
		"ripemd160(H20)",
		"hash160(H20)",
		"and_v(vc:pk_k(key_1),c:pk_k(key_2))",
		"and_v(vc:pk_h(key_1),older(144))",
		"and_b(older(144),ac:pk_k(key_1))",
		"or_b(c:pk_k(key_1),sc:pk_k(key_2))",
		"or_c(c:pk_k(key_1),v:older(144))",
		"or_d(c:pk_k(key_1),older(144))",
		"or_i(c:pk_k(key_1),c:pk_k(key_2))",
		"andor(c:pk_k(key_1),older(144),c:pk_k(key_2))",
		"thresh(2,c:pk_k(key_1),sc:pk_k(key_2),sc:pk_k(key_3))",
		"multi(2,key_1,key_2,key_3)",
		"j:multi(2,key_1,key_2)",
		"nc:pk_k(key_1)",
		"dv:older(144)",
		"and_v(v:sha256(H32),c:pk_k(key_1))",
		"or_i(and_v(vc:pk_h(key_1),older(144)),c:pk_k(key_2))",
		// Nested and_v chains must decode to the same right-nested
		// shape that parsing produces.
		"and_v(vc:pk_k(key_1),and_v(vc:pk_k(key_2),older(144)))",
		"and_v(and_v(vc:pk_k(key_1),vc:pk_k(key_2)),older(144))",
	}
	for _, miniscript := range expressions {
		decodeRoundTrip(t, miniscript, ContextSegwitV0)
	}

	// Tapscript uses x-only keys and multi_a.
	for _, miniscript := range []string{
		"c:pk_k(key_1)",
		"c:pk_h(key_1)",
		"multi_a(2,key_1,key_2,key_3)",
		"andor(c:pk_k(key_1),older(144),c:pk_k(key_2))",
	} {
		decodeRoundTrip(t, miniscript, ContextTapscript)
	}
}

// TestDecodeEqualAndV checks that the two associativity variants of and_v
// encode to the same script, which then decodes to the canonical right-nested
// tree.
func TestDecodeEqualAndV(t *testing.T) {
	t.Parallel()

	ctx := ContextSegwitV0
	left, err := Parse(
		"and_v(and_v(vc:pk_k(key_1),vc:pk_k(key_2)),older(144))", ctx,
	)
	require.NoError(t, err)
	require.NoError(t, left.ApplyVars(testLookupVar(ctx)))
	right, err := Parse(
		"and_v(vc:pk_k(key_1),and_v(vc:pk_k(key_2),older(144)))", ctx,
	)
	require.NoError(t, err)
	require.NoError(t, right.ApplyVars(testLookupVar(ctx)))

	leftScript, err := left.Script()
	require.NoError(t, err)
	rightScript, err := right.Script()
	require.NoError(t, err)
	require.Equal(t, leftScript, rightScript)

	decoded, err := Decode(leftScript, ctx)
	require.NoError(t, err)
	require.True(t, decoded.Equal(right))
}

// TestDecodeMalformed ensures that invalid scripts are rejected with
// ErrMalformedScript.
func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	ctx := ContextSegwitV0
	node, err := Parse("and_v(vc:pk_k(key_1),older(144))", ctx)
	require.NoError(t, err)
	require.NoError(t, node.ApplyVars(testLookupVar(ctx)))
	script, err := node.Script()
	require.NoError(t, err)

	// Truncations at every position.
	for i := 0; i < len(script); i++ {
		_, err := Decode(script[:i], ctx)
		require.Truef(
			t, IsErrorKind(err, ErrMalformedScript),
			"truncation at %d: %v", i, err,
		)
	}

	// Other malformed inputs.
	for _, script := range [][]byte{
		// Foreign opcode.
		{0xba},
		// Bare pubkey push without a check.
		append([]byte{33}, make([]byte, 33)...),
		// OP_CHECKSIG with nothing to check.
		{0xac},
		// Top level of type V.
		// v:older(144): <144> OP_CSV OP_VERIFY.
		{0x02, 0x90, 0x00, 0xb2, 0x69},
		// Trailing garbage after a valid script.
		// OP_1 followed by OP_NOP.
		{0x51, 0x61},
	} {
		_, err := Decode(script, ctx)
		require.Truef(
			t, IsErrorKind(err, ErrMalformedScript),
			"script %x: %v", script, err,
		)
	}
}
