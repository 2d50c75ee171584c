package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestParseRoundTrip parses policies and checks that printing them gives back
// the input notation.
func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	for _, notation := range []string{
		"0",
		"1",
		"pk(key_1)",
		"older(144)",
		"after(500000001)",
		"sha256(H)",
		"hash256(H)",
		"ripemd160(H)",
		"hash160(H)",
		"and(pk(key_1),pk(key_2))",
		"or(pk(key_1),pk(key_2))",
		"or(9@pk(key_1),pk(key_2))",
		"or(2@pk(key_1),3@pk(key_2))",
		"thresh(2,pk(key_1),pk(key_2),pk(key_3))",
		"and(pk(key_1),or(pk(key_2),older(144)))",
		"or(and(pk(key_1),pk(key_2)),thresh(2,pk(key_3),pk(key_4)," +
			"sha256(H)))",
		"and(or(99@pk(key_1),pk(key_2)),older(4096))",
	} {
		p, err := Parse(notation)
		require.NoError(t, err, notation)
		require.Equal(t, notation, p.String())
	}
}

// TestParseInvalid checks rejection of malformed notation and structurally
// invalid policies.
func TestParseInvalid(t *testing.T) {
	t.Parallel()

	for _, notation := range []string{
		"",
		"pk()",
		"pk(key_1",
		"pk(key_1))",
		"unknown(key_1)",
		"and(pk(key_1))",
		"or(pk(key_1))",
		"older(0)",
		"older(2147483648)",
		"thresh(0,pk(key_1))",
		"thresh(3,pk(key_1),pk(key_2))",
		"thresh(x,pk(key_1),pk(key_2))",
		"or(0@pk(key_1),pk(key_2))",
		"or(x@pk(key_1),pk(key_2))",
		"and(2@pk(key_1),pk(key_2))",
		"1(pk(key_1))",
	} {
		_, err := Parse(notation)
		require.Error(t, err, notation)
	}
}

// TestWeights checks weight accounting of or branches.
func TestWeights(t *testing.T) {
	t.Parallel()

	p, err := Parse("or(9@pk(key_1),pk(key_2))")
	require.NoError(t, err)
	require.Equal(t, uint32(9), p.Weight(0))
	require.Equal(t, uint32(1), p.Weight(1))

	// Unweighted branches default to one.
	p, err = Parse("or(pk(key_1),pk(key_2))")
	require.NoError(t, err)
	require.Equal(t, uint32(1), p.Weight(0))
	require.Equal(t, uint32(1), p.Weight(1))

	// An explicit weight of one prints in the canonical weightless form.
	p, err = Parse("or(1@pk(key_1),9@pk(key_2))")
	require.NoError(t, err)
	require.Equal(t, "or(pk(key_1),9@pk(key_2))", p.String())

	// Branches past the end of a short weight slice count as one.
	p = &Policy{
		Kind: KindOr,
		Subs: []*Policy{
			{Kind: KindKey, Identifier: "key_1"},
			{Kind: KindKey, Identifier: "key_2"},
		},
		Weights: []uint32{4},
	}
	require.Equal(t, uint32(4), p.Weight(0))
	require.Equal(t, uint32(1), p.Weight(1))
	require.Equal(t, "or(4@pk(key_1),pk(key_2))", p.String())
}

// TestNormalize checks the canonicalization rules.
func TestNormalize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		policy     string
		normalized string
	}{
		// Nested ands and ors flatten.
		{
			policy: "and(and(pk(key_1),pk(key_2)),pk(key_3))",

			normalized: "and(pk(key_1),pk(key_2),pk(key_3))",
		},
		{
			policy: "or(or(pk(key_1),pk(key_2)),pk(key_3))",

			normalized: "or(pk(key_1),pk(key_2),pk(key_3))",
		},
		// Nested or weights multiply.
		{
			policy: "or(2@or(3@pk(key_1),pk(key_2)),pk(key_3))",

			normalized: "or(6@pk(key_1),2@pk(key_2),pk(key_3))",
		},
		// thresh(1) becomes or, thresh(n of n) becomes and.
		{
			policy: "thresh(1,pk(key_1),pk(key_2))",

			normalized: "or(pk(key_1),pk(key_2))",
		},
		{
			policy: "thresh(2,pk(key_1),pk(key_2))",

			normalized: "and(pk(key_1),pk(key_2))",
		},
		// Other thresholds are untouched.
		{
			policy: "thresh(2,pk(key_1),pk(key_2),pk(key_3))",

			normalized: "thresh(2,pk(key_1),pk(key_2),pk(key_3))",
		},
		// Conversions cascade: the and from thresh(2 of 2) flattens
		// into the outer and.
		{
			policy: "and(thresh(2,pk(key_1),pk(key_2)),pk(key_3))",

			normalized: "and(pk(key_1),pk(key_2),pk(key_3))",
		},
		// Leaves are untouched.
		{
			policy:     "pk(key_1)",
			normalized: "pk(key_1)",
		},
	}

	for _, tc := range testCases {
		p, err := Parse(tc.policy)
		require.NoError(t, err, tc.policy)
		require.Equal(t, tc.normalized, p.Normalize().String(),
			tc.policy)

		// Normalizing is idempotent.
		require.Equal(
			t, tc.normalized,
			p.Normalize().Normalize().String(), tc.policy,
		)
	}
}

// TestEqual checks structural equality including weights and values.
func TestEqual(t *testing.T) {
	t.Parallel()

	a, err := Parse("or(9@pk(key_1),and(pk(key_2),older(144)))")
	require.NoError(t, err)
	b, err := Parse("or(9@pk(key_1),and(pk(key_2),older(144)))")
	require.NoError(t, err)
	require.True(t, a.Equal(b))

	c, err := Parse("or(8@pk(key_1),and(pk(key_2),older(144)))")
	require.NoError(t, err)
	require.False(t, a.Equal(c))

	d, err := Parse("or(9@pk(key_1),and(pk(key_2),older(145)))")
	require.NoError(t, err)
	require.False(t, a.Equal(d))

	// A policy with a resolved value equals one with the hex notation of
	// the same value.
	withValue := &Policy{
		Kind:       KindKey,
		Identifier: "key_1",
		Value:      []byte{0x01, 0x02, 0x03},
	}
	withHex := &Policy{
		Kind:       KindKey,
		Identifier: "010203",
		Value:      []byte{0x01, 0x02, 0x03},
	}
	require.True(t, withValue.Equal(withHex))
}

// TestValidate checks the structural validation of hand-built trees that the
// parser cannot produce.
func TestValidate(t *testing.T) {
	t.Parallel()

	for _, p := range []*Policy{
		// Threshold out of range.
		{
			Kind: KindThresh,
			K:    3,
			Subs: []*Policy{
				{Kind: KindKey, Identifier: "key_1"},
				{Kind: KindKey, Identifier: "key_2"},
			},
		},
		// Leaf with subpolicies.
		{
			Kind:       KindKey,
			Identifier: "key_1",
			Subs:       []*Policy{{Kind: KindTrue}},
		},
		// Missing identifier.
		{Kind: KindSha256},
		// Weight count mismatch.
		{
			Kind: KindOr,
			Subs: []*Policy{
				{Kind: KindKey, Identifier: "key_1"},
				{Kind: KindKey, Identifier: "key_2"},
			},
			Weights: []uint32{1},
		},
		// Zero weight.
		{
			Kind: KindOr,
			Subs: []*Policy{
				{Kind: KindKey, Identifier: "key_1"},
				{Kind: KindKey, Identifier: "key_2"},
			},
			Weights: []uint32{1, 0},
		},
		// Weighted and.
		{
			Kind: KindAnd,
			Subs: []*Policy{
				{Kind: KindKey, Identifier: "key_1"},
				{Kind: KindKey, Identifier: "key_2"},
			},
			Weights: []uint32{1, 1},
		},
	} {
		require.Error(t, p.Validate(), p.String())
	}
}
