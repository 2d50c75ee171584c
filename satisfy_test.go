package miniscript

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSig returns a deterministic signature-sized stand-in for the key name.
// The satisfier never verifies signatures, it only packages them.
func fakeSig(name string) []byte {
	sig := bytes.Repeat([]byte(name), 72/len(name)+1)
	return sig[:72]
}

// fakeSatisfier builds a satisfier that signs for the named keys and reports
// every timelock as satisfied.
func fakeSatisfier(ctx Context, signers ...string) *Satisfier {
	return &Satisfier{
		CheckOlder: func(lockTime uint32) (bool, error) {
			return true, nil
		},
		CheckAfter: func(lockTime uint32) (bool, error) {
			return true, nil
		},
		Sign: func(pubKey []byte) ([]byte, bool) {
			for _, name := range signers {
				if bytes.Equal(
					pubKey, testKey(name, ctx.pubKeyLen()),
				) {

					return fakeSig(name), true
				}
			}
			return nil, false
		},
		Preimage: func(hashFunc string, hash []byte) ([]byte, bool) {
			return nil, false
		},
	}
}

// mustSatisfy parses, applies test keys and satisfies the expression.
func mustSatisfy(t *testing.T, miniscript string,
	satisfier *Satisfier) *Satisfaction {

	ctx := ContextSegwitV0
	node, err := Parse(miniscript, ctx)
	require.NoError(t, err, miniscript)
	require.NoError(t, node.ApplyVars(testLookupVar(ctx)), miniscript)
	satisfaction, err := node.Satisfy(satisfier)
	require.NoError(t, err, miniscript)
	return satisfaction
}

// TestSatisfyMulti checks the witness shape of a partially signed multisig.
func TestSatisfyMulti(t *testing.T) {
	t.Parallel()

	satisfaction := mustSatisfy(
		t, "multi(2,key_1,key_2,key_3)",
		fakeSatisfier(ContextSegwitV0, "key_1", "key_3"),
	)

	// CHECKMULTISIG pops an extra dummy element, then the signatures in
	// key order.
	require.Len(t, satisfaction.Witness, 3)
	require.Empty(t, satisfaction.Witness[0])
	require.Equal(t, fakeSig("key_1"), []byte(satisfaction.Witness[1]))
	require.Equal(t, fakeSig("key_3"), []byte(satisfaction.Witness[2]))
	require.True(t, satisfaction.HasSig)
}

// TestSatisfyDeterministic checks that repeated satisfactions of the same
// fragment are byte-identical, also when several spending paths are
// available.
func TestSatisfyDeterministic(t *testing.T) {
	t.Parallel()

	for _, miniscript := range []string{
		"or_b(c:pk_k(key_1),sc:pk_k(key_2))",
		"thresh(2,c:pk_k(key_1),sc:pk_k(key_2),sc:pk_k(key_3))",
		"or_d(c:pk_k(key_1),and_v(vc:pk_k(key_2),older(144)))",
		"andor(c:pk_k(key_1),older(144),c:pk_k(key_2))",
	} {
		satisfier := fakeSatisfier(
			ContextSegwitV0, "key_1", "key_2", "key_3",
		)
		first := mustSatisfy(t, miniscript, satisfier)
		for i := 0; i < 5; i++ {
			again := mustSatisfy(t, miniscript, satisfier)
			require.Equal(
				t, first.Witness, again.Witness, miniscript,
			)
		}
	}
}

// TestSatisfyLockReporting checks that the satisfaction reports the locks the
// chosen path depends on.
func TestSatisfyLockReporting(t *testing.T) {
	t.Parallel()

	satisfaction := mustSatisfy(
		t, "and_v(vc:pk_k(key_1),older(144))",
		fakeSatisfier(ContextSegwitV0, "key_1"),
	)
	require.Equal(t, uint32(144), satisfaction.RelativeLock)
	require.Equal(t, uint32(0), satisfaction.AbsoluteLock)

	satisfaction = mustSatisfy(
		t, "and_v(vc:pk_k(key_1),after(1000000))",
		fakeSatisfier(ContextSegwitV0, "key_1"),
	)
	require.Equal(t, uint32(0), satisfaction.RelativeLock)
	require.Equal(t, uint32(1000000), satisfaction.AbsoluteLock)

	// A path without locks reports none, even if the fragment contains
	// locked paths.
	satisfaction = mustSatisfy(
		t, "or_d(c:pk_k(key_1),and_v(vc:pk_k(key_2),older(144)))",
		fakeSatisfier(ContextSegwitV0, "key_1"),
	)
	require.Equal(t, uint32(0), satisfaction.RelativeLock)

	// If only the locked path can be satisfied, the lock is reported.
	satisfaction = mustSatisfy(
		t, "or_d(c:pk_k(key_1),and_v(vc:pk_k(key_2),older(144)))",
		fakeSatisfier(ContextSegwitV0, "key_2"),
	)
	require.Equal(t, uint32(144), satisfaction.RelativeLock)
}

// TestSatisfyTimelockConflict checks that a satisfaction that would have to
// mix height-based and time-based relative locks is rejected.
func TestSatisfyTimelockConflict(t *testing.T) {
	t.Parallel()

	ctx := ContextSegwitV0

	// 4194305 has the sequence type flag set, making it a time-based
	// relative lock, while 144 is height-based.
	node, err := Parse("and_b(older(144),a:older(4194305))", ctx)
	require.NoError(t, err)
	_, err = node.Satisfy(fakeSatisfier(ctx))
	require.True(
		t, IsErrorKind(err, ErrTimelockConflict), "got: %v", err,
	)

	// Mixing across kinds is fine: a relative height lock plus an
	// absolute time lock.
	node, err = Parse("and_b(older(144),a:after(500000001))", ctx)
	require.NoError(t, err)
	satisfaction, err := node.Satisfy(fakeSatisfier(ctx))
	require.NoError(t, err)
	require.Equal(t, uint32(144), satisfaction.RelativeLock)
	require.Equal(t, uint32(500000001), satisfaction.AbsoluteLock)

	// In an or, the conflicting path is avoided when another path is
	// available.
	node, err = Parse(
		"or_i(and_b(older(144),a:older(4194305)),c:pk_k(key_1))", ctx,
	)
	require.NoError(t, err)
	require.NoError(t, node.ApplyVars(testLookupVar(ctx)))
	_, err = node.Satisfy(fakeSatisfier(ctx, "key_1"))
	require.NoError(t, err)
}

// TestSatisfyMissingData checks the error cases where no witness exists.
func TestSatisfyMissingData(t *testing.T) {
	t.Parallel()

	ctx := ContextSegwitV0
	testCases := []struct {
		miniscript string
		signers    []string
	}{
		{"c:pk_k(key_1)", nil},
		{"multi(2,key_1,key_2,key_3)", []string{"key_1"}},
		{"and_v(vc:pk_k(key_1),c:pk_k(key_2))", []string{"key_1"}},
		{"sha256(H32)", nil},
	}
	for _, tc := range testCases {
		node, err := Parse(tc.miniscript, ctx)
		require.NoError(t, err, tc.miniscript)
		require.NoError(
			t, node.ApplyVars(testLookupVar(ctx)), tc.miniscript,
		)
		_, err = node.Satisfy(fakeSatisfier(ctx, tc.signers...))
		require.Truef(
			t, IsErrorKind(err, ErrMissingData),
			"miniscript %s: %v", tc.miniscript, err,
		)
	}

	// An unsatisfied timelock is missing data as well.
	node, err := Parse("older(144)", ctx)
	require.NoError(t, err)
	satisfier := fakeSatisfier(ctx)
	satisfier.CheckOlder = func(lockTime uint32) (bool, error) {
		return false, nil
	}
	_, err = node.Satisfy(satisfier)
	require.True(t, IsErrorKind(err, ErrMissingData))
}
