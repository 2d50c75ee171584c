package miniscript

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestSplitString tests the splitString function.
func TestSplitString(t *testing.T) {
	separators := func(c rune) bool {
		return c == '(' || c == ')' || c == ','
	}

	testCases := []struct {
		str      string
		expected []string
	}{
		{
			str:      "",
			expected: []string{},
		},
		{
			str:      "0",
			expected: []string{"0"},
		},
		{
			str:      "0)(1(",
			expected: []string{"0", ")", "(", "1", "("},
		},
		{
			str: "or_b(pk(key_1),s:pk(key_2))",
			expected: []string{
				"or_b", "(", "pk", "(", "key_1", ")", ",",
				"s:pk", "(", "key_2", ")", ")",
			},
		},
	}

	for _, tc := range testCases {
		require.Equal(t, tc.expected, splitString(tc.str, separators))
	}
}

// testKey returns an arbitrary unique pubkey-sized value derived from the
// identifier.
func testKey(identifier string, keyLen int) []byte {
	hash := chainhash.HashB([]byte(identifier))
	if keyLen == 32 {
		return hash
	}
	return append(hash, 0)
}

// testLookupVar resolves every identifier to a unique value of the right
// size: keys sized for the context, "H32"/"H20" to hash values.
func testLookupVar(ctx Context) func(string) ([]byte, error) {
	return func(identifier string) ([]byte, error) {
		switch identifier {
		case "H32":
			return chainhash.HashB([]byte(identifier)), nil
		case "H20":
			return btcutil.Hash160([]byte(identifier)), nil
		}
		return testKey(identifier, ctx.pubKeyLen()), nil
	}
}

// checkMiniscript makes sure the passed miniscript is top level, has the
// expected type and script length.
func checkMiniscript(miniscript, expectedType string, ctx Context) error {
	node, err := Parse(miniscript, ctx)
	if err != nil {
		return err
	}
	if err := node.IsValidTopLevel(); err != nil {
		return err
	}
	sortString := func(s string) string {
		r := []rune(s)
		sort.Slice(r, func(i, j int) bool {
			return r[i] < r[j]
		})
		return string(r)
	}
	if sortString(expectedType) != sortString(node.formattedType()) {
		return fmt.Errorf("expected type %s, got %s",
			sortString(expectedType),
			sortString(node.formattedType()))
	}

	err = node.ApplyVars(testLookupVar(ctx))
	if err != nil {
		return err
	}

	script, err := node.Script()
	if err != nil {
		return err
	}

	if len(script) != node.scriptLen {
		return fmt.Errorf("expected script length %d but got %d for "+
			"script %s", node.scriptLen, len(script),
			node.DrawTree())
	}

	return nil
}

// TestVectors asserts the typing rules on a set of known expressions.
func TestVectors(t *testing.T) {
	t.Parallel()

	valid := []struct {
		miniscript   string
		expectedType string
	}{
		{"older(144)", "Bzfm"},
		{"after(500000001)", "Bzfm"},
		{"pk(key_1)", "Bondumse"},
		{"pkh(key_1)", "Bndumse"},
		{"c:pk_k(key_1)", "Bondumse"},
		{"sha256(H32)", "Bondum"},
		{"hash256(H32)", "Bondum"},
		{"ripemd160(H20)", "Bondum"},
		{"hash160(H20)", "Bondum"},
		{"multi(2,key_1,key_2)", "Bndumse"},
		{"and_v(v:pk(key_1),pk(key_2))", "Bnumsf"},
		{"or_b(pk(key_1),s:pk(key_2))", "Bdumse"},
		{"or_d(pk(key_1),older(144))", "Bomf"},
		{"and_b(older(144),a:pk(key_1))", "Bums"},
		{"thresh(2,pk(key_1),s:pk(key_2),s:pk(key_3))", "Bdumse"},
		{"j:multi(2,key_1,key_2)", "Bndums"},
		{"t:or_c(pk(key_1),v:pk(key_2))", "Bumsf"},
		{"or_i(and_v(v:pkh(key_1),older(144)),pk(key_2))", "Bdmse"},
	}
	for _, tc := range valid {
		require.NoError(
			t, checkMiniscript(
				tc.miniscript, tc.expectedType, ContextSegwitV0,
			), "failure on %s", tc.miniscript,
		)
	}

	invalid := []string{
		// Unbalanced or malformed notation.
		"",
		"pk()",
		"pk(key_1",
		"or_b(pk(key_1)",
		"pk(key_1))",
		"unknown(key_1)",
		// Wrong argument counts.
		"older(144,145)",
		"and_v(pk(key_1))",
		"andor(pk(key_1),pk(key_2))",
		// Out of range numbers.
		"older(0)",
		"older(2147483648)",
		"multi(0,key_1)",
		"multi(3,key_1,key_2)",
		// Type errors: and_v needs a V first argument.
		"and_v(pk(key_1),pk(key_2))",
		// or_b needs dissatisfiable arguments.
		"or_b(older(144),s:pk(key_1))",
		// s: needs a one-input argument.
		"s:older(144)",
		// d: needs a zero-input V argument.
		"d:pk(key_1)",
		// Wrappers on the wrong base type.
		"c:older(144)",
		"v:v:pk(key_1)",
		// multi_a is tapscript only.
		"multi_a(1,key_1)",
	}
	for _, miniscript := range invalid {
		node, err := Parse(miniscript, ContextSegwitV0)
		if err == nil {
			err = node.IsValidTopLevel()
		}
		require.Errorf(t, err, "no failure on %s", miniscript)
	}
}

// TestContexts checks the context-dependent rules: key sizes, fragment
// availability and resource limits.
func TestContexts(t *testing.T) {
	t.Parallel()

	// multi is rejected in tapscript, multi_a everywhere else.
	_, err := Parse("multi(1,key_1)", ContextTapscript)
	require.True(t, IsErrorKind(err, ErrInvalidType))
	_, err = Parse("multi_a(1,key_1)", ContextLegacy)
	require.True(t, IsErrorKind(err, ErrInvalidType))
	_, err = Parse("multi_a(1,key_1)", ContextTapscript)
	require.NoError(t, err)

	// The d: wrapper gains the u property under MINIMALIF rules.
	for _, tc := range []struct {
		ctx  Context
		want bool
	}{
		{ContextSegwitV0, false},
		{ContextTapscript, true},
	} {
		node, err := Parse("dv:older(144)", tc.ctx)
		require.NoError(t, err)
		require.Equal(t, tc.want, node.props.u)
	}

	// Key size is context dependent.
	node, err := Parse("pk(key_1)", ContextTapscript)
	require.NoError(t, err)
	require.Error(t, node.ApplyVars(func(string) ([]byte, error) {
		return testKey("key_1", 33), nil
	}))

	// A 21-key multisig fits no pre-tapscript context.
	script := "multi(1,key_1"
	for i := 2; i <= 21; i++ {
		script += fmt.Sprintf(",key_%d", i)
	}
	script += ")"
	_, err = Parse(script, ContextSegwitV0)
	require.True(t, IsErrorKind(err, ErrResourceLimit))
}

// TestOpCountLimit checks that scripts over the 201 op limit are rejected
// outside tapscript.
func TestOpCountLimit(t *testing.T) {
	t.Parallel()

	// Every thresh subexpression executes, so each a:pkh adds its seven
	// operations to the worst case. 31 subexpressions exceed 201 ops
	// while staying well under the script size limit.
	script := "thresh(1,pkh(key_0)"
	for i := 1; i <= 30; i++ {
		script += fmt.Sprintf(",a:pkh(key_%d)", i)
	}
	script += ")"
	_, err := Parse(script, ContextSegwitV0)
	require.True(t, IsErrorKind(err, ErrResourceLimit))

	// Tapscript has no op limit.
	_, err = Parse(script, ContextTapscript)
	require.NoError(t, err)
}

// TestComputeOpCount tests that the MaxOpCount function returns the correct
// number of operations.
func TestComputeOpCount(t *testing.T) {
	testCases := []struct {
		script     string
		maxOpCount int
	}{
		{
			script: "or_i(multi(2,key1,key2,key3)," +
				"multi(3,key4,key5,key6,key7))",
			maxOpCount: 9,
		},
		{
			script: "thresh(2,or_i(multi(2,key1,key2,key3)," +
				"multi(3,key4,key5,key6,key7))," +
				"s:pk(key8),s:pk(key9))",
			maxOpCount: 16,
		},
		{
			script: "thresh(2,or_d(multi(2,key1,key2,key3)," +
				"multi(3,key4,key5,key6,key7))," +
				"s:pk(key8),s:pk(key9))",
			maxOpCount: 19,
		},
	}

	for _, tc := range testCases {
		node, err := Parse(tc.script, ContextSegwitV0)
		require.NoError(t, err)
		require.Equal(t, tc.maxOpCount, node.MaxOpCount())
	}
}

// testKeyStore holds deterministic test keys and a hash preimage.
type testKeyStore struct {
	privKeys map[string]*btcec.PrivateKey
	pubKeys  map[string][]byte
	preimage []byte
}

func newTestKeyStore() *testKeyStore {
	store := &testKeyStore{
		privKeys: map[string]*btcec.PrivateKey{},
		pubKeys:  map[string][]byte{},
		preimage: chainhash.HashB([]byte("a secret")),
	}
	for _, name := range []string{"key_1", "key_2", "key_3"} {
		privKey, pubKey := btcec.PrivKeyFromBytes(
			chainhash.HashB([]byte(name)),
		)
		store.privKeys[name] = privKey
		store.pubKeys[name] = pubKey.SerializeCompressed()
	}
	return store
}

func (s *testKeyStore) lookupVar(identifier string) ([]byte, error) {
	if pubKey, ok := s.pubKeys[identifier]; ok {
		return pubKey, nil
	}
	switch identifier {
	case "H_sha256":
		hash := sha256.Sum256(s.preimage)
		return hash[:], nil
	case "H_hash160":
		return btcutil.Hash160(s.preimage), nil
	}
	return nil, nil
}

type testSignFn func(pubKey []byte, hash []byte) (signature []byte,
	available bool)

// sign returns a signer that can sign for the named keys only.
func (s *testKeyStore) sign(names ...string) testSignFn {
	return func(pk []byte, hash []byte) ([]byte, bool) {
		for _, name := range names {
			if bytes.Equal(pk, s.pubKeys[name]) {
				signature := ecdsa.Sign(
					s.privKeys[name], hash,
				)
				return signature.Serialize(), true
			}
		}
		return nil, false
	}
}

func (s *testKeyStore) preimages(available bool) PreimageFunc {
	return func(hashFunc string, hash []byte) ([]byte, bool) {
		if !available {
			return nil, false
		}
		switch hashFunc {
		case "sha256":
			preimageHash := sha256.Sum256(s.preimage)
			return s.preimage, bytes.Equal(hash, preimageHash[:])
		case "hash160":
			return s.preimage, bytes.Equal(
				hash, btcutil.Hash160(s.preimage),
			)
		}
		return nil, false
	}
}

// testRedeem builds a p2wsh(<miniscript>) UTXO, satisfies the miniscript
// and executes the resulting witness against the script engine.
func testRedeem(t *testing.T, miniscript string, store *testKeyStore,
	sequence uint32, sign testSignFn, preimage PreimageFunc) error {

	node, err := Parse(miniscript, ContextSegwitV0)
	if err != nil {
		return err
	}
	err = node.IsSane()
	if err != nil {
		return err
	}
	err = node.ApplyVars(store.lookupVar)
	if err != nil {
		return err
	}
	t.Logf("Tree for miniscript %v: %v", miniscript, node.DrawTree())

	witnessScript, err := node.Script()
	if err != nil {
		return err
	}

	scriptHash := sha256.Sum256(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(
		scriptHash[:], &chaincfg.TestNet3Params,
	)
	if err != nil {
		return err
	}

	utxoAmount := int64(999799)
	utxoPkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return err
	}

	// Our test spend is a 1-input 1-output transaction. The input spends
	// the miniscript UTXO. The output is an arbitrary OP_RETURN burn
	// output.
	burnPkScript, err := txscript.NullDataScript(nil)
	if err != nil {
		return err
	}

	hash, err := chainhash.NewHashFromStr(
		"000000000000000000000000000000000000000000000000000000000000" +
			"0000",
	)
	if err != nil {
		return err
	}
	txInput := wire.NewTxIn(&wire.OutPoint{Hash: *hash}, nil, nil)
	txInput.Sequence = sequence

	transaction := wire.MsgTx{
		Version: 2,
		TxIn:    []*wire.TxIn{txInput},
		TxOut: []*wire.TxOut{{
			Value:    utxoAmount - 200,
			PkScript: burnPkScript,
		}},
		LockTime: 0,
	}

	inputIndex := 0
	previousOutputs := txscript.NewCannedPrevOutputFetcher(
		utxoPkScript, utxoAmount,
	)

	sigHashes := txscript.NewTxSigHashes(&transaction, previousOutputs)
	signatureHash, err := txscript.CalcWitnessSigHash(
		witnessScript, sigHashes, txscript.SigHashAll, &transaction,
		inputIndex, utxoAmount,
	)
	if err != nil {
		return err
	}

	satisfaction, err := node.Satisfy(&Satisfier{
		CheckOlder: func(lockTime uint32) (bool, error) {
			return CheckOlder(
				lockTime, uint32(transaction.Version),
				transaction.TxIn[inputIndex].Sequence,
			), nil
		},
		CheckAfter: func(lockTime uint32) (bool, error) {
			return CheckAfter(
				lockTime, transaction.LockTime,
				transaction.TxIn[inputIndex].Sequence,
			), nil
		},
		Sign: func(pubKey []byte) ([]byte, bool) {
			signature, available := sign(pubKey, signatureHash)
			if !available {
				return nil, false
			}
			signature = append(signature, byte(txscript.SigHashAll))
			return signature, true
		},
		Preimage: preimage,
	})
	if err != nil {
		return err
	}

	// Put the created witness into the transaction input, then execute
	// the script to test that the UTXO can be spent successfully.
	transaction.TxIn[inputIndex].Witness = append(
		satisfaction.Witness, witnessScript,
	)
	engine, err := txscript.NewEngine(
		utxoPkScript, &transaction, inputIndex,
		txscript.StandardVerifyFlags, nil, sigHashes, utxoAmount,
		previousOutputs,
	)
	if err != nil {
		return err
	}
	return engine.Execute()
}

// TestRedeem tests that the script generated from a miniscript can be spent
// successfully.
func TestRedeem(t *testing.T) {
	t.Parallel()

	store := newTestKeyStore()

	testCases := []struct {
		miniscript  string
		comment     string
		valid       bool
		sequence    uint32
		signers     []string
		hasPreimage bool
	}{
		{
			miniscript: "pk(key_1)",
			comment:    "single sig",
			valid:      true,
			signers:    []string{"key_1"},
		},
		{
			miniscript: "pk(key_1)",
			comment:    "single sig, no signer",
			valid:      false,
		},
		{
			miniscript: "pkh(key_1)",
			comment:    "single sig with key hash",
			valid:      true,
			signers:    []string{"key_1"},
		},
		{
			miniscript: "or_b(pk(key_1),s:pk(key_2))",
			comment:    "one of two keys, second available",
			valid:      true,
			signers:    []string{"key_2"},
		},
		{
			miniscript: "and_v(v:pk(key_1),pk(key_2))",
			comment:    "two keys, both available",
			valid:      true,
			signers:    []string{"key_1", "key_2"},
		},
		{
			miniscript: "and_v(v:pk(key_1),pk(key_2))",
			comment:    "two keys, one missing",
			valid:      false,
			signers:    []string{"key_1"},
		},
		{
			miniscript: "multi(2,key_1,key_2,key_3)",
			comment:    "2-of-3 with first and third key",
			valid:      true,
			signers:    []string{"key_1", "key_3"},
		},
		{
			miniscript: "thresh(2,pk(key_1),s:pk(key_2)," +
				"s:pk(key_3))",
			comment: "threshold with first and third key",
			valid:   true,
			signers: []string{"key_1", "key_3"},
		},
		{
			miniscript: "and_v(v:pk(key_1),older(144))",
			comment:    "timelock passed",
			valid:      true,
			sequence:   144,
			signers:    []string{"key_1"},
		},
		{
			miniscript: "and_v(v:pk(key_1),older(144))",
			comment:    "timelock not passed",
			valid:      false,
			sequence:   143,
			signers:    []string{"key_1"},
		},
		{
			miniscript: "and_v(v:pk(key_1),sha256(H_sha256))",
			comment:    "key plus preimage",
			valid:      true,
			signers:    []string{"key_1"},

			hasPreimage: true,
		},
		{
			miniscript: "and_v(v:pk(key_1),sha256(H_sha256))",
			comment:    "key plus missing preimage",
			valid:      false,
			signers:    []string{"key_1"},
		},
		{
			miniscript: "or_d(pk(key_1)," +
				"and_v(v:pkh(key_2),older(144)))",
			comment: "immediate spend path",
			valid:   true,
			signers: []string{"key_1"},
		},
		{
			miniscript: "or_d(pk(key_1)," +
				"and_v(v:pkh(key_2),older(144)))",
			comment:  "recovery path after the timelock",
			valid:    true,
			sequence: 144,
			signers:  []string{"key_2"},
		},
		{
			miniscript: "andor(pk(key_1),older(144),pk(key_2))",
			comment:    "andor primary path with lock",
			valid:      true,
			sequence:   144,
			signers:    []string{"key_1"},
		},
		{
			miniscript: "andor(pk(key_1),older(144),pk(key_2))",
			comment:    "andor fallback path without lock",
			valid:      true,
			signers:    []string{"key_2"},
		},
		{
			miniscript: "andor(pk(key_1),older(144),pk(key_2))",
			comment:    "andor primary path without lock",
			valid:      false,
			signers:    []string{"key_1"},
		},
	}

	for _, tc := range testCases {
		err := testRedeem(
			t, tc.miniscript, store, tc.sequence,
			store.sign(tc.signers...),
			store.preimages(tc.hasPreimage),
		)

		if !tc.valid {
			require.Errorf(
				t, err, "comment: %s, miniscript: %s",
				tc.comment, tc.miniscript,
			)
			continue
		}
		require.NoErrorf(
			t, err, "comment: %s, miniscript: %s", tc.comment,
			tc.miniscript,
		)
	}
}

// TestStringRoundTrip checks that parsing the printed form gives back an
// equal tree.
func TestStringRoundTrip(t *testing.T) {
	t.Parallel()

	for _, miniscript := range []string{
		"0",
		"1",
		"c:pk_k(key_1)",
		"c:pk_h(key_1)",
		"older(144)",
		"and_v(vc:pk_k(key_1),c:pk_k(key_2))",
		"or_b(c:pk_k(key_1),sc:pk_k(key_2))",
		"thresh(2,c:pk_k(key_1),sc:pk_k(key_2),sc:pk_k(key_3))",
		"andor(c:pk_k(key_1),older(144),c:pk_k(key_2))",
		"j:multi(2,key_1,key_2)",
	} {
		node, err := Parse(miniscript, ContextSegwitV0)
		require.NoError(t, err)
		require.Equal(t, miniscript, node.String())

		again, err := Parse(node.String(), ContextSegwitV0)
		require.NoError(t, err)
		require.True(t, node.Equal(again))
	}
}
