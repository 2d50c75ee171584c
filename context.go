package miniscript

// Context identifies the script execution environment a miniscript is
// compiled for. The three contexts differ in their resource limits, the
// sizes of keys and signatures, and the opcodes that are available.
type Context int

const (
	// ContextLegacy is a pre-segwit script, typically wrapped into P2SH.
	// The redeem script is pushed as a single element of the scriptSig,
	// leaving 520 bytes for the script itself.
	ContextLegacy Context = iota

	// ContextSegwitV0 is a segwit version 0 witness script (P2WSH). Keys
	// are 33 byte compressed public keys and signatures are ECDSA.
	ContextSegwitV0

	// ContextTapscript is a taproot leaf script. Keys are 32 byte x-only
	// public keys, signatures are 64/65 byte Schnorr signatures, the
	// non-push opcode limit does not apply and OP_CHECKMULTISIG is
	// unavailable (replaced by the OP_CHECKSIGADD based multi_a).
	ContextTapscript
)

const (
	// maxLegacyScriptSize is the maximum size in bytes of a P2SH redeem
	// script, which must fit into a single push.
	maxLegacyScriptSize = 520

	// maxStandardP2WSHScriptSize is the maximum size in bytes of a
	// standard witnessScript.
	maxStandardP2WSHScriptSize = 3600

	// maxTapscriptSize is the maximum size in bytes of a tapleaf script
	// accepted here. Consensus has no explicit leaf size limit beyond the
	// block limits; the standardness limit for the total witness is used.
	maxTapscriptSize = 10000

	// maxOpsPerScript is the maximum number of non-push operations per
	// script. It applies to legacy and segwit v0 scripts only.
	maxOpsPerScript = 201

	// multisigMaxKeys is the maximum number of keys in an
	// OP_CHECKMULTISIG. Tapscript's multi_a is bounded by the script size
	// and stack limits instead.
	multisigMaxKeys = 20

	// maxStackElements is the maximum combined number of witness stack
	// elements allowed for a standard input in legacy and segwit v0.
	maxStackElements = 100

	// maxTapscriptStackElements is the consensus limit on the execution
	// stack depth in tapscript.
	maxTapscriptStackElements = 1000

	// compressedPubKeyLen is the length of a compressed public key as
	// used in legacy and segwit v0 scripts.
	compressedPubKeyLen = 33

	// xOnlyPubKeyLen is the length of an x-only public key as used in
	// tapscript.
	xOnlyPubKeyLen = 32

	// ecdsaSigLen is the maximum length of a DER encoded ECDSA signature
	// including the sighash flag byte.
	ecdsaSigLen = 73

	// schnorrSigLen is the length of a Schnorr signature including an
	// explicit sighash flag byte.
	schnorrSigLen = 65
)

// String returns the context as a human-readable name.
func (c Context) String() string {
	switch c {
	case ContextLegacy:
		return "legacy"
	case ContextSegwitV0:
		return "segwitv0"
	case ContextTapscript:
		return "tapscript"
	default:
		return "unknown"
	}
}

// maxScriptSize returns the maximum script size in bytes for the context.
func (c Context) maxScriptSize() int {
	switch c {
	case ContextLegacy:
		return maxLegacyScriptSize
	case ContextTapscript:
		return maxTapscriptSize
	default:
		return maxStandardP2WSHScriptSize
	}
}

// maxOpCount returns the maximum number of non-push operations for the
// context, or 0 if the context does not limit the operation count.
func (c Context) maxOpCount() int {
	if c == ContextTapscript {
		return 0
	}
	return maxOpsPerScript
}

// maxStackSize returns the maximum number of witness elements a satisfaction
// may push for the context.
func (c Context) maxStackSize() int {
	if c == ContextTapscript {
		return maxTapscriptStackElements
	}
	return maxStackElements
}

// pubKeyLen returns the expected length of a public key for the context.
func (c Context) pubKeyLen() int {
	if c == ContextTapscript {
		return xOnlyPubKeyLen
	}
	return compressedPubKeyLen
}

// sigLen returns the maximum length of a signature, including the sighash
// flag byte, for the context.
func (c Context) sigLen() int {
	if c == ContextTapscript {
		return schnorrSigLen
	}
	return ecdsaSigLen
}

// MaxMultisigKeys returns the maximum number of keys a key threshold may
// carry in the context.
func (c Context) MaxMultisigKeys() int {
	if c == ContextTapscript {
		// multi_a has one CHECKSIG(ADD) per key, so the script size is
		// the binding limit. Each key costs 34 bytes of script.
		return (c.maxScriptSize() - 5) / (xOnlyPubKeyLen + 2)
	}
	return multisigMaxKeys
}
