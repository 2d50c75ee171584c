package miniscript

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SignFunc is a function type that returns a signature for a pubkey or false
// if no signer is available.
type SignFunc func(pubKey []byte) (signature []byte, available bool)

// PreimageFunc is a function type that returns the preimage of a hash value.
type PreimageFunc func(hashFunc string, hash []byte) (preimage []byte,
	available bool)

// Satisfier is provided to the satisfier to generate signatures for pubkeys
// and preimages to hash values that occur in the miniscript.
type Satisfier struct {
	// CheckOlder checks if the OP_CHECKSEQUENCEVERIFY call is satisfied
	// in the context of a transaction. Use the `CheckOlder` utility
	// function.
	CheckOlder func(lockTime uint32) (bool, error)

	// CheckAfter checks if the OP_CHECKLOCKTIMEVERIFY call is satisfied
	// in the context of a transaction. Use the `CheckAfter` utility
	// function.
	CheckAfter func(lockTime uint32) (bool, error)

	// Sign returns a signature for the pubkey or false if a signer is not
	// available.
	Sign SignFunc

	// Preimage returns the preimage of the hash value. hashFunc is one of
	// "sha256", "ripemd160", "hash256", "hash160".
	Preimage PreimageFunc
}

// timelocks tracks which kinds of lock requirements a witness accumulates.
// Relative locks counted in blocks cannot be combined with relative locks
// counted in seconds within one witness, and the same holds for absolute
// locks below and above the block height threshold, because a transaction
// carries only one sequence value and one lock time.
type timelocks struct {
	relHeight, relTime bool
	absHeight, absTime bool

	// relative and absolute hold the largest lock value seen, giving the
	// minimum sequence and lock time the spending transaction must carry.
	relative uint32
	absolute uint32
}

func (t timelocks) merge(o timelocks) timelocks {
	merged := timelocks{
		relHeight: t.relHeight || o.relHeight,
		relTime:   t.relTime || o.relTime,
		absHeight: t.absHeight || o.absHeight,
		absTime:   t.absTime || o.absTime,
		relative:  t.relative,
		absolute:  t.absolute,
	}
	if o.relative > merged.relative {
		merged.relative = o.relative
	}
	if o.absolute > merged.absolute {
		merged.absolute = o.absolute
	}
	return merged
}

func (t timelocks) conflict() bool {
	return (t.relHeight && t.relTime) || (t.absHeight && t.absTime)
}

// satisfaction is a struct based on `InputStack` of the Bitcoin Core
// implementation at
// https://github.com/bitcoin/bitcoin/blob/a13f374/src/script/miniscript.cpp
type satisfaction struct {
	// witness is a list of data elements that will be pushed onto the
	// witness stack.
	witness wire.TxWitness

	// available, if false, indicates there is no valid satisfaction (i.e.
	// private key or hash preimage not available, time lock not yet
	// valid, generally not satisfiable, etc.).
	available bool

	// malleable, if true, indicates the satisfaction is malleable by a
	// third party.
	malleable bool

	// hasSig indicates this satisfaction requires a signature, which
	// means a third party cannot malleate this satisfaction even if
	// `malleable` is true. If `malleable` and `hasSig` is true, only we
	// (the key-holders) can malleate this satisfaction.
	hasSig bool

	// locks accumulates the lock requirements of all timelock fragments
	// this satisfaction passes through.
	locks timelocks

	// conflicted marks a satisfaction that was discarded because it
	// combined incompatible lock kinds.
	conflicted bool
}

func (s *satisfaction) setAvailable(available bool) *satisfaction {
	s.available = available
	return s
}

func (s *satisfaction) withSig() *satisfaction {
	s.hasSig = true
	return s
}

func (s *satisfaction) setMalleable(malleable bool) *satisfaction {
	s.malleable = malleable
	return s
}

func (s *satisfaction) and(b *satisfaction) *satisfaction {
	witness := append(wire.TxWitness{}, s.witness...)
	result := &satisfaction{
		witness:    append(witness, b.witness...),
		available:  s.available && b.available,
		malleable:  s.malleable || b.malleable,
		hasSig:     s.hasSig || b.hasSig,
		locks:      s.locks.merge(b.locks),
		conflicted: s.conflicted || b.conflicted,
	}
	if result.locks.conflict() {
		// A transaction cannot meet both lock requirements at once, so
		// this combination is unusable even though each side on its
		// own is fine.
		result.available = false
		result.conflicted = true
	}
	return result
}

func (s *satisfaction) or(b *satisfaction) *satisfaction {
	// If only one (or neither) is valid, pick the other one. A conflicted
	// branch is kept over a plainly missing one so that the failure
	// reason survives to the top.
	if !s.available {
		if !b.available && s.conflicted {
			return s
		}
		return b
	}
	if !b.available {
		return s
	}
	// If only one of the solutions has a signature, we must pick the
	// other one.
	if !s.hasSig && b.hasSig {
		return s
	}
	if s.hasSig && !b.hasSig {
		return b
	}
	if !s.hasSig && !b.hasSig {
		// If neither solution requires a signature, the result is
		// inevitably malleable.
		s.malleable = true
		b.malleable = true
	} else {
		// If both options require a signature, prefer the
		// non-malleable one.
		if b.malleable && !s.malleable {
			return s
		}
		if s.malleable && !b.malleable {
			return b
		}
	}

	// Both available, pick the smaller one. Ties keep the first, so
	// repeated runs over the same inputs return the same witness.
	if s.witness.SerializeSize() <= b.witness.SerializeSize() {
		return s
	}
	return b
}

type satisfactions struct {
	dsat, sat *satisfaction
}

// subsets returns all subsets of the set {0, ..., n-1} of length k.
func subsets(n int, k int) [][]int {
	type stackItem struct {
		subset []int
		start  int
	}

	var subsets [][]int
	stack := []stackItem{{
		subset: []int{},
		start:  0,
	}}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if len(current.subset) == k {
			subsets = append(subsets, current.subset)
			continue
		}

		for i := current.start; i < n; i++ {
			newSubset := append([]int{}, current.subset...)
			newSubset = append(newSubset, i)
			stack = append(stack, stackItem{
				subset: newSubset,
				start:  i + 1,
			})
		}
	}

	return subsets
}

func containsInt(ints []int, i int) bool {
	for _, el := range ints {
		if el == i {
			return true
		}
	}
	return false
}

func verifyLockTime(txLockTime uint32, threshold uint32, lockTime uint32) bool {
	if !((txLockTime < threshold && lockTime < threshold) ||
		(txLockTime >= threshold && lockTime >= threshold)) {

		// Can't mix time lock types (blocks vs time).
		return false
	}
	return lockTime <= txLockTime
}

// CheckOlder checks if the OP_CHECKSEQUENCEVERIFY (BIP112, BIP68) call is
// satisfied given the lock time value.
//
// txVersion is the version of the transaction being signed.
// OP_CHECKSEQUENCEVERIFY requires this to be at least 2, otherwise the
// script fails.
//
// txInputSequence should be set to the sequence field of the input that is
// being signed. It is compared to the lock time value.
func CheckOlder(lockTime uint32, txVersion uint32,
	txInputSequence uint32) bool {

	// See BIP68. Mask off non-consensus bits before doing comparisons.
	lockTimeMask := uint32(
		wire.SequenceLockTimeIsSeconds | wire.SequenceLockTimeMask,
	)
	return txInputSequence&wire.SequenceLockTimeDisabled == 0 &&
		txVersion >= 2 && verifyLockTime(
		txInputSequence&lockTimeMask,
		wire.SequenceLockTimeIsSeconds,
		lockTime&lockTimeMask,
	)
}

// CheckAfter checks if the OP_CHECKLOCKTIMEVERIFY (BIP65) call is satisfied
// given the lock time value.
//
// txLockTime is the nLockTime of the transaction that is being signed. It is
// compared to the lock time value.
//
// txInputSequence should be set to the sequence field of the input that is
// being signed. According to BIP65, it must be smaller than 0xFFFFFFFF
// (maximum value) for this OP-code to not abort.
func CheckAfter(value uint32, txLockTime uint32, txInputSequence uint32) bool {
	return txInputSequence != wire.MaxTxInSequenceNum &&
		verifyLockTime(txLockTime, txscript.LockTimeThreshold, value)
}

// satisfy is based on `ProduceInput()` of the Bitcoin Core implementation
// at:
// https://github.com/bitcoin/bitcoin/blob/a13f374/src/script/miniscript.h#L850
func satisfy(node *AST, satisfier *Satisfier) (*satisfactions, error) {
	zero := func() *satisfaction {
		// Empty data translates to OP_0/OP_FALSE (push zero bytes)
		return &satisfaction{
			witness:   wire.TxWitness{{}},
			available: true,
		}
	}
	one := func() *satisfaction {
		return &satisfaction{
			witness:   wire.TxWitness{{1}},
			available: true,
		}
	}
	empty := func() *satisfaction {
		return &satisfaction{
			witness:   wire.TxWitness{},
			available: true,
		}
	}
	unavailable := func() *satisfaction {
		return &satisfaction{available: false}
	}
	witness := func(w []byte) *satisfaction {
		return &satisfaction{
			witness:   wire.TxWitness{w},
			available: true,
		}
	}
	keyOf := func(arg *AST) ([]byte, error) {
		if arg.value == nil {
			return nil, miniscriptError(ErrMissingData, "empty "+
				"key for %s (%s)", node.identifier,
				arg.identifier)
		}
		return arg.value, nil
	}

	switch node.identifier {
	case f_0:
		return &satisfactions{
			dsat: empty(),
			sat:  unavailable(),
		}, nil

	case f_1:
		return &satisfactions{
			dsat: unavailable(),
			sat:  empty(),
		}, nil

	case f_pk_k:
		key, err := keyOf(node.args[0])
		if err != nil {
			return nil, err
		}
		sig, available := satisfier.Sign(key)
		return &satisfactions{
			dsat: zero(),
			sat:  witness(sig).withSig().setAvailable(available),
		}, nil

	case f_pk_h:
		key, err := keyOf(node.args[0])
		if err != nil {
			return nil, err
		}
		sig, available := satisfier.Sign(key)
		return &satisfactions{
			dsat: zero().and(witness(key)),
			sat: witness(sig).withSig().setAvailable(available).and(
				witness(key),
			),
		}, nil

	case f_older:
		// BIP112 - OP_CHECKSEQUENCEVERIFY
		value := uint32(node.args[0].num)
		satisfied, err := satisfier.CheckOlder(value)
		if err != nil {
			return nil, err
		}
		sat := empty().setAvailable(satisfied)
		if value&wire.SequenceLockTimeIsSeconds != 0 {
			sat.locks.relTime = true
		} else {
			sat.locks.relHeight = true
		}
		sat.locks.relative = value
		return &satisfactions{
			dsat: unavailable(),
			sat:  sat,
		}, nil

	case f_after:
		// BIP65 - OP_CHECKLOCKTIMEVERIFY
		value := uint32(node.args[0].num)
		satisfied, err := satisfier.CheckAfter(value)
		if err != nil {
			return nil, err
		}
		sat := empty().setAvailable(satisfied)
		if value >= txscript.LockTimeThreshold {
			sat.locks.absTime = true
		} else {
			sat.locks.absHeight = true
		}
		sat.locks.absolute = value
		return &satisfactions{
			dsat: unavailable(),
			sat:  sat,
		}, nil

	case f_sha256, f_ripemd160, f_hash256, f_hash160:
		hashValue := node.args[0].value
		if hashValue == nil {
			return nil, miniscriptError(ErrMissingData, "hash "+
				"value empty for %s (%s)", node.identifier,
				node.args[0].identifier)
		}
		preimage, available := satisfier.Preimage(
			node.identifier, hashValue,
		)
		if available && len(preimage) != 32 {
			return nil, miniscriptError(ErrMissingData, "length "+
				"of %s preimage of %x expected to be 32, got "+
				"%d", node.identifier, hashValue, len(preimage))
		}
		sat := witness(preimage).setAvailable(available)
		return &satisfactions{
			// Preimage 0x0000... is assumed invalid.
			dsat: witness(make([]byte, 32)).setMalleable(true),
			sat:  sat,
		}, nil

	case f_andor:
		x, err := satisfy(node.args[0], satisfier)
		if err != nil {
			return nil, err
		}
		y, err := satisfy(node.args[1], satisfier)
		if err != nil {
			return nil, err
		}
		z, err := satisfy(node.args[2], satisfier)
		if err != nil {
			return nil, err
		}
		return &satisfactions{
			dsat: z.dsat.and(x.dsat).or(y.dsat.and(x.sat)),
			sat:  y.sat.and(x.sat).or(z.sat.and(x.dsat)),
		}, nil

	case f_and_v:
		x, err := satisfy(node.args[0], satisfier)
		if err != nil {
			return nil, err
		}
		y, err := satisfy(node.args[1], satisfier)
		if err != nil {
			return nil, err
		}
		return &satisfactions{
			dsat: y.dsat.and(x.sat),
			sat:  y.sat.and(x.sat),
		}, nil

	case f_and_b:
		x, err := satisfy(node.args[0], satisfier)
		if err != nil {
			return nil, err
		}
		y, err := satisfy(node.args[1], satisfier)
		if err != nil {
			return nil, err
		}
		return &satisfactions{
			dsat: y.dsat.and(x.dsat).or(
				y.sat.and(x.dsat).setMalleable(true),
			).or(
				y.dsat.and(x.sat).setMalleable(true),
			),
			sat: y.sat.and(x.sat),
		}, nil

	case f_or_b:
		x, err := satisfy(node.args[0], satisfier)
		if err != nil {
			return nil, err
		}
		z, err := satisfy(node.args[1], satisfier)
		if err != nil {
			return nil, err
		}
		return &satisfactions{
			dsat: z.dsat.and(x.dsat),
			sat: z.dsat.and(x.sat).or(
				z.sat.and(x.dsat),
			).or(
				z.sat.and(x.sat).setMalleable(true),
			),
		}, nil

	case f_or_c:
		x, err := satisfy(node.args[0], satisfier)
		if err != nil {
			return nil, err
		}
		z, err := satisfy(node.args[1], satisfier)
		if err != nil {
			return nil, err
		}
		return &satisfactions{
			dsat: unavailable(),
			sat:  x.sat.or(z.sat.and(x.dsat)),
		}, nil

	case f_or_d:
		x, err := satisfy(node.args[0], satisfier)
		if err != nil {
			return nil, err
		}
		z, err := satisfy(node.args[1], satisfier)
		if err != nil {
			return nil, err
		}
		return &satisfactions{
			dsat: z.dsat.and(x.dsat),
			sat:  x.sat.or(z.sat.and(x.dsat)),
		}, nil

	case f_or_i:
		x, err := satisfy(node.args[0], satisfier)
		if err != nil {
			return nil, err
		}
		z, err := satisfy(node.args[1], satisfier)
		if err != nil {
			return nil, err
		}
		return &satisfactions{
			dsat: x.dsat.and(one()).or(z.dsat.and(zero())),
			sat:  x.sat.and(one()).or(z.sat.and(zero())),
		}, nil

	case f_thresh:
		k := node.args[0].num
		n := len(node.args) - 1
		subSats := make([]*satisfactions, n)
		for i, arg := range node.args[1:] {
			sat, err := satisfy(arg, satisfier)
			if err != nil {
				return nil, err
			}
			subSats[i] = sat
		}

		dsat := empty().setAvailable(false)
		sat := empty().setAvailable(false)

		for ks := 0; ks <= n; ks++ {
			// Iterate over all subsets of length ks.
			for _, subset := range subsets(n, ks) {
				// The witness is the concatenation of all
				// subexpressions, ks of which are satisfied
				// and n-ks which are dissatisfied.
				candidateSat := empty()
				for i := 0; i < n; i++ {
					subSat := subSats[i]
					if containsInt(subset, i) {
						candidateSat = subSat.sat.and(
							candidateSat,
						)
					} else {
						candidateSat = subSat.dsat.and(
							candidateSat,
						)
					}
				}
				switch {
				case ks == int(k):
					// If exactly k subs are satisfied,
					// it's a valid satisfaction.
					sat = sat.or(candidateSat)
				case ks == 0:
					// Dissatisfying every sub is the
					// canonical dissatisfaction.
					dsat = dsat.or(candidateSat)
				default:
					// Any other mixture dissatisfies the
					// threshold, but a third party could
					// replace it with the canonical one.
					dsat = dsat.or(
						candidateSat.setMalleable(true),
					)
				}
			}
		}
		return &satisfactions{
			dsat: dsat,
			sat:  sat,
		}, nil

	case f_multi:
		k := node.args[0].num
		n := len(node.args) - 1
		dsat := zero()
		for i := uint64(0); i < k; i++ {
			dsat = dsat.and(zero())
		}

		// All actual signatures. If a sig is unavailable, it is left
		// empty.
		sigs := make([][]byte, n)
		for i, arg := range node.args[1:] {
			key, err := keyOf(arg)
			if err != nil {
				return nil, err
			}
			sig, available := satisfier.Sign(key)
			if available {
				sigs[i] = sig
			}
		}

		sigsSat := empty().setAvailable(false)

		// Iterate over all k-subsets of the keys. The subsets come in
		// a fixed order, so the chosen witness is deterministic.
		for _, subset := range subsets(n, int(k)) {
			// Candidate satisfaction for one subset of keys:
			// `sig sig sig ...`.
			candidateSat := empty()
			for _, i := range subset {
				sigAvailable := len(sigs[i]) > 0
				candidateSat = candidateSat.and(
					witness(sigs[i]).withSig().setAvailable(
						sigAvailable,
					),
				)
			}
			sigsSat = sigsSat.or(candidateSat)
		}
		return &satisfactions{
			dsat: dsat,
			sat:  zero().and(sigsSat), // 0 sig sig sig ...
		}, nil

	case f_multi_a:
		k := node.args[0].num
		n := len(node.args) - 1

		sigs := make([][]byte, n)
		for i, arg := range node.args[1:] {
			key, err := keyOf(arg)
			if err != nil {
				return nil, err
			}
			sig, available := satisfier.Sign(key)
			if available {
				sigs[i] = sig
			}
		}

		// Each key consumes one witness element, either its signature
		// or an empty push. The first key's element sits on top of
		// the stack, so the witness lists the elements in reverse key
		// order.
		sat := empty().setAvailable(false)
		for _, subset := range subsets(n, int(k)) {
			candidateSat := empty()
			for i := n - 1; i >= 0; i-- {
				if containsInt(subset, i) {
					sigAvailable := len(sigs[i]) > 0
					candidateSat = candidateSat.and(
						witness(sigs[i]).withSig().
							setAvailable(
								sigAvailable,
							),
					)
				} else {
					candidateSat = candidateSat.and(zero())
				}
			}
			sat = sat.or(candidateSat)
		}

		dsat := empty()
		for i := 0; i < n; i++ {
			dsat = dsat.and(zero())
		}
		return &satisfactions{
			dsat: dsat,
			sat:  sat,
		}, nil

	case f_wrap_a, f_wrap_s, f_wrap_c, f_wrap_n:
		return satisfy(node.args[0], satisfier)

	case f_wrap_d:
		x, err := satisfy(node.args[0], satisfier)
		if err != nil {
			return nil, err
		}
		return &satisfactions{
			dsat: zero(),
			sat:  x.sat.and(one()),
		}, nil

	case f_wrap_v:
		x, err := satisfy(node.args[0], satisfier)
		if err != nil {
			return nil, err
		}
		return &satisfactions{
			dsat: unavailable(),
			sat:  x.sat,
		}, nil

	case f_wrap_j:
		x, err := satisfy(node.args[0], satisfier)
		if err != nil {
			return nil, err
		}
		return &satisfactions{
			dsat: zero().setMalleable(
				x.dsat.available && !x.dsat.hasSig,
			),
			sat: x.sat,
		}, nil

	default:
		return nil, miniscriptError(ErrMissingData, "unrecognized "+
			"identifier: %s", node.identifier)
	}
}

// Satisfaction is a valid witness for a miniscript together with the
// constraints the spending transaction must meet for the witness to verify.
type Satisfaction struct {
	// Witness is a list of witness elements, each of which should be
	// pushed onto the witness stack as a data push.
	Witness wire.TxWitness

	// HasSig indicates the witness contains at least one signature.
	HasSig bool

	// RelativeLock is the minimum relative lock (BIP68 sequence value)
	// the spending input must carry, or zero if no relative timelock is
	// on the satisfied path.
	RelativeLock uint32

	// AbsoluteLock is the minimum nLockTime the spending transaction
	// must carry, or zero if no absolute timelock is on the satisfied
	// path.
	AbsoluteLock uint32
}

// Satisfy returns a valid non-malleable witness for this miniscript, given
// the available secrets (private keys and hash preimages). If no such
// witness could be found, an error of kind ErrMissingData or, when the only
// candidate witnesses combined incompatible lock kinds, ErrTimelockConflict
// is returned.
//
// Repeated calls with the same fragment and satisfier return byte-identical
// witnesses.
func (a *AST) Satisfy(satisfier *Satisfier) (*Satisfaction, error) {
	satisfactions, err := satisfy(a, satisfier)
	if err != nil {
		return nil, err
	}
	sat := satisfactions.sat
	if !sat.available {
		if sat.conflicted {
			return nil, miniscriptError(ErrTimelockConflict,
				"every candidate witness requires "+
					"incompatible lock kinds")
		}
		return nil, miniscriptError(ErrMissingData, "no satisfaction "+
			"could be found")
	}
	return &Satisfaction{
		Witness:      sat.witness,
		HasSig:       sat.hasSig,
		RelativeLock: sat.locks.relative,
		AbsoluteLock: sat.locks.absolute,
	}, nil
}
