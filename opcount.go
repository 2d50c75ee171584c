package miniscript

// maxInt is an optional integer used for worst-case resource accounting. An
// invalid value means "no such execution path exists".
type maxInt struct {
	valid bool
	value int
}

func (m maxInt) and(b maxInt) maxInt {
	if !m.valid || !b.valid {
		return maxInt{}
	}
	return maxInt{
		valid: true,
		value: m.value + b.value,
	}
}

func (m maxInt) or(b maxInt) maxInt {
	if !m.valid {
		return b
	}
	if !b.valid {
		return m
	}
	if m.value >= b.value {
		return m
	}
	return b
}

type ops struct {
	// count is the number of non-push opcodes.
	count int

	// dsat is the number of keys in possibly executed
	// OP_CHECKMULTISIG(VERIFY)s to dissatisfy.
	dsat maxInt

	// sat is the number of keys in possibly executed
	// OP_CHECKMULTISIG(VERIFY)s to satisfy.
	sat maxInt
}

// MaxOpCount returns the maximum number of ops needed to satisfy this script
// in a non-malleable way.
func (a *AST) MaxOpCount() int {
	return a.opCount.count + a.opCount.sat.value
}

func computeOpCount(node *AST) (*AST, error) {
	zero := maxInt{valid: true, value: 0}
	invalid := maxInt{valid: false}
	switch node.identifier {
	case f_0:
		node.opCount = ops{0, zero, invalid}

	case f_1:
		node.opCount = ops{0, invalid, zero}

	case f_pk_k:
		node.opCount = ops{0, zero, zero}

	case f_pk_h:
		node.opCount = ops{3, zero, zero}

	case f_older, f_after:
		node.opCount = ops{1, invalid, zero}

	case f_sha256, f_hash256, f_ripemd160, f_hash160:
		node.opCount = ops{4, zero, zero}

	case f_andor:
		x, y, z := node.args[0], node.args[1], node.args[2]
		node.opCount = ops{
			3 + x.opCount.count + y.opCount.count + z.opCount.count,
			z.opCount.dsat.and(x.opCount.dsat),
			y.opCount.sat.and(x.opCount.sat).or(
				z.opCount.sat.and(x.opCount.dsat),
			),
		}

	case f_and_v:
		x, y := node.args[0], node.args[1]
		node.opCount = ops{
			x.opCount.count + y.opCount.count,
			invalid,
			y.opCount.sat.and(x.opCount.sat),
		}

	case f_and_b:
		x, y := node.args[0], node.args[1]
		node.opCount = ops{
			1 + x.opCount.count + y.opCount.count,
			y.opCount.dsat.and(x.opCount.dsat),
			y.opCount.sat.and(x.opCount.sat),
		}

	case f_or_b:
		x, z := node.args[0], node.args[1]
		node.opCount = ops{
			1 + x.opCount.count + z.opCount.count,
			z.opCount.dsat.and(x.opCount.dsat),
			z.opCount.dsat.and(x.opCount.sat).or(
				z.opCount.sat.and(x.opCount.dsat),
			),
		}

	case f_or_c:
		x, z := node.args[0], node.args[1]
		node.opCount = ops{
			2 + x.opCount.count + z.opCount.count,
			invalid,
			x.opCount.sat.or(z.opCount.sat.and(x.opCount.dsat)),
		}

	case f_or_d:
		x, z := node.args[0], node.args[1]
		node.opCount = ops{
			3 + x.opCount.count + z.opCount.count,
			z.opCount.dsat.and(x.opCount.dsat),
			x.opCount.sat.or(z.opCount.sat.and(x.opCount.dsat)),
		}

	case f_or_i:
		x, z := node.args[0], node.args[1]
		node.opCount = ops{
			3 + x.opCount.count + z.opCount.count,
			x.opCount.dsat.or(z.opCount.dsat),
			x.opCount.sat.or(z.opCount.sat),
		}

	case f_thresh:
		k := node.args[0].num
		n := len(node.args) - 1

		count := 0
		dsat := invalid
		sat := invalid
		for _, arg := range node.args[1:] {
			count += arg.opCount.count + 1
			dsat = dsat.and(arg.opCount.dsat)
		}
		for _, subset := range subsets(n, int(k)) {
			candidateOps := zero
			for i, arg := range node.args[1:] {
				if containsInt(subset, i) {
					candidateOps = arg.opCount.sat.and(
						candidateOps,
					)
				} else {
					candidateOps = arg.opCount.dsat.and(
						candidateOps,
					)
				}
			}
			sat = sat.or(candidateOps)
		}
		node.opCount = ops{count, dsat, sat}

	case f_multi:
		n := len(node.args) - 1
		node.opCount = ops{
			1,
			maxInt{valid: true, value: n},
			maxInt{valid: true, value: n},
		}

	case f_multi_a:
		// One OP_CHECKSIG/OP_CHECKSIGADD per key plus the final
		// OP_NUMEQUAL. Tapscript has no op count limit, so the
		// multisig accounting stays zero.
		n := len(node.args) - 1
		node.opCount = ops{n + 1, zero, zero}

	case f_wrap_a:
		x := node.args[0]
		node.opCount = ops{
			2 + x.opCount.count,
			x.opCount.dsat,
			x.opCount.sat,
		}

	case f_wrap_s, f_wrap_c, f_wrap_n:
		x := node.args[0]
		node.opCount = ops{
			1 + x.opCount.count,
			x.opCount.dsat, x.opCount.sat,
		}

	case f_wrap_d:
		x := node.args[0]
		node.opCount = ops{
			3 + x.opCount.count,
			zero, x.opCount.sat,
		}

	case f_wrap_v:
		x := node.args[0]
		opVerify := 0
		if !node.args[0].props.canCollapseVerify {
			opVerify = 1
		}
		node.opCount = ops{
			opVerify + x.opCount.count, invalid, x.opCount.sat,
		}

	case f_wrap_j:
		x := node.args[0]
		node.opCount = ops{4 + x.opCount.count, zero, x.opCount.sat}

	default:
		return nil, typeError("unknown identifier: %s",
			node.identifier)
	}

	return node, nil
}

// witnessBounds carries upper bounds on the serialized size (in bytes,
// including one compact-size marker per element) and the element count of a
// satisfaction and a dissatisfaction.
type witnessBounds struct {
	satSize, dsatSize   maxInt
	satStack, dsatStack maxInt
}

// MaxWitnessSize returns an upper bound on the serialized size in bytes of
// any satisfaction of this fragment (excluding the witness script itself) and
// whether a satisfaction execution path exists at all. Useful for fee
// estimation before the actual witness is known.
func (a *AST) MaxWitnessSize() (int, bool) {
	return a.witnessSize.satSize.value, a.witnessSize.satSize.valid
}

// computeWitnessSize bounds the witness size and element count of
// satisfactions and dissatisfactions for each node. The structure mirrors the
// satisfier's stack-assembly rules: "and" sums both branches, "or" takes the
// larger one.
func computeWitnessSize(node *AST) (*AST, error) {
	valid := func(v int) maxInt { return maxInt{valid: true, value: v} }
	invalid := maxInt{}
	sigSize := node.ctx.sigLen() + 1
	keySize := node.ctx.pubKeyLen() + 1

	// bounds is a small helper to assemble the result without repeating
	// the field names for every fragment.
	bounds := func(satSize, satStack, dsatSize, dsatStack maxInt) witnessBounds {
		return witnessBounds{
			satSize:   satSize,
			satStack:  satStack,
			dsatSize:  dsatSize,
			dsatStack: dsatStack,
		}
	}

	switch node.identifier {
	case f_0:
		node.witnessSize = bounds(invalid, invalid, valid(1), valid(1))

	case f_1:
		node.witnessSize = bounds(valid(0), valid(0), invalid, invalid)

	case f_pk_k:
		node.witnessSize = bounds(
			valid(sigSize), valid(1), valid(1), valid(1),
		)

	case f_pk_h:
		node.witnessSize = bounds(
			valid(sigSize+keySize), valid(2),
			valid(1+keySize), valid(2),
		)

	case f_older, f_after:
		node.witnessSize = bounds(valid(0), valid(0), invalid, invalid)

	case f_sha256, f_hash256, f_ripemd160, f_hash160:
		node.witnessSize = bounds(valid(33), valid(1), valid(33), valid(1))

	case f_andor:
		x, y, z := node.args[0].witnessSize, node.args[1].witnessSize,
			node.args[2].witnessSize
		node.witnessSize = bounds(
			x.satSize.and(y.satSize).or(x.dsatSize.and(z.satSize)),
			x.satStack.and(y.satStack).or(x.dsatStack.and(z.satStack)),
			x.dsatSize.and(z.dsatSize),
			x.dsatStack.and(z.dsatStack),
		)

	case f_and_v:
		x, y := node.args[0].witnessSize, node.args[1].witnessSize
		node.witnessSize = bounds(
			x.satSize.and(y.satSize),
			x.satStack.and(y.satStack),
			x.satSize.and(y.dsatSize),
			x.satStack.and(y.dsatStack),
		)

	case f_and_b:
		x, y := node.args[0].witnessSize, node.args[1].witnessSize
		node.witnessSize = bounds(
			x.satSize.and(y.satSize),
			x.satStack.and(y.satStack),
			x.dsatSize.and(y.dsatSize),
			x.dsatStack.and(y.dsatStack),
		)

	case f_or_b:
		x, z := node.args[0].witnessSize, node.args[1].witnessSize
		node.witnessSize = bounds(
			x.satSize.and(z.dsatSize).or(x.dsatSize.and(z.satSize)),
			x.satStack.and(z.dsatStack).or(x.dsatStack.and(z.satStack)),
			x.dsatSize.and(z.dsatSize),
			x.dsatStack.and(z.dsatStack),
		)

	case f_or_c:
		x, z := node.args[0].witnessSize, node.args[1].witnessSize
		node.witnessSize = bounds(
			x.satSize.or(x.dsatSize.and(z.satSize)),
			x.satStack.or(x.dsatStack.and(z.satStack)),
			invalid, invalid,
		)

	case f_or_d:
		x, z := node.args[0].witnessSize, node.args[1].witnessSize
		node.witnessSize = bounds(
			x.satSize.or(x.dsatSize.and(z.satSize)),
			x.satStack.or(x.dsatStack.and(z.satStack)),
			x.dsatSize.and(z.dsatSize),
			x.dsatStack.and(z.dsatStack),
		)

	case f_or_i:
		x, z := node.args[0].witnessSize, node.args[1].witnessSize
		node.witnessSize = bounds(
			x.satSize.and(valid(2)).or(z.satSize.and(valid(1))),
			x.satStack.and(valid(1)).or(z.satStack.and(valid(1))),
			x.dsatSize.and(valid(2)).or(z.dsatSize.and(valid(1))),
			x.dsatStack.and(valid(1)).or(z.dsatStack.and(valid(1))),
		)

	case f_thresh:
		k := node.args[0].num
		n := len(node.args) - 1

		dsatSize, dsatStack := valid(0), valid(0)
		for _, arg := range node.args[1:] {
			dsatSize = dsatSize.and(arg.witnessSize.dsatSize)
			dsatStack = dsatStack.and(arg.witnessSize.dsatStack)
		}
		satSize, satStack := invalid, invalid
		for _, subset := range subsets(n, int(k)) {
			candSize, candStack := valid(0), valid(0)
			for i, arg := range node.args[1:] {
				w := arg.witnessSize
				if containsInt(subset, i) {
					candSize = candSize.and(w.satSize)
					candStack = candStack.and(w.satStack)
				} else {
					candSize = candSize.and(w.dsatSize)
					candStack = candStack.and(w.dsatStack)
				}
			}
			satSize = satSize.or(candSize)
			satStack = satStack.or(candStack)
		}
		node.witnessSize = bounds(satSize, satStack, dsatSize, dsatStack)

	case f_multi:
		k := int(node.args[0].num)
		node.witnessSize = bounds(
			valid(1+k*sigSize), valid(k+1),
			valid(k+1), valid(k+1),
		)

	case f_multi_a:
		k := int(node.args[0].num)
		n := len(node.args) - 1
		node.witnessSize = bounds(
			valid(k*sigSize+(n-k)), valid(n),
			valid(n), valid(n),
		)

	case f_wrap_a, f_wrap_s, f_wrap_c, f_wrap_n:
		node.witnessSize = node.args[0].witnessSize

	case f_wrap_d:
		x := node.args[0].witnessSize
		node.witnessSize = bounds(
			x.satSize.and(valid(2)), x.satStack.and(valid(1)),
			valid(1), valid(1),
		)

	case f_wrap_v:
		x := node.args[0].witnessSize
		node.witnessSize = bounds(
			x.satSize, x.satStack, invalid, invalid,
		)

	case f_wrap_j:
		x := node.args[0].witnessSize
		node.witnessSize = bounds(
			x.satSize, x.satStack, valid(1), valid(1),
		)

	default:
		return nil, typeError("unknown identifier: %s",
			node.identifier)
	}

	return node, nil
}
