package miniscript

import (
	"encoding/hex"
	"math"

	"github.com/uncomputable/elements-miniscript/policy"
)

// The compiler searches for the cheapest fragment enforcing a policy. Every
// policy node maps to a pool of candidate fragments, one best candidate per
// type signature, built bottom-up: leaf pools hold the direct encodings,
// combinator pools are built by combining the child pools through every
// fragment shape that can express the combinator, and every pool is closed
// under the single-child wrappers. Invalid combinations are discarded by
// the construction pipeline, so the pools only ever hold well-typed
// fragments.
//
// Cost of a candidate is its script size plus the expected witness size of
// satisfying it, where branch weights of the policy bias the expectation
// towards the branches likely to be used. The witness estimate assumes
// worst-case signature encodings.

// candidate is one possible fragment for a policy subtree together with
// the expected byte cost of satisfying and dissatisfying it. A cost of +Inf
// means no such witness exists.
type candidate struct {
	node     *AST
	satCost  float64
	dsatCost float64
}

// candidatePool holds the best candidate per type signature for one policy
// subtree. The slice keeps insertion order so that repeated compilations
// make identical choices.
type candidatePool struct {
	list  []*candidate
	index map[string]int

	// prob is the probability that the fragment is satisfied in a
	// spend, used to weigh witness cost against script cost.
	prob float64
}

func newPool(prob float64) *candidatePool {
	return &candidatePool{index: make(map[string]int), prob: prob}
}

// score is the ordering criterion within one type signature.
func (cp *candidatePool) score(c *candidate) float64 {
	return float64(c.node.scriptLen) + cp.prob*c.satCost
}

// add inserts a candidate, keeping at most one candidate per type
// signature. It reports whether the pool changed.
func (cp *candidatePool) add(c *candidate) bool {
	if c == nil {
		return false
	}
	signature := c.node.formattedType()
	if c.node.props.canCollapseVerify {
		signature += "v"
	}
	at, ok := cp.index[signature]
	if !ok {
		cp.index[signature] = len(cp.list)
		cp.list = append(cp.list, c)
		return true
	}
	if cp.score(c) < cp.score(cp.list[at]) {
		cp.list[at] = c
		return true
	}
	return false
}

type memoKey struct {
	policy *policy.Policy
	prob   float64
}

type compiler struct {
	ctx  Context
	memo map[memoKey]*candidatePool

	// sigCost and keyCost are the witness bytes of one signature push
	// and one public key push in the target context.
	sigCost float64
	keyCost float64
}

// newCandidate builds a fragment from raw parts and runs the construction
// pipeline. It returns nil if the combination is ill-typed or blows a
// resource limit, which simply removes it from the search.
func (c *compiler) newCandidate(identifier string, satCost,
	dsatCost float64, args ...*AST) *candidate {

	node, err := finalize(&AST{identifier: identifier, args: args}, c.ctx)
	if err != nil {
		return nil
	}
	return &candidate{node: node, satCost: satCost, dsatCost: dsatCost}
}

// leafArg returns the key or hash argument node of a policy leaf. Resolved
// values are carried over; unresolved identifiers stay as variables to be
// filled in with ApplyVars later.
func leafArg(p *policy.Policy) *AST {
	if p.Value != nil {
		return &AST{
			identifier: hex.EncodeToString(p.Value),
			value:      p.Value,
		}
	}
	return &AST{identifier: p.Identifier}
}

// wrapped derives a new candidate by applying a single wrapper.
func (c *compiler) wrapped(wrapper string, x *candidate) *candidate {
	var satCost, dsatCost float64
	switch wrapper {
	case f_wrap_a, f_wrap_s, f_wrap_c, f_wrap_n:
		satCost, dsatCost = x.satCost, x.dsatCost
	case f_wrap_d:
		// The satisfaction gains the OP_IF selector push.
		satCost, dsatCost = x.satCost+2, 1
	case f_wrap_v:
		satCost, dsatCost = x.satCost, math.Inf(1)
	case f_wrap_j:
		satCost, dsatCost = x.satCost, 1
	default:
		return nil
	}
	return c.newCandidate(wrapper, satCost, dsatCost, x.node)
}

// closeWrappers extends the pool with every fragment reachable by applying
// wrappers, keeping only the cheapest candidate per type signature. The
// loop reaches a fixpoint because the set of type signatures is finite.
func (c *compiler) closeWrappers(pool *candidatePool) {
	wrappers := []string{
		f_wrap_a, f_wrap_s, f_wrap_c, f_wrap_d, f_wrap_v, f_wrap_j,
		f_wrap_n,
	}
	for changed := true; changed; {
		changed = false
		size := len(pool.list)
		for i := 0; i < size; i++ {
			for _, wrapper := range wrappers {
				if pool.add(c.wrapped(wrapper, pool.list[i])) {
					changed = true
				}
			}
		}
	}
}

// compile returns the candidate pool of one policy subtree, memoized on the
// subtree and its satisfaction probability.
func (c *compiler) compile(p *policy.Policy, prob float64) *candidatePool {
	key := memoKey{policy: p, prob: prob}
	if pool, ok := c.memo[key]; ok {
		return pool
	}
	pool := newPool(prob)

	switch p.Kind {
	case policy.KindFalse:
		pool.add(c.newCandidate(f_0, math.Inf(1), 0))

	case policy.KindTrue:
		pool.add(c.newCandidate(f_1, 0, math.Inf(1)))

	case policy.KindKey:
		pool.add(c.newCandidate(f_pk_k, c.sigCost, 1, leafArg(p)))
		// The hash variant trades a shorter script for the key push in
		// the witness, which pays off on rarely taken branches.
		pool.add(c.newCandidate(
			f_pk_h, c.sigCost+c.keyCost, 1+c.keyCost, leafArg(p),
		))

	case policy.KindOlder:
		pool.add(c.newCandidate(
			f_older, 0, math.Inf(1), newNum(uint64(p.Num)),
		))

	case policy.KindAfter:
		pool.add(c.newCandidate(
			f_after, 0, math.Inf(1), newNum(uint64(p.Num)),
		))

	case policy.KindSha256, policy.KindHash256, policy.KindRipemd160,
		policy.KindHash160:

		identifier := map[policy.Kind]string{
			policy.KindSha256:    f_sha256,
			policy.KindHash256:   f_hash256,
			policy.KindRipemd160: f_ripemd160,
			policy.KindHash160:   f_hash160,
		}[p.Kind]
		// Satisfied by the 32 byte preimage, dissatisfied by any
		// other 32 byte push.
		pool.add(c.newCandidate(identifier, 33, 33, leafArg(p)))

	case policy.KindAnd:
		c.compileAnd(pool, p.Subs, prob)

	case policy.KindOr:
		c.compileOr(pool, p, 0, prob)

	case policy.KindThresh:
		c.compileThresh(pool, p, prob)
	}

	c.closeWrappers(pool)
	c.memo[key] = pool
	return pool
}

// compileAnd fills the pool for a conjunction, folding more than two
// subpolicies into nested binary ands.
func (c *compiler) compileAnd(pool *candidatePool, subs []*policy.Policy,
	prob float64) {

	left := c.compile(subs[0], prob)
	var right *candidatePool
	if len(subs) == 2 {
		right = c.compile(subs[1], prob)
	} else {
		right = newPool(prob)
		c.compileAnd(right, subs[1:], prob)
		c.closeWrappers(right)
	}

	for _, x := range left.list {
		for _, y := range right.list {
			c.addAndShapes(pool, x, y)
			c.addAndShapes(pool, y, x)
		}
	}
}

func (c *compiler) addAndShapes(pool *candidatePool, x, y *candidate) {
	pool.add(c.newCandidate(
		f_and_v, x.satCost+y.satCost, math.Inf(1), x.node, y.node,
	))
	pool.add(c.newCandidate(
		f_and_b, x.satCost+y.satCost, x.dsatCost+y.dsatCost,
		x.node, y.node,
	))
	// andor(X,Y,0) dissatisfies by dissatisfying X alone.
	zero := &AST{identifier: f_0}
	pool.add(c.newCandidate(
		f_andor, x.satCost+y.satCost, x.dsatCost,
		x.node, y.node, zero,
	))
}

// compileOr fills the pool for a disjunction, folding more than two
// branches into nested binary ors. from is the index of the first branch
// still to place; the fold keeps the notation order, while the shape search
// below tries both operand orders, so likelier branches can end up in the
// cheaper-to-satisfy position regardless of where they were written.
func (c *compiler) compileOr(pool *candidatePool, p *policy.Policy,
	from int, prob float64) {

	var weightTotal float64
	for i := from; i < len(p.Subs); i++ {
		weightTotal += float64(p.Weight(i))
	}
	probLeft := prob * float64(p.Weight(from)) / weightTotal
	probRight := prob - probLeft

	left := c.compile(p.Subs[from], probLeft)
	var right *candidatePool
	if from == len(p.Subs)-2 {
		right = c.compile(p.Subs[from+1], probRight)
	} else {
		right = newPool(probRight)
		c.compileOr(right, p, from+1, probRight)
		c.closeWrappers(right)
	}

	// Conditional branch probabilities given that this node is
	// satisfied at all.
	pLeft := probLeft / prob
	pRight := 1 - pLeft

	for _, x := range left.list {
		for _, z := range right.list {
			c.addOrShapes(pool, x, z, pLeft, pRight)
			c.addOrShapes(pool, z, x, pRight, pLeft)
		}
	}

	// or(and(A,B),Z) has a dedicated fragment that shares the condition
	// check between both spending paths.
	if sub := p.Subs[from]; sub.Kind == policy.KindAnd &&
		len(sub.Subs) == 2 && from == len(p.Subs)-2 {

		c.addAndOrShapes(
			pool, sub.Subs[0], sub.Subs[1], right, probLeft,
			pLeft, pRight,
		)
	}
	if from == len(p.Subs)-2 {
		if sub := p.Subs[from+1]; sub.Kind == policy.KindAnd &&
			len(sub.Subs) == 2 {

			c.addAndOrShapes(
				pool, sub.Subs[0], sub.Subs[1], left,
				probRight, pRight, pLeft,
			)
		}
	}
}

func (c *compiler) addOrShapes(pool *candidatePool, x, z *candidate,
	pX, pZ float64) {

	pool.add(c.newCandidate(
		f_or_b,
		pX*(x.satCost+z.dsatCost)+pZ*(x.dsatCost+z.satCost),
		x.dsatCost+z.dsatCost,
		x.node, z.node,
	))
	pool.add(c.newCandidate(
		f_or_d,
		pX*x.satCost+pZ*(x.dsatCost+z.satCost),
		x.dsatCost+z.dsatCost,
		x.node, z.node,
	))
	pool.add(c.newCandidate(
		f_or_c,
		pX*x.satCost+pZ*(x.dsatCost+z.satCost),
		math.Inf(1),
		x.node, z.node,
	))
	pool.add(c.newCandidate(
		f_or_i,
		pX*(x.satCost+2)+pZ*(z.satCost+1),
		math.Min(x.dsatCost+2, z.dsatCost+1),
		x.node, z.node,
	))
}

// addAndOrShapes adds andor(A,B,Z) candidates for or(and(A,B),Z).
func (c *compiler) addAndOrShapes(pool *candidatePool, a, b *policy.Policy,
	zPool *candidatePool, probAnd, pAnd, pZ float64) {

	aPool := c.compile(a, probAnd)
	bPool := c.compile(b, probAnd)
	for _, x := range aPool.list {
		for _, y := range bPool.list {
			for _, z := range zPool.list {
				pool.add(c.newCandidate(
					f_andor,
					pAnd*(x.satCost+y.satCost)+
						pZ*(x.dsatCost+z.satCost),
					x.dsatCost+z.dsatCost,
					x.node, y.node, z.node,
				))
			}
			// The branches of and are interchangeable.
			for _, z := range zPool.list {
				pool.add(c.newCandidate(
					f_andor,
					pAnd*(y.satCost+x.satCost)+
						pZ*(y.dsatCost+z.satCost),
					y.dsatCost+z.dsatCost,
					y.node, x.node, z.node,
				))
			}
		}
	}
}

// compileThresh fills the pool for a k-of-n threshold. A threshold over
// plain keys can use the dedicated multisig fragments; any threshold can
// use the general thresh combinator.
func (c *compiler) compileThresh(pool *candidatePool, p *policy.Policy,
	prob float64) {

	k, n := p.K, len(p.Subs)

	allKeys := true
	for _, sub := range p.Subs {
		if sub.Kind != policy.KindKey {
			allKeys = false
			break
		}
	}
	if allKeys && n <= c.ctx.MaxMultisigKeys() {
		args := make([]*AST, 0, n+1)
		args = append(args, newNum(uint64(k)))
		for _, sub := range p.Subs {
			args = append(args, leafArg(sub))
		}
		if c.ctx == ContextTapscript {
			pool.add(c.newCandidate(
				f_multi_a,
				float64(k)*c.sigCost+float64(n-k),
				float64(n),
				args...,
			))
		} else {
			pool.add(c.newCandidate(
				f_multi,
				1+float64(k)*c.sigCost,
				float64(k+1),
				args...,
			))
		}
	}

	// General expansion: the first subexpression runs directly, the
	// others run through the altstack or a swap, and the accumulated
	// count is compared against k. Assume every branch is satisfied
	// with likelihood k/n.
	q := float64(k) / float64(n)
	args := make([]*AST, 0, n+1)
	args = append(args, newNum(uint64(k)))
	var satCost, dsatCost float64
	for i, sub := range p.Subs {
		subPool := c.compile(sub, prob*q)
		wantType := typeW
		if i == 0 {
			wantType = typeB
		}
		best := c.bestOfType(subPool, wantType, q)
		if best == nil {
			return
		}
		args = append(args, best.node)
		satCost += q*best.satCost + (1-q)*best.dsatCost
		dsatCost += best.dsatCost
	}
	pool.add(c.newCandidate(f_thresh, satCost, dsatCost, args...))
}

// bestOfType returns the pool candidate of the given base type with the
// lowest mixed cost, where q is the likelihood that the candidate is
// satisfied rather than dissatisfied. Thresh subexpressions must be
// dissatisfiable without side effects, so only candidates with the d and u
// properties qualify.
func (c *compiler) bestOfType(pool *candidatePool, typ basicType,
	q float64) *candidate {

	var best *candidate
	var bestScore float64
	for _, candidate := range pool.list {
		if candidate.node.basicType != typ {
			continue
		}
		if !candidate.node.props.d || !candidate.node.props.u {
			continue
		}
		score := float64(candidate.node.scriptLen) +
			q*candidate.satCost + (1-q)*candidate.dsatCost
		if best == nil || score < bestScore {
			best = candidate
			bestScore = score
		}
	}
	return best
}

// Compile searches for the cheapest miniscript fragment that enforces the
// policy in the given context. The result is a valid, non-malleable
// fragment; its key and hash arguments carry the policy's identifiers and
// can be resolved with ApplyVars.
//
// Compilation fails with ErrUnsatisfiable if the policy admits no fragment
// at all, and with ErrLimitsExceeded if every candidate fragment breaks the
// context's resource limits.
func Compile(p *policy.Policy, ctx Context) (*AST, error) {
	if err := p.Validate(); err != nil {
		return nil, miniscriptError(ErrUnsatisfiable, "invalid "+
			"policy: %v", err)
	}
	normalized := p.Normalize()

	c := &compiler{
		ctx:     ctx,
		memo:    make(map[memoKey]*candidatePool),
		sigCost: float64(ctx.sigLen() + 1),
		keyCost: float64(ctx.pubKeyLen() + 1),
	}
	pool := c.compile(normalized, 1)

	var best *candidate
	var bestScore float64
	for _, candidate := range pool.list {
		node := candidate.node
		if node.expectBasicType(typeB) != nil {
			continue
		}
		if node.checkLimits() != nil || !node.props.m {
			continue
		}
		score := float64(node.scriptLen) + candidate.satCost
		if math.IsInf(score, 1) {
			continue
		}
		if best == nil || score < bestScore {
			best = candidate
			bestScore = score
		}
	}
	if best == nil {
		return nil, miniscriptError(ErrLimitsExceeded, "no "+
			"compilation of policy %s fits the %s context",
			normalized, ctx)
	}
	log.Tracef("compiled policy %s to %s (script %d bytes, expected "+
		"witness %.1f bytes)", normalized, best.node,
		best.node.scriptLen, best.satCost)
	return best.node, nil
}
