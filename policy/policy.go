// Package policy implements an abstract spending policy language. A policy
// describes who can spend under which conditions (signatures, timelocks,
// hash preimages and combinations thereof) without fixing a concrete script
// encoding. The compiler turns a policy into the cheapest miniscript
// fragment with the same meaning.
package policy

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Kind enumerates the policy node variants.
type Kind byte

const (
	// KindFalse is never satisfiable.
	KindFalse Kind = iota

	// KindTrue is always satisfied.
	KindTrue

	// KindKey requires a signature with the named key.
	KindKey

	// KindOlder requires a relative timelock (BIP68).
	KindOlder

	// KindAfter requires an absolute timelock (BIP65).
	KindAfter

	// KindSha256 requires revealing a SHA256 preimage.
	KindSha256

	// KindHash256 requires revealing a double-SHA256 preimage.
	KindHash256

	// KindRipemd160 requires revealing a RIPEMD160 preimage.
	KindRipemd160

	// KindHash160 requires revealing a SHA256+RIPEMD160 preimage.
	KindHash160

	// KindAnd requires all subpolicies.
	KindAnd

	// KindOr requires one of the subpolicies. Each branch carries a
	// relative weight expressing how likely it is to be the one used.
	KindOr

	// KindThresh requires k of the subpolicies.
	KindThresh
)

func (k Kind) String() string {
	switch k {
	case KindFalse:
		return "0"
	case KindTrue:
		return "1"
	case KindKey:
		return "pk"
	case KindOlder:
		return "older"
	case KindAfter:
		return "after"
	case KindSha256:
		return "sha256"
	case KindHash256:
		return "hash256"
	case KindRipemd160:
		return "ripemd160"
	case KindHash160:
		return "hash160"
	case KindAnd:
		return "and"
	case KindOr:
		return "or"
	case KindThresh:
		return "thresh"
	}
	return fmt.Sprintf("unknown<%d>", byte(k))
}

// Policy is one node of a policy tree. Policies are plain data: they carry
// no typing or cost information and are only validated structurally.
type Policy struct {
	// Kind selects the variant and determines which other fields are
	// meaningful.
	Kind Kind

	// Identifier names the key or hash of a leaf. It is either a
	// variable name to be resolved later or the hex encoding of the
	// value itself.
	Identifier string

	// Value is the resolved key or hash value. It may stay nil until
	// the compiled miniscript's variables are resolved.
	Value []byte

	// Num is the lock value of older and after leaves.
	Num uint32

	// K is the threshold of a thresh node.
	K int

	// Subs are the children of and, or and thresh nodes.
	Subs []*Policy

	// Weights are the relative likelihoods of the or branches, parallel
	// to Subs. A nil slice means all branches are equally likely.
	Weights []uint32
}

// Weight returns the weight of the i-th branch. Branches without a
// recorded weight count as 1.
func (p *Policy) Weight(i int) uint32 {
	if i >= len(p.Weights) {
		return 1
	}
	return p.Weights[i]
}

// Validate checks the policy tree for structural errors: wrong argument
// counts, out of range locks and thresholds, and zero branch weights.
func (p *Policy) Validate() error {
	switch p.Kind {
	case KindFalse, KindTrue:
		if len(p.Subs) != 0 {
			return fmt.Errorf("%s takes no subpolicies", p.Kind)
		}

	case KindKey, KindSha256, KindHash256, KindRipemd160, KindHash160:
		if len(p.Subs) != 0 {
			return fmt.Errorf("%s takes no subpolicies", p.Kind)
		}
		if p.Identifier == "" {
			return fmt.Errorf("%s needs a key or hash argument",
				p.Kind)
		}

	case KindOlder, KindAfter:
		if p.Num < 1 || p.Num >= 1<<31 {
			return fmt.Errorf("%s(n) -> n must 1 ≤ n < 2^31, but "+
				"got: %d", p.Kind, p.Num)
		}

	case KindAnd:
		if len(p.Subs) < 2 {
			return fmt.Errorf("and needs at least two subpolicies")
		}
		if p.Weights != nil {
			return fmt.Errorf("and branches cannot be weighted")
		}

	case KindOr:
		if len(p.Subs) < 2 {
			return fmt.Errorf("or needs at least two subpolicies")
		}

	case KindThresh:
		if len(p.Subs) < 1 {
			return fmt.Errorf("thresh needs at least one subpolicy")
		}
		if p.K < 1 || p.K > len(p.Subs) {
			return fmt.Errorf("thresh(k) -> k must 1 ≤ k ≤ n, "+
				"but got: %d of %d", p.K, len(p.Subs))
		}

	default:
		return fmt.Errorf("unrecognized policy kind %d", byte(p.Kind))
	}

	if p.Weights != nil && len(p.Weights) != len(p.Subs) {
		return fmt.Errorf("%s has %d weights for %d subpolicies",
			p.Kind, len(p.Weights), len(p.Subs))
	}
	for i := range p.Subs {
		if p.Weight(i) == 0 {
			return fmt.Errorf("%s branch %d has zero weight",
				p.Kind, i)
		}
		if err := p.Subs[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Normalize returns a semantically equivalent policy in a canonical shape:
// nested ands and ors are flattened into their parent (or weights scale
// multiplicatively down the tree), a threshold of one becomes an or and a
// threshold of all becomes an and. The receiver is not modified.
func (p *Policy) Normalize() *Policy {
	subs := make([]*Policy, len(p.Subs))
	for i, sub := range p.Subs {
		subs[i] = sub.Normalize()
	}
	result := &Policy{
		Kind:       p.Kind,
		Identifier: p.Identifier,
		Value:      p.Value,
		Num:        p.Num,
		K:          p.K,
		Subs:       subs,
		Weights:    append([]uint32(nil), p.Weights...),
	}

	if result.Kind == KindThresh && len(result.Subs) == 1 {
		return result.Subs[0]
	}
	if result.Kind == KindThresh {
		switch result.K {
		case 1:
			result.Kind = KindOr
			result.K = 0
		case len(result.Subs):
			result.Kind = KindAnd
			result.K = 0
			result.Weights = nil
		}
	}

	switch result.Kind {
	case KindAnd:
		var flat []*Policy
		for _, sub := range result.Subs {
			if sub.Kind == KindAnd {
				flat = append(flat, sub.Subs...)
			} else {
				flat = append(flat, sub)
			}
		}
		result.Subs = flat

	case KindOr:
		var (
			flat    []*Policy
			weights []uint32
		)
		for i, sub := range result.Subs {
			if sub.Kind == KindOr {
				// A nested branch with weight w and inner
				// weight v is taken with likelihood
				// proportional to w*v.
				for j, inner := range sub.Subs {
					flat = append(flat, inner)
					weights = append(weights,
						p.Weight(i)*sub.Weight(j))
				}
			} else {
				flat = append(flat, sub)
				weights = append(weights, p.Weight(i))
			}
		}
		result.Subs = flat
		result.Weights = weights
	}
	return result
}

// Equal reports whether two policy trees are structurally identical. Leaf
// identifiers compare by resolved value when both sides carry one.
func (p *Policy) Equal(other *Policy) bool {
	if p.Kind != other.Kind || p.Num != other.Num || p.K != other.K ||
		len(p.Subs) != len(other.Subs) {

		return false
	}
	if p.Value != nil && other.Value != nil {
		if hex.EncodeToString(p.Value) !=
			hex.EncodeToString(other.Value) {

			return false
		}
	} else if p.Identifier != other.Identifier {
		return false
	}
	for i := range p.Subs {
		if p.Weight(i) != other.Weight(i) {
			return false
		}
		if !p.Subs[i].Equal(other.Subs[i]) {
			return false
		}
	}
	return true
}

// String returns the textual notation of the policy. Branch weights other
// than one are printed as an N@ prefix.
func (p *Policy) String() string {
	var b strings.Builder
	p.format(&b)
	return b.String()
}

func (p *Policy) format(b *strings.Builder) {
	switch p.Kind {
	case KindFalse, KindTrue:
		b.WriteString(p.Kind.String())
		return

	case KindKey, KindSha256, KindHash256, KindRipemd160, KindHash160:
		b.WriteString(p.Kind.String())
		b.WriteRune('(')
		b.WriteString(p.Identifier)
		b.WriteRune(')')
		return

	case KindOlder, KindAfter:
		b.WriteString(p.Kind.String())
		b.WriteRune('(')
		b.WriteString(strconv.FormatUint(uint64(p.Num), 10))
		b.WriteRune(')')
		return
	}

	b.WriteString(p.Kind.String())
	b.WriteRune('(')
	if p.Kind == KindThresh {
		b.WriteString(strconv.Itoa(p.K))
		b.WriteRune(',')
	}
	for i, sub := range p.Subs {
		if i > 0 {
			b.WriteRune(',')
		}
		if w := p.Weight(i); w != 1 {
			b.WriteString(strconv.FormatUint(uint64(w), 10))
			b.WriteRune('@')
		}
		sub.format(b)
	}
	b.WriteRune(')')
}
