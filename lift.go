package miniscript

import (
	"encoding/hex"

	"github.com/uncomputable/elements-miniscript/policy"
)

// Lift abstracts the fragment back into the policy it enforces. The lifted
// policy forgets everything about the concrete encoding: wrappers vanish,
// the and/or flavors collapse into plain and/or, and key thresholds become
// ordinary thresholds over key policies. Compiling the lifted policy again
// yields a fragment that is satisfiable under exactly the same conditions.
func (a *AST) Lift() (*policy.Policy, error) {
	lifted, err := lift(a)
	if err != nil {
		return nil, err
	}
	return lifted.Normalize(), nil
}

func liftLeafArg(arg *AST) (string, []byte) {
	if arg.value != nil {
		return hex.EncodeToString(arg.value), arg.value
	}
	return arg.identifier, nil
}

func lift(a *AST) (*policy.Policy, error) {
	switch a.identifier {
	case f_0:
		return &policy.Policy{Kind: policy.KindFalse}, nil

	case f_1:
		return &policy.Policy{Kind: policy.KindTrue}, nil

	case f_pk_k, f_pk_h:
		identifier, value := liftLeafArg(a.args[0])
		return &policy.Policy{
			Kind:       policy.KindKey,
			Identifier: identifier,
			Value:      value,
		}, nil

	case f_older:
		return &policy.Policy{
			Kind: policy.KindOlder,
			Num:  uint32(a.args[0].num),
		}, nil

	case f_after:
		return &policy.Policy{
			Kind: policy.KindAfter,
			Num:  uint32(a.args[0].num),
		}, nil

	case f_sha256, f_hash256, f_ripemd160, f_hash160:
		kind := map[string]policy.Kind{
			f_sha256:    policy.KindSha256,
			f_hash256:   policy.KindHash256,
			f_ripemd160: policy.KindRipemd160,
			f_hash160:   policy.KindHash160,
		}[a.identifier]
		identifier, value := liftLeafArg(a.args[0])
		return &policy.Policy{
			Kind:       kind,
			Identifier: identifier,
			Value:      value,
		}, nil

	case f_and_v, f_and_b:
		x, err := lift(a.args[0])
		if err != nil {
			return nil, err
		}
		y, err := lift(a.args[1])
		if err != nil {
			return nil, err
		}
		return &policy.Policy{
			Kind: policy.KindAnd,
			Subs: []*policy.Policy{x, y},
		}, nil

	case f_andor:
		// andor(X,Y,Z) spends either via X and Y or via Z.
		x, err := lift(a.args[0])
		if err != nil {
			return nil, err
		}
		y, err := lift(a.args[1])
		if err != nil {
			return nil, err
		}
		z, err := lift(a.args[2])
		if err != nil {
			return nil, err
		}
		return &policy.Policy{
			Kind: policy.KindOr,
			Subs: []*policy.Policy{
				{
					Kind: policy.KindAnd,
					Subs: []*policy.Policy{x, y},
				},
				z,
			},
		}, nil

	case f_or_b, f_or_c, f_or_d, f_or_i:
		x, err := lift(a.args[0])
		if err != nil {
			return nil, err
		}
		z, err := lift(a.args[1])
		if err != nil {
			return nil, err
		}
		return &policy.Policy{
			Kind: policy.KindOr,
			Subs: []*policy.Policy{x, z},
		}, nil

	case f_thresh, f_multi, f_multi_a:
		subs := make([]*policy.Policy, 0, len(a.args)-1)
		for _, arg := range a.args[1:] {
			if a.identifier == f_thresh {
				sub, err := lift(arg)
				if err != nil {
					return nil, err
				}
				subs = append(subs, sub)
				continue
			}
			identifier, value := liftLeafArg(arg)
			subs = append(subs, &policy.Policy{
				Kind:       policy.KindKey,
				Identifier: identifier,
				Value:      value,
			})
		}
		return &policy.Policy{
			Kind: policy.KindThresh,
			K:    int(a.args[0].num),
			Subs: subs,
		}, nil

	case f_wrap_a, f_wrap_s, f_wrap_c, f_wrap_d, f_wrap_v, f_wrap_j,
		f_wrap_n:

		return lift(a.args[0])
	}

	return nil, miniscriptError(ErrInvalidNotation, "cannot lift "+
		"unrecognized identifier: %s", a.identifier)
}
