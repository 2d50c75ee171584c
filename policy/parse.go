package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// rawNode is the untyped syntax tree of the notation, before the node names
// are resolved into policy kinds.
type rawNode struct {
	identifier string
	weight     uint32
	weighted   bool
	args       []*rawNode
}

// splitString keeps separators as individual slice elements and splits a
// string into a slice of strings based on multiple separators. It removes
// any empty elements from the output slice.
func splitString(s string, isSeparator func(c rune) bool) []string {
	substrings := make([]string, 0)
	i := 0
	for i < len(s) {
		j := strings.IndexFunc(s[i:], isSeparator)
		if j == -1 {
			// No separator left, append the remaining substring.
			substrings = append(substrings, s[i:])
			return substrings
		}
		j += i

		// If a separator was found, append the substring before it.
		if j > i {
			substrings = append(substrings, s[i:j])
		}

		// Append the separator as a separate element.
		substrings = append(substrings, s[j:j+1])
		i = j + 1
	}
	return substrings
}

func createRawTree(policy string) (*rawNode, error) {
	tokens := splitString(policy, func(c rune) bool {
		return c == '(' || c == ')' || c == ','
	})

	if len(tokens) > 0 {
		first, last := tokens[0], tokens[len(tokens)-1]
		if first == "(" || first == ")" || first == "," ||
			last == "(" || last == "," {

			return nil, fmt.Errorf("invalid first or last character")
		}
	}

	var stack []*rawNode
	for i, token := range tokens {
		switch token {
		case "(":
			if i > 0 && (tokens[i-1] == "(" || tokens[i-1] == ")" ||
				tokens[i-1] == ",") {

				return nil, fmt.Errorf("the sequence %s%s is "+
					"invalid", tokens[i-1], token)
			}

		case ",", ")":
			if i > 0 && (tokens[i-1] == "(" || tokens[i-1] == ",") {
				return nil, fmt.Errorf("the sequence %s%s is "+
					"invalid", tokens[i-1], token)
			}
			if len(stack) < 2 {
				return nil, fmt.Errorf("unbalanced")
			}
			arg := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			parent := stack[len(stack)-1]
			parent.args = append(parent.args, arg)

		default:
			if i > 0 && tokens[i-1] == ")" {
				return nil, fmt.Errorf("the sequence %s%s is "+
					"invalid", tokens[i-1], token)
			}

			node := &rawNode{identifier: token, weight: 1}

			// A branch likelihood can prefix the node, e.g.
			// "9@pk(key)".
			if at := strings.IndexRune(token, '@'); at != -1 {
				weight, err := strconv.ParseUint(
					token[:at], 10, 32,
				)
				if err != nil {
					return nil, fmt.Errorf("invalid "+
						"branch weight in %q", token)
				}
				node.identifier = token[at+1:]
				node.weight = uint32(weight)
				node.weighted = true
			}
			stack = append(stack, node)
		}
	}

	if len(stack) != 1 {
		return nil, fmt.Errorf("unbalanced")
	}
	return stack[0], nil
}

func (r *rawNode) leafArg(kind Kind) (string, error) {
	if len(r.args) != 1 || len(r.args[0].args) > 0 {
		return "", fmt.Errorf("%s expects exactly one plain argument",
			kind)
	}
	if r.args[0].weighted {
		return "", fmt.Errorf("the argument of %s cannot be weighted",
			kind)
	}
	return r.args[0].identifier, nil
}

func (r *rawNode) toPolicy() (*Policy, error) {
	if r.weighted {
		return nil, fmt.Errorf("only or and thresh branches can be " +
			"weighted")
	}
	return r.toWeightedPolicy()
}

func (r *rawNode) toWeightedPolicy() (*Policy, error) {
	switch r.identifier {
	case "0":
		if len(r.args) != 0 {
			return nil, fmt.Errorf("0 takes no arguments")
		}
		return &Policy{Kind: KindFalse}, nil

	case "1":
		if len(r.args) != 0 {
			return nil, fmt.Errorf("1 takes no arguments")
		}
		return &Policy{Kind: KindTrue}, nil

	case "pk":
		arg, err := r.leafArg(KindKey)
		if err != nil {
			return nil, err
		}
		return &Policy{Kind: KindKey, Identifier: arg}, nil

	case "sha256", "hash256", "ripemd160", "hash160":
		kind := map[string]Kind{
			"sha256":    KindSha256,
			"hash256":   KindHash256,
			"ripemd160": KindRipemd160,
			"hash160":   KindHash160,
		}[r.identifier]
		arg, err := r.leafArg(kind)
		if err != nil {
			return nil, err
		}
		return &Policy{Kind: kind, Identifier: arg}, nil

	case "older", "after":
		kind := KindOlder
		if r.identifier == "after" {
			kind = KindAfter
		}
		arg, err := r.leafArg(kind)
		if err != nil {
			return nil, err
		}
		num, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s(n) -> n must be an "+
				"unsigned integer, but got: %s", kind, arg)
		}
		return &Policy{Kind: kind, Num: uint32(num)}, nil

	case "and":
		subs, _, err := subPolicies(r.args, false)
		if err != nil {
			return nil, err
		}
		return &Policy{Kind: KindAnd, Subs: subs}, nil

	case "or":
		subs, weights, err := subPolicies(r.args, true)
		if err != nil {
			return nil, err
		}
		return &Policy{Kind: KindOr, Subs: subs, Weights: weights}, nil

	case "thresh":
		if len(r.args) < 2 {
			return nil, fmt.Errorf("thresh expects a threshold " +
				"and at least one subpolicy")
		}
		if len(r.args[0].args) > 0 || r.args[0].weighted {
			return nil, fmt.Errorf("the threshold of thresh must " +
				"be a plain number")
		}
		k, err := strconv.Atoi(r.args[0].identifier)
		if err != nil {
			return nil, fmt.Errorf("thresh(k, ...) => k must be "+
				"an integer, but got: %s", r.args[0].identifier)
		}
		subs, weights, err := subPolicies(r.args[1:], true)
		if err != nil {
			return nil, err
		}
		return &Policy{
			Kind:    KindThresh,
			K:       k,
			Subs:    subs,
			Weights: weights,
		}, nil
	}
	return nil, fmt.Errorf("unrecognized identifier: %s", r.identifier)
}

// subPolicies converts the arguments of a combinator. Weights come back nil
// when no argument carries an explicit weight.
func subPolicies(args []*rawNode, allowWeights bool) ([]*Policy, []uint32,
	error) {

	subs := make([]*Policy, len(args))
	weights := make([]uint32, len(args))
	anyWeighted := false
	for i, arg := range args {
		if arg.weighted {
			if !allowWeights {
				return nil, nil, fmt.Errorf("and branches " +
					"cannot be weighted")
			}
			anyWeighted = true
		}
		weights[i] = arg.weight
		sub, err := arg.toWeightedPolicy()
		if err != nil {
			return nil, nil, err
		}
		subs[i] = sub
	}
	if !anyWeighted {
		weights = nil
	}
	return subs, weights, nil
}

// Parse parses the textual policy notation.
func Parse(policy string) (*Policy, error) {
	raw, err := createRawTree(policy)
	if err != nil {
		return nil, err
	}
	result, err := raw.toPolicy()
	if err != nil {
		return nil, err
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}
