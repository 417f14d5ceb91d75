// Package patch implements the RFC-6902 JSON Patch engine used to describe
// state deltas between successive brain steps. Diff computes a patch between
// two JSON-convertible values; Apply applies a patch to produce a new value.
//
// Both functions are pure: neither mutates its arguments, and Apply(a,
// Diff(a, b)) is equivalent to b for any JSON-convertible a, b.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

type (
	// Operation is a single RFC-6902 patch operation.
	Operation struct {
		Op    string `json:"op"`
		Path  string `json:"path"`
		Value any    `json:"value,omitempty"`
		From  string `json:"from,omitempty"`
	}

	// Patch is an ordered sequence of operations applied atomically.
	Patch []Operation
)

// ErrBadPatch is returned when a patch is malformed or cannot be applied to
// the given state.
var ErrBadPatch = errors.New("patch: malformed or inapplicable patch")

// Diff computes the RFC-6902 patch that transforms a into b. Both a and b
// must be JSON-convertible (structs, maps, slices, and primitives that
// encoding/json can marshal). The result uses add/remove/replace operations;
// it never emits move/copy/test, though Apply supports all six.
func Diff(a, b any) (Patch, error) {
	av, err := toJSONValue(a)
	if err != nil {
		return nil, fmt.Errorf("patch: diff source: %w", err)
	}
	bv, err := toJSONValue(b)
	if err != nil {
		return nil, fmt.Errorf("patch: diff target: %w", err)
	}
	var ops Patch
	diffValues("", av, bv, &ops)
	return ops, nil
}

// Apply applies patch to state and returns the resulting value. Apply is
// total on well-formed patches; malformed operations or operations that do
// not apply to state return ErrBadPatch.
func Apply(state any, p Patch) (any, error) {
	if len(p) == 0 {
		return state, nil
	}
	stateBytes, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("patch: marshal state: %w", err)
	}
	patchBytes, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("patch: marshal patch: %w", err)
	}
	decoded, err := jsonpatch.DecodePatch(patchBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPatch, err)
	}
	applied, err := decoded.Apply(stateBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPatch, err)
	}
	var out any
	if err := json.Unmarshal(applied, &out); err != nil {
		return nil, fmt.Errorf("patch: unmarshal result: %w", err)
	}
	return out, nil
}

// toJSONValue round-trips v through JSON so that Go structs and the
// map[string]any produced by decoding JSON compare structurally.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func diffValues(path string, a, b any, ops *Patch) {
	switch bv := b.(type) {
	case map[string]any:
		av, ok := a.(map[string]any)
		if !ok {
			*ops = append(*ops, Operation{Op: "replace", Path: pathOrRoot(path), Value: b})
			return
		}
		diffObjects(path, av, bv, ops)
	case []any:
		av, ok := a.([]any)
		if !ok {
			*ops = append(*ops, Operation{Op: "replace", Path: pathOrRoot(path), Value: b})
			return
		}
		diffArrays(path, av, bv, ops)
	default:
		if !jsonEqual(a, b) {
			if a == nil && path == "" {
				*ops = append(*ops, Operation{Op: "add", Path: pathOrRoot(path), Value: b})
			} else {
				*ops = append(*ops, Operation{Op: "replace", Path: pathOrRoot(path), Value: b})
			}
		}
	}
}

func diffObjects(path string, a, b map[string]any, ops *Patch) {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		childPath := path + "/" + escapeToken(k)
		av, aok := a[k]
		bv, bok := b[k]
		switch {
		case aok && !bok:
			*ops = append(*ops, Operation{Op: "remove", Path: childPath})
		case !aok && bok:
			*ops = append(*ops, Operation{Op: "add", Path: childPath, Value: bv})
		default:
			diffValues(childPath, av, bv, ops)
		}
	}
}

func diffArrays(path string, a, b []any, ops *Patch) {
	// Arrays are diffed positionally: common prefix elements are recursively
	// diffed, trailing elements are removed (from the tail, to keep indices
	// stable) or added in order.
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	for i := 0; i < minLen; i++ {
		diffValues(path+"/"+strconv.Itoa(i), a[i], b[i], ops)
	}
	if len(a) > len(b) {
		for i := len(a) - 1; i >= len(b); i-- {
			*ops = append(*ops, Operation{Op: "remove", Path: path + "/" + strconv.Itoa(i)})
		}
	} else if len(b) > len(a) {
		for i := len(a); i < len(b); i++ {
			*ops = append(*ops, Operation{Op: "add", Path: path + "/" + strconv.Itoa(i), Value: b[i]})
		}
	}
}

func pathOrRoot(path string) string {
	if path == "" {
		return ""
	}
	return path
}

func escapeToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~", "~0")
	tok = strings.ReplaceAll(tok, "/", "~1")
	return tok
}

func jsonEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
