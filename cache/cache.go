// Package cache provides content-addressed memoisation of node outputs.
//
// Keys are opaque fingerprints derived from the node body, the node's
// inputs and the workflow's root input. Values are opaque strings; callers
// that cache structured data serialise it themselves (the dag runner uses
// JSON). Cache failures are never fatal to a node: a read error is a miss,
// a write error is dropped.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
)

// ResultCache memoises node outputs keyed by (node name, fingerprint).
type ResultCache interface {
	// Get returns the cached value for (nodeName, key) and whether it was
	// present.
	Get(ctx context.Context, nodeName, key string) (string, bool, error)

	// Set stores a value for (nodeName, key), overwriting any previous one.
	Set(ctx context.Context, nodeName, key, value string) error

	// Clear removes entries for nodeName, or every entry when nodeName is
	// empty.
	Clear(ctx context.Context, nodeName string) error
}

// Fingerprint derives the canonical cache key for a node invocation:
// a hash over the body's stable representation, the canonical JSON of the
// node's inputs, and the canonical JSON of the root input. It fails when
// either value cannot be encoded as JSON; callers treat that as
// "uncacheable", not as an error.
func Fingerprint(bodyRepr string, inputs map[string]any, rootInput any) (string, error) {
	inputsJSON, err := canonicalJSON(inputs)
	if err != nil {
		return "", fmt.Errorf("cache: fingerprint inputs: %w", err)
	}
	rootJSON, err := canonicalJSON(rootInput)
	if err != nil {
		return "", fmt.Errorf("cache: fingerprint root input: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(bodyRepr))
	h.Write([]byte{0})
	h.Write(inputsJSON)
	h.Write([]byte{0})
	h.Write(rootJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BodyRepr returns a reproducible textual form of a function value: its
// fully qualified symbol name. Two processes built from the same source
// agree on it, which is what content-addressing needs.
func BodyRepr(fn any) string {
	if fn == nil {
		return ""
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return fmt.Sprintf("%T", fn)
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return fmt.Sprintf("%T", fn)
	}
	return f.Name()
}

// canonicalJSON marshals v with deterministic key ordering. encoding/json
// sorts map keys, which covers the map[string]any payloads flowing through
// workflows; struct fields serialise in declaration order, which is equally
// stable.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
