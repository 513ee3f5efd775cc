// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package effect defines the boundary between the evaluator and its host:
// every evaluation step ends either with a value or with a HostCall the host
// must resolve before evaluation can continue.
package effect

import (
	"encoding/binary"
	"encoding/json"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/jllopis/rtfscore/pkg/value"
)

// CallMetadata carries advisory data a host-side policy engine can use as a
// cheap pre-filter. None of it affects evaluation.
type CallMetadata struct {
	ArgTypeFingerprint uint64            `json:"arg_type_fingerprint"`
	RuntimeContextHash uint64            `json:"runtime_context_hash"`
	SemanticHash       []float64         `json:"semantic_hash,omitempty"`
	Context            map[string]string `json:"context,omitempty"`
}

// HostCall is a request for the host to perform an impure operation.
type HostCall struct {
	FnSymbol string
	Args     []value.Value
	Metadata *CallMetadata
}

// NewHostCall builds a call and computes its fingerprints. Args are copied
// so later mutation by the caller cannot change the request.
func NewHostCall(symbol string, args []value.Value, context map[string]string) HostCall {
	cp := make([]value.Value, len(args))
	for i, a := range args {
		cp[i] = value.Clone(value.OrNil(a))
	}
	var ctxCopy map[string]string
	if len(context) > 0 {
		ctxCopy = make(map[string]string, len(context))
		for k, v := range context {
			ctxCopy[k] = v
		}
	}
	return HostCall{
		FnSymbol: symbol,
		Args:     cp,
		Metadata: &CallMetadata{
			ArgTypeFingerprint: ArgTypeFingerprint(cp),
			RuntimeContextHash: RuntimeContextHash(ctxCopy),
			Context:            ctxCopy,
		},
	}
}

// ArgTypeFingerprint hashes the ordered kinds of the arguments. Calls with
// the same arity and argument kinds share a fingerprint regardless of the
// concrete values. O(len(args)).
func ArgTypeFingerprint(args []value.Value) uint64 {
	d := xxhash.New()
	var buf [9]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(args)))
	_, _ = d.Write(buf[:8])
	for _, a := range args {
		buf[0] = byte(value.OrNil(a).Kind())
		_, _ = d.Write(buf[:1])
	}
	return d.Sum64()
}

// RuntimeContextHash hashes the context entries in key order, so map
// iteration order never changes the result.
func RuntimeContextHash(context map[string]string) uint64 {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := xxhash.New()
	for _, k := range keys {
		_, _ = d.WriteString(k)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(context[k])
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Fingerprint combines symbol and metadata fingerprints into a single key.
// It changes with the call context, so it identifies one call site rather
// than a symbol.
func (c HostCall) Fingerprint() uint64 {
	h := xxhash.Sum64String(c.FnSymbol)
	if c.Metadata != nil {
		h ^= c.Metadata.ArgTypeFingerprint*0x9e3779b97f4a7c15 ^ c.Metadata.RuntimeContextHash
	}
	return h
}

// Namespace returns the symbol prefix before the last '.', or "" if none.
func (c HostCall) Namespace() string {
	if i := strings.LastIndexByte(c.FnSymbol, '.'); i > 0 {
		return c.FnSymbol[:i]
	}
	return ""
}

func (c HostCall) String() string {
	var b strings.Builder
	b.WriteByte('(')
	b.WriteString(c.FnSymbol)
	for _, a := range c.Args {
		b.WriteByte(' ')
		b.WriteString(value.OrNil(a).String())
	}
	b.WriteByte(')')
	return b.String()
}

type hostCallWire struct {
	FnSymbol string         `json:"fn_symbol"`
	Args     []value.Tagged `json:"args"`
	Metadata *CallMetadata  `json:"metadata,omitempty"`
}

// MarshalJSON keeps argument variants intact so the call can be
// reconstructed exactly.
func (c HostCall) MarshalJSON() ([]byte, error) {
	w := hostCallWire{FnSymbol: c.FnSymbol, Metadata: c.Metadata, Args: make([]value.Tagged, len(c.Args))}
	for i, a := range c.Args {
		w.Args[i] = value.Tagged{Value: a}
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *HostCall) UnmarshalJSON(data []byte) error {
	var w hostCallWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.FnSymbol = w.FnSymbol
	c.Metadata = w.Metadata
	c.Args = make([]value.Value, len(w.Args))
	for i, a := range w.Args {
		c.Args[i] = value.OrNil(a.Value)
	}
	return nil
}
