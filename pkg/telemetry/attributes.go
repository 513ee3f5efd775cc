// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides logging, OpenTelemetry setup and metrics for
// the execution core.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by spans and metrics.
const (
	// Session attributes
	AttrSessionID = "rtfs.session.id"

	// Context attributes
	AttrContextID        = "rtfs.context.id"
	AttrContextParentID  = "rtfs.context.parent_id"
	AttrContextIsolation = "rtfs.context.isolation"
	AttrContextParallel  = "rtfs.context.parallel"

	// Merge attributes
	AttrMergePolicy    = "rtfs.merge.policy"
	AttrMergeAdded     = "rtfs.merge.added"
	AttrMergeReplaced  = "rtfs.merge.replaced"
	AttrMergeConflicts = "rtfs.merge.conflicts"
	AttrMergeSkipped   = "rtfs.merge.skipped"

	// Checkpoint attributes
	AttrCheckpointID    = "rtfs.checkpoint.id"
	AttrCheckpointLabel = "rtfs.checkpoint.label"

	// Step attributes
	AttrStepName   = "rtfs.step.name"
	AttrStepStatus = "rtfs.step.status"

	// Host call attributes
	AttrHostSymbol    = "rtfs.host.symbol"
	AttrHostNamespace = "rtfs.host.namespace"
	AttrHostDecision  = "rtfs.host.decision"
	AttrHostAttempts  = "rtfs.host.attempts"
	AttrHostOutcome   = "rtfs.host.outcome" // ok, failed, denied
	AttrErrorCode     = "error.code"
)

// ContextAttributes describes a context node.
func ContextAttributes(id, parent, isolation string, parallel bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrContextID, id),
		attribute.String(AttrContextIsolation, isolation),
		attribute.Bool(AttrContextParallel, parallel),
	}
	if parent != "" {
		attrs = append(attrs, attribute.String(AttrContextParentID, parent))
	}
	return attrs
}

// MergeAttributes describes a merge of child into parent.
func MergeAttributes(policy string, added, replaced, conflicts int, skipped bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrMergePolicy, policy),
	}
	if skipped {
		return append(attrs, attribute.Bool(AttrMergeSkipped, true))
	}
	return append(attrs,
		attribute.Int(AttrMergeAdded, added),
		attribute.Int(AttrMergeReplaced, replaced),
		attribute.Int(AttrMergeConflicts, conflicts),
	)
}

// CheckpointAttributes describes a stored checkpoint.
func CheckpointAttributes(id, contextID, label string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrCheckpointID, id),
		attribute.String(AttrContextID, contextID),
	}
	if label != "" {
		attrs = append(attrs, attribute.String(AttrCheckpointLabel, label))
	}
	return attrs
}

// HostCallAttributes describes a resolved host call. code is empty on
// success.
func HostCallAttributes(symbol, namespace, decision, code string, attempts int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrHostSymbol, symbol),
		attribute.String(AttrHostDecision, decision),
		attribute.String(AttrHostOutcome, hostOutcome(decision, code)),
	}
	if namespace != "" {
		attrs = append(attrs, attribute.String(AttrHostNamespace, namespace))
	}
	if attempts > 0 {
		attrs = append(attrs, attribute.Int(AttrHostAttempts, attempts))
	}
	if code != "" {
		attrs = append(attrs, attribute.String(AttrErrorCode, code))
	}
	return attrs
}

func hostOutcome(decision, code string) string {
	switch {
	case decision != "" && decision != "allow":
		return "denied"
	case code != "":
		return "failed"
	default:
		return "ok"
	}
}
