// Package audit records security-relevant events as an append-only,
// hash-chained trail with pluggable backends.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the well-known hash the chain starts from. The first event
// emitted by a trail carries it as its prev_hash.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// EventType classifies an audit event.
type EventType string

const (
	EventAuthCheck        EventType = "AUTH_CHECK"
	EventCapabilityCall   EventType = "CAPABILITY_CALL"
	EventConfigChange     EventType = "CONFIG_CHANGE"
	EventStartup          EventType = "STARTUP"
	EventShutdown         EventType = "SHUTDOWN"
	EventIdentityRotation EventType = "IDENTITY_ROTATION"
	EventPeerVerification EventType = "PEER_VERIFICATION"
	EventPolicyUpdate     EventType = "POLICY_UPDATE"
)

// Event is a single immutable audit record. Hash chains from the previous
// event's hash, so any in-place tampering breaks verification.
type Event struct {
	Index     int               `json:"index"`
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Caller    string            `json:"caller,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Action    string            `json:"action,omitempty"`
	Decision  string            `json:"decision,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	Duration  time.Duration     `json:"duration_ns,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	PrevHash  string            `json:"prev_hash"`
	Hash      string            `json:"hash"`
}

// hashEvent computes a deterministic SHA-256 over an event's fields.
// Context entries are folded in sorted-key order by contextDigest.
func hashEvent(e *Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s|%s",
		e.Index, e.ID, e.Type, e.Timestamp.Format(time.RFC3339Nano),
		e.Caller, e.Resource, e.Action, e.Decision, e.Reason,
		e.TraceID, e.Duration, contextDigest(e.Context), e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain walks events in order and checks hash consistency. The first
// event must chain from GenesisHash.
func VerifyChain(events []*Event) error {
	prevHash := GenesisHash
	for i, e := range events {
		if e.PrevHash != prevHash {
			return fmt.Errorf("audit chain broken at index %d", e.Index)
		}
		if e.Hash != hashEvent(e) {
			return fmt.Errorf("audit event %d has invalid hash", e.Index)
		}
		if i > 0 && e.Index != events[i-1].Index+1 {
			return fmt.Errorf("audit index gap before %d", e.Index)
		}
		prevHash = e.Hash
	}
	return nil
}
