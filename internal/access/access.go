// Package access decides whether a sender may use the assistant.
package access

import "strings"

// SnapshotFunc returns the allow-list currently in force.
type SnapshotFunc func() Snapshot

// Snapshot is one immutable view of the access policy. An empty AllowList
// denies every sender unless AllowAll is set.
type Snapshot struct {
	AllowList []string
	AllowAll  bool
}

type Gate struct {
	snapshot SnapshotFunc
}

func NewGate(snapshot SnapshotFunc) *Gate {
	if snapshot == nil {
		snapshot = func() Snapshot { return Snapshot{} }
	}
	return &Gate{snapshot: snapshot}
}

// IsPermitted reports whether senderID appears in the current allow-list.
func (g *Gate) IsPermitted(senderID string) bool {
	id := NormalizeSenderID(senderID)
	if id == "" {
		return false
	}
	s := g.snapshot()
	if s.AllowAll {
		return true
	}
	for _, allowed := range s.AllowList {
		if NormalizeSenderID(allowed) == id {
			return true
		}
	}
	return false
}

// NormalizeSenderID strips the channel prefix and surrounding whitespace so
// "whatsapp:+1555" and "+1555" name the same sender.
func NormalizeSenderID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "whatsapp:")
	return strings.ReplaceAll(id, " ", "")
}

// ParseList splits a comma separated allow-list, dropping blanks.
func ParseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if id := NormalizeSenderID(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}
