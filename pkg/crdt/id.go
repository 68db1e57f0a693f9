package crdt

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
)

// SeedPrefix starts the replica id of text seeded from a plain-text snapshot.
const SeedPrefix = "~seed:"

// SeedReplica returns the replica that owns data when it is seeded from a
// plain-text snapshot. The id is derived from the content: the same text
// always yields the same operations, and different texts never share ids.
func SeedReplica(data []byte) string {
	sum := sha256.Sum256(data)
	return SeedPrefix + hex.EncodeToString(sum[:8])
}

// ID is the logical timestamp of one item or operation.
// The zero ID addresses the start of the document.
type ID struct {
	Replica string `json:"replica"`
	Seq     uint64 `json:"seq"`
}

func (id ID) IsZero() bool {
	return id.Replica == "" && id.Seq == 0
}

func (id ID) String() string {
	if id.IsZero() {
		return "root"
	}
	return strconv.FormatUint(id.Seq, 10) + "@" + id.Replica
}

// Span addresses Len consecutive items of one replica starting at Seq.
type Span struct {
	Replica string `json:"replica"`
	Seq     uint64 `json:"seq"`
	Len     uint64 `json:"len"`
}

func (s Span) last() uint64 {
	return s.Seq + s.Len - 1
}

// StateVector maps a replica to the highest contiguous seq integrated from it.
type StateVector map[string]uint64

func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Covers reports whether the operation or item identified by id has been seen.
func (sv StateVector) Covers(id ID) bool {
	if id.IsZero() {
		return true
	}
	return sv[id.Replica] >= id.Seq
}

// Replicas returns the replica ids in sorted order.
func (sv StateVector) Replicas() []string {
	out := make([]string, 0, len(sv))
	for k := range sv {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// less orders sibling items: higher lamport first, then higher replica id.
func less(aLamport uint64, aID ID, bLamport uint64, bID ID) bool {
	if aLamport != bLamport {
		return aLamport > bLamport
	}
	if aID.Replica != bID.Replica {
		return aID.Replica > bID.Replica
	}
	return aID.Seq > bID.Seq
}
