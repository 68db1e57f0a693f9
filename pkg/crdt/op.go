package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrNotInitialized  = errors.New("crdt: document not initialized")
	ErrInvalidOp       = errors.New("crdt: invalid operation")
	ErrPendingOverflow = errors.New("crdt: pending buffer full")
)

type OpKind string

// MaxClock bounds seq and lamport values accepted from peers, leaving room
// for local operations to keep counting upward.
const MaxClock = uint64(1) << 53

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Op is a single replicated mutation. An insert of N runes consumes the seq
// range [ID.Seq, ID.Seq+N-1] of its replica; a delete consumes one seq.
type Op struct {
	Kind    OpKind `json:"kind"`
	ID      ID     `json:"id"`
	Lamport uint64 `json:"lamport"`
	Parent  ID     `json:"parent"`
	Content string `json:"content,omitempty"`
	Targets []Span `json:"targets,omitempty"`
}

// Len is the number of seq values the operation consumes.
func (o Op) Len() uint64 {
	if o.Kind == OpInsert {
		return uint64(utf8.RuneCountInString(o.Content))
	}
	return 1
}

// Last is the highest seq the operation consumes.
func (o Op) Last() uint64 {
	return o.ID.Seq + o.Len() - 1
}

func (o Op) Validate() error {
	if o.ID.Replica == "" || o.ID.Seq == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidOp)
	}
	if o.Lamport == 0 {
		return fmt.Errorf("%w: missing lamport clock", ErrInvalidOp)
	}
	if n := o.Len(); o.ID.Seq > MaxClock-n || o.Lamport > MaxClock-n {
		return fmt.Errorf("%w: %s clock out of range", ErrInvalidOp, o.ID)
	}
	switch o.Kind {
	case OpInsert:
		if o.Content == "" || !utf8.ValidString(o.Content) {
			return fmt.Errorf("%w: insert %s has empty or invalid content", ErrInvalidOp, o.ID)
		}
		if (o.Parent.Replica == "") != (o.Parent.Seq == 0) {
			return fmt.Errorf("%w: insert %s has malformed parent", ErrInvalidOp, o.ID)
		}
		if o.Parent.Replica == o.ID.Replica && o.Parent.Seq >= o.ID.Seq {
			return fmt.Errorf("%w: insert %s is parented on itself or a later item", ErrInvalidOp, o.ID)
		}
		if len(o.Targets) > 0 {
			return fmt.Errorf("%w: insert %s carries delete targets", ErrInvalidOp, o.ID)
		}
	case OpDelete:
		if len(o.Targets) == 0 {
			return fmt.Errorf("%w: delete %s has no targets", ErrInvalidOp, o.ID)
		}
		for _, t := range o.Targets {
			if t.Replica == "" || t.Seq == 0 || t.Len == 0 {
				return fmt.Errorf("%w: delete %s has malformed target", ErrInvalidOp, o.ID)
			}
			if t.Replica == o.ID.Replica && t.last() >= o.ID.Seq {
				return fmt.Errorf("%w: delete %s targets a later item", ErrInvalidOp, o.ID)
			}
		}
		if o.Content != "" {
			return fmt.Errorf("%w: delete %s carries content", ErrInvalidOp, o.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, o.Kind)
	}
	return nil
}

// trimTo drops the prefix of an insert that is already covered up to seq.
func (o Op) trimTo(seq uint64) Op {
	skip := int(seq - o.ID.Seq + 1)
	runes := []rune(o.Content)
	out := o
	out.ID = ID{Replica: o.ID.Replica, Seq: seq + 1}
	out.Lamport = o.Lamport + uint64(skip)
	out.Parent = ID{Replica: o.ID.Replica, Seq: seq}
	out.Content = string(runes[skip:])
	return out
}
