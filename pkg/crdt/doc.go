// Package crdt implements the replicated text sequence shared by a document's
// editors. Items are addressed by the identity of their causal predecessor, so
// concurrent inserts at the same offset converge without overwriting each other.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DefaultMaxPending bounds the operations buffered while waiting for their
// dependencies.
const DefaultMaxPending = 10000

type item struct {
	id       ID
	lamport  uint64
	r        rune
	deleted  bool
	children []*item

	// visible items up to and including this one, valid after rebuild.
	rank int
}

func (it *item) insertChild(child *item) {
	i := sort.Search(len(it.children), func(i int) bool {
		c := it.children[i]
		return less(child.lamport, child.id, c.lamport, c.id)
	})
	it.children = append(it.children, nil)
	copy(it.children[i+1:], it.children[i:])
	it.children[i] = child
}

// Doc is one replica of a text document. A Doc is not safe for concurrent use.
type Doc struct {
	replica    string
	lamport    uint64
	sv         StateVector
	items      map[ID]*item
	root       *item
	history    []Op
	pending    map[ID]Op
	maxPending int

	visible []*item
	dirty   bool
}

// NewDoc returns an empty document. An empty replica id yields a read-only
// replica that can merge remote operations but not produce local ones.
func NewDoc(replica string) *Doc {
	return &Doc{
		replica:    replica,
		sv:         make(StateVector),
		items:      make(map[ID]*item),
		root:       &item{},
		pending:    make(map[ID]Op),
		maxPending: DefaultMaxPending,
	}
}

func (d *Doc) Replica() string {
	return d.replica
}

// SetMaxPending changes the pending buffer bound. n <= 0 restores the default.
func (d *Doc) SetMaxPending(n int) {
	if n <= 0 {
		n = DefaultMaxPending
	}
	d.maxPending = n
}

func (d *Doc) Len() int {
	if d.items == nil {
		return 0
	}
	d.rebuild()
	return len(d.visible)
}

func (d *Doc) String() string {
	if d.items == nil {
		return ""
	}
	d.rebuild()
	var b strings.Builder
	for _, it := range d.visible {
		b.WriteRune(it.r)
	}
	return b.String()
}

// StateVector returns a copy of the per-replica progress of this document.
func (d *Doc) StateVector() StateVector {
	if d.sv == nil {
		return StateVector{}
	}
	return d.sv.Clone()
}

// Pending is the number of operations waiting on missing dependencies.
func (d *Doc) Pending() int {
	return len(d.pending)
}

// Insert converts an offset into a causally addressed insert, integrates it and
// returns it for broadcast. Inserting empty text returns a nil op.
func (d *Doc) Insert(pos int, text string) (*Op, error) {
	if d.items == nil || d.replica == "" {
		return nil, ErrNotInitialized
	}
	if text == "" {
		return nil, nil
	}
	d.rebuild()
	pos = clamp(pos, 0, len(d.visible))

	var parent ID
	if pos > 0 {
		parent = d.visible[pos-1].id
	}
	op := Op{
		Kind:    OpInsert,
		ID:      ID{Replica: d.replica, Seq: d.sv[d.replica] + 1},
		Lamport: d.lamport + 1,
		Parent:  parent,
		Content: text,
	}
	d.integrate(op)
	return &op, nil
}

// Delete tombstones up to length visible runes starting at pos and returns the
// resulting operation. A range with nothing visible returns a nil op.
func (d *Doc) Delete(pos, length int) (*Op, error) {
	if d.items == nil || d.replica == "" {
		return nil, ErrNotInitialized
	}
	d.rebuild()
	pos = clamp(pos, 0, len(d.visible))
	end := clamp(pos+length, pos, len(d.visible))
	if end == pos {
		return nil, nil
	}

	var targets []Span
	for _, it := range d.visible[pos:end] {
		n := len(targets)
		if n > 0 && targets[n-1].Replica == it.id.Replica && targets[n-1].last()+1 == it.id.Seq {
			targets[n-1].Len++
			continue
		}
		targets = append(targets, Span{Replica: it.id.Replica, Seq: it.id.Seq, Len: 1})
	}
	op := Op{
		Kind:    OpDelete,
		ID:      ID{Replica: d.replica, Seq: d.sv[d.replica] + 1},
		Lamport: d.lamport + 1,
		Targets: targets,
	}
	d.integrate(op)
	return &op, nil
}

// Apply merges remote operations in any order and any number of times.
// Operations already seen are absorbed silently and operations with missing
// dependencies are buffered until those arrive. It returns the operations newly
// integrated by this call, in integration order. Invalid operations are skipped
// and reported in the returned error; valid ones in the same call still apply.
func (d *Doc) Apply(ops ...Op) ([]Op, error) {
	if d.items == nil {
		return nil, ErrNotInitialized
	}
	var (
		applied []Op
		errs    []error
	)
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		op, fresh := d.uncovered(op)
		if !fresh {
			continue
		}
		ok, err := d.depsMet(op)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			if err := d.buffer(op); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		d.integrate(op)
		applied = append(applied, op)
	}
	if len(applied) > 0 {
		applied = append(applied, d.drain(&errs)...)
	}
	return applied, errors.Join(errs...)
}

// Diff returns every integrated operation not yet reflected by sv, in the
// causal order they were integrated here.
func (d *Doc) Diff(sv StateVector) []Op {
	var out []Op
	for _, op := range d.history {
		if op.Last() > sv[op.ID.Replica] {
			out = append(out, op)
		}
	}
	return out
}

// uncovered strips the part of op that this replica already holds.
func (d *Doc) uncovered(op Op) (Op, bool) {
	seen := d.sv[op.ID.Replica]
	if op.Last() <= seen {
		return op, false
	}
	if op.ID.Seq <= seen {
		if op.Kind != OpInsert {
			return op, false
		}
		op = op.trimTo(seen)
	}
	return op, true
}

func (d *Doc) depsMet(op Op) (bool, error) {
	if op.ID.Seq != d.sv[op.ID.Replica]+1 {
		return false, nil
	}
	switch op.Kind {
	case OpInsert:
		if op.Parent.IsZero() {
			return true, nil
		}
		if !d.sv.Covers(op.Parent) {
			return false, nil
		}
		if _, ok := d.items[op.Parent]; !ok {
			return false, fmt.Errorf("%w: insert %s is parented on %s which is not an item", ErrInvalidOp, op.ID, op.Parent)
		}
	case OpDelete:
		for _, t := range op.Targets {
			if d.sv[t.Replica] < t.last() {
				return false, nil
			}
		}
	}
	return true, nil
}

func (d *Doc) buffer(op Op) error {
	if _, ok := d.pending[op.ID]; ok {
		return nil
	}
	if len(d.pending) >= d.maxPending {
		return fmt.Errorf("%w: dropping %s", ErrPendingOverflow, op.ID)
	}
	d.pending[op.ID] = op
	return nil
}

// drain integrates buffered operations until no more become ready.
func (d *Doc) drain(errs *[]error) []Op {
	var applied []Op
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		ids := make([]ID, 0, len(d.pending))
		for id := range d.pending {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			if ids[i].Replica != ids[j].Replica {
				return ids[i].Replica < ids[j].Replica
			}
			return ids[i].Seq < ids[j].Seq
		})
		for _, id := range ids {
			op, fresh := d.uncovered(d.pending[id])
			if !fresh {
				delete(d.pending, id)
				continue
			}
			ok, err := d.depsMet(op)
			if err != nil {
				delete(d.pending, id)
				*errs = append(*errs, err)
				continue
			}
			if !ok {
				continue
			}
			delete(d.pending, id)
			d.integrate(op)
			applied = append(applied, op)
			progress = true
		}
	}
	return applied
}

// integrate assumes op is valid, uncovered and has its dependencies met.
func (d *Doc) integrate(op Op) {
	switch op.Kind {
	case OpInsert:
		parent := d.root
		if !op.Parent.IsZero() {
			parent = d.items[op.Parent]
		}
		seq, lamport := op.ID.Seq, op.Lamport
		for _, r := range op.Content {
			it := &item{id: ID{Replica: op.ID.Replica, Seq: seq}, lamport: lamport, r: r}
			d.items[it.id] = it
			parent.insertChild(it)
			parent = it
			seq++
			lamport++
		}
	case OpDelete:
		for _, t := range op.Targets {
			for s := t.Seq; s <= t.last(); s++ {
				if it, ok := d.items[ID{Replica: t.Replica, Seq: s}]; ok {
					it.deleted = true
				}
			}
		}
	}
	d.sv[op.ID.Replica] = op.Last()
	if top := op.Lamport + op.Len() - 1; top > d.lamport {
		d.lamport = top
	}
	d.history = append(d.history, op)
	d.dirty = true
}

// rebuild linearizes the item tree in pre-order: an item is followed by its
// children, newest first, each followed by its own subtree.
func (d *Doc) rebuild() {
	if !d.dirty {
		return
	}
	d.visible = d.visible[:0]

	stack := make([]*item, 0, 64)
	for i := len(d.root.children) - 1; i >= 0; i-- {
		stack = append(stack, d.root.children[i])
	}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !it.deleted {
			d.visible = append(d.visible, it)
		}
		it.rank = len(d.visible)
		for i := len(it.children) - 1; i >= 0; i-- {
			stack = append(stack, it.children[i])
		}
	}
	d.dirty = false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
