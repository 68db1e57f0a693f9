package client

import (
	"sync"

	"github.com/a-essam23/go-docsync/pkg/crdt"
)

// Replica is the local copy of a document a Provider keeps in sync.
type Replica interface {
	StateVector() crdt.StateVector
	Diff(sv crdt.StateVector) []crdt.Op
	// ApplyRemote merges operations received from the server and returns
	// the ones that were new.
	ApplyRemote(ops ...crdt.Op) ([]crdt.Op, error)
}

// Document is a Replica safe for concurrent use.
type Document struct {
	mu  sync.Mutex
	doc *crdt.Doc
}

func NewDocument(replica string) *Document {
	return &Document{doc: crdt.NewDoc(replica)}
}

var _ Replica = (*Document)(nil)

func (d *Document) Replica() string {
	return d.doc.Replica()
}

// Insert adds text at pos and returns the operation to send. Empty text
// yields a nil op.
func (d *Document) Insert(pos int, text string) (*crdt.Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Insert(pos, text)
}

func (d *Document) Delete(pos, length int) (*crdt.Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Delete(pos, length)
}

func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.String()
}

func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Len()
}

func (d *Document) StateVector() crdt.StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.StateVector()
}

func (d *Document) Diff(sv crdt.StateVector) []crdt.Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Diff(sv)
}

func (d *Document) ApplyRemote(ops ...crdt.Op) ([]crdt.Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Apply(ops...)
}

// Edit runs fn with exclusive access to the underlying document, for callers
// that must read and change it in one step.
func (d *Document) Edit(fn func(doc *crdt.Doc) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d.doc)
}
