// Package binding connects a text widget to a client.Document: local edits
// become operations, remote operations become widget edits that keep the
// local selection in place, and remote presence becomes cursor decorations.
package binding

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/a-essam23/go-docsync/pkg/client"
	"github.com/a-essam23/go-docsync/pkg/crdt"
)

// Editor is the text widget being bound. Offsets count runes.
type Editor interface {
	// Replace swaps the runes in [from, to) for text.
	Replace(from, to int, text string)
	Selection() (anchor, head int)
	SetSelection(anchor, head int)
	RenderCursor(clientID string, user User, anchor, head int)
	RemoveCursor(clientID string)
}

// Sender delivers local changes to the server; client.Provider implements it.
type Sender interface {
	SendOperations(ops ...crdt.Op) error
	SetPresence(payload any) error
}

// Delta is one local edit: Delete runes removed at Pos, then Insert added
// there.
type Delta struct {
	Pos    int
	Delete int
	Insert string
}

type User struct {
	Name   string `json:"name"`
	Color  string `json:"color,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type Cursor struct {
	Anchor crdt.Anchor `json:"anchor"`
	Head   crdt.Anchor `json:"head"`
}

// Presence is the awareness payload a binding publishes and renders.
type Presence struct {
	User   User    `json:"user"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

type remoteCursor struct {
	user   User
	cursor *Cursor
}

type Binding struct {
	doc    *client.Document
	editor Editor
	user   User

	mu      sync.Mutex
	sender  Sender
	cursors map[string]remoteCursor

	// set while the binding itself writes to the editor
	applying atomic.Bool
}

// New binds editor to doc. The editor is expected to show doc's text already.
func New(doc *client.Document, editor Editor, user User) *Binding {
	return &Binding{
		doc:     doc,
		editor:  editor,
		user:    user,
		cursors: make(map[string]remoteCursor),
	}
}

var _ client.Replica = (*Binding)(nil)

// Attach starts sending local changes through s. Edits made before Attach
// reach the server through the provider's handshake.
func (b *Binding) Attach(s Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sender = s
}

func (b *Binding) currentSender() Sender {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sender
}

// OnLocalChange records edits the user made in the editor. Deltas apply in
// order, each against the text left by the previous one. Changes the binding
// itself is writing to the editor are ignored.
func (b *Binding) OnLocalChange(deltas ...Delta) error {
	if b.applying.Load() {
		return nil
	}
	var ops []crdt.Op
	err := b.doc.Edit(func(d *crdt.Doc) error {
		for _, delta := range deltas {
			if delta.Delete > 0 {
				op, err := d.Delete(delta.Pos, delta.Delete)
				if err != nil {
					return err
				}
				if op != nil {
					ops = append(ops, *op)
				}
			}
			op, err := d.Insert(delta.Pos, delta.Insert)
			if err != nil {
				return err
			}
			if op != nil {
				ops = append(ops, *op)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("binding: local change: %w", err)
	}
	if s := b.currentSender(); s != nil && len(ops) > 0 {
		return s.SendOperations(ops...)
	}
	return nil
}

// OnRemoteOperation merges operations from other clients and mirrors the
// result into the editor. The local selection is pinned to the items it sat
// next to, so text inserted before it does not drag it along.
func (b *Binding) OnRemoteOperation(ops ...crdt.Op) ([]crdt.Op, error) {
	anchor, head := b.editor.Selection()

	var (
		applied            []crdt.Op
		applyErr           error
		before, after      []rune
		newAnchor, newHead int
	)
	_ = b.doc.Edit(func(d *crdt.Doc) error {
		a, h := d.AnchorAt(anchor), d.AnchorAt(head)
		before = []rune(d.String())
		applied, applyErr = d.Apply(ops...)
		after = []rune(d.String())
		newAnchor, _ = d.Resolve(a)
		newHead, _ = d.Resolve(h)
		return nil
	})
	if len(applied) == 0 {
		return nil, applyErr
	}

	b.applying.Store(true)
	from, to, text := changedSpan(before, after)
	if from != to || text != "" {
		b.editor.Replace(from, to, text)
	}
	b.editor.SetSelection(newAnchor, newHead)
	b.applying.Store(false)

	b.renderCursors()
	return applied, applyErr
}

// ApplyRemote lets a client.Provider deliver operations straight to the
// binding.
func (b *Binding) ApplyRemote(ops ...crdt.Op) ([]crdt.Op, error) {
	return b.OnRemoteOperation(ops...)
}

func (b *Binding) StateVector() crdt.StateVector {
	return b.doc.StateVector()
}

func (b *Binding) Diff(sv crdt.StateVector) []crdt.Op {
	return b.doc.Diff(sv)
}

// changedSpan returns the smallest replacement turning before into after.
func changedSpan(before, after []rune) (from, to int, text string) {
	prefix := 0
	for prefix < len(before) && prefix < len(after) && before[prefix] == after[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(before)-prefix && suffix < len(after)-prefix &&
		before[len(before)-1-suffix] == after[len(after)-1-suffix] {
		suffix++
	}
	return prefix, len(before) - suffix, string(after[prefix : len(after)-suffix])
}

// OnAwarenessChange renders or removes the cursor of another client. A nil
// payload removes it.
func (b *Binding) OnAwarenessChange(clientID string, payload json.RawMessage) {
	if payload == nil {
		b.mu.Lock()
		_, known := b.cursors[clientID]
		delete(b.cursors, clientID)
		b.mu.Unlock()
		if known {
			b.editor.RemoveCursor(clientID)
		}
		return
	}

	var p Presence
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	b.mu.Lock()
	b.cursors[clientID] = remoteCursor{user: p.User, cursor: p.Cursor}
	b.mu.Unlock()
	b.renderCursor(clientID, remoteCursor{user: p.User, cursor: p.Cursor})
}

// OnSelectionChange publishes the local selection. Positions are sent as
// anchors so other clients can place them after their own edits.
func (b *Binding) OnSelectionChange(anchor, head int) error {
	s := b.currentSender()
	if s == nil {
		return errors.New("binding: not attached")
	}
	var c Cursor
	_ = b.doc.Edit(func(d *crdt.Doc) error {
		c = Cursor{Anchor: d.AnchorAt(anchor), Head: d.AnchorAt(head)}
		return nil
	})
	return s.SetPresence(Presence{User: b.user, Cursor: &c})
}

func (b *Binding) renderCursors() {
	b.mu.Lock()
	snapshot := make(map[string]remoteCursor, len(b.cursors))
	for id, rc := range b.cursors {
		snapshot[id] = rc
	}
	b.mu.Unlock()

	for id, rc := range snapshot {
		b.renderCursor(id, rc)
	}
}

// renderCursor draws rc if its anchors resolve here. A cursor that points at
// text this replica has not received yet is drawn once that text arrives.
func (b *Binding) renderCursor(clientID string, rc remoteCursor) {
	if rc.cursor == nil {
		b.editor.RemoveCursor(clientID)
		return
	}
	var (
		anchor, head int
		ok           bool
	)
	_ = b.doc.Edit(func(d *crdt.Doc) error {
		var okHead bool
		anchor, ok = d.Resolve(rc.cursor.Anchor)
		head, okHead = d.Resolve(rc.cursor.Head)
		ok = ok && okHead
		return nil
	})
	if ok {
		b.editor.RenderCursor(clientID, rc.user, anchor, head)
	}
}
