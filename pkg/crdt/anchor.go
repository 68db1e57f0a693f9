package crdt

// Anchor pins a position directly after an item, so it follows that item
// through remote edits. The zero Anchor pins the start of the document.
type Anchor struct {
	After ID `json:"after"`
}

// AnchorAt returns the anchor for a visible offset.
func (d *Doc) AnchorAt(index int) Anchor {
	if d.items == nil {
		return Anchor{}
	}
	d.rebuild()
	index = clamp(index, 0, len(d.visible))
	if index == 0 {
		return Anchor{}
	}
	return Anchor{After: d.visible[index-1].id}
}

// Resolve maps an anchor back to a visible offset. An anchor whose item was
// deleted resolves to where that item used to be. ok is false when the item
// is unknown to this replica.
func (d *Doc) Resolve(a Anchor) (index int, ok bool) {
	if a.After.IsZero() {
		return 0, true
	}
	if d.items == nil {
		return 0, false
	}
	it, found := d.items[a.After]
	if !found {
		return 0, false
	}
	d.rebuild()
	return it.rank, true
}
