package crdt_test

import (
	"testing"

	"github.com/a-essam23/go-docsync/pkg/crdt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSnapshotRoundTrip(t *testing.T) {
	a := crdt.NewDoc("a")
	mustInsert(t, a, 0, "line one\nline two")
	mustDelete(t, a, 4, 4)
	mustInsert(t, a, 0, "# ")

	data, err := crdt.Encode(a, crdt.FormatState)
	require.NoError(t, err)

	restored, err := crdt.Decode("server", data)
	require.NoError(t, err)
	assert.Equal(t, a.String(), restored.String())
	assert.Equal(t, a.StateVector(), restored.StateVector())

	// peers that edited before the restart can still catch up from history
	assert.Len(t, restored.Diff(crdt.StateVector{"a": 1}), len(a.Diff(crdt.StateVector{"a": 1})))
}

func TestTextSnapshotSeedsDeterministically(t *testing.T) {
	text := []byte("persisted content")

	data, err := crdt.Encode(mustDecode(t, text), crdt.FormatText)
	require.NoError(t, err)
	assert.Equal(t, text, data)

	first := mustDecode(t, text)
	second := mustDecode(t, text)
	applied, err := second.Apply(first.Diff(nil)...)
	require.NoError(t, err)
	assert.Empty(t, applied, "identical seeds must merge without duplicating text")
	assert.Equal(t, "persisted content", second.String())
}

func TestDifferentTextsSeedDisjointIDs(t *testing.T) {
	original := mustDecode(t, []byte("Hello"))
	editor, err := crdt.Decode("editor", []byte("Hello"))
	require.NoError(t, err)
	_, err = original.Apply(mustDelete(t, editor, 1, 1))
	require.NoError(t, err)
	require.Equal(t, "Hllo", original.String())

	// a replica reloaded from the edited text shares no ids with the first one
	reloaded := mustDecode(t, []byte(original.String()))
	assert.NotEqual(t, crdt.SeedReplica([]byte("Hello")), crdt.SeedReplica([]byte("Hllo")))
	for replica := range reloaded.StateVector() {
		assert.NotContains(t, original.StateVector(), replica)
	}

	_, err = reloaded.Apply(original.Diff(reloaded.StateVector())...)
	require.NoError(t, err)
	_, err = original.Apply(reloaded.Diff(original.StateVector())...)
	require.NoError(t, err)
	assert.Equal(t, original.String(), reloaded.String())
}

func TestDecodeEmptyAndMalformed(t *testing.T) {
	d, err := crdt.Decode("r", nil)
	require.NoError(t, err)
	assert.Equal(t, "", d.String())

	_, err = crdt.Decode("r", []byte("DOCSYNC\x00not zstd"))
	assert.ErrorIs(t, err, crdt.ErrBadSnapshot)
}

func TestParseFormat(t *testing.T) {
	f, err := crdt.ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, crdt.FormatText, f)

	f, err = crdt.ParseFormat("state")
	require.NoError(t, err)
	assert.Equal(t, crdt.FormatState, f)

	_, err = crdt.ParseFormat("yaml")
	assert.Error(t, err)
}

func TestAnchorsFollowRemoteEdits(t *testing.T) {
	local := crdt.NewDoc("local")
	remote := crdt.NewDoc("remote")
	_, err := remote.Apply(mustInsert(t, local, 0, "hello world"))
	require.NoError(t, err)

	cursor := local.AnchorAt(6) // before "world"

	_, err = local.Apply(mustInsert(t, remote, 0, "XX"))
	require.NoError(t, err)
	pos, ok := local.Resolve(cursor)
	require.True(t, ok)
	assert.Equal(t, 8, pos)

	_, err = local.Apply(mustDelete(t, remote, 2, 6)) // drop "hello "
	require.NoError(t, err)
	assert.Equal(t, "XXworld", local.String())
	pos, ok = local.Resolve(cursor)
	require.True(t, ok)
	assert.Equal(t, 2, pos)

	start, ok := local.Resolve(crdt.Anchor{})
	require.True(t, ok)
	assert.Zero(t, start)

	_, ok = local.Resolve(crdt.Anchor{After: crdt.ID{Replica: "ghost", Seq: 9}})
	assert.False(t, ok)
}

func mustDecode(t *testing.T, data []byte) *crdt.Doc {
	t.Helper()
	d, err := crdt.Decode("", data)
	require.NoError(t, err)
	return d
}
