package crdt_test

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/a-essam23/go-docsync/pkg/crdt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustInsert(t *testing.T, d *crdt.Doc, pos int, text string) crdt.Op {
	t.Helper()
	op, err := d.Insert(pos, text)
	require.NoError(t, err)
	require.NotNil(t, op)
	return *op
}

func mustDelete(t *testing.T, d *crdt.Doc, pos, n int) crdt.Op {
	t.Helper()
	op, err := d.Delete(pos, n)
	require.NoError(t, err)
	require.NotNil(t, op)
	return *op
}

func TestLocalEdits(t *testing.T) {
	d := crdt.NewDoc("a")

	mustInsert(t, d, 0, "hello")
	mustInsert(t, d, 5, " world")
	mustInsert(t, d, 0, ">> ")
	assert.Equal(t, ">> hello world", d.String())

	mustDelete(t, d, 0, 3)
	assert.Equal(t, "hello world", d.String())
	assert.Equal(t, 11, d.Len())

	t.Run("offsets are clamped", func(t *testing.T) {
		mustInsert(t, d, 999, "!")
		assert.Equal(t, "hello world!", d.String())
		mustDelete(t, d, 11, 50)
		assert.Equal(t, "hello world", d.String())
	})

	t.Run("empty edits produce no operation", func(t *testing.T) {
		op, err := d.Insert(0, "")
		require.NoError(t, err)
		assert.Nil(t, op)

		op, err = d.Delete(d.Len(), 3)
		require.NoError(t, err)
		assert.Nil(t, op)
	})

	t.Run("counters are contiguous per replica", func(t *testing.T) {
		sv := d.StateVector()
		// 15 inserted runes and 2 deletes
		assert.Equal(t, uint64(17), sv["a"])
	})
}

func TestUninitializedDoc(t *testing.T) {
	var d crdt.Doc
	_, err := d.Insert(0, "x")
	assert.ErrorIs(t, err, crdt.ErrNotInitialized)
	_, err = d.Apply(crdt.Op{})
	assert.ErrorIs(t, err, crdt.ErrNotInitialized)

	readOnly := crdt.NewDoc("")
	_, err = readOnly.Insert(0, "x")
	assert.ErrorIs(t, err, crdt.ErrNotInitialized)
}

func TestConcurrentInsertAtSamePosition(t *testing.T) {
	a := crdt.NewDoc("a")
	b := crdt.NewDoc("b")

	opA := mustInsert(t, a, 0, "Hello")
	opB := mustInsert(t, b, 0, "World")

	_, err := a.Apply(opB)
	require.NoError(t, err)
	_, err = b.Apply(opA)
	require.NoError(t, err)

	assert.Equal(t, a.String(), b.String())
	assert.Contains(t, []string{"HelloWorld", "WorldHello"}, a.String())
}

func TestCausallyLaterInsertKeepsIntent(t *testing.T) {
	a := crdt.NewDoc("a")
	b := crdt.NewDoc("b")

	opA := mustInsert(t, a, 0, "x")
	_, err := b.Apply(opA)
	require.NoError(t, err)

	opB := mustInsert(t, b, 0, "y")
	_, err = a.Apply(opB)
	require.NoError(t, err)

	assert.Equal(t, "yx", a.String())
	assert.Equal(t, "yx", b.String())
}

func TestApplyIsIdempotent(t *testing.T) {
	a := crdt.NewDoc("a")
	ops := []crdt.Op{
		mustInsert(t, a, 0, "abc"),
		mustInsert(t, a, 3, "def"),
		mustDelete(t, a, 1, 2),
	}

	b := crdt.NewDoc("b")
	applied, err := b.Apply(ops...)
	require.NoError(t, err)
	assert.Len(t, applied, 3)
	once := b.String()

	applied, err = b.Apply(ops...)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, once, b.String())
	assert.Equal(t, a.String(), b.String())
}

func TestDeletingTombstoneIsNoop(t *testing.T) {
	a := crdt.NewDoc("a")
	b := crdt.NewDoc("b")
	_, err := b.Apply(mustInsert(t, a, 0, "abc"))
	require.NoError(t, err)

	delA := mustDelete(t, a, 1, 1)
	delB := mustDelete(t, b, 1, 1)

	_, err = a.Apply(delB)
	require.NoError(t, err)
	_, err = b.Apply(delA)
	require.NoError(t, err)

	assert.Equal(t, "ac", a.String())
	assert.Equal(t, "ac", b.String())

	// a second delete of an already deleted span removes nothing more
	c := crdt.NewDoc("c")
	_, err = c.Apply(a.Diff(nil)...)
	require.NoError(t, err)
	_, err = c.Apply(delA, delB, delA)
	require.NoError(t, err)
	assert.Equal(t, "ac", c.String())
}

func TestOutOfOrderDeliveryIsBuffered(t *testing.T) {
	a := crdt.NewDoc("a")
	op1 := mustInsert(t, a, 0, "ab")
	op2 := mustInsert(t, a, 2, "c")
	op3 := mustDelete(t, a, 0, 1)

	b := crdt.NewDoc("b")
	applied, err := b.Apply(op3)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, 1, b.Pending())

	applied, err = b.Apply(op2)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, 2, b.Pending())

	applied, err = b.Apply(op1)
	require.NoError(t, err)
	assert.Len(t, applied, 3)
	assert.Zero(t, b.Pending())
	assert.Equal(t, "bc", b.String())
	assert.Equal(t, a.String(), b.String())
}

func TestPendingBufferIsBounded(t *testing.T) {
	a := crdt.NewDoc("a")
	mustInsert(t, a, 0, "a")
	op2 := mustInsert(t, a, 1, "b")
	op3 := mustInsert(t, a, 2, "c")

	b := crdt.NewDoc("b")
	b.SetMaxPending(1)
	_, err := b.Apply(op2)
	require.NoError(t, err)
	_, err = b.Apply(op3)
	assert.ErrorIs(t, err, crdt.ErrPendingOverflow)
	assert.Equal(t, 1, b.Pending())
}

func TestInvalidOperationsAreRejected(t *testing.T) {
	good := crdt.Op{Kind: crdt.OpInsert, ID: crdt.ID{Replica: "x", Seq: 1}, Lamport: 1, Content: "ok"}

	cases := map[string]crdt.Op{
		"unknown kind":     {Kind: "move", ID: crdt.ID{Replica: "x", Seq: 1}, Lamport: 1},
		"missing id":       {Kind: crdt.OpInsert, Lamport: 1, Content: "a"},
		"missing lamport":  {Kind: crdt.OpInsert, ID: crdt.ID{Replica: "x", Seq: 1}, Content: "a"},
		"empty insert":     {Kind: crdt.OpInsert, ID: crdt.ID{Replica: "x", Seq: 1}, Lamport: 1},
		"invalid utf8":     {Kind: crdt.OpInsert, ID: crdt.ID{Replica: "x", Seq: 1}, Lamport: 1, Content: "\xff"},
		"self parent":      {Kind: crdt.OpInsert, ID: crdt.ID{Replica: "x", Seq: 2}, Lamport: 1, Content: "a", Parent: crdt.ID{Replica: "x", Seq: 2}},
		"delete no target": {Kind: crdt.OpDelete, ID: crdt.ID{Replica: "x", Seq: 1}, Lamport: 1},
		"delete zero span": {Kind: crdt.OpDelete, ID: crdt.ID{Replica: "x", Seq: 1}, Lamport: 1, Targets: []crdt.Span{{Replica: "y", Seq: 1}}},
		"lamport overflow": {Kind: crdt.OpInsert, ID: crdt.ID{Replica: "x", Seq: 1}, Lamport: math.MaxUint64, Content: "a"},
		"lamport too high": {Kind: crdt.OpInsert, ID: crdt.ID{Replica: "x", Seq: 1}, Lamport: crdt.MaxClock, Content: "ab"},
		"seq overflow":     {Kind: crdt.OpInsert, ID: crdt.ID{Replica: "x", Seq: math.MaxUint64}, Lamport: 1, Content: "a"},
	}
	for name, bad := range cases {
		t.Run(name, func(t *testing.T) {
			d := crdt.NewDoc("d")
			applied, err := d.Apply(bad, good)
			assert.ErrorIs(t, err, crdt.ErrInvalidOp)
			assert.Len(t, applied, 1)
			assert.Equal(t, "ok", d.String())
		})
	}
}

func TestHugeRemoteClockDoesNotStallLocalEdits(t *testing.T) {
	a := crdt.NewDoc("a")
	b := crdt.NewDoc("b")

	_, err := a.Apply(crdt.Op{Kind: crdt.OpInsert, ID: crdt.ID{Replica: "x", Seq: 1}, Lamport: math.MaxUint64, Content: "!"})
	assert.ErrorIs(t, err, crdt.ErrInvalidOp)

	op := mustInsert(t, a, 0, "hi")
	assert.NotZero(t, op.Lamport)
	_, err = b.Apply(op)
	require.NoError(t, err)
	assert.Equal(t, "hi", b.String())
}

func TestDiffCatchesUpEmptyReplica(t *testing.T) {
	a := crdt.NewDoc("a")
	mustInsert(t, a, 0, "shared text")
	mustDelete(t, a, 0, 7)
	mustInsert(t, a, 0, "some ")

	joiner := crdt.NewDoc("j")
	_, err := joiner.Apply(a.Diff(joiner.StateVector())...)
	require.NoError(t, err)
	assert.Equal(t, a.String(), joiner.String())
	assert.Equal(t, a.StateVector(), joiner.StateVector())

	t.Run("diff against a current vector is empty", func(t *testing.T) {
		assert.Empty(t, a.Diff(joiner.StateVector()))
	})

	t.Run("diff carries only unseen operations", func(t *testing.T) {
		mustInsert(t, a, a.Len(), "!")
		diff := a.Diff(joiner.StateVector())
		require.Len(t, diff, 1)
		assert.Equal(t, "!", diff[0].Content)
	})
}

func TestConvergenceUnderReorderingAndDuplication(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			ops, reference := randomHistory(t, rng, 3, 60)

			var results []string
			for i := 0; i < 4; i++ {
				shuffled := append([]crdt.Op{}, ops...)
				// duplicate a random slice of the history
				shuffled = append(shuffled, ops[rng.Intn(len(ops)):]...)
				rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

				d := crdt.NewDoc(fmt.Sprintf("fresh-%d", i))
				for _, op := range shuffled {
					_, err := d.Apply(op)
					require.NoError(t, err)
				}
				assert.Zero(t, d.Pending())
				results = append(results, d.String())
			}
			for _, r := range results {
				assert.Equal(t, reference, r)
			}
		})
	}
}

// randomHistory runs random edits on several replicas with occasional pairwise
// syncs, then fully syncs one replica and returns every operation produced plus
// that replica's final text.
func randomHistory(t *testing.T, rng *rand.Rand, replicas, steps int) ([]crdt.Op, string) {
	t.Helper()
	docs := make([]*crdt.Doc, replicas)
	for i := range docs {
		docs[i] = crdt.NewDoc(fmt.Sprintf("r%d", i))
	}
	words := []string{"a", "bc", "def", "ü", "日本", " "}

	var all []crdt.Op
	for s := 0; s < steps; s++ {
		d := docs[rng.Intn(replicas)]
		if d.Len() > 0 && rng.Intn(3) == 0 {
			op, err := d.Delete(rng.Intn(d.Len()), 1+rng.Intn(3))
			require.NoError(t, err)
			if op != nil {
				all = append(all, *op)
			}
		} else {
			all = append(all, mustInsert(t, d, rng.Intn(d.Len()+1), words[rng.Intn(len(words))]))
		}
		if rng.Intn(4) == 0 {
			from, to := docs[rng.Intn(replicas)], docs[rng.Intn(replicas)]
			_, err := to.Apply(from.Diff(to.StateVector())...)
			require.NoError(t, err)
		}
	}

	final := crdt.NewDoc("final")
	for _, d := range docs {
		_, err := final.Apply(d.Diff(final.StateVector())...)
		require.NoError(t, err)
	}
	require.Zero(t, final.Pending())
	return all, final.String()
}
