package client_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/go-docsync/pkg/client"
	"github.com/a-essam23/go-docsync/pkg/crdt"
	"github.com/a-essam23/go-docsync/pkg/protocol"
	"github.com/a-essam23/go-docsync/pkg/room"
	"github.com/a-essam23/go-docsync/pkg/transport"
)

const waitFor = 5 * time.Second

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// startHub serves a single room over WebSocket, the way the server does
// for one document.
func startHub(t *testing.T, seed string) (string, *room.Room) {
	t.Helper()
	doc, err := crdt.Decode("", []byte(seed))
	require.NoError(t, err)
	rm := room.New("notes.md", doc, room.Options{Logger: newTestLogger()})

	var wg sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn := transport.NewConnection(r.Context(), &wg, ws, transport.ConnectionConfig{}, nil, nil, newTestLogger())
		conn.SetOnMessageHandler(func(_ context.Context, _ uuid.UUID, data []byte) {
			if msg, err := protocol.Decode(data); err == nil {
				rm.Handle(conn, msg)
			}
		})
		conn.SetOnCloseHandler(func(uuid.UUID, error) { rm.Leave(conn) })
		rm.Join(conn)
		conn.Run()
		<-conn.Done()
	}))
	t.Cleanup(func() {
		srv.Close()
		wg.Wait()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), rm
}

func dial(t *testing.T, url string, opts client.Options) *client.Provider {
	t.Helper()
	opts.Logger = newTestLogger()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	p, err := client.Dial(ctx, url, "notes.md", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.WaitSynced(ctx))
	return p
}

func textOf(p *client.Provider) string {
	return p.Replica().(*client.Document).Text()
}

func TestProviderCatchesUpOnJoin(t *testing.T) {
	url, _ := startHub(t, "hello")
	p := dial(t, url, client.Options{})

	assert.Equal(t, "hello", textOf(p))
	assert.NotEmpty(t, p.ClientID())
	assert.True(t, p.Synced())
}

func TestProvidersExchangeUpdates(t *testing.T) {
	url, rm := startHub(t, "hello")

	remote := make(chan []crdt.Op, 4)
	a := dial(t, url, client.Options{ClientID: "a"})
	b := dial(t, url, client.Options{ClientID: "b", OnRemote: func(ops []crdt.Op) { remote <- ops }})

	op, err := a.Replica().(*client.Document).Insert(5, " world")
	require.NoError(t, err)
	require.NoError(t, a.SendOperations(*op))

	// the first delivery is the catch-up carrying the seed text
	deadline := time.After(waitFor)
	for received := false; !received; {
		select {
		case ops := <-remote:
			received = len(ops) == 1 && ops[0].ID == op.ID
		case <-deadline:
			t.Fatal("update never reached the second client")
		}
	}
	assert.Equal(t, "hello world", textOf(b))
	assert.Eventually(t, func() bool { return rm.Text() == "hello world" }, waitFor, 10*time.Millisecond)
}

func TestOfflineEditsConvergeThroughHandshake(t *testing.T) {
	url, rm := startHub(t, "")

	docA := client.NewDocument("a")
	_, err := docA.Insert(0, "Hello")
	require.NoError(t, err)
	docB := client.NewDocument("b")
	_, err = docB.Insert(0, "World")
	require.NoError(t, err)

	dial(t, url, client.Options{ClientID: "a", Replica: docA})
	dial(t, url, client.Options{ClientID: "b", Replica: docB})

	assert.Eventually(t, func() bool {
		return docA.Text() == docB.Text() && docA.Len() == 10
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, docA.Text(), rm.Text())
}

func TestPresenceIsRelayedAndRetractedOnClose(t *testing.T) {
	url, _ := startHub(t, "")

	type change struct {
		id      string
		payload json.RawMessage
	}
	changes := make(chan change, 8)
	watcher := dial(t, url, client.Options{ClientID: "watcher", OnAwareness: func(id string, payload json.RawMessage) {
		changes <- change{id, payload}
	}})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	editor, err := client.Dial(ctx, url, "notes.md", client.Options{ClientID: "editor", Logger: newTestLogger()})
	require.NoError(t, err)
	require.NoError(t, editor.WaitSynced(ctx))
	require.NoError(t, editor.SetPresence(map[string]string{"name": "Ada"}))

	next := func() change {
		select {
		case c := <-changes:
			return c
		case <-time.After(waitFor):
			t.Fatal("no presence change arrived")
			return change{}
		}
	}
	got := next()
	assert.Equal(t, "editor", got.id)
	assert.JSONEq(t, `{"name":"Ada"}`, string(got.payload))
	require.Len(t, watcher.Presence(), 1)

	require.NoError(t, editor.Close())
	got = next()
	assert.Equal(t, "editor", got.id)
	assert.Nil(t, got.payload)
	assert.Empty(t, watcher.Presence())
	assert.ErrorIs(t, editor.SendOperations(crdt.Op{}), client.ErrClosed)
}

func TestDialValidatesArguments(t *testing.T) {
	_, err := client.Dial(context.Background(), "ws://127.0.0.1:1", "", client.Options{})
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = client.Dial(ctx, "ws://127.0.0.1:1", "a.md", client.Options{})
	assert.Error(t, err)
}

func TestSetPresenceRejectsNull(t *testing.T) {
	url, _ := startHub(t, "")
	p := dial(t, url, client.Options{})
	assert.Error(t, p.SetPresence(nil))
}

func TestDocumentIsSafeForConcurrentEdits(t *testing.T) {
	doc := client.NewDocument("a")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = doc.Insert(doc.Len(), "x")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, doc.Len())

	replica := client.NewDocument("b")
	applied, err := replica.ApplyRemote(doc.Diff(nil)...)
	require.NoError(t, err)
	assert.Len(t, applied, 400)
	assert.Equal(t, doc.Text(), replica.Text())
	assert.Equal(t, doc.StateVector(), replica.StateVector())
}
