package relay_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/starford/laguz/internal/crdt"
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/relay"
	"github.com/starford/laguz/internal/testutil"
	"github.com/starford/laguz/internal/transport"
)

const testNamespace = "taskmanager"

func testRelay(t *testing.T) *httptest.Server {
	t.Helper()
	hub := relay.NewHub(testNamespace, nil)
	ts := httptest.NewServer(hub.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connect(t *testing.T, serverURL string, doc *crdt.Doc, room string, onPeers transport.PeersFunc) *transport.Provider {
	t.Helper()
	p := transport.New(doc, transport.Options{
		ServerURL: serverURL,
		Namespace: testNamespace,
		RoomID:    room,
		OnPeers:   onPeers,
	})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Disconnect)
	return p
}

func push(t *testing.T, doc *crdt.Doc, s string) {
	t.Helper()
	v, _ := json.Marshal(s)
	if err := doc.Push(v); err != nil {
		t.Fatal(err)
	}
}

func TestRelay_ForwardsUpdatesBetweenPeers(t *testing.T) {
	ts := testRelay(t)
	a := crdt.NewDocWithReplica("aa")
	b := crdt.NewDocWithReplica("bb")
	connect(t, ts.URL, a, "room1", nil)
	connect(t, ts.URL, b, "room1", nil)

	push(t, a, "hello")
	waitFor(t, "update to reach peer", func() bool { return b.Len() == 1 })

	push(t, b, "back")
	waitFor(t, "reply to reach origin", func() bool { return a.Len() == 2 })
}

func TestRelay_HistoryReplayForLateJoiner(t *testing.T) {
	ts := testRelay(t)
	a := crdt.NewDocWithReplica("aa")
	connect(t, ts.URL, a, "room1", nil)
	push(t, a, "one")
	push(t, a, "two")

	// Give the relay time to record the history before the joiner arrives.
	time.Sleep(100 * time.Millisecond)

	b := crdt.NewDocWithReplica("bb")
	connect(t, ts.URL, b, "room1", nil)
	waitFor(t, "history replay", func() bool { return b.Len() == 2 })
}

func TestRelay_OfflineEditsMergeOnConnect(t *testing.T) {
	ts := testRelay(t)

	// Both replicas edited before ever connecting.
	a := crdt.NewDocWithReplica("aa")
	b := crdt.NewDocWithReplica("bb")
	push(t, a, "from-a")
	push(t, b, "from-b")

	connect(t, ts.URL, a, "room1", nil)
	connect(t, ts.URL, b, "room1", nil)

	waitFor(t, "bidirectional merge", func() bool { return a.Len() == 2 && b.Len() == 2 })
}

func TestRelay_RoomsAreIsolated(t *testing.T) {
	ts := testRelay(t)
	a := crdt.NewDocWithReplica("aa")
	b := crdt.NewDocWithReplica("bb")
	connect(t, ts.URL, a, "room1", nil)
	connect(t, ts.URL, b, "room2", nil)

	push(t, a, "private")
	time.Sleep(200 * time.Millisecond)
	if b.Len() != 0 {
		t.Fatal("update leaked across rooms")
	}
}

func TestRelay_PeerCount(t *testing.T) {
	ts := testRelay(t)
	a := crdt.NewDocWithReplica("aa")
	b := crdt.NewDocWithReplica("bb")

	peerCh := make(chan int, 16)
	connect(t, ts.URL, a, "room1", func(n int) { peerCh <- n })
	connect(t, ts.URL, b, "room1", nil)

	waitFor(t, "peer count", func() bool {
		for {
			select {
			case n := <-peerCh:
				if n == 1 {
					return true
				}
			default:
				return false
			}
		}
	})
}

func TestRelay_DisconnectIdempotent(t *testing.T) {
	ts := testRelay(t)
	a := crdt.NewDocWithReplica("aa")
	p := connect(t, ts.URL, a, "room1", nil)
	p.Disconnect()
	p.Disconnect()
}

// Full-stack convergence: two encrypted sessions sharing a phrase converge
// through the relay, and the relay itself only ever sees sealed records.
func TestRelay_TwoSessionsConverge(t *testing.T) {
	ts := testRelay(t)

	s1 := testutil.TestSession(t, ts.URL)
	s2 := testutil.TestSession(t, ts.URL)

	created, err := s1.AddTask(models.Task{Title: "shared task"})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "task to sync", func() bool {
		tasks := s2.Snapshot()
		return len(tasks) == 1 && tasks[0].ID == created.ID && tasks[0].Title == "shared task"
	})

	if _, err := s2.CompleteTask(created.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "completion to sync back", func() bool {
		tasks := s1.Snapshot()
		return len(tasks) == 1 && tasks[0].Status == models.StatusCompleted
	})
}

func TestRelay_SessionStatusReflectsConnection(t *testing.T) {
	ts := testRelay(t)
	s := testutil.TestSession(t, ts.URL)

	waitFor(t, "connected status", func() bool { return s.Status().Connected })
	if s.Status().RoomID == "" {
		t.Fatal("no room id in status")
	}

	s.Destroy()
	if st := s.Status(); st.Connected {
		t.Fatal("still connected after destroy")
	}
}

func TestRelay_SetServerURLBringsSessionOnline(t *testing.T) {
	ts := testRelay(t)

	s := testutil.TestSession(t, "")
	if s.Status().Connected {
		t.Fatal("session connected without a server")
	}

	if err := s.SetServerURL(context.Background(), ts.URL); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connection after reconfigure", func() bool { return s.Status().Connected })
}

func TestHub_RoomCount(t *testing.T) {
	hub := relay.NewHub(testNamespace, nil)
	ts := httptest.NewServer(hub.Routes())
	t.Cleanup(ts.Close)

	a := crdt.NewDocWithReplica("aa")
	p := connect(t, ts.URL, a, "room1", nil)
	waitFor(t, "room creation", func() bool { return hub.RoomCount() == 1 })

	p.Disconnect()
	waitFor(t, "room teardown", func() bool { return hub.RoomCount() == 0 })
}
