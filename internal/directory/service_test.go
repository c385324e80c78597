package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

func newServer(t *testing.T, ttl time.Duration) (*httptest.Server, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	svc := NewService(NewMemoryStore(ttl, clk), slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux := http.NewServeMux()
	svc.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, clk
}

func join(t *testing.T, srv *httptest.Server, room, peer string) []string {
	t.Helper()
	body, _ := json.Marshal(protocol.JoinRequest{SessionKey: room, PeerID: peer})
	resp, err := http.Post(srv.URL+"/room/join", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status %d", resp.StatusCode)
	}
	return decodePeers(t, resp.Body)
}

func peers(t *testing.T, srv *httptest.Server, room string) []string {
	t.Helper()
	resp, err := http.Get(srv.URL + "/room/" + room + "/peers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	return decodePeers(t, resp.Body)
}

func pollAs(t *testing.T, srv *httptest.Server, room, peer string) []string {
	t.Helper()
	resp, err := http.Get(srv.URL + "/room/" + room + "/peers?peerId=" + peer)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status %d", resp.StatusCode)
	}
	return decodePeers(t, resp.Body)
}

func decodePeers(t *testing.T, r io.Reader) []string {
	t.Helper()
	var resp protocol.PeersResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	ids := []string{}
	for _, p := range resp.Peers {
		ids = append(ids, p.PeerID)
	}
	return ids
}

func TestJoinReturnsOtherPeersInJoinOrder(t *testing.T) {
	srv, _ := newServer(t, time.Hour)

	if got := join(t, srv, "room-1", "alice"); len(got) != 0 {
		t.Fatalf("expected empty room, got %v", got)
	}
	if got := join(t, srv, "room-1", "bob"); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("expected [alice], got %v", got)
	}
	if got := join(t, srv, "room-1", "carol"); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("expected [alice bob], got %v", got)
	}
	if got := peers(t, srv, "room-1"); !reflect.DeepEqual(got, []string{"alice", "bob", "carol"}) {
		t.Fatalf("unexpected peers %v", got)
	}
	if got := peers(t, srv, "other-room"); len(got) != 0 {
		t.Fatalf("rooms leaked: %v", got)
	}
}

func TestRejoinKeepsPosition(t *testing.T) {
	srv, _ := newServer(t, time.Hour)
	join(t, srv, "room", "alice")
	join(t, srv, "room", "bob")
	join(t, srv, "room", "alice")
	if got := peers(t, srv, "room"); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestPeersExpireAfterTTL(t *testing.T) {
	srv, clk := newServer(t, time.Minute)
	join(t, srv, "room", "alice")
	clk.Advance(30 * time.Second)
	join(t, srv, "room", "bob")
	clk.Advance(45 * time.Second)

	if got := peers(t, srv, "room"); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("expected alice expired, got %v", got)
	}
}

func TestPollingKeepsPeerRegistered(t *testing.T) {
	srv, clk := newServer(t, time.Minute)
	join(t, srv, "room", "alice")
	join(t, srv, "room", "bob")
	for i := 0; i < 4; i++ {
		clk.Advance(30 * time.Second)
		pollAs(t, srv, "room", "bob")
	}

	if got := peers(t, srv, "room"); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("expected only the polling peer, got %v", got)
	}
	clk.Advance(2 * time.Minute)
	if got := peers(t, srv, "room"); len(got) != 0 {
		t.Fatalf("expected bob expired once polling stopped, got %v", got)
	}
}

func TestLeaveRemovesPeer(t *testing.T) {
	srv, _ := newServer(t, time.Hour)
	join(t, srv, "room", "alice")
	join(t, srv, "room", "bob")

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/room/room/peers/alice", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if got := peers(t, srv, "room"); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("unexpected peers %v", got)
	}
}

func TestJoinValidation(t *testing.T) {
	srv, _ := newServer(t, time.Hour)
	cases := []string{`not json`, `{"sessionKey":"","peerId":"a"}`, `{"sessionKey":"r","peerId":"  "}`}
	for _, body := range cases {
		resp, err := http.Post(srv.URL+"/room/join", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestMemoryStoreOccupancy(t *testing.T) {
	store := NewMemoryStore(time.Hour, clock.NewFake(time.Unix(0, 0)))
	ctx := context.Background()
	_ = store.Join(ctx, "a", "p1")
	_ = store.Join(ctx, "a", "p2")
	_ = store.Join(ctx, "b", "p3")
	if rooms, peers := store.Occupancy(); rooms != 2 || peers != 3 {
		t.Fatalf("expected 2 rooms and 3 peers, got %d and %d", rooms, peers)
	}
	_ = store.Leave(ctx, "b", "p3")
	if rooms, peers := store.Occupancy(); rooms != 1 || peers != 2 {
		t.Fatalf("expected 1 room and 2 peers, got %d and %d", rooms, peers)
	}
}
