package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-interview/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const maxJoinBody = 4 << 10

// Service serves the directory over HTTP:
//
//	POST   /room/join                  {sessionKey, peerId} -> {peers} (excluding the caller)
//	GET    /room/{sessionKey}/peers    [?peerId=] -> {peers} (refreshes peerId)
//	DELETE /room/{sessionKey}/peers/{peerId}
type Service struct {
	store Store
	log   *slog.Logger
}

// occupancy is implemented by stores that can count their rooms cheaply.
type occupancy interface {
	Occupancy() (rooms, peers int64)
}

func NewService(store Store, logger *slog.Logger) *Service {
	s := &Service{store: store, log: logger.With(slog.String("component", "directory"))}
	if occ, ok := store.(occupancy); ok {
		if err := registerOccupancy(occ); err != nil {
			s.log.Warn("failed to initialize metrics", slogError(err))
		}
	}
	return s
}

func registerOccupancy(occ occupancy) error {
	meter := otel.Meter("github.com/loqalabs/loqa-interview/directory")
	rooms, err := meter.Int64ObservableGauge("loqa.directory.rooms", metric.WithDescription("Rooms with at least one peer"))
	if err != nil {
		return err
	}
	peers, err := meter.Int64ObservableGauge("loqa.directory.peers", metric.WithDescription("Registered peers across all rooms"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r, p := occ.Occupancy()
		obs.ObserveInt64(rooms, r)
		obs.ObserveInt64(peers, p)
		return nil
	}, rooms, peers)
	return err
}

func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /room/join", s.handleJoin)
	mux.HandleFunc("GET /room/{key}/peers", s.handlePeers)
	mux.HandleFunc("DELETE /room/{key}/peers/{peer}", s.handleLeave)
}

func (s *Service) Close() error {
	return s.store.Close()
}

func (s *Service) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req protocol.JoinRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJoinBody)).Decode(&req); err != nil {
		http.Error(w, "invalid join request", http.StatusBadRequest)
		return
	}
	req.SessionKey = strings.TrimSpace(req.SessionKey)
	req.PeerID = strings.TrimSpace(req.PeerID)
	if req.SessionKey == "" || req.PeerID == "" {
		http.Error(w, "sessionKey and peerId are required", http.StatusBadRequest)
		return
	}

	if err := s.store.Join(r.Context(), req.SessionKey, req.PeerID); err != nil {
		s.log.Error("join failed", slogError(err), slog.String("room", req.SessionKey))
		http.Error(w, "directory unavailable", http.StatusServiceUnavailable)
		return
	}
	peers, err := s.store.Peers(r.Context(), req.SessionKey)
	if err != nil {
		s.log.Error("list peers failed", slogError(err), slog.String("room", req.SessionKey))
		http.Error(w, "directory unavailable", http.StatusServiceUnavailable)
		return
	}
	s.log.Info("peer joined", slog.String("room", req.SessionKey), slog.String("peer", req.PeerID), slog.Int("peers", len(peers)))
	writePeers(w, peers, req.PeerID)
}

func (s *Service) handlePeers(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("key")
	// A polling peer stays registered for as long as it keeps polling.
	if peer := strings.TrimSpace(r.URL.Query().Get("peerId")); peer != "" {
		if err := s.store.Join(r.Context(), room, peer); err != nil {
			s.log.Error("refresh peer failed", slogError(err), slog.String("room", room))
			http.Error(w, "directory unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	peers, err := s.store.Peers(r.Context(), room)
	if err != nil {
		s.log.Error("list peers failed", slogError(err), slog.String("room", room))
		http.Error(w, "directory unavailable", http.StatusServiceUnavailable)
		return
	}
	writePeers(w, peers, "")
}

func (s *Service) handleLeave(w http.ResponseWriter, r *http.Request) {
	room, peer := r.PathValue("key"), r.PathValue("peer")
	if err := s.store.Leave(r.Context(), room, peer); err != nil {
		s.log.Error("leave failed", slogError(err), slog.String("room", room))
		http.Error(w, "directory unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writePeers(w http.ResponseWriter, ids []string, exclude string) {
	resp := protocol.PeersResponse{Peers: make([]protocol.Peer, 0, len(ids))}
	for _, id := range ids {
		if id != exclude {
			resp.Peers = append(resp.Peers, protocol.Peer{PeerID: id})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
