package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interview/internal/faults"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

// HTTPDirectory talks to the directory service over HTTP.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDirectory) Join(ctx context.Context, sessionKey, peerID string) ([]string, error) {
	body, err := json.Marshal(protocol.JoinRequest{SessionKey: sessionKey, PeerID: peerID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/room/join", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return d.doPeers(req)
}

// Peers polls the room. Passing peerID refreshes that peer's TTL.
func (d *HTTPDirectory) Peers(ctx context.Context, sessionKey, peerID string) ([]string, error) {
	target := d.baseURL + "/room/" + url.PathEscape(sessionKey) + "/peers"
	if peerID != "" {
		target += "?" + url.Values{"peerId": {peerID}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return d.doPeers(req)
}

func (d *HTTPDirectory) Leave(ctx context.Context, sessionKey, peerID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		d.baseURL+"/room/"+url.PathEscape(sessionKey)+"/peers/"+url.PathEscape(peerID), nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("leave room: %v: %w", err, faults.ErrSignaling)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("leave room: status %d: %w", resp.StatusCode, faults.ErrSignaling)
	}
	return nil
}

func (d *HTTPDirectory) doPeers(req *http.Request) ([]string, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", req.Method, req.URL.Path, err, faults.ErrSignaling)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s %s: status %d: %s: %w", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)), faults.ErrSignaling)
	}
	var body protocol.PeersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode peers: %v: %w", err, faults.ErrSignaling)
	}
	peers := make([]string, 0, len(body.Peers))
	for _, p := range body.Peers {
		peers = append(peers, p.PeerID)
	}
	return peers, nil
}
