package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetlab/fleetd/pkg/types"
)

// HTTPManagementClient calls a relay VM's management endpoint directly,
// the 10s-timeout HTTP-client idiom used for every inter-service call in
// this system (§5).
type HTTPManagementClient struct {
	client *http.Client
}

// NewHTTPManagementClient creates an HTTPManagementClient.
func NewHTTPManagementClient() *HTTPManagementClient {
	return &HTTPManagementClient{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type addPeerRequest struct {
	PeerNodeID        string `json:"peerNodeId"`
	WireGuardPubKey   string `json:"wireGuardPubKey"`
	WireGuardEndpoint string `json:"wireGuardEndpoint"`
}

// AddPeer posts a peer-addition request to relay's WireGuard endpoint so it
// learns about peer. A non-2xx response or unreachable endpoint is an
// External error the caller degrades gracefully rather than propagates.
func (c *HTTPManagementClient) AddPeer(ctx context.Context, relayNode, peer *types.Node) error {
	if relayNode.Relay == nil || relayNode.Relay.WireGuardEndpoint == "" {
		return fmt.Errorf("relay %s has no management endpoint", relayNode.ID)
	}

	body, err := json.Marshal(addPeerRequest{
		PeerNodeID:        peer.ID,
		WireGuardPubKey:   peerWireGuardKey(peer),
		WireGuardEndpoint: peerWireGuardEndpoint(peer),
	})
	if err != nil {
		return fmt.Errorf("marshal add-peer request: %w", err)
	}

	url := fmt.Sprintf("http://%s/management/peers", relayNode.Relay.WireGuardEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build add-peer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call relay %s management endpoint: %w", relayNode.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay %s management endpoint returned status %d", relayNode.ID, resp.StatusCode)
	}
	return nil
}

func peerWireGuardKey(n *types.Node) string {
	if n.Relay != nil {
		return n.Relay.WireGuardPubKey
	}
	return ""
}

func peerWireGuardEndpoint(n *types.Node) string {
	if n.Relay != nil {
		return n.Relay.WireGuardEndpoint
	}
	return fmt.Sprintf("%s:%d", n.Endpoint.Address, n.Endpoint.Port)
}
