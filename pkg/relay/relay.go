// Package relay implements the relay coordinator (spec.md §4.G): assigning
// CGNAT-classified nodes to a relay gateway, reconciling that assignment on
// every heartbeat, and cross-peering relays as they come online.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/fleetlab/fleetd/pkg/events"
	"github.com/fleetlab/fleetd/pkg/ferrors"
	"github.com/fleetlab/fleetd/pkg/log"
	"github.com/fleetlab/fleetd/pkg/metrics"
	"github.com/fleetlab/fleetd/pkg/store"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/rs/zerolog"
)

// maxConnectedPerSubnet caps how many CGNAT nodes one relay's /24 can serve,
// leaving headroom below the 253 usable host addresses.
const maxConnectedPerSubnet = 250

// ManagementClient calls a relay VM's own management endpoint to add or
// remove WireGuard peers. The real endpoint lives on the relay VM itself
// (an out-of-process collaborator); this is the narrow HTTP call surface.
type ManagementClient interface {
	AddPeer(ctx context.Context, relay, peer *types.Node) error
}

// Coordinator implements relay assignment and heartbeat reconciliation.
type Coordinator struct {
	store  store.Store
	mgmt   ManagementClient
	logger zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Coordinator.
func New(st store.Store, mgmt ManagementClient) *Coordinator {
	return &Coordinator{
		store:  st,
		mgmt:   mgmt,
		logger: log.WithComponent("relay"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) nodeLock(nodeID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[nodeID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[nodeID] = l
	}
	return l
}

// AssignRelay picks the best relay for node and records the assignment on
// both sides. Returns ferrors.Capacity if no relay currently has room.
func (c *Coordinator) AssignRelay(ctx context.Context, node *types.Node) error {
	relayNode, tunnelIP, err := c.pickRelay(ctx)
	if err != nil {
		metrics.RelayAssignmentsTotal.WithLabelValues("no_relay_available").Inc()
		return err
	}

	node.Cgnat = &types.CgnatInfo{AssignedRelayNodeID: relayNode.ID, TunnelIP: tunnelIP}
	relayNode.Relay.ConnectedNodeIDs = append(relayNode.Relay.ConnectedNodeIDs, node.ID)

	if err := c.store.SaveNode(ctx, relayNode); err != nil {
		return fmt.Errorf("relay: save relay node: %w", err)
	}
	if err := c.store.SaveNode(ctx, node); err != nil {
		return fmt.Errorf("relay: save cgnat node: %w", err)
	}

	metrics.RelayAssignmentsTotal.WithLabelValues("assigned").Inc()
	c.logger.Info().Str("nodeId", node.ID).Str("relayId", relayNode.ID).Str("tunnelIp", tunnelIP).
		Msg("assigned node to relay")
	return nil
}

// pickRelay selects an Online relay node with Active/Degraded status, a
// Running relay VM, and spare subnet capacity.
func (c *Coordinator) pickRelay(ctx context.Context) (*types.Node, string, error) {
	nodes, err := c.store.GetActiveNodes(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("relay: list active nodes: %w", err)
	}

	for _, n := range nodes {
		if n.Relay == nil {
			continue
		}
		if n.Relay.Status != types.RelayStatusActive && n.Relay.Status != types.RelayStatusDegraded {
			continue
		}
		if len(n.Relay.ConnectedNodeIDs) >= maxConnectedPerSubnet {
			continue
		}
		relayVM, err := c.store.GetVM(ctx, n.Relay.RelayVMID)
		if err != nil || relayVM == nil || relayVM.Status != types.VMRunning {
			continue
		}
		tunnelIP := tunnelIPFor(n.Relay.RelaySubnet, len(n.Relay.ConnectedNodeIDs))
		return n, tunnelIP, nil
	}

	return nil, "", ferrors.New(ferrors.Capacity, ferrors.CodeNoEligibleNode, "no relay with available capacity")
}

// tunnelIPFor derives the next host address in subnet's /24 (10.200.<subnet>.0/24).
// .0 is the network address, .1 is reserved for the relay's own tunnel
// endpoint, so assignments start at .2.
func tunnelIPFor(subnet, connectedCount int) string {
	return fmt.Sprintf("10.200.%d.%d", subnet, connectedCount+2)
}

// ReconcileHeartbeat applies the four-case reconciliation (§4.G.2) for a
// CGNAT node's heartbeat, comparing the orchestrator-tracked assignment
// against what the node itself reports. A concurrent reconciliation for
// the same node is skipped cleanly rather than queued.
func (c *Coordinator) ReconcileHeartbeat(ctx context.Context, node *types.Node, reportedRelayNodeID string) error {
	lock := c.nodeLock(node.ID)
	if !lock.TryLock() {
		c.logger.Debug().Str("nodeId", node.ID).Msg("relay reconciliation already in progress, skipping")
		return nil
	}
	defer lock.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RelayReconciliationDuration)

	trackedRelayID := ""
	if node.Cgnat != nil {
		trackedRelayID = node.Cgnat.AssignedRelayNodeID
	}

	switch {
	case trackedRelayID == "" && reportedRelayNodeID == "":
		return c.AssignRelay(ctx, node)

	case trackedRelayID != "" && reportedRelayNodeID == "":
		relayNode, err := c.store.GetNode(ctx, trackedRelayID)
		if err != nil || relayNode == nil || !c.relayValid(ctx, relayNode) {
			return c.AssignRelay(ctx, node)
		}
		return c.ensurePeered(ctx, relayNode, node)

	case trackedRelayID == "" && reportedRelayNodeID != "":
		relayNode, err := c.store.GetNode(ctx, reportedRelayNodeID)
		if err != nil || relayNode == nil || !c.relayValid(ctx, relayNode) || !containsNodeID(relayNode.Relay.ConnectedNodeIDs, node.ID) {
			return c.AssignRelay(ctx, node)
		}
		tunnelIP := tunnelIPFor(relayNode.Relay.RelaySubnet, len(relayNode.Relay.ConnectedNodeIDs))
		node.Cgnat = &types.CgnatInfo{AssignedRelayNodeID: relayNode.ID, TunnelIP: tunnelIP}
		return c.store.SaveNode(ctx, node)

	default: // both present but disagree
		if trackedRelayID == reportedRelayNodeID {
			return nil
		}
		if err := c.detachFromRelay(ctx, trackedRelayID, node.ID); err != nil {
			c.logger.Warn().Err(err).Str("nodeId", node.ID).Str("relayId", trackedRelayID).
				Msg("failed to detach node from its stale relay assignment")
		}
		relayNode, err := c.store.GetNode(ctx, reportedRelayNodeID)
		if err == nil && relayNode != nil && c.relayValid(ctx, relayNode) && containsNodeID(relayNode.Relay.ConnectedNodeIDs, node.ID) {
			tunnelIP := tunnelIPFor(relayNode.Relay.RelaySubnet, len(relayNode.Relay.ConnectedNodeIDs))
			node.Cgnat = &types.CgnatInfo{AssignedRelayNodeID: relayNode.ID, TunnelIP: tunnelIP}
			return c.store.SaveNode(ctx, node)
		}
		node.Cgnat = nil
		return c.AssignRelay(ctx, node)
	}
}

func (c *Coordinator) relayValid(ctx context.Context, relayNode *types.Node) bool {
	if relayNode.Relay == nil {
		return false
	}
	if relayNode.Status != types.NodeStatusOnline {
		return false
	}
	if relayNode.Relay.Status != types.RelayStatusActive && relayNode.Relay.Status != types.RelayStatusDegraded {
		return false
	}
	relayVM, err := c.store.GetVM(ctx, relayNode.Relay.RelayVMID)
	return err == nil && relayVM != nil && relayVM.Status == types.VMRunning
}

func (c *Coordinator) ensurePeered(ctx context.Context, relayNode, node *types.Node) error {
	if containsNodeID(relayNode.Relay.ConnectedNodeIDs, node.ID) {
		return nil
	}
	relayNode.Relay.ConnectedNodeIDs = append(relayNode.Relay.ConnectedNodeIDs, node.ID)
	return c.store.SaveNode(ctx, relayNode)
}

func containsNodeID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// detachFromRelay strips nodeID from relayID's ConnectedNodeIDs. Used when a
// node's reconciled assignment moves it off a relay it was previously
// tracked against, so that relay's stale entry doesn't keep inflating its
// capacity accounting or shifting tunnel-ip derivation for nodes assigned
// after it.
func (c *Coordinator) detachFromRelay(ctx context.Context, relayID, nodeID string) error {
	if relayID == "" {
		return nil
	}
	relayNode, err := c.store.GetNode(ctx, relayID)
	if err != nil {
		return fmt.Errorf("relay: load stale relay node: %w", err)
	}
	if relayNode == nil || relayNode.Relay == nil || !containsNodeID(relayNode.Relay.ConnectedNodeIDs, nodeID) {
		return nil
	}
	relayNode.Relay.ConnectedNodeIDs = removeNodeID(relayNode.Relay.ConnectedNodeIDs, nodeID)
	return c.store.SaveNode(ctx, relayNode)
}

func removeNodeID(ids []string, id string) []string {
	kept := ids[:0]
	for _, v := range ids {
		if v != id {
			kept = append(kept, v)
		}
	}
	return kept
}

// CrossPeer registers newRelay with every other currently Active relay, and
// vice versa, via the management client. Partial failures are logged, not
// returned, and a peering that failed is not retried.
func (c *Coordinator) CrossPeer(ctx context.Context, newRelay *types.Node) {
	nodes, err := c.store.GetActiveNodes(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("cross-peering: list active nodes")
		return
	}

	for _, n := range nodes {
		if n.ID == newRelay.ID || n.Relay == nil || n.Relay.Status != types.RelayStatusActive {
			continue
		}
		if err := c.mgmt.AddPeer(ctx, n, newRelay); err != nil {
			c.logger.Warn().Err(err).Str("relayId", n.ID).Str("newRelayId", newRelay.ID).
				Msg("cross-peering: failed to add new relay as peer")
		}
		if err := c.mgmt.AddPeer(ctx, newRelay, n); err != nil {
			c.logger.Warn().Err(err).Str("relayId", newRelay.ID).Str("peerId", n.ID).
				Msg("cross-peering: failed to add existing relay as peer")
		}
	}
}
