package relay

import (
	"context"
	"testing"
	"time"

	"github.com/fleetlab/fleetd/pkg/store/boltstore"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/stretchr/testify/require"
)

type noopMgmtClient struct{ calls int }

func (c *noopMgmtClient) AddPeer(ctx context.Context, relay, peer *types.Node) error {
	c.calls++
	return nil
}

func newTestStore(t *testing.T) *boltstore.BoltStore {
	t.Helper()
	st, err := boltstore.New(t.TempDir(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func onlineRelayNode(id string, subnet, connected int) *types.Node {
	ids := make([]string, connected)
	for i := range ids {
		ids[i] = "peer-" + string(rune('a'+i))
	}
	return &types.Node{
		ID:     id,
		Status: types.NodeStatusOnline,
		Relay: &types.RelayInfo{
			RelayVMID:        id + "-vm",
			RelaySubnet:      subnet,
			Status:           types.RelayStatusActive,
			ConnectedNodeIDs: ids,
		},
	}
}

func TestAssignRelayPicksNodeWithCapacity(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	relayNode := onlineRelayNode("relay-1", 7, 0)
	require.NoError(t, st.SaveNode(ctx, relayNode))
	require.NoError(t, st.SaveVM(ctx, &types.VirtualMachine{ID: "relay-1-vm", Status: types.VMRunning}))

	cgnatNode := &types.Node{ID: "cgnat-1", Status: types.NodeStatusOnline}

	c := New(st, &noopMgmtClient{})
	require.NoError(t, c.AssignRelay(ctx, cgnatNode))

	require.NotNil(t, cgnatNode.Cgnat)
	require.Equal(t, "relay-1", cgnatNode.Cgnat.AssignedRelayNodeID)
	require.Equal(t, "10.200.7.2", cgnatNode.Cgnat.TunnelIP)

	saved, err := st.GetNode(ctx, "relay-1")
	require.NoError(t, err)
	require.Contains(t, saved.Relay.ConnectedNodeIDs, "cgnat-1")
}

func TestAssignRelayReturnsCapacityErrorWhenNoneAvailable(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	c := New(st, &noopMgmtClient{})
	err := c.AssignRelay(ctx, &types.Node{ID: "cgnat-1", Status: types.NodeStatusOnline})
	require.Error(t, err)
}

func TestReconcileHeartbeatBothMissingAssignsRelay(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	relayNode := onlineRelayNode("relay-1", 3, 0)
	require.NoError(t, st.SaveNode(ctx, relayNode))
	require.NoError(t, st.SaveVM(ctx, &types.VirtualMachine{ID: "relay-1-vm", Status: types.VMRunning}))

	cgnatNode := &types.Node{ID: "cgnat-1", Status: types.NodeStatusOnline}
	c := New(st, &noopMgmtClient{})

	require.NoError(t, c.ReconcileHeartbeat(ctx, cgnatNode, ""))
	require.NotNil(t, cgnatNode.Cgnat)
	require.Equal(t, "relay-1", cgnatNode.Cgnat.AssignedRelayNodeID)
}

func TestReconcileHeartbeatBothPresentAndAgreeIsNoop(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	cgnatNode := &types.Node{
		ID:     "cgnat-1",
		Status: types.NodeStatusOnline,
		Cgnat:  &types.CgnatInfo{AssignedRelayNodeID: "relay-1", TunnelIP: "10.200.3.2"},
	}

	c := New(st, &noopMgmtClient{})
	require.NoError(t, c.ReconcileHeartbeat(ctx, cgnatNode, "relay-1"))
	require.Equal(t, "relay-1", cgnatNode.Cgnat.AssignedRelayNodeID)
}

func TestReconcileHeartbeatNodeReportsUnauthenticRelayRunsFreshAssignment(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	// relay-9 is valid but doesn't list cgnat-1 as connected yet -- a
	// forged/stale report must not be adopted as-is; reconciliation must
	// run the real assignment path instead of trusting the self-report.
	relayNode := onlineRelayNode("relay-9", 2, 0)
	require.NoError(t, st.SaveNode(ctx, relayNode))
	require.NoError(t, st.SaveVM(ctx, &types.VirtualMachine{ID: "relay-9-vm", Status: types.VMRunning}))

	cgnatNode := &types.Node{ID: "cgnat-1", Status: types.NodeStatusOnline}
	c := New(st, &noopMgmtClient{})

	require.NoError(t, c.ReconcileHeartbeat(ctx, cgnatNode, "relay-9"))
	require.NotNil(t, cgnatNode.Cgnat)

	saved, err := st.GetNode(ctx, cgnatNode.Cgnat.AssignedRelayNodeID)
	require.NoError(t, err)
	require.Contains(t, saved.Relay.ConnectedNodeIDs, "cgnat-1")
}

func TestReconcileHeartbeatBothPresentDisagreeDetachesFromStaleRelay(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	oldRelay := onlineRelayNode("relay-old", 4, 0)
	oldRelay.Relay.ConnectedNodeIDs = []string{"cgnat-1"}
	require.NoError(t, st.SaveNode(ctx, oldRelay))
	require.NoError(t, st.SaveVM(ctx, &types.VirtualMachine{ID: "relay-old-vm", Status: types.VMRunning}))

	newRelay := onlineRelayNode("relay-new", 9, 0)
	newRelay.Relay.ConnectedNodeIDs = []string{"cgnat-1"}
	require.NoError(t, st.SaveNode(ctx, newRelay))
	require.NoError(t, st.SaveVM(ctx, &types.VirtualMachine{ID: "relay-new-vm", Status: types.VMRunning}))

	cgnatNode := &types.Node{
		ID:     "cgnat-1",
		Status: types.NodeStatusOnline,
		Cgnat:  &types.CgnatInfo{AssignedRelayNodeID: "relay-old", TunnelIP: "10.200.4.2"},
	}

	c := New(st, &noopMgmtClient{})
	require.NoError(t, c.ReconcileHeartbeat(ctx, cgnatNode, "relay-new"))
	require.Equal(t, "relay-new", cgnatNode.Cgnat.AssignedRelayNodeID)

	savedOld, err := st.GetNode(ctx, "relay-old")
	require.NoError(t, err)
	require.NotContains(t, savedOld.Relay.ConnectedNodeIDs, "cgnat-1")
}

func TestCrossPeerCallsManagementClientBothWays(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	existing := onlineRelayNode("relay-1", 1, 0)
	require.NoError(t, st.SaveNode(ctx, existing))

	mgmt := &noopMgmtClient{}
	c := New(st, mgmt)

	newRelay := onlineRelayNode("relay-2", 2, 0)
	c.CrossPeer(ctx, newRelay)

	require.Equal(t, 2, mgmt.calls)
}
