package portalloc

import (
	"context"
	"strconv"
	"time"

	"github.com/fleetlab/fleetd/pkg/events"
	"github.com/fleetlab/fleetd/pkg/ferrors"
	"github.com/fleetlab/fleetd/pkg/metrics"
	"github.com/fleetlab/fleetd/pkg/types"
)

// allocateCGNAT runs the §4.H 3-hop allocation: AllocatePort to the relay
// (learning the external port it picked for this tunnel), then AllocatePort
// to the CGNAT node itself keyed by that port and the VM's private ip. A
// failure at the second hop rolls back the first with a RemovePort to the
// relay, since an orphaned relay-side forward with no CGNAT-side listener
// is worse than no mapping at all.
func (s *Service) allocateCGNAT(ctx context.Context, vm *types.VirtualMachine, node *types.Node, vmPort int, protocol types.PortProtocol) (*AllocateResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PortAllocationDuration)

	if s.broker == nil {
		return nil, ferrors.New(ferrors.External, ferrors.CodeNodeUnreachable, "cgnat allocation requires an event broker to await relay acks")
	}
	if node.Cgnat == nil || node.Cgnat.AssignedRelayNodeID == "" {
		metrics.PortAllocationsTotal.WithLabelValues("cgnat", "no_relay").Inc()
		return nil, ferrors.New(ferrors.Capacity, ferrors.CodeNoEligibleNode, "cgnat node has no relay assignment yet")
	}
	relayNode, err := s.store.GetNode(ctx, node.Cgnat.AssignedRelayNodeID)
	if err != nil || relayNode == nil || relayNode.Relay == nil {
		metrics.PortAllocationsTotal.WithLabelValues("cgnat", "no_relay").Inc()
		return nil, ferrors.New(ferrors.Capacity, ferrors.CodeNoEligibleNode, "assigned relay is no longer valid")
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	relayCmd := &types.Command{
		CommandID:        newCommandID(),
		Type:             types.CommandAllocatePort,
		TargetResourceID: relayNode.Relay.RelayVMID,
		NodeID:           relayNode.ID,
		RequiresAck:      true,
		Payload: map[string]any{
			"isRelayForwarding":   true,
			"tunnelDestinationIp": node.Cgnat.TunnelIP,
			"protocol":            string(protocol),
		},
	}
	if err := s.issueCommand(ctx, relayCmd); err != nil {
		metrics.PortAllocationsTotal.WithLabelValues("cgnat", "relay_command_failed").Inc()
		return nil, err
	}

	relayPort, ok := s.awaitPortEvent(ctx, sub, relayCmd.CommandID)
	if !ok {
		metrics.PortAllocationsTotal.WithLabelValues("cgnat", "relay_timeout").Inc()
		return &AllocateResult{VMPort: vmPort, PublicPort: 0, Complete: false}, nil
	}

	nodeCmd := &types.Command{
		CommandID:        newCommandID(),
		Type:             types.CommandAllocatePort,
		TargetResourceID: vm.ID,
		NodeID:           node.ID,
		RequiresAck:      true,
		Payload: map[string]any{
			"vmId":        vm.ID,
			"vmPort":      vmPort,
			"publicPort":  relayPort,
			"vmPrivateIp": vm.Network.PrivateIP,
			"protocol":    string(protocol),
		},
	}
	if err := s.issueCommand(ctx, nodeCmd); err != nil {
		s.rollbackRelayHop(ctx, relayNode, relayPort, protocol)
		metrics.PortAllocationsTotal.WithLabelValues("cgnat", "node_command_failed").Inc()
		return nil, err
	}

	publicPort, ok := s.awaitPortEvent(ctx, sub, nodeCmd.CommandID)
	if !ok {
		s.rollbackRelayHop(ctx, relayNode, relayPort, protocol)
		metrics.PortAllocationsTotal.WithLabelValues("cgnat", "node_timeout").Inc()
		return &AllocateResult{VMPort: vmPort, PublicPort: 0, Complete: false}, nil
	}

	metrics.PortAllocationsTotal.WithLabelValues("cgnat", "success").Inc()
	return &AllocateResult{VMPort: vmPort, PublicPort: publicPort, Complete: true}, nil
}

// awaitPortEvent waits for the EventPortAllocated that pkg/vmsvc's
// LifecycleManager publishes once a given command's ack resolves, bounded
// by the same 30s window as the direct path's VM-record poll.
func (s *Service) awaitPortEvent(ctx context.Context, sub events.Subscriber, commandID string) (int, bool) {
	deadline := time.NewTimer(time.Duration(ackWaitAttempts) * ackWaitCeiling)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return 0, false
			}
			if ev.Type != events.EventPortAllocated || ev.Metadata["commandId"] != commandID {
				continue
			}
			if ev.Metadata["success"] != "true" {
				return 0, false
			}
			port, _ := strconv.Atoi(ev.Metadata["publicPort"])
			return port, true
		case <-deadline.C:
			return 0, false
		case <-ctx.Done():
			return 0, false
		}
	}
}

func (s *Service) rollbackRelayHop(ctx context.Context, relayNode *types.Node, relayPublicPort int, protocol types.PortProtocol) {
	s.removePortBestEffort(ctx, relayNode.ID, relayNode.Relay.RelayVMID, map[string]any{
		"publicPort": relayPublicPort,
		"protocol":   string(protocol),
	})
}
