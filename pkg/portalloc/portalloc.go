// Package portalloc implements direct-access port allocation (spec.md
// §4.H): exposing a VM's private port on a public address, either with a
// single command to a directly-reachable node or via a 3-hop path through a
// CGNAT node's assigned relay.
package portalloc

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetlab/fleetd/pkg/events"
	"github.com/fleetlab/fleetd/pkg/ferrors"
	"github.com/fleetlab/fleetd/pkg/health"
	"github.com/fleetlab/fleetd/pkg/log"
	"github.com/fleetlab/fleetd/pkg/metrics"
	"github.com/fleetlab/fleetd/pkg/store"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ackWaitCeiling and ackWaitAttempts together bound both the direct path's
// VM-record poll and the CGNAT path's ack wait at 30s (§5 timeouts).
const (
	ackWaitAttempts = 60
	ackWaitCeiling  = 500 * time.Millisecond
	ackWaitFloor    = 50 * time.Millisecond
)

// Service allocates and removes direct-access port mappings.
type Service struct {
	store  store.Store
	broker *events.Broker
	logger zerolog.Logger
}

// New constructs a Service. broker may be nil, but CGNAT allocation (which
// waits on a relay's ack via the event broker) then fails fast.
func New(st store.Store, broker *events.Broker) *Service {
	return &Service{
		store:  st,
		broker: broker,
		logger: log.WithComponent("portalloc"),
	}
}

// AllocateResult is the outcome of an allocation request. Complete false
// with no error means partial success (§7): the command was issued but the
// ack-driven public port hasn't surfaced yet within the wait window.
type AllocateResult struct {
	VMPort     int
	PublicPort int
	Complete   bool
}

// Allocate exposes vmPort on vmID's VM, routing through a direct command or
// a CGNAT 3-hop path depending on the hosting node's reachability.
func (s *Service) Allocate(ctx context.Context, vmID string, vmPort int, protocol types.PortProtocol) (*AllocateResult, error) {
	vm, err := s.store.GetVM(ctx, vmID)
	if err != nil {
		return nil, fmt.Errorf("portalloc: load vm: %w", err)
	}
	if vm == nil {
		return nil, ferrors.New(ferrors.Validation, ferrors.CodeNotFound, "vm not found")
	}
	if vm.NodeID == nil || *vm.NodeID == "" {
		return nil, ferrors.New(ferrors.Validation, ferrors.CodeNotFound, "vm is not scheduled to a node")
	}
	node, err := s.store.GetNode(ctx, *vm.NodeID)
	if err != nil {
		return nil, fmt.Errorf("portalloc: load node: %w", err)
	}
	if node == nil {
		return nil, ferrors.New(ferrors.Validation, ferrors.CodeNotFound, "hosting node not found")
	}

	if node.Hardware.Network.NatType == types.NatTypeCGNAT {
		return s.allocateCGNAT(ctx, vm, node, vmPort, protocol)
	}
	return s.allocateDirect(ctx, vm, node, vmPort, protocol)
}

func (s *Service) allocateDirect(ctx context.Context, vm *types.VirtualMachine, node *types.Node, vmPort int, protocol types.PortProtocol) (*AllocateResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PortAllocationDuration)

	vm.Network.Ports = append(vm.Network.Ports, types.PortMapping{VMPort: vmPort, PublicPort: 0, Protocol: protocol})
	if err := s.store.SaveVM(ctx, vm); err != nil {
		return nil, fmt.Errorf("portalloc: persist placeholder mapping: %w", err)
	}

	cmd := &types.Command{
		CommandID:        newCommandID(),
		Type:             types.CommandAllocatePort,
		TargetResourceID: vm.ID,
		NodeID:           node.ID,
		RequiresAck:      true,
		Payload: map[string]any{
			"vmId":     vm.ID,
			"vmPort":   vmPort,
			"protocol": string(protocol),
		},
	}
	if err := s.issueCommand(ctx, cmd); err != nil {
		return nil, err
	}

	publicPort, ok := s.pollVMPort(ctx, vm.ID, vmPort)
	if !ok {
		metrics.PortAllocationsTotal.WithLabelValues("direct", "timeout").Inc()
		return &AllocateResult{VMPort: vmPort, PublicPort: 0, Complete: false}, nil
	}
	metrics.PortAllocationsTotal.WithLabelValues("direct", "success").Inc()
	s.probeReachability(ctx, node.Endpoint.Address, publicPort)
	return &AllocateResult{VMPort: vmPort, PublicPort: publicPort, Complete: true}, nil
}

// probeReachability dials the freshly allocated public port from the
// orchestrator's vantage point and logs the result. It never fails the
// allocation: the agent's ack is authoritative, this is an early warning
// if a firewall or NAT the agent doesn't know about blocks the mapping.
func (s *Service) probeReachability(ctx context.Context, hostAddress string, publicPort int) {
	if hostAddress == "" {
		return
	}
	checker := health.NewTCPChecker(fmt.Sprintf("%s:%d", hostAddress, publicPort))
	result := checker.Check(ctx)
	if !result.Healthy {
		s.logger.Warn().Str("address", checker.Address).Str("reason", result.Message).
			Msg("allocated port is not yet externally reachable")
	}
}

// pollVMPort polls the persisted VM record for the agent-allocated public
// port, backing off exponentially from ackWaitFloor up to ackWaitCeiling,
// bounded at ackWaitAttempts (§4.H, §5 port-allocation ack wait = 30s).
func (s *Service) pollVMPort(ctx context.Context, vmID string, vmPort int) (int, bool) {
	delay := ackWaitFloor
	for attempt := 0; attempt < ackWaitAttempts; attempt++ {
		vm, err := s.store.GetVM(ctx, vmID)
		if err == nil && vm != nil {
			for _, p := range vm.Network.Ports {
				if p.VMPort == vmPort && p.PublicPort != 0 {
					return p.PublicPort, true
				}
			}
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(delay):
		}
		delay *= 2
		if delay > ackWaitCeiling {
			delay = ackWaitCeiling
		}
	}
	return 0, false
}

func (s *Service) issueCommand(ctx context.Context, cmd *types.Command) error {
	if err := s.store.RegisterCommand(ctx, cmd.CommandID, cmd.TargetResourceID, cmd.NodeID, cmd.Type); err != nil {
		return fmt.Errorf("portalloc: register command: %w", err)
	}
	if err := s.store.AppendPendingCommand(ctx, cmd.NodeID, cmd); err != nil {
		return fmt.Errorf("portalloc: queue command: %w", err)
	}
	metrics.CommandsIssuedTotal.WithLabelValues(string(cmd.Type)).Inc()
	return nil
}

// Remove retracts a direct-access mapping, mirroring the topology it was
// allocated over: a CGNAT VM's removal goes to both the relay (keyed by
// public port) and the CGNAT node (keyed by vm port); a direct VM's removal
// goes only to its own node.
func (s *Service) Remove(ctx context.Context, vmID string, vmPort int) error {
	vm, err := s.store.GetVM(ctx, vmID)
	if err != nil {
		return fmt.Errorf("portalloc: load vm: %w", err)
	}
	if vm == nil || vm.NodeID == nil || *vm.NodeID == "" {
		return ferrors.New(ferrors.Validation, ferrors.CodeNotFound, "vm not found or not scheduled")
	}
	node, err := s.store.GetNode(ctx, *vm.NodeID)
	if err != nil {
		return fmt.Errorf("portalloc: load node: %w", err)
	}

	var publicPort int
	for _, p := range vm.Network.Ports {
		if p.VMPort == vmPort {
			publicPort = p.PublicPort
		}
	}

	if node != nil && node.Hardware.Network.NatType == types.NatTypeCGNAT && node.Cgnat != nil {
		if relayNode, err := s.store.GetNode(ctx, node.Cgnat.AssignedRelayNodeID); err == nil && relayNode != nil && relayNode.Relay != nil {
			s.removePortBestEffort(ctx, relayNode.ID, relayNode.Relay.RelayVMID, map[string]any{"publicPort": publicPort})
		}
	}

	return s.removePort(ctx, *vm.NodeID, vm.ID, map[string]any{"vmId": vm.ID, "vmPort": vmPort})
}

func (s *Service) removePort(ctx context.Context, nodeID, targetResourceID string, payload map[string]any) error {
	cmd := &types.Command{
		CommandID:        newCommandID(),
		Type:             types.CommandRemovePort,
		TargetResourceID: targetResourceID,
		NodeID:           nodeID,
		RequiresAck:      true,
		Payload:          payload,
	}
	return s.issueCommand(ctx, cmd)
}

func (s *Service) removePortBestEffort(ctx context.Context, nodeID, targetResourceID string, payload map[string]any) {
	if err := s.removePort(ctx, nodeID, targetResourceID, payload); err != nil {
		s.logger.Warn().Err(err).Str("nodeId", nodeID).Msg("relay-hop port removal failed")
	}
}

func newCommandID() string { return "cmd-" + uuid.NewString() }
