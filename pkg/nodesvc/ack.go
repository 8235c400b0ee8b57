package nodesvc

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fleetlab/fleetd/pkg/events"
	"github.com/fleetlab/fleetd/pkg/metrics"
	"github.com/fleetlab/fleetd/pkg/types"
)

// HandleAck processes one command acknowledgment from a node (§4.E
// command-acknowledgment handling). Lookup strategies, in order: the command
// registry (the authoritative correlation), a VM's own ActiveCommandID as a
// fallback for a registration that was already swept, a legacy fallback
// matching the command id against a VM's StatusMessage, and — for a
// DeleteVM command only — any VM on this node still in Deleting status. A
// command that resolves via none of these is orphaned: the agent believes it
// completed work the control plane has no record of wanting.
func (s *Service) HandleAck(ctx context.Context, nodeID string, ack types.CommandAck) error {
	vm, cmdType, lookupMethod, err := s.resolveAck(ctx, nodeID, ack)
	if err != nil {
		return err
	}

	if vm != nil {
		s.logger.Debug().Str("lookup", lookupMethod).Str("vmId", vm.ID).Str("commandId", ack.CommandID).
			Msg("command acknowledgment resolved")
	}

	if vm == nil {
		metrics.OrphanedCommandsTotal.Inc()
		metrics.CommandAcksTotal.WithLabelValues(lookupMethod, strconv.FormatBool(ack.Success)).Inc()
		if s.broker != nil {
			s.broker.Publish(&events.Event{
				Type:    events.EventOrphanedCommand,
				Message: "command acknowledgment could not be correlated to any known vm",
				Metadata: map[string]string{
					"nodeId":    nodeID,
					"commandId": ack.CommandID,
				},
			})
		}
		return nil
	}

	metrics.CommandAcksTotal.WithLabelValues(lookupMethod, strconv.FormatBool(ack.Success)).Inc()
	return s.lifecycle.HandleCommandAck(ctx, vm, cmdType, ack)
}

func (s *Service) resolveAck(ctx context.Context, nodeID string, ack types.CommandAck) (*types.VirtualMachine, types.CommandType, string, error) {
	reg, err := s.store.TryCompleteCommand(ctx, ack.CommandID)
	if err != nil {
		return nil, "", "", fmt.Errorf("nodesvc: complete command registration: %w", err)
	}
	if reg != nil {
		vm, err := s.store.GetVM(ctx, reg.VMID)
		if err != nil {
			return nil, "", "", fmt.Errorf("nodesvc: load vm for registered command: %w", err)
		}
		return vm, reg.Type, "registry", nil
	}

	vms, err := s.store.GetVMsByNode(ctx, nodeID)
	if err != nil {
		return nil, "", "", fmt.Errorf("nodesvc: list vms by node: %w", err)
	}
	for _, vm := range vms {
		if vm.ActiveCommandID == ack.CommandID {
			return vm, vm.ActiveCommandType, "active_command_id", nil
		}
	}

	// Legacy: the command id may still be embedded in a VM's status
	// message even after ActiveCommandID was lost to a crash between
	// issuing the command and persisting it.
	for _, vm := range vms {
		if vm.StatusMessage != "" && strings.Contains(vm.StatusMessage, ack.CommandID) {
			cmdType := vm.ActiveCommandType
			if cmdType == "" && vm.Status == types.VMDeleting {
				cmdType = types.CommandDeleteVM
			}
			return vm, cmdType, "status_message_legacy", nil
		}
	}

	// Last resort, DeleteVM only: a VM already in Deleting status on this
	// node with no other correlation is assumed to be the target of this
	// ack, since Deleting is only ever entered awaiting a DeleteVM ack.
	for _, vm := range vms {
		if vm.Status == types.VMDeleting {
			return vm, types.CommandDeleteVM, "deleting_status_heuristic", nil
		}
	}

	return nil, "", "none", nil
}
