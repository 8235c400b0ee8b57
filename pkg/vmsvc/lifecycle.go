package vmsvc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fleetlab/fleetd/pkg/events"
	"github.com/fleetlab/fleetd/pkg/ferrors"
	"github.com/fleetlab/fleetd/pkg/ingress"
	"github.com/fleetlab/fleetd/pkg/log"
	"github.com/fleetlab/fleetd/pkg/store"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/rs/zerolog"
)

// LifecycleManager centralizes every VM state transition's side effects
// (§4.F state machine), whichever caller triggers it: an agent's command
// acknowledgment, the node service's heartbeat-driven reconciliation, or the
// health watchdog.
type LifecycleManager struct {
	store    store.Store
	registrar ingress.Registrar
	broker   *events.Broker
	logger   zerolog.Logger
}

// NewLifecycleManager constructs a LifecycleManager.
func NewLifecycleManager(st store.Store, registrar ingress.Registrar, broker *events.Broker) *LifecycleManager {
	return &LifecycleManager{
		store:    st,
		registrar: registrar,
		broker:   broker,
		logger:   log.WithComponent("vmsvc.lifecycle"),
	}
}

// HandleCommandAck applies the ack-driven branch of the state machine for
// one outstanding command (§4.E command-acknowledgment handling, §4.F state
// machine). Transitions here are the authoritative path; heartbeat-driven
// reconciliation only fills gaps an ack never arrives for.
func (m *LifecycleManager) HandleCommandAck(ctx context.Context, vm *types.VirtualMachine, cmdType types.CommandType, ack types.CommandAck) error {
	switch cmdType {
	case types.CommandCreateVM:
		if ack.Success {
			return m.toRunning(ctx, vm, ack)
		}
		return m.TransitionToError(ctx, vm, ack.ErrorMessage)

	case types.CommandDeleteVM:
		if ack.Success {
			return m.completeDelete(ctx, vm)
		}
		if vm.Status == types.VMDeleting && isNotFoundError(ack.ErrorMessage) {
			// The node already has no record of the VM — that's the
			// delete's goal state, so treat this as successful
			// reconciliation rather than a failure.
			return m.completeDelete(ctx, vm)
		}
		return m.TransitionToError(ctx, vm, ack.ErrorMessage)

	case types.CommandStopVM:
		if ack.Success {
			vm.Status = types.VMStopped
			vm.PowerState = types.PowerOff
			return m.store.SaveVM(ctx, vm)
		}
		return m.TransitionToError(ctx, vm, ack.ErrorMessage)

	case types.CommandStartVM:
		if ack.Success {
			return m.toRunning(ctx, vm, ack)
		}
		return m.TransitionToError(ctx, vm, ack.ErrorMessage)

	case types.CommandAllocatePort:
		return m.handlePortAllocatedAck(ctx, vm, ack)

	case types.CommandRemovePort:
		return m.handlePortRemovedAck(ctx, vm, ack)

	default:
		return nil
	}
}

// handlePortAllocatedAck applies an AllocatePort ack to the target's
// PortMapping bookkeeping (§4.H): the target may be the real workload VM
// (direct node, or the final CGNAT-node hop) or a relay VM acting as the
// first hop of a 3-hop allocation, in which case vmPort is absent and the
// mapping is recorded under the sentinel vm-port 0. pkg/portalloc either
// polls this VM record (direct path) or waits on the EventPortAllocated
// published here (CGNAT relay hop).
func (m *LifecycleManager) handlePortAllocatedAck(ctx context.Context, vm *types.VirtualMachine, ack types.CommandAck) error {
	if !ack.Success {
		m.publishPortEvent(vm, ack, 0, false)
		m.logger.Warn().Str("vmId", vm.ID).Str("commandId", ack.CommandID).Str("reason", ack.ErrorMessage).
			Msg("port allocation failed")
		return nil
	}

	vmPort := intFromAny(ack.Data["vmPort"])
	publicPort := intFromAny(ack.Data["publicPort"])
	protocol, _ := ack.Data["protocol"].(string)
	if protocol == "" {
		protocol = string(types.ProtocolTCP)
	}

	found := false
	for i := range vm.Network.Ports {
		if vm.Network.Ports[i].VMPort == vmPort {
			vm.Network.Ports[i].PublicPort = publicPort
			found = true
			break
		}
	}
	if !found {
		vm.Network.Ports = append(vm.Network.Ports, types.PortMapping{
			VMPort:     vmPort,
			PublicPort: publicPort,
			Protocol:   types.PortProtocol(protocol),
		})
	}

	if err := m.store.SaveVM(ctx, vm); err != nil {
		return fmt.Errorf("vmsvc: persist allocated port: %w", err)
	}
	m.publishPortEvent(vm, ack, publicPort, true)
	return nil
}

func (m *LifecycleManager) handlePortRemovedAck(ctx context.Context, vm *types.VirtualMachine, ack types.CommandAck) error {
	if !ack.Success {
		m.logger.Warn().Str("vmId", vm.ID).Str("commandId", ack.CommandID).Str("reason", ack.ErrorMessage).
			Msg("port removal failed")
		return nil
	}

	vmPort := intFromAny(ack.Data["vmPort"])
	kept := vm.Network.Ports[:0]
	for _, p := range vm.Network.Ports {
		if p.VMPort != vmPort {
			kept = append(kept, p)
		}
	}
	vm.Network.Ports = kept
	return m.store.SaveVM(ctx, vm)
}

func (m *LifecycleManager) publishPortEvent(vm *types.VirtualMachine, ack types.CommandAck, publicPort int, success bool) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:    events.EventPortAllocated,
		Message: "port allocation ack resolved",
		Metadata: map[string]string{
			"vmId":       vm.ID,
			"commandId":  ack.CommandID,
			"success":    fmt.Sprintf("%t", success),
			"publicPort": fmt.Sprintf("%d", publicPort),
		},
	})
}

// isNotFoundError recognizes the "the node has no record of this vm"
// failure pattern an agent reports for a DeleteVM it can't find to delete,
// which is the delete's goal state rather than an actual failure.
func isNotFoundError(msg string) bool {
	return msg == "NOT_FOUND" || strings.Contains(strings.ToLower(msg), "not found")
}

// intFromAny coerces an ack payload number to int, tolerating both the
// plain int this process constructs internally and the float64 a JSON
// transport decodes numbers into.
func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func (m *LifecycleManager) toRunning(ctx context.Context, vm *types.VirtualMachine, ack types.CommandAck) error {
	vm.Status = types.VMRunning
	vm.PowerState = types.PowerRunning
	vm.ActiveCommandID = ""
	vm.ActiveCommandType = ""
	if ip, ok := ack.Data["privateIp"].(string); ok && ip != "" {
		vm.Network.PrivateIP = ip
	}
	if hostname, ok := ack.Data["hostname"].(string); ok && hostname != "" {
		vm.Network.Hostname = hostname
	}

	if err := m.store.SaveVM(ctx, vm); err != nil {
		return fmt.Errorf("vmsvc: persist running vm: %w", err)
	}

	if m.registrar != nil {
		if err := m.registrar.OnVmStarted(ctx, vm); err != nil {
			m.logger.Warn().Err(err).Str("vmId", vm.ID).Msg("ingress registration failed, vm remains reachable only internally")
		}
	}

	m.publish(events.EventVMRunning, vm, "vm reached running")
	return nil
}

// TransitionToError moves vm into the terminal Error state and records why.
// Reserved resources are NOT released here — an operator-triggered delete
// (or a later reconciliation pass) is responsible for reclaiming them, since
// an Error VM may still hold a salvageable disk image on its node.
func (m *LifecycleManager) TransitionToError(ctx context.Context, vm *types.VirtualMachine, message string) error {
	vm.Status = types.VMError
	vm.ActiveCommandID = ""
	vm.ActiveCommandType = ""
	if err := m.store.SaveVM(ctx, vm); err != nil {
		return fmt.Errorf("vmsvc: persist errored vm: %w", err)
	}
	m.publish(events.EventVMError, vm, message)
	return nil
}

// completeDelete applies the Deleted-transition side effects (§4.F deletion
// protocol): release the node reservation floored at zero, roll back the
// owner's quota, retract any ingress registration, and emit the terminal
// event. Called either directly (a VM never scheduled to a node) or from a
// successful DeleteVm acknowledgment.
func (m *LifecycleManager) completeDelete(ctx context.Context, vm *types.VirtualMachine) error {
	if vm.NodeID != nil && *vm.NodeID != "" {
		delta := types.ResourceSet{
			ComputePoints: vm.ComputePointCost,
			MemoryBytes:   vm.Spec.MemoryBytes,
			StorageBytes:  vm.Spec.DiskBytes,
		}
		if err := m.store.ReleaseReservation(ctx, *vm.NodeID, delta); err != nil {
			m.logger.Error().Err(err).Str("vmId", vm.ID).Str("nodeId", *vm.NodeID).
				Msg("failed to release node reservation on delete")
		}
		if vm.GPUPCIAddr != "" {
			if err := m.releaseGPU(ctx, *vm.NodeID, vm.GPUPCIAddr); err != nil {
				m.logger.Error().Err(err).Str("vmId", vm.ID).Msg("failed to release gpu on delete")
			}
		}
	}

	vm.Status = types.VMDeleted
	vm.ActiveCommandID = ""
	vm.ActiveCommandType = ""
	if err := m.store.SaveVM(ctx, vm); err != nil {
		return fmt.Errorf("vmsvc: persist deleted vm: %w", err)
	}

	if !vm.IsSystemVM() {
		if err := m.decrementOwnerQuota(ctx, vm); err != nil {
			m.logger.Error().Err(err).Str("vmId", vm.ID).Msg("failed to roll back owner quota on delete")
		}
	}

	if m.registrar != nil {
		if err := m.registrar.OnVmDeleted(ctx, vm); err != nil {
			m.logger.Warn().Err(err).Str("vmId", vm.ID).Msg("ingress deregistration failed")
		}
	}

	m.publish(events.EventVMDeleted, vm, "vm deleted")
	return nil
}

func (m *LifecycleManager) releaseGPU(ctx context.Context, nodeID, pciAddr string) error {
	node, err := m.store.GetNode(ctx, nodeID)
	if err != nil || node == nil {
		return err
	}
	for i := range node.Hardware.GPUs {
		if node.Hardware.GPUs[i].PCIAddress == pciAddr {
			node.Hardware.GPUs[i].Available = true
			break
		}
	}
	return m.store.SaveNode(ctx, node)
}

func (m *LifecycleManager) decrementOwnerQuota(ctx context.Context, vm *types.VirtualMachine) error {
	user, err := m.store.GetUser(ctx, vm.OwnerID)
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}
	user.Quota.UsedVMs = floorSubInt(user.Quota.UsedVMs, 1)
	user.Quota.UsedVCPUCores = floorSubInt(user.Quota.UsedVCPUCores, vm.Spec.VCPUCores)
	user.Quota.UsedMemoryBytes = floorSubInt64(user.Quota.UsedMemoryBytes, vm.Spec.MemoryBytes)
	user.Quota.UsedStorageBytes = floorSubInt64(user.Quota.UsedStorageBytes, vm.Spec.DiskBytes)
	return m.store.SaveUser(ctx, user)
}

// UpdateServiceStatus applies a per-service readiness transition, enforcing
// the invariant that a service already Ready must not regress to TimedOut
// (§4.F per-service readiness: a late/slow timeout sweep must not undo a
// readiness signal that already arrived).
func (m *LifecycleManager) UpdateServiceStatus(ctx context.Context, vm *types.VirtualMachine, name string, status types.ServiceReadinessStatus, message string) error {
	for i := range vm.Services {
		if vm.Services[i].Name != name {
			continue
		}
		if vm.Services[i].Status == types.ServiceStatusReady && status == types.ServiceStatusTimedOut {
			return nil
		}
		vm.Services[i].Status = status
		vm.Services[i].StatusMessage = message
		if status == types.ServiceStatusReady {
			now := time.Now()
			vm.Services[i].ReadyAt = &now
		}
		return m.store.SaveVM(ctx, vm)
	}
	return ferrors.New(ferrors.Validation, ferrors.CodeNotFound, "service "+name+" not found on vm "+vm.ID)
}

// RecoverOrphan persists a VM record synthesized from a heartbeat report the
// control plane could not correlate with any known VM or command (§4.E
// orphan-recovery synthesis): the node is actually running the workload, the
// control plane simply lost track of it (a missed ack, a restart between
// scheduling and persistence). vm must already have Status set by the
// caller to whatever the heartbeat reported.
func (m *LifecycleManager) RecoverOrphan(ctx context.Context, vm *types.VirtualMachine) error {
	if err := m.store.SaveVM(ctx, vm); err != nil {
		return fmt.Errorf("vmsvc: persist recovered vm: %w", err)
	}

	if vm.Status == types.VMRunning && m.registrar != nil {
		if err := m.registrar.OnVmStarted(ctx, vm); err != nil {
			m.logger.Warn().Err(err).Str("vmId", vm.ID).Msg("ingress registration failed for recovered vm")
		}
	}

	m.publish(events.EventVMRecovered, vm, "vm record recovered from orphaned heartbeat")
	return nil
}

func (m *LifecycleManager) publish(t events.EventType, vm *types.VirtualMachine, message string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:    t,
		Message: message,
		Metadata: map[string]string{
			"vmId":   vm.ID,
			"status": string(vm.Status),
		},
	})
}
