package vmsvc

import (
	"context"
	"fmt"

	"github.com/fleetlab/fleetd/pkg/cloudinit"
	"github.com/fleetlab/fleetd/pkg/ferrors"
	"github.com/fleetlab/fleetd/pkg/metrics"
	"github.com/fleetlab/fleetd/pkg/types"
)

// scheduleVM runs the §4.F scheduling step: pick a node (or honor a pinned
// target for system-VM obligations), compute the VM's compute-point cost
// against that node's tier, reserve capacity and assign atomically, resolve
// any GPU request, render cloud-init, and emit the CreateVm command. Failure
// leaves the VM Pending rather than propagating — a later scheduling pass
// (triggered by a freed reservation or a fresh node) can still place it.
func (s *Service) scheduleVM(ctx context.Context, vm *types.VirtualMachine, targetNodeID, plaintextPassword string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	node, err := s.pickNode(ctx, vm, targetNodeID)
	if err != nil {
		metrics.VMsSchedulingFailed.Inc()
		return err
	}

	tierCfg, ok := s.cfg.Scheduling.Tiers[vm.Spec.QualityTier]
	if !ok {
		metrics.VMsSchedulingFailed.Inc()
		return ferrors.New(ferrors.Validation, ferrors.CodeInvalidVMName, "unknown quality tier")
	}
	pointCost := float64(vm.Spec.VCPUCores) * (tierCfg.MinimumBenchmark / s.cfg.Scheduling.BaselineBenchmark)
	vm.ComputePointCost = pointCost

	delta := types.ResourceSet{
		ComputePoints: pointCost,
		MemoryBytes:   vm.Spec.MemoryBytes,
		StorageBytes:  vm.Spec.DiskBytes,
	}
	if err := s.store.ReserveAndAssign(ctx, node.ID, delta, vm); err != nil {
		metrics.VMsSchedulingFailed.Inc()
		return fmt.Errorf("vmsvc: reserve and assign: %w", err)
	}

	if vm.Spec.GPUMode == types.GPUModePassthrough {
		if err := s.assignGPU(ctx, node, vm); err != nil {
			// Roll back the reservation; the VM stays Pending for a later pass.
			_ = s.store.ReleaseReservation(ctx, node.ID, delta)
			metrics.VMsSchedulingFailed.Inc()
			return err
		}
	}

	payload, err := s.buildCreatePayload(vm, plaintextPassword)
	if err != nil {
		_ = s.store.ReleaseReservation(ctx, node.ID, delta)
		metrics.VMsSchedulingFailed.Inc()
		return err
	}

	vm.Status = types.VMProvisioning
	vm.ActiveCommandType = types.CommandCreateVM
	if err := s.store.SaveVM(ctx, vm); err != nil {
		return fmt.Errorf("vmsvc: persist scheduled vm: %w", err)
	}

	cmd := &types.Command{
		CommandID:        newCommandID(),
		Type:             types.CommandCreateVM,
		TargetResourceID: vm.ID,
		NodeID:           node.ID,
		RequiresAck:      true,
		Payload:          payload,
	}
	vm.ActiveCommandID = cmd.CommandID
	if err := s.store.RegisterCommand(ctx, cmd.CommandID, vm.ID, node.ID, cmd.Type); err != nil {
		return fmt.Errorf("vmsvc: register create command: %w", err)
	}
	if err := s.store.AppendPendingCommand(ctx, node.ID, cmd); err != nil {
		return fmt.Errorf("vmsvc: queue create command: %w", err)
	}
	if err := s.store.SaveVM(ctx, vm); err != nil {
		return fmt.Errorf("vmsvc: persist active command id: %w", err)
	}

	metrics.CommandsIssuedTotal.WithLabelValues(string(cmd.Type)).Inc()
	metrics.VMsScheduled.Inc()
	return nil
}

func (s *Service) pickNode(ctx context.Context, vm *types.VirtualMachine, targetNodeID string) (*types.Node, error) {
	if targetNodeID != "" {
		node, err := s.store.GetNode(ctx, targetNodeID)
		if err != nil {
			return nil, fmt.Errorf("vmsvc: load target node: %w", err)
		}
		if node == nil {
			return nil, ferrors.New(ferrors.Capacity, ferrors.CodeNoEligibleNode, "pinned target node not found")
		}
		return node, nil
	}

	node, err := s.scheduler.SelectBestNode(ctx, vm.Spec, vm.Spec.QualityTier, vm.Spec.RequestedRegion, vm.Spec.RequestedZone, "")
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, ferrors.New(ferrors.Capacity, ferrors.CodeNoEligibleNode, "no eligible node for vm spec")
	}
	return node, nil
}

// assignGPU picks an available GPU by PCI address for a Passthrough request.
// Proxied mode needs no per-VM device binding.
func (s *Service) assignGPU(ctx context.Context, node *types.Node, vm *types.VirtualMachine) error {
	for i := range node.Hardware.GPUs {
		gpu := &node.Hardware.GPUs[i]
		if gpu.Available {
			gpu.Available = false
			vm.GPUPCIAddr = gpu.PCIAddress
			return s.store.SaveNode(ctx, node)
		}
	}
	return ferrors.New(ferrors.Capacity, ferrors.CodeNoEligibleNode, "no available gpu on assigned node")
}

// buildCreatePayload assembles the §6 CreateVm command payload: image URL,
// network details, and rendered cloud-init. Labels beginning with "secret."
// are stripped before the payload crosses the wire (spec.md §4.F step 8).
func (s *Service) buildCreatePayload(vm *types.VirtualMachine, plaintextPassword string) (map[string]any, error) {
	imageURL, ok := s.cfg.ImageURLs[vm.Spec.ImageID]
	if !ok {
		return nil, ferrors.New(ferrors.Validation, ferrors.CodeInvalidVMName, "unknown image id "+vm.Spec.ImageID)
	}

	net, err := buildNetworkPayload(vm.OwnerID, allowedPortsFor(vm))
	if err != nil {
		return nil, err
	}

	userData, err := cloudinit.Render("", cloudinit.Vars{
		Hostname:     vm.Name,
		SSHPublicKey: vm.Spec.SSHPublicKey,
		Password:     plaintextPassword,
		Labels:       publicLabels(vm.Labels),
	})
	if err != nil {
		return nil, fmt.Errorf("vmsvc: render cloud-init: %w", err)
	}

	return map[string]any{
		"vmId":             vm.ID,
		"name":             vm.Name,
		"vcpuCores":        vm.Spec.VCPUCores,
		"memoryBytes":      vm.Spec.MemoryBytes,
		"diskBytes":        vm.Spec.DiskBytes,
		"imageUrl":         imageURL,
		"gpuMode":          vm.Spec.GPUMode,
		"gpuPciAddress":    vm.GPUPCIAddr,
		"vmType":           vm.VMType,
		"deploymentMode":   vm.Spec.DeploymentMode,
		"computePointCost": vm.ComputePointCost,
		"network":          net,
		"userData":         userData,
		"labels":           publicLabels(vm.Labels),
	}, nil
}

func allowedPortsFor(vm *types.VirtualMachine) []int {
	ports := make([]int, 0, len(vm.Services))
	for _, svc := range vm.Services {
		if svc.Port != 0 {
			ports = append(ports, svc.Port)
		}
	}
	return ports
}

// publicLabels strips any label whose key begins with "secret." before it
// is allowed to cross into an outbound command payload.
func publicLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		if len(k) >= 7 && k[:7] == "secret." {
			continue
		}
		out[k] = v
	}
	return out
}
