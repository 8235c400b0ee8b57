// Package vmsvc implements the VM service and lifecycle manager (spec.md
// §4.F): the name pipeline, VM creation and its immediate scheduling
// attempt, and the state-machine side effects the lifecycle manager
// centralizes on every transition.
package vmsvc

import (
	"context"
	"fmt"

	"github.com/fleetlab/fleetd/pkg/ferrors"
	"github.com/fleetlab/fleetd/pkg/log"
	"github.com/fleetlab/fleetd/pkg/metrics"
	"github.com/fleetlab/fleetd/pkg/scheduler"
	"github.com/fleetlab/fleetd/pkg/store"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TemplateLookup resolves a template id to its definition. The marketplace
// that curates templates is out of scope (spec.md §1); this is its call
// surface.
type TemplateLookup interface {
	GetTemplate(ctx context.Context, templateID string) (*types.Template, error)
}

// StaticTemplateLookup is the default TemplateLookup: a fixed, in-process
// map of templates rather than the marketplace that curates and prices
// them (spec.md §1's "marketplace browsing and pricing" is the out-of-scope
// collaborator; this is just its narrowest possible call surface).
type StaticTemplateLookup struct {
	templates map[string]*types.Template
}

// NewStaticTemplateLookup returns a lookup serving exactly the given
// templates, keyed by their own ID field.
func NewStaticTemplateLookup(templates ...*types.Template) *StaticTemplateLookup {
	m := make(map[string]*types.Template, len(templates))
	for _, t := range templates {
		m[t.ID] = t
	}
	return &StaticTemplateLookup{templates: m}
}

func (l *StaticTemplateLookup) GetTemplate(ctx context.Context, templateID string) (*types.Template, error) {
	t, ok := l.templates[templateID]
	if !ok {
		return nil, ferrors.New(ferrors.Validation, ferrors.CodeNotFound, "unknown template id")
	}
	return t, nil
}

// Config configures the VM service's non-domain-model inputs.
type Config struct {
	Scheduling scheduler.Config
	ImageURLs  map[string]string // image id -> base image URL
}

// Service implements VM creation, deletion, and the scheduling step that
// follows creation.
type Service struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	lifecycle *LifecycleManager
	templates TemplateLookup
	cfg       Config
	logger    zerolog.Logger
}

// NewService constructs a Service.
func NewService(st store.Store, sched *scheduler.Scheduler, lifecycle *LifecycleManager, templates TemplateLookup, cfg Config) *Service {
	return &Service{
		store:     st,
		scheduler: sched,
		lifecycle: lifecycle,
		templates: templates,
		cfg:       cfg,
		logger:    log.WithComponent("vmsvc"),
	}
}

// CreateRequest is the caller-supplied shape of a VM creation request.
type CreateRequest struct {
	OwnerID    string
	Wallet     string
	RawName    string
	Premium    bool
	Spec       types.VMSpec
	TemplateID string
	Labels     map[string]string
	// TargetNodeID pins placement for system-VM obligations, bypassing
	// the scheduler's candidate search.
	TargetNodeID string
}

// CreateResult is returned once, at creation time, and never again: the
// plaintext password is not retrievable afterward.
type CreateResult struct {
	VMID              string
	PlaintextPassword string // empty for system VMs
}

// Create runs the §4.F creation procedure: validate quotas, generate the
// canonical name and (for non-system VMs) a memorable password, build the
// Pending VM record, apply template-derived services, persist, and attempt
// immediate scheduling.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	isSystem := req.OwnerID == "" || req.OwnerID == "system"

	if !isSystem {
		if err := s.validateQuota(ctx, req.OwnerID, req.Spec); err != nil {
			return nil, err
		}
	}

	name, err := GenerateCanonicalName(ctx, s.store, req.RawName, ownerIDOrSystem(req.OwnerID), req.Premium)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Validation, ferrors.CodeInvalidVMName, err)
	}

	var plaintextPassword string
	if !isSystem {
		plaintextPassword, err = GeneratePassword()
		if err != nil {
			return nil, fmt.Errorf("vmsvc: generate password: %w", err)
		}
	}

	vm := &types.VirtualMachine{
		ID:      newVMID(),
		Name:    name,
		OwnerID: req.OwnerID,
		Wallet:  req.Wallet,
		Spec:    req.Spec,
		Status:  types.VMPending,
		VMType:  types.VMTypeStandard,
		Labels:  req.Labels,
		Services: []types.VMServiceStatus{
			{Name: "system", CheckType: types.CheckCloudInitDone, Status: types.ServiceStatusPending, TimeoutSeconds: 600},
		},
	}

	if req.TemplateID != "" {
		if err := s.applyTemplate(ctx, vm, req.TemplateID); err != nil {
			return nil, err
		}
	}

	if isSystem {
		if err := validateSystemLabels(vm.Labels); err != nil {
			return nil, ferrors.Wrap(ferrors.Validation, ferrors.CodeInvalidVMName, err)
		}
	}

	if err := s.store.SaveVM(ctx, vm); err != nil {
		return nil, fmt.Errorf("vmsvc: persist vm: %w", err)
	}
	if !isSystem {
		if err := s.incrementQuota(ctx, req.OwnerID, req.Spec); err != nil {
			s.logger.Error().Err(err).Str("vmId", vm.ID).Msg("failed to update owner quota after create")
		}
	}

	if err := s.scheduleVM(ctx, vm, req.TargetNodeID, plaintextPassword); err != nil {
		s.logger.Warn().Err(err).Str("vmId", vm.ID).Msg("immediate scheduling attempt failed, vm remains pending")
	}

	return &CreateResult{VMID: vm.ID, PlaintextPassword: plaintextPassword}, nil
}

func ownerIDOrSystem(ownerID string) string {
	if ownerID == "" {
		return "system"
	}
	return ownerID
}

// applyTemplate derives services from the template's exposed ports,
// propagates GPU mode, and promotes VmType to Inference for GPU templates
// (§4.F creation step 5).
func (s *Service) applyTemplate(ctx context.Context, vm *types.VirtualMachine, templateID string) error {
	if s.templates == nil {
		return ferrors.New(ferrors.Validation, ferrors.CodeInvalidVMName, "no template source configured")
	}
	tmpl, err := s.templates.GetTemplate(ctx, templateID)
	if err != nil || tmpl == nil {
		return ferrors.Wrap(ferrors.Validation, ferrors.CodeInvalidVMName, fmt.Errorf("resolve template %s: %w", templateID, err))
	}

	vm.TemplateID = tmpl.ID
	vm.Spec.GPUMode = tmpl.GPUMode
	if tmpl.GPUMode != types.GPUModeNone {
		vm.VMType = types.VMTypeInference
	}

	for _, svc := range tmpl.Services {
		vm.Services = append(vm.Services, types.VMServiceStatus{
			Name:           svc.Name,
			Port:           svc.Port,
			Protocol:       svc.Protocol,
			CheckType:      svc.CheckType,
			HTTPPath:       svc.HTTPPath,
			ExecCommand:    svc.ExecCommand,
			TimeoutSeconds: svc.TimeoutSeconds,
			Status:         types.ServiceStatusPending,
		})
		if svc.Primary {
			if vm.Labels == nil {
				vm.Labels = map[string]string{}
			}
			vm.Labels["ingress.primaryPort"] = fmt.Sprintf("%d", svc.Port)
		}
	}
	return nil
}

// validateSystemLabels requires system VMs to carry a recognized role
// label, since they aren't scheduled against owner quotas and the
// scheduler relies on the role to pick placement.
func validateSystemLabels(labels map[string]string) error {
	role, ok := labels["role"]
	if !ok {
		return fmt.Errorf("system vm labels must include \"role\"")
	}
	switch types.SystemVMRole(role) {
	case types.SystemVMRoleDHT, types.SystemVMRoleRelay, types.SystemVMRoleBlockStore, types.SystemVMRoleIngress:
		return nil
	default:
		return fmt.Errorf("unrecognized system vm role %q", role)
	}
}

func (s *Service) validateQuota(ctx context.Context, ownerID string, spec types.VMSpec) error {
	user, err := s.store.GetUser(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("vmsvc: load owner: %w", err)
	}
	q := user.Quota
	if q.UsedVMs+1 > q.MaxVMs {
		return ferrors.New(ferrors.Quota, ferrors.CodeQuotaExceeded, "vm count quota exceeded")
	}
	if q.UsedVCPUCores+spec.VCPUCores > q.MaxVCPUCores {
		return ferrors.New(ferrors.Quota, ferrors.CodeQuotaExceeded, "vcpu quota exceeded")
	}
	if q.UsedMemoryBytes+spec.MemoryBytes > q.MaxMemoryBytes {
		return ferrors.New(ferrors.Quota, ferrors.CodeQuotaExceeded, "memory quota exceeded")
	}
	if q.UsedStorageBytes+spec.DiskBytes > q.MaxStorageBytes {
		return ferrors.New(ferrors.Quota, ferrors.CodeQuotaExceeded, "storage quota exceeded")
	}
	return nil
}

func (s *Service) incrementQuota(ctx context.Context, ownerID string, spec types.VMSpec) error {
	user, err := s.store.GetUser(ctx, ownerID)
	if err != nil {
		return err
	}
	user.Quota.UsedVMs++
	user.Quota.UsedVCPUCores += spec.VCPUCores
	user.Quota.UsedMemoryBytes += spec.MemoryBytes
	user.Quota.UsedStorageBytes += spec.DiskBytes
	return s.store.SaveUser(ctx, user)
}

func (s *Service) decrementQuota(ctx context.Context, ownerID string, spec types.VMSpec) error {
	user, err := s.store.GetUser(ctx, ownerID)
	if err != nil {
		return err
	}
	user.Quota.UsedVMs = floorSubInt(user.Quota.UsedVMs, 1)
	user.Quota.UsedVCPUCores = floorSubInt(user.Quota.UsedVCPUCores, spec.VCPUCores)
	user.Quota.UsedMemoryBytes = floorSubInt64(user.Quota.UsedMemoryBytes, spec.MemoryBytes)
	user.Quota.UsedStorageBytes = floorSubInt64(user.Quota.UsedStorageBytes, spec.DiskBytes)
	return s.store.SaveUser(ctx, user)
}

func floorSubInt(a, b int) int {
	if a < b {
		return 0
	}
	return a - b
}

func floorSubInt64(a, b int64) int64 {
	if a < b {
		return 0
	}
	return a - b
}

// Delete runs the deletion protocol (§4.F): guard double-deletion, mark
// Deleting, and either queue a DeleteVM command (assigned node) or
// transition straight to Deleted (never scheduled).
func (s *Service) Delete(ctx context.Context, vmID string) error {
	vm, err := s.store.GetVM(ctx, vmID)
	if err != nil {
		return fmt.Errorf("vmsvc: load vm: %w", err)
	}
	if vm == nil {
		return ferrors.New(ferrors.Validation, ferrors.CodeNotFound, "vm not found")
	}
	if vm.Status == types.VMDeleting || vm.Status == types.VMDeleted {
		return nil // guard against double-deletion
	}

	vm.Status = types.VMDeleting
	vm.StatusMessage = "awaiting delete acknowledgment"
	if err := s.store.SaveVM(ctx, vm); err != nil {
		return fmt.Errorf("vmsvc: mark vm deleting: %w", err)
	}

	if vm.NodeID == nil || *vm.NodeID == "" {
		return s.lifecycle.completeDelete(ctx, vm)
	}

	cmd := &types.Command{
		CommandID:        newCommandID(),
		Type:             types.CommandDeleteVM,
		TargetResourceID: vm.ID,
		NodeID:           *vm.NodeID,
		RequiresAck:      true,
		Payload:          map[string]any{"vmId": vm.ID},
	}
	vm.ActiveCommandType = cmd.Type
	vm.ActiveCommandID = cmd.CommandID
	vm.StatusMessage = fmt.Sprintf("deleting (command %s)", cmd.CommandID)
	if err := s.store.RegisterCommand(ctx, cmd.CommandID, vm.ID, *vm.NodeID, cmd.Type); err != nil {
		return fmt.Errorf("vmsvc: register delete command: %w", err)
	}
	if err := s.store.AppendPendingCommand(ctx, *vm.NodeID, cmd); err != nil {
		return fmt.Errorf("vmsvc: queue delete command: %w", err)
	}
	if err := s.store.SaveVM(ctx, vm); err != nil {
		return fmt.Errorf("vmsvc: persist active command id: %w", err)
	}
	metrics.CommandsIssuedTotal.WithLabelValues(string(cmd.Type)).Inc()
	return nil
}

func newVMID() string      { return "vm-" + uuid.NewString() }
func newCommandID() string { return "cmd-" + uuid.NewString() }
