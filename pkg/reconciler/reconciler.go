// Package reconciler runs the background loop that turns Pending
// SystemVMObligation entries (spec.md §4.G) into running system VMs: it
// provisions the obligated VM via pkg/vmsvc, then tracks that VM's
// lifecycle forward into the obligation's Deploying/Ready/Failed states.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetlab/fleetd/pkg/log"
	"github.com/fleetlab/fleetd/pkg/metrics"
	"github.com/fleetlab/fleetd/pkg/store"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/fleetlab/fleetd/pkg/vmsvc"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// reconcileConcurrency bounds how many nodes a single cycle reconciles in
// parallel. Each node only ever reads/writes its own record and its own
// VMs, so concurrent reconciliation across nodes is safe; the bound exists
// to keep one cycle from opening hundreds of concurrent store calls on a
// large fleet.
const reconcileConcurrency = 16

// VMCreator is the subset of pkg/vmsvc.Service a reconciliation cycle
// needs to provision an obligated system VM.
type VMCreator interface {
	Create(ctx context.Context, req vmsvc.CreateRequest) (*vmsvc.CreateResult, error)
}

// RoleSpecs supplies the VMSpec to request for each system-VM role, since
// a relay VM and a block-store VM want different resource footprints. A
// missing entry falls back to a minimal single-core default.
type RoleSpecs map[types.SystemVMRole]types.VMSpec

// Reconciler provisions Pending system-VM obligations and tracks their VM
// lifecycle into the obligation's terminal state.
type Reconciler struct {
	store     store.Store
	vms       VMCreator
	roleSpecs RoleSpecs

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// New constructs a Reconciler. roleSpecs may be nil, in which case every
// role gets the same minimal default spec.
func New(st store.Store, vms VMCreator, roleSpecs RoleSpecs) *Reconciler {
	return &Reconciler{
		store:     st,
		vms:       vms,
		roleSpecs: roleSpecs,
		logger:    log.WithComponent("reconciler"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the reconciliation loop in a background goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the reconciliation loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// Reconcile runs one cycle: provision Pending obligations, then advance
// Deploying obligations to Ready or Failed based on their VM's status.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	nodes, err := r.store.GetAllNodes(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: list nodes: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			if err := r.reconcileNode(gctx, node); err != nil {
				r.logger.Error().Err(err).Str("nodeId", node.ID).Msg("failed to reconcile node obligations")
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Reconciler) reconcileNode(ctx context.Context, node *types.Node) error {
	if len(node.SystemVMObligations) == 0 {
		return nil
	}

	vms, err := r.store.GetVMsByNode(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("load vms for node: %w", err)
	}

	changed := false
	for i := range node.SystemVMObligations {
		ob := &node.SystemVMObligations[i]
		switch ob.Status {
		case types.ObligationPending:
			if err := r.provision(ctx, node, ob); err != nil {
				r.logger.Warn().Err(err).Str("nodeId", node.ID).Str("role", string(ob.Role)).
					Msg("failed to provision system vm obligation, will retry next cycle")
				continue
			}
			changed = true

		case types.ObligationDeploying:
			vm := obligationVM(vms, ob.Role)
			if vm == nil {
				continue
			}
			switch vm.Status {
			case types.VMRunning:
				ob.Status = types.ObligationReady
				changed = true
			case types.VMError, types.VMDeleted:
				ob.Status = types.ObligationFailed
				changed = true
			}
		}
	}

	if changed {
		if err := r.store.SaveNode(ctx, node); err != nil {
			return fmt.Errorf("persist obligation status: %w", err)
		}
	}
	return nil
}

// provision issues a VM creation request for a Pending obligation, pinned
// to the obligated node, and advances it to Deploying. It does not wait
// for the VM to schedule; pkg/vmsvc.Service.Create attempts immediate
// scheduling itself and leaves the VM Pending on failure, which the next
// cycle's Deploying branch will keep observing until it resolves.
func (r *Reconciler) provision(ctx context.Context, node *types.Node, ob *types.SystemVMObligation) error {
	spec, ok := r.roleSpecs[ob.Role]
	if !ok {
		spec = defaultSystemVMSpec
	}

	_, err := r.vms.Create(ctx, vmsvc.CreateRequest{
		Labels:       map[string]string{"role": string(ob.Role)},
		TargetNodeID: node.ID,
		Spec:         spec,
	})
	if err != nil {
		return err
	}
	ob.Status = types.ObligationDeploying
	return nil
}

var defaultSystemVMSpec = types.VMSpec{
	VCPUCores:   1,
	MemoryBytes: 512 * 1024 * 1024,
	DiskBytes:   8 * 1024 * 1024 * 1024,
	QualityTier: types.TierBurstable,
}

// obligationVM returns the first VM in vms that carries the given role
// label and is not Deleting. vms is taken in the order given (GetVMsByNode
// does not define one). System VMs are never renamed or recreated for the
// same obligation, so the first match is authoritative.
func obligationVM(vms []*types.VirtualMachine, role types.SystemVMRole) *types.VirtualMachine {
	for _, vm := range vms {
		if vm.Labels["role"] == string(role) && vm.Status != types.VMDeleting {
			return vm
		}
	}
	return nil
}
