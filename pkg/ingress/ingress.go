package ingress

import (
	"context"

	"github.com/fleetlab/fleetd/pkg/log"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/rs/zerolog"
)

// Registrar publishes and retracts a VM's direct-access services with
// whatever reverse-proxy/DNS layer sits outside this module. Callers treat
// every method as best-effort: a Registrar error degrades the publishing
// feature but must never fail the VM lifecycle operation that triggered it.
type Registrar interface {
	// OnVmStarted registers a running VM's services for external routing.
	OnVmStarted(ctx context.Context, vm *types.VirtualMachine) error
	// OnVmDeleted retracts whatever OnVmStarted published for vm.
	OnVmDeleted(ctx context.Context, vm *types.VirtualMachine) error
}

// LogRegistrar is the default Registrar: it logs intent and always
// succeeds, so a deployment with no external DNS/proxy configured still
// runs the full VM lifecycle without registration errors surfacing.
type LogRegistrar struct {
	logger zerolog.Logger
}

// NewLogRegistrar returns a Registrar that only logs.
func NewLogRegistrar() *LogRegistrar {
	return &LogRegistrar{logger: log.WithComponent("ingress")}
}

func (r *LogRegistrar) OnVmStarted(ctx context.Context, vm *types.VirtualMachine) error {
	for _, svc := range vm.Services {
		r.logger.Info().
			Str("vmId", vm.ID).
			Str("service", svc.Name).
			Int("port", svc.Port).
			Msg("ingress registration (log-only)")
	}
	return nil
}

func (r *LogRegistrar) OnVmDeleted(ctx context.Context, vm *types.VirtualMachine) error {
	r.logger.Info().Str("vmId", vm.ID).Msg("ingress deregistration (log-only)")
	return nil
}
