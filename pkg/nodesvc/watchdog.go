package nodesvc

import (
	"context"
	"time"

	"github.com/fleetlab/fleetd/pkg/events"
	"github.com/fleetlab/fleetd/pkg/metrics"
	"github.com/fleetlab/fleetd/pkg/types"
)

// RunWatchdog periodically sweeps for nodes whose heartbeat has gone silent
// past the configured offline threshold (§4.E health watchdog), running
// until ctx is cancelled. Grounded on the teacher's reconciler ticker loop.
func (s *Service) RunWatchdog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepOfflineNodes(ctx); err != nil {
				s.logger.Error().Err(err).Msg("watchdog sweep failed")
			}
		}
	}
}

func (s *Service) sweepOfflineNodes(ctx context.Context) error {
	nodes, err := s.store.GetAllNodes(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, node := range nodes {
		if node.Status != types.NodeStatusOnline {
			continue
		}
		if now.Sub(node.LastHeartbeat) < s.cfg.OfflineThreshold {
			continue
		}
		if err := s.markOffline(ctx, node, now); err != nil {
			s.logger.Error().Err(err).Str("nodeId", node.ID).Msg("failed to mark node offline")
		}
	}
	return nil
}

// markOffline transitions a silent node to Offline, records the downtime in
// its reputation history, and moves every VM it was running into Error —
// the agent isn't heartbeating, so nothing can confirm those VMs are still
// healthy.
func (s *Service) markOffline(ctx context.Context, node *types.Node, at time.Time) error {
	node.Status = types.NodeStatusOffline
	if node.Reputation.FailedHeartbeatsByDay == nil {
		node.Reputation.FailedHeartbeatsByDay = make(map[string]int)
	}
	node.Reputation.FailedHeartbeatsByDay[at.Format("2006-01-02")]++

	if err := s.store.SaveNode(ctx, node); err != nil {
		return err
	}

	vms, err := s.store.GetVMsByNode(ctx, node.ID)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		if vm.Status != types.VMRunning {
			continue
		}
		if err := s.lifecycle.TransitionToError(ctx, vm, "node went offline"); err != nil {
			s.logger.Error().Err(err).Str("vmId", vm.ID).Msg("failed to transition vm to error after node offline")
		}
	}

	s.publish(events.EventNodeOffline, node, "node heartbeat timeout")
	return nil
}

// RunCommandSweep periodically sweeps the command registry for
// registrations older than ttl that never received an acknowledgment,
// surfacing each as an orphaned-command event (§4.B).
func (s *Service) RunCommandSweep(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStaleCommands(ctx, ttl)
		}
	}
}

func (s *Service) sweepStaleCommands(ctx context.Context, ttl time.Duration) {
	stale, err := s.store.SweepStaleCommands(ctx, ttl)
	if err != nil {
		s.logger.Error().Err(err).Msg("stale command sweep failed")
		return
	}
	for _, reg := range stale {
		metrics.OrphanedCommandsTotal.Inc()
		if s.broker == nil {
			continue
		}
		s.broker.Publish(&events.Event{
			Type:    events.EventOrphanedCommand,
			Message: "command registration swept without acknowledgment",
			Metadata: map[string]string{
				"nodeId":    reg.NodeID,
				"vmId":      reg.VMID,
				"commandId": reg.CommandID,
			},
		})
	}
}
