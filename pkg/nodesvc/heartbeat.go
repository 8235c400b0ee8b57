package nodesvc

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/fleetlab/fleetd/pkg/events"
	"github.com/fleetlab/fleetd/pkg/ferrors"
	"github.com/fleetlab/fleetd/pkg/metrics"
	"github.com/fleetlab/fleetd/pkg/types"
)

// peerIDPattern extracts a DHT peer id surfaced in a node's free-form
// heartbeat status line (§4.E VM-state reconciliation).
var peerIDPattern = regexp.MustCompile(`peerId=([A-Za-z0-9]{20,})`)

// ServiceStatusReport is one service's readiness as self-reported by a node.
type ServiceStatusReport struct {
	Name    string
	Status  types.ServiceReadinessStatus
	Message string
}

// VMReport is one VM's observed state as self-reported by a node's agent.
// OwnerID and Spec are only meaningful (and only ever populated by a real
// agent) when the VM is unknown to the control plane: they let orphan
// recovery synthesize a VM record worth keeping rather than a bare status
// shell with no owner to bill or spec to report back to a user.
type VMReport struct {
	VMID            string
	Status          types.VMStatus
	PrivateIP       string
	Hostname        string
	Ports           []types.PortMapping
	ServiceStatuses []ServiceStatusReport
	OwnerID         string
	Spec            types.VMSpec
}

// HeartbeatRequest is the periodic self-report a node's agent posts.
type HeartbeatRequest struct {
	Metrics             *types.NodeMetrics
	VMReports           []VMReport
	ReportedRelayNodeID string // "" if the agent has no relay assignment cached
	StatusLine          string
}

// Heartbeat runs the §4.E heartbeat procedure: authenticate, refresh node
// metrics and reachability, reconcile every reported VM's state, delegate
// CGNAT relay reconciliation, and return whatever commands are queued for
// this node.
func (s *Service) Heartbeat(ctx context.Context, nodeID, credential string, req HeartbeatRequest) ([]*types.Command, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("nodesvc: load node: %w", err)
	}
	if node == nil {
		return nil, ferrors.New(ferrors.Validation, ferrors.CodeNotFound, "unknown node")
	}
	if err := s.authenticate(nodeID, credential); err != nil {
		return nil, err
	}

	wasOffline := node.Status == types.NodeStatusOffline
	node.Status = types.NodeStatusOnline
	node.LastHeartbeat = time.Now()
	if req.Metrics != nil {
		node.LatestMetrics = req.Metrics
	}

	if node.DHT != nil {
		if m := peerIDPattern.FindStringSubmatch(req.StatusLine); m != nil {
			node.DHT.PeerID = m[1]
		}
	}

	for _, report := range req.VMReports {
		if err := s.reconcileVM(ctx, node, report); err != nil {
			s.logger.Error().Err(err).Str("nodeId", nodeID).Str("vmId", report.VMID).
				Msg("vm reconciliation from heartbeat failed")
		}
	}

	if node.Hardware.Network.NatType == types.NatTypeCGNAT && s.relay != nil {
		if err := s.relay.ReconcileHeartbeat(ctx, node, req.ReportedRelayNodeID); err != nil {
			s.logger.Warn().Err(err).Str("nodeId", nodeID).Msg("relay reconciliation failed")
		}
	}

	if err := s.store.SaveNode(ctx, node); err != nil {
		return nil, fmt.Errorf("nodesvc: persist node after heartbeat: %w", err)
	}

	if wasOffline {
		s.publish(events.EventNodeOnline, node, "node back online")
	}
	metrics.HeartbeatsTotal.WithLabelValues(nodeID).Inc()

	pending, err := s.store.DrainPendingCommands(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("nodesvc: drain pending commands: %w", err)
	}
	return pending, nil
}

func (s *Service) authenticate(nodeID, credential string) error {
	claims, err := s.tokens.Validate(credential)
	if err != nil {
		return ferrors.Wrap(ferrors.Validation, ferrors.CodeInvalidSignature, err)
	}
	if claims.NodeID != nodeID {
		return ferrors.New(ferrors.Validation, ferrors.CodeInvalidSignature, "credential does not match node id")
	}
	return nil
}

// reconcileVM applies one VM report to the control plane's record of it.
// A VM in a command-managed transitional state is not overwritten by status
// — the ack for the in-flight command is authoritative — but network
// details (private ip, hostname, ports) always update regardless, since
// those only ever come from the node's own observation. A report for a VM
// the control plane has no record of is orphan-recovery: the node is
// running something the control plane lost track of.
func (s *Service) reconcileVM(ctx context.Context, node *types.Node, report VMReport) error {
	vm, err := s.store.GetVM(ctx, report.VMID)
	if err != nil {
		return fmt.Errorf("load vm: %w", err)
	}

	if vm == nil {
		if report.OwnerID == "" {
			// No owner id to bill this to: without it we'd be fabricating a
			// VM record nobody can be charged for or ever asked to delete.
			// Leave it unrecovered; the agent's own reconciliation sweep
			// will eventually tear down anything truly orphaned.
			s.logger.Warn().Str("nodeId", node.ID).Str("vmId", report.VMID).
				Msg("heartbeat reports unknown vm with no owner id, skipping orphan recovery")
			return nil
		}
		metrics.OrphanRecoveriesTotal.Inc()
		recovered := &types.VirtualMachine{
			ID:      report.VMID,
			Status:  report.Status,
			NodeID:  &node.ID,
			OwnerID: report.OwnerID,
			Spec:    report.Spec,
			Network: types.NetworkConfig{
				PrivateIP: report.PrivateIP,
				Hostname:  report.Hostname,
				Ports:     report.Ports,
			},
			Labels: map[string]string{"recovered": "true", "recovery-node": node.ID},
		}
		return s.lifecycle.RecoverOrphan(ctx, recovered)
	}

	vm.Network.PrivateIP = report.PrivateIP
	vm.Network.Hostname = report.Hostname
	vm.Network.Ports = report.Ports

	if !vm.IsCommandManaged() {
		vm.Status = report.Status
	}

	for _, svcReport := range report.ServiceStatuses {
		if err := s.lifecycle.UpdateServiceStatus(ctx, vm, svcReport.Name, svcReport.Status, svcReport.Message); err != nil {
			s.logger.Debug().Err(err).Str("vmId", vm.ID).Str("service", svcReport.Name).
				Msg("service status update skipped")
		}
	}

	return s.store.SaveVM(ctx, vm)
}
