// Package nodesvc implements the node service (spec.md §4.E): wallet-signed
// registration, heartbeat processing and the VM-state reconciliation it
// drives, command-acknowledgment correlation, and the health watchdog that
// declares a silent node offline.
package nodesvc

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/fleetlab/fleetd/pkg/events"
	"github.com/fleetlab/fleetd/pkg/ferrors"
	"github.com/fleetlab/fleetd/pkg/health"
	"github.com/fleetlab/fleetd/pkg/log"
	"github.com/fleetlab/fleetd/pkg/perfeval"
	"github.com/fleetlab/fleetd/pkg/relay"
	"github.com/fleetlab/fleetd/pkg/security"
	"github.com/fleetlab/fleetd/pkg/store"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/fleetlab/fleetd/pkg/vmsvc"
	"github.com/rs/zerolog"
)

// Config configures the node service's non-domain-model inputs.
type Config struct {
	PerfEval         perfeval.Config
	OfflineThreshold time.Duration // no heartbeat within this window -> Offline
}

// Service implements registration, heartbeat processing, command
// acknowledgment, and the health watchdog.
type Service struct {
	store     store.Store
	verifier  *security.WalletVerifier
	tokens    *security.TokenManager
	relay     *relay.Coordinator
	lifecycle *vmsvc.LifecycleManager
	broker    *events.Broker
	cfg       Config
	logger    zerolog.Logger
}

// New constructs a Service.
func New(st store.Store, verifier *security.WalletVerifier, tokens *security.TokenManager, relayCoordinator *relay.Coordinator, lifecycle *vmsvc.LifecycleManager, broker *events.Broker, cfg Config) *Service {
	return &Service{
		store:     st,
		verifier:  verifier,
		tokens:    tokens,
		relay:     relayCoordinator,
		lifecycle: lifecycle,
		broker:    broker,
		cfg:       cfg,
		logger:    log.WithComponent("nodesvc"),
	}
}

// RegisterRequest is everything a node presents on enrollment or
// re-enrollment.
type RegisterRequest struct {
	MachineID       string
	Wallet          string
	PublicKeyPEM    string
	Challenge       []byte
	Signature       []byte
	Endpoint        types.Endpoint
	AgentVersion    string
	Hardware        types.HardwareInventory
	Arch            string
	SupportedImages []string
	Region          string
	Zone            string
	Pricing         *types.NodePricing
}

// RegisterResult is returned once at registration time: Credential is the
// long-lived bearer token the node presents on every subsequent heartbeat
// and ack.
type RegisterResult struct {
	NodeID     string
	Credential string
}

// Register runs the §4.E registration procedure: verify the wallet
// signature, derive a stable node id, run the performance evaluator,
// persist the node (preserving history across re-registration), mint and
// hash a bearer credential, and kick off a non-blocking relay assignment
// for CGNAT'd nodes.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	nodeID := DeriveNodeID(req.MachineID, req.Wallet)

	existing, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("nodesvc: load existing node: %w", err)
	}

	// A node already on file must re-prove possession of the key it
	// enrolled with — verifying against the request's own freshly-supplied
	// key would let anyone who knows a node's machineId+wallet self-sign
	// with a new keypair and hijack its identity and credential. Only a
	// first-time enrollment trusts the request's own key.
	verifyKey := req.PublicKeyPEM
	if existing != nil && existing.PublicKeyPEM != "" {
		verifyKey = existing.PublicKeyPEM
	}
	if err := s.verifier.Verify(verifyKey, req.Challenge, req.Signature); err != nil {
		return nil, ferrors.Wrap(ferrors.Validation, ferrors.CodeInvalidSignature, err)
	}

	eval := perfeval.Evaluate(req.Hardware, s.cfg.PerfEval)
	if !eval.Acceptable {
		return nil, ferrors.New(ferrors.Validation, ferrors.CodeUnacceptablePerf, eval.RejectionReason)
	}

	node := existing
	if node == nil {
		node = &types.Node{ID: nodeID, RegisteredAt: time.Now()}
	}
	node.MachineID = req.MachineID
	node.Wallet = req.Wallet
	node.PublicKeyPEM = req.PublicKeyPEM
	node.Endpoint = req.Endpoint
	node.AgentVersion = req.AgentVersion
	node.Hardware = req.Hardware
	node.Arch = req.Arch
	node.SupportedImages = req.SupportedImages
	node.Region = req.Region
	node.Zone = req.Zone
	node.Pricing = req.Pricing
	node.PerformanceEvaluation = eval
	node.ConfigVersion = s.cfg.PerfEval.Version
	node.Status = types.NodeStatusOnline
	node.LastHeartbeat = time.Now()

	if err := s.backfillObligations(ctx, node); err != nil {
		s.logger.Warn().Err(err).Str("nodeId", node.ID).Msg("obligation backfill check failed, continuing without it")
	}

	if err := s.store.SaveNode(ctx, node); err != nil {
		return nil, fmt.Errorf("nodesvc: persist node: %w", err)
	}

	credential, err := s.tokens.Mint(node.ID, node.Wallet, node.MachineID)
	if err != nil {
		return nil, fmt.Errorf("nodesvc: mint credential: %w", err)
	}
	hash, err := security.HashCredential(credential)
	if err != nil {
		return nil, fmt.Errorf("nodesvc: hash credential: %w", err)
	}
	if err := s.store.SaveNodeCredentialHash(ctx, node.ID, hash); err != nil {
		return nil, fmt.Errorf("nodesvc: persist credential hash: %w", err)
	}

	if node.Hardware.Network.NatType == types.NatTypeCGNAT && s.relay != nil {
		go func() {
			if err := s.relay.AssignRelay(context.Background(), node); err != nil {
				s.logger.Warn().Err(err).Str("nodeId", node.ID).Msg("relay assignment failed, will retry on next heartbeat")
			}
		}()
	}

	s.publish(events.EventNodeRegistered, node, "node registered")
	go s.probeAgentEndpoint(node.ID, node.Endpoint)
	return &RegisterResult{NodeID: node.ID, Credential: credential}, nil
}

// probeAgentEndpoint checks that the agent's advertised HTTP endpoint is
// reachable from the control plane's vantage point, logging a warning if
// not. It never fails registration: a node behind CGNAT or a restrictive
// firewall is expected to be unreachable here and will instead be routed
// through a relay obligation, not rejected outright.
func (s *Service) probeAgentEndpoint(nodeID string, endpoint types.Endpoint) {
	if endpoint.Address == "" || endpoint.Port == 0 {
		return
	}
	url := fmt.Sprintf("http://%s:%d/health", endpoint.Address, endpoint.Port)
	checker := health.NewHTTPChecker(url).WithTimeout(5 * time.Second)
	result := checker.Check(context.Background())
	if !result.Healthy {
		s.logger.Warn().Str("nodeId", nodeID).Str("url", url).Str("reason", result.Message).
			Msg("agent endpoint not directly reachable at registration")
	}
}

// DeriveNodeID derives a stable node identity from the (machine id, wallet)
// pair, so re-registration from the same machine under the same wallet
// always resolves to the same node record.
func DeriveNodeID(machineID, wallet string) string {
	sum := sha256.Sum256([]byte(machineID + "|" + wallet))
	return fmt.Sprintf("node-%x", sum[:8])
}

// minRelayObligations is the fleet-wide floor of relay-role obligations this
// service maintains automatically, so CGNAT nodes always have somewhere to
// be assigned without an operator provisioning relay capacity by hand.
const minRelayObligations = 1

// backfillObligations assigns a newly eligible, directly-reachable node a
// relay obligation when the fleet is short of minRelayObligations. Other
// system-VM roles (DHT, block store, ingress) are an operator decision made
// out of band; relay is the one role that must track CGNAT node growth
// automatically, since nothing else will request it on the fleet's behalf.
func (s *Service) backfillObligations(ctx context.Context, node *types.Node) error {
	if node.Hardware.Network.NatType == types.NatTypeCGNAT {
		return nil // a CGNAT node cannot itself host a relay
	}
	for _, ob := range node.SystemVMObligations {
		if ob.Role == types.SystemVMRoleRelay {
			return nil // already obligated
		}
	}

	nodes, err := s.store.GetAllNodes(ctx)
	if err != nil {
		return fmt.Errorf("nodesvc: list nodes for obligation backfill: %w", err)
	}
	existingRelays := 0
	for _, n := range nodes {
		for _, ob := range n.SystemVMObligations {
			if ob.Role == types.SystemVMRoleRelay {
				existingRelays++
			}
		}
	}
	if existingRelays >= minRelayObligations {
		return nil
	}

	node.SystemVMObligations = append(node.SystemVMObligations, types.SystemVMObligation{
		Role:   types.SystemVMRoleRelay,
		Status: types.ObligationPending,
	})
	return nil
}

func (s *Service) publish(t events.EventType, node *types.Node, message string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:     t,
		Message:  message,
		Metadata: map[string]string{"nodeId": node.ID},
	})
}
