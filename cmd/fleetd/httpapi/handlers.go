package httpapi

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/fleetlab/fleetd/pkg/ferrors"
	"github.com/fleetlab/fleetd/pkg/nodesvc"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/fleetlab/fleetd/pkg/vmsvc"
	"github.com/go-chi/chi/v5"
)

// bearerToken extracts the credential from "Authorization: Bearer <token>",
// the bearer-token auth convention spec.md §6 specifies for node requests.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	return strings.TrimPrefix(h, "Bearer ")
}

// registerBody is the wire shape of POST /nodes/register. PublicKeyPem
// carries the node's self-enrolled ECDSA public key: spec.md §6 lists
// `message, signature` without naming the key field explicitly, but
// `pkg/security.WalletVerifier` verifies against an enrolled key rather
// than recovering an address from the signature (DESIGN.md), so the key
// must travel on the wire at first registration.
type registerBody struct {
	MachineID       string              `json:"machineId"`
	WalletAddress   string              `json:"walletAddress"`
	PublicKeyPem    string              `json:"publicKeyPem"`
	Message         string              `json:"message"` // base64 challenge
	Signature       string              `json:"signature"` // base64
	PublicIP        string              `json:"publicIp"`
	AgentPort       int                 `json:"agentPort"`
	HardwareInventory types.HardwareInventory `json:"hardwareInventory"`
	AgentVersion    string              `json:"agentVersion"`
	SupportedImages []string            `json:"supportedImages"`
	Region          string              `json:"region"`
	Zone            string              `json:"zone"`
	Arch            string              `json:"arch"`
	Pricing         *types.NodePricing  `json:"pricing,omitempty"`
}

type registerResponse struct {
	NodeID                string                         `json:"nodeId"`
	PerformanceEvaluation any                             `json:"performanceEvaluation"`
	APIKey                string                         `json:"apiKey"`
	SchedulingConfig      string                         `json:"schedulingConfig"`
	HeartbeatInterval     float64                        `json:"heartbeatInterval"`
	DHTBootstrapPeers     []string                       `json:"dhtBootstrapPeers"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body registerBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, ferrors.Wrap(ferrors.Validation, ferrors.CodeInvalidWallet, err))
		return
	}

	challenge, err := base64.StdEncoding.DecodeString(body.Message)
	if err != nil {
		writeError(w, ferrors.Wrap(ferrors.Validation, ferrors.CodeInvalidWallet, err))
		return
	}
	sig, err := base64.StdEncoding.DecodeString(body.Signature)
	if err != nil {
		writeError(w, ferrors.Wrap(ferrors.Validation, ferrors.CodeInvalidWallet, err))
		return
	}

	res, err := s.nodes.Register(ctx, nodesvc.RegisterRequest{
		MachineID:       body.MachineID,
		Wallet:          body.WalletAddress,
		PublicKeyPEM:    body.PublicKeyPem,
		Challenge:       challenge,
		Signature:       sig,
		Endpoint:        types.Endpoint{Address: body.PublicIP, Port: body.AgentPort},
		AgentVersion:    body.AgentVersion,
		Hardware:        body.HardwareInventory,
		Arch:            body.Arch,
		SupportedImages: body.SupportedImages,
		Region:          body.Region,
		Zone:            body.Zone,
		Pricing:         body.Pricing,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	node, err := s.store.GetNode(ctx, res.NodeID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{
		NodeID:                res.NodeID,
		PerformanceEvaluation: node.PerformanceEvaluation,
		APIKey:                res.Credential,
		SchedulingConfig:      s.heartbeat.SchedulingConfigVer,
		HeartbeatInterval:     s.heartbeat.Interval.Seconds(),
		DHTBootstrapPeers:     s.heartbeat.DHTBootstrapPeers,
	})
}

// heartbeatVMReport is one VM's self-reported state. OwnerID and Spec are
// only populated by a real agent for a VM it believes the control plane
// already knows about; when the control plane turns out to have no record
// of that VM, these are what let orphan recovery synthesize a real record
// instead of a bare, unbillable status shell.
type heartbeatVMReport struct {
	VMID            string                   `json:"vmId"`
	Status          types.VMStatus           `json:"status"`
	PrivateIP       string                   `json:"privateIp"`
	Hostname        string                   `json:"hostname"`
	Ports           []types.PortMapping      `json:"ports"`
	ServiceStatuses []heartbeatServiceReport `json:"serviceStatuses"`
	OwnerID         string                   `json:"ownerId"`
	Spec            types.VMSpec             `json:"spec"`
}

type heartbeatServiceReport struct {
	Name    string                        `json:"name"`
	Status  types.ServiceReadinessStatus  `json:"status"`
	Message string                        `json:"message"`
}

type heartbeatBody struct {
	Metrics              *types.NodeMetrics  `json:"metrics"`
	ActiveVMs            []heartbeatVMReport `json:"activeVms"`
	ReportedRelayNodeID  string              `json:"reportedRelayNodeId"`
	StatusLine           string              `json:"statusLine"`
	SchedulingConfigVer  string              `json:"schedulingConfigVersion"`
}

type heartbeatResponse struct {
	Accepted bool             `json:"accepted"`
	Commands []*types.Command `json:"commands,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	nodeID := chi.URLParam(r, "id")

	var body heartbeatBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, ferrors.Wrap(ferrors.Validation, ferrors.CodeNotFound, err))
		return
	}

	reports := make([]nodesvc.VMReport, 0, len(body.ActiveVMs))
	for _, vr := range body.ActiveVMs {
		svcs := make([]nodesvc.ServiceStatusReport, 0, len(vr.ServiceStatuses))
		for _, sr := range vr.ServiceStatuses {
			svcs = append(svcs, nodesvc.ServiceStatusReport{Name: sr.Name, Status: sr.Status, Message: sr.Message})
		}
		reports = append(reports, nodesvc.VMReport{
			VMID: vr.VMID, Status: vr.Status, PrivateIP: vr.PrivateIP,
			Hostname: vr.Hostname, Ports: vr.Ports, ServiceStatuses: svcs,
			OwnerID: vr.OwnerID, Spec: vr.Spec,
		})
	}

	commands, err := s.nodes.Heartbeat(ctx, nodeID, bearerToken(r), nodesvc.HeartbeatRequest{
		Metrics:             body.Metrics,
		VMReports:           reports,
		ReportedRelayNodeID: body.ReportedRelayNodeID,
		StatusLine:          body.StatusLine,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Accepted: true, Commands: commands})
}

type ackBody struct {
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"errorMessage"`
	Data         map[string]any `json:"data"`
	CompletedAt  string         `json:"completedAt"`
}

// handleAck always answers 200 with an "ack received" acknowledgment (§4.E):
// a command the control plane can't correlate is logged as orphaned, not
// rejected back to the agent, which has no useful retry for that outcome.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	nodeID := chi.URLParam(r, "id")
	cmdID := chi.URLParam(r, "cmdId")

	var body ackBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, ferrors.Wrap(ferrors.Validation, ferrors.CodeNotFound, err))
		return
	}

	err := s.nodes.HandleAck(ctx, nodeID, types.CommandAck{
		CommandID:    cmdID,
		Success:      body.Success,
		ErrorMessage: body.ErrorMessage,
		Data:         body.Data,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ackReceived": true})
}

type createVMBody struct {
	OwnerID    string            `json:"ownerId"`
	Wallet     string            `json:"wallet"`
	RawName    string            `json:"name"`
	Premium    bool              `json:"premium"`
	Spec       types.VMSpec      `json:"spec"`
	TemplateID string            `json:"templateId"`
	Labels     map[string]string `json:"labels"`
}

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var body createVMBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, ferrors.Wrap(ferrors.Validation, ferrors.CodeInvalidVMName, err))
		return
	}

	res, err := s.vms.Create(r.Context(), vmsvc.CreateRequest{
		OwnerID: body.OwnerID, Wallet: body.Wallet, RawName: body.RawName,
		Premium: body.Premium, Spec: body.Spec, TemplateID: body.TemplateID, Labels: body.Labels,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	vm, err := s.store.GetVM(r.Context(), chi.URLParam(r, "vmId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if vm == nil {
		writeError(w, ferrors.New(ferrors.Validation, ferrors.CodeNotFound, "vm not found"))
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	if err := s.vms.Delete(r.Context(), chi.URLParam(r, "vmId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type allocatePortBody struct {
	VMPort   int                 `json:"vmPort"`
	Protocol types.PortProtocol `json:"protocol"`
}

func (s *Server) handleAllocatePort(w http.ResponseWriter, r *http.Request) {
	var body allocatePortBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, ferrors.Wrap(ferrors.Validation, ferrors.CodeNotFound, err))
		return
	}
	if body.Protocol == "" {
		body.Protocol = types.ProtocolTCP
	}

	res, err := s.ports.Allocate(r.Context(), chi.URLParam(r, "vmId"), body.VMPort, body.Protocol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemovePort(w http.ResponseWriter, r *http.Request) {
	vmPort, err := strconv.Atoi(chi.URLParam(r, "vmPort"))
	if err != nil {
		writeError(w, ferrors.Wrap(ferrors.Validation, ferrors.CodeNotFound, err))
		return
	}
	if err := s.ports.Remove(r.Context(), chi.URLParam(r, "vmId"), vmPort); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
