package types

import "time"

// Node is a registered worker in the fleet.
type Node struct {
	ID           string
	MachineID    string
	Wallet       string
	PublicKeyPEM string
	Endpoint     Endpoint
	AgentVersion string

	Total    ResourceSet
	Reserved ResourceSet

	Hardware HardwareInventory
	Arch     string

	SupportedImages []string
	Region          string
	Zone            string
	Pricing         *NodePricing

	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Status        NodeStatus

	LatestMetrics *NodeMetrics
	Reputation    NodeReputation

	PerformanceEvaluation *NodePerformanceEvaluation
	ConfigVersion         string

	SystemVMObligations []SystemVMObligation

	DHT   *DHTInfo   `json:",omitempty"`
	Relay *RelayInfo `json:",omitempty"`
	Cgnat *CgnatInfo `json:",omitempty"`

	CredentialHash string `json:"-"`
}

// Endpoint is a reachable network address for a node's agent.
type Endpoint struct {
	Address string
	Port    int
}

// NodeStatus is the lifecycle state of a node.
type NodeStatus string

const (
	NodeStatusOnline       NodeStatus = "online"
	NodeStatusOffline      NodeStatus = "offline"
	NodeStatusDraining     NodeStatus = "draining"
	NodeStatusDecommission NodeStatus = "decommissioned"
)

// ResourceSet is a three-dimensional capacity vector.
type ResourceSet struct {
	ComputePoints float64
	MemoryBytes   int64
	StorageBytes  int64
}

// NodePricing is operator-set pricing metadata, opaque to scheduling.
type NodePricing struct {
	PricePerComputePointHour float64
	Currency                 string
}

// HardwareInventory describes a node's physical resources.
type HardwareInventory struct {
	CPU     CPUInfo
	Memory  MemoryInfo
	Storage []StorageDevice
	GPUs    []GPUInfo
	Network NetworkInfo
}

// CPUInfo describes the CPU installed on a node.
type CPUInfo struct {
	Model          string
	PhysicalCores  int
	BenchmarkScore float64
}

// MemoryInfo describes installed memory.
type MemoryInfo struct {
	TotalBytes int64
}

// StorageDevice describes one storage device on a node.
type StorageDevice struct {
	Type      string // "ssd", "nvme", "hdd"
	SizeBytes int64
}

// GPUInfo describes one GPU installed on a node.
type GPUInfo struct {
	PCIAddress string
	Model      string
	Available  bool
}

// NatType classifies a node's reachability.
type NatType string

const (
	NatTypeNone  NatType = "none"
	NatTypeCGNAT NatType = "cgnat"
	NatTypeOther NatType = "other"
)

// NetworkInfo describes a node's network reachability and bandwidth.
type NetworkInfo struct {
	NatType       NatType
	BandwidthMbps int
}

// NodeMetrics is the latest self-reported resource snapshot from a node.
type NodeMetrics struct {
	LoadAverage     float64
	FreeMemoryBytes int64
	ReportedAt      time.Time
}

// NodeReputation tracks a node's operating history.
type NodeReputation struct {
	UptimePercent         float64
	TotalVMsHosted        int
	SuccessfulCompletions int
	FailedHeartbeatsByDay map[string]int
}

// SystemVMRole enumerates platform VM roles a node may be asked to host.
type SystemVMRole string

const (
	SystemVMRoleDHT        SystemVMRole = "dht"
	SystemVMRoleRelay      SystemVMRole = "relay"
	SystemVMRoleBlockStore SystemVMRole = "block_store"
	SystemVMRoleIngress    SystemVMRole = "ingress"
)

// SystemVMObligationStatus is the reconciliation state of an obligation.
type SystemVMObligationStatus string

const (
	ObligationPending   SystemVMObligationStatus = "pending"
	ObligationDeploying SystemVMObligationStatus = "deploying"
	ObligationReady     SystemVMObligationStatus = "ready"
	ObligationFailed    SystemVMObligationStatus = "failed"
)

// SystemVMObligation is a platform role a node is expected to host.
type SystemVMObligation struct {
	Role   SystemVMRole
	Status SystemVMObligationStatus
}

// DHTInfo describes a node's participation in the control plane's DHT mesh.
type DHTInfo struct {
	PeerID        string
	BootstrapPeer bool
}

// RelayStatus is the operating state of a relay gateway.
type RelayStatus string

const (
	RelayStatusActive   RelayStatus = "active"
	RelayStatusDegraded RelayStatus = "degraded"
	RelayStatusOffline  RelayStatus = "offline"
)

// RelayInfo marks a node as a relay gateway for CGNAT'd peers.
type RelayInfo struct {
	RelayVMID         string
	RelaySubnet       int // maps to a /24, e.g. subnet 7 -> 10.200.7.0/24
	WireGuardPubKey   string
	WireGuardEndpoint string
	ConnectedNodeIDs  []string
	Status            RelayStatus
}

// CgnatInfo marks a node as behind carrier-grade NAT, assigned to a relay.
type CgnatInfo struct {
	AssignedRelayNodeID string
	TunnelIP            string
}

// NodePerformanceEvaluation is the cached result of the performance
// evaluator (§4.C) for a node.
type NodePerformanceEvaluation struct {
	BenchmarkScore   float64 // raw, uncapped
	CappedScore      float64
	PointsPerCore    float64
	PerformanceClass string
	EligibleTiers    []QualityTier
	HighestTier      QualityTier
	TierCapability   map[QualityTier]TierCapability
	Acceptable       bool
	RejectionReason  string
	ConfigVersion    string
	EvaluatedAt      time.Time
}

// TierCapability is the per-tier derived capability for one node.
type TierCapability struct {
	RequiredPointsPerVCpu float64
	MaxVCpusPerCore       float64
	PriceMultiplier       float64
	IneligibilityReason   string
}

// QualityTier is an SLA class.
type QualityTier string

const (
	TierGuaranteed QualityTier = "guaranteed"
	TierStandard   QualityTier = "standard"
	TierBalanced   QualityTier = "balanced"
	TierBurstable  QualityTier = "burstable"
)

// GPUMode describes how a VM's GPU request is fulfilled.
type GPUMode string

const (
	GPUModeNone        GPUMode = "none"
	GPUModePassthrough GPUMode = "passthrough"
	GPUModeProxied     GPUMode = "proxied"
)

// VMType classifies what a VM is used for, promoted from Standard to
// Inference when a GPU-bearing template is applied (§4.F creation step 5).
type VMType string

const (
	VMTypeStandard  VMType = "standard"
	VMTypeInference VMType = "inference"
)

// DeploymentMode distinguishes a true VM from a container-backed workload
// sharing the same lifecycle and command protocol.
type DeploymentMode string

const (
	DeploymentModeVM        DeploymentMode = "vm"
	DeploymentModeContainer DeploymentMode = "container"
)

// TemplateServiceSpec is one exposed-port service a Template declares.
type TemplateServiceSpec struct {
	Name           string
	Port           int
	Protocol       PortProtocol
	Primary        bool // the port configured with ingress/direct-access on creation
	CheckType      CheckType
	HTTPPath       string
	ExecCommand    []string
	TimeoutSeconds int
}

// Template is a marketplace-browsable image+service bundle (spec.md §1
// names marketplace browsing/pricing as out of scope; the Template shape
// itself is the call surface the VM service consults).
type Template struct {
	ID              string
	Name            string
	BaseImageID     string
	GPUMode         GPUMode
	Services        []TemplateServiceSpec
	UserDataExtra   string // appended into the rendered cloud-init
}

// VMSpec is the immutable-once-running request shape for a VM.
type VMSpec struct {
	VCPUCores          int
	MemoryBytes        int64
	DiskBytes          int64
	ImageID            string
	QualityTier        QualityTier
	GPUMode            GPUMode
	ContainerImage     string
	SSHPublicKey       string
	UserDataTemplateID string
	RequestedRegion    string
	RequestedZone      string
	DeploymentMode     DeploymentMode
}

// VMStatus is the control-plane lifecycle state of a VM.
type VMStatus string

const (
	VMPending      VMStatus = "pending"
	VMProvisioning VMStatus = "provisioning"
	VMRunning      VMStatus = "running"
	VMStopping     VMStatus = "stopping"
	VMStopped      VMStatus = "stopped"
	VMDeleting     VMStatus = "deleting"
	VMDeleted      VMStatus = "deleted"
	VMError        VMStatus = "error"
)

// PowerState is the reported power state of a VM.
type PowerState string

const (
	PowerRunning PowerState = "running"
	PowerPaused  PowerState = "paused"
	PowerOff     PowerState = "off"
)

// PortProtocol is a transport protocol for a port mapping.
type PortProtocol string

const (
	ProtocolTCP PortProtocol = "tcp"
	ProtocolUDP PortProtocol = "udp"
)

// PortMapping is a direct-access port exposed for a VM.
type PortMapping struct {
	VMPort     int
	PublicPort int
	Protocol   PortProtocol
}

// NetworkConfig is a VM's discovered network configuration.
type NetworkConfig struct {
	PrivateIP    string
	Hostname     string
	Ports        []PortMapping
	OverlayNetID string
}

// AccessInfo is how a user reaches a VM's console.
type AccessInfo struct {
	SSHHost string
	SSHPort int
	VNCHost string
	VNCPort int
}

// BillingInfo tracks accrued charges for a VM; settlement is external.
type BillingInfo struct {
	ComputePointHours float64
	LastBilledAt      time.Time
}

// CheckType is the probe mechanism for a VM service readiness check.
type CheckType string

const (
	CheckCloudInitDone CheckType = "cloud_init_done"
	CheckTCPPort       CheckType = "tcp_port"
	CheckHTTPGet       CheckType = "http_get"
	CheckExecCommand   CheckType = "exec_command"
)

// ServiceReadinessStatus is the readiness state of one VM service.
type ServiceReadinessStatus string

const (
	ServiceStatusPending  ServiceReadinessStatus = "pending"
	ServiceStatusReady    ServiceReadinessStatus = "ready"
	ServiceStatusFailed   ServiceReadinessStatus = "failed"
	ServiceStatusTimedOut ServiceReadinessStatus = "timed_out"
)

// VMServiceStatus tracks the readiness of one service exposed by a VM.
type VMServiceStatus struct {
	Name           string
	Port           int
	Protocol       PortProtocol
	CheckType      CheckType
	HTTPPath       string
	ExecCommand    []string
	TimeoutSeconds int
	Status         ServiceReadinessStatus
	ReadyAt        *time.Time
	StatusMessage  string
}

// VirtualMachine is a user- or system-requested workload.
type VirtualMachine struct {
	ID      string
	Name    string
	OwnerID string // empty for system VMs
	Wallet  string

	Spec VMSpec

	Status     VMStatus
	PowerState PowerState

	// StatusMessage is a free-form note on the current status, e.g. why a
	// transitional state was entered. A command id embedded here is the
	// legacy ack-correlation fallback (§4.E lookup strategy 3) for when
	// ActiveCommandID is lost to a crash between issuing the command and
	// persisting it.
	StatusMessage string

	NodeID *string

	Network NetworkConfig
	Access  AccessInfo

	ActiveCommandID   string
	ActiveCommandType CommandType
	ActiveCommandAt   *time.Time

	Billing BillingInfo

	Services []VMServiceStatus
	Labels   map[string]string

	VMType      VMType
	TemplateID  string
	GPUPCIAddr  string
	ComputePointCost float64

	// SecurePassword is the wallet-key-encrypted ciphertext of the
	// memorable password minted at creation, supplied back by the caller
	// once it has encrypted the plaintext returned from Create. The
	// plaintext itself is never persisted.
	SecurePassword string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsSystemVM reports whether this VM is platform-owned.
func (v *VirtualMachine) IsSystemVM() bool {
	return v.OwnerID == "" || v.OwnerID == "system"
}

// IsCommandManaged reports whether the VM is in a transitional state where
// heartbeat-driven reconciliation must not overwrite status.
func (v *VirtualMachine) IsCommandManaged() bool {
	switch v.Status {
	case VMProvisioning, VMStopping, VMDeleting:
		return true
	default:
		return false
	}
}

// CommandType enumerates outbound agent commands.
type CommandType string

const (
	CommandCreateVM     CommandType = "CreateVm"
	CommandStartVM      CommandType = "StartVm"
	CommandStopVM       CommandType = "StopVm"
	CommandDeleteVM     CommandType = "DeleteVm"
	CommandAllocatePort CommandType = "AllocatePort"
	CommandRemovePort   CommandType = "RemovePort"
)

// Command is the outbound envelope issued to a node's agent.
type Command struct {
	CommandID        string
	Type             CommandType
	TargetResourceID string // usually the VM id
	NodeID           string
	Payload          map[string]any
	RequiresAck      bool
	IssuedAt         time.Time
}

// CommandAck is the payload an agent posts back for a command.
type CommandAck struct {
	CommandID    string
	Success      bool
	ErrorMessage string
	Data         map[string]any
	CompletedAt  time.Time
}

// CommandRegistration correlates an outstanding command with its target.
type CommandRegistration struct {
	CommandID   string
	VMID        string
	NodeID      string
	Type        CommandType
	IssuedAt    time.Time
	CompletedAt *time.Time
}

// Event is an observability event emitted by the control plane.
type Event struct {
	Type      string
	Timestamp time.Time
	NodeID    string
	VMID      string
	Message   string
	Severity  string
	Data      map[string]string
}

// Quota is an owner's resource ceiling, consulted by the VM service before
// creation and decremented/restored as VMs come and go.
type Quota struct {
	MaxVMs          int
	MaxVCPUCores    int
	MaxMemoryBytes  int64
	MaxStorageBytes int64

	UsedVMs          int
	UsedVCPUCores    int
	UsedMemoryBytes  int64
	UsedStorageBytes int64
}

// User is the owner of record for non-system VMs.
type User struct {
	ID        string
	Wallet    string
	Quota     Quota
	CreatedAt time.Time
}
