package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetlab/fleetd/pkg/events"
	"github.com/fleetlab/fleetd/pkg/ingress"
	"github.com/fleetlab/fleetd/pkg/metrics"
	"github.com/fleetlab/fleetd/pkg/nodesvc"
	"github.com/fleetlab/fleetd/pkg/perfeval"
	"github.com/fleetlab/fleetd/pkg/portalloc"
	"github.com/fleetlab/fleetd/pkg/relay"
	"github.com/fleetlab/fleetd/pkg/scheduler"
	"github.com/fleetlab/fleetd/pkg/security"
	"github.com/fleetlab/fleetd/pkg/store"
	"github.com/fleetlab/fleetd/pkg/store/boltstore"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/fleetlab/fleetd/pkg/vmsvc"
	"github.com/stretchr/testify/require"
)

type noopMgmtClient struct{}

func (noopMgmtClient) AddPeer(ctx context.Context, relayNode, peer *types.Node) error { return nil }

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st, err := boltstore.New(t.TempDir(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	tokens, err := security.NewTokenManager([]byte("test-signing-key-0123456789"), "fleetd", "nodes", time.Hour)
	require.NoError(t, err)

	lifecycle := vmsvc.NewLifecycleManager(st, ingress.NewLogRegistrar(), broker)
	relayCoord := relay.New(st, noopMgmtClient{})

	nodeSvc := nodesvc.New(st, security.NewWalletVerifier(), tokens, relayCoord, lifecycle, broker, nodesvc.Config{
		PerfEval: perfeval.Config{
			Version:                  "v1",
			BaselineBenchmark:        100,
			MaxPerformanceMultiplier: 3,
			TierRequirements: map[types.QualityTier]perfeval.TierRequirement{
				types.TierStandard:  {MinimumBenchmark: 80, PriceMultiplier: 1.0},
				types.TierBurstable: {MinimumBenchmark: 20, PriceMultiplier: 0.5},
			},
		},
		OfflineThreshold: time.Minute,
	})

	schedCfg := scheduler.Config{
		BaselineBenchmark:     1000,
		MaxUtilizationPercent: 90,
		MaxLoadAverage:        4,
		MinFreeMemoryMb:       256,
		Weights:               scheduler.Weights{Capacity: 0.4, Load: 0.3, Reputation: 0.2, Locality: 0.1},
		Tiers: map[types.QualityTier]scheduler.TierConfig{
			types.TierStandard: {MinimumBenchmark: 500, CpuOvercommitRatio: 1, MemoryOvercommitRatio: 1, StorageOvercommitRatio: 1},
		},
	}
	sched := scheduler.New(st, schedCfg)
	vmSvc := vmsvc.NewService(st, sched, lifecycle, vmsvc.NewStaticTemplateLookup(), vmsvc.Config{Scheduling: schedCfg})
	portSvc := portalloc.New(st, broker)

	srv := New(nodeSvc, vmSvc, portSvc, st, HeartbeatInfo{
		Interval:            30 * time.Second,
		SchedulingConfigVer: "v1",
	})
	return srv, st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func signedRegisterBody(t *testing.T) registerBody {
	t.Helper()
	priv, err := security.GenerateWalletKeypair()
	require.NoError(t, err)
	pubPEM, err := security.EncodePublicKeyPEM(&priv.PublicKey)
	require.NoError(t, err)
	challenge, err := security.GenerateChallenge()
	require.NoError(t, err)
	sig, err := security.SignChallenge(priv, challenge)
	require.NoError(t, err)

	return registerBody{
		MachineID:    "machine-1",
		WalletAddress: "wallet-1",
		PublicKeyPem: pubPEM,
		Message:      base64.StdEncoding.EncodeToString(challenge),
		Signature:    base64.StdEncoding.EncodeToString(sig),
		PublicIP:     "10.0.0.5",
		AgentPort:    7777,
		HardwareInventory: types.HardwareInventory{
			CPU: types.CPUInfo{PhysicalCores: 16, BenchmarkScore: 100},
		},
		AgentVersion: "1.0.0",
		Arch:         "amd64",
	}
}

func TestHealthReadyLiveMetricsRespondOK(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	// /ready reports ready only once the critical components are registered.
	for _, name := range []string{"store", "scheduler", "api"} {
		metrics.RegisterComponent(name, true, "ready")
	}

	for _, path := range []string{"/health", "/ready", "/live", "/metrics"} {
		w := doJSON(t, h, http.MethodGet, path, nil)
		require.Equalf(t, http.StatusOK, w.Code, "GET %s", path)
	}
}

func TestRegisterAcceptsValidSignatureAndReturnsCredential(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodPost, "/nodes/register", signedRegisterBody(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp registerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.NodeID)
	require.NotEmpty(t, resp.APIKey)
	require.Equal(t, "v1", resp.SchedulingConfig)
	require.Equal(t, float64(30), resp.HeartbeatInterval)

	node, err := st.GetNode(context.Background(), resp.NodeID)
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusOnline, node.Status)
}

func TestRegisterRejectsMalformedChallenge(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	body := signedRegisterBody(t)
	body.Message = "not-base64!!"

	w := doJSON(t, h, http.MethodPost, "/nodes/register", body)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "argument", resp.Code)
}

func TestHeartbeatRequiresValidCredential(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	regResp := doJSON(t, h, http.MethodPost, "/nodes/register", signedRegisterBody(t))
	require.Equal(t, http.StatusOK, regResp.Code)
	var reg registerResponse
	require.NoError(t, json.Unmarshal(regResp.Body.Bytes(), &reg))

	req := httptest.NewRequest(http.MethodPost, "/nodes/"+reg.NodeID+"/heartbeat", bytes.NewReader(mustJSON(t, heartbeatBody{StatusLine: "ok"})))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer wrong-token")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/nodes/"+reg.NodeID+"/heartbeat", bytes.NewReader(mustJSON(t, heartbeatBody{StatusLine: "ok"})))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("Authorization", "Bearer "+reg.APIKey)
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code, w2.Body.String())

	var hbResp heartbeatResponse
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &hbResp))
	require.True(t, hbResp.Accepted)
}

func TestGetVMReturnsNotFoundForUnknownID(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodGet, "/vms/does-not-exist", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "argument", resp.Code)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
