package ingress

import (
	"context"
	"testing"

	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestLogRegistrarOnVmStartedNeverErrors(t *testing.T) {
	r := NewLogRegistrar()
	vm := &types.VirtualMachine{
		ID: "vm-1",
		Services: []types.VMServiceStatus{
			{Name: "ssh", Port: 22},
		},
	}
	require.NoError(t, r.OnVmStarted(context.Background(), vm))
}

func TestLogRegistrarOnVmDeletedNeverErrors(t *testing.T) {
	r := NewLogRegistrar()
	require.NoError(t, r.OnVmDeleted(context.Background(), &types.VirtualMachine{ID: "vm-1"}))
}
