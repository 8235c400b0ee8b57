package vmsvc

import (
	"context"
	"testing"
	"time"

	"github.com/fleetlab/fleetd/pkg/store/boltstore"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	require.Equal(t, "my-web-server", Sanitize("My Web_Server"))
	require.Equal(t, "abc", Sanitize("a!!!b###c"))
	require.Equal(t, "a-b", Sanitize("a---b"))
	require.Equal(t, "vm", Sanitize("___"))
	require.Equal(t, "vm", Sanitize(""))
}

func TestSanitizeTruncatesTo40(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += "a"
	}
	out := Sanitize(long)
	require.LessOrEqual(t, len(out), 40)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("my-vm-a1b2"))
	require.Error(t, Validate("a"))                // too short
	require.Error(t, Validate("1abc"))              // doesn't start with letter
	require.Error(t, Validate("abc-"))              // trailing dash
	require.Error(t, Validate("Abc-def"))           // uppercase
}

func newTestStore(t *testing.T) *boltstore.BoltStore {
	t.Helper()
	st, err := boltstore.New(t.TempDir(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestGenerateCanonicalNameSystemVMPassesThrough(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	name, err := GenerateCanonicalName(ctx, st, "dht-bootstrap-0", "system", false)
	require.NoError(t, err)
	require.Equal(t, "dht-bootstrap-0", name)
}

func TestGenerateCanonicalNameAppendsSuffixOnCollision(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	require.NoError(t, st.SaveVM(ctx, &types.VirtualMachine{
		ID: "existing", Name: "web-server", OwnerID: "user-1", Status: types.VMRunning,
	}))

	name, err := GenerateCanonicalName(ctx, st, "web-server", "user-1", false)
	require.NoError(t, err)
	require.NotEqual(t, "web-server", name)
	require.True(t, len(name) > len("web-server"))
}

func TestGenerateCanonicalNamePremiumRequiresGlobalUniqueness(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	require.NoError(t, st.SaveVM(ctx, &types.VirtualMachine{
		ID: "existing", Name: "premium-name", OwnerID: "user-1", Status: types.VMRunning,
	}))

	_, err := GenerateCanonicalName(ctx, st, "premium-name", "user-2", true)
	require.Error(t, err)
}
