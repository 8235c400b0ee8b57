package cloudinit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderDefaultTemplateIncludesHostnameAndKey(t *testing.T) {
	out, err := Render("", Vars{
		Hostname:     "my-vm-a1b2",
		SSHPublicKey: "ssh-ed25519 AAAA...",
		Password:     "river-otter-leaps42",
	})
	require.NoError(t, err)
	require.True(t, strings.Contains(out, "hostname: my-vm-a1b2"))
	require.True(t, strings.Contains(out, "ssh-ed25519 AAAA..."))
	require.True(t, strings.Contains(out, "root:river-otter-leaps42"))
}

func TestRenderOmitsPasswordBlockWhenEmpty(t *testing.T) {
	out, err := Render("", Vars{Hostname: "sys-dht-01", SSHPublicKey: "ssh-rsa AAAA..."})
	require.NoError(t, err)
	require.False(t, strings.Contains(out, "chpasswd"))
}

func TestRenderCustomTemplate(t *testing.T) {
	out, err := Render("host={{.Hostname}}", Vars{Hostname: "custom"})
	require.NoError(t, err)
	require.Equal(t, "host=custom", out)
}

func TestRenderInvalidTemplateIsError(t *testing.T) {
	_, err := Render("{{.Unbalanced", Vars{})
	require.Error(t, err)
}
