package dnsapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNullClientNotConfigured(t *testing.T) {
	c := NewNullClient()
	require.False(t, c.Configured())
}

func TestNullClientPublishRecordReturnsNilWithoutError(t *testing.T) {
	c := NewNullClient()
	rec, err := c.PublishRecord(context.Background(), "vm-a.fleet.local", "10.0.0.5")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestNullClientRetractRecordIsNoop(t *testing.T) {
	c := NewNullClient()
	require.NoError(t, c.RetractRecord(context.Background(), "whatever"))
}
