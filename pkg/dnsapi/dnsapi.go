// Package dnsapi is the narrow interface to the external DNS provider that
// publishes A/AAAA records for VM hostnames and direct-access port mappings
// (spec.md §1 names DNS API integration as an out-of-scope external
// collaborator; only its call surface is specified here).
package dnsapi

import (
	"context"

	"github.com/fleetlab/fleetd/pkg/log"
)

// Record is a single published DNS record.
type Record struct {
	ID   string
	Name string
	IP   string
}

// Client publishes and retracts DNS records. A non-2xx or unreachable
// provider is an External error (spec.md §7): callers degrade the specific
// feature — mark IsDnsConfigured false, return a null record id — rather
// than fail the operation that requested the record.
type Client interface {
	// Configured reports whether a real provider is wired in.
	Configured() bool
	PublishRecord(ctx context.Context, name, ip string) (*Record, error)
	RetractRecord(ctx context.Context, recordID string) error
}

// NullClient is the default Client: no provider is configured, so every
// call degrades gracefully per spec.md §7 instead of erroring.
type NullClient struct{}

// NewNullClient returns a Client with no DNS provider wired in.
func NewNullClient() *NullClient {
	return &NullClient{}
}

func (c *NullClient) Configured() bool { return false }

func (c *NullClient) PublishRecord(ctx context.Context, name, ip string) (*Record, error) {
	log.WithComponent("dnsapi").Debug().
		Str("name", name).Str("ip", ip).
		Msg("dns not configured, skipping record publish")
	return nil, nil
}

func (c *NullClient) RetractRecord(ctx context.Context, recordID string) error {
	return nil
}
