// Package certapi is the narrow interface to the external SSH-key
// derivation and certificate-signing collaborator (spec.md §1 names
// SSH-key derivation and certificate signing as out-of-scope; only its
// call surface is specified here).
package certapi

import (
	"context"
	"fmt"

	"github.com/fleetlab/fleetd/pkg/log"
)

// SignedCert is an issued host certificate for a VM's ssh/tls endpoint.
type SignedCert struct {
	CertID      string
	Certificate string
	ExpiresAt   string
}

// Issuer signs host certificates against a VM's public key. Like dnsapi,
// an issuer error is External (spec.md §7): the VM still becomes reachable
// over plain ssh, it just lacks a signed host cert.
type Issuer interface {
	Configured() bool
	IssueHostCert(ctx context.Context, vmID, sshPublicKey string) (*SignedCert, error)
	RevokeHostCert(ctx context.Context, certID string) error
}

// NullIssuer is the default Issuer: no signing authority configured.
type NullIssuer struct{}

// NewNullIssuer returns an Issuer with no certificate authority wired in.
func NewNullIssuer() *NullIssuer {
	return &NullIssuer{}
}

func (i *NullIssuer) Configured() bool { return false }

func (i *NullIssuer) IssueHostCert(ctx context.Context, vmID, sshPublicKey string) (*SignedCert, error) {
	log.WithComponent("certapi").Debug().
		Str("vmId", vmID).
		Msg("cert issuer not configured, skipping host cert issuance")
	return nil, nil
}

func (i *NullIssuer) RevokeHostCert(ctx context.Context, certID string) error {
	if certID == "" {
		return fmt.Errorf("certapi: empty cert id")
	}
	return nil
}
