package vmsvc

import (
	"context"
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"

	"github.com/fleetlab/fleetd/pkg/store"
)

var (
	nonAlnumDash = regexp.MustCompile(`[^a-z0-9-]`)
	multiDash    = regexp.MustCompile(`-{2,}`)
	validName    = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)
)

// Sanitize normalizes raw into a name-pipeline candidate (§4.F): lowercase,
// spaces/underscores become dashes, anything else non-[a-z0-9-] is
// stripped, runs of dashes collapse to one, leading/trailing dashes trim,
// and the result is capped at 40 characters. An empty result falls back to
// the literal "vm".
func Sanitize(raw string) string {
	s := strings.ToLower(raw)
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	s = nonAlnumDash.ReplaceAllString(s, "")
	s = multiDash.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = s[:40]
		s = strings.TrimRight(s, "-")
	}
	if s == "" {
		s = "vm"
	}
	return s
}

// Validate reports whether name satisfies the canonical-name grammar:
// length in [2,40], starts with a letter, no trailing dash, and matches
// ^[a-z][a-z0-9-]*[a-z0-9]$.
func Validate(name string) error {
	if len(name) < 2 || len(name) > 40 {
		return fmt.Errorf("name length %d outside [2,40]", len(name))
	}
	if name[0] < 'a' || name[0] > 'z' {
		return fmt.Errorf("name must start with a letter")
	}
	if strings.HasSuffix(name, "-") {
		return fmt.Errorf("name must not end with a dash")
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("name %q does not match the canonical name grammar", name)
	}
	return nil
}

// hexSuffix returns n random hex characters drawn from a CSPRNG.
func hexSuffix(n int) (string, error) {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate name suffix: %w", err)
	}
	s := fmt.Sprintf("%x", buf)
	return s[:n], nil
}

// GenerateCanonicalName derives a unique, DNS-safe name for a new VM.
// System VMs (ownerID == "system") pass raw through unchanged. Premium
// enforces global uniqueness with no suffix at all, for owners who paid for
// a guaranteed bare name; everyone else gets up to 5 attempts of a 4-hex
// suffix before falling back to an 8-hex suffix.
func GenerateCanonicalName(ctx context.Context, st store.Store, raw, ownerID string, premium bool) (string, error) {
	if ownerID == "system" {
		return raw, nil
	}

	sanitized := Sanitize(raw)
	if err := Validate(sanitized); err != nil {
		return "", fmt.Errorf("sanitized name invalid: %w", err)
	}

	if premium {
		exists, err := st.VMNameExists(ctx, sanitized, "")
		if err != nil {
			return "", fmt.Errorf("check global name uniqueness: %w", err)
		}
		if exists {
			return "", fmt.Errorf("name %q is already taken globally", sanitized)
		}
		return sanitized, nil
	}

	for attempt := 0; attempt < 5; attempt++ {
		suffix, err := hexSuffix(4)
		if err != nil {
			return "", err
		}
		candidate := truncateWithSuffix(sanitized, suffix)
		exists, err := st.VMNameExists(ctx, candidate, ownerID)
		if err != nil {
			return "", fmt.Errorf("check per-owner name uniqueness: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}

	suffix, err := hexSuffix(8)
	if err != nil {
		return "", err
	}
	return truncateWithSuffix(sanitized, suffix), nil
}

// truncateWithSuffix appends "-suffix" to base, trimming base so the total
// stays within the 40-character limit.
func truncateWithSuffix(base, suffix string) string {
	max := 40 - len(suffix) - 1
	if len(base) > max {
		base = base[:max]
		base = strings.TrimRight(base, "-")
	}
	return base + "-" + suffix
}
