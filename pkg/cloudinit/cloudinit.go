// Package cloudinit renders the cloud-init user-data a node agent hands to
// a newly created VM. The guest-side cloud-init interpreter itself is out
// of scope (spec.md §1 Non-goals); this package only renders the template.
package cloudinit

import (
	"bytes"
	"fmt"
	"text/template"
)

// Vars are the substitution values available to a cloud-init template.
type Vars struct {
	Hostname     string
	SSHPublicKey string
	Password     string // empty when the VM has no memorable password (system VMs)
	Labels       map[string]string
	UserData     string // template-derived free-form data, passed through verbatim
}

const defaultTemplate = `#cloud-config
hostname: {{.Hostname}}
ssh_authorized_keys:
  - {{.SSHPublicKey}}
{{- if .Password}}
chpasswd:
  list: |
    root:{{.Password}}
  expire: false
{{- end}}
{{- if .UserData}}
{{.UserData}}
{{- end}}
`

// Render expands tmpl (or the package default when tmpl is empty) against
// vars. A malformed template is a Validation-class error to the caller —
// cloud-init rendering happens synchronously during VM creation.
func Render(tmpl string, vars Vars) (string, error) {
	if tmpl == "" {
		tmpl = defaultTemplate
	}

	t, err := template.New("cloud-init").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("cloudinit: parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("cloudinit: render template: %w", err)
	}

	return buf.String(), nil
}
