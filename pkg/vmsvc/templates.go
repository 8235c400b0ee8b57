package vmsvc

import (
	"fmt"
	"os"

	"github.com/fleetlab/fleetd/pkg/types"
	"gopkg.in/yaml.v3"
)

// templateFile is the on-disk YAML shape for a template catalog: a list of
// templates an operator wants StaticTemplateLookup to serve, rather than
// building []*types.Template literals by hand.
type templateFile struct {
	Templates []templateEntry `yaml:"templates"`
}

type templateEntry struct {
	ID            string                     `yaml:"id"`
	Name          string                     `yaml:"name"`
	BaseImageID   string                     `yaml:"baseImageId"`
	GPUMode       string                     `yaml:"gpuMode"`
	UserDataExtra string                     `yaml:"userDataExtra"`
	Services      []templateServiceSpecEntry `yaml:"services"`
}

type templateServiceSpecEntry struct {
	Name           string   `yaml:"name"`
	Port           int      `yaml:"port"`
	Protocol       string   `yaml:"protocol"`
	Primary        bool     `yaml:"primary"`
	CheckType      string   `yaml:"checkType"`
	HTTPPath       string   `yaml:"httpPath"`
	ExecCommand    []string `yaml:"execCommand"`
	TimeoutSeconds int      `yaml:"timeoutSeconds"`
}

// LoadTemplatesFromYAML reads a template catalog file (see templateFile) and
// returns the templates it declares, for use with NewStaticTemplateLookup.
func LoadTemplatesFromYAML(path string) ([]*types.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vmsvc: read template catalog %s: %w", path, err)
	}

	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("vmsvc: parse template catalog %s: %w", path, err)
	}

	templates := make([]*types.Template, 0, len(file.Templates))
	for _, e := range file.Templates {
		if e.ID == "" {
			return nil, fmt.Errorf("vmsvc: template catalog %s: entry missing id", path)
		}
		svcs := make([]types.TemplateServiceSpec, 0, len(e.Services))
		for _, s := range e.Services {
			svcs = append(svcs, types.TemplateServiceSpec{
				Name:           s.Name,
				Port:           s.Port,
				Protocol:       types.PortProtocol(s.Protocol),
				Primary:        s.Primary,
				CheckType:      types.CheckType(s.CheckType),
				HTTPPath:       s.HTTPPath,
				ExecCommand:    s.ExecCommand,
				TimeoutSeconds: s.TimeoutSeconds,
			})
		}
		templates = append(templates, &types.Template{
			ID:            e.ID,
			Name:          e.Name,
			BaseImageID:   e.BaseImageID,
			GPUMode:       types.GPUMode(e.GPUMode),
			Services:      svcs,
			UserDataExtra: e.UserDataExtra,
		})
	}
	return templates, nil
}
