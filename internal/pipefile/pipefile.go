// Package pipefile parses the human-authored pipeline definition file.
// The YAML document is a convenience for declaring pipelines by hand;
// it is never the on-disk state format — once parsed, everything is
// carried as common.Pipeline and persisted through the state store.
package pipefile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pipemgr/internal/common"
)

type jobSpec struct {
	Name       string                 `yaml:"name"`
	Command    string                 `yaml:"command"`
	FilesIn    []string               `yaml:"files_in"`
	FilesOut   []string               `yaml:"files_out"`
	FilesClean []string               `yaml:"files_clean"`
	Opt        map[string]interface{} `yaml:"opt"`
}

type document struct {
	Jobs []jobSpec `yaml:"jobs"`
}

// Parse decodes a pipeline definition from YAML bytes. Job names must
// be present and unique; a job without a command is rejected here
// rather than at planning time, since a descriptor with no payload can
// never be run.
func Parse(data []byte) (common.Pipeline, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return common.Pipeline{}, fmt.Errorf("parsing pipeline file: %w", err)
	}

	seen := map[string]bool{}
	pl := common.Pipeline{Jobs: make([]common.Job, 0, len(doc.Jobs))}
	for i, js := range doc.Jobs {
		if js.Name == "" {
			return common.Pipeline{}, fmt.Errorf("job #%d has no name", i+1)
		}
		if seen[js.Name] {
			return common.Pipeline{}, fmt.Errorf("duplicate job name %q", js.Name)
		}
		seen[js.Name] = true
		if js.Command == "" {
			return common.Pipeline{}, fmt.Errorf("job %q has no command", js.Name)
		}
		pl.Jobs = append(pl.Jobs, common.Job{
			Name: js.Name,
			Descriptor: common.Descriptor{
				Command:    js.Command,
				FilesIn:    js.FilesIn,
				FilesOut:   js.FilesOut,
				FilesClean: js.FilesClean,
				Opt:        js.Opt,
			},
		})
	}
	return pl, nil
}

// Load reads and parses a pipeline definition file.
func Load(path string) (common.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return common.Pipeline{}, fmt.Errorf("reading pipeline file: %w", err)
	}
	return Parse(data)
}
