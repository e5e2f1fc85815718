package app

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type workflowFile struct {
	Workflows []WorkflowInput `yaml:"workflows"`
}

// LoadWorkflowFile reads workflow definitions from a YAML file.
func LoadWorkflowFile(path string) ([]WorkflowInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening workflow file: %w", err)
	}
	defer f.Close()
	return DecodeWorkflowFile(f)
}

// DecodeWorkflowFile parses YAML holding either a top-level list of workflow
// definitions or a mapping with a "workflows" list. Definitions are only
// decoded here; Build validates them.
func DecodeWorkflowFile(r io.Reader) ([]WorkflowInput, error) {
	var root yaml.Node
	if err := yaml.NewDecoder(r).Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("workflow file is empty")
		}
		return nil, fmt.Errorf("parsing workflow file: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, errors.New("workflow file is empty")
	}

	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		var inputs []WorkflowInput
		if err := doc.Decode(&inputs); err != nil {
			return nil, fmt.Errorf("decoding workflows: %w", err)
		}
		return inputs, nil
	case yaml.MappingNode:
		var file workflowFile
		if err := doc.Decode(&file); err != nil {
			return nil, fmt.Errorf("decoding workflows: %w", err)
		}
		if len(file.Workflows) == 0 {
			return nil, errors.New(`workflow file has no "workflows" entries`)
		}
		return file.Workflows, nil
	}
	return nil, fmt.Errorf("workflow file must hold a list or a mapping, line %d", doc.Line)
}
