package runner

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition declares an extra headless adapter in runners.yaml. The command
// runs once per turn; "{prompt}" in args is replaced with the turn's prompt.
type Definition struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

type definitionsFile struct {
	Runners []Definition `yaml:"runners"`
}

// LoadDefinitions reads a runners.yaml file. An empty path or a missing file
// yields an empty set; a malformed file is an error.
func LoadDefinitions(path string) (map[string]Definition, error) {
	defs := make(map[string]Definition)
	if path == "" {
		return defs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defs, nil
		}
		return nil, fmt.Errorf("failed to read runner definitions: %w", err)
	}
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse runner definitions: %w", err)
	}
	for _, def := range file.Runners {
		if def.Name == "" || def.Command == "" {
			return nil, fmt.Errorf("runner definition needs both name and command: %+v", def)
		}
		if _, builtin := aliases[def.Name]; builtin {
			return nil, fmt.Errorf("runner definition %q shadows a built-in adapter", def.Name)
		}
		if _, dup := defs[def.Name]; dup {
			return nil, fmt.Errorf("duplicate runner definition: %s", def.Name)
		}
		defs[def.Name] = def
	}
	return defs, nil
}

// ExpandArgs substitutes the prompt placeholder into a definition's args.
// When no placeholder is present the prompt is appended as the last arg.
func (d Definition) ExpandArgs(prompt string) []string {
	args := make([]string, 0, len(d.Args)+1)
	replaced := false
	for _, a := range d.Args {
		if strings.Contains(a, "{prompt}") {
			a = strings.ReplaceAll(a, "{prompt}", prompt)
			replaced = true
		}
		args = append(args, a)
	}
	if !replaced {
		args = append(args, prompt)
	}
	return args
}
