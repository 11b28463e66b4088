package statestore

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseLayout reads "deposit=3,withdraw=2". Service names are lower-cased.
func ParseLayout(s string) (Layout, error) {
	layout := Layout{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, count, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not service=desks", ErrInvalidLayout, part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: bad desk count in %q", ErrInvalidLayout, part)
		}
		layout[strings.ToLower(strings.TrimSpace(name))] = n
	}
	return layout, nil
}

type layoutFile struct {
	Services map[string]int `yaml:"services"`
}

// ReadLayoutFile reads a YAML layout:
//
//	services:
//	  deposit: 3
//	  withdraw: 2
func ReadLayoutFile(path string) (Layout, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout file: %w", err)
	}
	var lf layoutFile
	if err := yaml.Unmarshal(b, &lf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}
	layout := Layout{}
	for name, n := range lf.Services {
		if n <= 0 {
			return nil, fmt.Errorf("%w: service %q with %d desks", ErrInvalidLayout, name, n)
		}
		layout[strings.ToLower(strings.TrimSpace(name))] = n
	}
	return layout, nil
}
