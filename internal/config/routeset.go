package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RouteList is the on-disk YAML shape for --route-ipset: a flat list of
// CIDRs to seed the routing sink with at startup, independent of the
// decisions the bypass profiler makes at runtime.
type RouteList struct {
	CIDRs []string `yaml:"cidrs"`
}

// LoadRouteList reads a --route-ipset YAML file. An empty path returns an
// empty list rather than an error, since the flag is optional.
func LoadRouteList(path string) (*RouteList, error) {
	if path == "" {
		return &RouteList{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route list: %w", err)
	}
	var rl RouteList
	if err := yaml.Unmarshal(b, &rl); err != nil {
		return nil, fmt.Errorf("parse route list: %w", err)
	}
	return &rl, nil
}
