// Package inventory loads named host groups and static address overrides
// from a YAML file.
package inventory

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Inventory is the parsed file. The zero value is an empty inventory.
type Inventory struct {
	Groups map[string][]string `yaml:"groups"`
	Hosts  map[string][]string `yaml:"hosts"`
}

// Load reads the inventory at path. An empty path yields an empty inventory.
func Load(path string) (*Inventory, error) {
	if strings.TrimSpace(path) == "" {
		return &Inventory{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory %s: %w", path, err)
	}
	inv, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", path, err)
	}
	return inv, nil
}

// Parse decodes and validates an inventory document.
func Parse(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, err
	}
	for name, members := range inv.Groups {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("group name is required")
		}
		for _, m := range members {
			if strings.HasPrefix(m, "@") {
				return nil, fmt.Errorf("group %q: nested group %q is not supported", name, m)
			}
		}
	}
	for host, addrs := range inv.Hosts {
		for _, a := range addrs {
			if net.ParseIP(a) == nil {
				return nil, fmt.Errorf("host %q: %q is not an IP address", host, a)
			}
		}
	}
	return &inv, nil
}

// GroupNames returns the defined group names, sorted.
func (inv *Inventory) GroupNames() []string {
	names := make([]string, 0, len(inv.Groups))
	for name := range inv.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Expand replaces every "@group" entry with the group's members. Order is
// preserved and repeated entries are dropped.
func (inv *Inventory) Expand(keys []string) ([]string, error) {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	add := func(k string) {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		out = append(out, k)
	}

	for _, k := range keys {
		name, ok := strings.CutPrefix(strings.TrimSpace(k), "@")
		if !ok {
			add(k)
			continue
		}
		members, ok := inv.Groups[name]
		if !ok {
			return nil, fmt.Errorf("unknown host group %q", name)
		}
		for _, m := range members {
			add(m)
		}
	}
	return out, nil
}

// Overrides returns the static name to address table, or nil if empty.
func (inv *Inventory) Overrides() map[string][]string {
	if len(inv.Hosts) == 0 {
		return nil
	}
	out := make(map[string][]string, len(inv.Hosts))
	for host, addrs := range inv.Hosts {
		out[host] = append([]string(nil), addrs...)
	}
	return out
}
