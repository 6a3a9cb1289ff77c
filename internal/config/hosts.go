package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
	auditerrors "github.com/rcourtman/hostaudit/internal/errors"
	"github.com/rcourtman/hostaudit/internal/models"
	"gopkg.in/yaml.v3"
)

// HostRegistry is the set of hosts known to the process.
type HostRegistry struct {
	hosts []models.Host
	index map[string]int
}

type hostsFile struct {
	Hosts []models.Host `yaml:"hosts"`
}

// LoadHosts reads a YAML host registry.
func LoadHosts(path string) (*HostRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, auditerrors.NewConfigurationError("load hosts", "no hosts file configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, auditerrors.NewConfigurationError("load hosts", fmt.Sprintf("read %s: %v", path, err))
	}
	return ParseHosts(data)
}

// ParseHosts decodes a registry document.
func ParseHosts(data []byte) (*HostRegistry, error) {
	var doc hostsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, auditerrors.NewConfigurationError("parse hosts", err.Error())
	}
	return NewHostRegistry(doc.Hosts)
}

// NewHostRegistry validates hosts and indexes them by label and id.
func NewHostRegistry(hosts []models.Host) (*HostRegistry, error) {
	r := &HostRegistry{index: make(map[string]int)}
	for i, h := range hosts {
		if strings.TrimSpace(h.Address) == "" {
			return nil, auditerrors.NewConfigurationError("parse hosts", fmt.Sprintf("host %d (%s) has no address", i+1, h.Label()))
		}
		if h.Port < 0 || h.Port > 65535 {
			return nil, auditerrors.NewConfigurationError("parse hosts", fmt.Sprintf("host %s has invalid port %d", h.Label(), h.Port))
		}
		label := h.Label()
		if _, dup := r.index[label]; dup {
			return nil, auditerrors.NewConfigurationError("parse hosts", fmt.Sprintf("duplicate host %s", label))
		}
		r.index[label] = len(r.hosts)
		if h.ID != "" && h.ID != label {
			r.index[h.ID] = len(r.hosts)
		}
		r.hosts = append(r.hosts, h)
	}
	return r, nil
}

// Lookup finds a host by label or id.
func (r *HostRegistry) Lookup(name string) (models.Host, error) {
	if i, ok := r.index[strings.TrimSpace(name)]; ok {
		return r.hosts[i], nil
	}
	return models.Host{}, auditerrors.NewConfigurationError("lookup host", fmt.Sprintf("host %q is not registered", name))
}

// All returns every host sorted by label.
func (r *HostRegistry) All() []models.Host {
	out := append([]models.Host(nil), r.hosts...)
	sort.Slice(out, func(i, j int) bool { return out[i].Label() < out[j].Label() })
	return out
}

// Select returns the hosts whose label matches any of the wildcard
// patterns. No patterns selects everything.
func (r *HostRegistry) Select(patterns ...string) []models.Host {
	var active []string
	for _, p := range patterns {
		for _, part := range strings.Split(p, ",") {
			if part = strings.TrimSpace(part); part != "" {
				active = append(active, part)
			}
		}
	}
	if len(active) == 0 {
		return r.All()
	}

	var out []models.Host
	for _, h := range r.All() {
		for _, p := range active {
			if wildcard.Match(p, h.Label()) || (h.ID != "" && wildcard.Match(p, h.ID)) {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

// Len returns the number of hosts.
func (r *HostRegistry) Len() int { return len(r.hosts) }
