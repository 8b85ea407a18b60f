package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Profile is the saved client-side state: named clusters and defaults.
type Profile struct {
	Version  string          `json:"version"`
	Clusters []ClusterInfo   `json:"clusters"`
	Defaults ProfileDefaults `json:"defaults"`
}

type ProfileDefaults struct {
	PreferredCluster string `json:"preferred_cluster,omitempty"`
	Timeout          string `json:"timeout,omitempty"`
	OutputFormat     string `json:"output_format,omitempty"`
}

// ClusterInfo names a set of server command endpoints.
type ClusterInfo struct {
	Name        string    `json:"name"`
	Servers     []string  `json:"servers"`
	Description string    `json:"description,omitempty"`
	Added       time.Time `json:"added"`
}

// GetConfigDir returns the sdfs client configuration directory.
func GetConfigDir() string {
	if dir := os.Getenv("SDFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "sdfs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sdfs"
	}
	return filepath.Join(home, ".sdfs")
}

func GetProfilePath() string {
	return filepath.Join(GetConfigDir(), "profile.json")
}

// LoadProfile reads the profile, returning an empty one when none is saved.
func LoadProfile() (*Profile, error) {
	path := GetProfilePath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Profile{
			Version: "1",
			Defaults: ProfileDefaults{
				Timeout:      DefaultTransferTimeout.String(),
				OutputFormat: "styled",
			},
		}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if p.Version == "" {
		p.Version = "1"
	}
	return &p, nil
}

// Save writes the profile with owner-only permissions.
func (p *Profile) Save() error {
	if err := os.MkdirAll(GetConfigDir(), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := os.WriteFile(GetProfilePath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

func (p *Profile) GetCluster(name string) (*ClusterInfo, error) {
	for i := range p.Clusters {
		if p.Clusters[i].Name == name {
			return &p.Clusters[i], nil
		}
	}
	return nil, fmt.Errorf("cluster %q not found in profile", name)
}

// AddCluster inserts or replaces a cluster entry. The first cluster added
// becomes the preferred one.
func (p *Profile) AddCluster(c ClusterInfo) error {
	if c.Name == "" {
		return fmt.Errorf("cluster name is required")
	}
	if len(c.Servers) == 0 {
		return fmt.Errorf("cluster %q has no servers", c.Name)
	}
	for i, s := range c.Servers {
		c.Servers[i] = normalizeAddress(s)
	}
	if c.Added.IsZero() {
		c.Added = time.Now()
	}
	for i := range p.Clusters {
		if p.Clusters[i].Name == c.Name {
			p.Clusters[i] = c
			return nil
		}
	}
	p.Clusters = append(p.Clusters, c)
	if p.Defaults.PreferredCluster == "" {
		p.Defaults.PreferredCluster = c.Name
	}
	return nil
}

func (p *Profile) RemoveCluster(name string) error {
	for i := range p.Clusters {
		if p.Clusters[i].Name == name {
			p.Clusters = append(p.Clusters[:i], p.Clusters[i+1:]...)
			if p.Defaults.PreferredCluster == name {
				p.Defaults.PreferredCluster = ""
			}
			return nil
		}
	}
	return fmt.Errorf("cluster %q not found in profile", name)
}

// ResolveServers picks the server list for a command. Explicit servers win,
// then the named cluster, then the preferred cluster.
func (p *Profile) ResolveServers(explicit []string, cluster string) ([]string, error) {
	if len(explicit) > 0 {
		out := make([]string, 0, len(explicit))
		for _, s := range explicit {
			out = append(out, normalizeAddress(s))
		}
		return out, nil
	}
	if cluster == "" {
		cluster = p.Defaults.PreferredCluster
	}
	if cluster == "" {
		return nil, fmt.Errorf("no servers given and no preferred cluster in %s", GetProfilePath())
	}
	c, err := p.GetCluster(cluster)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.Servers...), nil
}

// normalizeAddress trims whitespace and fills in localhost for ":port".
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
