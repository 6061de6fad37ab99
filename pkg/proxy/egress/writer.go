package egress

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProxiesFileName is the file the worker image reads its proxy config from.
const ProxiesFileName = "proxies.yaml"

type workerProxy struct {
	Type         string `yaml:"proxy_type"`
	Server       string `yaml:"server"`
	BaseUsername string `yaml:"base_username,omitempty"`
	Password     string `yaml:"password,omitempty"`
	URL          string `yaml:"url,omitempty"`
}

type workerProxies struct {
	Proxies map[string]workerProxy `yaml:"proxies"`
}

// WriteProxiesFile writes the validated proxy into the container mount so the
// worker picks it up as proxy-0.
func WriteProxiesFile(mountDir string, resolved *Resolved) error {
	doc := workerProxies{
		Proxies: map[string]workerProxy{
			DefaultProxyName: {
				Type:         resolved.Type,
				Server:       resolved.Server,
				BaseUsername: resolved.Username,
				Password:     resolved.Password,
				URL:          resolved.URL,
			},
		},
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to serialize proxies file: %v", err)
	}
	path := filepath.Join(mountDir, ProxiesFileName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write proxies file: %v", err)
	}
	return nil
}

// RemoveProxiesFile deletes a stale proxies file; a missing file is fine.
func RemoveProxiesFile(mountDir string) error {
	err := os.Remove(filepath.Join(mountDir, ProxiesFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove proxies file: %v", err)
	}
	return nil
}
