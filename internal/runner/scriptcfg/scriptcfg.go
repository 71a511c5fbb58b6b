// Package scriptcfg loads the per-repo .vkrun.yaml script configuration.
// Scripts are the only shell the runner ever executes for script-kind
// operations; callers select them by name, never by payload.
package scriptcfg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the repo-local configuration file.
const FileName = ".vkrun.yaml"

// ErrNoConfig means the repo carries no .vkrun.yaml.
var ErrNoConfig = errors.New("no script configuration")

// SetupScript is one named setup step. Parallel steps start independently
// alongside the coding action; sequential ones chain.
type SetupScript struct {
	Name     string `yaml:"name"`
	Command  string `yaml:"command"`
	Parallel bool   `yaml:"parallel"`
}

// Config is the parsed .vkrun.yaml.
type Config struct {
	SetupScripts  []SetupScript `yaml:"setupScripts"`
	CleanupScript string        `yaml:"cleanupScript"`
	ArchiveScript string        `yaml:"archiveScript"`
	DevScript     string        `yaml:"devScript"`
}

// Load reads the config from a repo worktree. A missing file is ErrNoConfig.
func Load(repoPath string) (*Config, error) {
	raw, err := os.ReadFile(filepath.Join(repoPath, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	for i, s := range cfg.SetupScripts {
		if s.Command == "" {
			return nil, fmt.Errorf("%s: setupScripts[%d] has no command", FileName, i)
		}
	}
	return &cfg, nil
}

// ScriptFor resolves the command for a script kind name (setup scripts are
// addressed individually by Name). Empty string means the repo defines none.
func (c *Config) ScriptFor(kind string) string {
	switch kind {
	case "cleanup":
		return c.CleanupScript
	case "archive":
		return c.ArchiveScript
	case "dev":
		return c.DevScript
	}
	return ""
}
