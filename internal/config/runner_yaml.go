package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RunnerFile holds runner settings persisted in ~/.pizzapi/runner.yaml.
// Environment variables override file values.
type RunnerFile struct {
	Name     string   `yaml:"name,omitempty"`     // display name shown in the web UI
	Roots    []string `yaml:"roots,omitempty"`    // allowed working directory prefixes
	Skills   []string `yaml:"skills,omitempty"`   // advertised skills
	Shell    string   `yaml:"shell,omitempty"`    // default terminal shell
	Worker   string   `yaml:"worker,omitempty"`   // worker command (default "pizzapi-worker")
	Terminal *bool    `yaml:"terminal,omitempty"` // PTY capability, default true
}

// LoadRunnerFile reads runner.yaml next to the state path. A missing file is
// not an error.
func LoadRunnerFile(statePath string) (*RunnerFile, error) {
	path := filepath.Join(filepath.Dir(statePath), "runner.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RunnerFile{}, nil
		}
		return nil, err
	}
	var rf RunnerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, err
	}
	for i, r := range rf.Roots {
		rf.Roots[i] = expandHome(r)
	}
	return &rf, nil
}

// WorkerCommand returns the configured worker binary, defaulting to
// "pizzapi-worker" on PATH.
func (rf *RunnerFile) WorkerCommand() string {
	if rf.Worker != "" {
		return rf.Worker
	}
	return "pizzapi-worker"
}

// TerminalEnabled defaults to true when the key is absent.
func (rf *RunnerFile) TerminalEnabled() bool {
	return rf.Terminal == nil || *rf.Terminal
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return filepath.Clean(p)
}
