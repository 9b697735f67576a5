// Package config provides configuration loading utilities.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RepoSettings carries per-repository overrides.
type RepoSettings struct {
	Owner      string `yaml:"owner"`
	Repo       string `yaml:"repo"`
	BaseBranch string `yaml:"base_branch"`
}

// Settings holds the optional YAML settings file content. Everything here
// has a sensible default so running without a file works.
type Settings struct {
	// PRLabel is attached to every pull request the worker opens.
	PRLabel string `yaml:"pr_label"`
	// BotUsername overrides GITHUB_BOT_USERNAME for comment filtering.
	BotUsername  string         `yaml:"bot_username"`
	Repositories []RepoSettings `yaml:"repositories"`
}

// DefaultSettings returns the settings used when no file is configured.
func DefaultSettings() Settings {
	return Settings{PRLabel: "gitfix"}
}

// LoadSettings reads the YAML settings file at path. An empty path yields
// defaults; a missing file is an error so typos surface at boot.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("op=config.LoadSettings: %w", err)
	}
	if err := yaml.Unmarshal(content, &s); err != nil {
		return Settings{}, fmt.Errorf("op=config.LoadSettings: parse %s: %w", path, err)
	}
	if strings.TrimSpace(s.PRLabel) == "" {
		s.PRLabel = DefaultSettings().PRLabel
	}
	return s, nil
}

// BaseBranchFor returns the configured base branch for owner/repo, or "".
func (s Settings) BaseBranchFor(owner, repo string) string {
	for _, r := range s.Repositories {
		if strings.EqualFold(r.Owner, owner) && strings.EqualFold(r.Repo, repo) {
			return r.BaseBranch
		}
	}
	return ""
}
