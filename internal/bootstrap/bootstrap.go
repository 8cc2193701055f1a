package bootstrap

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed assets
var assets embed.FS

// seedFiles maps embedded assets to their place in the data directory.
// Each is created only when missing, so user edits survive restarts.
var seedFiles = map[string]string{
	"assets/config.yaml": "config.yaml",
	"assets/rules.yaml":  "rules.yaml",
	"assets/SOUL.md":     "SOUL.md",
	"assets/USER.md":     "USER.md",
	"assets/CORE.md":     "memory/CORE.md",
}

// EnsureDataDir seeds a data directory with default configuration,
// identity documents, core memory, and starter skills. Returns the
// relative paths it created.
func EnsureDataDir(dataDir string) ([]string, error) {
	var created []string

	for _, dir := range []string{"", "memory", "sessions"} {
		if err := os.MkdirAll(filepath.Join(dataDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	for source, target := range seedFiles {
		path := filepath.Join(dataDir, target)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		data, err := assets.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("read embedded %s: %w", source, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("seed %s: %w", target, err)
		}
		created = append(created, target)
	}

	// Starter skills are seeded as a set: once the user has a skills
	// directory, it is entirely theirs.
	skillsDir := filepath.Join(dataDir, "skills")
	if _, err := os.Stat(skillsDir); os.IsNotExist(err) {
		seeded, err := seedSkills(dataDir)
		if err != nil {
			return nil, err
		}
		created = append(created, seeded...)
	}

	return created, nil
}

func seedSkills(dataDir string) ([]string, error) {
	var created []string
	err := fs.WalkDir(assets, "assets/skills", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relative, err := filepath.Rel("assets", path)
		if err != nil {
			return err
		}
		target := filepath.Join(dataDir, relative)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := assets.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return err
		}
		created = append(created, relative)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seed skills: %w", err)
	}
	return created, nil
}
