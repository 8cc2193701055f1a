package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillInfo is the catalog entry for one skill directory.
type SkillInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"path"`
}

// Registry scans <data-dir>/skills/ for directories containing a SKILL.md.
type Registry struct {
	root string
}

func NewRegistry(dataDir string) *Registry {
	return &Registry{root: filepath.Join(dataDir, "skills")}
}

// Root is the skills directory on the host filesystem.
func (r *Registry) Root() string {
	return r.root
}

// Scan lists all skills, sorted by name. A missing skills directory
// yields an empty catalog.
func (r *Registry) Scan() ([]SkillInfo, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan skills: %w", err)
	}

	var skills []SkillInfo
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		manifest := filepath.Join(r.root, entry.Name(), "SKILL.md")
		data, err := os.ReadFile(manifest)
		if err != nil {
			continue
		}
		info := parseManifest(string(data))
		if info.Name == "" {
			info.Name = entry.Name()
		}
		info.Path = filepath.Join(r.root, entry.Name())
		skills = append(skills, info)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

// FullInstructions returns the complete SKILL.md for a named skill.
func (r *Registry) FullInstructions(name string) (string, error) {
	skills, err := r.Scan()
	if err != nil {
		return "", err
	}
	for _, skill := range skills {
		if skill.Name == name {
			data, err := os.ReadFile(filepath.Join(skill.Path, "SKILL.md"))
			if err != nil {
				return "", fmt.Errorf("read skill %s: %w", name, err)
			}
			return string(data), nil
		}
	}
	return "", fmt.Errorf("skill not found: %s", name)
}

type manifestFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// parseManifest extracts the YAML frontmatter between leading "---" fences.
// Content without a fence, or with malformed YAML, yields an empty info.
func parseManifest(content string) SkillInfo {
	trimmed := strings.TrimLeft(content, "\n\r ")
	if !strings.HasPrefix(trimmed, "---") {
		return SkillInfo{}
	}
	rest := trimmed[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return SkillInfo{}
	}
	var front manifestFrontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &front); err != nil {
		return SkillInfo{}
	}
	return SkillInfo{Name: front.Name, Description: front.Description}
}
