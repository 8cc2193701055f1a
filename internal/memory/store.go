package memory

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store is a plain-markdown memory store rooted at <data-dir>/memory/.
// Paths are confined to the memory root; escapes are reported as result
// strings rather than errors so the agent can recover.
type Store struct {
	root string
}

// NewStore creates the memory directory if needed.
func NewStore(dataDir string) (*Store, error) {
	root := filepath.Join(dataDir, "memory")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) resolve(relative string) (string, bool) {
	path := filepath.Join(s.root, relative)
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return "", false
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}

// Read returns a memory file's content, or ok=false when missing or escaping.
func (s *Store) Read(relative string) (string, bool) {
	path, ok := s.resolve(relative)
	if !ok {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Write stores content under memory/, creating parents. Returns a
// human-readable result string.
func (s *Store) Write(relative, content string) string {
	path, ok := s.resolve(relative)
	if !ok {
		return "Error: path escapes memory directory"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return "Written to memory/" + filepath.ToSlash(relative)
}

// SearchResult is one file that matched a query.
type SearchResult struct {
	File    string `json:"file"`
	Matches string `json:"matches"`
}

// Search does a case-insensitive substring scan over *.md files.
func (s *Store) Search(query string) []SearchResult {
	var results []SearchResult
	queryLower := strings.ToLower(query)

	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".md") || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		text := string(data)
		if !strings.Contains(strings.ToLower(text), queryLower) {
			return nil
		}

		var matches []string
		for _, line := range strings.Split(text, "\n") {
			if strings.Contains(strings.ToLower(line), queryLower) {
				matches = append(matches, strings.TrimSpace(line))
				if len(matches) == 3 {
					break
				}
			}
		}
		relative, _ := filepath.Rel(s.root, path)
		results = append(results, SearchResult{
			File:    filepath.ToSlash(relative),
			Matches: strings.Join(matches, "; "),
		})
		return nil
	})
	return results
}

// List returns every *.md file relative to the memory root, sorted.
func (s *Store) List() []string {
	var files []string
	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".md") || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		relative, _ := filepath.Rel(s.root, path)
		files = append(files, filepath.ToSlash(relative))
		return nil
	})
	sort.Strings(files)
	return files
}
