package projects

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kadirbelkuyu/sitevault/internal/config"
)

const defaultDir = "projects"

var fileNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9-_.]`)

// Entry is a project file found in the store.
type Entry struct {
	Project  config.ProjectConfig
	Path     string
	Modified time.Time
}

// Store keeps one YAML file per polled project under a directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	if strings.TrimSpace(dir) == "" {
		dir = defaultDir
	}
	return &Store{dir: dir}
}

func (s *Store) Directory() string {
	return s.dir
}

// List returns every valid project file sorted by project name. Files that
// do not parse or validate are returned in skipped.
func (s *Store) List() (entries []Entry, skipped []string, err error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read project directory: %w", err)
	}

	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || !isYAML(dirEntry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, dirEntry.Name())

		project, err := readProject(path)
		if err != nil {
			skipped = append(skipped, path)
			continue
		}

		info, err := dirEntry.Info()
		entries = append(entries, Entry{
			Project:  project,
			Path:     path,
			Modified: modifiedTime(info, err),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Project.Name < entries[j].Project.Name })
	return entries, skipped, nil
}

// Projects returns just the project definitions of List.
func (s *Store) Projects() ([]config.ProjectConfig, error) {
	entries, _, err := s.List()
	if err != nil {
		return nil, err
	}
	projects := make([]config.ProjectConfig, len(entries))
	for i, entry := range entries {
		projects[i] = entry.Project
	}
	return projects, nil
}

// Save validates project and writes it to <dir>/<name>.yaml, replacing an
// existing file for the same name.
func (s *Store) Save(project config.ProjectConfig) (Entry, error) {
	if err := config.ValidateProject(project); err != nil {
		return Entry{}, err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Entry{}, fmt.Errorf("failed to create project directory: %w", err)
	}

	path := s.pathFor(project.Name)
	data, err := yaml.Marshal(project)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode project: %w", err)
	}

	// The file carries an API key.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Entry{}, fmt.Errorf("failed to write project file: %w", err)
	}

	return Entry{Project: project, Path: path, Modified: time.Now()}, nil
}

func (s *Store) Load(name string) (config.ProjectConfig, error) {
	if strings.TrimSpace(name) == "" {
		return config.ProjectConfig{}, fmt.Errorf("project name cannot be empty")
	}
	return readProject(s.pathFor(name))
}

func (s *Store) Delete(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("project name cannot be empty")
	}

	path := s.pathFor(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("project not found: %s", name)
	}

	return os.Remove(path)
}

func (s *Store) pathFor(name string) string {
	return filepath.Join(s.dir, sanitizeName(name)+".yaml")
}

func readProject(path string) (config.ProjectConfig, error) {
	var project config.ProjectConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return project, fmt.Errorf("failed to read project file: %w", err)
	}
	if err := yaml.Unmarshal(data, &project); err != nil {
		return project, fmt.Errorf("failed to parse project file %s: %w", path, err)
	}
	if err := config.ValidateProject(project); err != nil {
		return project, fmt.Errorf("invalid project file %s: %w", path, err)
	}
	return project, nil
}

func isYAML(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

func modifiedTime(info os.FileInfo, err error) time.Time {
	if err != nil || info == nil {
		return time.Time{}
	}
	return info.ModTime()
}

func sanitizeName(input string) string {
	cleaned := fileNameSanitizer.ReplaceAllString(input, "_")
	cleaned = strings.Trim(cleaned, "_.")
	if cleaned == "" {
		return "project"
	}
	return cleaned
}
