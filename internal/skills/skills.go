// Package skills loads SKILL.md definitions from workspace directories.
//
// A skill is a directory containing a SKILL.md file: YAML frontmatter
// (name, description, always_load) between "---" lines, followed by a
// markdown body of instructions. Skills marked always_load are injected
// into the system prompt in full; the rest are listed by name and
// description so the model can open them with read_file on demand.
package skills

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the file a skill directory must contain.
	SkillFilename = "SKILL.md"

	frontmatterDelim = "---"
)

// Skill is one parsed SKILL.md definition.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	AlwaysLoad  bool   `yaml:"always_load"`

	// Path is the skill directory; Body is the markdown after the frontmatter.
	Path string `yaml:"-"`
	Body string `yaml:"-"`
}

// File returns the full path to the skill's SKILL.md.
func (s *Skill) File() string {
	return filepath.Join(s.Path, SkillFilename)
}

// Loader scans skill directories and keeps the parsed set in memory.
// Load replaces the set atomically, so readers see either the old or the
// new snapshot, never a partial one.
type Loader struct {
	dirs []string
	log  *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewLoader creates a loader over the given directories. Empty entries are
// ignored. On a name collision the earlier directory wins, so workspace
// skills shadow global ones when the workspace dir is listed first.
func NewLoader(dirs ...string) *Loader {
	l := &Loader{
		log:    slog.Default().With("component", "skills"),
		skills: map[string]*Skill{},
	}
	for _, d := range dirs {
		if strings.TrimSpace(d) != "" {
			l.dirs = append(l.dirs, d)
		}
	}
	return l
}

// Dirs returns the directories this loader scans.
func (l *Loader) Dirs() []string {
	out := make([]string, len(l.dirs))
	copy(out, l.dirs)
	return out
}

// Load scans all directories and replaces the in-memory skill set.
// A directory that does not exist is skipped; a SKILL.md that fails to
// parse is logged and skipped so one bad skill cannot take out the rest.
func (l *Loader) Load() error {
	next := map[string]*Skill{}
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("read skills dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name(), SkillFilename)
			sk, err := ParseFile(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				l.log.Warn("skill skipped", "path", path, "error", err)
				continue
			}
			if _, exists := next[sk.Name]; exists {
				continue
			}
			next[sk.Name] = sk
		}
	}

	l.mu.Lock()
	l.skills = next
	l.mu.Unlock()
	l.log.Debug("skills loaded", "count", len(next))
	return nil
}

// ListSkills returns all loaded skills sorted by name.
func (l *Loader) ListSkills() []*Skill {
	l.mu.RLock()
	out := make([]*Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a skill by name.
func (l *Loader) Get(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// FilterSkills applies a per-agent allow-list: nil means all skills, an
// empty non-nil list means none, otherwise only the named skills.
func (l *Loader) FilterSkills(allow []string) []*Skill {
	all := l.ListSkills()
	if allow == nil {
		return all
	}
	if len(allow) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allow))
	for _, name := range allow {
		set[name] = true
	}
	out := make([]*Skill, 0, len(allow))
	for _, s := range all {
		if set[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// AlwaysLoaded returns the always_load subset of FilterSkills(allow).
func (l *Loader) AlwaysLoaded(allow []string) []*Skill {
	var out []*Skill
	for _, s := range l.FilterSkills(allow) {
		if s.AlwaysLoad {
			out = append(out, s)
		}
	}
	return out
}

// BuildSummary renders the <available_skills> block for the system prompt.
// Each entry carries the SKILL.md location so the model can read the full
// instructions with read_file.
func (l *Loader) BuildSummary(allow []string) string {
	filtered := l.FilterSkills(allow)
	if len(filtered) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, s := range filtered {
		b.WriteString("<skill>\n")
		fmt.Fprintf(&b, "<name>%s</name>\n", s.Name)
		if s.Description != "" {
			fmt.Fprintf(&b, "<description>%s</description>\n", s.Description)
		}
		fmt.Fprintf(&b, "<location>%s</location>\n", s.File())
		b.WriteString("</skill>\n")
	}
	b.WriteString("</available_skills>")
	return b.String()
}

// ParseFile reads and parses one SKILL.md. A missing name falls back to
// the directory name.
func ParseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sk, err := Parse(data)
	if err != nil {
		return nil, err
	}
	sk.Path = filepath.Dir(path)
	if sk.Name == "" {
		sk.Name = filepath.Base(sk.Path)
	}
	return sk, nil
}

// Parse splits frontmatter from body and unmarshals the metadata.
func Parse(data []byte) (*Skill, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var sk Skill
	if err := yaml.Unmarshal(front, &sk); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	sk.Name = strings.TrimSpace(sk.Name)
	sk.Body = strings.TrimSpace(string(body))
	return &sk, nil
}

// splitFrontmatter separates the YAML frontmatter from the markdown body.
func splitFrontmatter(data []byte) (front, body []byte, err error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !sc.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(sc.Text()) != frontmatterDelim {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == frontmatterDelim {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for sc.Scan() {
		bodyLines = append(bodyLines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan skill file: %w", err)
	}

	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
