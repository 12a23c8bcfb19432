package simulator

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Terminal is one configured simulator install. Path points at the
// terminal executable, DataPath at its writable data directory.
type Terminal struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	DataPath string `json:"data_path"`
	Default  bool   `json:"default"`
}

// ExpertsDir is where EA sources and binaries live.
func (t Terminal) ExpertsDir() string {
	return filepath.Join(t.DataPath, "MQL5", "Experts")
}

// IncludeDir holds shared MQL5 headers.
func (t Terminal) IncludeDir() string {
	return filepath.Join(t.DataPath, "MQL5", "Include")
}

// FilesDir is the terminal's sandboxed file area; generated INI
// configs are written here.
func (t Terminal) FilesDir() string {
	return filepath.Join(t.DataPath, "MQL5", "Files")
}

// LogsDir holds the terminal's own logs.
func (t Terminal) LogsDir() string {
	return filepath.Join(t.DataPath, "MQL5", "Logs")
}

// MetaEditorPath locates the compiler, which ships next to the
// terminal executable.
func (t Terminal) MetaEditorPath() string {
	return filepath.Join(filepath.Dir(t.Path), "MetaEditor64.exe")
}

// ReportDirs lists every directory the terminal is known to write
// reports into, in search order.
func (t Terminal) ReportDirs() []string {
	return []string{
		t.DataPath,
		filepath.Join(t.DataPath, "Tester"),
		filepath.Join(t.DataPath, "Tester", "reports"),
	}
}

// TickDataDir returns the real-tick archive directory for a symbol
// under a broker server's history base.
func (t Terminal) TickDataDir(server, symbol string) string {
	return filepath.Join(t.DataPath, "bases", server, "ticks", strings.ToUpper(symbol))
}

// TerminalStatus pairs a registry entry with filesystem checks.
type TerminalStatus struct {
	Terminal
	Exists     bool `json:"exists"`
	DataExists bool `json:"data_exists"`
	Active     bool `json:"active"`
}

// ExpertFile is one EA source discovered under an Experts directory.
type ExpertFile struct {
	Name         string    `json:"name"`
	Filename     string    `json:"filename"`
	Path         string    `json:"path"`
	RelativePath string    `json:"relative_path"`
	Modified     time.Time `json:"modified"`
}

// Registry holds the configured terminals, loaded from a JSON file
// mapping name to entry.
type Registry struct {
	path      string
	terminals map[string]Terminal
	active    string
}

// LoadRegistry reads terminals.json and selects the default entry as
// active. Keys starting with underscore hold free-form notes, not
// terminal entries.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("terminal registry: %w", err)
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("terminal registry %s: %w", path, err)
	}

	r := &Registry{path: path, terminals: make(map[string]Terminal, len(entries))}
	for name, body := range entries {
		if strings.HasPrefix(name, "_") {
			continue
		}
		var t Terminal
		if err := json.Unmarshal(body, &t); err != nil {
			return nil, fmt.Errorf("terminal registry %s: entry %q: %w", path, name, err)
		}
		t.Name = name
		r.terminals[name] = t
	}
	for _, name := range r.Names() {
		if r.terminals[name].Default {
			r.active = name
			break
		}
	}
	if len(r.terminals) == 0 {
		return nil, fmt.Errorf("terminal registry %s: no terminals configured", path)
	}
	return r, nil
}

// Names returns the configured terminal names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.terminals))
	for name := range r.terminals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List reports every terminal with existence checks.
func (r *Registry) List() []TerminalStatus {
	out := make([]TerminalStatus, 0, len(r.terminals))
	for _, name := range r.Names() {
		t := r.terminals[name]
		out = append(out, TerminalStatus{
			Terminal:   t,
			Exists:     pathExists(t.Path),
			DataExists: pathExists(t.DataPath),
			Active:     name == r.active,
		})
	}
	return out
}

// Get returns the named terminal, or the active one for an empty name.
func (r *Registry) Get(name string) (Terminal, error) {
	if name == "" {
		name = r.active
	}
	if name == "" {
		return Terminal{}, fmt.Errorf("no terminal specified and no default configured")
	}
	t, ok := r.terminals[name]
	if !ok {
		return Terminal{}, fmt.Errorf("terminal %q not found, available: %s", name, strings.Join(r.Names(), ", "))
	}
	return t, nil
}

// SetActive switches the session's terminal.
func (r *Registry) SetActive(name string) (Terminal, error) {
	t, ok := r.terminals[name]
	if !ok {
		return Terminal{}, fmt.Errorf("terminal %q not found, available: %s", name, strings.Join(r.Names(), ", "))
	}
	r.active = name
	return t, nil
}

// Active returns the active terminal name, empty when unset.
func (r *Registry) Active() string { return r.active }

// Validate checks the named terminal's paths and returns the issues
// found; an empty slice means usable.
func (r *Registry) Validate(name string) ([]string, error) {
	t, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	var issues []string
	if !pathExists(t.Path) {
		issues = append(issues, fmt.Sprintf("terminal executable not found: %s", t.Path))
	}
	if !pathExists(t.DataPath) {
		issues = append(issues, fmt.Sprintf("data path not found: %s", t.DataPath))
	}
	if !pathExists(t.ExpertsDir()) {
		issues = append(issues, fmt.Sprintf("experts folder not found: %s", t.ExpertsDir()))
	}
	return issues, nil
}

// FindExperts walks the named terminal's Experts tree for .mq5
// sources, newest first.
func (r *Registry) FindExperts(name string) ([]ExpertFile, error) {
	t, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	root := t.ExpertsDir()
	if !pathExists(root) {
		return nil, nil
	}

	var found []ExpertFile
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !strings.EqualFold(filepath.Ext(path), ".mq5") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = d.Name()
		}
		found = append(found, ExpertFile{
			Name:         strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			Filename:     d.Name(),
			Path:         path,
			RelativePath: rel,
			Modified:     info.ModTime(),
		})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("scan experts %s: %w", root, walkErr)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Modified.After(found[j].Modified) })
	return found, nil
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
