// Package registry discovers tool-server definitions from a directory of
// subdirectories, tracks which ones are enabled via a text side-file, and
// hands the manager a ready-to-connect mcp.ServerConfig for each one.
package registry

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/haasonsaas/nexus/internal/mcp"
)

const (
	// enabledFileName is the side-file listing enabled server names, one
	// per line, '#'-prefixed comments and blank lines ignored.
	enabledFileName = ".enabled"
)

// descriptorNames are the filenames a server subdirectory may use for its
// descriptor, tried in order.
var descriptorNames = []string{"server.json5", "server.json"}

// Record is one discovered tool server: its parsed descriptor plus
// whether the enabled side-file currently lists it.
type Record struct {
	Name        string
	Description string
	Config      *mcp.ServerConfig
	Enabled     bool
}

// Registry scans rootDir for server subdirectories and tracks their
// enabled/disabled state. Safe for concurrent use.
type Registry struct {
	rootDir string
	logger  *slog.Logger

	mu      sync.RWMutex
	records map[string]*Record
}

// New creates a registry rooted at rootDir. Call Scan before using it.
func New(rootDir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rootDir: rootDir,
		logger:  logger.With("component", "registry"),
		records: make(map[string]*Record),
	}
}

// descriptorFile holds the on-disk shape of a server descriptor, parsed
// with comment-tolerant json5 before being converted into an
// mcp.ServerConfig.
type descriptorFile struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Type        mcp.TransportType `json:"type"`
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	WorkDir     string            `json:"workdir"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	Timeout     string            `json:"timeout"`
	AutoStart   bool              `json:"auto_start"`
}

// Scan re-reads rootDir and the enabled side-file, replacing the
// in-memory record set. A malformed descriptor in one subdirectory is
// logged and skipped; Scan only returns an error if rootDir itself can't
// be listed.
func (r *Registry) Scan() error {
	entries, err := os.ReadDir(r.rootDir)
	if err != nil {
		return fmt.Errorf("read registry root %s: %w", r.rootDir, err)
	}

	enabled, err := r.readEnabled()
	if err != nil {
		r.logger.Warn("failed to read enabled file, treating as empty", "error", err)
		enabled = map[string]bool{}
	}

	records := make(map[string]*Record)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}

		rec, err := r.loadDescriptor(filepath.Join(r.rootDir, name))
		if err != nil {
			r.logger.Warn("skipping tool server with bad descriptor", "dir", name, "error", err)
			continue
		}
		rec.Enabled = enabled[rec.Name]
		records[rec.Name] = rec
	}

	r.mu.Lock()
	r.records = records
	r.mu.Unlock()

	return nil
}

func (r *Registry) loadDescriptor(dir string) (*Record, error) {
	var data []byte
	var err error
	for _, name := range descriptorNames {
		data, err = os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("no descriptor found: %w", err)
	}

	var desc descriptorFile
	if err := json5.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}

	name := desc.ID
	if name == "" {
		name = filepath.Base(dir)
	}

	cfg := &mcp.ServerConfig{
		ID:        name,
		Name:      desc.Name,
		Transport: desc.Type,
		Command:   desc.Command,
		Args:      desc.Args,
		Env:       desc.Env,
		WorkDir:   desc.WorkDir,
		URL:       desc.URL,
		Headers:   desc.Headers,
		TimeoutMS: desc.Timeout,
		AutoStart: desc.AutoStart,
	}
	if cfg.Name == "" {
		cfg.Name = name
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Record{
		Name:        name,
		Description: desc.Description,
		Config:      cfg,
	}, nil
}

// List returns every discovered server record, sorted by name.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EffectiveConfig returns a name-keyed map of only the enabled servers.
func (r *Registry) EffectiveConfig() map[string]*mcp.ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*mcp.ServerConfig)
	for name, rec := range r.records {
		if rec.Enabled {
			out[name] = rec.Config
		}
	}
	return out
}

// ManagerConfig builds an mcp.Config over the currently enabled servers,
// ready to hand to mcp.NewManager or Manager.Reload.
func (r *Registry) ManagerConfig() *mcp.Config {
	effective := r.EffectiveConfig()
	cfg := &mcp.Config{Enabled: len(effective) > 0}
	for _, serverCfg := range effective {
		cfg.Servers = append(cfg.Servers, serverCfg)
	}
	sort.Slice(cfg.Servers, func(i, j int) bool { return cfg.Servers[i].ID < cfg.Servers[j].ID })
	return cfg
}

// Enable marks name as enabled in the side-file. Idempotent.
func (r *Registry) Enable(name string) error {
	return r.updateEnabled(name, true)
}

// Disable marks name as disabled in the side-file. Idempotent.
func (r *Registry) Disable(name string) error {
	return r.updateEnabled(name, false)
}

func (r *Registry) updateEnabled(name string, enable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	enabled, err := r.readEnabledLocked()
	if err != nil {
		enabled = map[string]bool{}
	}

	current := enabled[name]
	if current == enable {
		if rec, ok := r.records[name]; ok {
			rec.Enabled = enable
		}
		return nil
	}
	enabled[name] = enable

	if err := r.writeEnabledLocked(enabled); err != nil {
		return err
	}

	if rec, ok := r.records[name]; ok {
		rec.Enabled = enable
	}
	return nil
}

func (r *Registry) enabledPath() string {
	return filepath.Join(r.rootDir, enabledFileName)
}

func (r *Registry) readEnabled() (map[string]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readEnabledLocked()
}

func (r *Registry) readEnabledLocked() (map[string]bool, error) {
	f, err := os.Open(r.enabledPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	defer f.Close()

	enabled := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		enabled[line] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return enabled, nil
}

// writeEnabledLocked rewrites the side-file with the names currently
// marked enabled, one per line, sorted for a stable diff. It writes to a
// temp file in the same directory and renames over the target so a
// concurrent reader never observes a partially-written file.
func (r *Registry) writeEnabledLocked(enabled map[string]bool) error {
	names := make([]string, 0, len(enabled))
	for name, on := range enabled {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var buf strings.Builder
	for _, name := range names {
		buf.WriteString(name)
		buf.WriteByte('\n')
	}

	path := r.enabledPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("write enabled file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename enabled file: %w", err)
	}
	return nil
}
