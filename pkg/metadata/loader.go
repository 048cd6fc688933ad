package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

// rolesDir holds the per-role task files of a release.
const rolesDir = "roles"

var releaseNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Loader reads releases from a directory tree and implements
// engine.MetadataProvider. A release lives in <dir>/<release>/: every
// *.yaml file directly inside it contributes base tasks in file name
// order, and <dir>/<release>/roles/<role>.yaml contributes the tasks of
// one role.
type Loader struct {
	dir      string
	logger   zerolog.Logger
	validate *validator.Validate
	schemas  *SchemaRegistry

	mu    sync.RWMutex
	cache map[string]*Release

	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string, logger zerolog.Logger) *Loader {
	return &Loader{
		dir:      dir,
		logger:   logger.With().Str("component", "metadata").Logger(),
		validate: validator.New(),
		schemas:  NewSchemaRegistry(),
		cache:    make(map[string]*Release),
		debounce: 500 * time.Millisecond,
	}
}

// Tasks returns the base tasks and per-role overrides of release.
func (l *Loader) Tasks(ctx context.Context, release string) ([]engine.Task, map[string][]engine.Task, error) {
	r, err := l.Load(ctx, release)
	if err != nil {
		return nil, nil, err
	}

	base := make([]engine.Task, len(r.Tasks))
	for i, t := range r.Tasks {
		base[i] = t.Clone()
	}
	overrides := make(map[string][]engine.Task, len(r.Overrides))
	for role, tasks := range r.Overrides {
		cp := make([]engine.Task, len(tasks))
		for i, t := range tasks {
			cp[i] = t.Clone()
		}
		overrides[role] = cp
	}
	return base, overrides, nil
}

// Load returns the release, reading it from disk on first use.
func (l *Loader) Load(ctx context.Context, release string) (*Release, error) {
	if !releaseNameRe.MatchString(release) {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid release name %q", release), nil).
			WithCode(engine.ErrCodeGraphValidation).
			WithResource(release)
	}

	l.mu.RLock()
	cached, ok := l.cache[release]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	r, err := l.read(ctx, release)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[release] = r
	l.mu.Unlock()

	l.logger.Info().
		Str("release", release).
		Int("tasks", len(r.Tasks)).
		Int("roles", len(r.Overrides)).
		Msg("Release loaded")

	return r, nil
}

// Releases lists the release directories under the root.
func (l *Loader) Releases() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read release directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && releaseNameRe.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Invalidate drops a cached release. An empty name drops every release.
func (l *Loader) Invalidate(release string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if release == "" {
		l.cache = make(map[string]*Release)
		return
	}
	delete(l.cache, release)
}

func (l *Loader) read(ctx context.Context, release string) (*Release, error) {
	root := filepath.Join(l.dir, release)
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, engine.NewPermanentError(fmt.Sprintf("release %s not found", release), err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(release)
	}

	r := &Release{
		Name:      release,
		Overrides: make(map[string][]engine.Task),
		LoadedAt:  time.Now().UTC(),
	}

	baseFiles, err := yamlFiles(root)
	if err != nil {
		return nil, err
	}
	for _, path := range baseFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tasks, err := l.readFile(path)
		if err != nil {
			return nil, err
		}
		r.Tasks = append(r.Tasks, tasks...)
		r.Files = append(r.Files, path)
	}

	roleFiles, err := yamlFiles(filepath.Join(root, rolesDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, path := range roleFiles {
		tasks, err := l.readFile(path)
		if err != nil {
			return nil, err
		}
		role := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		r.Overrides[role] = append(r.Overrides[role], tasks...)
		r.Files = append(r.Files, path)
	}

	return r, nil
}

// readFile decodes, validates and converts one task file.
func (l *Loader) readFile(path string) ([]engine.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var doc TaskFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, invalidFile(path, "", err)
	}

	if err := l.validate.Struct(doc); err != nil {
		return nil, invalidFile(path, "", err)
	}

	tasks := make([]engine.Task, 0, len(doc.Tasks))
	for _, spec := range doc.Tasks {
		if err := l.schemas.Validate("task", spec); err != nil {
			return nil, invalidFile(path, spec.ID, err)
		}
		t, err := spec.ToTask()
		if err != nil {
			return nil, invalidFile(path, spec.ID, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func invalidFile(path, taskID string, err error) error {
	e := engine.NewGraphValidationError(fmt.Sprintf("invalid task file %s: %v", path, err), taskID)
	e.Err = err
	return e.WithOperation("load_release")
}

// yamlFiles lists the *.yaml and *.yml files directly inside dir, sorted.
func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
