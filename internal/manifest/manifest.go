// Package manifest is the implementation of the dependency manifest layer.
// It parses the engine workspace's manifest and lock file and derives the content
// fingerprints the build pipeline keys its change detection on.
package manifest

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/go-viper/mapstructure/v2"
	"github.com/ubuntu/decorate"
)

var (
	// ErrManifestNotFound is returned when the dependency manifest is missing from the workspace.
	ErrManifestNotFound = errors.New("dependency manifest not found")

	// ErrLockNotFound is returned when the lock file is missing from the workspace.
	ErrLockNotFound = errors.New("lock file not found")
)

// Manager is a struct that inspects the dependency manifest and lock file of a workspace.
type Manager struct {
	workspace    string
	manifestName string
	lockName     string

	log *slog.Logger
}

type options struct {
	manifestName string
	lockName     string
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// WithManifestName overrides the default manifest file name.
func WithManifestName(name string) Options {
	return func(o *options) {
		if name != "" {
			o.manifestName = name
		}
	}
}

// WithLockName overrides the default lock file name.
func WithLockName(name string) Options {
	return func(o *options) {
		if name != "" {
			o.lockName = name
		}
	}
}

// New returns a new Manager for the given workspace.
func New(l *slog.Logger, workspace string, args ...Options) Manager {
	opts := options{
		manifestName: constants.DefaultManifestName,
		lockName:     constants.DefaultLockName,
	}
	for _, opt := range args {
		opt(&opts)
	}

	return Manager{
		workspace:    workspace,
		manifestName: opts.manifestName,
		lockName:     opts.lockName,
		log:          l,
	}
}

// Project is the subset of the dependency manifest the tool reports on.
type Project struct {
	Name         string
	Version      string
	Description  string
	Dependencies map[string]Constraint
}

// Constraint is a single dependency constraint from the manifest. Poetry
// declares constraints either as a bare version string or as an inline table.
type Constraint struct {
	Version  string
	Extras   []string
	Git      string
	Branch   string
	Rev      string
	Path     string
	Python   string
	Optional bool
}

// pyproject mirrors the manifest tables we read. Poetry keeps its metadata under
// [tool.poetry]; newer manifests may use the standard [project] table instead.
type pyproject struct {
	Project struct {
		Name        string `toml:"name"`
		Version     string `toml:"version"`
		Description string `toml:"description"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Name         string         `toml:"name"`
			Version      string         `toml:"version"`
			Description  string         `toml:"description"`
			Dependencies map[string]any `toml:"dependencies"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

// ManifestPath returns the expected path to the dependency manifest.
// It does not check if the file exists, or if it is valid.
func (m Manager) ManifestPath() string {
	return filepath.Join(m.workspace, m.manifestName)
}

// LockPath returns the expected path to the lock file.
// It does not check if the file exists.
func (m Manager) LockPath() string {
	return filepath.Join(m.workspace, m.lockName)
}

// Load parses the dependency manifest.
// If the manifest does not exist, ErrManifestNotFound is returned.
func (m Manager) Load() (p Project, err error) {
	defer func() {
		var pe *os.PathError
		if errors.As(err, &pe) && errors.Is(pe.Err, os.ErrNotExist) {
			err = errors.Join(ErrManifestNotFound, err)
		}
	}()
	defer decorate.OnError(&err, "could not load dependency manifest")

	var raw pyproject
	if _, err := toml.DecodeFile(m.ManifestPath(), &raw); err != nil {
		return Project{}, err
	}

	p = Project{
		Name:        raw.Tool.Poetry.Name,
		Version:     raw.Tool.Poetry.Version,
		Description: raw.Tool.Poetry.Description,
	}
	if p.Name == "" {
		p.Name = raw.Project.Name
	}
	if p.Version == "" {
		p.Version = raw.Project.Version
	}
	if p.Description == "" {
		p.Description = raw.Project.Description
	}
	p.Dependencies, err = decodeDeps(raw.Tool.Poetry.Dependencies)
	if err != nil {
		return Project{}, err
	}

	m.log.Debug("Loaded dependency manifest", "file", m.ManifestPath(), "name", p.Name, "dependencies", len(p.Dependencies))
	return p, nil
}

// LockStale reports whether the lock file is older than the manifest.
// A stale lock means the manifest changed after the last dependency resolution.
// If the lock file does not exist, ErrLockNotFound is returned.
func (m Manager) LockStale() (stale bool, err error) {
	manifestInfo, err := os.Stat(m.ManifestPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, errors.Join(ErrManifestNotFound, err)
		}
		return false, err
	}

	lockInfo, err := os.Stat(m.LockPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, errors.Join(ErrLockNotFound, err)
		}
		return false, err
	}

	return lockInfo.ModTime().Before(manifestInfo.ModTime()), nil
}

// InputsFingerprint returns the fingerprint over the manifest and lock file.
func (m Manager) InputsFingerprint() (string, error) {
	return Fingerprint(m.ManifestPath(), m.LockPath())
}

// decodeDeps decodes the manifest dependency table into typed constraints.
func decodeDeps(deps map[string]any) (map[string]Constraint, error) {
	if deps == nil {
		return nil, nil
	}

	out := make(map[string]Constraint, len(deps))
	decoder, err := mapstructure.NewDecoder(getDecoderConfig(&out))
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %v", err)
	}

	if err := decoder.Decode(deps); err != nil {
		return nil, errors.Join(errors.New("dependency table does not match the expected manifest structure"), err)
	}
	return out, nil
}

func getDecoderConfig(target any) *mapstructure.DecoderConfig {
	return &mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			// This hook expands bare version strings and multi-constraint
			// arrays to the inline table form.
			func(from reflect.Type, to reflect.Type, data any) (any, error) {
				if to != reflect.TypeOf(Constraint{}) {
					return data, nil
				}

				switch c := data.(type) {
				case string:
					return map[string]any{"version": c}, nil
				case []map[string]any:
					// Poetry lists one constraint per environment; the first
					// stands for the dependency.
					if len(c) > 0 {
						return c[0], nil
					}
					return map[string]any{}, nil
				case []any:
					if len(c) > 0 {
						return c[0], nil
					}
					return map[string]any{}, nil
				default:
					return data, nil
				}
			},
		),
		WeaklyTypedInput: true,
		Result:           target,
	}
}

// SortedNames returns the dependency names of the project in lexical order.
func (p Project) SortedNames() []string {
	names := make([]string, 0, len(p.Dependencies))
	for name := range p.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
