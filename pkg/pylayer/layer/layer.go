// Package layer manages the named layer directories a build produces.
//
// Each layer lives in <layers>/<name>/ next to a <layers>/<name>.toml document which
// records the layer types and, for cached layers, the metadata fingerprint of the
// previous build. Opening a cached layer compares the stored fingerprint against the
// current one: only full equality keeps the layer, anything else discards it.
//
// Metadata is written only after the layer contents have been installed successfully,
// and discarding a layer removes its metadata document first. A crash half-way through
// an installation therefore never looks like a valid cache hit to the next build.
package layer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/pylayer/pkg/pylayer/env"
)

// Types describes where a layer is available and whether it survives the build
type Types struct {
	Build  bool `toml:"build" json:"build" yaml:"build"`
	Launch bool `toml:"launch" json:"launch" yaml:"launch"`
	Cache  bool `toml:"cache" json:"cache" yaml:"cache"`
}

// Scope returns the environment scope the layer's auto-discovered directories apply to.
// ok is false if the layer is neither available at build nor at launch time.
func (t Types) Scope() (scope env.Scope, ok bool) {
	switch {
	case t.Build && t.Launch:
		return env.ScopeAll, true
	case t.Build:
		return env.ScopeBuild, true
	case t.Launch:
		return env.ScopeLaunch, true
	default:
		return "", false
	}
}

// State is the state a layer is in after opening it
type State string

const (
	// StateRestored means the layer contents of the previous build are reused
	StateRestored State = "restored"
	// StateEmpty means the layer directory is empty and needs populating
	StateEmpty State = "empty"
)

// Cause explains why a layer is empty
type Cause string

const (
	// CauseNewlyCreated means there was no previous layer to restore
	CauseNewlyCreated Cause = "newly-created"
	// CauseInvalidMetadata means the previous metadata could not be read and was discarded
	CauseInvalidMetadata Cause = "invalid-metadata"
	// CauseRestoredButInvalidated means the previous metadata differs from the current one
	CauseRestoredButInvalidated Cause = "restored-but-invalidated"
)

// Layer is an opened layer directory
type Layer struct {
	Name  string
	Path  string
	Types Types

	State State
	// Cause is empty for restored layers
	Cause Cause
	// Reasons lists why a previous layer was discarded
	Reasons []string
	// Previous holds the restored metadata of a restored layer
	Previous interface{}

	store *Store
	env   env.Mutations
}

// Restored returns true if the layer contents of a previous build are reused
func (l *Layer) Restored() bool {
	return l.State == StateRestored
}

// Env returns the environment mutations last written or read for this layer
func (l *Layer) Env() env.Mutations {
	return l.env
}

// MetadataPath is the location of the layer's metadata document
func (l *Layer) MetadataPath() string {
	return l.store.metadataPath(l.Name)
}

// Store manages the layers of a build within a single layers directory
type Store struct {
	Dir string
}

// NewStore creates a store, creating the layers directory if need be
func NewStore(dir string) (*Store, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, xerrors.Errorf("cannot create layers directory: %w", err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) layerPath(name string) string {
	return filepath.Join(s.Dir, name)
}

func (s *Store) metadataPath(name string) string {
	return filepath.Join(s.Dir, name+".toml")
}

// OpenUncached opens a layer that exists for this build only. Whatever a previous
// build left behind is removed, and the layer is always empty.
func (s *Store) OpenUncached(name string, types Types) (*Layer, error) {
	if types.Cache {
		return nil, xerrors.Errorf("layer %s: uncached layers must not set the cache type", name)
	}
	err := validateName(name)
	if err != nil {
		return nil, err
	}

	l := &Layer{
		Name:  name,
		Path:  s.layerPath(name),
		Types: types,
		store: s,
	}
	err = l.reset(CauseNewlyCreated, nil)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// OpenCached opens a layer that survives across builds. The stored metadata is compared
// against current: if all fields are equal the layer is restored, otherwise it is emptied.
// Metadata that cannot be read never fails the build, it forces the layer to be recreated.
func OpenCached[M any](s *Store, name string, types Types, current M) (*Layer, error) {
	err := validateName(name)
	if err != nil {
		return nil, err
	}
	types.Cache = true

	l := &Layer{
		Name:  name,
		Path:  s.layerPath(name),
		Types: types,
		store: s,
	}

	previous, found, err := readMetadata[M](s.metadataPath(name))
	if err != nil {
		log.WithError(err).WithField("layer", name).Warn("cannot read layer metadata - discarding layer")
		err = l.reset(CauseInvalidMetadata, []string{err.Error()})
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	if !found {
		err = l.reset(CauseNewlyCreated, nil)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	if _, err := os.Stat(l.Path); err != nil {
		// metadata without a directory is as good as no metadata
		err = l.reset(CauseNewlyCreated, nil)
		if err != nil {
			return nil, err
		}
		return l, nil
	}

	decision := Decide(previous, current)
	if !decision.Keep {
		err = l.reset(CauseRestoredButInvalidated, decision.Reasons)
		if err != nil {
			return nil, err
		}
		return l, nil
	}

	l.State = StateRestored
	l.Previous = previous

	// the types might have changed even though the fingerprint did not
	err = l.writeDocument(document{Types: l.Types, Metadata: previous})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// reset removes any previous layer contents and recreates an empty layer directory.
// The metadata document goes first, so an interrupted reset never leaves stale metadata
// next to partial contents.
func (l *Layer) reset(cause Cause, reasons []string) error {
	err := os.Remove(l.MetadataPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.Errorf("cannot remove metadata of layer %s: %w", l.Name, err)
	}
	err = os.RemoveAll(l.Path)
	if err != nil {
		return xerrors.Errorf("cannot remove layer %s: %w", l.Name, err)
	}
	err = os.MkdirAll(l.Path, 0755)
	if err != nil {
		return xerrors.Errorf("cannot create layer %s: %w", l.Name, err)
	}

	l.State = StateEmpty
	l.Cause = cause
	l.Reasons = reasons
	l.Previous = nil
	l.env = nil
	return nil
}

// WriteMetadata persists the layer document. Call this only once the layer contents
// are complete. Uncached layers never persist metadata, only their types: pass nil.
func (l *Layer) WriteMetadata(metadata interface{}) error {
	if !l.Types.Cache && metadata != nil {
		return xerrors.Errorf("layer %s is not cached and cannot persist metadata", l.Name)
	}
	return l.writeDocument(document{Types: l.Types, Metadata: metadata})
}

func (l *Layer) writeDocument(doc document) error {
	var in interface{} = doc
	if doc.Metadata == nil {
		in = struct {
			Types Types `toml:"types"`
		}{doc.Types}
	}
	fc, err := toml.Marshal(in)
	if err != nil {
		return xerrors.Errorf("cannot serialize metadata of layer %s: %w", l.Name, err)
	}

	// write to a temporary file first so the document is either complete or absent
	tmp := l.MetadataPath() + ".tmp"
	err = os.WriteFile(tmp, fc, 0644)
	if err != nil {
		return xerrors.Errorf("cannot write metadata of layer %s: %w", l.Name, err)
	}
	err = os.Rename(tmp, l.MetadataPath())
	if err != nil {
		return xerrors.Errorf("cannot write metadata of layer %s: %w", l.Name, err)
	}
	return nil
}

type document struct {
	Types    Types       `toml:"types"`
	Metadata interface{} `toml:"metadata"`
}

type rawDocument struct {
	Types    Types                  `toml:"types"`
	Metadata map[string]interface{} `toml:"metadata"`
}

// readMetadata reads the metadata of a previous build. found is false if there is no
// document, or the document belongs to a layer which was not cached.
// Unknown, missing or mistyped fields are errors.
func readMetadata[M any](path string) (res M, found bool, err error) {
	fc, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return res, false, nil
	}
	if err != nil {
		return res, false, err
	}

	var doc rawDocument
	err = toml.NewDecoder(bytes.NewReader(fc)).DisallowUnknownFields().Decode(&doc)
	if err != nil {
		return res, false, xerrors.Errorf("invalid layer document: %w", err)
	}
	if !doc.Types.Cache {
		return res, false, nil
	}
	if doc.Metadata == nil {
		return res, false, xerrors.Errorf("layer document has no metadata")
	}

	res, err = decodeStrict[M](doc.Metadata)
	if err != nil {
		return res, false, err
	}
	return res, true, nil
}

// decodeStrict decodes a metadata table into M, rejecting unknown and missing fields
func decodeStrict[M any](raw map[string]interface{}) (res M, err error) {
	fc, err := toml.Marshal(raw)
	if err != nil {
		return res, xerrors.Errorf("invalid metadata: %w", err)
	}
	err = toml.NewDecoder(bytes.NewReader(fc)).DisallowUnknownFields().Decode(&res)
	if err != nil {
		return res, xerrors.Errorf("invalid metadata: %w", err)
	}

	expected, err := fieldNames(res)
	if err != nil {
		return res, err
	}
	var missing []string
	for _, k := range expected {
		if _, ok := raw[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return res, xerrors.Errorf("invalid metadata: missing fields %s", strings.Join(missing, ", "))
	}
	return res, nil
}

// fieldNames returns the TOML keys a metadata value serializes to
func fieldNames(v interface{}) ([]string, error) {
	fc, err := toml.Marshal(v)
	if err != nil {
		return nil, xerrors.Errorf("cannot serialize metadata: %w", err)
	}
	var m map[string]interface{}
	err = toml.Unmarshal(fc, &m)
	if err != nil {
		return nil, xerrors.Errorf("cannot serialize metadata: %w", err)
	}
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	sort.Strings(res)
	return res, nil
}

// Layers lists the names of all layer directories in the store, sorted alphabetically.
// This is the order in which layer environments are applied.
func (s *Store) Layers() ([]string, error) {
	dirents, err := godirwalk.ReadDirents(s.Dir, nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot list layers: %w", err)
	}

	var res []string
	for _, d := range dirents {
		isDir, err := d.IsDirOrSymlinkToDir()
		if err != nil || !isDir {
			continue
		}
		if validateName(d.Name()) != nil {
			continue
		}
		res = append(res, d.Name())
	}
	sort.Strings(res)
	return res, nil
}

// platformDocuments are the files of the layers directory that belong to the buildpack
// rather than to a layer
var platformDocuments = map[string]struct{}{
	"build.toml":  {},
	"launch.toml": {},
	"store.toml":  {},
}

// Prune removes every layer that is not named in keep, i.e. its directory and its
// document. Documents left without a directory are removed as well.
// It returns the names of the removed layers, sorted.
func (s *Store) Prune(keep []string) ([]string, error) {
	kept := make(map[string]struct{}, len(keep))
	for _, n := range keep {
		kept[n] = struct{}{}
	}

	dirents, err := godirwalk.ReadDirents(s.Dir, nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot list layers: %w", err)
	}

	stale := make(map[string]struct{})
	for _, d := range dirents {
		name := d.Name()
		if _, ok := platformDocuments[name]; ok {
			continue
		}
		if d.IsRegular() && strings.HasSuffix(name, ".toml") {
			name = strings.TrimSuffix(name, ".toml")
		} else if isDir, err := d.IsDirOrSymlinkToDir(); err != nil || !isDir {
			continue
		}
		if validateName(name) != nil {
			continue
		}
		if _, ok := kept[name]; ok {
			continue
		}
		stale[name] = struct{}{}
	}

	res := make([]string, 0, len(stale))
	for name := range stale {
		res = append(res, name)
	}
	sort.Strings(res)

	for _, name := range res {
		err = os.RemoveAll(s.layerPath(name))
		if err != nil {
			return nil, xerrors.Errorf("cannot remove layer %s: %w", name, err)
		}
		err = os.Remove(s.metadataPath(name))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, xerrors.Errorf("cannot remove layer %s: %w", name, err)
		}
	}
	return res, nil
}

// Info describes a layer as found on disk
type Info struct {
	Name     string                 `json:"name" yaml:"name"`
	Path     string                 `json:"path" yaml:"path"`
	Types    Types                  `json:"types" yaml:"types"`
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Env      env.Mutations          `json:"env,omitempty" yaml:"env,omitempty"`
}

// Inspect reads a layer without modifying it. Layers without a document are reported
// with zero types.
func (s *Store) Inspect(name string) (*Info, error) {
	err := validateName(name)
	if err != nil {
		return nil, err
	}

	res := &Info{Name: name, Path: s.layerPath(name)}
	fc, err := os.ReadFile(s.metadataPath(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		var doc rawDocument
		err = toml.Unmarshal(fc, &doc)
		if err != nil {
			return nil, xerrors.Errorf("cannot read layer %s: %w", name, err)
		}
		res.Types = doc.Types
		res.Metadata = doc.Metadata
	}

	l := &Layer{Name: name, Path: res.Path, Types: res.Types, store: s}
	res.Env, err = l.ReadEnvironment()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Environment resolves the environment of all layers in the store for one view,
// applying the layers in alphabetical order.
func (s *Store) Environment(view env.Scope, base env.Environment) (env.Environment, error) {
	names, err := s.Layers()
	if err != nil {
		return nil, err
	}

	res := base.Clone()
	for _, n := range names {
		nfo, err := s.Inspect(n)
		if err != nil {
			return nil, err
		}
		res = env.Apply(view, res, nfo.Env)
	}
	return res, nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return xerrors.Errorf("invalid layer name %q", name)
	}
	if strings.HasSuffix(name, ".toml") {
		return xerrors.Errorf("invalid layer name %q", name)
	}
	return nil
}

// String describes the layer state for log output
func (l *Layer) String() string {
	if l.State == StateRestored {
		return fmt.Sprintf("%s (restored)", l.Name)
	}
	if len(l.Reasons) == 0 {
		return fmt.Sprintf("%s (%s)", l.Name, l.Cause)
	}
	return fmt.Sprintf("%s (%s: %s)", l.Name, l.Cause, strings.Join(l.Reasons, "; "))
}
