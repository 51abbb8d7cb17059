package session

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"coreengine/errs"
)

// IndexEntry records the most-recently-touched session file for one
// project slug, so --continue does not need a full directory scan.
// Grounded in iksnae-cursor-session's and nachoal-simple-agent-go's shared
// use of YAML for small on-disk structured metadata files.
type IndexEntry struct {
	ProjectSlug string    `yaml:"projectSlug"`
	Path        string    `yaml:"path"`
	ModifiedAt  time.Time `yaml:"modifiedAt"`
}

// Index is the `<sessions_dir>/index.yaml` file: one entry per project slug.
type Index struct {
	Entries map[string]IndexEntry `yaml:"entries"`
	path    string
}

// OpenIndex loads (or initializes) the index file at <sessionsDir>/index.yaml.
func OpenIndex(sessionsDir string) (*Index, error) {
	path := filepath.Join(sessionsDir, "index.yaml")
	idx := &Index{Entries: make(map[string]IndexEntry), path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.SessionIOError, "session: read index", err)
	}
	if err := yaml.Unmarshal(data, idx); err != nil {
		return nil, errs.Wrap(errs.SessionIOError, "session: parse index", err)
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]IndexEntry)
	}
	return idx, nil
}

// Touch records path as the most-recently-modified session for slug and
// persists the index.
func (idx *Index) Touch(slug, path string, modifiedAt time.Time) error {
	idx.Entries[slug] = IndexEntry{ProjectSlug: slug, Path: path, ModifiedAt: modifiedAt}
	return idx.save()
}

// MostRecent returns the most-recently-modified session path for slug, for
// --continue.
func (idx *Index) MostRecent(slug string) (string, bool) {
	e, ok := idx.Entries[slug]
	if !ok {
		return "", false
	}
	return e.Path, true
}

func (idx *Index) save() error {
	data, err := yaml.Marshal(idx)
	if err != nil {
		return errs.Wrap(errs.SessionIOError, "session: marshal index", err)
	}
	if err := os.MkdirAll(filepath.Dir(idx.path), 0o755); err != nil {
		return errs.Wrap(errs.SessionIOError, "session: create sessions dir", err)
	}
	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.SessionIOError, "session: write index", err)
	}
	return os.Rename(tmp, idx.path)
}
