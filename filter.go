package livesync

import "strings"

// FileFilter decides whether a path participates in sync, per the file
// filter's include/exclude policy: special namespaces (paths containing
// ":") always pass; SyncOnlyRegEx, if set, excludes anything that fails to
// match; SyncIgnoreRegEx, if set, excludes anything that matches.
type FileFilter struct {
	cfg Config
}

// NewFileFilter builds a filter from the given config's SyncOnlyRegEx and
// SyncIgnoreRegEx.
func NewFileFilter(cfg Config) *FileFilter {
	return &FileFilter{cfg: cfg}
}

// IsTargetFile reports whether path should be synced.
func (f *FileFilter) IsTargetFile(path string) bool {
	if strings.Contains(path, ":") {
		return true
	}
	if f.cfg.SyncOnlyRegEx != nil && !f.cfg.SyncOnlyRegEx.MatchString(path) {
		return false
	}
	if f.cfg.SyncIgnoreRegEx != nil && f.cfg.SyncIgnoreRegEx.MatchString(path) {
		return false
	}
	return true
}
