package livesync

import (
	"regexp"
	"testing"
)

func TestFileFilterIsTargetFile(t *testing.T) {
	for _, test := range []struct {
		name   string
		cfg    Config
		path   string
		want   bool
	}{
		{
			name: "no filters, everything passes",
			cfg:  Config{},
			path: "notes/todo.md",
			want: true,
		},
		{
			name: "special namespace always passes",
			cfg:  Config{SyncOnlyRegEx: regexp.MustCompile(`^notes/`)},
			path: "plugin:some-internal-id",
			want: true,
		},
		{
			name: "only regex excludes non-matching path",
			cfg:  Config{SyncOnlyRegEx: regexp.MustCompile(`^notes/`)},
			path: "attachments/photo.png",
			want: false,
		},
		{
			name: "only regex admits matching path",
			cfg:  Config{SyncOnlyRegEx: regexp.MustCompile(`^notes/`)},
			path: "notes/todo.md",
			want: true,
		},
		{
			name: "ignore regex excludes matching path",
			cfg:  Config{SyncIgnoreRegEx: regexp.MustCompile(`\.tmp$`)},
			path: "notes/draft.tmp",
			want: false,
		},
		{
			name: "ignore regex admits non-matching path",
			cfg:  Config{SyncIgnoreRegEx: regexp.MustCompile(`\.tmp$`)},
			path: "notes/draft.md",
			want: true,
		},
		{
			name: "only and ignore combine",
			cfg: Config{
				SyncOnlyRegEx:   regexp.MustCompile(`^notes/`),
				SyncIgnoreRegEx: regexp.MustCompile(`\.tmp$`),
			},
			path: "notes/draft.tmp",
			want: false,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := NewFileFilter(test.cfg)
			if got := f.IsTargetFile(test.path); got != test.want {
				t.Errorf("IsTargetFile(%q) = %v, want %v", test.path, got, test.want)
			}
		})
	}
}
