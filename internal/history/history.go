// Package history versions the data directory with git so that any deck
// file can be recovered from an earlier snapshot.
package history

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/conorfennell/knoldeck/internal/storage"
)

const ignoreFile = ".gitignore"

// Locks, temp files, the review database, zip backups and cloned card
// repositories are not versioned.
var ignored = []string{
	".lock",
	".*.tmp",
	"reviews.db*",
	"backups/",
	"repos/",
	".env",
}

var ErrNoSnapshots = errors.New("no snapshots yet")

// Entry is one snapshot.
type Entry struct {
	Hash    string
	Message string
	When    time.Time
}

// Short returns the abbreviated hash.
func (e Entry) Short() string {
	if len(e.Hash) > 8 {
		return e.Hash[:8]
	}
	return e.Hash
}

// Repo is the git repository at the root of the data directory.
type Repo struct {
	dir  string
	repo *git.Repository
	log  *slog.Logger
	now  func() time.Time
}

// Open opens the repository in dir, initialising it on first use.
func Open(dir string, logger *slog.Logger) (*Repo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		logger.Info("Initialising history repository", "dir", dir)
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history at %s: %w", dir, err)
	}
	if err := ensureIgnoreFile(dir); err != nil {
		return nil, err
	}
	return &Repo{dir: dir, repo: repo, log: logger, now: time.Now}, nil
}

func ensureIgnoreFile(dir string) error {
	path := filepath.Join(dir, ignoreFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to check %s: %w", path, err)
	}
	return storage.WriteFileAtomic(path, []byte(strings.Join(ignored, "\n")+"\n"), 0o644)
}

// Snapshot commits every change in the data directory. It reports false
// when there was nothing to commit.
func (r *Repo) Snapshot(message string) (Entry, bool, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return Entry{}, false, fmt.Errorf("failed to stage changes: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to get status: %w", err)
	}
	if status.IsClean() {
		return Entry{}, false, nil
	}

	when := r.now()
	hash, err := wt.Commit(message, &git.CommitOptions{
		All: true,
		Author: &object.Signature{
			Name:  "knoldeck",
			Email: "knoldeck@localhost",
			When:  when,
		},
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	r.log.Debug("Snapshot committed", "hash", hash.String(), "message", message)
	return Entry{Hash: hash.String(), Message: message, When: when}, true, nil
}

// Log returns up to n snapshots, newest first. n <= 0 returns all.
func (r *Repo) Log(n int) ([]Entry, error) {
	head, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer iter.Close()

	var out []Entry
	err = iter.ForEach(func(c *object.Commit) error {
		if n > 0 && len(out) >= n {
			return storer.ErrStop
		}
		out = append(out, Entry{
			Hash:    c.Hash.String(),
			Message: strings.TrimSpace(c.Message),
			When:    c.Author.When,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk history: %w", err)
	}
	return out, nil
}

// RestoreFile overwrites path, relative to the data directory, with its
// content at rev. rev is anything git accepts, such as a hash prefix or
// HEAD~2.
func (r *Repo) RestoreFile(rev, path string) error {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return ErrNoSnapshots
		}
		return fmt.Errorf("unknown revision %q: %w", rev, err)
	}
	commit, err := r.repo.CommitObject(*hash)
	if err != nil {
		return fmt.Errorf("failed to load revision %s: %w", rev, err)
	}
	rel := filepath.ToSlash(filepath.Clean(path))
	f, err := commit.File(rel)
	if err != nil {
		return fmt.Errorf("%s not found in %s: %w", rel, rev, err)
	}
	contents, err := f.Contents()
	if err != nil {
		return fmt.Errorf("failed to read %s at %s: %w", rel, rev, err)
	}

	target := filepath.Join(r.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
	}
	if err := storage.WriteFileAtomic(target, []byte(contents), 0o644); err != nil {
		return err
	}
	r.log.Info("File restored from history", "path", rel, "revision", rev)
	return nil
}
