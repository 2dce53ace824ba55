// Package gitsource keeps local clones of remote card repositories.
package gitsource

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
)

// Sync clones a git repository if it doesn't exist at the given path,
// or pulls the latest changes if it does. progress may be nil.
func Sync(repoURL, localPath string, progress io.Writer) error {
	_, err := os.Stat(localPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("Cloning card repository", "url", repoURL, "path", localPath)
		if _, err := git.PlainClone(localPath, false, &git.CloneOptions{
			URL:      repoURL,
			Progress: progress,
		}); err != nil {
			os.RemoveAll(localPath)
			return fmt.Errorf("failed to clone repo %s: %w", repoURL, err)
		}
	case err == nil:
		slog.Info("Pulling card repository", "path", localPath)
		repo, err := git.PlainOpen(localPath)
		if err != nil {
			return fmt.Errorf("failed to open existing repo at %s: %w", localPath, err)
		}
		worktree, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("failed to get worktree for repo at %s: %w", localPath, err)
		}
		err = worktree.Pull(&git.PullOptions{RemoteName: "origin", Progress: progress})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return fmt.Errorf("failed to pull changes for repo at %s: %w", localPath, err)
		}
	default:
		return fmt.Errorf("error checking path %s: %w", localPath, err)
	}
	return nil
}

// LocalPath maps a repository URL to a directory under baseDir, for
// example https://github.com/a/b.git to baseDir/github.com/a/b.
// scp-style URLs (git@host:a/b.git) and local paths are accepted too.
func LocalPath(baseDir, repoURL string) (string, error) {
	if u, err := url.Parse(repoURL); err == nil && u.Host != "" {
		switch u.Scheme {
		case "http", "https", "ssh", "git":
			return join(baseDir, u.Host, u.Path)
		case "file":
			return join(baseDir, "local", u.Path)
		}
	}
	if user, rest, ok := strings.Cut(repoURL, "@"); ok && user != "" {
		if host, path, ok := strings.Cut(rest, ":"); ok && host != "" {
			return join(baseDir, host, path)
		}
	}
	if filepath.IsAbs(repoURL) {
		return join(baseDir, "local", repoURL)
	}
	return "", fmt.Errorf("could not parse git URL: %s", repoURL)
}

func join(baseDir, host, path string) (string, error) {
	path = strings.TrimSuffix(strings.Trim(filepath.ToSlash(path), "/"), ".git")
	if path == "" {
		return "", fmt.Errorf("git URL has no repository path")
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return "", fmt.Errorf("git URL path escapes the repository directory: %s", path)
		}
	}
	return filepath.Join(baseDir, host, filepath.FromSlash(path)), nil
}
