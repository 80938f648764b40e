package update

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Fetcher places a revision of the code base in dest and reports its identifier.
type Fetcher interface {
	Fetch(ctx context.Context, dest string) (revision string, err error)
}

// Installer rebuilds dependencies in the working tree.
type Installer interface {
	Install(ctx context.Context, workDir string) error
}

// GitFetcher shallow-clones one branch of a remote repository.
type GitFetcher struct {
	RepoURL string
	Branch  string
}

func (g GitFetcher) Fetch(ctx context.Context, dest string) (string, error) {
	if g.RepoURL == "" {
		return "", fmt.Errorf("no update repository configured")
	}
	args := []string{"clone", "--depth", "1", "--quiet"}
	if g.Branch != "" {
		args = append(args, "--branch", g.Branch)
	}
	args = append(args, g.RepoURL, dest)
	if _, err := run(ctx, "", "git", args...); err != nil {
		return "", err
	}
	out, err := run(ctx, dest, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ShellInstaller runs a shell command in the working tree.
type ShellInstaller struct {
	Command string
}

func (s ShellInstaller) Install(ctx context.Context, workDir string) error {
	_, err := run(ctx, workDir, "sh", "-c", s.Command)
	return err
}

func run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
