package gitclone

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// ErrCloneFailed signals a network or authentication failure fetching the
// repository. Retryable by a future push.
var ErrCloneFailed = errors.New("gitclone: clone failed")

// Cloner fetches a repository's default branch using an installation token.
type Cloner struct {
	gitPath string
	logger  *zap.Logger
}

// NewCloner constructs a Cloner using the git binary on PATH.
func NewCloner(logger *zap.Logger) *Cloner {
	return &Cloner{gitPath: "git", logger: logger}
}

// Clone performs a shallow clone of the default branch into dest, embedding
// the installation token as an x-access-token credential. On any failure the
// partially populated dest is removed; a directory is never silently left
// half-cloned.
func (c *Cloner) Clone(ctx context.Context, cloneURL, installationToken, dest string) (string, error) {
	authURL, err := authCloneURL(cloneURL, installationToken)
	if err != nil {
		return "", err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.gitPath, "clone", "--depth", "1", "--single-branch", authURL, dest)
	cmd.Stderr = &stderr
	// git must never prompt; a prompt would hang the pipeline.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := cmd.Run(); err != nil {
		_ = os.RemoveAll(dest)
		detail := redact(stderr.String(), installationToken)
		c.logger.Warn("git clone failed",
			zap.String("clone_url", cloneURL),
			zap.String("stderr", detail),
		)
		return "", fmt.Errorf("%w: %s: %s", ErrCloneFailed, cloneURL, strings.TrimSpace(detail))
	}
	return dest, nil
}

// authCloneURL rewrites an https clone URL to carry the installation token.
func authCloneURL(cloneURL, token string) (string, error) {
	if !strings.HasPrefix(cloneURL, "https://") {
		return "", fmt.Errorf("%w: unsupported clone url %q", ErrCloneFailed, cloneURL)
	}
	return strings.Replace(cloneURL, "https://", "https://x-access-token:"+token+"@", 1), nil
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
