package deploy

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// Manifest identifies which dependency manifest drives the bundle's
// dependency resolution.
type Manifest string

const (
	ManifestRequirements Manifest = "requirements.txt"
	ManifestPyProject    Manifest = "pyproject.toml"
	ManifestDefault      Manifest = "default"
)

// resolvedManifestFile is written into the bundle with the final dependency
// list; the deployment template's entrypoint installs from it.
const resolvedManifestFile = "kookaburra_requirements.txt"

// DefaultDependencies is the bare dependency set used when the application
// ships no manifest of its own.
var DefaultDependencies = []string{"fastapi", "langchain", "openai"}

// Packager assembles a deployable bundle from the cloned application code
// and the fixed deployment template.
type Packager struct {
	templatePath string
	logger       *zap.Logger
}

// NewPackager constructs a Packager over the deployment template directory.
// The path is checked up front so a missing template fails the boot instead
// of the first deploy.
func NewPackager(templatePath string, logger *zap.Logger) (*Packager, error) {
	info, err := os.Stat(templatePath)
	if err != nil {
		return nil, fmt.Errorf("deployment template %s: %w", templatePath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("deployment template %s: not a directory", templatePath)
	}
	return &Packager{templatePath: templatePath, logger: logger}, nil
}

// Package merges the application tree with the deployment template into a
// fresh staging root and resolves the bundle's dependency list. Application
// code wins on path collisions; the template only supplies infrastructure
// glue the application does not own. The returned bundle path is owned by
// the caller, who must remove it on every exit path.
func (p *Packager) Package(appPath string) (string, error) {
	bundle, err := os.MkdirTemp("", "kookaburra-bundle-")
	if err != nil {
		return "", fmt.Errorf("create staging root: %w", err)
	}
	if err := p.fill(bundle, appPath); err != nil {
		_ = os.RemoveAll(bundle)
		return "", err
	}
	return bundle, nil
}

func (p *Packager) fill(bundle, appPath string) error {
	if err := copyTree(appPath, bundle, true); err != nil {
		return fmt.Errorf("copy application: %w", err)
	}
	if err := copyTree(p.templatePath, bundle, false); err != nil {
		return fmt.Errorf("copy template: %w", err)
	}

	deps, manifest, err := Dependencies(bundle)
	if err != nil {
		return err
	}
	p.logger.Debug("resolved bundle dependencies",
		zap.String("manifest", string(manifest)),
		zap.Int("count", len(deps)),
	)
	resolved := filepath.Join(bundle, resolvedManifestFile)
	if err := os.WriteFile(resolved, []byte(strings.Join(deps, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("write resolved manifest: %w", err)
	}
	return nil
}

// DetectManifest reports which manifest governs dir, in priority order:
// requirements manifest, then project manifest, then the bare default set.
func DetectManifest(dir string) Manifest {
	if fileExists(filepath.Join(dir, string(ManifestRequirements))) {
		return ManifestRequirements
	}
	if fileExists(filepath.Join(dir, string(ManifestPyProject))) {
		return ManifestPyProject
	}
	return ManifestDefault
}

// Dependencies resolves the bundle's dependency list: the default set plus
// the governing manifest's entries. Only the highest-priority manifest
// contributes; a project manifest is ignored when a requirements manifest
// is present.
func Dependencies(dir string) ([]string, Manifest, error) {
	manifest := DetectManifest(dir)
	deps := append([]string(nil), DefaultDependencies...)
	switch manifest {
	case ManifestRequirements:
		extra, err := readRequirements(filepath.Join(dir, string(ManifestRequirements)))
		if err != nil {
			return nil, manifest, err
		}
		deps = append(deps, extra...)
	case ManifestPyProject:
		extra, err := readPyProject(filepath.Join(dir, string(ManifestPyProject)))
		if err != nil {
			return nil, manifest, err
		}
		deps = append(deps, extra...)
	}
	return deps, manifest, nil
}

func readRequirements(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open requirements: %w", err)
	}
	defer f.Close()

	var deps []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		deps = append(deps, line)
	}
	return deps, scanner.Err()
}

func readPyProject(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open pyproject: %w", err)
	}
	var doc struct {
		Project struct {
			Dependencies []string `toml:"dependencies"`
		} `toml:"project"`
	}
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse pyproject: %w", err)
	}
	return doc.Project.Dependencies, nil
}

// copyTree copies src into dst. With overwrite false, existing destination
// files are left untouched.
func copyTree(src, dst string, overwrite bool) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		// Never carry VCS metadata into the bundle.
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !overwrite && fileExists(target) {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
