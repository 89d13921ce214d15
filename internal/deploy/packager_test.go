package deploy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func newTestPackager(t *testing.T, templateFiles map[string]string) *Packager {
	t.Helper()
	template := t.TempDir()
	writeFiles(t, template, templateFiles)
	p, err := NewPackager(template, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestNewPackagerMissingTemplate(t *testing.T) {
	_, err := NewPackager(filepath.Join(t.TempDir(), "nope"), zap.NewNop())
	require.Error(t, err)
}

func TestPackage_ApplicationWinsOnCollision(t *testing.T) {
	p := newTestPackager(t, map[string]string{
		StubFile:  "template stub",
		"main.py": "template main",
	})
	app := t.TempDir()
	writeFiles(t, app, map[string]string{
		"main.py":     "application main",
		"handlers.py": "application handlers",
	})

	bundle, err := p.Package(app)
	require.NoError(t, err)
	defer os.RemoveAll(bundle)

	read := func(name string) string {
		raw, err := os.ReadFile(filepath.Join(bundle, name))
		require.NoError(t, err)
		return string(raw)
	}
	require.Equal(t, "application main", read("main.py"))
	require.Equal(t, "application handlers", read("handlers.py"))
	require.Equal(t, "template stub", read(StubFile))
}

func TestPackage_SkipsGitMetadata(t *testing.T) {
	p := newTestPackager(t, map[string]string{StubFile: "stub"})
	app := t.TempDir()
	writeFiles(t, app, map[string]string{
		"main.py":     "main",
		".git/config": "[core]",
	})

	bundle, err := p.Package(app)
	require.NoError(t, err)
	defer os.RemoveAll(bundle)

	_, err = os.Stat(filepath.Join(bundle, ".git"))
	require.True(t, os.IsNotExist(err))
}

func TestDependencies_RequirementsTakesPriority(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"requirements.txt": "httpx==0.27.0\n\n# comment\nnumpy\n",
		"pyproject.toml":   "[project]\ndependencies = [\"pandas\"]\n",
	})

	deps, manifest, err := Dependencies(dir)
	require.NoError(t, err)
	require.Equal(t, ManifestRequirements, manifest)
	require.Contains(t, deps, "httpx==0.27.0")
	require.Contains(t, deps, "numpy")
	require.NotContains(t, deps, "pandas")
	for _, d := range DefaultDependencies {
		require.Contains(t, deps, d)
	}
}

func TestDependencies_PyProjectFallback(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"pyproject.toml": "[project]\nname = \"demo\"\ndependencies = [\"pandas\", \"httpx\"]\n",
	})

	deps, manifest, err := Dependencies(dir)
	require.NoError(t, err)
	require.Equal(t, ManifestPyProject, manifest)
	require.Contains(t, deps, "pandas")
	require.Contains(t, deps, "httpx")
}

func TestDependencies_DefaultSet(t *testing.T) {
	deps, manifest, err := Dependencies(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, ManifestDefault, manifest)
	require.Equal(t, DefaultDependencies, deps)
}

func TestPackage_WritesResolvedManifest(t *testing.T) {
	p := newTestPackager(t, map[string]string{StubFile: "stub"})
	app := t.TempDir()
	writeFiles(t, app, map[string]string{"requirements.txt": "httpx\n"})

	bundle, err := p.Package(app)
	require.NoError(t, err)
	defer os.RemoveAll(bundle)

	raw, err := os.ReadFile(filepath.Join(bundle, resolvedManifestFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Contains(t, lines, "httpx")
	require.Contains(t, lines, "fastapi")
}

func TestEndpointURL(t *testing.T) {
	url := EndpointURL("kookaburracodes", "9f3c2d")
	require.Equal(t, "https://kookaburracodes--9f3c2d--api.modal.run/", url)
}
