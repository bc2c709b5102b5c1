package bootstrap

import (
	"embed"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// ReadTemplate returns the content of an embedded template file.
func ReadTemplate(name string) (string, error) {
	content, err := fs.ReadFile(templateFS, "templates/"+name)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureWorkspaceFiles seeds the starter prompt files into a workspace.
// Files already present are left alone. Returns the names created.
func EnsureWorkspaceFiles(workspaceDir string) ([]string, error) {
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range []string{IdentityFile, AgentsFile, HeartbeatFile} {
		content, err := fs.ReadFile(templateFS, "templates/"+name)
		if err != nil {
			slog.Warn("bootstrap: missing template", "file", name, "error", err)
			continue
		}

		// O_EXCL keeps concurrent gateways from clobbering each other.
		f, err := os.OpenFile(filepath.Join(workspaceDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			slog.Warn("bootstrap: failed to seed template", "file", name, "error", err)
			continue
		}
		_, werr := f.Write(content)
		f.Close()
		if werr != nil {
			return created, werr
		}
		created = append(created, name)
	}
	return created, nil
}
