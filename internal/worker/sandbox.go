package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja_nodejs/require"

	"github.com/notebrook/cellkernel/internal/protocol"
)

const (
	sandboxDirPerm   = 0o755
	envManifestName  = ".env.json"
	nodeModulesDir   = "node_modules"
	manifestFilePerm = 0o644
)

// ensureSandbox creates the notebook's sandbox directory under root and
// returns its path. The notebook ID becomes a directory name, so IDs that
// could escape the root are rejected.
func ensureSandbox(root, notebookID string) (string, error) {
	if notebookID == "" {
		return "", errors.New("empty notebook id")
	}
	if strings.ContainsAny(notebookID, `/\`) || notebookID == "." || notebookID == ".." {
		return "", fmt.Errorf("notebook id %q is not a valid sandbox name", notebookID)
	}
	dir := filepath.Join(root, notebookID)
	if err := os.MkdirAll(filepath.Join(dir, nodeModulesDir), sandboxDirPerm); err != nil {
		return "", fmt.Errorf("failed to create sandbox: %w", err)
	}
	return dir, nil
}

// writeEnvManifest records the job's environment descriptor in the sandbox
// so external tooling can materialize declared packages. Execution does not
// depend on it.
func writeEnvManifest(dir string, env *protocol.EnvSpec) error {
	if env == nil {
		return nil
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode env manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, envManifestName), data, manifestFilePerm); err != nil {
		return fmt.Errorf("failed to write env manifest: %w", err)
	}
	return nil
}

// newSandboxLoader returns a require source loader confined to dir. Paths
// that resolve outside the sandbox report module-not-found, the signal the
// resolver treats as "keep looking" rather than a hard failure. TypeScript
// modules are transpiled on load.
func newSandboxLoader(dir string) require.SourceLoader {
	root := filepath.Clean(dir)
	return func(path string) ([]byte, error) {
		p := filepath.Clean(filepath.FromSlash(path))
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
			return nil, require.ModuleFileDoesNotExistError
		}
		fi, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, require.ModuleFileDoesNotExistError
			}
			return nil, err
		}
		if fi.IsDir() {
			// The resolver probes directories while looking for index files.
			return nil, require.ModuleFileDoesNotExistError
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if ext := strings.ToLower(filepath.Ext(p)); ext == ".ts" || ext == ".tsx" {
			js, terr := transpileTypeScript(string(data), filepath.Base(p))
			if terr != nil {
				return nil, terr
			}
			return []byte(js), nil
		}
		return data, nil
	}
}
