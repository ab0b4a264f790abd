package worker

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/notebrook/cellkernel/internal/protocol"
)

// isTypeScript reports whether the cell's source needs transpilation before
// the engine can run it.
func isTypeScript(cell protocol.CellInfo) bool {
	switch strings.ToLower(cell.Language) {
	case "typescript", "ts", "tsx":
		return true
	}
	switch strings.ToLower(filepath.Ext(cell.Filename)) {
	case ".ts", ".tsx", ".mts", ".cts":
		return true
	}
	return false
}

// transpileTypeScript lowers TypeScript source to plain JavaScript the
// engine understands. Errors come back formatted with the cell's file name
// and position so they read like compiler output.
func transpileTypeScript(code, filename string) (string, error) {
	loader := api.LoaderTS
	if strings.HasSuffix(strings.ToLower(filename), ".tsx") {
		loader = api.LoaderTSX
	}
	result := api.Transform(code, api.TransformOptions{
		Loader:     loader,
		Target:     api.ES2017,
		Sourcefile: filename,
	})
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		if msg.Location != nil {
			return "", fmt.Errorf("%s:%d:%d: %s", msg.Location.File, msg.Location.Line, msg.Location.Column, msg.Text)
		}
		return "", fmt.Errorf("%s: %s", filename, msg.Text)
	}
	return string(result.Code), nil
}
