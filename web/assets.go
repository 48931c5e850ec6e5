// Package web embeds the foreman dashboard, a single page that lists
// sessions and follows the websocket event stream.
package web

import (
	"embed"
	"io/fs"
	"os"
)

//go:embed dist/*
var assets embed.FS

// Assets returns the dashboard files. When devDir names an existing
// directory it is served from disk so the page can be edited without a
// rebuild; otherwise the embedded copy is used.
func Assets(devDir string) fs.FS {
	if devDir != "" {
		if stat, err := os.Stat(devDir); err == nil && stat.IsDir() {
			return os.DirFS(devDir)
		}
	}
	sub, err := fs.Sub(assets, "dist")
	if err != nil {
		panic("failed to access embedded web assets: " + err.Error())
	}
	return sub
}
