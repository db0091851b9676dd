// Package web embeds the dashboard page of the monitoring server.
package web

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

//go:embed dist/*
var dist embed.FS

// AssetDirEnv names a directory to serve the dashboard from instead of the
// embedded copy. The value "source" selects the dist directory of this
// package, so that edits to the page show up without a rebuild.
const AssetDirEnv = "AUTOINSTR_MONITOR_ASSETS"

// Assets returns the files of the dashboard.
func Assets() http.FileSystem {
	if dir := assetDir(); dir != "" {
		fmt.Fprintf(os.Stderr, "autoinstr monitor: serving dashboard from %s\n", dir)
		return http.Dir(dir)
	}

	sub, err := fs.Sub(dist, "dist")
	if err != nil {
		panic(err)
	}

	return http.FS(sub)
}

func assetDir() string {
	dir := strings.TrimSpace(os.Getenv(AssetDirEnv))
	if dir != "source" {
		return dir
	}

	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}

	return filepath.Join(filepath.Dir(file), "dist")
}
