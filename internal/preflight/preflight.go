package preflight

import (
	"context"
	"sort"

	"narrator/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// minDownloadSpace is the free space floor for the download directory. Books
// are small but the TTS output staged next to them is not.
const minDownloadSpace = 1 << 30

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Data directory", cfg.Paths.DataDir))
	results = append(results, CheckDirectoryAccess("Download directory", cfg.Paths.DownloadDir))
	results = append(results, CheckDirectoryAccess("Audio directory", cfg.Paths.AudioDir))
	if cfg.Paths.LogDir != "" {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}

	results = append(results, CheckDiskSpace("Download disk space", cfg.Paths.DownloadDir, minDownloadSpace))

	names := make([]string, 0, len(cfg.Capabilities))
	for name := range cfg.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		capability := cfg.Capabilities[name]
		results = append(results, CheckCapability(ctx, name, capability.BaseURL, capability.Critical))
	}

	return results
}

// AllPassed reports whether every check passed.
func AllPassed(results []Result) bool {
	for _, result := range results {
		if !result.Passed {
			return false
		}
	}
	return true
}
