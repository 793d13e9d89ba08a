package version

import (
	"fmt"
	"runtime"
)

// Set through -ldflags "-X candle-sync/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info renders build metadata as a multi-line block.
func Info() string {
	return fmt.Sprintf("candlesync %s\ncommit: %s\nbuilt: %s\ngo: %s %s/%s\n",
		Version, Commit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
