package version

import (
	"fmt"
	"io"
	"runtime"

	"github.com/alvarorichard/animeworld/internal/tracking"
)

// Version is overridden at build time with -ldflags "-X ...version.Version=".
var Version = "1.0.0"

// String is the one-line version banner
func String() string {
	history := "without delivery history"
	if tracking.IsCgoEnabled {
		history = "with SQLite delivery history"
	}
	return fmt.Sprintf("AnimeWorld bot v%s (%s, %s/%s)", Version, history, runtime.GOOS, runtime.GOARCH)
}

func ShowVersion(w io.Writer) {
	fmt.Fprintln(w, String())
}
