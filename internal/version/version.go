package version

import (
	"fmt"
	"log"
	"runtime"
)

// Populated at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const Name = "convoy"

func PrintVersionInfo(verbose bool, out *log.Logger) {
	out.Printf("%s %s", Name, Version)
	if verbose {
		out.Printf("  commit:  %s", Commit)
		out.Printf("  built:   %s", Date)
		out.Printf("  runtime: %s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	}
}

func String() string {
	return fmt.Sprintf("%s %s (%s)", Name, Version, Commit)
}
