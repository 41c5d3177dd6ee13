// Package version exposes the build metadata stamped into the binary with
// -ldflags.
package version

// Info is the build metadata of one binary.
type Info struct {
	Number string
	Commit string
	Date   string
}

var current = Info{Number: "dev", Commit: "unknown", Date: "unknown"}

// Init records the build metadata. main calls this once, before anything
// reads it.
func Init(number, commit, date string) {
	current = Info{Number: number, Commit: commit, Date: date}
}

// Current returns the recorded build metadata.
func Current() Info { return current }
