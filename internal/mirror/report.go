package mirror

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Failure is a package that could not be synced.
type Failure struct {
	Package  string `yaml:"package"`
	Version  string `yaml:"version"`
	Source   string `yaml:"source"`
	Category string `yaml:"category"`
	Reason   string `yaml:"reason"`
}

// Report summarizes one sync run.
type Report struct {
	Added        int       `yaml:"added"`
	Skipped      int       `yaml:"skipped"`
	Failed       int       `yaml:"failed"`
	NotAttempted int       `yaml:"not_attempted"`
	Pruned       int       `yaml:"pruned,omitempty"`
	Bytes        uint64    `yaml:"bytes"`
	Aborted      bool      `yaml:"aborted"`
	Failures     []Failure `yaml:"failures,omitempty"`
}

// OK reports whether every package is in the mirror.
func (r *Report) OK() bool {
	return r.Failed == 0 && r.NotAttempted == 0 && !r.Aborted
}

// Print writes a human readable summary to w.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Sync Summary ===")
	fmt.Fprintf(w, "  Added:          %d (%s)\n", r.Added, formatBytes(r.Bytes))
	fmt.Fprintf(w, "  Skipped:        %d\n", r.Skipped)
	fmt.Fprintf(w, "  Failed:         %d\n", r.Failed)
	if r.NotAttempted > 0 {
		fmt.Fprintf(w, "  Not attempted:  %d\n", r.NotAttempted)
	}
	if r.Pruned > 0 {
		fmt.Fprintf(w, "  Pruned:         %d\n", r.Pruned)
	}
	if r.Aborted {
		fmt.Fprintln(w, "  Run aborted")
	}
	if len(r.Failures) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Failures:")
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  %s@%s [%s]: %s\n", f.Package, f.Version, f.Category, f.Reason)
		}
	}
	fmt.Fprintln(w)
}

// WriteFile saves the report as YAML.
func (r *Report) WriteFile(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode report")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { // #nosec G306 - reports are not secret
		return errors.Wrap(err, "write report")
	}
	return nil
}

// formatBytes formats a byte count as a human-readable string
func formatBytes(bytes uint64) string {
	if bytes == 0 {
		return "0 B"
	}

	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	size := float64(bytes)
	unitIndex := 0

	for size >= 1024 && unitIndex < len(units)-1 {
		size /= 1024
		unitIndex++
	}

	if unitIndex == 0 {
		return fmt.Sprintf("%.0f %s", size, units[unitIndex])
	}
	return fmt.Sprintf("%.2f %s", size, units[unitIndex])
}
