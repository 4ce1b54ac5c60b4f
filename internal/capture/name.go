// Package capture is the producer side of the relay: it names capture files
// and watches the directory the capture tool writes into.
package capture

import (
	"fmt"
	"path/filepath"
	"time"
)

// Prefix is the filename prefix the capture tool uses.
const Prefix = "screenshot_"

// NewArtifactName returns the filename for a capture taken at t:
// screenshot_<YYYYMMDDHHMMSS><milliseconds>.png. The first fourteen digits
// are the delivery sequence.
func NewArtifactName(t time.Time) string {
	return fmt.Sprintf("%s%s%03d.png", Prefix, t.Format("20060102150405"), t.Nanosecond()/int(time.Millisecond))
}

// NewArtifactPath joins dir and the name for t.
func NewArtifactPath(dir string, t time.Time) string {
	return filepath.Join(dir, NewArtifactName(t))
}
