package delivery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SeqWidth is the number of leading digits in an artifact filename that form
// its sequence. Changing it breaks every stored cursor.
const SeqWidth = 14

// seqLayout is the time layout the sequence digits are written in.
const seqLayout = "20060102150405"

// Destination identifies a logical delivery target such as one chat.
type Destination string

// Artifact is one captured payload waiting on disk for delivery.
type Artifact struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueItem is an artifact plus the bookkeeping the queue keeps for it.
type QueueItem struct {
	Artifact   Artifact
	Attempts   int
	EnqueuedAt time.Time
}

// ParseArtifact builds an Artifact from a capture file path. The filename must
// carry a run of at least SeqWidth digits after its last underscore, e.g.
// screenshot_20240131120501123.png.
func ParseArtifact(path string) (Artifact, error) {
	name := filepath.Base(path)
	id, err := sequenceID(name)
	if err != nil {
		return Artifact{}, err
	}

	seq, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %s: %v", ErrNotArtifact, name, err)
	}

	a := Artifact{
		ID:   id,
		Seq:  seq,
		Name: name,
		Path: path,
	}
	if t, err := time.ParseInLocation(seqLayout, id, time.Local); err == nil {
		a.CreatedAt = t
	} else if info, statErr := os.Stat(path); statErr == nil {
		a.CreatedAt = info.ModTime()
	}
	return a, nil
}

func sequenceID(name string) (string, error) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	idx := strings.LastIndexByte(stem, '_')
	if idx < 0 {
		return "", fmt.Errorf("%w: %s", ErrNotArtifact, name)
	}
	digits := stem[idx+1:]
	if len(digits) < SeqWidth {
		return "", fmt.Errorf("%w: %s", ErrNotArtifact, name)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %s", ErrNotArtifact, name)
		}
	}
	return digits[:SeqWidth], nil
}

// IsArtifactName reports whether name parses as a capture filename.
func IsArtifactName(name string) bool {
	_, err := sequenceID(name)
	return err == nil
}

var (
	ErrQueueClosed      = errors.New("delivery queue is closed")
	ErrNotArtifact      = errors.New("not an artifact filename")
	ErrNoQuarantine     = errors.New("no quarantine directory configured")
	ErrQuarantineFailed = errors.New("quarantine relocation failed")
	ErrDuplicate        = errors.New("artifact already delivered")
)
