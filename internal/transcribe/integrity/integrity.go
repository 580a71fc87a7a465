// Package integrity hashes inputs and decides whether a prior result is
// still valid.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ChunkSize is the read size used while hashing.
const ChunkSize = 1 << 20

// HashFile streams path through SHA-256 and returns the lowercase hex digest.
func HashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Reason explains a skip decision.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonCompleted   Reason = "completed"
	ReasonExists      Reason = "exists"
	ReasonStale       Reason = "stale"
	ReasonDryRun      Reason = "dry-run"
	ReasonLockTimeout Reason = "lock-timeout"
)

// Inputs is everything the staleness rule looks at.
type Inputs struct {
	// OutputsReady is true when the primary artifact, and the secondary
	// one if enabled, already exist.
	OutputsReady   bool
	Force          bool
	Overwrite      bool
	SkipDone       bool
	IntegrityCheck bool
	CurrentHash    string
	RecordedHash   string
}

// Decision is the outcome of Classify.
type Decision struct {
	Skip   bool
	Reason Reason
	Stale  bool
}

// Classify applies the skip rules. With integrity checking on and both
// hashes known, a matching hash skips as completed and a differing hash
// skips as stale unless overwrite is set. Otherwise it falls back to
// presence only.
func Classify(in Inputs) Decision {
	if !in.OutputsReady || in.Force {
		return Decision{}
	}

	if in.IntegrityCheck && in.CurrentHash != "" && in.RecordedHash != "" {
		if in.CurrentHash != in.RecordedHash {
			if in.Overwrite {
				return Decision{Stale: true}
			}
			return Decision{Skip: true, Reason: ReasonStale, Stale: true}
		}
		if in.SkipDone && !in.Overwrite {
			return Decision{Skip: true, Reason: ReasonCompleted}
		}
	}

	if in.Overwrite {
		return Decision{}
	}
	if in.SkipDone {
		return Decision{Skip: true, Reason: ReasonCompleted}
	}
	return Decision{Skip: true, Reason: ReasonExists}
}
