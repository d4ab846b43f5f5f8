// Package clock tracks the one piece of local state a node must persist
// across restarts to keep its identity stable while still letting peers
// tell incarnations apart: its Generation counter.
package clock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mu-protocol/executor/pkg/types"
)

const generationFile = "generation"

// NextGeneration reads the last persisted generation from dataDir, bumps
// it by one, persists the new value, and returns it. Called exactly once
// at startup. A node that loses this file (disk wipe) starts over at
// generation 1; membership merge still converges because generation only
// needs to strictly increase within the lifetime of peers that remember
// the old one, and a restarted node always republishes Alive.
func NextGeneration(dataDir string) (types.Generation, error) {
	path := filepath.Join(dataDir, generationFile)
	var current uint64
	if data, err := os.ReadFile(path); err == nil {
		v, perr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if perr == nil {
			current = v
		}
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("clock: read generation file: %w", err)
	}

	next := current + 1
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return 0, fmt.Errorf("clock: create data dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(next, 10)), 0o600); err != nil {
		return 0, fmt.Errorf("clock: write generation file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("clock: commit generation file: %w", err)
	}
	return types.Generation(next), nil
}
