package watcher

import (
	"os"
	"time"
)

// waitStable polls path's size until it has been unchanged for at least
// stableFor, polling every pollEvery. Returns false without error if done
// fires first (session stopped mid-check). Avoids picking up files still
// being written by the upstream acquisition software (spec §4.2).
func waitStable(path string, pollEvery, stableFor time.Duration, done <-chan struct{}) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	lastSize := info.Size()
	stableSince := time.Now()

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return false, nil
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				return false, err
			}
			if info.Size() != lastSize {
				lastSize = info.Size()
				stableSince = time.Now()
				continue
			}
			if time.Since(stableSince) >= stableFor {
				return true, nil
			}
		}
	}
}
