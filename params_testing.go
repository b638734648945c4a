//go:build test

package flashlog

// maxGCPassesPerWake is the maximum number of garbage collection passes executed by the worker after single wake.
const maxGCPassesPerWake = 2
