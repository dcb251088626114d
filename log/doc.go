// Package log provides the leveled, printf-style logging used across stateflow.
//
// GologLogger forwards to github.com/kataras/golog and NoOpLogger drops
// everything. The engine and the watchdog accept any Logger and fall back to
// the package default when none is given.
//
//	logger := log.New(os.Stderr, log.LogLevelInfo)
//	logger.Info("claimed %d states", n)
//
// Levels are read from configuration with ParseLevel.
package log
