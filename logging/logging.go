package logging

import (
	"fmt"

	golog "github.com/textileio/go-log/v2"
	"go.uber.org/zap/zapcore"
)

// SetLogLevels sets levels for the given systems. The "*" system applies the
// level to every logger registered so far.
func SetLogLevels(systems map[string]golog.LogLevel) error {
	for sys, level := range systems {
		l := zapcore.Level(level).CapitalString()
		if sys == "*" {
			for _, s := range golog.GetSubsystems() {
				if err := golog.SetLogLevel(s, l); err != nil {
					return fmt.Errorf("setting level for %s: %s", s, err)
				}
			}
			continue
		}
		if err := golog.SetLogLevel(sys, l); err != nil {
			return fmt.Errorf("setting level for %s: %s", sys, err)
		}
	}
	return nil
}

// DebugLevels returns a level map raising the given systems to debug.
func DebugLevels(systems ...string) map[string]golog.LogLevel {
	m := make(map[string]golog.LogLevel, len(systems))
	for _, s := range systems {
		m[s] = golog.LevelDebug
	}
	return m
}
