package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only log level, thresholds and distortion tuning are applied live; any
// other change is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ThresholdsChanged is set when the indicator cutoffs differ. New
	// cutoffs apply to sessions created after the reload.
	ThresholdsChanged bool

	// DistortionChanged is set when the distortion tuning differs. Like
	// thresholds, it applies to new sessions only.
	DistortionChanged bool

	// RestartRequired names the top-level sections whose changes are
	// ignored until the process restarts.
	RestartRequired []string
}

// HasChanges reports whether d contains any change.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.ThresholdsChanged || d.DistortionChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Thresholds != new.Thresholds {
		d.ThresholdsChanged = true
	}
	if old.Distortion != new.Distortion {
		d.DistortionChanged = true
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Analysis != new.Analysis {
		d.RestartRequired = append(d.RestartRequired, "analysis")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	slices.Sort(d.RestartRequired)

	return d
}
