package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes get their own flags; everything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DCTableChanged is true when the default DC or any rule changed.
	DCTableChanged bool

	// BudgetsChanged is true when any latency budget changed.
	BudgetsChanged bool

	TriggerChanged bool

	// RestartRequired names top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// HotReloadable reports whether any change can be applied in place.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.DCTableChanged || d.BudgetsChanged || d.TriggerChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.DCTable.Default != new.DCTable.Default || !slices.Equal(old.DCTable.Rules, new.DCTable.Rules) {
		d.DCTableChanged = true
	}
	d.BudgetsChanged = old.Latency != new.Latency
	d.TriggerChanged = old.Trigger != new.Trigger

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	restart := []struct {
		section string
		changed bool
	}{
		{"server", !reflect.DeepEqual(oldServer, newServer)},
		{"models", !reflect.DeepEqual(old.Models, new.Models)},
		{"services", !reflect.DeepEqual(old.Services, new.Services)},
		{"classifier", old.Classifier != new.Classifier},
		{"bridge", old.Bridge != new.Bridge},
		{"lore", old.Lore != new.Lore},
		{"health", !reflect.DeepEqual(old.Health, new.Health)},
		{"session", old.Session != new.Session},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.section)
		}
	}
	return d
}
