package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is set when audio or VAD parameters differ. New values apply
	// to sessions started afterwards; running sessions keep theirs.
	VADChanged bool

	// VocabularyChanged is set when the correction vocabulary differs. It is
	// swapped into the transcript pipeline immediately.
	VocabularyChanged bool
	NewVocabulary     []string

	// RestartRequired lists sections that changed but only take effect after
	// a restart (listener, providers, archive, telemetry).
	RestartRequired []string
}

// HasChanges reports whether anything at all differs.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.VADChanged || d.VocabularyChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Audio != new.Audio || !reflect.DeepEqual(old.VAD, new.VAD) {
		d.VADChanged = true
	}

	if !slices.Equal(old.Transcript.Vocabulary, new.Transcript.Vocabulary) {
		d.VocabularyChanged = true
		d.NewVocabulary = slices.Clone(new.Transcript.Vocabulary)
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	oldT, newT := old.Transcript, new.Transcript
	oldT.Vocabulary, newT.Vocabulary = nil, nil
	if !reflect.DeepEqual(oldT, newT) {
		d.RestartRequired = append(d.RestartRequired, "transcript")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	if !reflect.DeepEqual(old.Telemetry, new.Telemetry) {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
