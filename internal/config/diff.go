package config

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; anything that only takes
// effect on the next session is summarised by RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PlaybackSpeedChanged bool
	NewPlaybackSpeed     float64

	ContactChanged bool
	NewContact     ContactConfig

	// RestartRequired is true when the provider, session, or audio device
	// settings changed. These apply to the next session that starts.
	RestartRequired bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PlaybackSpeedChanged && !d.ContactChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Audio.PlaybackSpeed != new.Audio.PlaybackSpeed {
		d.PlaybackSpeedChanged = true
		d.NewPlaybackSpeed = new.Audio.PlaybackSpeed
	}

	if old.Contact != new.Contact {
		d.ContactChanged = true
		d.NewContact = new.Contact
	}

	d.RestartRequired = old.Provider != new.Provider ||
		!sessionEqual(old.Session, new.Session) ||
		old.Audio.CaptureDevice != new.Audio.CaptureDevice ||
		old.Audio.CaptureFile != new.Audio.CaptureFile ||
		old.Audio.PlaybackFile != new.Audio.PlaybackFile ||
		old.Audio.FrameSize != new.Audio.FrameSize ||
		old.Audio.RecordDir != new.Audio.RecordDir

	return d
}

func sessionEqual(a, b SessionConfig) bool {
	return a.Instructions == b.Instructions &&
		a.GreetingText() == b.GreetingText() &&
		a.InputTranscription == b.InputTranscription &&
		a.OutputTranscriptionEnabled() == b.OutputTranscriptionEnabled() &&
		a.AutoStart == b.AutoStart
}
