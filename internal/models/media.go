package models

// FormatDescriptor is one stream variant reported by the format probe
type FormatDescriptor struct {
	Height        int // 0 when the probe did not report one
	HasVideo      bool
	HasAudio      bool
	TrackID       string
	LanguageLabel string
	Note          string
}

// IsAudioOnly reports whether the format carries audio and no video
func (f FormatDescriptor) IsAudioOnly() bool {
	return f.HasAudio && !f.HasVideo
}

// AudioTrack is a deduplicated audio option offered to the user
type AudioTrack struct {
	ID    string
	Label string
}

// Label picks the most descriptive name available for an audio format:
// language, then the format note, then the raw track identifier.
func (f FormatDescriptor) Label() string {
	switch {
	case f.LanguageLabel != "":
		return f.LanguageLabel
	case f.Note != "":
		return f.Note
	default:
		return f.TrackID
	}
}
