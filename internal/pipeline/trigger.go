package pipeline

import "time"

// Trigger defaults.
const (
	DefaultMinSpeech             = 6 * time.Second
	DefaultPauseThreshold        = time.Second
	DefaultClearActionConfidence = 0.95
)

// TriggerConfig holds the thresholds that start the prelude before the final
// transcript is known.
type TriggerConfig struct {
	MinSpeech             time.Duration `yaml:"min_speech"`
	PauseThreshold        time.Duration `yaml:"pause"`
	ClearActionConfidence float64       `yaml:"clear_action_confidence"`
}

// DefaultTriggerConfig returns the built-in thresholds.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		MinSpeech:             DefaultMinSpeech,
		PauseThreshold:        DefaultPauseThreshold,
		ClearActionConfidence: DefaultClearActionConfidence,
	}
}

// withDefaults fills zero fields.
func (c TriggerConfig) withDefaults() TriggerConfig {
	d := DefaultTriggerConfig()
	if c.MinSpeech <= 0 {
		c.MinSpeech = d.MinSpeech
	}
	if c.PauseThreshold <= 0 {
		c.PauseThreshold = d.PauseThreshold
	}
	if c.ClearActionConfidence <= 0 {
		c.ClearActionConfidence = d.ClearActionConfidence
	}
	return c
}

// Signals are the speech measurements that accompany an utterance.
type Signals struct {
	SpeechDuration time.Duration
	Pause          time.Duration
	VADEnded       bool
}

// TriggerReason names the condition that fired.
type TriggerReason string

const (
	TriggerNone        TriggerReason = ""
	TriggerLongSpeech  TriggerReason = "long_speech"
	TriggerPause       TriggerReason = "pause"
	TriggerVADEnd      TriggerReason = "vad_end"
	TriggerClearAction TriggerReason = "clear_action"
)

// ShouldTrigger reports whether the prelude may start immediately. The
// conditions are checked in order: long speech, pause, end of speech, and a
// confident action classification.
func (c TriggerConfig) ShouldTrigger(s Signals, confidence float64) (bool, TriggerReason) {
	c = c.withDefaults()
	switch {
	case s.SpeechDuration >= c.MinSpeech:
		return true, TriggerLongSpeech
	case s.Pause >= c.PauseThreshold:
		return true, TriggerPause
	case s.VADEnded:
		return true, TriggerVADEnd
	case confidence >= c.ClearActionConfidence:
		return true, TriggerClearAction
	}
	return false, TriggerNone
}
