// Package collaborators holds the contracts for everything spec §1 places
// out of scope: display rendering, the eye/pixel animation, touch-driver
// init, low-level I2S/codec/GPIO bring-up, firmware self-update, Wi-Fi
// provisioning, and credential storage. Only the interfaces session and
// pipeline actually call appear here — no implementation, per §1.
package collaborators

import "time"

// UI reflects session state to the animated face / status surfaces. Pure
// output of B's state; B never reads UI state back (spec §7 "User-visible
// surfaces").
type UI interface {
	// SetStatus updates the status label text shown on the round display.
	SetStatus(text string)
	// SetExpression triggers an expression overlay for the given duration.
	SetExpression(expr string, duration time.Duration)
	// SetReconnectCountdown surfaces the seconds remaining until the next
	// reconnect attempt, or 0 to clear it.
	SetReconnectCountdown(seconds int)
	// SetThinking toggles the "thinking" animation.
	SetThinking(on bool)
	// SetMusicTitle surfaces the current track title on the display, or
	// clears it when title is empty (spec §6 music_start's optional title).
	SetMusicTitle(title string)
}

// LED drives the status LED pattern collaborator.
type LED interface {
	SetPattern(pattern Pattern)
}

// Pattern is one of the status LED's supported patterns.
type Pattern int

const (
	PatternOff Pattern = iota
	PatternIdle
	PatternListening
	PatternThinking
	PatternSpeaking
	PatternMusic
	PatternError
)

// TouchSource delivers touch-originated wake events. A touch wake bypasses
// both the AEC-convergence gate and the acoustic playback mute (spec §4.1
// point 5, §9), so it reaches the session in every pipeline mode; the
// session then handles it exactly like an acoustic wake.
type TouchSource interface {
	// Wake returns a channel that receives a value each time the touch
	// surface is pressed in a way the UI collaborator maps to "wake".
	Wake() <-chan struct{}
}

// FirmwareUpdateSession is the explicit "session controller" abstraction
// spec §9 calls for in place of the original's globally-shared connection
// flag: an atomic close operation the update collaborator can use without
// reaching into B's internals, plus a flag B consults to suppress error
// surfacing during an intentional close (spec §7 "Firmware update
// interaction").
type FirmwareUpdateSession interface {
	// InProgress reports whether a firmware update is currently running.
	// While true, B does not flag a transport loss as a user-visible error
	// and stays out of Error. Reconnect is not suppressed: the transport's
	// reconnect loop does not consult this flag.
	InProgress() bool
	// CloseForUpdate intentionally closes the transport so the updater can
	// reclaim buffers, without triggering B's normal error path.
	CloseForUpdate() error
}

// NoopUI, NoopLED, and NoopFirmwareUpdateSession are safe defaults for
// builds/tests that don't wire a real collaborator.
type NoopUI struct{}

func (NoopUI) SetStatus(string)                    {}
func (NoopUI) SetExpression(string, time.Duration) {}
func (NoopUI) SetReconnectCountdown(int)           {}
func (NoopUI) SetThinking(bool)                    {}
func (NoopUI) SetMusicTitle(string)                {}

type NoopLED struct{}

func (NoopLED) SetPattern(Pattern) {}

type NoopFirmwareUpdateSession struct{}

func (NoopFirmwareUpdateSession) InProgress() bool     { return false }
func (NoopFirmwareUpdateSession) CloseForUpdate() error { return nil }
