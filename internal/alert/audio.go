package alert

import (
	"io"
	"sync"

	"github.com/aquamarinepk/aqm"
)

// AudioAlert plays an audible cue when a new order arrives on the
// kitchen board. It is an injected service so that views never reach
// for a global sound effect, and tests can capture the output.
type AudioAlert struct {
	mu      sync.Mutex
	out     io.Writer
	enabled bool
	logger  aqm.Logger
}

// NewAudioAlert builds an alert service writing the terminal bell to
// out. A nil out disables playback without disabling the service.
func NewAudioAlert(out io.Writer, logger aqm.Logger) *AudioAlert {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &AudioAlert{
		out:     out,
		enabled: out != nil,
		logger:  logger,
	}
}

// SetEnabled toggles playback at runtime.
func (a *AudioAlert) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled && a.out != nil
}

// Play emits the alert cue for a newly arrived order.
func (a *AudioAlert) Play(orderNumber string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.enabled {
		return
	}
	if _, err := a.out.Write([]byte("\a")); err != nil {
		a.logger.Error("failed to play new order alert", "order_number", orderNumber, "error", err)
		return
	}
	a.logger.Debug("played new order alert", "order_number", orderNumber)
}
