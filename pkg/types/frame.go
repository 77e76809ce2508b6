package types

import (
	"fmt"
	"time"
)

// OverlayFrame is one encoded overlay image ready for fan-out.
type OverlayFrame struct {
	Data      []byte    // JPEG-encoded overlay
	Timestamp time.Time // Wall-clock time the frame was rendered
	FrameNum  uint64    // Sequential render number
	Width     int       // Overlay width (display size)
	Height    int       // Overlay height (display size)
	Boxes     int       // Number of boxes drawn
}

// ConnState is the live stream connection state.
type ConnState uint8

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosedRetrying
	StateClosedFinal
	StateError
)

var connStateNames = [...]string{
	StateConnecting:     "connecting",
	StateOpen:           "open",
	StateClosedRetrying: "closed-retrying",
	StateClosedFinal:    "closed-final",
	StateError:          "error",
}

func (s ConnState) String() string {
	if int(s) < len(connStateNames) {
		return connStateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further automatic action follows this state.
func (s ConnState) Terminal() bool {
	return s == StateClosedFinal || s == StateError
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConnState) UnmarshalText(text []byte) error {
	for i, name := range connStateNames {
		if name == string(text) {
			*s = ConnState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}
