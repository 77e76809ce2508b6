package livemonitor

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/traffic-vision/overlay-monitor/internal/stats"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

// Server event type discriminators.
const (
	TypeUpdate   = "processing_update"
	TypeComplete = "processing_complete"
	TypeError    = "processing_error"
)

var errMalformed = errors.New("malformed event")

// Update is a decoded processing_update.
type Update struct {
	Progress      float64
	ServerFPS     *float64
	Counts        stats.Counts
	UnknownCounts []string
	HasDetections bool
	Detections    []types.Detection
	Skipped       int
}

// Percent is the progress fraction as a rounded percentage.
func (u Update) Percent() int {
	return percent(u.Progress)
}

// peekType returns the discriminator without decoding the rest of the frame.
func peekType(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("%w: invalid JSON", errMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return "", fmt.Errorf("%w: not an object", errMalformed)
	}
	t := root.Get("type")
	if t.Type != gjson.String {
		return "", fmt.Errorf("%w: missing type", errMalformed)
	}
	return t.Str, nil
}

func decodeUpdate(data []byte) (Update, error) {
	root := gjson.ParseBytes(data)

	progress := root.Get("progress")
	if progress.Type != gjson.Number {
		return Update{}, fmt.Errorf("%w: progress is not a number", errMalformed)
	}
	counts := root.Get("counts")
	if !counts.IsObject() {
		return Update{}, fmt.Errorf("%w: counts is not an object", errMalformed)
	}

	raw := make(map[string]int)
	var bad error
	counts.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.Number {
			bad = fmt.Errorf("%w: count %q is not a number", errMalformed, key.String())
			return false
		}
		raw[key.String()] = int(value.Int())
		return true
	})
	if bad != nil {
		return Update{}, bad
	}

	u := Update{Progress: progress.Float()}
	u.Counts, u.UnknownCounts = stats.CountsFromWire(raw)

	if fps := root.Get("fps"); fps.Type == gjson.Number {
		v := fps.Float()
		u.ServerFPS = &v
	}

	if dets := root.Get("detections"); dets.IsArray() {
		valid, skipped, err := types.DecodeDetections([]byte(dets.Raw))
		if err != nil {
			return Update{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		u.HasDetections = true
		u.Detections = valid
		u.Skipped = skipped
	}
	return u, nil
}

func decodeComplete(data []byte) string {
	return gjson.GetBytes(data, "results_url").String()
}

func decodeError(data []byte) string {
	msg := gjson.GetBytes(data, "message").String()
	if msg == "" {
		msg = "Processing failed"
	}
	return msg
}
