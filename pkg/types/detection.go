package types

import (
	"encoding/json"
	"fmt"
)

// Detection is one bounding box in one video frame. Coordinates are in the
// source video's native resolution.
type Detection struct {
	Timestamp  float64
	Type       VehicleType
	X1, Y1     float64
	X2, Y2     float64
	Confidence float64
}

// Width may be zero or negative for malformed boxes.
func (d Detection) Width() float64 { return d.X2 - d.X1 }

// Height may be zero or negative for malformed boxes.
func (d Detection) Height() float64 { return d.Y2 - d.Y1 }

// Area of the box in native pixels.
func (d Detection) Area() float64 { return d.Width() * d.Height() }

// Center of the box in native pixels.
func (d Detection) Center() (float64, float64) {
	return (d.X1 + d.X2) / 2, (d.Y1 + d.Y2) / 2
}

// wireDetection accepts both shapes the processing service emits: the
// flattened playback record and the compact live batch entry.
type wireDetection struct {
	Timestamp   float64   `json:"timestamp"`
	VehicleType string    `json:"vehicle_type,omitempty"`
	Type        string    `json:"type,omitempty"`
	Confidence  float64   `json:"confidence"`
	BBoxX1      *float64  `json:"bbox_x1,omitempty"`
	BBoxY1      *float64  `json:"bbox_y1,omitempty"`
	BBoxX2      *float64  `json:"bbox_x2,omitempty"`
	BBoxY2      *float64  `json:"bbox_y2,omitempty"`
	BBox        []float64 `json:"bbox,omitempty"`
}

func (w wireDetection) typeName() string {
	if w.VehicleType != "" {
		return w.VehicleType
	}
	return w.Type
}

func (w wireDetection) toDetection() (Detection, error) {
	vt, ok := ParseVehicleType(w.typeName())
	if !ok {
		return Detection{}, &UnknownTypeError{Name: w.typeName()}
	}
	d := Detection{Timestamp: w.Timestamp, Type: vt, Confidence: w.Confidence}
	switch {
	case len(w.BBox) == 4:
		d.X1, d.Y1, d.X2, d.Y2 = w.BBox[0], w.BBox[1], w.BBox[2], w.BBox[3]
	case w.BBoxX1 != nil && w.BBoxY1 != nil && w.BBoxX2 != nil && w.BBoxY2 != nil:
		d.X1, d.Y1, d.X2, d.Y2 = *w.BBoxX1, *w.BBoxY1, *w.BBoxX2, *w.BBoxY2
	default:
		return Detection{}, fmt.Errorf("detection %q has no bounding box", w.typeName())
	}
	return d, nil
}

// MarshalJSON writes the flattened playback shape.
func (d Detection) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"timestamp":    d.Timestamp,
		"vehicle_type": d.Type.String(),
		"confidence":   d.Confidence,
		"bbox_x1":      d.X1,
		"bbox_y1":      d.Y1,
		"bbox_x2":      d.X2,
		"bbox_y2":      d.Y2,
	})
}

// UnmarshalJSON reads either wire shape. Unknown vehicle types yield an
// *UnknownTypeError.
func (d *Detection) UnmarshalJSON(data []byte) error {
	var w wireDetection
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := w.toDetection()
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DecodeDetections decodes a JSON array of detections, dropping entries that
// fail to decode, carry an unknown vehicle type or miss their box. It only
// fails when the payload is not an array.
func DecodeDetections(data []byte) (valid []Detection, skipped int, err error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("decode detections: %w", err)
	}
	valid = make([]Detection, 0, len(raw))
	for _, entry := range raw {
		var w wireDetection
		if err := json.Unmarshal(entry, &w); err != nil {
			skipped++
			continue
		}
		d, convErr := w.toDetection()
		if convErr != nil {
			skipped++
			continue
		}
		valid = append(valid, d)
	}
	return valid, skipped, nil
}
