// Package reading defines the telemetry reading data model and its wire codec.
package reading

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/sensorgate/errors"
)

// Reading is a single telemetry measurement from one sensor. Readings are
// immutable once published; the broker owns retention.
type Reading struct {
	SensorID  int64     `json:"sensor_id"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates a reading stamped with the current UTC time.
func New(sensorID int64, value float64) Reading {
	return Reading{
		SensorID:  sensorID,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks that the reading is well-formed. Invalid readings are
// rejected synchronously with no side effects.
func (r Reading) Validate() error {
	if r.SensorID <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidReading, "Reading", "Validate",
			fmt.Sprintf("sensor id %d must be positive", r.SensorID))
	}
	if r.Timestamp.IsZero() {
		return errors.WrapInvalid(errors.ErrInvalidReading, "Reading", "Validate",
			"timestamp must be set")
	}
	return nil
}

// wireReading is the documented wire shape: sensor id, value, ISO-8601 timestamp.
type wireReading struct {
	SensorID  int64   `json:"sensor_id"`
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

// Marshal serializes the reading to its wire shape.
func (r Reading) Marshal() ([]byte, error) {
	w := wireReading{
		SensorID:  r.SensorID,
		Value:     r.Value,
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, errors.Wrap(err, "Reading", "Marshal", "encode reading")
	}
	return data, nil
}

// Unmarshal decodes a wire payload into a reading and validates it.
func Unmarshal(data []byte) (Reading, error) {
	var w wireReading
	if err := json.Unmarshal(data, &w); err != nil {
		return Reading{}, errors.WrapInvalid(err, "Reading", "Unmarshal", "decode payload")
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return Reading{}, errors.WrapInvalid(err, "Reading", "Unmarshal", "parse timestamp")
	}
	r := Reading{SensorID: w.SensorID, Value: w.Value, Timestamp: ts.UTC()}
	if err := r.Validate(); err != nil {
		return Reading{}, err
	}
	return r, nil
}

// Batch is a group of readings published together.
type Batch []Reading

// Validate checks every member and the batch size bound.
func (b Batch) Validate(maxSize int) error {
	if maxSize > 0 && len(b) > maxSize {
		return errors.WrapInvalid(errors.ErrBatchTooLarge, "Batch", "Validate",
			fmt.Sprintf("batch of %d exceeds maximum of %d", len(b), maxSize))
	}
	for i, r := range b {
		if err := r.Validate(); err != nil {
			return errors.WrapInvalid(err, "Batch", "Validate",
				fmt.Sprintf("reading %d invalid", i))
		}
	}
	return nil
}
