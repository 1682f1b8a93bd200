// Package validate checks recording identifiers before any job is created.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Recording ids are a 40-hex-char hash joined to a 13-digit epoch-ms suffix.
var recordingIDPattern = regexp.MustCompile(`^\w{40}-\d{13}$`)

// ErrInvalidRecordingID marks a malformed recording id in user input.
var ErrInvalidRecordingID = errors.New("recording id does not match the expected pattern")

// RecordingID validates a single recording id.
func RecordingID(id string) error {
	if !recordingIDPattern.MatchString(id) {
		return fmt.Errorf("%q: %w", id, ErrInvalidRecordingID)
	}
	return nil
}

// RecordingIDList parses a comma-separated list of recording ids, validating
// each entry. Surrounding whitespace on entries is tolerated.
func RecordingIDList(value string) ([]string, error) {
	items := strings.Split(value, ",")
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item)
		if err := RecordingID(id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
