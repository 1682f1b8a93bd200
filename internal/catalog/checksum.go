// Package catalog imports the recording catalog from the meeting server and
// serves typed recording queries to the rest of the service.
package catalog

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrEmptyURL is returned by SignURL for a blank url.
var ErrEmptyURL = errors.New("empty url")

// Checksum implements the meeting-server API signature:
// sha1(apiCall + queryString + sharedSecret), hex-encoded.
func Checksum(payload, sharedSecret string) string {
	sum := sha1.Sum([]byte(payload + sharedSecret))
	return hex.EncodeToString(sum[:])
}

// SignURL appends the checksum query parameter required by the meeting-server
// API. Any checksum already present is replaced. The api call name is the
// last path segment.
func SignURL(rawURL, sharedSecret string) (string, error) {
	if rawURL == "" {
		return "", ErrEmptyURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	segments := strings.Split(u.Path, "/")
	apiCall := segments[len(segments)-1]

	q := u.Query()
	q.Del("checksum")
	query := q.Encode()

	checksum := Checksum(apiCall+query, sharedSecret)
	if query != "" {
		query += "&"
	}
	u.RawQuery = query + "checksum=" + checksum
	return u.String(), nil
}
