package catalog

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vcs-repack/backend/internal/models"
)

// getRecordingsResponse mirrors the meeting server's getRecordings payload.
type getRecordingsResponse struct {
	XMLName    xml.Name       `xml:"response"`
	ReturnCode string         `xml:"returncode"`
	Recordings []xmlRecording `xml:"recordings>recording"`
}

type xmlRecording struct {
	RecordID  string `xml:"recordID"`
	MeetingID string `xml:"meetingID"`
	Name      string `xml:"name"`
	StartTime string `xml:"startTime"`
	EndTime   string `xml:"endTime"`
	Playback  struct {
		Formats []struct {
			URL string `xml:"url"`
		} `xml:"format"`
	} `xml:"playback"`
}

// Store is the persistence the importer writes into.
type Store interface {
	UpsertType(ctx context.Context, name string) (int64, error)
	UpsertRecording(ctx context.Context, rec models.Recording) error
}

// Importer pulls the recording catalog from the meeting server. Catalog rows
// are immutable apart from the playback URL, which the server may move.
type Importer struct {
	resource     string
	sharedSecret string
	store        Store
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewImporter creates an importer against the given meeting server host.
func NewImporter(resource, sharedSecret string, store Store, logger *zap.Logger) *Importer {
	return &Importer{
		resource:     resource,
		sharedSecret: sharedSecret,
		store:        store,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
	}
}

// Run fetches getRecordings and upserts every parseable entry. Entries with
// missing fields are skipped, not failed, so one malformed recording cannot
// block the import.
func (im *Importer) Run(ctx context.Context) error {
	rawURL := fmt.Sprintf("https://%s/bigbluebutton/api/getRecordings", im.resource)
	signed, err := SignURL(rawURL, im.sharedSecret)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := im.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch recordings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch recordings: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/xml") {
		return fmt.Errorf("fetch recordings: unexpected content type %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	recordings, err := parseRecordings(body)
	if err != nil {
		return err
	}

	imported := 0
	for _, rec := range recordings {
		typeID, err := im.store.UpsertType(ctx, rec.TypeName)
		if err != nil {
			return fmt.Errorf("upsert type %q: %w", rec.TypeName, err)
		}
		rec.TypeID = typeID
		if err := im.store.UpsertRecording(ctx, rec); err != nil {
			return fmt.Errorf("upsert recording %s: %w", rec.RecordID, err)
		}
		imported++
	}
	im.logger.Info("catalog import finished", zap.Int("imported", imported))
	return nil
}

// parseRecordings converts the XML payload into catalog rows, skipping
// entries missing required fields.
func parseRecordings(body []byte) ([]models.Recording, error) {
	var payload getRecordingsResponse
	if err := xml.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse recordings xml: %w", err)
	}

	out := make([]models.Recording, 0, len(payload.Recordings))
	for _, x := range payload.Recordings {
		created, err1 := fromEpochMillis(x.StartTime)
		stopped, err2 := fromEpochMillis(x.EndTime)
		if x.RecordID == "" || x.MeetingID == "" || x.Name == "" ||
			len(x.Playback.Formats) == 0 || err1 != nil || err2 != nil {
			continue
		}
		out = append(out, models.Recording{
			RecordID:  x.RecordID,
			MeetingID: x.MeetingID,
			TypeName:  x.Name,
			CreatedAt: created,
			StoppedAt: stopped,
			URL:       strings.TrimSpace(x.Playback.Formats[0].URL),
		})
	}
	return out, nil
}

// fromEpochMillis parses the server's millisecond timestamps.
func fromEpochMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ChatTranscript fetches the public chat transcript for a recording. A
// missing transcript (404) is an empty chat, not an error; transport failures
// are errors so the caller can retry.
func (im *Importer) ChatTranscript(ctx context.Context, recordID string) (string, error) {
	url := fmt.Sprintf("https://%s/presentation/%s/chat.txt", im.resource, recordID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	resp, err := im.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch chat transcript: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch chat transcript: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat transcript: %w", err)
	}
	return string(body), nil
}
