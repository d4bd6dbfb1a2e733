package camera

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MrCodeEU/facegate/pkg/align"
	"github.com/MrCodeEU/facegate/pkg/liveness"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/verify"
)

// DetectionsFile is the index file of a recorded session directory.
const DetectionsFile = "detections.jsonl"

// FaceRecord is the detector output for one frame as recorded on disk and
// accepted by the API.
type FaceRecord struct {
	// Box is [left, top, right, bottom] with right and bottom exclusive.
	Box          [4]int       `json:"box"`
	LeftEye      *align.Point `json:"left_eye,omitempty"`
	RightEye     *align.Point `json:"right_eye,omitempty"`
	LeftEyeOpen  *float64     `json:"left_eye_open,omitempty"`
	RightEyeOpen *float64     `json:"right_eye_open,omitempty"`
	HeadYaw      *float64     `json:"head_yaw,omitempty"`
	HeadRoll     *float64     `json:"head_roll,omitempty"`
}

// Detection converts the record for the verification engine.
func (r *FaceRecord) Detection() *verify.Detection {
	if r == nil {
		return nil
	}
	return &verify.Detection{
		Region: align.FaceRegion{
			Box:      image.Rect(r.Box[0], r.Box[1], r.Box[2], r.Box[3]),
			LeftEye:  r.LeftEye,
			RightEye: r.RightEye,
		},
		Signal: liveness.Signal{
			LeftEyeOpen:  r.LeftEyeOpen,
			RightEyeOpen: r.RightEyeOpen,
			HeadYaw:      r.HeadYaw,
			HeadRoll:     r.HeadRoll,
		},
	}
}

// FrameRecord is one line of detections.jsonl.
type FrameRecord struct {
	Frame     string      `json:"frame"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
	Face      *FaceRecord `json:"face,omitempty"`
}

// DirectorySource replays a recorded session: image files plus a
// detections.jsonl index naming them in capture order.
type DirectorySource struct {
	dir     string
	records []FrameRecord
	pos     int
	mu      sync.Mutex
}

// NewDirectorySource reads the index of a recorded session directory.
func NewDirectorySource(dir string) (*DirectorySource, error) {
	f, err := os.Open(filepath.Join(dir, DetectionsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open detections index: %w", err)
	}
	defer f.Close()

	records, err := ReadFrameRecords(f)
	if err != nil {
		return nil, err
	}

	logging.Component("camera").Debugf("Loaded %d recorded frames from %s", len(records), dir)
	return &DirectorySource{dir: dir, records: records}, nil
}

// ReadFrameRecords parses a JSON-lines index. Blank lines and lines
// starting with '#' are skipped.
func ReadFrameRecords(r io.Reader) ([]FrameRecord, error) {
	var records []FrameRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var rec FrameRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("invalid frame record on line %d: %w", line, err)
		}
		if rec.Frame == "" {
			return nil, fmt.Errorf("frame record on line %d has no frame file", line)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read frame records: %w", err)
	}
	return records, nil
}

// Len returns the number of recorded frames.
func (d *DirectorySource) Len() int {
	return len(d.records)
}

// Next loads the next recorded frame.
func (d *DirectorySource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.pos >= len(d.records) {
		d.mu.Unlock()
		return nil, io.EOF
	}
	rec := d.records[d.pos]
	d.pos++
	d.mu.Unlock()

	name := filepath.Clean(rec.Frame)
	if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
		return nil, fmt.Errorf("frame path %q escapes the recording directory", rec.Frame)
	}

	data, err := os.ReadFile(filepath.Join(d.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read frame %s: %w", rec.Frame, err)
	}

	frame, _, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("frame %s: %w", rec.Frame, err)
	}
	if !rec.Timestamp.IsZero() {
		frame.Timestamp = rec.Timestamp
	}
	frame.Detection = rec.Face.Detection()
	return frame, nil
}

// Close is a no-op for directory sources.
func (d *DirectorySource) Close() error {
	return nil
}
