package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/hardhat/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// deadlineCloser also records the read deadlines it is given.
type deadlineCloser struct {
	MockCloser
	deadlines []time.Time
}

func (d *deadlineCloser) SetReadDeadline(t time.Time) error {
	d.deadlines = append(d.deadlines, t)
	return nil
}

type fakeDet struct {
	class uint8
	track int32
	box   [4]float32
	conf  float32
}

// okResponse frames a status-OK reply the way the detector writes it.
func okResponse(dets ...fakeDet) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	binary.Write(payload, binary.BigEndian, uint32(len(dets)))
	for _, d := range dets {
		payload.WriteByte(d.class)
		binary.Write(payload, binary.BigEndian, d.track)
		binary.Write(payload, binary.BigEndian, d.box)
		binary.Write(payload, binary.BigEndian, d.conf)
	}
	return frame(payload.Bytes())
}

func errResponse(msg string) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	binary.Write(payload, binary.BigEndian, uint32(len(msg)))
	payload.WriteString(msg)
	return frame(payload.Bytes())
}

func frame(payload []byte) []byte {
	out := new(bytes.Buffer)
	binary.Write(out, binary.BigEndian, uint32(len(payload)))
	out.Write(payload)
	return out.Bytes()
}

func newMockWorker(response []byte) (*PythonWorker, *MockCloser) {
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	data := &MockCloser{Buffer: bytes.NewBuffer(response)}
	// Cmd is nil because we aren't testing process management, just the protocol
	return &PythonWorker{ID: 1, Stdin: stdin, DataPipe: data}, stdin
}

func TestDetect(t *testing.T) {
	w, stdin := newMockWorker(okResponse(
		fakeDet{class: 0, track: 7, box: [4]float32{100, 100, 200, 300}, conf: 0.5},
		fakeDet{class: 1, track: 3, box: [4]float32{140, 110, 160, 130}, conf: 0.875},
		fakeDet{class: 0, track: -1, box: [4]float32{0, 0, 10, 10}, conf: 0.9}, // untracked
	))

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF} // Fake image bytes
	persons, helmets, err := w.Detect(context.Background(), inputFrame)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify Go sent the correct data TO Python
	sent := stdin.Bytes()
	if len(sent) != 4+len(inputFrame) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sent))
	}
	if n := binary.BigEndian.Uint32(sent[:4]); n != uint32(len(inputFrame)) {
		t.Errorf("Expected length header %d, got %d", len(inputFrame), n)
	}

	if len(persons) != 1 {
		t.Fatalf("Expected 1 tracked person, got %d", len(persons))
	}
	wantPerson := types.Detection{Class: types.ClassPerson, TrackID: 7, Box: types.BBox{X1: 100, Y1: 100, X2: 200, Y2: 300}, Confidence: 0.5}
	if persons[0] != wantPerson {
		t.Errorf("Expected %+v, got %+v", wantPerson, persons[0])
	}
	if len(helmets) != 1 || helmets[0].HelmetID() != 3 || helmets[0].Confidence != 0.875 {
		t.Errorf("Unexpected helmets: %+v", helmets)
	}
}

func TestDetect_EmptyFrame(t *testing.T) {
	w, _ := newMockWorker(okResponse())
	persons, helmets, err := w.Detect(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(persons) != 0 || len(helmets) != 0 {
		t.Errorf("Expected no detections, got %d persons and %d helmets", len(persons), len(helmets))
	}
}

func TestDetect_Error(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	w, _ := newMockWorker(errResponse(errMsg))

	_, _, err := w.Detect(context.Background(), []byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestDetect_CrashedWorker(t *testing.T) {
	// Nothing on the data pipe: the interpreter died before replying.
	w, _ := newMockWorker(nil)
	if _, _, err := w.Detect(context.Background(), []byte("frame")); err == nil {
		t.Fatal("Expected error from empty data pipe")
	}
}

func TestDetect_CancelledContext(t *testing.T) {
	w, stdin := newMockWorker(okResponse())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := w.Detect(ctx, []byte("frame"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if stdin.Len() != 0 {
		t.Error("Frame was sent despite cancelled context")
	}
}

func TestDetect_SetsReadDeadline(t *testing.T) {
	data := &deadlineCloser{MockCloser: MockCloser{Buffer: bytes.NewBuffer(okResponse())}}
	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: data,
		timeout:  time.Second,
	}

	before := time.Now()
	if _, _, err := w.Detect(context.Background(), []byte("frame")); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(data.deadlines) != 2 {
		t.Fatalf("Expected deadline set then cleared, got %v", data.deadlines)
	}
	if d := data.deadlines[0]; d.Before(before.Add(time.Second)) || d.After(time.Now().Add(time.Second)) {
		t.Errorf("Unexpected deadline %v", d)
	}
	if !data.deadlines[1].IsZero() {
		t.Errorf("Expected deadline to be cleared, got %v", data.deadlines[1])
	}
}

func TestDecodeDetections_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    string
	}{
		{"empty", nil, "empty response"},
		{"unknown status", []byte{9}, "unknown response status"},
		{"missing count", []byte{statusOK, 0, 0}, "truncated detection count"},
		{"short records", []byte{statusOK, 0, 0, 0, 1, 0}, "expected 1 records"},
		{"truncated message", []byte{statusError, 0, 0, 0, 9, 'x'}, "truncated message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeDetections(tt.payload)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDecodeDetections_UnknownClass(t *testing.T) {
	resp := okResponse(fakeDet{class: 4, track: 1, box: [4]float32{0, 0, 1, 1}, conf: 0.5})
	if _, err := decodeDetections(resp[4:]); err == nil {
		t.Fatal("Expected error for unknown class")
	}
}

func TestDetectConfig_Validate(t *testing.T) {
	good := DefaultDetectConfig()
	if err := good.Validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*DetectConfig)
	}{
		{"person conf above 1", func(c *DetectConfig) { c.PersonConfidence = 1.5 }},
		{"helmet conf negative", func(c *DetectConfig) { c.HelmetConfidence = -0.1 }},
		{"missing model", func(c *DetectConfig) { c.HelmetModel = "" }},
		{"negative timeout", func(c *DetectConfig) { c.ReadTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultDetectConfig()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestDetectConfig_Args(t *testing.T) {
	args := DefaultDetectConfig().args()
	joined := strings.Join(args, " ")
	for _, want := range []string{"-u python/detector.py", "--person-conf 0.25", "--helmet-conf 0.8"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected %q in %q", want, joined)
		}
	}
}
