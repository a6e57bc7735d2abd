// Package worker drives the Python detection process that runs the person
// and helmet trackers.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/hardhat/internal/types"
	"github.com/andresmejia3/hardhat/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    = 0
	statusError = 1

	// maxResponse is the largest reply accepted from the detector.
	maxResponse = 64 << 20
)

// DetectConfig configures the detector process.
type DetectConfig struct {
	PersonModel      string
	HelmetModel      string
	PersonConfidence float64
	HelmetConfidence float64
	Script           string
	// ReadTimeout bounds the wait for one reply. Zero disables it.
	ReadTimeout time.Duration
}

// DefaultDetectConfig returns the thresholds the models were tuned with.
func DefaultDetectConfig() DetectConfig {
	return DetectConfig{
		PersonModel:      "yolov8n.pt",
		HelmetModel:      "helmet.pt",
		PersonConfidence: 0.25,
		HelmetConfidence: 0.80,
		Script:           "python/detector.py",
		ReadTimeout:      30 * time.Second,
	}
}

// Validate rejects thresholds outside [0,1] and missing paths.
func (c DetectConfig) Validate() error {
	if c.PersonConfidence < 0 || c.PersonConfidence > 1 {
		return fmt.Errorf("person confidence must be within [0, 1], got %v", c.PersonConfidence)
	}
	if c.HelmetConfidence < 0 || c.HelmetConfidence > 1 {
		return fmt.Errorf("helmet confidence must be within [0, 1], got %v", c.HelmetConfidence)
	}
	if c.PersonModel == "" || c.HelmetModel == "" {
		return errors.New("both person and helmet models are required")
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("read timeout must not be negative, got %v", c.ReadTimeout)
	}
	return nil
}

func (c DetectConfig) args() []string {
	script := c.Script
	if script == "" {
		script = "python/detector.py"
	}
	return []string{"-u", script,
		"--person-model", c.PersonModel,
		"--helmet-model", c.HelmetModel,
		"--person-conf", strconv.FormatFloat(c.PersonConfidence, 'f', -1, 64),
		"--helmet-conf", strconv.FormatFloat(c.HelmetConfidence, 'f', -1, 64),
	}
}

// PythonWorker owns one detector process. Trackers inside the process are
// stateful, so a worker must only ever see frames from a single source.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	timeout time.Duration
	mu      sync.Mutex
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// NewPythonWorker starts the detector process. Results come back on FD 3 so
// that stray prints on stdout cannot corrupt the protocol.
func NewPythonWorker(ctx context.Context, id int, cfg DetectConfig) (*PythonWorker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	py := utils.NewSafeCommand(ctx, "python3", cfg.args()...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		timeout:  cfg.ReadTimeout,
	}, nil
}

// Detect sends one JPEG frame and returns the tracked persons and helmets in
// it. Detections the trackers have not assigned an id yet are dropped.
func (w *PythonWorker) Detect(ctx context.Context, frame []byte) (persons, helmets []types.Detection, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	resp, err := w.communicate(ctx, frame)
	if err != nil {
		return nil, nil, err
	}
	dets, err := decodeDetections(resp)
	if err != nil {
		return nil, nil, err
	}
	for _, d := range dets {
		switch d.Class {
		case types.ClassPerson:
			persons = append(persons, d)
		case types.ClassHelmet:
			helmets = append(helmets, d)
		}
	}
	return persons, helmets, nil
}

// communicate implements the framing: [Length][Data] out, [Length][Payload] back.
func (w *PythonWorker) communicate(ctx context.Context, data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}

	if dl, ok := w.DataPipe.(deadliner); ok {
		deadline, set := w.deadline(ctx)
		if set {
			if err := dl.SetReadDeadline(deadline); err == nil {
				defer dl.SetReadDeadline(time.Time{})
			}
		}
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, fmt.Errorf("read response header: %w", err) // a crashed interpreter surfaces here
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return respBody, nil
}

func (w *PythonWorker) deadline(ctx context.Context) (time.Time, bool) {
	var d time.Time
	if w.timeout > 0 {
		d = time.Now().Add(w.timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d, !d.IsZero()
}

// wireDetection is one record of a status-OK payload.
type wireDetection struct {
	Class      uint8
	TrackID    int32
	Box        [4]float32
	Confidence float32
}

// decodeDetections parses a response payload.
// Protocol: [Status:0] [Count] Count x [Class][TrackID][X1 Y1 X2 Y2][Conf]
// or [Status:1] [MsgLen] [Msg].
func decodeDetections(payload []byte) ([]types.Detection, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty response from python worker")
	}
	body := payload[1:]
	switch payload[0] {
	case statusOK:
	case statusError:
		if len(body) < 4 {
			return nil, errors.New("python worker error: truncated message")
		}
		n := binary.BigEndian.Uint32(body)
		if uint64(n) > uint64(len(body)-4) {
			return nil, errors.New("python worker error: truncated message")
		}
		return nil, fmt.Errorf("python worker error: %s", body[4:4+n])
	default:
		return nil, fmt.Errorf("unknown response status %d", payload[0])
	}

	if len(body) < 4 {
		return nil, errors.New("truncated detection count")
	}
	count := binary.BigEndian.Uint32(body)
	recSize := binary.Size(wireDetection{})
	if uint64(count)*uint64(recSize) != uint64(len(body)-4) {
		return nil, fmt.Errorf("detection payload holds %d bytes, expected %d records", len(body)-4, count)
	}

	recs := make([]wireDetection, count)
	if err := binary.Read(bytes.NewReader(body[4:]), binary.BigEndian, recs); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}

	out := make([]types.Detection, 0, count)
	for _, r := range recs {
		if r.TrackID < 0 {
			continue // not tracked yet
		}
		class := types.Class(r.Class)
		if class != types.ClassPerson && class != types.ClassHelmet {
			return nil, fmt.Errorf("unknown detection class %d", r.Class)
		}
		out = append(out, types.Detection{
			Class:   class,
			TrackID: int(r.TrackID),
			Box: types.BBox{
				X1: f64(r.Box[0]), Y1: f64(r.Box[1]),
				X2: f64(r.Box[2]), Y2: f64(r.Box[3]),
			},
			Confidence: f64(r.Confidence),
		})
	}
	return out, nil
}

// f64 widens a wire float32 to its shortest decimal form: 0.8 stays 0.8.
func f64(v float32) float64 {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return float64(v)
	}
	f, _ := strconv.ParseFloat(strconv.FormatFloat(float64(v), 'g', -1, 32), 64)
	return f
}

// Close shuts the process down. Closing stdin lets the detector exit on EOF.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
