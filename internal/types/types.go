package types

import (
	"fmt"
	"math"
	"time"
)

// Class identifies which tracker produced a detection. Track ids are only
// unique within a class.
type Class uint8

const (
	ClassPerson Class = iota
	ClassHelmet
)

func (c Class) String() string {
	switch c {
	case ClassPerson:
		return "person"
	case ClassHelmet:
		return "helmet"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// PersonID is a track id issued by the person tracker.
type PersonID int

// HelmetID is a track id issued by the helmet tracker. It is a separate type
// from PersonID so the two id spaces can never be compared or mixed as map keys.
type HelmetID int

// BBox is an axis-aligned rectangle in pixel coordinates.
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// Center returns the midpoint of the box.
func (b BBox) Center() (cx, cy float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Height returns the vertical extent of the box.
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Valid reports whether the box is finite with x1<x2 and y1<y2.
func (b BBox) Valid() bool {
	for _, v := range [4]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

func (b BBox) String() string {
	return fmt.Sprintf("(%.0f,%.0f,%.0f,%.0f)", b.X1, b.Y1, b.X2, b.Y2)
}

// Detection is one tracked object instance in one frame, as returned by the detector.
type Detection struct {
	Class      Class
	TrackID    int
	Box        BBox
	Confidence float64
}

// PersonID returns the track id as a person id. Only meaningful for ClassPerson.
func (d Detection) PersonID() PersonID { return PersonID(d.TrackID) }

// HelmetID returns the track id as a helmet id. Only meaningful for ClassHelmet.
func (d Detection) HelmetID() HelmetID { return HelmetID(d.TrackID) }

// Severity is the level attached to an alert event.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("SEVERITY(%d)", int(s))
	}
}

// ParseSeverity converts a level name (case-sensitive, upper case) back to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "INFO":
		return SeverityInfo, nil
	case "WARNING":
		return SeverityWarning, nil
	case "ERROR":
		return SeverityError, nil
	case "CRITICAL":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// AlertKind distinguishes per-person violation alerts from stream lifecycle notices.
type AlertKind string

const (
	AlertViolation AlertKind = "violation"
	AlertResolved  AlertKind = "resolved"
	AlertLifecycle AlertKind = "lifecycle"
)

// AlertEvent is emitted by the violation tracker and the monitor loop.
// PersonID is only meaningful for violation and resolved alerts.
type AlertEvent struct {
	Kind     AlertKind
	Severity Severity
	PersonID PersonID
	Message  string
	Time     time.Time
	Elapsed  time.Duration
	Source   string
}

// HasPerson reports whether the alert refers to a tracked person.
func (a AlertEvent) HasPerson() bool {
	return a.Kind == AlertViolation || a.Kind == AlertResolved
}
