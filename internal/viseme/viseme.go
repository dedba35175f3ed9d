// Package viseme holds the mouth-shape vocabulary shared by the audio analyzer
// and the avatar animator, and the single-slot cell that carries frames
// between their loops.
package viseme

import (
	"sync/atomic"
	"time"
)

// Class is a coarse mouth-shape category.
type Class int

// Declaration order matters: the analyzer breaks band-energy ties in this
// order (A first).
const (
	A Class = iota
	E
	I
	O
	U
	Consonant
	S
	M
	B
	Silence
)

// ClassCount is the number of viseme classes.
const ClassCount = int(Silence) + 1

var classNames = [ClassCount]string{
	"A", "E", "I", "O", "U", "Consonant", "S", "M", "B", "Silence",
}

func (c Class) String() string {
	if c < 0 || int(c) >= ClassCount {
		return "unknown"
	}
	return classNames[c]
}

// Valid reports whether c is one of the declared classes.
func (c Class) Valid() bool {
	return c >= 0 && int(c) < ClassCount
}

// MarshalText encodes the class by name.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ParseClass returns the class with the given name.
func ParseClass(name string) (Class, bool) {
	for i, n := range classNames {
		if n == name {
			return Class(i), true
		}
	}
	return Silence, false
}

// All returns every class in declaration order.
func All() []Class {
	out := make([]Class, ClassCount)
	for i := range out {
		out[i] = Class(i)
	}
	return out
}

// Frame is one analysis tick worth of lip-sync data. Frames are values and
// are never mutated after the analyzer emits them.
type Frame struct {
	Volume    float32   `json:"volume"`
	Phoneme   Class     `json:"phoneme"`
	Intensity float32   `json:"intensity"`
	Timestamp time.Time `json:"timestamp"`
	Spectrum  []byte    `json:"-"`

	// Seq increases by one per emitted frame of a given analyzer.
	Seq uint64 `json:"seq"`
}

// SilenceFrame is the neutral frame emitted when analysis stops.
func SilenceFrame(ts time.Time, seq uint64) Frame {
	return Frame{
		Volume:    0,
		Phoneme:   Silence,
		Intensity: 0,
		Timestamp: ts,
		Seq:       seq,
	}
}

// Latest is a single-slot cell holding the most recent frame. Writers
// overwrite, readers always see the newest value; nothing is queued.
type Latest struct {
	p atomic.Pointer[Frame]
}

// Store replaces the held frame.
func (l *Latest) Store(f Frame) {
	l.p.Store(&f)
}

// Load returns the held frame, or nil when nothing was stored yet.
func (l *Latest) Load() *Frame {
	return l.p.Load()
}

// Clear empties the cell.
func (l *Latest) Clear() {
	l.p.Store(nil)
}
