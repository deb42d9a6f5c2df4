// Package duration converts between the "HH:MM:SS" clock text stored on
// tasks and integer millisecond counts.
package duration

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Zero is the canonical text for an empty duration.
const Zero = "00:00:00"

// maxSeconds is the largest whole-second count whose millisecond value
// fits in an int64.
const maxSeconds = math.MaxInt64 / 1000

// ErrFormat is matched by every parse failure.
var ErrFormat = errors.New("malformed duration")

// FormatError describes text that is not three colon-separated
// non-negative integers.
type FormatError struct {
	Text   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed duration %q: %s", e.Text, e.Reason)
}

func (e *FormatError) Unwrap() error { return ErrFormat }

// ToMs parses "HH:MM:SS" into milliseconds. Hours have no clock limit
// but the total must fit in an int64 millisecond count.
func ToMs(text string) (int64, error) {
	parts := strings.Split(text, ":")
	if len(parts) != 3 {
		return 0, &FormatError{Text: text, Reason: "expected three components"}
	}

	var values [3]int64
	for i, p := range parts {
		if p == "" {
			return 0, &FormatError{Text: text, Reason: "empty component"}
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return 0, &FormatError{Text: text, Reason: "non-numeric component"}
			}
		}
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return 0, &FormatError{Text: text, Reason: err.Error()}
		}
		values[i] = v
	}

	h, m, sec := values[0], values[1], values[2]
	if h > maxSeconds/3600 || m > maxSeconds/60 || sec > maxSeconds {
		return 0, &FormatError{Text: text, Reason: "out of range"}
	}
	total := h*3600 + m*60 + sec
	if total > maxSeconds {
		return 0, &FormatError{Text: text, Reason: "out of range"}
	}
	return total * 1000, nil
}

// ToText renders milliseconds as "HH:MM:SS". Sub-second remainders are
// truncated and negative input renders as Zero.
func ToText(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	secs := ms / 1000
	hours := secs / 3600
	minutes := (secs / 60) % 60
	seconds := secs % 60
	return pad(hours) + ":" + pad(minutes) + ":" + pad(seconds)
}

// Add returns text advanced by ms milliseconds.
func Add(text string, ms int64) (string, error) {
	base, err := ToMs(text)
	if err != nil {
		return "", err
	}
	return ToText(base + ms), nil
}

func pad(v int64) string {
	if v < 10 {
		return "0" + strconv.FormatInt(v, 10)
	}
	return strconv.FormatInt(v, 10)
}
