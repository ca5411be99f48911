package humanid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidHumanID indicates a value that is not "<sequence>/<year>".
var ErrInvalidHumanID = errors.New("humanid: invalid human id")

// HumanID is the "<sequence>/<year>" identifier shown to agents.
type HumanID struct {
	Sequence int
	Year     int
	Width    int
}

// Parse splits raw input into sequence and year.
func Parse(rawInput string) (HumanID, error) {
	trimmed := strings.TrimSpace(rawInput)
	sequencePart, yearPart, found := strings.Cut(trimmed, "/")
	if !found {
		return HumanID{}, fmt.Errorf("%w: %q", ErrInvalidHumanID, rawInput)
	}
	sequence, err := strconv.Atoi(strings.TrimSpace(sequencePart))
	if err != nil || sequence <= 0 {
		return HumanID{}, fmt.Errorf("%w: %q", ErrInvalidHumanID, rawInput)
	}
	year, err := strconv.Atoi(strings.TrimSpace(yearPart))
	if err != nil || year <= 0 {
		return HumanID{}, fmt.Errorf("%w: %q", ErrInvalidHumanID, rawInput)
	}
	return HumanID{Sequence: sequence, Year: year, Width: len(strings.TrimSpace(sequencePart))}, nil
}

// String formats the identifier zero padded to its width.
func (id HumanID) String() string {
	width := id.Width
	if width <= 0 {
		width = DefaultWidth
	}
	return fmt.Sprintf("%0*d/%d", width, id.Sequence, id.Year)
}

// Compare orders identifiers newest first: later years, then higher sequences.
// It returns a negative number when a sorts before b.
func Compare(a, b HumanID) int {
	if a.Year != b.Year {
		return b.Year - a.Year
	}
	return b.Sequence - a.Sequence
}
