package lineassembler

// Sanitizer strips terminal control sequences from a byte stream in one
// pass so observers see printable content "as the user would see it after
// a terminal redraws" (spec §4.2), not raw VT escapes. It recognizes CSI
// (ESC '['), OSC (ESC ']', terminated by BEL or ST), and short ESC
// sequences (cursor-home, charset selection) in a single small state
// machine, consolidating the many ad-hoc regexes DESIGN NOTES §9 warns
// against. It is stateful across calls so a sequence split across two
// chunks is still recognized.
type Sanitizer struct {
	state   sanState
	pending []byte // bytes of an in-progress escape sequence, held for Feed's next call
}

type sanState int

const (
	stateGround sanState = iota
	stateEscape          // just saw ESC
	stateCSI             // inside CSI ... until a final byte in 0x40-0x7E
	stateOSC             // inside OSC ... until BEL or ST (ESC \)
	stateOSCEsc          // inside OSC, just saw ESC (expecting '\' for ST)
)

const (
	esc = 0x1B
	bel = 0x07
)

// NewSanitizer returns a Sanitizer in ground state.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{state: stateGround}
}

// Feed processes chunk and returns the printable bytes it contains, net of
// any control sequences (complete or still in progress). Bytes belonging to
// an incomplete sequence are held internally until a later Feed completes it.
func (s *Sanitizer) Feed(chunk []byte) []byte {
	out := make([]byte, 0, len(chunk))
	for _, b := range chunk {
		out = s.step(b, out)
	}
	return out
}

func (s *Sanitizer) step(b byte, out []byte) []byte {
	switch s.state {
	case stateGround:
		if b == esc {
			s.state = stateEscape
			s.pending = append(s.pending[:0], b)
			return out
		}
		// Drop bare CR; line assembly only needs LF to split lines and a
		// trailing CR before LF is cosmetic carriage-return noise.
		if b == '\r' {
			return out
		}
		return append(out, b)

	case stateEscape:
		s.pending = append(s.pending, b)
		switch b {
		case '[':
			s.state = stateCSI
		case ']':
			s.state = stateOSC
		default:
			if b >= 0x20 && b <= 0x2F {
				// Intermediate byte (e.g. '(' in the ESC ( B charset
				// selection): the sequence ends at the next byte.
				return out
			}
			// Final byte of a short ESC sequence (cursor movement, charset
			// selection, etc.) — consumed, nothing printable.
			s.state = stateGround
			s.pending = s.pending[:0]
		}
		return out

	case stateCSI:
		s.pending = append(s.pending, b)
		if b >= 0x40 && b <= 0x7E {
			// Final byte: the whole CSI sequence (SGR color, cursor moves,
			// erase-in-line, etc.) is consumed without emitting anything.
			s.state = stateGround
			s.pending = s.pending[:0]
		}
		return out

	case stateOSC:
		s.pending = append(s.pending, b)
		if b == bel {
			s.state = stateGround
			s.pending = s.pending[:0]
		} else if b == esc {
			s.state = stateOSCEsc
		}
		return out

	case stateOSCEsc:
		s.pending = append(s.pending, b)
		if b == '\\' {
			// String Terminator (ESC \) closes the OSC sequence (e.g. a
			// window-title change) with nothing printable emitted.
			s.state = stateGround
			s.pending = s.pending[:0]
		} else {
			// Not actually a terminator; treat the ESC as starting a new
			// escape sequence instead (best-effort recovery).
			s.state = stateEscape
			s.pending = []byte{esc}
		}
		return out
	}
	return out
}

// Reset returns the sanitizer to ground state, discarding any in-progress
// sequence. Used when an observer pauses (spec §4.2: "the tail buffer is
// cleared" on pause, and stale escape-sequence state must not leak across it).
func (s *Sanitizer) Reset() {
	s.state = stateGround
	s.pending = s.pending[:0]
}
