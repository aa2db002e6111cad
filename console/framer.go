package console

import (
	"bytes"
	"strings"
)

type LineKind int

const (
	// LinePrint is unsolicited output from the device.
	LinePrint LineKind = iota
	// LineEcho is the console repeating submitted input, or its "=value" result echo.
	LineEcho
	// LineReply is a marker line for some request.
	LineReply
)

func (k LineKind) String() string {
	switch k {
	case LineEcho:
		return "echo"
	case LineReply:
		return "reply"
	default:
		return "print"
	}
}

type Line struct {
	Kind LineKind
	Text string
}

const (
	promptChar       = '>'
	continuationChar = ':'
	resultEchoChar   = '='
	// redraw moves to column 0 and clears to the end of the screen, erasing the prompt line.
	redraw      = "\r\x1b[J"
	clearScreen = "\x1b[J"
)

var crlf = []byte("\r\n")

// framer splits the console byte stream into classified lines.
//
// Bytes are only classified once the stream ends in a prompt: the device finishes writing
// a response before it prints the prompt again, so a trailing prompt means no line and no
// escape sequence is cut in half. Whatever follows the last CRLF stays buffered.
// Complete reply lines are the exception and are taken out as soon as they arrive.
type framer struct {
	buf []byte
	// residue is the length of the prompt left at the start of buf by the last full pass.
	residue int
}

func (f *framer) reset() {
	f.buf = f.buf[:0]
	f.residue = 0
}

// Feed appends data and returns the complete lines it made available, in arrival order.
func (f *framer) Feed(data []byte) []Line {
	f.buf = append(f.buf, data...)
	if len(f.buf) == 0 || f.buf[len(f.buf)-1] != promptChar {
		return f.takeReplies()
	}

	var (
		lines  []Line
		inEcho bool
		first  = true
		rest   = f.buf
	)
	for {
		i := bytes.Index(rest, crlf)
		if i < 0 {
			break
		}
		text, isReply := f.reply(rest[:i], first)
		if !isReply {
			text = eraseRedrawn(string(rest[:i]))
		}
		rest = rest[i+len(crlf):]
		first = false

		kind := LineReply
		if !isReply {
			kind = classify(text, inEcho)
		}
		inEcho = kind == LineEcho && text != "" && text[0] != resultEchoChar
		lines = append(lines, Line{Kind: kind, Text: text})
	}
	f.buf = append(f.buf[:0], rest...)
	f.residue = len(f.buf)
	return lines
}

// takeReplies removes the complete marker lines from a buffer that has no prompt yet.
// The other lines stay buffered for the next full pass.
func (f *framer) takeReplies() []Line {
	var (
		lines []Line
		kept  []byte
		first = true
		rest  = f.buf
	)
	for {
		i := bytes.Index(rest, crlf)
		if i < 0 {
			break
		}
		if text, ok := f.reply(rest[:i], first); ok {
			if first {
				f.residue = 0
			}
			lines = append(lines, Line{Kind: LineReply, Text: text})
		} else {
			kept = append(kept, rest[:i+len(crlf)]...)
		}
		first = false
		rest = rest[i+len(crlf):]
	}
	if len(lines) == 0 {
		return nil
	}
	f.buf = append(kept, rest...)
	return lines
}

// reply reports whether line is a marker line. A prompt kept from the previous pass may precede
// a marker printed without a redraw, so it is skipped on the first line.
func (f *framer) reply(line []byte, first bool) (string, bool) {
	text := eraseRedrawn(string(line))
	if _, ok := ParseMarker(text); ok {
		return text, true
	}
	if first && f.residue > 0 && f.residue <= len(line) {
		text = eraseRedrawn(string(line[f.residue:]))
		if _, ok := ParseMarker(text); ok {
			return text, true
		}
	}
	return "", false
}

// eraseRedrawn drops whatever a redraw sequence wiped from the line, along with the sequence itself.
func eraseRedrawn(text string) string {
	if i := strings.LastIndex(text, redraw); i >= 0 {
		return text[i+len(redraw):]
	}
	return strings.TrimPrefix(text, clearScreen)
}

func classify(text string, inEcho bool) LineKind {
	if _, ok := ParseMarker(text); ok {
		return LineReply
	}
	if text == "" {
		return LinePrint
	}
	switch text[0] {
	case promptChar, resultEchoChar:
		return LineEcho
	case continuationChar:
		if inEcho {
			return LineEcho
		}
	}
	return LinePrint
}
