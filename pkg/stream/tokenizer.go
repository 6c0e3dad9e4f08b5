// Package stream turns raw child-process output into completed lines.
//
// Two modes are supported. Line mode splits on '\n' and '\r' and drops an
// unterminated tail at EOF. Prompt mode reads one byte at a time and also
// completes a line as soon as the accumulated text ends with a known
// interactive prompt, because tools like sdkmanager print
// "Accept? (y/N): " without a newline and then block on stdin.
package stream

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"syscall"
)

// AcceptPrompt is the license prompt printed by sdkmanager.
const AcceptPrompt = "Accept? (y/N):"

// maxReadFailures bounds consecutive failed reads in prompt mode before the
// source is treated as ended. A half-closed pipe can fail forever otherwise.
const maxReadFailures = 10

// Line is the tokenizer state: accumulated text that is either still
// pending or completed.
type Line struct {
	Text string
	Done bool
}

// Advance folds the next byte into the current line.
// After a Done line, the next byte starts a fresh pending line.
func Advance(cur Line, next byte, prompts []string) Line {
	if cur.Done {
		cur = Line{}
	}
	if next == '\n' || next == '\r' {
		return Line{Text: cur.Text, Done: true}
	}
	text := cur.Text + string(next)
	return Line{Text: text, Done: endsWithPrompt(text, prompts)}
}

func endsWithPrompt(text string, prompts []string) bool {
	for _, p := range prompts {
		if p != "" && strings.HasSuffix(text, p) {
			return true
		}
	}
	return false
}

// Tokenizer produces completed lines from a byte source. It is not
// rewindable; create a new one over a fresh source to read again.
type Tokenizer struct {
	r       *bufio.Reader
	prompts []string
	drain   bool

	cur      Line
	failures int
	lastCR   bool
	ended    bool
}

// NewLineTokenizer returns a tokenizer that splits strictly on line terminators.
func NewLineTokenizer(r io.Reader) *Tokenizer {
	return &Tokenizer{r: bufio.NewReader(r)}
}

// NewPromptTokenizer returns a byte-draining tokenizer that also completes a
// line when it ends with one of prompts.
func NewPromptTokenizer(r io.Reader, prompts ...string) *Tokenizer {
	return &Tokenizer{r: bufio.NewReader(r), prompts: prompts, drain: true}
}

// Next returns the next completed line without its terminator.
// It returns io.EOF when the source ends or was closed underneath it; any
// other error is a genuine read failure.
func (t *Tokenizer) Next() (string, error) {
	if t.ended {
		return "", io.EOF
	}
	if t.drain {
		return t.nextDrained()
	}
	return t.nextLine()
}

func (t *Tokenizer) nextLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := t.r.ReadByte()
		if err != nil {
			t.ended = true
			if err == io.EOF || IsClosed(err) {
				return "", io.EOF
			}
			return "", err
		}
		if b == '\n' && t.lastCR {
			// second half of a CRLF pair
			t.lastCR = false
			continue
		}
		t.lastCR = b == '\r'
		if b == '\n' || b == '\r' {
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
}

func (t *Tokenizer) nextDrained() (string, error) {
	for {
		b, err := t.r.ReadByte()
		if err != nil {
			if err == io.EOF || IsClosed(err) {
				t.ended = true
				return "", io.EOF
			}
			t.failures++
			if t.failures > maxReadFailures {
				t.ended = true
				return "", io.EOF
			}
			continue
		}
		t.failures = 0
		t.cur = Advance(t.cur, b, t.prompts)
		if t.cur.Done {
			return t.cur.Text, nil
		}
	}
}

// IsClosed reports whether err means the source was closed, typically by
// our own teardown, rather than a real I/O failure.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "file already closed") || strings.Contains(msg, "use of closed")
}
