package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// escByte is the raw byte value of the ESC key, used to trigger
// Orchestrator.Abort() without waiting for a full line of input.
const escByte = 0x1b

// rawLineReader puts stdin into raw terminal mode and assembles individual
// bytes into newline-terminated lines itself (raw mode disables the
// terminal's own line editing and echo), so a lone ESC keypress can be
// detected and acted on immediately instead of only after Enter. It
// satisfies io.Reader so it can be handed to orchestrator.Run's
// bufio.Scanner directly.
type rawLineReader struct {
	onEscape func()
	lines    chan []byte
	restore  func()
	leftover []byte
}

// newRawLineReader starts the background key-reading goroutine if stdin is
// a terminal. If it is not (piped input, a test harness), it falls back to
// plain line-buffered reads with no ESC detection.
func newRawLineReader(onEscape func()) *rawLineReader {
	r := &rawLineReader{onEscape: onEscape, lines: make(chan []byte, 16)}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		go r.plainLoop()
		return r
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		go r.plainLoop()
		return r
	}
	r.restore = func() { _ = term.Restore(fd, oldState) }
	go r.rawLoop()
	return r
}

// Close restores the terminal's prior mode, if it was put into raw mode.
func (r *rawLineReader) Close() {
	if r.restore != nil {
		r.restore()
	}
}

func (r *rawLineReader) rawLoop() {
	defer close(r.lines)
	buf := make([]byte, 1)
	var line []byte
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			b := buf[0]
			switch {
			case b == escByte:
				if r.onEscape != nil {
					r.onEscape()
				}
			case b == '\r' || b == '\n':
				fmt.Fprint(os.Stdout, "\r\n")
				out := make([]byte, len(line)+1)
				copy(out, line)
				out[len(line)] = '\n'
				r.lines <- out
				line = line[:0]
			case b == 0x7f || b == 0x08: // backspace/delete
				if len(line) > 0 {
					line = line[:len(line)-1]
					fmt.Fprint(os.Stdout, "\b \b")
				}
			case b == 0x03: // Ctrl-C
				r.lines <- []byte("exit\n")
			default:
				line = append(line, b)
				fmt.Fprintf(os.Stdout, "%c", b)
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *rawLineReader) plainLoop() {
	defer close(r.lines)
	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := indexByte(pending, '\n')
				if idx < 0 {
					break
				}
				// Copy before sending: pending's backing array is
				// reused by the next append.
				line := make([]byte, idx+1)
				copy(line, pending[:idx+1])
				r.lines <- line
				pending = pending[idx+1:]
			}
		}
		if err != nil {
			if len(pending) > 0 {
				r.lines <- append(pending, '\n')
			}
			return
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Read implements io.Reader by draining assembled lines, buffering any
// leftover bytes a caller's smaller read didn't consume.
func (r *rawLineReader) Read(p []byte) (int, error) {
	if r.leftover == nil {
		line, ok := <-r.lines
		if !ok {
			return 0, io.EOF
		}
		r.leftover = line
	}
	n := copy(p, r.leftover)
	r.leftover = r.leftover[n:]
	if len(r.leftover) == 0 {
		r.leftover = nil
	}
	return n, nil
}
