// Package imagestream carries JPEG frames over a text link, one byte per
// line in hexadecimal, the way camera firmware prints a capture to a UART.
// Frames are delimited by the JPEG start (FF D8) and end (FF D9) markers.
package imagestream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// Encoder writes bytes as unpadded lowercase hex, one per CRLF terminated
// line. It implements io.Writer so a frame can be streamed into it.
type Encoder struct {
	w   *bufio.Writer
	buf []byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

func (e *Encoder) Write(p []byte) (int, error) {
	for i, b := range p {
		e.buf = e.buf[:0]
		e.buf = fmt.Appendf(e.buf, "%x\r\n", b)
		if _, err := e.w.Write(e.buf); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// Flush writes buffered lines to the underlying writer.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

// Encode writes a whole frame and flushes it.
func (e *Encoder) Encode(frame []byte) error {
	if _, err := e.Write(frame); err != nil {
		return err
	}
	return e.Flush()
}

// Decoder extracts frames from a hex line stream. Lines that are not one or
// two hex digits are skipped; a start marker discards any partial frame.
type Decoder struct {
	s       *bufio.Scanner
	log     *slog.Logger
	skipped int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{s: bufio.NewScanner(r), log: slog.Default()}
}

// Skipped returns the number of lines ignored so far.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) next() (byte, error) {
	for d.s.Scan() {
		line := strings.TrimSpace(d.s.Text())
		if len(line) == 1 {
			line = "0" + line
		}
		if len(line) != 2 {
			if line != "" {
				d.skipped++
			}
			continue
		}
		var b [1]byte
		if _, err := hex.Decode(b[:], []byte(line)); err != nil {
			d.skipped++
			d.log.Debug("invalid hex line skipped", "line", line)
			continue
		}
		return b[0], nil
	}
	if err := d.s.Err(); err != nil {
		return 0, err
	}
	return 0, io.EOF
}

// Next returns the next complete frame, markers included. Bytes before the
// first start marker are dropped. io.EOF is returned when the stream ends
// between frames, io.ErrUnexpectedEOF when it ends inside one.
func (d *Decoder) Next() ([]byte, error) {
	var frame []byte
	var prev byte
	started := false
	for {
		b, err := d.next()
		if err != nil {
			if errors.Is(err, io.EOF) && started {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		pair := []byte{prev, b}
		prev = b
		switch {
		case bytes.Equal(pair, soi):
			if started {
				d.log.Debug("frame restarted", "dropped", len(frame)-1)
			}
			frame = append(frame[:0], soi...)
			started = true
		case started:
			frame = append(frame, b)
			if bytes.Equal(pair, eoi) {
				return frame, nil
			}
		}
	}
}

// Receive decodes frames from r and hands each one to fn until the stream
// ends, fn fails or ctx is done.
func Receive(ctx context.Context, r io.Reader, fn func(n int, frame []byte) error) error {
	dec := NewDecoder(r)
	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not decode frame %d: %w", n, err)
		}
		if err := fn(n, frame); err != nil {
			return err
		}
	}
}
