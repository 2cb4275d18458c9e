package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/hwsim/cmd/hwsim/console"
	"github.com/mklimuk/hwsim/imagestream"
)

var frameOutputFlags = []cli.Flag{
	&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "frame.jpg", Usage: "output file, '-' for stdout; a %d verb is replaced by the frame number"},
	&cli.BoolFlag{Name: "hex", Usage: "write frames in the serial hex line format"},
	&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "overwrite existing files without asking"},
}

// frameSink stores captured frames as files or as a hex stream.
type frameSink struct {
	pattern string
	count   int
	hex     bool
	force   bool
	stream  io.Writer
	label   string
	confirm func(question string) (bool, error)
}

func newFrameSink(c *cli.Context, count int) *frameSink {
	s := &frameSink{
		pattern: c.String("out"),
		count:   count,
		hex:     c.Bool("hex"),
		force:   c.Bool("force"),
		confirm: console.Confirm,
	}
	if s.pattern == "-" {
		s.stream = os.Stdout
		s.label = "stdout"
		console.SetOutput(os.Stderr, os.Stderr)
	}
	return s
}

// frameName expands the output pattern for frame i of count.
func frameName(pattern string, i, count int) string {
	if strings.Contains(pattern, "%d") || strings.Contains(pattern, "%0") {
		return fmt.Sprintf(pattern, i)
	}
	if count == 1 {
		return pattern
	}
	ext := filepath.Ext(pattern)
	return fmt.Sprintf("%s_%03d%s", strings.TrimSuffix(pattern, ext), i, ext)
}

// Write stores frame i and returns where it went.
func (s *frameSink) Write(i int, frame []byte) (string, error) {
	if s.stream != nil {
		return s.label, s.encode(s.stream, frame)
	}
	name := frameName(s.pattern, i, s.count)
	if !s.force {
		_, err := os.Stat(name)
		switch {
		case err == nil:
			ok, err := s.confirm(fmt.Sprintf("%s exists, overwrite?", name))
			if err != nil {
				return name, err
			}
			if !ok {
				return name, fmt.Errorf("%s: %w", name, fs.ErrExist)
			}
		case !errors.Is(err, fs.ErrNotExist):
			return name, err
		}
	}
	f, err := os.Create(name)
	if err != nil {
		return name, fmt.Errorf("could not create %s: %w", name, err)
	}
	if err := s.encode(f, frame); err != nil {
		_ = f.Close()
		return name, err
	}
	return name, f.Close()
}

func (s *frameSink) encode(w io.Writer, frame []byte) error {
	if s.hex {
		return imagestream.NewEncoder(w).Encode(frame)
	}
	_, err := w.Write(frame)
	return err
}
