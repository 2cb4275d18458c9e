package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/hwsim/cmd/hwsim/console"
	"github.com/mklimuk/hwsim/imagestream"
)

var errEnough = errors.New("frame count reached")

var imageCmd = cli.Command{
	Name:  "image",
	Usage: "receive frames printed in hex by camera firmware",
	Subcommands: cli.Commands{
		&imageReceiveCmd,
		&imagePortsCmd,
	},
}

var imageReceiveCmd = cli.Command{
	Name:  "receive",
	Usage: "decode frames from a serial port or a captured log",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "port", Aliases: []string{"p"}, Usage: "serial port to listen on"},
		&cli.StringFlag{Name: "in", Usage: "read a captured log instead of a serial port"},
		&cli.IntFlag{Name: "baud", Value: imagestream.DefaultBaudRate},
		&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 0, Usage: "stop after this many frames, 0 for no limit"},
	}, frameOutputFlags...),
	Action: func(c *cli.Context) error {
		var (
			src io.ReadCloser
			r   io.Reader
		)
		switch {
		case c.String("in") != "":
			f, err := os.Open(c.String("in"))
			if err != nil {
				return console.Exit(1, "%s", console.Red(err))
			}
			src, r = f, f
		case c.String("port") != "":
			p, err := imagestream.OpenSerial(c.String("port"), c.Int("baud"), time.Second)
			if err != nil {
				return console.Exit(1, "%s", console.Red(err))
			}
			src, r = p, imagestream.NewPollReader(c.Context, p)
			console.Infof("listening on %s at %d baud", console.White(c.String("port")), c.Int("baud"))
		default:
			return console.Exit(1, "one of --port or --in is required")
		}
		defer func() { _ = src.Close() }()

		limit := c.Int("count")
		names := limit
		if names == 0 {
			names = 2
		}
		sink := newFrameSink(c, names)
		received := 0
		err := imagestream.Receive(c.Context, r, func(n int, frame []byte) error {
			dest, err := sink.Write(n, frame)
			if err != nil {
				return fmt.Errorf("could not store frame %d: %w", n, err)
			}
			received++
			console.PInfof(console.PictoCamera, "frame %d: %s bytes -> %s", n, console.White(len(frame)), dest)
			if limit > 0 && received >= limit {
				return errEnough
			}
			return nil
		})
		if err != nil && !errors.Is(err, errEnough) {
			return console.Exit(1, "receive stopped after %d frame(s): %s", received, console.Red(err))
		}
		console.PInfof(console.PictoFinish, "%d frame(s) received", received)
		return nil
	},
}

var imagePortsCmd = cli.Command{
	Name:  "ports",
	Usage: "list serial ports",
	Action: func(c *cli.Context) error {
		ports, err := imagestream.Ports()
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		if len(ports) == 0 {
			console.PInfof(console.PictoStop, "no serial ports found")
			return nil
		}
		for _, p := range ports {
			console.Printf("%s\n", p)
		}
		return nil
	},
}
