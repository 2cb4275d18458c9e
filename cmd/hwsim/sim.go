package main

import (
	"bytes"
	"context"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/hwsim/camera"
	"github.com/mklimuk/hwsim/camera/sensor"
	"github.com/mklimuk/hwsim/cmd/hwsim/console"
	"github.com/mklimuk/hwsim/imagestream"
	"github.com/mklimuk/hwsim/sim"
)

var simFlags = []cli.Flag{
	&cli.StringFlag{Name: "profile", Usage: "YAML sensor profile"},
	&cli.StringFlag{Name: "frame", Usage: "override the profile frame kind (ramp, testcard)"},
	&cli.UintFlag{Name: "timeout", Value: uint(sim.DefaultTimeout), Usage: "bus rendezvous timeout in milliseconds"},
}

var captureFlags = []cli.Flag{
	&cli.StringFlag{Name: "res", Value: camera.Res320x240.String(), Usage: "output resolution"},
	&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 1, Usage: "number of frames"},
	&cli.IntFlag{Name: "chunk", Value: 256, Usage: "burst read size in bytes"},
	&cli.StringFlag{Name: "serial", Usage: "stream frames in hex to this serial port instead of files"},
	&cli.IntFlag{Name: "baud", Value: imagestream.DefaultBaudRate},
}

var simCmd = cli.Command{
	Name:  "sim",
	Usage: "run the camera driver against the virtual module",
	Flags: simFlags,
	Subcommands: cli.Commands{
		&simSelfTestCmd,
		&simCaptureCmd,
	},
}

func sensorProfile(c *cli.Context) (sensor.Config, error) {
	cfg := sensor.DefaultConfig()
	if path := c.String("profile"); path != "" {
		var err error
		cfg, err = sensor.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
	}
	if f := c.String("frame"); f != "" {
		cfg.Frame = sensor.FrameKind(f)
	}
	return cfg, nil
}

func startBench(c *cli.Context) (*sim.Bench, error) {
	cfg, err := sensorProfile(c)
	if err != nil {
		return nil, console.Exit(1, "%s", console.Red(err))
	}
	b, err := sim.New(cfg, sim.WithTimeout(uint32(c.Uint("timeout"))))
	if err != nil {
		return nil, console.Exit(1, "could not build bench: %s", console.Red(err))
	}
	b.Start(c.Context)
	return b, nil
}

func stopBench(b *sim.Bench) {
	if err := b.Close(); err != nil {
		console.Errorf("virtual module stopped: %s", err)
	}
}

var simSelfTestCmd = cli.Command{
	Name:  "selftest",
	Usage: "check both buses and the module identity",
	Action: func(c *cli.Context) error {
		b, err := startBench(c)
		if err != nil {
			return err
		}
		defer stopBench(b)
		return runSelfTest(c.Context, b.Camera)
	},
}

var simCaptureCmd = cli.Command{
	Name:  "capture",
	Usage: "capture frames from the virtual module",
	Flags: append(append([]cli.Flag{}, captureFlags...), frameOutputFlags...),
	Action: func(c *cli.Context) error {
		b, err := startBench(c)
		if err != nil {
			return err
		}
		defer stopBench(b)
		return runCapture(c, b.Camera)
	},
}

func runSelfTest(ctx context.Context, cam *camera.Camera) error {
	id, err := sim.SelfTest(ctx, cam)
	if err != nil {
		return console.Exit(1, "self test failed: %s", console.Red(err))
	}
	console.PInfof(console.PictoCamera, "OV2640 detected: %s", console.Green(id))
	return nil
}

// runCapture initialises cam in JPEG mode and stores the requested frames.
func runCapture(c *cli.Context, cam *camera.Camera) error {
	ctx := c.Context
	res, err := camera.ParseResolution(c.String("res"))
	if err != nil {
		return console.Exit(1, "%s, supported: %v", console.Red(err), camera.Resolutions())
	}
	count := c.Int("count")
	if count < 1 {
		return console.Exit(1, "count must be positive, got %d", count)
	}
	sink := newFrameSink(c, count)
	if name := c.String("serial"); name != "" {
		port, err := imagestream.OpenSerial(name, c.Int("baud"), 0)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer func() { _ = port.Close() }()
		sink.stream, sink.label, sink.hex = port, name, true
	}

	if err := cam.InitJPEG(ctx); err != nil {
		return console.Exit(1, "camera init failed: %s", console.Red(err))
	}
	if err := cam.SetResolution(ctx, res); err != nil {
		return console.Exit(1, "could not set resolution: %s", console.Red(err))
	}
	var frame bytes.Buffer
	for i := 0; i < count; i++ {
		if _, err := cam.Capture(ctx); err != nil {
			return console.Exit(1, "capture %d failed: %s", i, console.Red(err))
		}
		frame.Reset()
		if _, err := cam.ReadFrame(ctx, &frame, c.Int("chunk")); err != nil {
			return console.Exit(1, "frame %d transfer failed: %s", i, console.Red(err))
		}
		dest, err := sink.Write(i, frame.Bytes())
		if err != nil {
			return console.Exit(1, "could not store frame %d: %s", i, console.Red(err))
		}
		console.Infof("frame %d: %s bytes at %s -> %s", i, console.White(frame.Len()), res, dest)
	}
	console.PInfof(console.PictoFinish, "%d frame(s) captured", count)
	return nil
}
