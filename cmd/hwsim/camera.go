package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"
	gspi "gobot.io/x/gobot/v2/drivers/spi"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/hwsim"
	"github.com/mklimuk/hwsim/adapter"
	"github.com/mklimuk/hwsim/camera"
	"github.com/mklimuk/hwsim/cmd/hwsim/console"
	"github.com/mklimuk/hwsim/gpio"
	"github.com/mklimuk/hwsim/hal"
	"github.com/mklimuk/hwsim/i2c"
	"github.com/mklimuk/hwsim/spi"
)

const (
	boardHost    = "host"
	boardNanoPi  = "nanopi"
	boardMCP2221 = "mcp2221"
)

var cameraCmd = cli.Command{
	Name:  "camera",
	Usage: "probe a real camera module",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "board", Value: boardHost, Usage: "bus wiring: host (periph), nanopi (gobot) or mcp2221 (USB bridge for I2C and chip select)"},
		&cli.StringFlag{Name: "i2c", Usage: "host I2C bus name, empty for the first one"},
		&cli.IntFlag{Name: "i2c-bus", Value: -1, Usage: "nanopi I2C bus number, -1 for the default"},
		&cli.StringFlag{Name: "spi", Usage: "host SPI port name, empty for the first one"},
		&cli.StringFlag{Name: "cs", Value: "GPIO8", Usage: "host GPIO used as chip select"},
		&cli.IntFlag{Name: "cs-pin", Value: 0, Usage: "mcp2221 GP pin or expander bank A line used as chip select"},
		&cli.UintFlag{Name: "cs-expander", Usage: "7-bit address of an MCP23017 driving the chip select, 0 for none"},
		&cli.IntFlag{Name: "speed", Value: 4_000_000, Usage: "SPI clock in Hz"},
		&cli.UintFlag{Name: "addr", Value: 0x30, Usage: "7-bit sensor address"},
		deviceFlag,
	},
	Subcommands: cli.Commands{
		&cameraWhoAmICmd,
		&cameraSelfTestCmd,
		&cameraCaptureCmd,
	},
}

type closers []func() error

func (cl closers) close() {
	for i := len(cl) - 1; i >= 0; i-- {
		if err := cl[i](); err != nil {
			console.Warnf("could not release bus: %s", err)
		}
	}
}

// openCamera wires the driver to the buses selected by the board flag.
func openCamera(c *cli.Context) (*camera.Camera, closers, error) {
	var (
		cl      closers
		spiBus  hwsim.SPIBus
		i2cBus  hwsim.I2CBus
		cs      hwsim.ChipSelect
		openErr error
	)
	openHostSPI := func() error {
		port, err := spi.OpenPort(c.String("spi"), physic.Frequency(c.Int("speed"))*physic.Hertz)
		if err != nil {
			return err
		}
		cl = append(cl, port.Close)
		spiBus = port
		return nil
	}

	switch board := c.String("board"); board {
	case boardHost:
		if openErr = openHostSPI(); openErr != nil {
			break
		}
		pin, err := spi.OpenChipSelect(c.String("cs"))
		if err != nil {
			openErr = err
			break
		}
		cs = pin
		bus, err := i2c.NewGenericBus(c.String("i2c"))
		if err != nil {
			openErr = err
			break
		}
		cl = append(cl, bus.Close)
		i2cBus = bus
	case boardNanoPi:
		npi := nanopi.NewNeoAdaptor()
		if err := npi.Connect(); err != nil {
			openErr = fmt.Errorf("adaptor connect error: %w", err)
			break
		}
		cl = append(cl, npi.Finalize)
		d := gspi.NewDriver(npi, "spi")
		if err := d.Start(); err != nil {
			openErr = fmt.Errorf("SPI device start error: %w", err)
			break
		}
		cl = append(cl, d.Halt)
		conn, err := spi.NewGobotConn(d)
		if err != nil {
			openErr = err
			break
		}
		spiBus, cs = conn, conn.ChipSelect()
		bus := i2c.NewGobotBus(npi, c.Int("i2c-bus"))
		cl = append(cl, bus.Close)
		i2cBus = bus
	case boardMCP2221:
		if openErr = openHostSPI(); openErr != nil {
			break
		}
		a := adapter.NewMCP2221(adapter.WithDevice(c.Int("device")))
		i2cBus, cs = a, a.ChipSelect(c.Context, c.Int("cs-pin"))
	default:
		openErr = fmt.Errorf("unknown board %q", board)
	}
	if exp := c.Uint("cs-expander"); openErr == nil && exp != 0 {
		cs, openErr = expanderSelect(c, i2cBus, byte(exp))
	}
	if openErr != nil {
		cl.close()
		return nil, nil, console.Exit(1, "could not open buses: %s", console.Red(openErr))
	}
	if err := cs.Out(true); err != nil {
		cl.close()
		return nil, nil, console.Exit(1, "could not deselect camera: %s", console.Red(err))
	}

	delay := hal.New()
	delay.Init()
	cam := camera.New(cs, spiBus, i2cBus, delay, camera.WithSensorAddress(byte(c.Uint("addr"))))
	return cam, cl, nil
}

func expanderSelect(c *cli.Context, bus hwsim.I2CBus, address byte) (hwsim.ChipSelect, error) {
	line := c.Int("cs-pin")
	exp := gpio.NewMCP23017(bus, address)
	if err := exp.Configure(c.Context, gpio.BankA, ^byte(1<<line)); err != nil {
		return nil, err
	}
	return exp.Line(c.Context, gpio.BankA, line)
}

var cameraWhoAmICmd = cli.Command{
	Name:  "whoami",
	Usage: "read the sensor chip id",
	Action: func(c *cli.Context) error {
		cam, cl, err := openCamera(c)
		if err != nil {
			return err
		}
		defer cl.close()
		id, err := cam.TestWhoAmI(c.Context)
		switch {
		case errors.Is(err, camera.ErrWrongSensor):
			console.PInfof(console.PictoGhost, "unknown sensor: %s", console.Yellow(id))
			return console.Exit(2, "not an OV2640")
		case err != nil:
			return console.Exit(1, "bus error: %s", console.Red(err))
		}
		console.PInfof(console.PictoCamera, "OV2640 detected: %s", console.Green(id))
		return nil
	},
}

var cameraSelfTestCmd = cli.Command{
	Name:  "selftest",
	Usage: "check both buses and the module identity",
	Action: func(c *cli.Context) error {
		cam, cl, err := openCamera(c)
		if err != nil {
			return err
		}
		defer cl.close()
		return runSelfTest(c.Context, cam)
	},
}

var cameraCaptureCmd = cli.Command{
	Name:  "capture",
	Usage: "capture frames from the module",
	Flags: append(append([]cli.Flag{}, captureFlags...), frameOutputFlags...),
	Action: func(c *cli.Context) error {
		cam, cl, err := openCamera(c)
		if err != nil {
			return err
		}
		defer cl.close()
		return runCapture(c, cam)
	},
}
