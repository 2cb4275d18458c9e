package main

import (
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/hwsim/adapter"
	"github.com/mklimuk/hwsim/cmd/hwsim/console"
)

var deviceFlag = &cli.IntFlag{
	Name:  "device",
	Usage: "adapter index when several are connected",
	Value: -1,
}

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "MCP2221 USB bridge maintenance",
	Flags: []cli.Flag{deviceFlag},
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
		&mcp2221GPIOCmd,
	},
}

func newMCP2221(c *cli.Context) *adapter.MCP2221 {
	return adapter.NewMCP2221(adapter.WithDevice(c.Int("device")))
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	defer func() { _ = enc.Close() }()
	if err := enc.Encode(v); err != nil {
		return console.Exit(1, "encoding error: %s", console.Red(err))
	}
	return nil
}

var mcp2221StatusCmd = cli.Command{
	Name: "status",
	Action: func(c *cli.Context) error {
		status, err := newMCP2221(c).Status(c.Context)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printYAML(status)
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel a stuck I2C transfer",
	Action: func(c *cli.Context) error {
		status, err := newMCP2221(c).ReleaseBus(c.Context)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printYAML(status)
	},
}

var mcp2221GPIOCmd = cli.Command{
	Name:      "gpio",
	Usage:     "read the GP pins, or drive one with --pin and --level",
	ArgsUsage: " ",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "pin", Value: -1, Usage: "GP pin to drive (0-3)"},
		&cli.BoolFlag{Name: "level", Usage: "drive the pin high"},
	},
	Action: func(c *cli.Context) error {
		a := newMCP2221(c)
		if pin := c.Int("pin"); pin >= 0 {
			if err := a.WriteGPIO(c.Context, pin, gpio.Level(c.Bool("level"))); err != nil {
				return console.Exit(1, "could not drive GP%d: %s", pin, console.Red(err))
			}
			console.PInfof(console.PictoPin, "GP%d set to %s", pin, console.White(gpio.Level(c.Bool("level"))))
		}
		values, err := a.ReadGPIO(c.Context)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printYAML(values)
	},
}
