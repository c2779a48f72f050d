// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/GermanBionicSystems/aquamon/acquire"
	"github.com/GermanBionicSystems/aquamon/statusapi"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

// Config is the process configuration, read from an optional YAML file and
// overridden by flags.
type Config struct {
	Pin            string        `yaml:"pin"`
	Interval       time.Duration `yaml:"interval"`
	Attempts       int           `yaml:"attempts"`
	Backoff        time.Duration `yaml:"backoff"`
	ConversionBits int           `yaml:"conversionBits"`
	MinCelsius     float64       `yaml:"minCelsius"`
	MaxCelsius     float64       `yaml:"maxCelsius"`
	NormalMin      float64       `yaml:"normalMin"`
	NormalMax      float64       `yaml:"normalMax"`
	StaleAfter     time.Duration `yaml:"staleAfter"`
	Listen         string        `yaml:"listen"` // empty disables the status API
	LogLevel       string        `yaml:"logLevel"`
}

// DefaultConfig is a tank sensor on GPIO3 read every 5 seconds.
var DefaultConfig = Config{
	Pin:            "GPIO3",
	Interval:       5 * time.Second,
	Attempts:       acquire.DefaultOpts.Attempts,
	Backoff:        acquire.DefaultOpts.Backoff,
	ConversionBits: acquire.DefaultOpts.ConversionBits,
	MinCelsius:     acquire.DefaultOpts.MinCelsius,
	MaxCelsius:     acquire.DefaultOpts.MaxCelsius,
	NormalMin:      statusapi.DefaultOpts.NormalMin,
	NormalMax:      statusapi.DefaultOpts.NormalMax,
	StaleAfter:     statusapi.DefaultOpts.StaleAfter,
	Listen:         ":8080",
	LogLevel:       "info",
}

// LoadConfig returns DefaultConfig overlaid with the YAML file at path.
//
// An empty path returns DefaultConfig. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.UnmarshalStrict(b, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate returns an error describing the first invalid field.
func (c *Config) Validate() error {
	if c.Pin == "" {
		return errors.New("pin is required")
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.Attempts < 1 {
		return errors.New("attempts must be at least 1")
	}
	if c.Backoff < 0 {
		return errors.New("backoff must not be negative")
	}
	if c.ConversionBits < 9 || c.ConversionBits > 12 {
		return fmt.Errorf("conversionBits %d is not between 9 and 12", c.ConversionBits)
	}
	if !(c.MinCelsius < c.MaxCelsius) {
		return fmt.Errorf("minCelsius %g must be below maxCelsius %g", c.MinCelsius, c.MaxCelsius)
	}
	if c.NormalMin > c.NormalMax {
		return fmt.Errorf("normalMin %g is above normalMax %g", c.NormalMin, c.NormalMax)
	}
	if c.StaleAfter < 0 {
		return errors.New("staleAfter must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) acquireOpts(log *zap.SugaredLogger) *acquire.Opts {
	return &acquire.Opts{
		Attempts:       c.Attempts,
		Backoff:        c.Backoff,
		ConversionBits: c.ConversionBits,
		MinCelsius:     c.MinCelsius,
		MaxCelsius:     c.MaxCelsius,
		Logger:         log.Named("acquire"),
	}
}

func (c *Config) statusOpts(log *zap.SugaredLogger) *statusapi.Opts {
	return &statusapi.Opts{
		StaleAfter: c.StaleAfter,
		NormalMin:  c.NormalMin,
		NormalMax:  c.NormalMax,
		Logger:     log.Named("statusapi"),
	}
}

// parseArgs loads the file named by -config then applies the flags that were
// explicitly set on the command line.
func parseArgs(args []string) (Config, error) {
	fs := flag.NewFlagSet("aquamon", flag.ContinueOnError)
	path := fs.String("config", "", "YAML configuration file")
	f := DefaultConfig
	fs.StringVar(&f.Pin, "pin", f.Pin, "GPIO the 1-wire bus is on")
	fs.DurationVar(&f.Interval, "interval", f.Interval, "time between two read cycles")
	fs.IntVar(&f.Attempts, "attempts", f.Attempts, "read attempts per cycle")
	fs.DurationVar(&f.Backoff, "backoff", f.Backoff, "pause between two attempts")
	fs.IntVar(&f.ConversionBits, "bits", f.ConversionBits, "sensor resolution, 9 to 12")
	fs.Float64Var(&f.MinCelsius, "min", f.MinCelsius, "lowest plausible temperature in °C")
	fs.Float64Var(&f.MaxCelsius, "max", f.MaxCelsius, "highest plausible temperature in °C")
	fs.Float64Var(&f.NormalMin, "normal-min", f.NormalMin, "lowest normal tank temperature in °C")
	fs.Float64Var(&f.NormalMax, "normal-max", f.NormalMax, "highest normal tank temperature in °C")
	fs.DurationVar(&f.StaleAfter, "stale", f.StaleAfter, "age after which a reading is stale, 0 to disable")
	fs.StringVar(&f.Listen, "listen", f.Listen, "status API address, empty to disable")
	fs.StringVar(&f.LogLevel, "log", f.LogLevel, "log level")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() != 0 {
		return Config{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	c, err := LoadConfig(*path)
	if err != nil {
		return c, err
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "pin":
			c.Pin = f.Pin
		case "interval":
			c.Interval = f.Interval
		case "attempts":
			c.Attempts = f.Attempts
		case "backoff":
			c.Backoff = f.Backoff
		case "bits":
			c.ConversionBits = f.ConversionBits
		case "min":
			c.MinCelsius = f.MinCelsius
		case "max":
			c.MaxCelsius = f.MaxCelsius
		case "normal-min":
			c.NormalMin = f.NormalMin
		case "normal-max":
			c.NormalMax = f.NormalMax
		case "stale":
			c.StaleAfter = f.StaleAfter
		case "listen":
			c.Listen = f.Listen
		case "log":
			c.LogLevel = f.LogLevel
		}
	})
	return c, c.Validate()
}
