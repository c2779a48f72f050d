// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// aquamon reads the temperature of an aquarium from a DS18B20 on a
// bit-banged 1-wire bus and serves it on the local network.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GermanBionicSystems/aquamon/acquire"
	"github.com/GermanBionicSystems/aquamon/onewirebb"
	"github.com/GermanBionicSystems/aquamon/statusapi"
	"github.com/gin-gonic/gin"
	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/host/v3"
)

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(colorable.NewColorableStdout()), lvl)
	return zap.New(core).Sugar(), nil
}

// newEngine returns the acquisition engine reading bus and the status server
// it publishes to.
func newEngine(c Config, bus onewire.Bus, log *zap.SugaredLogger) (*acquire.Engine, *statusapi.Server, error) {
	// Must precede statusapi.New, which builds the router.
	gin.SetMode(gin.ReleaseMode)
	state := acquire.NewState()
	srv, err := statusapi.New(state, c.statusOpts(log))
	if err != nil {
		return nil, nil, err
	}
	e, err := acquire.New(bus, state, c.acquireOpts(log), srv)
	if err != nil {
		return nil, nil, err
	}
	srv.SetStatsSource(e)
	return e, srv, nil
}

func mainImpl() error {
	c, err := parseArgs(os.Args[1:])
	if err != nil {
		return err
	}
	log, err := newLogger(c.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	if _, err := host.Init(); err != nil {
		return err
	}
	p := gpioreg.ByName(c.Pin)
	if p == nil {
		return fmt.Errorf("failed to find %s", c.Pin)
	}
	bus, err := onewirebb.New(p, &onewirebb.DefaultOpts)
	if err != nil {
		return err
	}
	defer bus.Halt()

	e, srv, err := newEngine(c, bus, log)
	if err != nil {
		return err
	}
	defer srv.Halt()
	if _, err := e.Configure(); err != nil {
		// Readings still work when the sensor already converts at the
		// configured resolution; they are rejected and counted otherwise.
		log.Warnw("sensor not configured", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx, c.Interval)
	}()

	if c.Listen == "" {
		<-done
		return nil
	}
	hs := &http.Server{Addr: c.Listen, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Infow("status API listening", "addr", c.Listen)
		errc <- hs.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = hs.Shutdown(sctx)
	case err = <-errc:
		stop()
	}
	<-done
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "aquamon: %s.\n", err)
		os.Exit(1)
	}
}
