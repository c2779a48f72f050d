// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package statusapi serves the last known good temperature to the local
// network.
//
// It is a consumer of acquire.State and decides on its own when a reading is
// too old to be trusted. Endpoints:
//
//	GET /api/temperature  current Status as JSON
//	GET /api/stats        acquisition counters as JSON
//	GET /api/stream       websocket; the current Status, then one per reading
package statusapi

import (
	"errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/GermanBionicSystems/aquamon/acquire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// StaleAfter is the age after which a reading is reported stale. Zero
	// disables the check.
	StaleAfter time.Duration
	// NormalMin and NormalMax is the range the temperature is expected to stay
	// in. It only drives the InRange flag.
	NormalMin float64
	NormalMax float64

	Logger *zap.SugaredLogger // defaults to a no-op logger
}

// DefaultOpts is the recommended default options for a tropical aquarium.
var DefaultOpts = Opts{
	StaleAfter: 30 * time.Second,
	NormalMin:  23,
	NormalMax:  28,
}

// Status is the JSON document describing the current reading.
type Status struct {
	Celsius    *float64   `json:"celsius"` // null until the first reading
	Valid      bool       `json:"valid"`
	Stale      bool       `json:"stale"`
	InRange    bool       `json:"in_range"`
	At         *time.Time `json:"at,omitempty"`
	AgeSeconds *float64   `json:"age_seconds,omitempty"`
}

// StatsSource provides acquisition counters, typically an *acquire.Engine.
type StatsSource interface {
	Stats() acquire.Stats
}

// New returns a Server reporting state.
func New(state *acquire.State, opts *Opts) (*Server, error) {
	if state == nil {
		return nil, errors.New("statusapi: state is required")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.StaleAfter < 0 {
		return nil, errors.New("statusapi: negative StaleAfter")
	}
	if opts.NormalMin > opts.NormalMax {
		return nil, errors.New("statusapi: NormalMin above NormalMax")
	}
	s := &Server{
		state:   state,
		opts:    *opts,
		log:     opts.Logger,
		clients: map[*client]struct{}{},
		now:     time.Now,
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.logRequest)
	api := s.router.Group("/api")
	api.GET("/temperature", s.getTemperature)
	api.GET("/stats", s.getStats)
	api.GET("/stream", s.stream)
	return s, nil
}

// Server is the HTTP status endpoint. It implements acquire.Publisher to push
// new readings to websocket clients.
type Server struct {
	state    *acquire.State
	opts     Opts
	log      *zap.SugaredLogger
	router   *gin.Engine
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.Mutex
	stats   StatsSource
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Status
}

func (s *Server) String() string {
	return "statusapi"
}

// Handler returns the HTTP handler serving the endpoints.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetStatsSource sets where /api/stats reads its counters from.
func (s *Server) SetStatsSource(src StatsSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = src
}

// Status returns the current status.
func (s *Server) Status() Status {
	r := s.state.Snapshot()
	st := Status{Valid: r.Valid}
	if !r.Valid || math.IsNaN(r.Celsius) {
		st.Valid = false
		st.Stale = true
		return st
	}
	c := r.Celsius
	at := r.At
	age := s.now().Sub(r.At)
	ageSec := age.Seconds()
	st.Celsius = &c
	st.At = &at
	st.AgeSeconds = &ageSec
	st.Stale = s.opts.StaleAfter > 0 && age > s.opts.StaleAfter
	st.InRange = c >= s.opts.NormalMin && c <= s.opts.NormalMax
	return st
}

// PublishTemperature implements acquire.Publisher.
//
// The status is pushed to every stream client without blocking; a client too
// slow to keep up is disconnected.
func (s *Server) PublishTemperature(float64) {
	st := s.Status()
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- st:
		default:
			s.log.Warnw("dropping slow stream client", "remote", c.conn.RemoteAddr().String())
			s.removeLocked(c)
		}
	}
}

// Halt implements conn.Resource. It disconnects every stream client.
func (s *Server) Halt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		s.removeLocked(c)
	}
	return nil
}

//

func (s *Server) getTemperature(c *gin.Context) {
	c.JSON(http.StatusOK, s.Status())
}

func (s *Server) getStats(c *gin.Context) {
	s.mu.Lock()
	src := s.stats
	s.mu.Unlock()
	if src == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no acquisition running"})
		return
	}
	c.JSON(http.StatusOK, src.Stats())
}

func (s *Server) stream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.log.Debugw("websocket upgrade failed", "error", err)
		return
	}
	cl := &client{conn: conn, send: make(chan Status, 8)}
	s.mu.Lock()
	s.clients[cl] = struct{}{}
	cl.send <- s.Status()
	s.mu.Unlock()
	s.log.Debugw("stream client connected", "remote", conn.RemoteAddr().String())
	go s.writeLoop(cl)
	go s.readLoop(cl)
}

func (s *Server) writeLoop(cl *client) {
	for st := range cl.send {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := cl.conn.WriteJSON(st); err != nil {
			s.remove(cl)
			_ = cl.conn.Close()
			return
		}
	}
	_ = cl.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = cl.conn.Close()
}

// readLoop discards incoming messages and notices when the client leaves.
func (s *Server) readLoop(cl *client) {
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			s.remove(cl)
			return
		}
	}
}

func (s *Server) remove(cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(cl)
}

// removeLocked closes the send channel, which makes writeLoop close the
// connection. It is a no-op for a client already removed.
func (s *Server) removeLocked(cl *client) {
	if _, ok := s.clients[cl]; !ok {
		return
	}
	delete(s.clients, cl)
	close(cl.send)
	s.log.Debugw("stream client disconnected", "remote", cl.conn.RemoteAddr().String())
}

func (s *Server) logRequest(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debugw("http request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status(), "duration", time.Since(start))
}

var _ acquire.Publisher = &Server{}
