// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GermanBionicSystems/aquamon/acquire"
	"github.com/GermanBionicSystems/aquamon/common"
	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"periph.io/x/conn/v3/onewire"
)

// sensorBus is a bus with a single DS18B20 reporting raw.
type sensorBus struct {
	mu  sync.Mutex
	raw uint16
}

func (b *sensorBus) String() string { return "sensor" }

func (b *sensorBus) Search(bool) ([]onewire.Address, error) {
	return []onewire.Address{0x740000070e41ac28}, nil
}

func (b *sensorBus) Tx(w, r []byte, power onewire.Pullup) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(r) != 0 {
		s := []byte{byte(b.raw), byte(b.raw >> 8), 0x4b, 0x46, 0x1f, 0xff, 0x0c, 0x10, 0}
		s[8] = common.CRC8Maxim(s[:8])
		copy(r, s)
	}
	return nil
}

func (b *sensorBus) set(raw uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.raw = raw
}

// newEngine returns an Engine using the 9 bit conversion time to keep tests
// short.
func newEngine(t *testing.T, bus onewire.Bus, state *acquire.State, pubs ...acquire.Publisher) *acquire.Engine {
	opts := acquire.DefaultOpts
	opts.ConversionBits = 9
	opts.Attempts = 1
	e, err := acquire.New(bus, state, &opts, pubs...)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func getStatus(t *testing.T, s *Server) Status {
	w := get(t, s, "/api/temperature")
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d", w.Code)
	}
	var st Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestNew_fail(t *testing.T) {
	state := acquire.NewState()
	data := []struct {
		name  string
		state *acquire.State
		opts  Opts
	}{
		{"state", nil, DefaultOpts},
		{"stale", state, Opts{StaleAfter: -time.Second}},
		{"range", state, Opts{NormalMin: 28, NormalMax: 23}},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			if s, err := New(line.state, &line.opts); s != nil || err == nil {
				t.Fatal("expected failure")
			}
		})
	}
}

func TestTemperature_unknown(t *testing.T) {
	s, err := New(acquire.NewState(), nil)
	if err != nil {
		t.Fatal(err)
	}
	w := get(t, s, "/api/temperature")
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"celsius":null`) {
		t.Fatalf("expected null temperature, got %s", w.Body)
	}
	if diff := cmp.Diff(Status{Stale: true}, getStatus(t, s)); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestTemperature(t *testing.T) {
	state := acquire.NewState()
	s, err := New(state, nil)
	if err != nil {
		t.Fatal(err)
	}
	bus := &sensorBus{raw: 0x0190}
	e := newEngine(t, bus, state)
	if _, err := e.Acquire(); err != nil {
		t.Fatal(err)
	}
	at := state.Snapshot().At
	s.now = func() time.Time { return at.Add(10 * time.Second) }

	st := getStatus(t, s)
	if st.Celsius == nil || *st.Celsius != 25 {
		t.Fatalf("unexpected temperature %v", st.Celsius)
	}
	if !st.Valid || st.Stale || !st.InRange {
		t.Fatalf("unexpected flags %+v", st)
	}
	if st.AgeSeconds == nil || *st.AgeSeconds != 10 {
		t.Fatalf("unexpected age %v", st.AgeSeconds)
	}
	if st.At == nil || !st.At.Equal(at) {
		t.Fatalf("unexpected timestamp %v", st.At)
	}

	// Age past StaleAfter.
	s.now = func() time.Time { return at.Add(DefaultOpts.StaleAfter + time.Second) }
	if st := getStatus(t, s); !st.Valid || !st.Stale {
		t.Fatalf("expected stale reading %+v", st)
	}

	// A failed cycle keeps the value but not its freshness.
	bus.set(0x0550)
	if _, err := e.Acquire(); err == nil {
		t.Fatal("expected power-on value to be rejected")
	}
	if st := getStatus(t, s); *st.Celsius != 25 || !st.Stale {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestTemperature_outOfNormal(t *testing.T) {
	state := acquire.NewState()
	s, err := New(state, &Opts{NormalMin: 23, NormalMax: 28})
	if err != nil {
		t.Fatal(err)
	}
	// 30°C is plausible but too warm for the tank.
	if _, err := newEngine(t, &sensorBus{raw: 0x01e0}, state).Acquire(); err != nil {
		t.Fatal(err)
	}
	st := getStatus(t, s)
	if *st.Celsius != 30 || !st.Valid || st.InRange {
		t.Fatalf("unexpected status %+v", st)
	}
	// StaleAfter zero disables the age check.
	s.now = func() time.Time { return st.At.Add(time.Hour) }
	if st := getStatus(t, s); st.Stale {
		t.Fatalf("unexpected stale status %+v", st)
	}
}

func TestStats(t *testing.T) {
	state := acquire.NewState()
	s, err := New(state, nil)
	if err != nil {
		t.Fatal(err)
	}
	if w := get(t, s, "/api/stats"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status code %d", w.Code)
	}
	e := newEngine(t, &sensorBus{raw: 0x0190}, state)
	if _, err := e.Configure(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Acquire(); err != nil {
		t.Fatal(err)
	}
	s.SetStatsSource(e)
	w := get(t, s, "/api/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d", w.Code)
	}
	var got acquire.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(acquire.Stats{Cycles: 1, Successes: 1, Attempts: 1}, got); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestNotFound(t *testing.T) {
	s, err := New(acquire.NewState(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if w := get(t, s, "/api/humidity"); w.Code != http.StatusNotFound {
		t.Fatalf("unexpected status code %d", w.Code)
	}
}

func TestStream(t *testing.T) {
	state := acquire.NewState()
	s, err := New(state, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	e := newEngine(t, &sensorBus{raw: 0x0190}, state, s)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	// The current status comes first; receiving it also means the client is
	// registered.
	var st Status
	if err := ws.ReadJSON(&st); err != nil {
		t.Fatal(err)
	}
	if st.Valid || st.Celsius != nil {
		t.Fatalf("unexpected initial status %+v", st)
	}

	if _, err := e.Acquire(); err != nil {
		t.Fatal(err)
	}
	if err := ws.ReadJSON(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Valid || st.Celsius == nil || *st.Celsius != 25 {
		t.Fatalf("unexpected pushed status %+v", st)
	}

	if err := s.Halt(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
	// Publishing without clients is a no-op.
	s.PublishTemperature(25)
}

func TestStream_notWebsocket(t *testing.T) {
	s, err := New(acquire.NewState(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if w := get(t, s, "/api/stream"); w.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status code %d", w.Code)
	}
}

func init() {
	gin.SetMode(gin.TestMode)
}
