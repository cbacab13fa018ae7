// Package acquisition provides an HTTP interface to an acquisition controller
package acquisition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"go.uber.org/zap"

	acq "github.com/nasa-jpl/modscope/acquisition"
	"github.com/nasa-jpl/modscope/catalog"
	"github.com/nasa-jpl/modscope/dataset"
	"github.com/nasa-jpl/modscope/display"
	"github.com/nasa-jpl/modscope/dmd"
	"github.com/nasa-jpl/modscope/generichttp"
	"github.com/nasa-jpl/modscope/generichttp/camera"
)

// HTTPAcquisition wraps a controller in an HTTP interface.  Sessions started
// over HTTP run on the wrapper's context, not the request's.
type HTTPAcquisition struct {
	acq.NopObserver

	Ctl     *acq.Controller
	Live    *display.LiveView
	Catalog *catalog.Catalog
	Log     *zap.Logger

	ctx context.Context

	mu      sync.Mutex
	started chan struct{}

	RouteTable generichttp.RouteTable
}

// NewHTTPAcquisition builds the route table and registers the wrapper as an
// observer of c.  live and cat may be nil; the routes needing them then
// answer 404.
func NewHTTPAcquisition(ctx context.Context, c *acq.Controller, live *display.LiveView, cat *catalog.Catalog, log *zap.Logger) *HTTPAcquisition {
	if log == nil {
		log = zap.NewNop()
	}
	h := &HTTPAcquisition{Ctl: c, Live: live, Catalog: cat, Log: log, ctx: ctx}
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/start"}:                h.Start,
		{Method: http.MethodPost, Path: "/interrupt"}:            h.Interrupt,
		{Method: http.MethodPost, Path: "/background"}:           h.Background,
		{Method: http.MethodPost, Path: "/sequence"}:             h.ImportSequence,
		{Method: http.MethodGet, Path: "/state"}:                 h.GetState,
		{Method: http.MethodGet, Path: "/progress"}:              generichttp.GetFloat(func() (float64, error) { return c.Progress(), nil }),
		{Method: http.MethodGet, Path: "/settings"}:              h.GetSettings,
		{Method: http.MethodPost, Path: "/settings"}:             h.SetSettings,
		{Method: http.MethodGet, Path: "/session"}:               h.GetSession,
		{Method: http.MethodGet, Path: "/image"}:                 camera.GetFrame(c, h),
		{Method: http.MethodGet, Path: "/sessions"}:              h.ListSessions,
		{Method: http.MethodGet, Path: "/sessions/{id}"}:         h.GetSessionEntry,
		{Method: http.MethodGet, Path: "/sessions/{id}/fits"}:    h.GetSessionFits,
		{Method: http.MethodGet, Path: "/dmd/range"}:             h.GetRange,
		{Method: http.MethodGet, Path: "/dmd/available-memory"}:  h.GetAvailableMemory,
		{Method: http.MethodPost, Path: "/camera/read-hardware"}: h.ReadHardware,
	}
	if live != nil {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/live"}] = h.Stream
	}
	camera.HTTPInspect(c.Camera, rt)
	h.RouteTable = rt
	c.Observe(h)
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPAcquisition) RT() generichttp.RouteTable {
	return h.RouteTable
}

// StateChanged implements acq.Observer; it releases a launch waiting for its
// session to leave idle
func (h *HTTPAcquisition) StateChanged(from, to acq.State) {
	if from != acq.Idle {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started != nil {
		close(h.started)
		h.started = nil
	}
}

// launch runs fn on the wrapper's context.  It returns once the session has
// left idle, or with fn's error if fn fails before that.  prepare, if not nil,
// runs first and only when no session is running or being launched.
func (h *HTTPAcquisition) launch(name string, prepare func() error, fn func(context.Context) error) error {
	started := make(chan struct{})
	h.mu.Lock()
	if h.started != nil || h.Ctl.State() != acq.Idle {
		h.mu.Unlock()
		return acq.ErrBusy
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			h.mu.Unlock()
			return err
		}
	}
	h.started = started
	h.mu.Unlock()

	errs := make(chan error, 1)
	go func() {
		err := fn(h.ctx)
		if err != nil {
			h.Log.Error(name+" failed", zap.Error(err))
		}
		errs <- err
	}()
	select {
	case <-started:
		return nil
	case err := <-errs:
		h.mu.Lock()
		if h.started == started {
			h.started = nil
		}
		h.mu.Unlock()
		return err
	}
}

// status maps controller errors to HTTP status codes
func status(err error) int {
	var re dmd.RangeError
	switch {
	case errors.Is(err, acq.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, acq.ErrInvalidSettings), errors.Is(err, acq.ErrUnsupported),
		errors.Is(err, acq.ErrNoProjector), errors.As(err, &re):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// decodeSettings overlays an optional JSON body on the live settings
func (h *HTTPAcquisition) decodeSettings(r *http.Request) (acq.Settings, error) {
	s := h.Ctl.Settings()
	defer r.Body.Close()
	if r.ContentLength == 0 {
		return s, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil && err != io.EOF {
		return s, err
	}
	return s, nil
}

// Start starts a session.  The body, if any, holds settings overriding the
// live settings; they become the live settings.
func (h *HTTPAcquisition) Start(w http.ResponseWriter, r *http.Request) {
	s, err := h.decodeSettings(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prepare := func() error { return h.Ctl.SetSettings(s) }
	if err := h.launch("acquisition", prepare, func(ctx context.Context) error { return h.Ctl.Run(ctx, s) }); err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Background starts a background capture with the live settings
func (h *HTTPAcquisition) Background(w http.ResponseWriter, r *http.Request) {
	s, err := h.decodeSettings(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.launch("background", nil, func(ctx context.Context) error { return h.Ctl.AcquireBackground(ctx, s) }); err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Interrupt interrupts the running session, if any
func (h *HTTPAcquisition) Interrupt(w http.ResponseWriter, r *http.Request) {
	h.Ctl.Interrupt()
	w.WriteHeader(http.StatusOK)
}

// sequence is the body of an import request
type sequence struct {
	Files []string `json:"files"`
}

// ImportSequence loads pattern files into the projector and returns the
// number loaded as {"int": n}
func (h *HTTPAcquisition) ImportSequence(w http.ResponseWriter, r *http.Request) {
	seq := sequence{}
	err := json.NewDecoder(r.Body).Decode(&seq)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := h.Ctl.ImportSequence(seq.Files)
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	hp := generichttp.HumanPayload{T: types.Int, Int: n}
	hp.EncodeAndRespond(w, r)
}

// GetState returns the controller state as {"str": state}
func (h *HTTPAcquisition) GetState(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.String, String: string(h.Ctl.State())}
	hp.EncodeAndRespond(w, r)
}

// GetSettings returns the live settings as JSON
func (h *HTTPAcquisition) GetSettings(w http.ResponseWriter, r *http.Request) {
	generichttp.Respond(w, h.Ctl.Settings())
}

// SetSettings overlays the JSON body on the live settings
func (h *HTTPAcquisition) SetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.decodeSettings(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Ctl.SetSettings(s); err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// sessionStatus is the running session or the last report
type sessionStatus struct {
	State   acq.State   `json:"state"`
	Running *acq.Session `json:"running,omitempty"`
	Last    *acq.Report  `json:"last,omitempty"`
	LastErr string       `json:"lastError,omitempty"`
}

// GetSession returns the running session and the last report
func (h *HTTPAcquisition) GetSession(w http.ResponseWriter, r *http.Request) {
	st := sessionStatus{State: h.Ctl.State()}
	if s, ok := h.Ctl.Session(); ok {
		st.Running = &s
	}
	if rep, ok := h.Ctl.LastReport(); ok {
		st.Last = &rep
		st.LastErr = rep.Err
	}
	generichttp.Respond(w, st)
}

// ReadHardware refreshes the camera's cached settings
func (h *HTTPAcquisition) ReadHardware(w http.ResponseWriter, r *http.Request) {
	if err := h.Ctl.Refresh(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetRange returns the projector's selected range as JSON
func (h *HTTPAcquisition) GetRange(w http.ResponseWriter, r *http.Request) {
	if h.Ctl.Projector == nil {
		http.Error(w, acq.ErrNoProjector.Error(), http.StatusNotFound)
		return
	}
	rng, err := h.Ctl.Projector.GetRange()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	generichttp.Respond(w, rng)
}

// GetAvailableMemory returns the projector's free pattern memory as {"int": n}
func (h *HTTPAcquisition) GetAvailableMemory(w http.ResponseWriter, r *http.Request) {
	if h.Ctl.Projector == nil {
		http.Error(w, acq.ErrNoProjector.Error(), http.StatusNotFound)
		return
	}
	n, err := h.Ctl.Projector.AvailableMemory()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.Int, Int: n}
	hp.EncodeAndRespond(w, r)
}

// CollectHeaderMetadata satisfies camera.MetadataMaker with the live settings
func (h *HTTPAcquisition) CollectHeaderMetadata() []fitsio.Card {
	s := h.Ctl.Settings()
	cards := []fitsio.Card{
		{Name: "EXPTIME", Value: s.AcquisitionTime, Comment: "exposure time, seconds"},
		{Name: "DMDTRIG", Value: s.DMDTrigger, Comment: "camera triggered by the projector"},
	}
	if s.Sample != "" {
		cards = append(cards, fitsio.Card{Name: "SAMPLE", Value: s.Sample})
	}
	if sess, ok := h.Ctl.Session(); ok {
		cards = append(cards, fitsio.Card{Name: "SESSION", Value: sess.ID})
	}
	return cards
}

// ListSessions returns catalogued sessions, newest first.  The limit query
// parameter bounds the count.
func (h *HTTPAcquisition) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.Catalog == nil {
		http.Error(w, "no session catalog", http.StatusNotFound)
		return
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		var err error
		if limit, err = strconv.Atoi(q); err != nil {
			http.Error(w, fmt.Sprintf("limit %q is not an integer", q), http.StatusBadRequest)
			return
		}
	}
	entries, err := h.Catalog.List(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	generichttp.Respond(w, entries)
}

func (h *HTTPAcquisition) entry(w http.ResponseWriter, r *http.Request) (catalog.Entry, bool) {
	if h.Catalog == nil {
		http.Error(w, "no session catalog", http.StatusNotFound)
		return catalog.Entry{}, false
	}
	e, err := h.Catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, catalog.ErrNotFound) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return e, false
	}
	return e, true
}

// GetSessionEntry returns one catalogued session
func (h *HTTPAcquisition) GetSessionEntry(w http.ResponseWriter, r *http.Request) {
	if e, ok := h.entry(w, r); ok {
		generichttp.Respond(w, e)
	}
}

// GetSessionFits streams a session's dataset as a FITS cube
func (h *HTTPAcquisition) GetSessionFits(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entry(w, r)
	if !ok {
		return
	}
	if e.Dataset == "" {
		http.Error(w, "session "+e.ID+" saved no dataset", http.StatusNotFound)
		return
	}
	ds, err := dataset.Open(e.Dataset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	meta := []fitsio.Card{
		{Name: "SESSION", Value: e.ID},
		{Name: "MODE", Value: e.Mode},
		{Name: "DMDTRIG", Value: e.DMDTrigger},
	}
	w.Header().Set("Content-Type", "image/fits")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(e.Dataset)+".fits"))
	if err := ds.WriteFITS(w, meta); err != nil {
		h.Log.Error("streaming dataset", zap.String("session", e.ID), zap.Error(err))
	}
}
