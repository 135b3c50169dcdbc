// Package api serves the checksum app's HTTP surface: housekeeping and
// event read models, a command uplink, a fault injector for exercising
// miscompare detection, the housekeeping chart and Prometheus metrics.
package api

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/havencarlson/CS/internal/checksum"
	"github.com/havencarlson/CS/internal/command"
	"github.com/havencarlson/CS/internal/db"
	"github.com/havencarlson/CS/internal/events"
	"github.com/havencarlson/CS/internal/httputil"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	maxBodyBytes      = 64 * 1024
)

// Engine is the part of checksum.Engine the API drives.
type Engine interface {
	Dispatch(command.Packet) checksum.Outcome
	Snapshot() checksum.Snapshot
	Status() checksum.Status
}

// Store is the part of db.DB the API reads.
type Store interface {
	RecentEvents(ctx context.Context, limit int) ([]events.Event, error)
	HousekeepingHistory(ctx context.Context, limit int) ([]db.Housekeeping, error)
}

type Server struct {
	engine Engine
	store  Store
	// mem, when set, enables /api/poke.
	mem io.WriterAt
}

func NewServer(engine Engine, store Store, mem io.WriterAt) *Server {
	return &Server{engine: engine, store: store, mem: mem}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/housekeeping", s.showHousekeeping)
	mux.HandleFunc("/api/command", s.sendCommand)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/history", s.listHistory)
	mux.HandleFunc("/api/poke", s.poke)
	mux.HandleFunc("/charts/housekeeping", s.housekeepingChart)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Housekeeping is the /api/housekeeping response.
type Housekeeping struct {
	checksum.Snapshot
	Loop checksum.Status `json:"loop"`
}

func (s *Server) showHousekeeping(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, Housekeeping{Snapshot: s.engine.Snapshot(), Loop: s.engine.Status()})
}

// CommandRequest uplinks one command. The code is given by number (cc) or
// by name; the payload is hex. MsgID defaults to the app's command MID.
type CommandRequest struct {
	MsgID   *uint16 `json:"mid,omitempty"`
	CC      *uint8  `json:"cc,omitempty"`
	Name    string  `json:"name,omitempty"`
	Payload string  `json:"payload,omitempty"`
}

// Packet resolves the request into a command packet.
func (c CommandRequest) Packet() (command.Packet, error) {
	var p command.Packet
	switch {
	case c.CC != nil && c.Name != "":
		return p, fmt.Errorf("give either cc or name, not both")
	case c.CC != nil:
		p.Code = command.Code(*c.CC)
	case c.Name != "":
		code, err := command.ParseCode(c.Name)
		if err != nil {
			return p, err
		}
		p.Code = code
	default:
		return p, fmt.Errorf("missing cc or name")
	}
	p.MsgID = command.CmdMID
	if c.MsgID != nil {
		p.MsgID = command.MsgID(*c.MsgID)
	}
	if c.Payload != "" {
		b, err := hex.DecodeString(c.Payload)
		if err != nil {
			return p, fmt.Errorf("payload is not hex: %w", err)
		}
		p.Payload = b
	}
	return p, nil
}

// CommandResponse reports how the engine handled a command, with the
// counters read right after it.
type CommandResponse struct {
	Outcome       checksum.Outcome `json:"outcome"`
	Failed        bool             `json:"failed"`
	CmdCounter    uint32           `json:"cmd_counter"`
	CmdErrCounter uint32           `json:"cmd_err_counter"`
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req CommandRequest
	if !httputil.DecodeJSON(w, r, &req, maxBodyBytes) {
		return
	}
	p, err := req.Packet()
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	out := s.engine.Dispatch(p)
	snap := s.engine.Snapshot()
	httputil.WriteJSONOK(w, CommandResponse{
		Outcome:       out,
		Failed:        out.Failed(),
		CmdCounter:    snap.CmdCounter,
		CmdErrCounter: snap.CmdErrCounter,
	})
}

func queryLimit(r *http.Request, def, limit int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return min(n, limit), nil
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := queryLimit(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	evs, err := s.store.RecentEvents(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read events: %v", err))
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	httputil.WriteJSONOK(w, evs)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := queryLimit(r, 360, 10000)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	hist, err := s.store.HousekeepingHistory(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read history: %v", err))
		return
	}
	if hist == nil {
		hist = []db.Housekeeping{}
	}
	httputil.WriteJSONOK(w, hist)
}

// PokeRequest overwrites image bytes at Address.
type PokeRequest struct {
	Address uint32 `json:"address"`
	Data    string `json:"data"` // hex
}

func (s *Server) poke(w http.ResponseWriter, r *http.Request) {
	if s.mem == nil {
		httputil.NotFound(w, "fault injection disabled")
		return
	}
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req PokeRequest
	if !httputil.DecodeJSON(w, r, &req, maxBodyBytes) {
		return
	}
	b, err := hex.DecodeString(req.Data)
	if err != nil || len(b) == 0 {
		httputil.BadRequest(w, "data must be non-empty hex")
		return
	}
	if _, err := s.mem.WriteAt(b, int64(req.Address)); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"address": req.Address, "written": len(b)})
}
