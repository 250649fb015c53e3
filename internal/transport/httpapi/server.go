// Package httpapi exposes the registry over HTTP: public JSON reads and loopback-only admin
// mutations.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"territory.ai/internal/protocol"
	"territory.ai/internal/territory"
)

type Options struct {
	Logger *log.Logger

	// Flush, when set, is used by the admin save endpoint instead of calling Registry.Save
	// directly, so saves stay serialized with the autosaver.
	Flush func(ctx context.Context) error

	// Stats adds extra sections to GET /v1/territory/stats.
	Stats func() map[string]any

	// AllowRemoteAdmin disables the loopback check on /admin routes.
	AllowRemoteAdmin bool
}

type Server struct {
	reg  *territory.Registry
	log  *log.Logger
	opts Options
}

func NewServer(reg *territory.Registry, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Server{reg: reg, log: opts.Logger, opts: opts}
}

// Register installs every route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/territory/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /v1/territory/delta", s.handleDelta)
	mux.HandleFunc("GET /v1/territory/owner", s.handleOwner)
	mux.HandleFunc("GET /v1/territory/claims", s.handleClaims)
	mux.HandleFunc("GET /v1/territory/worlds/{world}", s.handleWorld)
	mux.HandleFunc("GET /v1/territory/stats", s.handleStats)

	mux.HandleFunc("POST /admin/v1/territory/claim", s.admin(s.handleClaim))
	mux.HandleFunc("POST /admin/v1/territory/unclaim", s.admin(s.handleUnclaim))
	mux.HandleFunc("POST /admin/v1/territory/save", s.admin(s.handleSave))
	mux.HandleFunc("POST /admin/v1/territory/load", s.admin(s.handleLoad))
	mux.HandleFunc("POST /admin/v1/territory/retention", s.admin(s.handleRetention))
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.opts.AllowRemoteAdmin && !isLoopbackRemote(r.RemoteAddr) {
			writeError(rw, http.StatusForbidden, protocol.ErrNoPermission, "admin endpoints are loopback-only")
			return
		}
		h(rw, r)
	}
}

func (s *Server) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, protocol.NewSnapshotMsg(s.reg.Snapshot()))
}

func (s *Server) handleDelta(rw http.ResponseWriter, r *http.Request) {
	since, err := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "since must be a non-negative integer")
		return
	}
	d := s.reg.DeltaSince(since)
	// A consumer from another epoch cannot apply this epoch's changes.
	if epoch := r.URL.Query().Get("epoch"); epoch != "" && epoch != d.Epoch {
		d.Changes = []territory.ChangeRecord{}
		d.RequiresSnapshot = true
	}
	writeJSON(rw, http.StatusOK, protocol.NewDeltaMsg(d))
}

type ownerResponse struct {
	World   string `json:"world"`
	X       int    `json:"x"`
	Z       int    `json:"z"`
	Claimed bool   `json:"claimed"`
	OwnerID string `json:"owner_id,omitempty"`
}

func (s *Server) handleOwner(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	world := strings.TrimSpace(q.Get("world"))
	x, errX := strconv.Atoi(q.Get("x"))
	z, errZ := strconv.Atoi(q.Get("z"))
	if world == "" || errX != nil || errZ != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "world, x and z are required")
		return
	}
	owner, ok := s.reg.NationAt(world, x, z)
	writeJSON(rw, http.StatusOK, ownerResponse{World: world, X: x, Z: z, Claimed: ok, OwnerID: owner})
}

type claimsResponse struct {
	OwnerID string             `json:"owner_id"`
	Count   int                `json:"count"`
	Squares []territory.Square `json:"squares"`
}

func (s *Server) handleClaims(rw http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "owner is required")
		return
	}
	sqs := s.reg.Claims(owner)
	writeJSON(rw, http.StatusOK, claimsResponse{OwnerID: owner, Count: len(sqs), Squares: sqs})
}

type worldResponse struct {
	World  string                        `json:"world"`
	Total  int                           `json:"total"`
	Owners map[string][]territory.Square `json:"owners"`
}

func (s *Server) handleWorld(rw http.ResponseWriter, r *http.Request) {
	world := r.PathValue("world")
	owners := s.reg.WorldClaims(world)
	total := 0
	for _, sqs := range owners {
		total += len(sqs)
	}
	writeJSON(rw, http.StatusOK, worldResponse{World: world, Total: total, Owners: owners})
}

type statsResponse struct {
	Epoch        string         `json:"epoch"`
	Version      uint64         `json:"version"`
	TotalClaimed int            `json:"total_claimed"`
	Dirty        bool           `json:"dirty"`
	Retention    retentionJSON  `json:"retention"`
	Extra        map[string]any `json:"extra,omitempty"`
}

type retentionJSON struct {
	MaxRecords int    `json:"max_records"`
	MaxAge     string `json:"max_age,omitempty"`
}

func (s *Server) handleStats(rw http.ResponseWriter, r *http.Request) {
	ret := s.reg.Retention()
	resp := statsResponse{
		Epoch:        s.reg.Epoch(),
		Version:      s.reg.Version(),
		TotalClaimed: s.reg.TotalClaimed(),
		Dirty:        s.reg.Dirty(),
		Retention:    retentionJSON{MaxRecords: ret.MaxRecords},
	}
	if ret.MaxAge > 0 {
		resp.Retention.MaxAge = ret.MaxAge.String()
	}
	if s.opts.Stats != nil {
		resp.Extra = s.opts.Stats()
	}
	writeJSON(rw, http.StatusOK, resp)
}

type mutationRequest struct {
	OwnerID string `json:"owner_id"`
	World   string `json:"world"`
	X       int    `json:"x"`
	Z       int    `json:"z"`
}

func decodeMutation(rw http.ResponseWriter, r *http.Request) (mutationRequest, bool) {
	var req mutationRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "bad json: "+err.Error())
		return req, false
	}
	return req, true
}

func (s *Server) handleClaim(rw http.ResponseWriter, r *http.Request) {
	req, ok := decodeMutation(rw, r)
	if !ok {
		return
	}
	prev, changed, err := s.reg.Claim(req.OwnerID, req.World, req.X, req.Z)
	if err != nil {
		writeRegistryError(rw, err)
		return
	}
	s.log.Printf("admin: claim %s:%d:%d by %s (previous=%q changed=%v)", req.World, req.X, req.Z, req.OwnerID, prev, changed)
	writeJSON(rw, http.StatusOK, map[string]any{
		"previous": prev,
		"changed":  changed,
		"version":  s.reg.Version(),
	})
}

func (s *Server) handleUnclaim(rw http.ResponseWriter, r *http.Request) {
	req, ok := decodeMutation(rw, r)
	if !ok {
		return
	}
	removed, err := s.reg.Unclaim(req.OwnerID, req.World, req.X, req.Z)
	if err != nil {
		writeRegistryError(rw, err)
		return
	}
	s.log.Printf("admin: unclaim %s:%d:%d by %s (removed=%v)", req.World, req.X, req.Z, req.OwnerID, removed)
	writeJSON(rw, http.StatusOK, map[string]any{
		"removed": removed,
		"version": s.reg.Version(),
	})
}

func (s *Server) handleSave(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	var err error
	if s.opts.Flush != nil {
		err = s.opts.Flush(ctx)
	} else {
		err = s.reg.Save()
	}
	if err != nil {
		writeRegistryError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"saved":   true,
		"epoch":   s.reg.Epoch(),
		"version": s.reg.Version(),
		"claims":  s.reg.TotalClaimed(),
	})
}

func (s *Server) handleLoad(rw http.ResponseWriter, r *http.Request) {
	if err := s.reg.Load(); err != nil {
		writeRegistryError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"loaded": true,
		"epoch":  s.reg.Epoch(),
		"claims": s.reg.TotalClaimed(),
	})
}

type retentionRequest struct {
	MaxRecords int    `json:"max_records"`
	MaxAge     string `json:"max_age"`
}

func (s *Server) handleRetention(rw http.ResponseWriter, r *http.Request) {
	var req retentionRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "bad json: "+err.Error())
		return
	}
	ret := territory.Retention{MaxRecords: req.MaxRecords}
	if req.MaxAge != "" {
		d, err := time.ParseDuration(req.MaxAge)
		if err != nil || d < 0 {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "max_age must be a duration")
			return
		}
		ret.MaxAge = d
	}
	if ret.MaxRecords < 0 {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "max_records must be >= 0")
		return
	}
	s.reg.SetRetention(ret)
	got := s.reg.Retention()
	s.log.Printf("admin: retention set to %d records, max age %s", got.MaxRecords, got.MaxAge)
	writeJSON(rw, http.StatusOK, retentionJSON{MaxRecords: got.MaxRecords, MaxAge: got.MaxAge.String()})
}

func writeRegistryError(rw http.ResponseWriter, err error) {
	code := protocol.CodeFor(err)
	writeError(rw, StatusFor(code), code, err.Error())
}

// StatusFor maps a wire error code to an HTTP status.
func StatusFor(code string) int {
	switch code {
	case protocol.ErrBadRequest, protocol.ErrProtoBadRequest, protocol.ErrUnsupported:
		return http.StatusBadRequest
	case protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrNoPermission:
		return http.StatusForbidden
	case protocol.ErrStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, protocol.NewErrorMsg(code, msg))
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
