package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reeflabs/reefbridge-core/internal/apex"
	"github.com/reeflabs/reefbridge-core/internal/control"
	"github.com/reeflabs/reefbridge-core/internal/identity"
)

// JSON views over snapshot state. The apex types are internal wire-derived
// structs; the API exposes a stable shape with identity keys attached.

type metaView struct {
	Hostname string `json:"hostname"`
	Serial   string `json:"serial,omitempty"`
	Hardware string `json:"hardware,omitempty"`
	Software string `json:"software,omitempty"`
	Type     string `json:"type,omitempty"`
	Source   string `json:"source"`
}

type probeView struct {
	Key   string   `json:"key"`
	DID   string   `json:"did"`
	Name  string   `json:"name"`
	Type  string   `json:"type,omitempty"`
	Value *float64 `json:"value"`
	Raw   string   `json:"raw"`
}

type outputView struct {
	Key        string `json:"key"`
	DID        string `json:"did"`
	Name       string `json:"name"`
	Type       string `json:"type,omitempty"`
	Mode       string `json:"mode"`
	RawState   string `json:"raw_state"`
	Energized  bool   `json:"energized"`
	Selectable bool   `json:"selectable"`
	Intensity  *int   `json:"intensity,omitempty"`
}

type feedView struct {
	ID     int  `json:"id"`
	Active bool `json:"active"`
}

type reagentView struct {
	Channel     string  `json:"channel"`
	RemainingML float64 `json:"remaining_ml"`
	Empty       bool    `json:"empty"`
}

type tridentView struct {
	Key              string        `json:"key"`
	Status           string        `json:"status"`
	Testing          bool          `json:"testing"`
	Hwtype           string        `json:"hwtype"`
	Reagents         []reagentView `json:"reagents,omitempty"`
	WasteUsedML      *float64      `json:"waste_used_ml,omitempty"`
	WasteSizeML      *float64      `json:"waste_size_ml,omitempty"`
	WastePercent     *float64      `json:"waste_percent,omitempty"`
	WasteRemainingML *float64      `json:"waste_remaining_ml,omitempty"`
	WasteFull        bool          `json:"waste_full"`
}

type snapshotResponse struct {
	Meta      metaView     `json:"meta"`
	FetchedAt time.Time    `json:"fetched_at"`
	Probes    []probeView  `json:"probes"`
	Outputs   []outputView `json:"outputs"`
	Feed      *feedView    `json:"feed,omitempty"`
	Trident   *tridentView `json:"trident,omitempty"`
}

// snapshotView converts a snapshot into the API response shape.
func snapshotView(snap *apex.Snapshot, _ map[string]identity.Identity) snapshotResponse {
	resp := snapshotResponse{
		Meta: metaView{
			Hostname: snap.Meta.Hostname,
			Serial:   snap.Meta.Serial,
			Hardware: snap.Meta.Hardware,
			Software: snap.Meta.Software,
			Type:     snap.Meta.Type,
			Source:   string(snap.Meta.Source),
		},
		FetchedAt: snap.FetchedAt,
	}

	for did, p := range snap.Probes {
		resp.Probes = append(resp.Probes, probeView{
			Key:   identity.ProbeKey(did),
			DID:   p.DID,
			Name:  p.Name,
			Type:  p.Type,
			Value: p.Value,
			Raw:   p.Raw,
		})
	}
	sort.Slice(resp.Probes, func(i, j int) bool { return resp.Probes[i].Key < resp.Probes[j].Key })

	for _, o := range snap.Outputs {
		resp.Outputs = append(resp.Outputs, outputView{
			Key:        identity.OutputKey(o.DID),
			DID:        o.DID,
			Name:       o.Name,
			Type:       o.Type,
			Mode:       o.Mode,
			RawState:   o.RawState,
			Energized:  o.Energized,
			Selectable: o.Selectable,
			Intensity:  o.Intensity,
		})
	}

	if snap.Feed != nil {
		resp.Feed = &feedView{ID: snap.Feed.ID, Active: snap.Feed.Active}
	}

	if t := snap.Trident; t != nil && t.Present {
		tv := &tridentView{
			Key:              identity.TridentKey(t.Abaddr),
			Status:           t.Status,
			Testing:          t.Testing,
			Hwtype:           t.Hwtype,
			WasteUsedML:      t.WasteUsedML,
			WasteSizeML:      t.WasteSizeML,
			WastePercent:     t.WastePercent,
			WasteRemainingML: t.WasteRemainingML,
			WasteFull:        t.WasteFull,
		}
		for _, r := range t.Reagents {
			tv.Reagents = append(tv.Reagents, reagentView{
				Channel:     r.Channel,
				RemainingML: r.RemainingML,
				Empty:       r.Empty,
			})
		}
		resp.Trident = tv
	}

	return resp
}

// handleSnapshot returns the latest controller snapshot.
func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap := s.poller.Snapshot()
	if snap == nil {
		writeUnavailable(w, "no snapshot available yet")
		return
	}
	writeJSON(w, http.StatusOK, snapshotView(snap, s.poller.Identities()))
}

// handlePollerStats returns per-kind poll loop diagnostics.
func (s *Server) handlePollerStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.poller.Stats())
}

// handleRefreshStatus requests an immediate status poll.
func (s *Server) handleRefreshStatus(w http.ResponseWriter, _ *http.Request) {
	s.poller.RequestStatusRefresh()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

// handleRefreshConfig fetches controller config immediately and waits for
// the result.
func (s *Server) handleRefreshConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.poller.RefreshConfigNow(r.Context()); err != nil {
		if errors.Is(err, apex.ErrNotSupported) {
			writeNotFound(w, "controller does not expose config")
			return
		}
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// setOutputModeRequest is the body for PUT /outputs/{key}/mode.
type setOutputModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetOutputMode(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req setOutputModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.commands.SetOutputMode(r.Context(), key, req.Mode); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "mode": req.Mode})
}

// setFeedRequest is the body for PUT /feed/{id}.
type setFeedRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleSetFeed(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "feed id must be an integer")
		return
	}

	var req setFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.commands.SetFeed(r.Context(), id, req.Active); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": req.Active})
}

func (s *Server) handleTridentResetWaste(w http.ResponseWriter, r *http.Request) {
	if err := s.commands.TridentResetWaste(r.Context()); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// newReagentRequest is the body for POST /trident/new-reagent.
type newReagentRequest struct {
	Reagent int `json:"reagent"`
}

func (s *Server) handleTridentNewReagent(w http.ResponseWriter, r *http.Request) {
	var req newReagentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.commands.TridentNewReagent(r.Context(), req.Reagent); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reagent": req.Reagent})
}

// primeRequest is the body for POST /trident/prime.
type primeRequest struct {
	Channel int `json:"channel"`
}

func (s *Server) handleTridentPrime(w http.ResponseWriter, r *http.Request) {
	var req primeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.commands.TridentPrimeChannel(r.Context(), req.Channel); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "channel": req.Channel})
}

// wasteSizeRequest is the body for PUT /trident/waste-size.
type wasteSizeRequest struct {
	SizeML float64 `json:"size_ml"`
}

func (s *Server) handleTridentWasteSize(w http.ResponseWriter, r *http.Request) {
	var req wasteSizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.commands.TridentSetWasteSize(r.Context(), req.SizeML); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "size_ml": req.SizeML})
}

// writeCommandError maps dispatcher and controller errors onto HTTP status
// codes.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, control.ErrReadOnly):
		writeForbidden(w, "bridge is in read-only mode")
	case errors.Is(err, control.ErrUnknownEntity):
		writeNotFound(w, err.Error())
	case errors.Is(err, control.ErrInvalidCommand):
		writeBadRequest(w, err.Error())
	case errors.Is(err, apex.ErrRESTDisabled):
		writeUnavailable(w, "controller REST interface is rate limited")
	default:
		s.logger.Error("controller command failed", "error", err)
		writeError(w, http.StatusBadGateway, "controller_error", "controller write failed")
	}
}
