package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/switchbox-controller/db"
	"github.com/thatsimonsguy/switchbox-controller/internal/model"
	"github.com/thatsimonsguy/switchbox-controller/internal/switchbox"
	"github.com/thatsimonsguy/switchbox-controller/internal/valve"
)

type Server struct {
	db      *sql.DB
	boxes   map[string]*switchbox.Box
	valves  map[string]*valve.Valve
	metrics http.Handler
}

type DeviceResponse struct {
	Name    string `json:"name"`
	Port    string `json:"port"`
	Version string `json:"version"`
}

type ChannelResponse struct {
	Channel         int    `json:"channel"`
	Value           int    `json:"value"`
	State           string `json:"state"`
	LowPowerPending bool   `json:"low_power_pending"`
}

type PortsResponse struct {
	Ports map[string][]model.ChannelState `json:"ports"`
}

type PortResponse struct {
	Port   string `json:"port"`
	Values string `json:"values"`
}

type SetChannelRequest struct {
	Value            *int     `json:"value"`
	KeepPortStatus   *bool    `json:"keep_port_status"`
	SwitchToLowAfter *float64 `json:"switch_to_low_after"`
}

type SetPortRequest struct {
	Values           string   `json:"values"`
	SwitchToLowAfter *float64 `json:"switch_to_low_after"`
}

type AnalogResponse struct {
	Channel int     `json:"channel"`
	Volts   float64 `json:"volts"`
}

type DACResponse struct {
	Channel  int     `json:"channel"`
	Volts    float64 `json:"volts"`
	Setpoint float64 `json:"setpoint"`
}

type SetDACRequest struct {
	Volts *float64 `json:"volts"`
}

type ValveResponse struct {
	Name          string     `json:"name"`
	Relay         string     `json:"relay"`
	Channel       int        `json:"channel"`
	NormallyOpen  bool       `json:"normally_open"`
	LowPowerAfter float64    `json:"low_power_after"`
	Open          *bool      `json:"open,omitempty"`
	LastOpen      *bool      `json:"last_open,omitempty"`
	LastChanged   *time.Time `json:"last_changed,omitempty"`
}

type LowPowerRequest struct {
	After *float64 `json:"after"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// NewServer serves the given boxes and valves. database and metrics may be nil.
func NewServer(database *sql.DB, boxes []*switchbox.Box, valves []*valve.Valve, metrics http.Handler) *Server {
	s := &Server{
		db:      database,
		boxes:   make(map[string]*switchbox.Box, len(boxes)),
		valves:  make(map[string]*valve.Valve, len(valves)),
		metrics: metrics,
	}
	for _, b := range boxes {
		s.boxes[b.Name] = b
	}
	for _, v := range valves {
		s.valves[v.Name] = v
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/devices/", s.handleDeviceOperations)
	mux.HandleFunc("/api/valves", s.handleValves)
	mux.HandleFunc("/api/valves/", s.handleValveOperations)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Str("address", addr).Msg("Starting REST API server")

	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	names := make([]string, 0, len(s.boxes))
	for name := range s.boxes {
		names = append(names, name)
	}
	sort.Strings(names)

	response := make([]DeviceResponse, 0, len(names))
	for _, name := range names {
		b := s.boxes[name]
		response = append(response, DeviceResponse{Name: b.Name, Port: b.Port, Version: b.Version})
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleDeviceOperations routes /api/devices/{device}/{relay|adc|dac}/...
func (s *Server) handleDeviceOperations(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/devices/"), "/"), "/")
	if parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "Device name required")
		return
	}

	box, ok := s.boxes[parts[0]]
	if !ok {
		s.writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	if len(parts) < 2 {
		s.writeJSON(w, http.StatusOK, DeviceResponse{Name: box.Name, Port: box.Port, Version: box.Version})
		return
	}

	switch parts[1] {
	case switchbox.RelayComponent:
		s.routeRelay(w, r, box, parts[2:])
	case switchbox.ADCComponent:
		s.routeADC(w, r, box, parts[2:])
	case switchbox.DACComponent:
		s.routeDAC(w, r, box, parts[2:])
	default:
		s.writeError(w, http.StatusNotFound, "Unknown component")
	}
}

func (s *Server) routeRelay(w http.ResponseWriter, r *http.Request, box *switchbox.Box, parts []string) {
	switch {
	case len(parts) == 0:
		if !s.allow(w, r, http.MethodGet) {
			return
		}
		s.readAllPorts(w, box)
	case len(parts) == 1 && parts[0] == "mirror":
		if !s.allow(w, r, http.MethodGet) {
			return
		}
		s.writeJSON(w, http.StatusOK, PortsResponse{Ports: box.Relay.Mirror()})
	case len(parts) == 1 && parts[0] == "all-off":
		if !s.allow(w, r, http.MethodPost) {
			return
		}
		s.writeResult(w, box.Relay.AllOff())
	case parts[0] == "channels" && len(parts) >= 2:
		channel, err := strconv.Atoi(parts[1])
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Channel must be an integer")
			return
		}
		s.routeChannel(w, r, box, channel, parts[2:])
	case parts[0] == "ports" && len(parts) >= 2:
		s.routePort(w, r, box, parts[1], parts[2:])
	default:
		s.writeError(w, http.StatusNotFound, "Invalid path")
	}
}

func (s *Server) routeChannel(w http.ResponseWriter, r *http.Request, box *switchbox.Box, channel int, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			s.readChannel(w, box, channel)
		case http.MethodPut:
			s.setChannel(w, r, box, channel)
		default:
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}
	if len(parts) > 1 {
		s.writeError(w, http.StatusNotFound, "Invalid path")
		return
	}

	switch parts[0] {
	case "on":
		if s.allow(w, r, http.MethodPost) {
			s.writeResult(w, box.Relay.PowerOn(channel))
		}
	case "off":
		if s.allow(w, r, http.MethodPost) {
			s.writeResult(w, box.Relay.PowerOff(channel))
		}
	case "history":
		if s.allow(w, r, http.MethodGet) {
			s.channelHistory(w, r, box, channel)
		}
	default:
		s.writeError(w, http.StatusNotFound, "Unknown operation")
	}
}

func (s *Server) routePort(w http.ResponseWriter, r *http.Request, box *switchbox.Box, port string, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		p, err := model.ParsePort(port)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		all, err := box.Relay.ReadAllPorts()
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, PortResponse{Port: string(p), Values: model.FormatPortValues(all[string(p)])})
	case len(parts) == 0 && r.Method == http.MethodPut:
		var req SetPortRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
		s.writeResult(w, box.Relay.SetPort(port, req.Values, lowPowerAfter(req.SwitchToLowAfter)))
	case len(parts) == 1 && parts[0] == "startup" && r.Method == http.MethodGet:
		states, err := box.Relay.ReadStartupPort(port)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, PortResponse{Port: strings.ToLower(port), Values: model.FormatPortValues(states)})
	case len(parts) == 1 && parts[0] == "startup" && r.Method == http.MethodPut:
		var req SetPortRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
		s.writeResult(w, box.Relay.SetStartupPort(port, req.Values))
	case len(parts) > 1 || (len(parts) == 1 && parts[0] != "startup"):
		s.writeError(w, http.StatusNotFound, "Invalid path")
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) routeADC(w http.ResponseWriter, r *http.Request, box *switchbox.Box, parts []string) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	switch len(parts) {
	case 0:
		all, err := box.ADC.ReadAll()
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, all)
	case 1:
		channel, err := strconv.Atoi(parts[0])
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Channel must be an integer")
			return
		}
		volts, err := box.ADC.Read(channel)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, AnalogResponse{Channel: channel, Volts: volts})
	default:
		s.writeError(w, http.StatusNotFound, "Invalid path")
	}
}

func (s *Server) routeDAC(w http.ResponseWriter, r *http.Request, box *switchbox.Box, parts []string) {
	if len(parts) != 1 {
		s.writeError(w, http.StatusNotFound, "Invalid path")
		return
	}
	channel, err := strconv.Atoi(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Channel must be an integer")
		return
	}

	switch r.Method {
	case http.MethodGet:
		volts, err := box.DAC.Read(channel)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		setpoint, _ := box.DAC.Setpoint(channel)
		s.writeJSON(w, http.StatusOK, DACResponse{Channel: channel, Volts: volts, Setpoint: setpoint})
	case http.MethodPut:
		var req SetDACRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Volts == nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
		s.writeResult(w, box.DAC.Set(channel, *req.Volts))
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) readAllPorts(w http.ResponseWriter, box *switchbox.Box) {
	all, err := box.Relay.ReadAllPorts()
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, PortsResponse{Ports: all})
}

func (s *Server) readChannel(w http.ResponseWriter, box *switchbox.Box, channel int) {
	state, err := box.Relay.ReadChannel(channel)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ChannelResponse{
		Channel:         channel,
		Value:           int(state),
		State:           state.String(),
		LowPowerPending: box.Relay.LowPowerPending(channel),
	})
}

func (s *Server) setChannel(w http.ResponseWriter, r *http.Request, box *switchbox.Box, channel int) {
	var req SetChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	keep := true
	if req.KeepPortStatus != nil {
		keep = *req.KeepPortStatus
	}
	state, err := model.ParseChannelState(*req.Value)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	err = box.Relay.SetChannel(channel, state, keep, lowPowerAfter(req.SwitchToLowAfter))
	if err == nil {
		log.Info().Str("device", box.Name).Int("channel", channel).Str("state", state.String()).Msg("Relay channel set via API")
	}
	s.writeResult(w, err)
}

func (s *Server) channelHistory(w http.ResponseWriter, r *http.Request, box *switchbox.Box, channel int) {
	if s.db == nil {
		s.writeError(w, http.StatusNotFound, "History not available")
		return
	}
	if err := model.ValidateChannel(channel); err != nil {
		s.writeFailure(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := db.GetChannelEvents(s.db, box.Name, channel, limit)
	if err != nil {
		log.Error().Err(err).Str("device", box.Name).Int("channel", channel).Msg("Failed to get channel history")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []model.ChannelChange{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleValves(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	names := make([]string, 0, len(s.valves))
	for name := range s.valves {
		names = append(names, name)
	}
	sort.Strings(names)

	records := map[string]db.ValveRecord{}
	stored, err := db.GetValves(s.db)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load stored valve state")
	}
	for _, rec := range stored {
		records[rec.Name] = rec
	}

	response := make([]ValveResponse, 0, len(names))
	for _, name := range names {
		resp := valveResponse(s.valves[name])
		if rec, ok := records[name]; ok && rec.LastOpen != nil {
			changed := rec.LastChanged
			resp.LastOpen = rec.LastOpen
			resp.LastChanged = &changed
		}
		response = append(response, resp)
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleValveOperations routes /api/valves/{name}[/open|/close|/low-power]
func (s *Server) handleValveOperations(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/valves/"), "/"), "/")
	if parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "Valve name required")
		return
	}

	v, ok := s.valves[parts[0]]
	if !ok {
		s.writeError(w, http.StatusNotFound, "Valve not found")
		return
	}

	if len(parts) == 1 {
		if !s.allow(w, r, http.MethodGet) {
			return
		}
		open, err := v.IsOpen()
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		response := valveResponse(v)
		response.Open = &open
		s.writeJSON(w, http.StatusOK, response)
		return
	}
	if len(parts) > 2 {
		s.writeError(w, http.StatusNotFound, "Invalid path")
		return
	}

	switch parts[1] {
	case "open":
		if s.allow(w, r, http.MethodPost) {
			s.writeResult(w, v.Open())
		}
	case "close":
		if s.allow(w, r, http.MethodPost) {
			s.writeResult(w, v.Close())
		}
	case "low-power":
		if !s.allow(w, r, http.MethodPut) {
			return
		}
		var req LowPowerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.After == nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
		s.writeResult(w, v.ScheduleLowPower(switchbox.LowPowerAfter(*req.After)))
	default:
		s.writeError(w, http.StatusNotFound, "Unknown operation")
	}
}

func valveResponse(v *valve.Valve) ValveResponse {
	after := -1.0
	if d := v.LowPowerAfter(); d > 0 {
		after = d.Seconds()
	}
	return ValveResponse{
		Name:          v.Name,
		Relay:         v.Ref,
		Channel:       v.Channel(),
		NormallyOpen:  v.NormallyOpen(),
		LowPowerAfter: after,
	}
}

func lowPowerAfter(seconds *float64) time.Duration {
	if seconds == nil {
		return switchbox.NoLowPower
	}
	return switchbox.LowPowerAfter(*seconds)
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// statusFor maps an operation error onto the HTTP status reported to the caller.
func statusFor(err error) int {
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrMalformedResponse), errors.Is(err, model.ErrTransportFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeResult(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Warn().Err(err).Int("status", status).Msg("Switch box operation failed")
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Success: false, Error: message})
}
