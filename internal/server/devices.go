package server

import (
	"net/http"

	"github.com/rakunlabs/relay/internal/service"
)

type registerDeviceRequest struct {
	Name         string                     `json:"name"`
	Type         string                     `json:"type"`
	Capabilities service.DeviceCapabilities `json:"capabilities"`
}

// RegisterDeviceAPI handles POST /devices/register.
func (s *Server) RegisterDeviceAPI(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	dev, err := s.devices.Register(req.Name, req.Type, req.Capabilities)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	Audit(r).DeviceID = dev.ID

	httpResponseJSON(w, map[string]any{"device": dev}, http.StatusOK)
}

// ListDevicesAPI handles GET /devices.
func (s *Server) ListDevicesAPI(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]any{"devices": s.devices.List()}, http.StatusOK)
}
