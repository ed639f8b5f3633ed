package runtime

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/drblury/flowmesh/internal/runtime/connector"
	"github.com/drblury/flowmesh/internal/runtime/flow"
	"github.com/drblury/flowmesh/internal/runtime/jsoncodec"
	"github.com/drblury/flowmesh/internal/runtime/work"
)

// FlowStatus is the status API view of a flow.
type FlowStatus struct {
	Name      string     `json:"name"`
	State     string     `json:"state"`
	Topic     string     `json:"topic,omitempty"`
	Connector string     `json:"connector,omitempty"`
	Stats     flow.Stats `json:"stats"`
}

// ConnectorStatus is the status API view of a connector.
type ConnectorStatus struct {
	Name       string `json:"name"`
	Transport  string `json:"transport,omitempty"`
	Connected  bool   `json:"connected"`
	Connecting bool   `json:"connecting"`
	Started    bool   `json:"started"`
}

// Status is the document served at /api/status.
type Status struct {
	State       string             `json:"state"`
	Flows       []FlowStatus       `json:"flows"`
	Connectors  []ConnectorStatus  `json:"connectors"`
	Work        work.Stats         `json:"work"`
	DeadLetters DeadLetterSnapshot `json:"dead_letters"`
	Resources   ResourceUsage      `json:"resources"`
	CollectedAt time.Time          `json:"collected_at"`
}

func (s *Service) registerStatusAPI() {
	if !s.Conf.StatusAPIEnabled {
		return
	}
	port := s.Conf.StatusAPIPort
	s.RegisterHTTPHandler(port, "/api/status", s.statusHandler(func() any { return s.Status() }))
	s.RegisterHTTPHandler(port, "/api/flows", s.statusHandler(func() any { return s.FlowStatuses() }))
	s.RegisterHTTPHandler(port, "/api/connectors", s.statusHandler(func() any { return s.ConnectorStatuses() }))
	s.RegisterHTTPHandler(port, "/api/dead-letters", s.statusHandler(func() any { return s.deadLetters.Snapshot() }))
}

// Status collects the state of every part of the service.
func (s *Service) Status() Status {
	return Status{
		State:       s.State().String(),
		Flows:       s.FlowStatuses(),
		Connectors:  s.ConnectorStatuses(),
		Work:        s.pool.Stats(),
		DeadLetters: s.deadLetters.Snapshot(),
		Resources:   s.resources.Snapshot(),
		CollectedAt: time.Now(),
	}
}

// FlowStatuses lists the registered flows sorted by name.
func (s *Service) FlowStatuses() []FlowStatus {
	flows := s.Flows()
	out := make([]FlowStatus, 0, len(flows))
	for _, f := range flows {
		st := FlowStatus{
			Name:  f.Name(),
			State: f.State().String(),
			Stats: f.Statistics().Snapshot(),
		}
		if src, ok := f.Source().(*connector.Source); ok {
			st.Topic = src.Topic()
			st.Connector = src.Connector().Name()
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b FlowStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// ConnectorStatuses lists the registered connectors sorted by name.
func (s *Service) ConnectorStatuses() []ConnectorStatus {
	connectors := s.Connectors()
	out := make([]ConnectorStatus, 0, len(connectors))
	for _, c := range connectors {
		st := ConnectorStatus{
			Name:       c.Name(),
			Connected:  c.IsConnected(),
			Connecting: c.IsConnecting(),
			Started:    c.IsStarted(),
		}
		if tc, ok := c.(*connector.TransportConnector); ok {
			st.Transport = tc.Transport()
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b ConnectorStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (s *Service) statusHandler(collect func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if len(s.Conf.StatusAPICORSAllowedOrigins) > 0 {
			if allowed := s.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet, http.MethodHead:
		default:
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := jsoncodec.Encode(w, collect()); err != nil {
			s.Logger.Error("Failed to encode status", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (s *Service) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.StatusAPICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
