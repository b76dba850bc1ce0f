package routes

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/victorjacobs/go-duco2mqtt/bridge"
	"github.com/victorjacobs/go-duco2mqtt/duco"
)

type StatusSource interface {
	Status() bridge.Status
}

type nodeResponse struct {
	Id           int                   `json:"id"`
	Key          string                `json:"key"`
	Kind         duco.Kind             `json:"kind"`
	Type         string                `json:"type"`
	Name         string                `json:"name,omitempty"`
	Measurements map[string]duco.Value `json:"measurements"`
}

type stateResponse struct {
	Connection bridge.ConnectionState `json:"connection"`
	LastPoll   *time.Time             `json:"last_poll"`
	LastError  string                 `json:"last_error,omitempty"`
	Nodes      []nodeResponse         `json:"nodes"`
}

// State serves the last snapshot and the broker connection state as JSON.
func State(source StatusSource, logger *slog.Logger) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		status := source.Status()

		resp := stateResponse{
			Connection: status.Connection,
			LastError:  status.LastError,
			Nodes:      []nodeResponse{},
		}
		if !status.LastPoll.IsZero() {
			resp.LastPoll = &status.LastPoll
		}

		if status.Snapshot != nil {
			for _, node := range status.Snapshot.Nodes() {
				if !node.Supported() {
					continue
				}
				measurements := node.Measurements
				if measurements == nil {
					measurements = map[string]duco.Value{}
				}
				resp.Nodes = append(resp.Nodes, nodeResponse{
					Id:           node.ID,
					Key:          node.Key(),
					Kind:         node.Kind,
					Type:         node.Type,
					Name:         node.Name,
					Measurements: measurements,
				})
			}
		}

		marshaled, err := json.Marshal(resp)
		if err != nil {
			logger.Error("marshaling state", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(marshaled)
	}
}
