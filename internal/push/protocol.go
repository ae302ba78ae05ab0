// Package push implements the real-time fabric: a websocket server that
// authenticates clients with bearer tokens, manages room subscriptions, fans
// broadcasts out to room members, and rate-limits inbound traffic per
// connection.
package push

import "github.com/lesleslie/mahavishnu/internal/faults"

// FrameType classifies an envelope.
type FrameType string

const (
	TypeRequest  FrameType = "REQUEST"
	TypeResponse FrameType = "RESPONSE"
	TypeEvent    FrameType = "EVENT"
	TypeError    FrameType = "ERROR"
)

// Envelope is the JSON wire frame shared by every message. Requests expect a
// response correlated by ID; events are one-way and addressed to a room.
type Envelope struct {
	Type          FrameType              `json:"type"`
	Event         string                 `json:"event"`
	Data          map[string]interface{} `json:"data,omitempty"`
	ID            string                 `json:"id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Room          string                 `json:"room,omitempty"`
}

// Request events the server understands.
const (
	ReqSubscribe         = "subscribe"
	ReqUnsubscribe       = "unsubscribe"
	ReqGetPoolStatus     = "get_pool_status"
	ReqGetWorkflowStatus = "get_workflow_status"
)

// Error codes carried in ERROR frames. All but UNKNOWN_REQUEST mirror the
// fault taxonomy so CLI and push clients share one vocabulary.
const (
	CodeUnknownRequest = "UNKNOWN_REQUEST"
	CodeForbidden      = string(faults.KindForbidden)
	CodeRateLimited    = string(faults.KindRateLimited)
	CodeNotFound       = string(faults.KindNotFound)
)

// NewEvent builds a one-way EVENT frame addressed to a room.
func NewEvent(room, event string, data map[string]interface{}) *Envelope {
	return &Envelope{Type: TypeEvent, Event: event, Room: room, Data: data}
}

// response builds the RESPONSE frame for a request.
func response(req *Envelope, data map[string]interface{}) *Envelope {
	return &Envelope{
		Type:          TypeResponse,
		Event:         req.Event,
		ID:            req.ID,
		CorrelationID: req.CorrelationID,
		Data:          data,
	}
}

// errorFrame builds an ERROR frame, correlated to the request when one is
// known.
func errorFrame(req *Envelope, code, message string, extra map[string]interface{}) *Envelope {
	data := map[string]interface{}{"code": code, "message": message}
	for k, v := range extra {
		data[k] = v
	}
	env := &Envelope{Type: TypeError, Event: "error", Data: data}
	if req != nil {
		env.ID = req.ID
		env.CorrelationID = req.CorrelationID
	}
	return env
}

// stringField pulls a string out of an envelope's data.
func (e *Envelope) stringField(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}
