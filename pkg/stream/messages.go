package stream

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/api"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/fault"
)

// Client → server message types.
const (
	MsgAuthenticate      = "authenticate"
	MsgSubmit            = "submit"
	MsgRequestAnalysis   = "request-analysis"
	MsgRequestResults    = "request-results"
	MsgRequestStatistics = "request-statistics"
	MsgRequestHistory    = "request-history"
	MsgPing              = "ping"
)

// Server → client message types.
const (
	MsgAuthRequired   = "auth-required"
	MsgConnected      = "connected"
	MsgAuthenticated  = "authenticated"
	MsgError          = "error"
	MsgResultUpdate   = "result-update"
	MsgResultCaptured = "result-captured"
	MsgAnalysis       = "analysis"
	MsgResults        = "results"
	MsgStatistics     = "statistics"
	MsgHistory        = "history"
	MsgResultsCleared = "results-cleared"
	MsgPong           = "pong"
)

// clientMessage is the decoded frame from a subscriber. Limit and Count are
// pointers so an absent field is distinguishable from zero.
type clientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Value any    `json:"value,omitempty"`
	Count *int   `json:"count,omitempty"`
	Limit *int   `json:"limit,omitempty"`
}

// serverMessage is the frame written to a subscriber.
type serverMessage struct {
	Type      string         `json:"type"`
	Data      any            `json:"data,omitempty"`
	Error     *api.ErrorBody `json:"error,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

func encodeMessage(msgType string, data any) []byte {
	raw, err := json.Marshal(serverMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		// All server payloads are marshalable types; this is unreachable
		// for well-formed data.
		return []byte(`{"type":"error","error":{"code":"internal","message":"encoding failed"}}`)
	}
	return raw
}

// parseIntString coerces a numeric string into an integer value.
func parseIntString(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fault.New(fault.Invalid, "value must be an integer")
	}
	return n, nil
}

func encodeError(code, message string) []byte {
	raw, _ := json.Marshal(serverMessage{
		Type:      MsgError,
		Error:     &api.ErrorBody{Code: code, Message: message},
		Timestamp: time.Now().UnixMilli(),
	})
	return raw
}
