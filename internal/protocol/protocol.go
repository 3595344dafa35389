// Package protocol defines the envelopes exchanged with the host over the
// command channel and their JSON encoding.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
	"github.com/touchcapture/qrbridge/internal/barcode"
)

const (
	// ProtocolVersion identifies the supported envelope schema version.
	ProtocolVersion = "1.0"

	// ChannelPrefix prefixes every per-view channel name.
	ChannelPrefix = "net.touchcapture.qr.flutterqr/qrview_"

	// KindResponse marks a reply to a host request.
	KindResponse = "response"
	// KindEvent marks an unsolicited push event.
	KindEvent = "event"

	// MethodRecognizeQR is the push event carrying one decoded result.
	MethodRecognizeQR = "onRecognizeQR"
)

// Stable error codes. Host logic branches on these strings.
const (
	CodeNotFound         = "404"
	CodeCameraPermission = "cameraPermission"
	CodeUnknown          = "unknown-error"
	CodeNotImplemented   = "notImplemented"
	CodeInvalidRequest   = "invalidRequest"
)

var (
	// ErrMalformedRequest indicates a request line that is not a valid envelope.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrInvalidArgs indicates command arguments of the wrong shape.
	ErrInvalidArgs = errors.New("invalid command arguments")
	// ErrUnknownChannel indicates a channel name outside the qrview namespace.
	ErrUnknownChannel = errors.New("unknown channel")
)

// Request is one host command.
type Request struct {
	ID      uint64         `json:"id"`
	Version string         `json:"version,omitzero"`
	Channel string         `json:"channel,omitzero"`
	ViewID  *int           `json:"viewId,omitzero"`
	Method  string         `json:"method"`
	Args    jsontext.Value `json:"args,omitzero"`
}

// HasArgs reports whether the request carried a non-null args value.
func (r Request) HasArgs() bool {
	return len(r.Args) > 0 && r.Args.Kind() != 'n'
}

// View resolves the target view id from viewId or the channel name.
func (r Request) View() (int, error) {
	if r.ViewID != nil {
		return *r.ViewID, nil
	}
	if strings.TrimSpace(r.Channel) == "" {
		return 0, fmt.Errorf("%w: request names no view", ErrMalformedRequest)
	}
	return ParseChannel(r.Channel)
}

// Error is the uniform failure shape.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Response answers one Request.
type Response struct {
	Kind   string         `json:"kind"`
	ID     uint64         `json:"id"`
	Result jsontext.Value `json:"result,omitzero"`
	Error  *Error         `json:"error,omitzero"`
}

// RecognizeArgs is the onRecognizeQR payload.
type RecognizeArgs struct {
	Code     string `json:"code"`
	Type     string `json:"type"`
	RawBytes []byte `json:"rawBytes,omitzero"`
}

// Event is an unsolicited push to the host.
type Event struct {
	Kind      string        `json:"kind"`
	EventID   string        `json:"eventId"`
	Channel   string        `json:"channel"`
	ViewID    int           `json:"viewId"`
	Method    string        `json:"method"`
	Args      RecognizeArgs `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// ChannelName returns the per-view channel name.
func ChannelName(viewID int) string {
	return ChannelPrefix + strconv.Itoa(viewID)
}

// ParseChannel extracts the view id from a channel name.
func ParseChannel(channel string) (int, error) {
	channel = strings.TrimSpace(channel)
	raw, ok := strings.CutPrefix(channel, ChannelPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	return id, nil
}

// DecodeRequest parses and validates one request envelope.
func DecodeRequest(data []byte) (Request, error) {
	var request Request
	if err := json.Unmarshal(data, &request); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	request.Method = strings.TrimSpace(request.Method)
	request.Version = strings.TrimSpace(request.Version)
	if request.Version != "" && request.Version != ProtocolVersion {
		return request, fmt.Errorf("%w: unsupported protocol version %q", ErrMalformedRequest, request.Version)
	}
	if request.Method == "" {
		return request, fmt.Errorf("%w: method must not be empty", ErrMalformedRequest)
	}
	return request, nil
}

// DecodeArgs unmarshals the request args into v. Absent or null args leave v
// untouched.
func DecodeArgs(request Request, v any) error {
	if !request.HasArgs() {
		return nil
	}
	if err := json.Unmarshal(request.Args, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidArgs, request.Method, err)
	}
	return nil
}

// Success builds a response carrying result. A nil result yields no value.
func Success(id uint64, result any) (Response, error) {
	response := Response{Kind: KindResponse, ID: id}
	if result == nil {
		return response, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("encode result: %w", err)
	}
	response.Result = encoded
	return response, nil
}

// Failure builds an error response.
func Failure(id uint64, code, message string) Response {
	return Response{
		Kind:  KindResponse,
		ID:    id,
		Error: &Error{Code: code, Message: message},
	}
}

// NewRecognizeEvent wraps a decoded result in an onRecognizeQR push event.
func NewRecognizeEvent(viewID int, result barcode.Result, now time.Time) Event {
	return Event{
		Kind:    KindEvent,
		EventID: uuid.NewString(),
		Channel: ChannelName(viewID),
		ViewID:  viewID,
		Method:  MethodRecognizeQR,
		Args: RecognizeArgs{
			Code:     result.Text,
			Type:     result.Format.String(),
			RawBytes: result.RawBytes,
		},
		Timestamp: now.UTC(),
	}
}

// Encode serializes an outbound envelope.
func Encode(v any) ([]byte, error) {
	switch v.(type) {
	case Response, *Response, Event, *Event:
	default:
		return nil, fmt.Errorf("unsupported envelope %T", v)
	}
	return json.Marshal(v, json.Deterministic(true))
}
