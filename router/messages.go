package router

import (
	"errors"

	json "github.com/goccy/go-json"
)

// ErrMalformed is returned when a payload is neither a Request nor a Response.
var ErrMalformed = errors.New("malformed payload")

// Request asks peers to answer. An empty Destination addresses everyone.
type Request struct {
	Destination string `json:"destination"`
}

// Response is a node's answer to a Request.
type Response struct {
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
}

// Kind classifies an inbound payload.
type Kind int

const (
	KindMalformed Kind = iota
	KindRequest
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "malformed"
	}
}

// Keys are matched exactly. The decoder's own struct matching folds case,
// so payloads are read as raw objects first.
func decodeFields(data []byte, keys ...string) ([]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}

	values := make([]string, 0, len(keys))
	for _, key := range keys {
		raw, ok := obj[key]
		if !ok || string(raw) == "null" {
			return nil, ErrMalformed
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, ErrMalformed
		}
		values = append(values, v)
	}
	return values, nil
}

// EncodeRequest serializes r.
func EncodeRequest(r Request) ([]byte, error) {
	return json.Marshal(r)
}

// EncodeResponse serializes r.
func EncodeResponse(r Response) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRequest parses data as a Request. The destination key is required.
func DecodeRequest(data []byte) (Request, error) {
	v, err := decodeFields(data, "destination")
	if err != nil {
		return Request{}, err
	}
	return Request{Destination: v[0]}, nil
}

// DecodeResponse parses data as a Response. Both keys are required.
func DecodeResponse(data []byte) (Response, error) {
	v, err := decodeFields(data, "receiver", "text")
	if err != nil {
		return Response{}, err
	}
	return Response{Receiver: v[0], Text: v[1]}, nil
}

// Classify tries Request first, then Response.
func Classify(data []byte) (Kind, *Request, *Response) {
	if req, err := DecodeRequest(data); err == nil {
		return KindRequest, &req, nil
	}
	if resp, err := DecodeResponse(data); err == nil {
		return KindResponse, nil, &resp
	}
	return KindMalformed, nil, nil
}
