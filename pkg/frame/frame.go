// Package frame implements the control-channel wire format: a sequence
// of single-line JSON objects, each terminated by a linefeed, carried
// over a plain TCP byte stream between the relay and a client forwarder.
package frame

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the frame variants exchanged on the control channel.
type Kind string

const (
	KindRegister   Kind = "register"
	KindRegistered Kind = "registered"
	KindRequest    Kind = "request"
	KindResponse   Kind = "response"
	KindError      Kind = "error"
	KindPing       Kind = "ping"
	KindPong       Kind = "pong"
)

// DefaultMaxFrameBytes is the maximum encoded length of a single frame,
// body included, before the connection is failed.
const DefaultMaxFrameBytes = 16 * 1024 * 1024

// Frame is the tagged union of everything that can cross the control
// channel. Only the fields relevant to Kind are populated; json tags
// use omitempty so a given wire frame only carries its own variant's
// fields.
type Frame struct {
	Kind Kind `json:"kind"`

	// register (client -> relay)
	Token      string `json:"token,omitempty"`
	TargetPort int    `json:"targetPort,omitempty"`

	// registered (relay -> client)
	OK      bool   `json:"ok,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// request (relay -> client), response (client -> relay), error (either)
	ID         uint64            `json:"id,omitempty"`
	Method     string            `json:"method,omitempty"`
	Path       string            `json:"path,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"` // base64
	RemoteAddr string            `json:"remoteAddr,omitempty"`
	Status     int               `json:"status,omitempty"`

	// ping/pong
	TS int64 `json:"ts,omitempty"`
}

// validate checks, per kind, the struct fields whose zero value means
// "missing", and rejects any kind it does not know.
func (f *Frame) validate() error {
	switch f.Kind {
	case KindRegister:
		if f.Token == "" {
			return fmt.Errorf("frame: register missing token")
		}
	case KindRegistered:
		if !f.OK && f.Code == "" {
			return fmt.Errorf("frame: registered failure missing code")
		}
	case KindRequest:
		if f.Method == "" || f.Path == "" {
			return fmt.Errorf("frame: request missing method or path")
		}
	case KindResponse:
		if f.Status < 100 || f.Status > 599 {
			return fmt.Errorf("frame: response status %d out of range", f.Status)
		}
	case KindError:
		if f.Code == "" {
			return fmt.Errorf("frame: error missing code")
		}
	case KindPing, KindPong:
		// ts is informational; zero is a valid (if unusual) timestamp
	default:
		return fmt.Errorf("frame: unknown kind %q", f.Kind)
	}
	return nil
}

// Encode serializes f as a single JSON line, without the trailing
// linefeed (the Writer appends it).
func Encode(f Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("frame: encode: %w", err)
	}
	return b, nil
}

// Decode parses a single JSON line into a Frame and validates it against
// its kind's required fields.
func Decode(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("frame: decode: %w", err)
	}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
