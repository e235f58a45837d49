package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// ChannelRequest tags every host->embed envelope.
	ChannelRequest = "embedrpc"
	// ChannelReply tags every embed->host completion.
	ChannelReply = "rpcend"

	SubchannelObjectAdded = "objectAdded"

	// ErrorExec is the error marker the embed attaches to a failed instruction.
	ErrorExec = "EXECERR"
)

type RequestKind int

const (
	KindCall RequestKind = iota
	KindBind
	KindUnbind
)

func (k RequestKind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindBind:
		return "bind"
	case KindUnbind:
		return "unbind"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request is the host->embed envelope. A bind has only an id; an unbind sets Unbind.
type Request struct {
	Channel string `json:"channel"`
	ID      string `json:"id"`
	Command string `json:"command,omitempty"`
	Params  any    `json:"params,omitempty"`
	Unbind  bool   `json:"unbind,omitempty"`
}

func NewCall(id string, cmd Command) Request {
	return Request{Channel: ChannelRequest, ID: id, Command: cmd.Instruction, Params: cmd.Params}
}

func NewBind(path string) Request {
	return Request{Channel: ChannelRequest, ID: path}
}

func NewUnbind(path string) Request {
	return Request{Channel: ChannelRequest, ID: path, Unbind: true}
}

func (r Request) Kind() RequestKind {
	switch {
	case r.Unbind:
		return KindUnbind
	case r.Command == "":
		return KindBind
	default:
		return KindCall
	}
}

func (r Request) Validate() error {
	if r.Channel != ChannelRequest {
		return fmt.Errorf("%w: channel=%q", ErrUnexpectedChannel, r.Channel)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	if r.Unbind && (r.Command != "" || r.Params != nil) {
		return fmt.Errorf("%w: unbind carries a command", ErrInvalidEnvelope)
	}
	if r.Command == "" && r.Params != nil {
		return fmt.Errorf("%w: params without command", ErrInvalidEnvelope)
	}
	return nil
}

// Reply is the embed->host completion envelope.
type Reply struct {
	Channel    string
	Subchannel string
	ID         string
	Data       json.RawMessage
	Error      string
}

// Failed reports whether the embed flagged the instruction as failed.
func (r Reply) Failed() bool {
	return r.Error != ""
}

// DecodeData unmarshals the reply payload into out.
func (r Reply) DecodeData(out any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("%w: empty data id=%q", ErrInvalidEnvelope, r.ID)
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return nil
}

// ObjectAdded is the objectAdded broadcast payload.
type ObjectAdded struct {
	TUID string          `json:"tuid"`
	GUID string          `json:"guid"`
	PSet json.RawMessage `json:"pset"`
}

func (o ObjectAdded) Validate() error {
	if strings.TrimSpace(o.TUID) == "" {
		return fmt.Errorf("%w: objectAdded missing tuid", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(o.GUID) == "" {
		return fmt.Errorf("%w: objectAdded missing guid", ErrInvalidEnvelope)
	}
	return nil
}
