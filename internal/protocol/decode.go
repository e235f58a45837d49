package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type wireReply struct {
	Channel    string          `json:"channel"`
	Subchannel string          `json:"subchannel"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	Error      json.RawMessage `json:"error"`
}

// DecodeReply parses one inbound text message. Messages on any channel other than
// ChannelReply yield ErrUnexpectedChannel.
func DecodeReply(raw []byte) (Reply, error) {
	var w wireReply
	if err := json.Unmarshal(raw, &w); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if w.Channel != ChannelReply {
		return Reply{}, fmt.Errorf("%w: channel=%q", ErrUnexpectedChannel, w.Channel)
	}
	if w.ID == "" && w.Subchannel == "" {
		return Reply{}, fmt.Errorf("%w: reply without id or subchannel", ErrInvalidEnvelope)
	}
	out := Reply{
		Channel:    w.Channel,
		Subchannel: w.Subchannel,
		ID:         w.ID,
		Data:       w.Data,
		Error:      decodeErrorField(w.Error),
	}
	if bytes.Equal(bytes.TrimSpace(out.Data), []byte("null")) {
		out.Data = nil
	}
	return out, nil
}

func decodeErrorField(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// DecodeObjectAdded parses the data of an objectAdded broadcast.
func DecodeObjectAdded(r Reply) (ObjectAdded, error) {
	var out ObjectAdded
	if err := r.DecodeData(&out); err != nil {
		return ObjectAdded{}, err
	}
	if err := out.Validate(); err != nil {
		return ObjectAdded{}, err
	}
	return out, nil
}
