package chat

import (
	"chatty/tools/errs"
	"encoding/json"
)

// Wire event names; they match what the web client listens for.
const (
	EventPresenceChanged = "getOnlineUsers"
	EventNewMessage      = "newMessage"
)

// Event is the JSON text frame pushed to clients.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Routable is the minimum the gateway reads from a persisted message; the rest is relayed as-is.
type Routable interface {
	GetFrom() string
	GetTo() string
}

func encodeEvent(name string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.WrapMsg(err, "marshal event payload", "event", name)
	}
	return json.Marshal(Event{Event: name, Data: data})
}

// EncodePresence builds a presence-changed frame carrying the full online set.
func EncodePresence(online []string) ([]byte, error) {
	if online == nil {
		online = []string{}
	}
	return encodeEvent(EventPresenceChanged, online)
}

// EncodeMessage builds a new-message frame carrying the message payload unchanged.
func EncodeMessage(msg Routable) ([]byte, error) {
	return encodeEvent(EventNewMessage, msg)
}

func ParseEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, errs.ErrArgs.WrapMsg("unmarshal event", "err", err)
	}
	if ev.Event == "" {
		return nil, errs.ErrArgs.WrapMsg("event name missing")
	}
	return &ev, nil
}

// DecodePresence reads the identity list out of a presence-changed event.
func DecodePresence(ev *Event) ([]string, error) {
	if ev == nil || ev.Event != EventPresenceChanged {
		return nil, errs.ErrArgs.WrapMsg("not a presence event")
	}
	var ids []string
	if err := json.Unmarshal(ev.Data, &ids); err != nil {
		return nil, errs.ErrArgs.WrapMsg("unmarshal presence", "err", err)
	}
	return ids, nil
}
