package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PacketType is an Engine.IO v3 packet type.
type PacketType byte

const (
	PacketOpen    PacketType = '0'
	PacketClose   PacketType = '1'
	PacketPing    PacketType = '2'
	PacketPong    PacketType = '3'
	PacketMessage PacketType = '4'
	PacketUpgrade PacketType = '5'
	PacketNoop    PacketType = '6'
)

func (t PacketType) String() string {
	switch t {
	case PacketOpen:
		return "open"
	case PacketClose:
		return "close"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketMessage:
		return "message"
	case PacketUpgrade:
		return "upgrade"
	case PacketNoop:
		return "noop"
	default:
		return fmt.Sprintf("unknown(%c)", byte(t))
	}
}

// Packet is one Engine.IO text frame.
type Packet struct {
	Type PacketType
	Data string
}

// ParsePacket decodes a text frame.
func ParsePacket(frame string) (Packet, error) {
	if frame == "" {
		return Packet{}, fmt.Errorf("transport: empty packet")
	}
	t := PacketType(frame[0])
	if t < PacketOpen || t > PacketNoop {
		return Packet{}, fmt.Errorf("transport: unknown packet type %q", frame[0])
	}
	return Packet{Type: t, Data: frame[1:]}, nil
}

// Encode returns the text frame for p.
func (p Packet) Encode() string {
	return string(p.Type) + p.Data
}

// Handshake is the payload of the open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
}

// ParseHandshake decodes an open packet payload.
func ParseHandshake(data string) (Handshake, error) {
	var h Handshake
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return h, fmt.Errorf("transport: decode handshake: %w", err)
	}
	return h, nil
}

// MessageKind is a Socket.IO packet type carried inside an Engine.IO message.
type MessageKind byte

const (
	MessageConnect    MessageKind = '0'
	MessageDisconnect MessageKind = '1'
	MessageEvent      MessageKind = '2'
	MessageAck        MessageKind = '3'
	MessageError      MessageKind = '4'
)

// Message is a decoded Socket.IO packet.
type Message struct {
	Kind      MessageKind
	Namespace string
	Event     string
	Args      []json.RawMessage
	// Raw holds the payload of connect, disconnect and error packets.
	Raw string
}

// ParseMessage decodes the data of an Engine.IO message packet.
func ParseMessage(data string) (Message, error) {
	if data == "" {
		return Message{}, fmt.Errorf("transport: empty message")
	}
	m := Message{Kind: MessageKind(data[0]), Namespace: "/"}
	rest := data[1:]

	if strings.HasPrefix(rest, "/") {
		nsp, tail, found := strings.Cut(rest, ",")
		if !found {
			m.Namespace = rest
			return m, nil
		}
		m.Namespace = nsp
		rest = tail
	}

	// Optional ack id before the JSON payload.
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		if _, err := strconv.Atoi(rest[:i]); err != nil {
			return m, fmt.Errorf("transport: bad ack id: %w", err)
		}
		rest = rest[i:]
	}

	switch m.Kind {
	case MessageEvent, MessageAck:
		var items []json.RawMessage
		if err := json.Unmarshal([]byte(rest), &items); err != nil {
			return m, fmt.Errorf("transport: decode event: %w", err)
		}
		if m.Kind == MessageEvent {
			if len(items) == 0 {
				return m, fmt.Errorf("transport: event without name")
			}
			if err := json.Unmarshal(items[0], &m.Event); err != nil {
				return m, fmt.Errorf("transport: decode event name: %w", err)
			}
			items = items[1:]
		}
		m.Args = items
	case MessageConnect, MessageDisconnect, MessageError:
		m.Raw = rest
	default:
		return m, fmt.Errorf("transport: unsupported message kind %q", byte(m.Kind))
	}
	return m, nil
}

// EncodeEvent returns the message packet for a Socket.IO event on the
// default namespace.
func EncodeEvent(event string, args ...any) (Packet, error) {
	items := make([]any, 0, len(args)+1)
	items = append(items, event)
	items = append(items, args...)
	data, err := json.Marshal(items)
	if err != nil {
		return Packet{}, fmt.Errorf("transport: encode event: %w", err)
	}
	return Packet{Type: PacketMessage, Data: string(MessageEvent) + string(data)}, nil
}
