package sheets

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EventType tags the mutation carried by an Envelope.
type EventType uint8

const (
	CreateSheetEvent EventType = iota + 1
	DeleteSheetEvent
	UpdateCellEvent
	ShareEvent
	UnshareEvent
	DeleteUserSheetsEvent
)

func (t EventType) String() string {
	switch t {
	case CreateSheetEvent:
		return "CreateSheet"
	case DeleteSheetEvent:
		return "DeleteSheet"
	case UpdateCellEvent:
		return "UpdateCell"
	case ShareEvent:
		return "Share"
	case UnshareEvent:
		return "Unshare"
	case DeleteUserSheetsEvent:
		return "DeleteUserSheets"
	}
	return fmt.Sprintf("EventType(%d)", uint8(t))
}

// Event is a mutation with everything needed to replay it.
type Event interface {
	Type() EventType
}

type CreateSheet struct {
	Sheet    Spreadsheet `msgpack:"sheet"`
	Password string      `msgpack:"password"`
}

type DeleteSheet struct {
	SheetID  string `msgpack:"sheetId"`
	Password string `msgpack:"password"`
}

type UpdateCell struct {
	SheetID  string `msgpack:"sheetId"`
	Cell     string `msgpack:"cell"`
	RawValue string `msgpack:"rawValue"`
	UserID   string `msgpack:"userId"`
	Password string `msgpack:"password"`
}

// Share and Unshare name the grantee as "user@domain".
type Share struct {
	SheetID  string `msgpack:"sheetId"`
	UserID   string `msgpack:"userId"`
	Password string `msgpack:"password"`
}

type Unshare struct {
	SheetID  string `msgpack:"sheetId"`
	UserID   string `msgpack:"userId"`
	Password string `msgpack:"password"`
}

type DeleteUserSheets struct {
	UserID   string `msgpack:"userId"`
	Password string `msgpack:"password"`
}

func (CreateSheet) Type() EventType      { return CreateSheetEvent }
func (DeleteSheet) Type() EventType      { return DeleteSheetEvent }
func (UpdateCell) Type() EventType       { return UpdateCellEvent }
func (Share) Type() EventType            { return ShareEvent }
func (Unshare) Type() EventType          { return UnshareEvent }
func (DeleteUserSheets) Type() EventType { return DeleteUserSheetsEvent }

// Envelope is the log record: a mutation plus where it came from.
type Envelope struct {
	Domain    string    `msgpack:"domain"`
	Publisher string    `msgpack:"publisher"`
	Type      EventType `msgpack:"type"`
	Payload   []byte    `msgpack:"payload"`
}

// Seal wraps ev into an encoded envelope.
func Seal(domain, publisher string, ev Event) ([]byte, error) {
	payload, err := msgpack.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return msgpack.Marshal(&Envelope{
		Domain:    domain,
		Publisher: publisher,
		Type:      ev.Type(),
		Payload:   payload,
	})
}

// Open decodes an envelope and its event.
func Open(data []byte) (Envelope, Event, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return env, nil, fmt.Errorf("decode envelope: %w", err)
	}

	var ev Event
	var err error
	switch env.Type {
	case CreateSheetEvent:
		ev, err = decodeEvent[CreateSheet](env.Payload)
	case DeleteSheetEvent:
		ev, err = decodeEvent[DeleteSheet](env.Payload)
	case UpdateCellEvent:
		ev, err = decodeEvent[UpdateCell](env.Payload)
	case ShareEvent:
		ev, err = decodeEvent[Share](env.Payload)
	case UnshareEvent:
		ev, err = decodeEvent[Unshare](env.Payload)
	case DeleteUserSheetsEvent:
		ev, err = decodeEvent[DeleteUserSheets](env.Payload)
	default:
		return env, nil, fmt.Errorf("unknown event type %d", env.Type)
	}
	if err != nil {
		return env, nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return env, ev, nil
}

func decodeEvent[T Event](payload []byte) (Event, error) {
	var ev T
	if err := msgpack.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}
