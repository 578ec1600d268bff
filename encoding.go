package audit

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	flatbuffers "github.com/google/flatbuffers/go"
)

// Format selects the wire encoding of forwarded events.
type Format int

const (
	// FormatFlatbuffers is the fixed binary schema the collector reads.
	FormatFlatbuffers Format = iota
	// FormatJSON is plain JSON of the identified event.
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatFlatbuffers:
		return "flatbuffers"
	case FormatJSON:
		return "json"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat accepts "flatbuffers" (or "flatbuffer") and "json", in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "flatbuffers", "flatbuffer":
		return FormatFlatbuffers, nil
	case "json":
		return FormatJSON, nil
	}
	return 0, fmt.Errorf("audit: unknown format %q", s)
}

// EncodingError means an event could not be represented in the wire format.
// Retrying cannot help; the event is dropped.
type EncodingError struct {
	UID ID
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("audit: encode event %d: %v", e.UID, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// Encoder turns identified events into wire payloads.
type Encoder interface {
	EncodeEvent(e *IdentifiedEvent) ([]byte, error)
	EncodeAdminEvent(e *IdentifiedAdminEvent) ([]byte, error)
	Format() Format
}

// NewEncoder returns the Encoder for f.
func NewEncoder(f Format) (Encoder, error) {
	switch f {
	case FormatFlatbuffers:
		return flatEncoder{}, nil
	case FormatJSON:
		return jsonEncoder{}, nil
	}
	return nil, fmt.Errorf("audit: no encoder for %v", f)
}

// Container is the envelope the HTTP collector expects for binary payloads.
type Container struct {
	Type string `json:"type"`
	Obj  string `json:"obj"`
}

func newContainer(kind EventKind, payload []byte) Container {
	return Container{Type: kind.String(), Obj: base64.StdEncoding.EncodeToString(payload)}
}

type jsonEncoder struct{}

func (jsonEncoder) Format() Format { return FormatJSON }

func (jsonEncoder) EncodeEvent(e *IdentifiedEvent) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, &EncodingError{UID: e.UID, Err: err}
	}
	return data, nil
}

func (jsonEncoder) EncodeAdminEvent(e *IdentifiedAdminEvent) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, &EncodingError{UID: e.UID, Err: err}
	}
	return data, nil
}

const flatInitialSize = 1024

// Field slots of the collector schema.
const (
	eventSlotUID = iota
	eventSlotTime
	eventSlotType
	eventSlotRealmID
	eventSlotClientID
	eventSlotUserID
	eventSlotSessionID
	eventSlotIPAddress
	eventSlotError
	eventSlotDetails
	eventSlotCount
)

const (
	adminSlotUID = iota
	adminSlotTime
	adminSlotRealmID
	adminSlotAuthDetails
	adminSlotDetails
	adminSlotResourceType
	adminSlotOperationType
	adminSlotResourcePath
	adminSlotRepresentation
	adminSlotError
	adminSlotCount
)

const (
	authSlotRealmID = iota
	authSlotClientID
	authSlotUserID
	authSlotUsername
	authSlotIPAddress
	authSlotCount
)

const (
	tupleSlotKey = iota
	tupleSlotValue
	tupleSlotCount
)

type flatEncoder struct{}

func (flatEncoder) Format() Format { return FormatFlatbuffers }

func (enc flatEncoder) EncodeEvent(e *IdentifiedEvent) (data []byte, err error) {
	defer recoverEncoding(e.UID, &err)
	b := flatbuffers.NewBuilder(flatInitialSize)

	realmID := createString(b, e.RealmID)
	clientID := createString(b, e.ClientID)
	userID := createString(b, e.UserID)
	sessionID := createString(b, e.SessionID)
	ipAddress := createString(b, e.IPAddress)
	errStr := createString(b, e.Error)
	details := createDetails(b, e.Details)

	b.StartObject(eventSlotCount)
	b.PrependInt64Slot(eventSlotUID, int64(e.UID), 0)
	b.PrependInt64Slot(eventSlotTime, e.Time, 0)
	b.PrependByteSlot(eventSlotType, e.Type.ordinal(), 0)
	b.PrependUOffsetTSlot(eventSlotRealmID, realmID, 0)
	b.PrependUOffsetTSlot(eventSlotClientID, clientID, 0)
	b.PrependUOffsetTSlot(eventSlotUserID, userID, 0)
	b.PrependUOffsetTSlot(eventSlotSessionID, sessionID, 0)
	b.PrependUOffsetTSlot(eventSlotIPAddress, ipAddress, 0)
	b.PrependUOffsetTSlot(eventSlotError, errStr, 0)
	b.PrependUOffsetTSlot(eventSlotDetails, details, 0)
	b.Finish(b.EndObject())
	return b.FinishedBytes(), nil
}

func (enc flatEncoder) EncodeAdminEvent(e *IdentifiedAdminEvent) (data []byte, err error) {
	defer recoverEncoding(e.UID, &err)
	b := flatbuffers.NewBuilder(flatInitialSize)

	realmID := createString(b, e.RealmID)
	var authDetails flatbuffers.UOffsetT
	if ad := e.AuthDetails; ad != nil {
		adRealm := createString(b, ad.RealmID)
		adClient := createString(b, ad.ClientID)
		adUser := createString(b, ad.UserID)
		adUsername := createString(b, ad.Username)
		adIP := createString(b, ad.IPAddress)
		b.StartObject(authSlotCount)
		b.PrependUOffsetTSlot(authSlotIPAddress, adIP, 0)
		b.PrependUOffsetTSlot(authSlotUsername, adUsername, 0)
		b.PrependUOffsetTSlot(authSlotUserID, adUser, 0)
		b.PrependUOffsetTSlot(authSlotClientID, adClient, 0)
		b.PrependUOffsetTSlot(authSlotRealmID, adRealm, 0)
		authDetails = b.EndObject()
	}
	var resourceType byte
	if e.ResourceType != "" {
		resourceType = e.ResourceType.ordinal()
	}
	resourcePath := createString(b, e.ResourcePath)
	representation := createString(b, e.Representation)
	details := createDetails(b, e.Details)
	errStr := createString(b, e.Error)

	b.StartObject(adminSlotCount)
	b.PrependInt64Slot(adminSlotUID, int64(e.UID), 0)
	b.PrependInt64Slot(adminSlotTime, e.Time, 0)
	b.PrependUOffsetTSlot(adminSlotRealmID, realmID, 0)
	b.PrependUOffsetTSlot(adminSlotAuthDetails, authDetails, 0)
	b.PrependUOffsetTSlot(adminSlotDetails, details, 0)
	b.PrependUOffsetTSlot(adminSlotResourcePath, resourcePath, 0)
	b.PrependUOffsetTSlot(adminSlotRepresentation, representation, 0)
	b.PrependUOffsetTSlot(adminSlotError, errStr, 0)
	b.PrependByteSlot(adminSlotResourceType, resourceType, 0)
	b.PrependByteSlot(adminSlotOperationType, e.OperationType.ordinal(), 0)
	b.Finish(b.EndObject())
	return b.FinishedBytes(), nil
}

// recoverEncoding turns a builder panic into an EncodingError.
func recoverEncoding(uid ID, err *error) {
	if r := recover(); r != nil {
		*err = &EncodingError{UID: uid, Err: fmt.Errorf("flatbuffers: %v", r)}
	}
}

// createString returns 0, the absent offset, for empty strings.
func createString(b *flatbuffers.Builder, s string) flatbuffers.UOffsetT {
	if s == "" {
		return 0
	}
	return b.CreateString(s)
}

// createDetails writes details as a vector of key/value tuples sorted by key.
func createDetails(b *flatbuffers.Builder, details map[string]string) flatbuffers.UOffsetT {
	if details == nil {
		return 0
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tuples := make([]flatbuffers.UOffsetT, len(keys))
	for i, k := range keys {
		key := b.CreateString(k)
		value := b.CreateString(details[k])
		b.StartObject(tupleSlotCount)
		b.PrependUOffsetTSlot(tupleSlotValue, value, 0)
		b.PrependUOffsetTSlot(tupleSlotKey, key, 0)
		tuples[i] = b.EndObject()
	}
	b.StartVector(4, len(tuples), 4)
	for i := len(tuples) - 1; i >= 0; i-- {
		b.PrependUOffsetT(tuples[i])
	}
	return b.EndVector(len(tuples))
}
