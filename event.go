package audit

import (
	"go.opentelemetry.io/otel/trace"
)

// EventType is the kind of a user activity event, e.g. "LOGIN".
type EventType string

// ResourceType is the kind of object an administrative action touched.
type ResourceType string

// OperationType is the administrative action performed on a resource.
type OperationType string

// Operation types.
const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
	OperationAction OperationType = "ACTION"
)

// Frequently used event types. Every name in eventTypeNames is accepted.
const (
	EventLogin        EventType = "LOGIN"
	EventLoginError   EventType = "LOGIN_ERROR"
	EventLogout       EventType = "LOGOUT"
	EventRegister     EventType = "REGISTER"
	EventUpdateEmail  EventType = "UPDATE_EMAIL"
	EventCodeToToken  EventType = "CODE_TO_TOKEN"
	EventRefreshToken EventType = "REFRESH_TOKEN"
	EventUnknown      EventType = "UNKNOWN"
)

// Frequently used resource types.
const (
	ResourceRealm   ResourceType = "REALM"
	ResourceUser    ResourceType = "USER"
	ResourceGroup   ResourceType = "GROUP"
	ResourceClient  ResourceType = "CLIENT"
	ResourceUnknown ResourceType = "UNKNOWN"
)

// eventTypeNames lists event types in collector schema order; the index is
// the wire ordinal. UNKNOWN is last.
var eventTypeNames = []EventType{
	"LOGIN", "LOGIN_ERROR", "REGISTER", "REGISTER_ERROR", "LOGOUT", "LOGOUT_ERROR",
	"CODE_TO_TOKEN", "CODE_TO_TOKEN_ERROR", "CLIENT_LOGIN", "CLIENT_LOGIN_ERROR",
	"REFRESH_TOKEN", "REFRESH_TOKEN_ERROR", "VALIDATE_ACCESS_TOKEN", "VALIDATE_ACCESS_TOKEN_ERROR",
	"INTROSPECT_TOKEN", "INTROSPECT_TOKEN_ERROR", "FEDERATED_IDENTITY_LINK", "FEDERATED_IDENTITY_LINK_ERROR",
	"REMOVE_FEDERATED_IDENTITY", "REMOVE_FEDERATED_IDENTITY_ERROR", "UPDATE_EMAIL", "UPDATE_EMAIL_ERROR",
	"UPDATE_PROFILE", "UPDATE_PROFILE_ERROR", "UPDATE_PASSWORD", "UPDATE_PASSWORD_ERROR",
	"UPDATE_TOTP", "UPDATE_TOTP_ERROR", "VERIFY_EMAIL", "VERIFY_EMAIL_ERROR",
	"REMOVE_TOTP", "REMOVE_TOTP_ERROR", "REVOKE_GRANT", "REVOKE_GRANT_ERROR",
	"SEND_VERIFY_EMAIL", "SEND_VERIFY_EMAIL_ERROR", "SEND_RESET_PASSWORD", "SEND_RESET_PASSWORD_ERROR",
	"SEND_IDENTITY_PROVIDER_LINK", "SEND_IDENTITY_PROVIDER_LINK_ERROR", "RESET_PASSWORD", "RESET_PASSWORD_ERROR",
	"RESTART_AUTHENTICATION", "RESTART_AUTHENTICATION_ERROR", "INVALID_SIGNATURE", "INVALID_SIGNATURE_ERROR",
	"REGISTER_NODE", "REGISTER_NODE_ERROR", "UNREGISTER_NODE", "UNREGISTER_NODE_ERROR",
	"USER_INFO_REQUEST", "USER_INFO_REQUEST_ERROR", "IDENTITY_PROVIDER_LINK_ACCOUNT", "IDENTITY_PROVIDER_LINK_ACCOUNT_ERROR",
	"IDENTITY_PROVIDER_LOGIN", "IDENTITY_PROVIDER_LOGIN_ERROR", "IDENTITY_PROVIDER_FIRST_LOGIN", "IDENTITY_PROVIDER_FIRST_LOGIN_ERROR",
	"IDENTITY_PROVIDER_POST_LOGIN", "IDENTITY_PROVIDER_POST_LOGIN_ERROR", "IDENTITY_PROVIDER_RESPONSE", "IDENTITY_PROVIDER_RESPONSE_ERROR",
	"IDENTITY_PROVIDER_RETRIEVE_TOKEN", "IDENTITY_PROVIDER_RETRIEVE_TOKEN_ERROR", "IMPERSONATE", "IMPERSONATE_ERROR",
	"CUSTOM_REQUIRED_ACTION", "CUSTOM_REQUIRED_ACTION_ERROR", "EXECUTE_ACTIONS", "EXECUTE_ACTIONS_ERROR",
	"EXECUTE_ACTION_TOKEN", "EXECUTE_ACTION_TOKEN_ERROR", "CLIENT_INFO", "CLIENT_INFO_ERROR",
	"CLIENT_REGISTER", "CLIENT_REGISTER_ERROR", "CLIENT_UPDATE", "CLIENT_UPDATE_ERROR",
	"CLIENT_DELETE", "CLIENT_DELETE_ERROR", "CLIENT_INITIATED_ACCOUNT_LINKING", "CLIENT_INITIATED_ACCOUNT_LINKING_ERROR",
	"UNKNOWN",
}

var resourceTypeNames = []ResourceType{
	"REALM", "REALM_ROLE", "REALM_ROLE_MAPPING", "REALM_SCOPE_MAPPING", "AUTH_FLOW", "AUTH_EXECUTION_FLOW",
	"AUTH_EXECUTION", "AUTHENTICATOR_CONFIG", "REQUIRED_ACTION_CONFIG", "REQUIRED_ACTION", "IDENTITY_PROVIDER",
	"IDENTITY_PROVIDER_MAPPER", "PROTOCOL_MAPPER", "USER", "USER_LOGIN_FAILURE", "USER_SESSION",
	"USER_FEDERATION_PROVIDER", "USER_FEDERATION_MAPPER", "GROUP", "GROUP_MEMBERSHIP", "CLIENT",
	"CLIENT_INITIAL_ACCESS_MODEL", "CLIENT_ROLE", "CLIENT_ROLE_MAPPING", "CLIENT_SCOPE", "CLIENT_SCOPE_MAPPING",
	"CLIENT_SCOPE_CLIENT_MAPPING", "CLUSTER_NODE", "COMPONENT", "AUTHORIZATION_RESOURCE_SERVER",
	"AUTHORIZATION_RESOURCE", "AUTHORIZATION_SCOPE", "AUTHORIZATION_POLICY", "CUSTOM", "USER_PROFILE",
	"ORGANIZATION", "ORGANIZATION_MEMBERSHIP", "UNKNOWN",
}

var operationTypeNames = []OperationType{OperationCreate, OperationUpdate, OperationDelete, OperationAction}

var (
	eventTypeOrdinals     = ordinals(eventTypeNames)
	resourceTypeOrdinals  = ordinals(resourceTypeNames)
	operationTypeOrdinals = ordinals(operationTypeNames)
)

func ordinals[T ~string](names []T) map[T]byte {
	m := make(map[T]byte, len(names))
	for i, n := range names {
		m[n] = byte(i)
	}
	return m
}

// ordinal returns the wire value of t; unknown types map to UNKNOWN.
func (t EventType) ordinal() byte {
	if o, ok := eventTypeOrdinals[t]; ok {
		return o
	}
	return eventTypeOrdinals[EventUnknown]
}

func (t ResourceType) ordinal() byte {
	if o, ok := resourceTypeOrdinals[t]; ok {
		return o
	}
	return resourceTypeOrdinals[ResourceUnknown]
}

// ordinal returns the wire value of t. The schema has no UNKNOWN operation,
// so anything unrecognised is sent as CREATE, the schema default.
func (t OperationType) ordinal() byte {
	return operationTypeOrdinals[t]
}

// Event is a user activity notification from the identity platform.
type Event struct {
	Time      int64             `json:"time"` // Unix milliseconds
	Type      EventType         `json:"type"`
	RealmID   string            `json:"realmId,omitempty"`
	ClientID  string            `json:"clientId,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	IPAddress string            `json:"ipAddress,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`

	// SpanContext is the trace the event was raised in. It is not serialized.
	SpanContext trace.SpanContext `json:"-"`
}

// AuthDetails identifies who performed an administrative action.
type AuthDetails struct {
	RealmID   string `json:"realmId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Username  string `json:"username,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// AdminEvent is an administrative action notification.
type AdminEvent struct {
	Time           int64             `json:"time"`
	RealmID        string            `json:"realmId,omitempty"`
	AuthDetails    *AuthDetails      `json:"authDetails,omitempty"`
	ResourceType   ResourceType      `json:"resourceType,omitempty"`
	OperationType  OperationType     `json:"operationType,omitempty"`
	ResourcePath   string            `json:"resourcePath,omitempty"`
	Representation string            `json:"representation,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
	Error          string            `json:"error,omitempty"`

	SpanContext trace.SpanContext `json:"-"`
}

// IdentifiedEvent is an Event stamped with its identifier. It is built
// once at ingestion and never modified afterwards.
type IdentifiedEvent struct {
	UID ID `json:"uid"`
	Event
}

// IdentifiedAdminEvent is an AdminEvent stamped with its identifier.
type IdentifiedAdminEvent struct {
	UID ID `json:"uid"`
	AdminEvent
}

func newIdentifiedEvent(uid ID, e Event) *IdentifiedEvent {
	e.Details = copyDetails(e.Details)
	return &IdentifiedEvent{UID: uid, Event: e}
}

func newIdentifiedAdminEvent(uid ID, e AdminEvent, includeRepresentation bool) *IdentifiedAdminEvent {
	e.Details = copyDetails(e.Details)
	if e.AuthDetails != nil {
		ad := *e.AuthDetails
		e.AuthDetails = &ad
	}
	if !includeRepresentation {
		e.Representation = ""
	}
	return &IdentifiedAdminEvent{UID: uid, AdminEvent: e}
}

func copyDetails(d map[string]string) map[string]string {
	if d == nil {
		return nil
	}
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// subject is the user the event is about; it keys broker records.
func (e *IdentifiedEvent) subject() string { return e.UserID }

func (e *IdentifiedAdminEvent) subject() string {
	if e.AuthDetails == nil {
		return ""
	}
	return e.AuthDetails.UserID
}
