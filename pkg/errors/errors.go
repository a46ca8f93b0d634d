package errors

import (
	goerrs "errors"
	"fmt"
)

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type InvalidEnumValue struct {
	EnumName string
	IntValue uint8
}

func (e *InvalidEnumValue) Error() string {
	return fmt.Sprintf("Invalid enum value=%d (enum: %s)", e.IntValue, e.EnumName)
}

type InvalidHeaderVersion struct {
	ExpectedMagicNumber uint32
	ActualMagicNumber   uint32
	ExpectedVersion     uint8
	ActualVersion       uint8
}

func (e *InvalidHeaderVersion) Error() string {
	return fmt.Sprintf("Invalid header: expected MagicNumber=%d, got MagicNumber=%d. Expected version %d, got %d", e.ExpectedMagicNumber, e.ActualMagicNumber, e.ExpectedVersion, e.ActualVersion)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}

//
// Registry errors

type UnknownEventType struct {
	RegistryName string
	TypeId       uint16
}

func (e *UnknownEventType) Error() string {
	return fmt.Sprintf("Unknown event type id=%d (registry: %s)", e.TypeId, e.RegistryName)
}

// MalformedPayload wraps a builder failure so the frame can be dropped without
// losing the underlying parse error.
type MalformedPayload struct {
	TypeId uint16
	Err    error
}

func (e *MalformedPayload) Error() string {
	return fmt.Sprintf("Malformed payload for type id=%d: %v", e.TypeId, e.Err)
}

func (e *MalformedPayload) Unwrap() error {
	return e.Err
}

type RegistrySealed struct {
	RegistryName string
}

func (e *RegistrySealed) Error() string {
	return fmt.Sprintf("Registry %s is sealed, no further registrations are allowed", e.RegistryName)
}

//
// Entity desynchronization

type DuplicateEntity struct {
	Key uint16
}

func (e *DuplicateEntity) Error() string {
	return fmt.Sprintf("Entity with key=%d already exists", e.Key)
}

type MissingEntity struct {
	Key uint16
}

func (e *MissingEntity) Error() string {
	return fmt.Sprintf("Missing entity with key=%d", e.Key)
}

// IsDesync reports whether err signals that the local entity table no longer
// agrees with the remote host.
func IsDesync(err error) bool {
	var dup *DuplicateEntity
	var missing *MissingEntity
	return goerrs.As(err, &dup) || goerrs.As(err, &missing)
}

//
// Connection lifecycle

type ConnectionClosed struct {
	Operation string
}

func (e *ConnectionClosed) Error() string {
	return fmt.Sprintf("Connection closed, cannot perform %s", e.Operation)
}

type StalePacket struct {
	PacketName     string
	Sequence       uint16
	LatestSequence uint16
}

func (e *StalePacket) Error() string {
	return fmt.Sprintf("Stale %s packet: sequence=%d is not newer than %d", e.PacketName, e.Sequence, e.LatestSequence)
}

type InvalidConfig struct {
	FieldName string
	Reason    string
}

func (e *InvalidConfig) Error() string {
	return fmt.Sprintf("Invalid connection config field %s: %s", e.FieldName, e.Reason)
}

type Overflow struct {
	MessageName string
	Size        int
	MaximumSize int
}

func (e *Overflow) Error() string {
	return fmt.Sprintf("Message serialization overflowed (type=%s), got %d items, at most %d fit", e.MessageName, e.Size, e.MaximumSize)
}

type NotConnected struct {
	Operation string
}

func (e *NotConnected) Error() string {
	return fmt.Sprintf("Connection is not established yet, cannot perform %s", e.Operation)
}
