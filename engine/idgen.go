package engine

import (
	"fmt"

	"github.com/google/uuid"
)

// IDGenerator produces opaque identifiers for traces and instances.
type IDGenerator interface {
	TraceID() string
	InstanceID() string
}

// UUIDGenerator produces prefixed UUID identifiers.
type UUIDGenerator struct{}

func (UUIDGenerator) TraceID() string    { return prefixedID("trc") }
func (UUIDGenerator) InstanceID() string { return prefixedID("ins") }

func prefixedID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}
