package node

import (
	"errors"
	"reflect"
	"unsafe"

	"github.com/pion/sctp"
	"github.com/pion/webrtc/v3"
)

// DefaultSCTPMessageSize is the send limit pion's SCTP association starts
// with. pion v3 neither reads a=max-message-size from the remote description
// nor exposes the association, so the limit is raised through
// setSCTPMaxMessageSize once the transport is up.
const DefaultSCTPMessageSize = 65536

var errNoAssociation = errors.New("sctp association not available")

// setSCTPMaxMessageSize raises the largest message the local side of the
// association may send. The receiving side is bounded by its read buffer and
// SCTP receive window, both sized from the same limit in NewPeerTransport.
func setSCTPMaxMessageSize(transport *webrtc.SCTPTransport, size uint32) error {
	if transport == nil {
		return errNoAssociation
	}

	field := reflect.ValueOf(transport).Elem().FieldByName("sctpAssociation")
	if !field.IsValid() || field.Kind() != reflect.Ptr {
		return errNoAssociation
	}

	field = reflect.NewAt(field.Type(), unsafe.Pointer(field.UnsafeAddr())).Elem()
	association, ok := field.Interface().(*sctp.Association)
	if !ok || association == nil {
		return errNoAssociation
	}

	association.SetMaxMessageSize(size)
	return nil
}
