package pvio

import "fmt"

// Apart from ErrRingSmash, the error types below describe conditions
// that leave shared state undefined. They are never returned: the
// component that detects one panics with it.

// ErrGrantTableFull is raised when every grant entry is in use.
type ErrGrantTableFull struct {
	Size uint32
}

func (e ErrGrantTableFull) Error() string {
	return fmt.Sprintf("grant table exhausted: all %d entries in use", e.Size)
}

// ErrGrantInUse is raised when a grant is revoked while the remote
// domain still has it mapped or a transfer into it has been committed.
type ErrGrantInUse struct {
	Ref   GrantRef
	Flags uint16
}

func (e ErrGrantInUse) Error() string {
	return fmt.Sprintf("grant %d still in use by remote domain (flags %#04x)", e.Ref, e.Flags)
}

// ErrTransferNotCommitted is raised when a transfer is finished before
// the remote domain committed a frame to it.
type ErrTransferNotCommitted struct {
	Ref GrantRef
}

func (e ErrTransferNotCommitted) Error() string {
	return fmt.Sprintf("grant %d: transfer finished before it was committed", e.Ref)
}

// ErrBadGrantRef is raised for references outside the allocatable
// range of a grant table.
type ErrBadGrantRef struct {
	Ref   GrantRef
	Limit uint32
}

func (e ErrBadGrantRef) Error() string {
	return fmt.Sprintf("grant reference %d outside table (limit %d)", e.Ref, e.Limit)
}

// ErrPortOutOfRange is raised when a port is bound beyond the size of
// the dispatcher's port table.
type ErrPortOutOfRange struct {
	Port  Port
	Limit int
}

func (e ErrPortOutOfRange) Error() string {
	return fmt.Sprintf("event channel port %d outside table of %d ports", e.Port, e.Limit)
}

// ErrRingSmash reports byte-stream ring cursors that place the
// producer more than one buffer ahead of the consumer. It is logged and
// the operation retried once the peer has moved the cursors on.
type ErrRingSmash struct {
	Prod, Cons uint32
	Size       uint32
}

func (e ErrRingSmash) Error() string {
	return fmt.Sprintf("ring smashed: prod %d cons %d exceeds size %d", e.Prod, e.Cons, e.Size)
}
