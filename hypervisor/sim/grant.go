package sim

import (
	"fmt"

	"github.com/frobware/go-pvio"
	"github.com/frobware/go-pvio/hypervisor"
)

// Mapping is a foreign page mapped through a grant.
type Mapping struct {
	Page  []byte
	Frame pvio.MachineFrame

	d       *Domain
	granter pvio.DomainID
	ref     pvio.GrantRef
	write   bool
	done    bool
}

// MapGrant maps the page granter shared under ref into d. The grant
// must name d and permit writes unless readOnly is set.
func (d *Domain) MapGrant(granter pvio.DomainID, ref pvio.GrantRef, readOnly bool) (*Mapping, error) {
	m := d.m
	m.mu.Lock()
	defer m.mu.Unlock()

	gd, err := m.domainLocked(granter)
	if err != nil {
		return nil, err
	}
	e, err := gd.entryLocked(ref)
	if err != nil {
		return nil, err
	}
	flags := e.Flags()
	if flags.Type() != hypervisor.PermitAccess {
		return nil, fmt.Errorf("map %s of %s (%s): %w", ref, granter, flags, hypervisor.ErrBadGrant)
	}
	if e.Domain() != d.id {
		return nil, fmt.Errorf("map %s of %s granted to %s: %w", ref, granter, e.Domain(), hypervisor.ErrPermission)
	}
	if !readOnly && flags&hypervisor.ReadOnly != 0 {
		return nil, fmt.Errorf("writable map of read-only %s of %s: %w", ref, granter, hypervisor.ErrPermission)
	}
	mfn := pvio.MachineFrame(e.Frame())
	if uint64(mfn) >= uint64(len(m.owner)) || m.owner[mfn] != granter {
		return nil, fmt.Errorf("%s of %s names %s it does not own: %w", ref, granter, mfn, hypervisor.ErrPermission)
	}

	bits := hypervisor.Reading
	if !readOnly {
		bits |= hypervisor.Writing
	}
	e.OrFlags(bits)

	key := mapKey{granter, ref}
	c := m.maps[key]
	if c == nil {
		c = &mapCount{}
		m.maps[key] = c
	}
	c.readers++
	if !readOnly {
		c.writers++
	}
	d.logger.Debug("grant mapped", "granter", granter, "ref", ref, "frame", mfn, "writable", !readOnly)
	return &Mapping{
		Page:    m.arena.Page(mfn),
		Frame:   mfn,
		d:       d,
		granter: granter,
		ref:     ref,
		write:   !readOnly,
	}, nil
}

// Unmap drops the mapping. The granter's in-use bits clear once the
// last mapping of the entry is gone.
func (mp *Mapping) Unmap() error {
	m := mp.d.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if mp.done {
		return fmt.Errorf("%s of %s already unmapped", mp.ref, mp.granter)
	}
	mp.done = true

	key := mapKey{mp.granter, mp.ref}
	c := m.maps[key]
	c.readers--
	if mp.write {
		c.writers--
	}
	clearBits := hypervisor.GrantFlags(0)
	if c.writers == 0 {
		clearBits |= hypervisor.Writing
	}
	if c.readers == 0 {
		clearBits |= hypervisor.Reading
		delete(m.maps, key)
	}
	if gd, err := m.domainLocked(mp.granter); err == nil {
		if e, err := gd.entryLocked(mp.ref); err == nil {
			e.AndNotFlags(clearBits)
		}
	}
	mp.Page = nil
	return nil
}

// Transfer is a committed page transfer into another domain.
type Transfer struct {
	d       *Domain
	granter pvio.DomainID
	ref     pvio.GrantRef
	entry   *hypervisor.GrantEntry
}

// CommitTransfer claims an AcceptTransfer grant of granter naming d.
// The receiving side observes TransferCommitted from this point on.
func (d *Domain) CommitTransfer(granter pvio.DomainID, ref pvio.GrantRef) (*Transfer, error) {
	m := d.m
	m.mu.Lock()
	defer m.mu.Unlock()

	gd, err := m.domainLocked(granter)
	if err != nil {
		return nil, err
	}
	e, err := gd.entryLocked(ref)
	if err != nil {
		return nil, err
	}
	flags := e.Flags()
	if flags.Type() != hypervisor.AcceptTransfer || flags&hypervisor.TransferCommitted != 0 {
		return nil, fmt.Errorf("transfer into %s of %s (%s): %w", ref, granter, flags, hypervisor.ErrBadGrant)
	}
	if e.Domain() != d.id {
		return nil, fmt.Errorf("transfer into %s of %s granted to %s: %w", ref, granter, e.Domain(), hypervisor.ErrPermission)
	}
	if !e.CompareAndSwapFlags(flags, flags|hypervisor.TransferCommitted) {
		return nil, fmt.Errorf("transfer into %s of %s raced with revoke: %w", ref, granter, hypervisor.ErrBadGrant)
	}
	return &Transfer{d: d, granter: granter, ref: ref, entry: e}, nil
}

// Complete moves the frame behind the sender's gfn to the granter and
// publishes it in the grant entry. gfn stays allocated but unpopulated;
// the sender repopulates it with IncreaseReservation or frees it.
func (t *Transfer) Complete(gfn pvio.GuestFrame) (pvio.MachineFrame, error) {
	d := t.d
	mfn, err := d.physmap.Release(gfn)
	if err != nil {
		return 0, fmt.Errorf("transfer %s: %w", gfn, err)
	}

	d.m.mu.Lock()
	d.m.owner[mfn] = t.granter
	d.m.mu.Unlock()

	t.entry.SetFrame(uint64(mfn))
	t.entry.OrFlags(hypervisor.TransferCompleted)
	d.logger.Debug("grant transferred", "granter", t.granter, "ref", t.ref, "frame", mfn)
	return mfn, nil
}

// TransferGrant commits and completes a transfer in one step.
func (d *Domain) TransferGrant(granter pvio.DomainID, ref pvio.GrantRef, gfn pvio.GuestFrame) (pvio.MachineFrame, error) {
	t, err := d.CommitTransfer(granter, ref)
	if err != nil {
		return 0, err
	}
	return t.Complete(gfn)
}
