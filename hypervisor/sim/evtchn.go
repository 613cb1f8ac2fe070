package sim

import (
	"fmt"

	"github.com/frobware/go-pvio"
	"github.com/frobware/go-pvio/hypervisor"
)

func (d *Domain) allocPortLocked() (pvio.Port, error) {
	for p := range d.ports {
		if d.ports[p].kind == portFree {
			return pvio.Port(p), nil
		}
	}
	return 0, hypervisor.ErrNoFreePort
}

func (d *Domain) portLocked(p pvio.Port) (*portState, error) {
	if int(p) >= len(d.ports) || d.ports[p].kind == portFree || d.ports[p].kind == portReserved {
		return nil, fmt.Errorf("%s of %s: %w", p, d.id, hypervisor.ErrInvalidPort)
	}
	return &d.ports[p], nil
}

func (d *Domain) resolve(id pvio.DomainID) pvio.DomainID {
	if id == pvio.DomainSelf {
		return d.id
	}
	return id
}

// AllocUnbound allocates a port remote may connect to.
func (d *Domain) AllocUnbound(remote pvio.DomainID) (pvio.Port, error) {
	remote = d.resolve(remote)
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	if _, err := d.m.domainLocked(remote); err != nil {
		return 0, err
	}
	p, err := d.allocPortLocked()
	if err != nil {
		return 0, err
	}
	d.ports[p] = portState{kind: portUnbound, remote: remote}
	d.logger.Debug("port allocated", "port", p, "remote", remote)
	return p, nil
}

// BindInterdomain connects a new local port to remotePort.
func (d *Domain) BindInterdomain(remote pvio.DomainID, remotePort pvio.Port) (pvio.Port, error) {
	remote = d.resolve(remote)
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	rd, err := d.m.domainLocked(remote)
	if err != nil {
		return 0, err
	}
	rs, err := rd.portLocked(remotePort)
	if err != nil {
		return 0, err
	}
	if rs.kind != portUnbound {
		return 0, fmt.Errorf("%s of %s: %w", remotePort, remote, hypervisor.ErrPortInUse)
	}
	if rs.remote != d.id {
		return 0, fmt.Errorf("%s of %s reserved for %s: %w", remotePort, remote, rs.remote, hypervisor.ErrPermission)
	}
	p, err := d.allocPortLocked()
	if err != nil {
		return 0, err
	}
	d.ports[p] = portState{kind: portInterdomain, remote: remote, remotePort: remotePort}
	*rs = portState{kind: portInterdomain, remote: d.id, remotePort: p}
	d.logger.Debug("port connected", "port", p, "remote", remote, "remote_port", remotePort)
	return p, nil
}

// BindVIRQ allocates a port for a virtual IRQ.
func (d *Domain) BindVIRQ(v hypervisor.VIRQ) (pvio.Port, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	if _, ok := d.virqs[v]; ok {
		return 0, fmt.Errorf("%s: %w", v, hypervisor.ErrVIRQBound)
	}
	p, err := d.allocPortLocked()
	if err != nil {
		return 0, err
	}
	d.ports[p] = portState{kind: portVIRQ, virq: v}
	d.virqs[v] = p
	d.logger.Debug("virq bound", "port", p, "virq", v)
	return p, nil
}

// Send signals the peer of port.
func (d *Domain) Send(p pvio.Port) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	ps, err := d.portLocked(p)
	if err != nil {
		return err
	}
	switch ps.kind {
	case portInterdomain:
		rd, err := d.m.domainLocked(ps.remote)
		if err != nil {
			return err
		}
		rd.setPending(ps.remotePort)
		return nil
	case portUnbound:
		return fmt.Errorf("%s of %s: %w", p, d.id, hypervisor.ErrNotConnected)
	default:
		return fmt.Errorf("send on %s of %s: %w", p, d.id, hypervisor.ErrInvalidPort)
	}
}

// Unmask clears port's mask and redelivers it if it is still pending.
func (d *Domain) Unmask(p pvio.Port) error {
	if int(p) >= len(d.ports) {
		return fmt.Errorf("%s of %s: %w", p, d.id, hypervisor.ErrInvalidPort)
	}
	if d.shared.Unmask(0, p) {
		d.kick()
	}
	return nil
}

// Close frees port.
func (d *Domain) Close(p pvio.Port) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	ps, err := d.portLocked(p)
	if err != nil {
		return err
	}
	switch ps.kind {
	case portInterdomain:
		if rd, err := d.m.domainLocked(ps.remote); err == nil {
			rd.ports[ps.remotePort] = portState{kind: portUnbound, remote: d.id}
		}
	case portVIRQ:
		delete(d.virqs, ps.virq)
	}
	*ps = portState{}
	d.shared.ClearPending(p)
	d.logger.Debug("port closed", "port", p)
	return nil
}

// RaiseVIRQ signals the port bound to v, if any.
func (d *Domain) RaiseVIRQ(v hypervisor.VIRQ) bool {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	p, ok := d.virqs[v]
	if !ok {
		return false
	}
	d.setPending(p)
	return true
}

// Notify sets a pending bit on port directly, as the hypervisor would
// for an event whose origin is outside the simulation.
func (d *Domain) Notify(p pvio.Port) {
	d.setPending(p)
}
