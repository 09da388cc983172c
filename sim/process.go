package sim

import (
	"github.com/ehrlich-b/go-virtionet/internal/wire"
)

// Step services every queue once: transmit chains are consumed, control
// commands answered, and pending frames written into receive buffers. It
// returns the number of chains completed. The interrupt, if any, is raised
// after processing, on the caller's goroutine.
func (d *Device) Step() int {
	d.stepMu.Lock()
	n, irq := d.step()
	peer, out := d.peer, d.outbound
	d.outbound = nil
	d.stepMu.Unlock()

	if irq {
		d.raise()
	}
	for _, frame := range out {
		if err := peer.Inject(frame); err != nil {
			d.logger.Debugf("cable: %v", err)
		}
	}
	return n
}

func (d *Device) step() (int, bool) {
	d.mu.Lock()
	live := d.status&wire.StatusDriverOK != 0 && d.status&wire.StatusFailed == 0
	guest := d.guest
	d.kicked = [wire.NumQueues]bool{}
	d.mu.Unlock()
	if !live {
		return 0, false
	}

	irq := false
	total := 0
	run := func(idx int, fn func(q *devQueue) int) {
		q := &d.queues[idx]
		if !q.attached() {
			return
		}
		n := fn(q)
		if n == 0 {
			return
		}
		q.publish()
		total += n
		if q.wantsInterrupt() {
			irq = true
		}
	}

	run(wire.QueueTransmit, d.processTX)
	if guest&wire.NetFeatureCtrlVQ != 0 {
		run(wire.QueueControl, d.processCtrl)
	}
	run(wire.QueueReceive, d.processRX)

	if irq {
		d.mu.Lock()
		d.isr |= wire.ISRQueue
		d.mu.Unlock()
	}
	return total, irq
}

func (d *Device) processTX(q *devQueue) int {
	n := 0
	for {
		head, ok := q.pop()
		if !ok {
			return n
		}
		n++
		segs, err := q.walk(head)
		if err != nil {
			d.badChain(wire.QueueTransmit, head, err)
			q.complete(head, 0)
			continue
		}
		pkt := gather(segs)
		if len(pkt) <= wire.NetHdrSize {
			d.badChain(wire.QueueTransmit, head, errBadChain)
			q.complete(head, 0)
			continue
		}
		frame := pkt[wire.NetHdrSize:]
		d.tx = append(d.tx, frame)
		if d.cfg.Loopback && len(d.rxq) < maxPendingRX {
			d.rxq = append(d.rxq, frame)
		}
		if d.peer != nil {
			d.outbound = append(d.outbound, frame)
		}

		d.mu.Lock()
		d.stats.TXFrames++
		d.stats.TXBytes += uint64(len(frame))
		d.mu.Unlock()
		q.complete(head, 0)
	}
}

func (d *Device) processCtrl(q *devQueue) int {
	n := 0
	for {
		head, ok := q.pop()
		if !ok {
			return n
		}
		n++
		segs, err := q.walk(head)
		if err != nil {
			d.badChain(wire.QueueControl, head, err)
			q.complete(head, 0)
			continue
		}

		cmd := gather(segs)
		rec := CtrlCommand{Ack: wire.CtrlAckErr}
		if hdr, err := wire.GetCtrlHdr(cmd); err == nil {
			rec.Class = hdr.Class
			rec.Cmd = hdr.Cmd
			rec.Data = cmd[wire.CtrlHdrSize:]
			rec.Ack = d.apply(rec)
		}
		d.ctrl = append(d.ctrl, rec)

		d.mu.Lock()
		d.stats.CtrlCommands++
		d.mu.Unlock()
		q.complete(head, uint32(scatter(segs, []byte{rec.Ack})))
	}
}

// apply executes one control command and returns its ack
func (d *Device) apply(c CtrlCommand) uint8 {
	if c.Class != wire.CtrlClassRX || len(c.Data) < wire.CtrlRXCommandSize {
		return wire.CtrlAckErr
	}
	on := c.Data[0] != 0

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.guest&wire.NetFeatureCtrlRX == 0 {
		return wire.CtrlAckErr
	}
	switch c.Cmd {
	case wire.CtrlRXPromisc:
		d.promisc = on
	case wire.CtrlRXAllMulti:
		d.allmulti = on
	default:
		return wire.CtrlAckErr
	}
	return wire.CtrlAckOK
}

func (d *Device) processRX(q *devQueue) int {
	n := 0
	for len(d.rxq) > 0 {
		head, ok := q.pop()
		if !ok {
			// frames wait for the driver to post buffers
			return n
		}
		n++
		segs, err := q.walk(head)
		if err != nil {
			d.badChain(wire.QueueReceive, head, err)
			q.complete(head, 0)
			continue
		}

		frame := d.rxq[0]
		d.rxq = d.rxq[1:]
		pkt := make([]byte, wire.NetHdrSize+len(frame))
		wire.NetHdr{}.Put(pkt)
		copy(pkt[wire.NetHdrSize:], frame)
		written := scatter(segs, pkt)

		d.mu.Lock()
		if written < len(pkt) {
			d.stats.RXTruncated++
		}
		d.stats.RXFrames++
		d.stats.RXBytes += uint64(len(frame))
		d.mu.Unlock()
		q.complete(head, uint32(written))
	}
	return n
}

func (d *Device) badChain(queue int, head uint16, err error) {
	d.mu.Lock()
	d.stats.BadChains++
	d.mu.Unlock()
	d.logger.Warn("dropping descriptor chain", "queue", queue, "head", head, "error", err.Error())
}
