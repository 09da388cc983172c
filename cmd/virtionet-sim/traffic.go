package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ehrlich-b/go-virtionet"
	"github.com/ehrlich-b/go-virtionet/internal/logging"
)

// headerBytes is the Ethernet, IPv4 and UDP overhead of a generated frame
const headerBytes = 14 + 20 + 8

// busyBackoff is how long the generator waits after the transmit queue
// refused a frame
const busyBackoff = 50 * time.Microsecond

// buildFrame returns a UDP datagram from src to dst whose payload starts
// with the big-endian sequence number seq
func buildFrame(src, dst net.HardwareAddr, seq uint32, payloadSize int) ([]byte, error) {
	eth := &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 2, 15),
		DstIP:    net.IPv4(10, 0, 2, 2),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 9}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	payload := make([]byte, max(payloadSize, 4))
	binary.BigEndian.PutUint32(payload, seq)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// result summarizes one generator run
type result struct {
	Sent      int
	Busy      int
	Delivered uint64
	Elapsed   time.Duration
}

// deliveredFunc reports how many frames reached the receiving side
type deliveredFunc func() uint64

// generate transmits cfg.Count frames from src to dst, retrying refused
// frames, then waits up to cfg.Timeout for them to arrive
func generate(ctx context.Context, cfg Config, src *virtionet.Device, dst net.HardwareAddr, delivered deliveredFunc, logger *logging.Logger) (res result, err error) {
	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	var tick <-chan time.Time
	if cfg.Interval > 0 {
		t := time.NewTicker(cfg.Interval)
		defer t.Stop()
		tick = t.C
	}

	for res.Sent < cfg.Count {
		var frame []byte
		frame, err = buildFrame(src.MACAddress(), dst, uint32(res.Sent), cfg.PayloadSize)
		if err != nil {
			return res, fmt.Errorf("building frame %d: %w", res.Sent, err)
		}

		for {
			err = src.Transmit(frame)
			if !virtionet.IsCode(err, virtionet.ErrCodeBusy) {
				break
			}
			res.Busy++
			select {
			case <-ctx.Done():
				return res, nil
			case <-time.After(busyBackoff):
			}
		}
		if err != nil {
			return res, fmt.Errorf("transmitting frame %d: %w", res.Sent, err)
		}
		res.Sent++

		if tick != nil {
			select {
			case <-ctx.Done():
				return res, nil
			case <-tick:
			}
		}
	}
	logger.Debug("all frames submitted", "sent", res.Sent, "busy", res.Busy)

	timeout := time.NewTimer(cfg.Timeout)
	defer timeout.Stop()
	poll := time.NewTicker(time.Millisecond)
	defer poll.Stop()
	for {
		res.Delivered = delivered()
		if res.Delivered >= uint64(res.Sent) {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, nil
		case <-timeout.C:
			return res, fmt.Errorf("%d of %d frames delivered after %v", res.Delivered, res.Sent, cfg.Timeout)
		case <-poll.C:
		}
	}
}
