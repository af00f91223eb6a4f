// Package discovery implements spec §4.4's UDP peer discovery: a
// periodic broadcast Announce, a one-shot/on-demand Probe, and a
// unicast ProbeResponse, all carrying a node's advertised NodeInfo.
package discovery

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/dproc/dproc/internal/cluster"
)

// DefaultPort is spec §6's default discovery port.
const DefaultPort = 8081

// DefaultAnnounceInterval is spec §4.4's default Announce cadence.
const DefaultAnnounceInterval = 10 * time.Second

// devLocalhostPortSpan probes 127.0.0.1:<port> through
// 127.0.0.1:<port+devLocalhostPortSpan> in addition to the subnet
// broadcast address, so several dprocd instances on one dev box (each
// bound to a distinct port) still find each other without a real
// broadcast-capable NIC.
const devLocalhostPortSpan = 9

// Discovery owns the UDP socket and emits NodeDiscovered events for
// any previously-unknown node heard from.
type Discovery struct {
	self Info
	conn *net.UDPConn
	port int

	broadcastAddr *net.UDPAddr
	localAddrs    []*net.UDPAddr

	events chan cluster.Info
	log    *logrus.Entry

	group singleflight.Group
}

// Info is the payload a Discovery instance advertises about itself:
// the same cluster.Info carried in membership, so a discovered packet
// can be handed straight to Membership.AddNode.
type Info = cluster.Info

// New binds a UDP socket on port (0 uses DefaultPort) and prepares the
// broadcast/localhost fan-out targets.
func New(self Info, port int, log *logrus.Entry) (*Discovery, error) {
	if port == 0 {
		port = DefaultPort
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}

	d := &Discovery{
		self:          self,
		conn:          conn,
		port:          port,
		broadcastAddr: &net.UDPAddr{IP: net.IPv4bcast, Port: port},
		events:        make(chan cluster.Info, 64),
		log:           log,
	}
	for i := 0; i <= devLocalhostPortSpan; i++ {
		d.localAddrs = append(d.localAddrs, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port + i})
	}
	return d, nil
}

// Events returns discovered-node notifications. The caller (cmd/dprocd)
// feeds each into Membership.AddNode and dials the Wire layer.
func (d *Discovery) Events() <-chan cluster.Info { return d.events }

// Close releases the UDP socket.
func (d *Discovery) Close() error { return d.conn.Close() }

// Run blocks reading packets until stop fires or the socket errors.
func (d *Discovery) Run(stop <-chan struct{}) {
	go func() {
		<-stop
		d.conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
				d.log.WithError(err).Warn("discovery read failed, stopping")
				return
			}
		}
		d.handle(buf[:n], addr)
	}
}

func (d *Discovery) handle(data []byte, from *net.UDPAddr) {
	pkt, err := decodePacket(data)
	if err != nil {
		d.log.WithError(err).Debugf("discarding malformed discovery packet from %s", from)
		return
	}

	var info cluster.Info
	switch p := pkt.(type) {
	case announce:
		info = p.Self
	case probe:
		info = p.Self
		d.reply(from)
	case probeResponse:
		info = p.Self
	default:
		return
	}

	if info.ID == d.self.ID {
		return // our own packet looped back via broadcast/localhost fan-out
	}
	select {
	case d.events <- info:
	default:
		d.log.Warn("discovery event queue full, dropping NodeDiscovered")
	}
}

func (d *Discovery) reply(to *net.UDPAddr) {
	data, err := encodePacket(probeResponse{Self: d.self})
	if err != nil {
		d.log.WithError(err).Warn("encode ProbeResponse failed")
		return
	}
	if _, err := d.conn.WriteToUDP(data, to); err != nil {
		d.log.WithError(err).Debugf("ProbeResponse to %s failed", to)
	}
}

// AnnounceOnce sends a single Announce to the broadcast address and
// the dev localhost port span.
func (d *Discovery) AnnounceOnce() {
	data, err := encodePacket(announce{Self: d.self})
	if err != nil {
		d.log.WithError(err).Warn("encode Announce failed")
		return
	}
	d.fanOut(data)
}

// RunAnnounceLoop blocks, announcing at interval until stop fires.
func (d *Discovery) RunAnnounceLoop(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.AnnounceOnce()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.AnnounceOnce()
		}
	}
}

// Probe sends a one-shot Probe, per startup/on-demand discovery.
// Concurrent calls for the same process collapse onto a single
// send via singleflight, so a burst of on-demand probes (e.g. several
// dispatcher commands issued back to back while the cluster view is
// still empty) doesn't flood the network.
func (d *Discovery) Probe() error {
	_, err, _ := d.group.Do("probe", func() (interface{}, error) {
		data, err := encodePacket(probe{Self: d.self})
		if err != nil {
			return nil, err
		}
		d.fanOut(data)
		return nil, nil
	})
	return err
}

func (d *Discovery) fanOut(data []byte) {
	if _, err := d.conn.WriteToUDP(data, d.broadcastAddr); err != nil {
		d.log.WithError(err).Debug("broadcast send failed (no broadcast-capable interface?)")
	}
	for _, addr := range d.localAddrs {
		_, _ = d.conn.WriteToUDP(data, addr)
	}
}

// Port returns the bound UDP port (DefaultPort when New was given 0),
// for callers that log or advertise it.
func (d *Discovery) Port() int { return d.port }
