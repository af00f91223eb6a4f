package discovery

import (
	"bytes"
	"encoding/gob"

	"github.com/dproc/dproc/internal/cluster"
)

// packet is the closed set of UDP discovery payloads, spec §4.4.
// Mirrors wire.Message's tagged-interface-over-gob idiom but kept
// separate: these travel over UDP datagrams, not the TCP frame codec.
type packet interface {
	packetTag() string
}

func init() {
	gob.Register(announce{})
	gob.Register(probe{})
	gob.Register(probeResponse{})
}

type announce struct {
	Self cluster.Info
}

func (announce) packetTag() string { return "Announce" }

type probe struct {
	Self cluster.Info
}

func (probe) packetTag() string { return "Probe" }

type probeResponse struct {
	Self cluster.Info
}

func (probeResponse) packetTag() string { return "ProbeResponse" }

func encodePacket(p packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePacket(data []byte) (packet, error) {
	var p packet
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, err
	}
	return p, nil
}
