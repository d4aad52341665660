package main

import (
	"log"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// receiveStats counts RTP packets of one remote track and the gaps in its
// sequence numbers.
type receiveStats struct {
	packets int
	lost    int
	started bool
	lastSeq uint16
}

func (s *receiveStats) add(pkt *rtp.Packet) {
	s.packets++
	if s.started {
		// uint16 arithmetic wraps with the sequence number.
		if gap := pkt.SequenceNumber - s.lastSeq; gap > 1 && gap < 1<<15 {
			s.lost += int(gap - 1)
		}
	}
	s.started = true
	s.lastSeq = pkt.SequenceNumber
}

// receive drains a remote track so its buffers never fill, logging totals
// once the track ends.
func receive(track *webrtc.TrackRemote) {
	var stats receiveStats
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			break
		}
		stats.add(pkt)
	}
	log.Printf("CALL: remote %s track %s ended: %d packets, %d lost", track.Kind(), track.ID(), stats.packets, stats.lost)
}
