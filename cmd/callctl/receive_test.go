package main

import (
	"testing"

	"github.com/pion/rtp"
)

func TestReceiveStatsCountsGaps(t *testing.T) {
	var s receiveStats
	for _, seq := range []uint16{65533, 65534, 1, 2, 5} {
		s.add(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}})
	}
	if s.packets != 5 {
		t.Errorf("Expected 5 packets, got %d", s.packets)
	}
	// 65535 and 0 are missing across the wrap, then 3 and 4.
	if s.lost != 4 {
		t.Errorf("Expected 4 lost, got %d", s.lost)
	}
}

func TestReceiveStatsIgnoresReordering(t *testing.T) {
	var s receiveStats
	for _, seq := range []uint16{10, 12, 11} {
		s.add(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}})
	}
	if s.lost != 1 {
		t.Errorf("Expected 1 lost, got %d", s.lost)
	}
}
