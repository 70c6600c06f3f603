package subscription

import "sync/atomic"

// Stats is a point-in-time snapshot of the manager's counters.
// UnknownEvents counts inbound frames whose event_type matched no
// handler.
type Stats struct {
	TotalUpdates     uint64
	ArbOpportunities uint64
	MessagesReceived uint64
	BytesReceived    uint64
	Resyncs          uint64
	UnknownEvents    uint64
}

// statsCounters holds the live atomics, incremented on the network
// worker and read from any goroutine.
type statsCounters struct {
	totalUpdates     atomic.Uint64
	arbOpportunities atomic.Uint64
	messagesReceived atomic.Uint64
	bytesReceived    atomic.Uint64
	resyncs          atomic.Uint64
	unknownEvents    atomic.Uint64
}

func (s *statsCounters) snapshot() Stats {
	return Stats{
		TotalUpdates:     s.totalUpdates.Load(),
		ArbOpportunities: s.arbOpportunities.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		Resyncs:          s.resyncs.Load(),
		UnknownEvents:    s.unknownEvents.Load(),
	}
}
