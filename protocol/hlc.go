package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultMaxClockDrift = 60 * time.Second

// Timestamp is a hybrid logical clock stamp: a (wall, counter, node) triple.
// Successive stamps returned by one HLC instance are strictly increasing in
// (Wall, Counter) lexicographic order.
type Timestamp struct {
	Wall    time.Time
	Counter uint64
	NodeID  string
}

// Less reports whether t precedes other in (wall, counter, node) order.
func (t Timestamp) Less(other Timestamp) bool {
	if !t.Wall.Equal(other.Wall) {
		return t.Wall.Before(other.Wall)
	}
	if t.Counter != other.Counter {
		return t.Counter < other.Counter
	}
	return t.NodeID < other.NodeID
}

// String encodes the stamp as "<iso8601>:<counter>:<nodeId>", per spec.md §4.1.
func (t Timestamp) String() string {
	return fmt.Sprintf("%s:%d:%s", t.Wall.UTC().Format(time.RFC3339Nano), t.Counter, t.NodeID)
}

// ParseTimestamp decodes a wire-format HLC stamp produced by String.
func ParseTimestamp(s string) (Timestamp, error) {
	// String always writes the wall clock in UTC RFC3339Nano form, which holds
	// exactly two ':' (hh:mm:ss); the first three ':'-separated fields are
	// therefore the wall time, the fourth the counter, and the rest (which may
	// itself contain ':') the node id.
	parts := strings.SplitN(s, ":", 5)
	if len(parts) != 5 {
		return Timestamp{}, fmt.Errorf("malformed hlc timestamp %q", s)
	}
	wallStr := strings.Join(parts[:3], ":")
	wall, err := time.Parse(time.RFC3339Nano, wallStr)
	if err != nil {
		return Timestamp{}, fmt.Errorf("malformed hlc wall time %q: %w", wallStr, err)
	}
	counter, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("malformed hlc counter %q: %w", parts[3], err)
	}
	return Timestamp{Wall: wall, Counter: counter, NodeID: parts[4]}, nil
}

// HLC is a monotonic hybrid logical clock shared by a single application
// context (C9). It is safe for concurrent use.
type HLC struct {
	mu            sync.Mutex
	last          Timestamp
	nodeID        string
	maxClockDrift time.Duration
	now           func() time.Time
}

// NewHLC constructs an HLC for the given node id. maxDrift <= 0 selects the
// spec default of 60 seconds.
func NewHLC(nodeID string, maxDrift time.Duration) *HLC {
	if maxDrift <= 0 {
		maxDrift = defaultMaxClockDrift
	}
	return &HLC{
		nodeID:        nodeID,
		maxClockDrift: maxDrift,
		now:           time.Now,
		last:          Timestamp{NodeID: nodeID},
	}
}

// Update advances the clock using the current wall time and returns the new
// stamp. It fails with KindStateInvalid if doing so would require the stamp
// to exceed now+maxClockDrift (i.e. the locally held `last` stamp has drifted
// too far ahead of wall time already).
func (h *HLC) Update() (Timestamp, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.advanceLocked(h.now(), 0)
}

// UpdateWith merges a peer stamp into the clock: the new local stamp is
// max(local.wall, peer.wall, now), with the counter advanced to preserve
// strict monotonicity. Used by receivers/executors to fold a request's or
// telemetry message's __ts header into the local clock before dispatch.
func (h *HLC) UpdateWith(peer Timestamp) (Timestamp, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.advanceLocked(peer.Wall, peer.Counter)
}

// advanceLocked implements the standard HLC merge (Kulkarni et al.): the new
// wall is max(local.wall, candidateWall, physical now); the counter resets to
// zero unless the new wall ties one of the inputs it was drawn from, in which
// case it advances past whichever counter(s) tied. Must be called with mu
// held. candidateWall/candidateCounter may be the zero Timestamp fields when
// there is no peer input (a plain local Update).
func (h *HLC) advanceLocked(candidateWall time.Time, candidateCounter uint64) (Timestamp, error) {
	now := h.now()
	wall := now
	if candidateWall.After(wall) {
		wall = candidateWall
	}
	if h.last.Wall.After(wall) {
		wall = h.last.Wall
	}

	if wall.After(now.Add(h.maxClockDrift)) {
		return Timestamp{}, ShallowError(KindStateInvalid, fmt.Sprintf(
			"hlc stamp %s exceeds max drift %s ahead of now", wall.Format(time.RFC3339Nano), h.maxClockDrift))
	}

	var counter uint64
	tiesLocal := wall.Equal(h.last.Wall)
	tiesPeer := wall.Equal(candidateWall) && !candidateWall.IsZero()
	switch {
	case tiesLocal && tiesPeer:
		counter = max64(h.last.Counter, candidateCounter) + 1
	case tiesLocal:
		counter = h.last.Counter + 1
	case tiesPeer:
		counter = candidateCounter + 1
	default:
		counter = 0
	}

	next := Timestamp{Wall: wall, Counter: counter, NodeID: h.nodeID}
	h.last = next
	return next, nil
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
