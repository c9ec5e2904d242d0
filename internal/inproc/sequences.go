package inproc

import "sync"

// Sequences hands out operation, message and connection IDs for internal
// operations. Internal connection IDs are negative so they never collide with
// network connections.
type Sequences struct {
	mu               sync.Mutex
	nextOperationID  int64
	nextMessageID    int32
	nextConnectionID int64
}

// NewSequences returns counters in their initial state: operation IDs from 0,
// message IDs from 1 and connection IDs from -1 downwards.
func NewSequences() *Sequences {
	return &Sequences{
		nextOperationID:  0,
		nextMessageID:    1,
		nextConnectionID: -1,
	}
}

// NextOperationID returns the next operation ID. After the counter overflows
// it yields 0 once and continues from 1.
func (s *Sequences) NextOperationID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextOperationID
	if id < 0 {
		s.nextOperationID = 1
		return 0
	}
	s.nextOperationID++
	return id
}

// NextMessageID returns the next message ID. After the counter overflows it
// yields 1 once and continues from 2.
func (s *Sequences) NextMessageID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextMessageID
	if id < 0 {
		s.nextMessageID = 2
		return 1
	}
	s.nextMessageID++
	return id
}

// NextConnectionID returns the next internal connection ID.
func (s *Sequences) NextConnectionID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextConnectionID
	s.nextConnectionID--
	return id
}
