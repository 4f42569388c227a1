package usecase

import "time"

func (q *ExecutionQueue) SetClock(now func() time.Time) { q.now = now }

func (r *ConnectionRegistry) SetClock(now func() time.Time) { r.now = now }

func (m *HeartbeatMonitor) SetClock(now func() time.Time) { m.now = now }

var RoundLot = roundLot
