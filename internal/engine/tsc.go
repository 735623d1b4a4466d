// File: internal/engine/tsc.go
// Author: momentics <momentics@gmail.com>
//
// Link-idle pacing clock. The design notes' rdtsc() has no portable,
// assembly-free equivalent in Go; nowNanos stands in for it using
// time.Now().UnixNano(), a wall-clock reading (UnixNano does not use the
// monotonic reading time.Now() carries), the same nanosecond-
// resolution pacing primitive the teacher's concurrency.Scheduler uses
// for delayed execution. sched_byte_budget_tsc_per_byte becomes
// nsPerByte: nanoseconds of link-idle time charged per byte sent,
// semantically identical to the cycles-per-byte it replaces.
package engine

import "time"

func nowNanos() int64 { return time.Now().UnixNano() }
