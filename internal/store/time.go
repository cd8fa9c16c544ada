package store

import "time"

// nowMs returns the current UTC time in epoch milliseconds. All timestamps
// in the core are UTC epoch milliseconds (spec §3, §9).
func nowMs() int64 {
	return time.Now().UTC().UnixMilli()
}
