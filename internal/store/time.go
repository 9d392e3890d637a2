package store

import "time"

// nowUTC returns the current time in UTC, so the queue writers never
// need a caller-supplied timestamp just to record "updated now".
func nowUTC() time.Time { return time.Now().UTC() }
