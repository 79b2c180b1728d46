package store

// SessionLockCount reports how many per-session lock entries s still holds.
func SessionLockCount(s *SQLiteStore) int {
	return s.locks.size()
}
