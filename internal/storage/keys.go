package storage

// Key naming for agent-job data. All keys share the store's prefix.

func (s *Store) jobKey(id string) string { return s.prefix + "job:" + id }

func (s *Store) historyKey(userID string) string { return s.prefix + "user:" + userID + ":history" }

func (s *Store) claimKey(id string) string { return s.prefix + "claim:" + id }

// pendingKey is the sorted set of unfinished job ids scored by last dispatch or start time
func (s *Store) pendingKey() string { return s.prefix + "pending" }
