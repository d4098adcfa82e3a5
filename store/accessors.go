package store

import "encoding/json"

// LastSelectedModel returns the persisted model id, or "" if none recorded.
func (s *Store) LastSelectedModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv.Get(keyLastSelectedModel)
	if !ok {
		return ""
	}
	return string(v)
}

// SetLastSelectedModel persists modelID as the last selection.
func (s *Store) SetLastSelectedModel(modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Set(keyLastSelectedModel, []byte(modelID))
}

// ModelsCache returns the cached models response, if one was persisted.
func (s *Store) ModelsCache() (ModelsCache, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv.Get(keyModelsCache)
	if !ok {
		return ModelsCache{}, false
	}
	var cache ModelsCache
	if err := json.Unmarshal(v, &cache); err != nil {
		return ModelsCache{}, false
	}
	return cache, true
}

// SetModelsCache persists the given models cache.
func (s *Store) SetModelsCache(cache ModelsCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(cache)
	if err != nil {
		return err
	}
	return s.kv.Set(keyModelsCache, b)
}

// EnrichmentCache returns the cached per-model enrichment data, if any.
func (s *Store) EnrichmentCache() (EnrichmentCache, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv.Get(keyEnrichmentCache)
	if !ok {
		return EnrichmentCache{}, false
	}
	var cache EnrichmentCache
	if err := json.Unmarshal(v, &cache); err != nil {
		return EnrichmentCache{}, false
	}
	return cache, true
}

// SetEnrichmentCache persists the given enrichment cache.
func (s *Store) SetEnrichmentCache(cache EnrichmentCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cache.Version == 0 {
		cache.Version = 1
	}
	b, err := json.Marshal(cache)
	if err != nil {
		return err
	}
	return s.kv.Set(keyEnrichmentCache, b)
}

// RecordSessionStats stores the given stats as the session-stats record,
// replacing any previously recorded one.
func (s *Store) RecordSessionStats(stats SessionStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return s.kv.Set(keySessionStats, b)
}

// LastSessionStats returns the most recently recorded session-stats record.
func (s *Store) LastSessionStats() (SessionStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv.Get(keySessionStats)
	if !ok {
		return SessionStats{}, false
	}
	var stats SessionStats
	if err := json.Unmarshal(v, &stats); err != nil {
		return SessionStats{}, false
	}
	return stats, true
}
