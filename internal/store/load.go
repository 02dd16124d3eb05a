package store

import (
	"encoding/json"
	"fmt"
)

// Load decodes table/id into *T, returning the identity-cached instance if
// one has already been loaded (or saved) in this process.
func Load[T any](s *Store, table, id string) (*T, error) {
	if cached, ok := s.cacheGet(table, id); ok {
		if v, ok := cached.(*T); ok {
			return v, nil
		}
	}
	raw, ok := s.RawRow(table, id)
	if !ok {
		return nil, fmt.Errorf("store: %s/%s not found", table, id)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("store: decode %s/%s: %w", table, id, err)
	}
	s.cachePut(table, id, &v)
	return &v, nil
}

// LoadAll decodes every row of table into []*T, in deterministic id order.
func LoadAll[T any](s *Store, table string) ([]*T, error) {
	raws := s.RawRows(table)
	out := make([]*T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", table, err)
		}
		out = append(out, &v)
	}
	return out, nil
}

// LoadWhere decodes every row of table whose decoded value satisfies pred.
func LoadWhere[T any](s *Store, table string, pred func(*T) bool) ([]*T, error) {
	all, err := LoadAll[T](s, table)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, v := range all {
		if pred(v) {
			out = append(out, v)
		}
	}
	return out, nil
}
