package store

import (
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
)

// runJanitor sweeps every partition bucket for documents whose TTL
// has elapsed since their last write, deleting them. bbolt has no
// native expiry, so this loop is the store's substitute for it.
func (s *Store) runJanitor() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Store) sweepExpired() {
	now := s.clk.Now().Unix()
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			if len(name) < len(partitionBucketPrefix) || string(name[:len(partitionBucketPrefix)]) != partitionBucketPrefix {
				return nil
			}
			var expired [][]byte
			c := b.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var h struct {
					TTL int   `json:"ttl"`
					TS   int64 `json:"_ts"`
				}
				if err := json.Unmarshal(v, &h); err != nil {
					continue
				}
				if h.TTL > 0 && h.TS > 0 && now-h.TS >= int64(h.TTL) {
					expired = append(expired, append([]byte(nil), k...))
				}
			}
			for _, k := range expired {
				_ = b.Delete(k)
			}
			return nil
		})
	})
}
