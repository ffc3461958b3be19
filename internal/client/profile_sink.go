package client

import (
	"context"

	"otp-service/internal/store"
)

// ProfileSink ships query profiles to the ClickHouse analytics table.
type ProfileSink struct {
	ch *ClickHouseClient
}

func NewProfileSink(ch *ClickHouseClient) *ProfileSink {
	return &ProfileSink{ch: ch}
}

func (s *ProfileSink) WriteProfiles(ctx context.Context, profiles []store.QueryProfile) error {
	data := make([][]interface{}, 0, len(profiles))
	for _, p := range profiles {
		data = append(data, []interface{}{
			p.Operation,
			p.Duration.Microseconds(),
			p.CacheHit,
			uint32(p.Rows),
			p.Slow,
			p.Failed,
			p.Timestamp,
		})
	}

	return s.ch.BatchInsert(ctx,
		`INSERT INTO query_profiles (operation, duration_us, cache_hit, rows, slow, failed, recorded_at)`,
		data)
}
