package pgorders

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS packing_slips (
  id BIGSERIAL PRIMARY KEY,
  order_id TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'new_order',
  tracking_ids TEXT NOT NULL DEFAULT '',
  tracking_vendor TEXT NOT NULL DEFAULT '',
  tracking_status TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (order_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_packing_slips_status ON packing_slips(status)`,
		`
CREATE TABLE IF NOT EXISTS schedules (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  interval_minutes INT NOT NULL,
  next_run TIMESTAMPTZ NOT NULL,
  repeats INT NOT NULL DEFAULT -1,
  task_count INT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (name)
)`,
		`
CREATE TABLE IF NOT EXISTS integration_settings (
  id BIGSERIAL PRIMARY KEY,
  track123_api_key TEXT NOT NULL DEFAULT '',
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS user_activities (
  id BIGSERIAL PRIMARY KEY,
  user_name TEXT NOT NULL DEFAULT '',
  action TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_user_activities_created_at ON user_activities(created_at DESC)`,
		// Migration for tables imported from the old dashboard
		// (tracking fields used to be nullable there).
		`UPDATE packing_slips SET tracking_ids = '' WHERE tracking_ids IS NULL`,
		`UPDATE packing_slips SET tracking_vendor = '' WHERE tracking_vendor IS NULL`,
		`UPDATE packing_slips SET tracking_status = '' WHERE tracking_status IS NULL`,
		`ALTER TABLE packing_slips ALTER COLUMN tracking_ids SET DEFAULT ''`,
		`ALTER TABLE packing_slips ALTER COLUMN tracking_vendor SET DEFAULT ''`,
		`ALTER TABLE packing_slips ALTER COLUMN tracking_status SET DEFAULT ''`,
		`ALTER TABLE packing_slips ALTER COLUMN tracking_ids SET NOT NULL`,
		`ALTER TABLE packing_slips ALTER COLUMN tracking_vendor SET NOT NULL`,
		`ALTER TABLE packing_slips ALTER COLUMN tracking_status SET NOT NULL`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}


