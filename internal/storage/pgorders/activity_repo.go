package pgorders

import (
	"context"

	"github.com/pkg/errors"
)

// AddUserActivity пишет строку аудита ручных действий с трекингом.
func (s *Storage) AddUserActivity(ctx context.Context, userName, action string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO user_activities (user_name, action, created_at)
VALUES ($1, $2, now())
`, userName, action)
	return errors.Wrap(err, "insert user activity")
}


