package pgorders

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// TrackingAPIKey возвращает ключ шлюза из последней активной записи настроек.
// Пустой ключ без ошибки означает, что интеграция не настроена.
func (s *Storage) TrackingAPIKey(ctx context.Context) (string, error) {
	var key string
	err := s.db.QueryRow(ctx, `
SELECT track123_api_key
FROM integration_settings
WHERE is_active AND btrim(track123_api_key) <> ''
ORDER BY id DESC
LIMIT 1
`).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "select tracking api key")
	}
	return key, nil
}

// SaveTrackingAPIKey создаёт новую активную запись настроек и деактивирует
// предыдущие.
func (s *Storage) SaveTrackingAPIKey(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE integration_settings SET is_active = FALSE, updated_at = now() WHERE is_active`); err != nil {
		return errors.Wrap(err, "deactivate settings")
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO integration_settings (track123_api_key, is_active, created_at, updated_at)
VALUES ($1, TRUE, now(), now())
`, key); err != nil {
		return errors.Wrap(err, "insert settings")
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}


