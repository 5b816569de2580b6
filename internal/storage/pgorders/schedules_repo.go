package pgorders

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/orderhub/tracksync/internal/models"
	"github.com/pkg/errors"
)

const scheduleColumns = `
  id, name, interval_minutes, next_run,
  repeats, task_count, created_at, updated_at`

func scanSchedule(row pgx.Row) (*models.Schedule, error) {
	var sc models.Schedule
	err := row.Scan(
		&sc.ID, &sc.Name, &sc.IntervalMinutes, &sc.NextRun,
		&sc.Repeats, &sc.TaskCount, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *Storage) GetScheduleByName(ctx context.Context, name string) (*models.Schedule, error) {
	row := s.db.QueryRow(ctx, `SELECT`+scheduleColumns+` FROM schedules WHERE name = $1`, name)
	sc, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select schedule")
	}
	return sc, nil
}

func (s *Storage) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	rows, err := s.db.Query(ctx, `SELECT`+scheduleColumns+` FROM schedules ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "select schedules")
	}
	defer rows.Close()

	out := []*models.Schedule{}
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan schedule")
		}
		out = append(out, sc)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// CreateSchedule регистрирует именованную задачу. При гонке двух реплик
// выигрывает первая, вторая получает уже существующую строку.
func (s *Storage) CreateSchedule(ctx context.Context, name string, intervalMinutes int, nextRun time.Time) (*models.Schedule, error) {
	now := time.Now().UTC()

	row := s.db.QueryRow(ctx, `
INSERT INTO schedules (name, interval_minutes, next_run, repeats, task_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,0,$5,$5)
ON CONFLICT (name) DO UPDATE SET updated_at = schedules.updated_at
RETURNING`+scheduleColumns+`
`, name, intervalMinutes, nextRun.UTC(), models.RepeatsForever, now)

	sc, err := scanSchedule(row)
	if err != nil {
		return nil, errors.Wrap(err, "insert schedule")
	}
	return sc, nil
}

// ReplaceSchedule атомарно пересоздаёт регистрацию (force-рестарт).
func (s *Storage) ReplaceSchedule(ctx context.Context, name string, intervalMinutes int, nextRun time.Time) (*models.Schedule, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM schedules WHERE name = $1`, name); err != nil {
		return nil, errors.Wrap(err, "delete schedule")
	}

	now := time.Now().UTC()
	row := tx.QueryRow(ctx, `
INSERT INTO schedules (name, interval_minutes, next_run, repeats, task_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,0,$5,$5)
RETURNING`+scheduleColumns+`
`, name, intervalMinutes, nextRun.UTC(), models.RepeatsForever, now)

	sc, err := scanSchedule(row)
	if err != nil {
		return nil, errors.Wrap(err, "insert schedule")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return sc, nil
}

func (s *Storage) DeleteSchedules(ctx context.Context, name string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM schedules WHERE name = $1`, name)
	if err != nil {
		return 0, errors.Wrap(err, "delete schedules")
	}
	return tag.RowsAffected(), nil
}

// MarkScheduleRun фиксирует завершённый цикл: счётчик задач и следующий запуск.
func (s *Storage) MarkScheduleRun(ctx context.Context, name string, nextRun time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE schedules
SET task_count = task_count + 1, next_run = $2, updated_at = now()
WHERE name = $1
`, name, nextRun.UTC())
	return errors.Wrap(err, "mark schedule run")
}


