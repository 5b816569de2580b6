package pgorders

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/orderhub/tracksync/internal/models"
	"github.com/pkg/errors"
)

const slipColumns = `
  id, order_id, status,
  tracking_ids, tracking_vendor, tracking_status,
  created_at, updated_at`

func scanSlip(row pgx.Row) (*models.PackingSlip, error) {
	var p models.PackingSlip
	err := row.Scan(
		&p.ID, &p.OrderID, &p.Status,
		&p.TrackingIDs, &p.TrackingVendor, &p.TrackingStatus,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Storage) GetPackingSlip(ctx context.Context, id uint64) (*models.PackingSlip, error) {
	row := s.db.QueryRow(ctx, `SELECT`+slipColumns+` FROM packing_slips WHERE id = $1`, id)
	p, err := scanSlip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select packing slip")
	}
	return p, nil
}

func (s *Storage) GetPackingSlipByOrderID(ctx context.Context, orderID string) (*models.PackingSlip, error) {
	row := s.db.QueryRow(ctx, `SELECT`+slipColumns+` FROM packing_slips WHERE order_id = $1`, orderID)
	p, err := scanSlip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select packing slip by order id")
	}
	return p, nil
}

// ListEligibleOrders выбирает отправленные заказы, у которых есть трекинг и
// которые ещё не доставлены. Только чтение: никакой брони строк, изоляция
// обеспечивается атомарным per-order апдейтом.
func (s *Storage) ListEligibleOrders(ctx context.Context, limit int) ([]*models.PackingSlip, error) {
	q := `
SELECT` + slipColumns + `
FROM packing_slips
WHERE status = $1
  AND btrim(tracking_ids) <> ''
  AND btrim(tracking_vendor) <> ''
  AND lower(btrim(tracking_status)) <> 'delivered'
ORDER BY id`
	args := []any{models.OrderStatusShipped}
	if limit > 0 {
		q += `
LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select eligible orders")
	}
	defer rows.Close()

	out := []*models.PackingSlip{}
	for rows.Next() {
		p, err := scanSlip(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan eligible order")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

type TrackingStatusUpdate struct {
	SlipID uint64

	TrackingStatus string

	// Delivered promotes the order status to delivered in the same write.
	Delivered bool

	CheckedAt time.Time
}

// ApplyTrackingStatus записывает новый статус одним атомарным апдейтом строки.
func (s *Storage) ApplyTrackingStatus(ctx context.Context, upd TrackingStatusUpdate) error {
	tag, err := s.db.Exec(ctx, `
UPDATE packing_slips
SET
  tracking_status = $2,
  status = CASE WHEN $3 THEN $4 ELSE status END,
  updated_at = now()
WHERE id = $1
`, upd.SlipID, upd.TrackingStatus, upd.Delivered, models.OrderStatusDelivered)
	if err != nil {
		return errors.Wrap(err, "update tracking status")
	}
	if tag.RowsAffected() == 0 {
		// Заказ удалили, пока мы ходили к провайдеру.
		return ErrNotFound
	}
	return nil
}


