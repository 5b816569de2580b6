package pgorders

import (
	"context"
	"testing"
	"time"

	"github.com/orderhub/tracksync/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "tracksync_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/tracksync_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func insertSlip(t *testing.T, st *Storage, orderID, status, ids, vendor, trackingStatus string) uint64 {
	t.Helper()
	var id uint64
	err := st.db.QueryRow(context.Background(), `
INSERT INTO packing_slips (order_id, status, tracking_ids, tracking_vendor, tracking_status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5, now(), now())
RETURNING id
`, orderID, status, ids, vendor, trackingStatus).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestPGOrders_RepoFlow(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	// Кандидаты на обновление: только shipped с трекингом и не delivered.
	eligibleID := insertSlip(t, st, "111-001", models.OrderStatusShipped, "A1,B2", "ups", "In Transit")
	insertSlip(t, st, "111-002", models.OrderStatusShipped, "C3", "fedex", "Delivered")
	insertSlip(t, st, "111-003", models.OrderStatusShipped, "  ", "usps", "")
	insertSlip(t, st, "111-004", models.OrderStatusShipped, "D4", "", "")
	insertSlip(t, st, "111-005", models.OrderStatusInProduction, "E5", "ups", "")

	got, err := st.ListEligibleOrders(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, eligibleID, got[0].ID)
	require.Equal(t, "111-001", got[0].OrderID)

	// Регистр статуса не важен для исключения.
	_, err = st.db.Exec(ctx, `UPDATE packing_slips SET tracking_status = 'DELIVERED ' WHERE id = $1`, eligibleID)
	require.NoError(t, err)
	got, err = st.ListEligibleOrders(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = st.db.Exec(ctx, `UPDATE packing_slips SET tracking_status = 'In Transit' WHERE id = $1`, eligibleID)
	require.NoError(t, err)

	// Обычное обновление не трогает статус заказа.
	err = st.ApplyTrackingStatus(ctx, TrackingStatusUpdate{
		SlipID:         eligibleID,
		TrackingStatus: "Out for Delivery - On vehicle",
		CheckedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	p, err := st.GetPackingSlip(ctx, eligibleID)
	require.NoError(t, err)
	require.Equal(t, "Out for Delivery - On vehicle", p.TrackingStatus)
	require.Equal(t, models.OrderStatusShipped, p.Status)

	// Доставка продвигает и статус заказа.
	err = st.ApplyTrackingStatus(ctx, TrackingStatusUpdate{
		SlipID:         eligibleID,
		TrackingStatus: models.DeliveredStatusText,
		Delivered:      true,
		CheckedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	p, err = st.GetPackingSlipByOrderID(ctx, "111-001")
	require.NoError(t, err)
	require.Equal(t, models.DeliveredStatusText, p.TrackingStatus)
	require.Equal(t, models.OrderStatusDelivered, p.Status)

	got, err = st.ListEligibleOrders(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	// Не найденные строки.
	_, err = st.GetPackingSlip(ctx, 999999)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetPackingSlipByOrderID(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
	err = st.ApplyTrackingStatus(ctx, TrackingStatusUpdate{SlipID: 999999, TrackingStatus: "x"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPGOrders_ListEligibleOrders_Limit(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	for _, oid := range []string{"222-001", "222-002", "222-003"} {
		insertSlip(t, st, oid, models.OrderStatusShipped, "N-"+oid, "usps", "")
	}

	got, err := st.ListEligibleOrders(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestPGOrders_Schedules(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	_, err := st.GetScheduleByName(ctx, models.TrackingScheduleName)
	require.ErrorIs(t, err, ErrNotFound)

	next := time.Now().UTC().Add(30 * time.Minute)
	created, err := st.CreateSchedule(ctx, models.TrackingScheduleName, 30, next)
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	require.Equal(t, 30, created.IntervalMinutes)
	require.Equal(t, models.RepeatsForever, created.Repeats)
	require.WithinDuration(t, next, created.NextRun, time.Second)

	// Повторная регистрация возвращает ту же строку.
	again, err := st.CreateSchedule(ctx, models.TrackingScheduleName, 99, next.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, created.ID, again.ID)
	require.Equal(t, 30, again.IntervalMinutes)

	// Force-рестарт пересоздаёт регистрацию с новым интервалом.
	replaced, err := st.ReplaceSchedule(ctx, models.TrackingScheduleName, 60, next)
	require.NoError(t, err)
	require.NotEqual(t, created.ID, replaced.ID)
	require.Equal(t, 60, replaced.IntervalMinutes)

	list, err := st.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, st.MarkScheduleRun(ctx, models.TrackingScheduleName, next.Add(time.Hour)))
	sc, err := st.GetScheduleByName(ctx, models.TrackingScheduleName)
	require.NoError(t, err)
	require.Equal(t, 1, sc.TaskCount)
	require.WithinDuration(t, next.Add(time.Hour), sc.NextRun, time.Second)

	n, err := st.DeleteSchedules(ctx, models.TrackingScheduleName)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = st.DeleteSchedules(ctx, models.TrackingScheduleName)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPGOrders_SettingsAndActivity(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	key, err := st.TrackingAPIKey(ctx)
	require.NoError(t, err)
	require.Equal(t, "", key)

	require.NoError(t, st.SaveTrackingAPIKey(ctx, "key-1"))
	require.NoError(t, st.SaveTrackingAPIKey(ctx, "key-2"))

	key, err = st.TrackingAPIKey(ctx)
	require.NoError(t, err)
	require.Equal(t, "key-2", key)

	// Пустые и неактивные записи не считаются.
	require.NoError(t, st.SaveTrackingAPIKey(ctx, ""))
	key, err = st.TrackingAPIKey(ctx)
	require.NoError(t, err)
	require.Equal(t, "", key)

	require.NoError(t, st.AddUserActivity(ctx, "system", "triggered tracking update for order 111-001"))
	var n int
	require.NoError(t, st.db.QueryRow(ctx, `SELECT count(*) FROM user_activities WHERE user_name = 'system'`).Scan(&n))
	require.Equal(t, 1, n)
}


