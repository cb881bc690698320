// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/dispatch-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrBookingNotFound возвращается, если заявка не найдена.
var (
	ErrBookingNotFound = errors.New("booking not found")
	// ErrExpertNotFound возвращается, если исполнитель не найден.
	ErrExpertNotFound = errors.New("expert not found")
	// ErrAreaHeadNotFound возвращается, если территориальный менеджер не найден.
	ErrAreaHeadNotFound = errors.New("area head not found")
	// ErrBookingNotPending возвращается при попытке назначить исполнителя на заявку не в статусе pending.
	ErrBookingNotPending = errors.New("booking is not pending")
	// ErrStaleCandidate возвращается, если выбранный исполнитель уже не одобрен или ушёл со смены.
	ErrStaleCandidate = errors.New("candidate no longer eligible")
	// ErrAlreadyFinalized возвращается при попытке перехода из конечного статуса.
	ErrAlreadyFinalized = errors.New("booking already finalized")
	// ErrStatusConflict возвращается, если статус заявки изменился между чтением и записью.
	ErrStatusConflict = errors.New("booking status changed concurrently")
	// ErrAlreadySettled возвращается, если расчёт по заявке уже выполнен другим запросом.
	ErrAlreadySettled = errors.New("booking already settled")
	// ErrWithdrawalNotFound возвращается, если заявка на вывод средств не найдена.
	ErrWithdrawalNotFound = errors.New("withdrawal request not found")
	// ErrWithdrawalNotPending возвращается, если заявка на вывод уже обработана.
	ErrWithdrawalNotPending = errors.New("withdrawal request is not pending")
	// ErrInsufficientBalance возвращается при попытке вывести сумму, превышающую баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUnknownPartyType возвращается для неизвестного типа владельца кошелька.
	ErrUnknownPartyType = errors.New("unknown party type")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при сериализационных сбоях и дедлоках.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const bookingColumns = `id, service_name, category, total_amount, address, latitude, longitude,
	 payment_mode, payment_status, status, expert_id, area_head_id, platform_fee, expert_payout,
	 created_at, completed_at`

func scanBooking(row pgx.Row) (*model.Booking, error) {
	var b model.Booking
	err := row.Scan(
		&b.ID, &b.ServiceName, &b.Category, &b.TotalAmount, &b.Address, &b.Latitude, &b.Longitude,
		&b.PaymentMode, &b.PaymentStatus, &b.Status, &b.ExpertID, &b.AreaHeadID, &b.PlatformFee,
		&b.ExpertPayout, &b.CreatedAt, &b.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBooking сохраняет новую заявку и возвращает её идентификатор.
func (r *PostgresRepository) CreateBooking(ctx context.Context, b *model.Booking) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO bookings (service_name, category, total_amount, address, latitude, longitude,
		                       payment_mode, payment_status, status, area_head_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		b.ServiceName, b.Category, b.TotalAmount, b.Address, b.Latitude, b.Longitude,
		string(b.PaymentMode), string(b.PaymentStatus), string(model.BookingStatusPending), b.AreaHeadID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert booking: %w", err)
	}
	return id, nil
}

// GetBooking возвращает заявку по идентификатору.
func (r *PostgresRepository) GetBooking(ctx context.Context, id int64) (*model.Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

// ListBookings возвращает заявки для диспетчерской доски, новые первыми.
func (r *PostgresRepository) ListBookings(ctx context.Context) ([]model.Booking, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+bookingColumns+` FROM bookings ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("select bookings: %w", err)
	}
	defer rows.Close()

	return collectBookings(rows)
}

// ListBookingsByExpert возвращает заявки исполнителя в указанных статусах.
func (r *PostgresRepository) ListBookingsByExpert(ctx context.Context, expertID int64, statuses []model.BookingStatus) ([]model.Booking, error) {
	ss := make([]string, 0, len(statuses))
	for _, s := range statuses {
		ss = append(ss, string(s))
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE expert_id = $1 AND status = ANY($2)
		 ORDER BY created_at DESC`,
		expertID, ss)
	if err != nil {
		return nil, fmt.Errorf("select expert bookings: %w", err)
	}
	defer rows.Close()

	return collectBookings(rows)
}

func collectBookings(rows pgx.Rows) ([]model.Booking, error) {
	var bookings []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		bookings = append(bookings, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return bookings, nil
}

const expertColumns = `id, name, phone, service_category, city, is_verified, status, is_active,
	 latitude, longitude, wallet_balance`

func scanExpert(row pgx.Row) (*model.Expert, error) {
	var e model.Expert
	err := row.Scan(
		&e.ID, &e.Name, &e.Phone, &e.ServiceCategory, &e.City, &e.IsVerified, &e.Status,
		&e.IsActive, &e.Latitude, &e.Longitude, &e.WalletBalance,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListActiveExperts возвращает одобренных исполнителей на смене.
func (r *PostgresRepository) ListActiveExperts(ctx context.Context) ([]model.Expert, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+expertColumns+` FROM experts
		 WHERE status = $1 AND is_active = TRUE
		 ORDER BY id`,
		string(model.ExpertStatusApproved))
	if err != nil {
		return nil, fmt.Errorf("select active experts: %w", err)
	}
	defer rows.Close()

	var experts []model.Expert
	for rows.Next() {
		e, err := scanExpert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expert: %w", err)
		}
		experts = append(experts, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return experts, nil
}

// GetExpert возвращает исполнителя по идентификатору.
func (r *PostgresRepository) GetExpert(ctx context.Context, id int64) (*model.Expert, error) {
	e, err := scanExpert(r.pool.QueryRow(ctx,
		`SELECT `+expertColumns+` FROM experts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExpertNotFound
		}
		return nil, fmt.Errorf("get expert: %w", err)
	}
	return e, nil
}

// GetAreaHead возвращает территориального менеджера по идентификатору.
func (r *PostgresRepository) GetAreaHead(ctx context.Context, id int64) (*model.AreaHead, error) {
	var a model.AreaHead
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, assigned_area, employment_type, compensation_value, wallet_balance, status
		 FROM area_heads WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.AssignedArea, &a.EmploymentType, &a.CompensationValue, &a.WalletBalance, &a.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAreaHeadNotFound
		}
		return nil, fmt.Errorf("get area head: %w", err)
	}
	return &a, nil
}

// AssignExpert привязывает исполнителя к заявке и переводит её в статус assigned
// одним условным обновлением. Пригодность исполнителя перепроверяется в той же
// транзакции: между показом списка и выбором он мог уйти со смены.
func (r *PostgresRepository) AssignExpert(ctx context.Context, bookingID, expertID int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var status string
		var active bool
		err = tx.QueryRow(ctx,
			`SELECT status, is_active FROM experts WHERE id = $1 FOR UPDATE`,
			expertID,
		).Scan(&status, &active)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrExpertNotFound
			}
			return fmt.Errorf("lock expert: %w", err)
		}
		if model.ExpertStatus(status) != model.ExpertStatusApproved || !active {
			return ErrStaleCandidate
		}

		cmdTag, err := tx.Exec(ctx,
			`UPDATE bookings SET expert_id = $2, status = $3 WHERE id = $1 AND status = $4`,
			bookingID, expertID, string(model.BookingStatusAssigned), string(model.BookingStatusPending),
		)
		if err != nil {
			return fmt.Errorf("assign expert: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			var cur string
			err = tx.QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1`, bookingID).Scan(&cur)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrBookingNotFound
			}
			if err != nil {
				return fmt.Errorf("check booking status: %w", err)
			}
			return fmt.Errorf("%w: status %s", ErrBookingNotPending, cur)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// UpdateBookingStatus переводит заявку из статуса from в статус to условным обновлением.
// Если заявка уже не в статусе from, обновление не применяется.
func (r *PostgresRepository) UpdateBookingStatus(ctx context.Context, id int64, from, to model.BookingStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE bookings SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("update booking status: %w", err)
	}
	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var cur string
	err = r.pool.QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrBookingNotFound
	}
	if err != nil {
		return fmt.Errorf("check booking status: %w", err)
	}
	if model.BookingStatus(cur).IsTerminal() {
		return fmt.Errorf("%w: status %s", ErrAlreadyFinalized, cur)
	}
	return fmt.Errorf("%w: status %s", ErrStatusConflict, cur)
}

// CancelBooking переводит заявку в статус cancelled из любого неконечного статуса.
// Финансовых последствий у отмены нет: расчёт запускается только из in_progress,
// который отмена упреждает.
func (r *PostgresRepository) CancelBooking(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE bookings SET status = $2
		 WHERE id = $1 AND status NOT IN ($3, $4)`,
		id, string(model.BookingStatusCancelled),
		string(model.BookingStatusCompleted), string(model.BookingStatusCancelled),
	)
	if err != nil {
		return fmt.Errorf("cancel booking: %w", err)
	}
	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var cur string
	err = r.pool.QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrBookingNotFound
	}
	if err != nil {
		return fmt.Errorf("check booking status: %w", err)
	}
	return fmt.Errorf("%w: status %s", ErrAlreadyFinalized, cur)
}

// CompleteBooking завершает заявку и применяет расчёт одной транзакцией: условный
// перевод in_progress -> completed, запись комиссии и выплаты, проводки по кошелькам.
// Если статус уже не in_progress, расчёт не выполняется — защита от двойного
// проведения при гонке двух запросов на завершение.
func (r *PostgresRepository) CompleteBooking(ctx context.Context, id int64, platformFee, expertPayout int64, entries []model.WalletTransaction) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE bookings
			 SET status = $2, platform_fee = $3, expert_payout = $4, completed_at = now()
			 WHERE id = $1 AND status = $5`,
			id, string(model.BookingStatusCompleted), platformFee, expertPayout,
			string(model.BookingStatusInProgress),
		)
		if err != nil {
			return fmt.Errorf("complete booking: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			var cur string
			err = tx.QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1`, id).Scan(&cur)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrBookingNotFound
			}
			if err != nil {
				return fmt.Errorf("check booking status: %w", err)
			}
			if model.BookingStatus(cur).IsTerminal() {
				return fmt.Errorf("%w: status %s", ErrAlreadySettled, cur)
			}
			return fmt.Errorf("%w: status %s", ErrStatusConflict, cur)
		}

		for _, e := range entries {
			if err := applyEntryTx(ctx, tx, e); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// UpdatePaymentStatus обновляет состояние оплаты заявки.
func (r *PostgresRepository) UpdatePaymentStatus(ctx context.Context, id int64, status model.PaymentStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE bookings SET payment_status = $2 WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrBookingNotFound
	}
	return nil
}

// GetBookingsAwaitingPayment возвращает идентификаторы онлайн-заявок, ожидающих
// подтверждения оплаты.
func (r *PostgresRepository) GetBookingsAwaitingPayment(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM bookings
		 WHERE payment_mode = $1 AND payment_status = $2
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.PaymentModeOnline), string(model.PaymentStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("select awaiting payment: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan booking id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return ids, nil
}

// UpdateExpertLocation записывает свежие координаты исполнителя. Последняя запись
// побеждает, упорядочивание пингов не требуется.
func (r *PostgresRepository) UpdateExpertLocation(ctx context.Context, id int64, lat, lon float64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE experts SET latitude = $2, longitude = $3 WHERE id = $1`,
		id, lat, lon,
	)
	if err != nil {
		return fmt.Errorf("update expert location: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrExpertNotFound
	}
	return nil
}

// SetExpertDuty включает или выключает смену исполнителя. При выходе на смену
// записывается стартовая координата, если она передана.
func (r *PostgresRepository) SetExpertDuty(ctx context.Context, id int64, active bool, lat, lon *float64) error {
	var cmdTag pgconn.CommandTag
	var err error
	if lat != nil && lon != nil {
		cmdTag, err = r.pool.Exec(ctx,
			`UPDATE experts SET is_active = $2, latitude = $3, longitude = $4 WHERE id = $1`,
			id, active, *lat, *lon,
		)
	} else {
		cmdTag, err = r.pool.Exec(ctx,
			`UPDATE experts SET is_active = $2 WHERE id = $1`,
			id, active,
		)
	}
	if err != nil {
		return fmt.Errorf("set expert duty: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrExpertNotFound
	}
	return nil
}
