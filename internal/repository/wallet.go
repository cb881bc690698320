package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/dispatch-system/internal/model"
)

func balanceTable(pt model.PartyType) (string, error) {
	switch pt {
	case model.PartyTypeExpert:
		return "experts", nil
	case model.PartyTypeAreaHead:
		return "area_heads", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownPartyType, pt)
	}
}

// entryDelta возвращает знаковое смещение баланса для записи журнала:
// положительное для credit, отрицательное для debit. Баланс владельца всегда
// равен начальному значению плюс сумма смещений всех его записей.
func entryDelta(e model.WalletTransaction) int64 {
	if e.TransactionType == model.TransactionTypeDebit {
		return -e.Amount
	}
	return e.Amount
}

// applyEntryTx добавляет одну запись в журнал операций и сдвигает кэшированный баланс
// владельца в рамках переданной транзакции. Существующие записи журнала не изменяются.
func applyEntryTx(ctx context.Context, tx pgx.Tx, e model.WalletTransaction) error {
	if e.Amount <= 0 {
		return fmt.Errorf("wallet entry amount must be positive, got %d", e.Amount)
	}

	table, err := balanceTable(e.UserType)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_transactions (user_type, user_id, amount, transaction_type, reason, description, booking_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.UserType), e.UserID, e.Amount, string(e.TransactionType), e.Reason, e.Description, e.BookingID,
	)
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE `+table+` SET wallet_balance = wallet_balance + $2 WHERE id = $1`,
		e.UserID, entryDelta(e),
	)
	if err != nil {
		return fmt.Errorf("update wallet balance: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		if e.UserType == model.PartyTypeExpert {
			return ErrExpertNotFound
		}
		return ErrAreaHeadNotFound
	}

	return nil
}

// ApplyWalletTransaction применяет одну проводку по кошельку отдельной транзакцией.
// Используется расчётом по заявке не напрямую (там проводки идут внутри CompleteBooking),
// а ручными корректировками администратора.
func (r *PostgresRepository) ApplyWalletTransaction(ctx context.Context, e model.WalletTransaction) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := applyEntryTx(ctx, tx, e); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GetWalletBalance возвращает кэшированный баланс владельца кошелька в пайсах.
func (r *PostgresRepository) GetWalletBalance(ctx context.Context, pt model.PartyType, id int64) (int64, error) {
	table, err := balanceTable(pt)
	if err != nil {
		return 0, err
	}

	var balance int64
	err = r.pool.QueryRow(ctx,
		`SELECT wallet_balance FROM `+table+` WHERE id = $1`, id,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if pt == model.PartyTypeExpert {
				return 0, ErrExpertNotFound
			}
			return 0, ErrAreaHeadNotFound
		}
		return 0, fmt.Errorf("get wallet balance: %w", err)
	}
	return balance, nil
}

// ListWalletTransactions возвращает историю операций владельца кошелька, новые первыми.
func (r *PostgresRepository) ListWalletTransactions(ctx context.Context, pt model.PartyType, id int64) ([]model.WalletTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_type, user_id, amount, transaction_type, reason, description, booking_id, created_at
		 FROM wallet_transactions
		 WHERE user_type = $1 AND user_id = $2
		 ORDER BY created_at DESC`,
		string(pt), id)
	if err != nil {
		return nil, fmt.Errorf("select wallet transactions: %w", err)
	}
	defer rows.Close()

	var res []model.WalletTransaction
	for rows.Next() {
		var t model.WalletTransaction
		err := rows.Scan(&t.ID, &t.UserType, &t.UserID, &t.Amount, &t.TransactionType,
			&t.Reason, &t.Description, &t.BookingID, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan wallet transaction: %w", err)
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// CreateWithdrawalRequest сохраняет заявку на вывод средств в статусе pending.
func (r *PostgresRepository) CreateWithdrawalRequest(ctx context.Context, req *model.WithdrawalRequest) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO withdrawal_requests (user_type, user_id, user_name, amount, payment_method, payment_details, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		string(req.UserType), req.UserID, req.UserName, req.Amount,
		req.PaymentMethod, req.PaymentDetails, string(model.WithdrawalStatusPending),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert withdrawal request: %w", err)
	}
	return id, nil
}

// ListWithdrawalRequests возвращает заявки на вывод средств, новые первыми.
func (r *PostgresRepository) ListWithdrawalRequests(ctx context.Context) ([]model.WithdrawalRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_type, user_id, user_name, amount, payment_method, payment_details, status, created_at
		 FROM withdrawal_requests
		 ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("select withdrawal requests: %w", err)
	}
	defer rows.Close()

	var res []model.WithdrawalRequest
	for rows.Next() {
		var w model.WithdrawalRequest
		err := rows.Scan(&w.ID, &w.UserType, &w.UserID, &w.UserName, &w.Amount,
			&w.PaymentMethod, &w.PaymentDetails, &w.Status, &w.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal request: %w", err)
		}
		res = append(res, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ApproveWithdrawal одобряет заявку на вывод средств: статус переводится в approved,
// и в той же транзакции с кошелька списывается ровно одна запись на сумму заявки.
// Повторное одобрение невозможно — строка заявки блокируется и перепроверяется.
func (r *PostgresRepository) ApproveWithdrawal(ctx context.Context, id int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var req model.WithdrawalRequest
		err = tx.QueryRow(ctx,
			`SELECT id, user_type, user_id, user_name, amount, status
			 FROM withdrawal_requests WHERE id = $1 FOR UPDATE`,
			id,
		).Scan(&req.ID, &req.UserType, &req.UserID, &req.UserName, &req.Amount, &req.Status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrWithdrawalNotFound
			}
			return fmt.Errorf("lock withdrawal request: %w", err)
		}
		if req.Status != model.WithdrawalStatusPending {
			return ErrWithdrawalNotPending
		}

		_, err = tx.Exec(ctx,
			`UPDATE withdrawal_requests SET status = $2 WHERE id = $1`,
			id, string(model.WithdrawalStatusApproved),
		)
		if err != nil {
			return fmt.Errorf("approve withdrawal: %w", err)
		}

		entry := model.WalletTransaction{
			UserType:        req.UserType,
			UserID:          req.UserID,
			Amount:          req.Amount,
			TransactionType: model.TransactionTypeDebit,
			Reason:          "withdrawal",
			Description:     fmt.Sprintf("Withdrawal request #%d approved", req.ID),
		}
		if err := applyEntryTx(ctx, tx, entry); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}
