// Package service реализует бизнес-логику сервиса диспетчеризации.
package service

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/dispatch-system/internal/dispatch"
	"github.com/mmeshcher/dispatch-system/internal/geocoder"
	"github.com/mmeshcher/dispatch-system/internal/lifecycle"
	"github.com/mmeshcher/dispatch-system/internal/model"
	"github.com/mmeshcher/dispatch-system/internal/payment"
	"github.com/mmeshcher/dispatch-system/internal/repository"
	"github.com/mmeshcher/dispatch-system/internal/settlement"
)

var (
	// ErrPaymentFailed возвращается, когда платёжный шлюз отклонил онлайн-оплату заявки.
	ErrPaymentFailed = errors.New("online payment failed")
	// ErrNotBoundExpert возвращается, когда переход по заявке запрашивает чужой исполнитель.
	ErrNotBoundExpert = errors.New("expert is not bound to booking")
	// ErrInvalidInput возвращается при некорректных входных данных операции.
	ErrInvalidInput = errors.New("invalid input")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateBooking(ctx context.Context, b *model.Booking) (int64, error)
	GetBooking(ctx context.Context, id int64) (*model.Booking, error)
	ListBookings(ctx context.Context) ([]model.Booking, error)
	ListBookingsByExpert(ctx context.Context, expertID int64, statuses []model.BookingStatus) ([]model.Booking, error)
	ListActiveExperts(ctx context.Context) ([]model.Expert, error)
	GetExpert(ctx context.Context, id int64) (*model.Expert, error)
	GetAreaHead(ctx context.Context, id int64) (*model.AreaHead, error)
	AssignExpert(ctx context.Context, bookingID, expertID int64) error
	UpdateBookingStatus(ctx context.Context, id int64, from, to model.BookingStatus) error
	CancelBooking(ctx context.Context, id int64) error
	CompleteBooking(ctx context.Context, id int64, platformFee, expertPayout int64, entries []model.WalletTransaction) error
	UpdatePaymentStatus(ctx context.Context, id int64, status model.PaymentStatus) error
	GetBookingsAwaitingPayment(ctx context.Context, limit int) ([]int64, error)
	UpdateExpertLocation(ctx context.Context, id int64, lat, lon float64) error
	SetExpertDuty(ctx context.Context, id int64, active bool, lat, lon *float64) error
	ApplyWalletTransaction(ctx context.Context, e model.WalletTransaction) error
	GetWalletBalance(ctx context.Context, pt model.PartyType, id int64) (int64, error)
	ListWalletTransactions(ctx context.Context, pt model.PartyType, id int64) ([]model.WalletTransaction, error)
	CreateWithdrawalRequest(ctx context.Context, req *model.WithdrawalRequest) (int64, error)
	ListWithdrawalRequests(ctx context.Context) ([]model.WithdrawalRequest, error)
	ApproveWithdrawal(ctx context.Context, id int64) error
}

// Service содержит бизнес-логику сервиса диспетчеризации.
type Service struct {
	repo              Repository
	geocoderClient    *geocoder.Client
	paymentClient     *payment.Client
	commissionPercent int64
	logger            *zap.Logger
}

// NewService создаёт новый сервис. Клиенты геокодера и платёжного шлюза необязательны:
// без геокодера адрес подставляется из координат, без шлюза онлайн-оплата недоступна.
func NewService(repo Repository, gc *geocoder.Client, pc *payment.Client, commissionPercent int64, logger *zap.Logger) *Service {
	if commissionPercent <= 0 || commissionPercent >= 100 {
		commissionPercent = settlement.DefaultCommissionPercent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:              repo,
		geocoderClient:    gc,
		paymentClient:     pc,
		commissionPercent: commissionPercent,
		logger:            logger,
	}
}

// rupeesToPaise переводит сумму в рупиях в пайсы с округлением до ближайшего пайса.
func rupeesToPaise(rupees float64) int64 {
	return int64(math.Round(rupees * 100))
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// BookingInput описывает параметры создания заявки. Сумма указывается в рупиях.
type BookingInput struct {
	ServiceName  string
	Category     string
	AmountRupees float64
	Address      string
	Latitude     *float64
	Longitude    *float64
	PaymentMode  model.PaymentMode
	AreaHeadID   *int64
}

// CreateBooking создаёт заявку. Пустой адрес восстанавливается обратным геокодированием
// по координатам, при недоступности геокодера подставляется строка с координатами.
// Для онлайн-оплаты сначала проводится списание через платёжный шлюз.
func (s *Service) CreateBooking(ctx context.Context, in BookingInput) (*model.Booking, error) {
	if in.ServiceName == "" || in.AmountRupees <= 0 {
		return nil, ErrInvalidInput
	}

	switch in.PaymentMode {
	case model.PaymentModeCash, model.PaymentModeOnline:
	case "":
		in.PaymentMode = model.PaymentModeCash
	default:
		return nil, ErrInvalidInput
	}

	address := in.Address
	if address == "" && in.Latitude != nil && in.Longitude != nil {
		resolved, err := s.geocoderClient.ReverseGeocode(ctx, *in.Latitude, *in.Longitude)
		if err != nil {
			resolved = geocoder.FallbackAddress(*in.Latitude, *in.Longitude)
		}
		address = resolved
	}

	b := &model.Booking{
		ServiceName:   in.ServiceName,
		Category:      in.Category,
		TotalAmount:   rupeesToPaise(in.AmountRupees),
		Address:       address,
		Latitude:      in.Latitude,
		Longitude:     in.Longitude,
		PaymentMode:   in.PaymentMode,
		PaymentStatus: model.PaymentStatusPending,
		Status:        model.BookingStatusPending,
		AreaHeadID:    in.AreaHeadID,
	}

	id, err := s.repo.CreateBooking(ctx, b)
	if err != nil {
		return nil, err
	}
	b.ID = id

	if in.PaymentMode == model.PaymentModeOnline && s.paymentClient != nil {
		res, err := s.paymentClient.Charge(ctx, id, b.TotalAmount)
		if err != nil || !res.Success {
			// Заявка с неуспешной оплатой не должна попасть в диспетчеризацию.
			if cancelErr := s.repo.CancelBooking(ctx, id); cancelErr != nil {
				s.logger.Error("cancel booking after failed charge",
					zap.Int64("bookingID", id), zap.Error(cancelErr))
			} else {
				b.Status = model.BookingStatusCancelled
			}
			return b, ErrPaymentFailed
		}
		if err := s.repo.UpdatePaymentStatus(ctx, id, model.PaymentStatusPaid); err != nil {
			return b, err
		}
		b.PaymentStatus = model.PaymentStatusPaid
	}

	return b, nil
}

// DispatchBoard возвращает все заявки для доски диспетчера.
func (s *Service) DispatchBoard(ctx context.Context) ([]model.Booking, error) {
	return s.repo.ListBookings(ctx)
}

// GetBooking возвращает заявку по идентификатору.
func (s *Service) GetBooking(ctx context.Context, id int64) (*model.Booking, error) {
	return s.repo.GetBooking(ctx, id)
}

// Candidates возвращает подходящих исполнителей для заявки, отсортированных
// по удалённости от места работы.
func (s *Service) Candidates(ctx context.Context, bookingID int64) ([]dispatch.Candidate, error) {
	b, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	roster, err := s.repo.ListActiveExperts(ctx)
	if err != nil {
		return nil, err
	}

	eligible := dispatch.Eligible(b.ServiceName, b.Category, roster)
	if len(eligible) == 0 {
		return nil, dispatch.ErrNoEligibleExpert
	}

	return dispatch.Rank(eligible, b.Latitude, b.Longitude), nil
}

// Assign назначает исполнителя на заявку. Назначение возможно только из статуса pending,
// исполнитель перепроверяется на пригодность в момент назначения.
func (s *Service) Assign(ctx context.Context, bookingID, expertID int64) error {
	return s.repo.AssignExpert(ctx, bookingID, expertID)
}

// AcceptJob переводит заявку в статус accepted от имени назначенного исполнителя.
func (s *Service) AcceptJob(ctx context.Context, expertID, bookingID int64) error {
	return s.expertTransition(ctx, expertID, bookingID, lifecycle.EventAccept)
}

// StartJob переводит заявку в статус in_progress от имени назначенного исполнителя.
func (s *Service) StartJob(ctx context.Context, expertID, bookingID int64) error {
	return s.expertTransition(ctx, expertID, bookingID, lifecycle.EventStart)
}

func (s *Service) expertTransition(ctx context.Context, expertID, bookingID int64, event lifecycle.Event) error {
	b, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}

	if b.ExpertID == nil || *b.ExpertID != expertID {
		return ErrNotBoundExpert
	}

	next, err := lifecycle.Next(b.Status, event, lifecycle.ActorExpert)
	if err != nil {
		return err
	}

	return s.repo.UpdateBookingStatus(ctx, bookingID, b.Status, next)
}

// CompleteJob завершает заявку и проводит расчёт за одну транзакцию: фиксация статуса,
// комиссия платформы, выплата исполнителю и комиссия территориального менеджера.
// Повторное завершение не проводит расчёт второй раз.
func (s *Service) CompleteJob(ctx context.Context, expertID, bookingID int64) error {
	b, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}

	if b.ExpertID == nil || *b.ExpertID != expertID {
		return ErrNotBoundExpert
	}

	if _, err := lifecycle.Next(b.Status, lifecycle.EventComplete, lifecycle.ActorExpert); err != nil {
		return err
	}

	var areaHead *model.AreaHead
	if b.AreaHeadID != nil {
		areaHead, err = s.repo.GetAreaHead(ctx, *b.AreaHeadID)
		if err != nil {
			return err
		}
		if areaHead.Status != model.AreaHeadStatusActive {
			areaHead = nil
		}
	}

	res, err := settlement.Calculate(*b, areaHead, s.commissionPercent)
	if err != nil {
		return err
	}

	return s.repo.CompleteBooking(ctx, bookingID, res.PlatformFee, res.ExpertPayout, res.Entries)
}

// CancelBooking отменяет заявку от имени указанного участника. Отмена возможна
// из любого неконечного статуса, но только диспетчером или клиентом.
func (s *Service) CancelBooking(ctx context.Context, actor lifecycle.Actor, bookingID int64) error {
	b, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}

	if _, err := lifecycle.Next(b.Status, lifecycle.EventCancel, actor); err != nil {
		return err
	}

	return s.repo.CancelBooking(ctx, bookingID)
}

// ExpertJobs возвращает заявки исполнителя: активные и завершённые.
func (s *Service) ExpertJobs(ctx context.Context, expertID int64) ([]model.Booking, error) {
	statuses := []model.BookingStatus{
		model.BookingStatusAssigned,
		model.BookingStatusAccepted,
		model.BookingStatusInProgress,
		model.BookingStatusCompleted,
	}
	return s.repo.ListBookingsByExpert(ctx, expertID, statuses)
}

// UpdateLocation обновляет координаты исполнителя.
func (s *Service) UpdateLocation(ctx context.Context, expertID int64, lat, lon float64) error {
	return s.repo.UpdateExpertLocation(ctx, expertID, lat, lon)
}

// SetDuty включает или выключает смену исполнителя. При выходе на смену можно
// сразу передать стартовые координаты.
func (s *Service) SetDuty(ctx context.Context, expertID int64, active bool, lat, lon *float64) error {
	return s.repo.SetExpertDuty(ctx, expertID, active, lat, lon)
}

// WalletBalance возвращает баланс кошелька в рупиях.
func (s *Service) WalletBalance(ctx context.Context, pt model.PartyType, id int64) (float64, error) {
	balance, err := s.repo.GetWalletBalance(ctx, pt, id)
	if err != nil {
		return 0, err
	}
	return float64(balance) / 100, nil
}

// WalletTransactions возвращает журнал операций по кошельку.
func (s *Service) WalletTransactions(ctx context.Context, pt model.PartyType, id int64) ([]model.WalletTransaction, error) {
	return s.repo.ListWalletTransactions(ctx, pt, id)
}

// AdjustWallet проводит ручную корректировку кошелька администратором.
// Корректировка оформляется обычной записью журнала, существующие записи не трогаются.
func (s *Service) AdjustWallet(ctx context.Context, pt model.PartyType, id int64, amountRupees float64, txType model.TransactionType, description string) error {
	amount := rupeesToPaise(amountRupees)
	if amount <= 0 {
		return ErrInvalidInput
	}
	if txType != model.TransactionTypeCredit && txType != model.TransactionTypeDebit {
		return ErrInvalidInput
	}

	return s.repo.ApplyWalletTransaction(ctx, model.WalletTransaction{
		UserType:        pt,
		UserID:          id,
		Amount:          amount,
		TransactionType: txType,
		Reason:          "admin_adjustment",
		Description:     description,
	})
}

// RequestWithdrawal создаёт заявку на вывод средств. Сумма не может превышать
// текущий баланс кошелька на момент запроса.
func (s *Service) RequestWithdrawal(ctx context.Context, pt model.PartyType, id int64, amountRupees float64, method, details string) (int64, error) {
	amount := rupeesToPaise(amountRupees)
	if amount <= 0 {
		return 0, ErrInvalidInput
	}

	balance, err := s.repo.GetWalletBalance(ctx, pt, id)
	if err != nil {
		return 0, err
	}
	if amount > balance {
		return 0, repository.ErrInsufficientBalance
	}

	return s.repo.CreateWithdrawalRequest(ctx, &model.WithdrawalRequest{
		UserType:       pt,
		UserID:         id,
		Amount:         amount,
		PaymentMethod:  method,
		PaymentDetails: details,
		Status:         model.WithdrawalStatusPending,
	})
}

// ApproveWithdrawal одобряет заявку на вывод и списывает средства с кошелька.
func (s *Service) ApproveWithdrawal(ctx context.Context, id int64) error {
	return s.repo.ApproveWithdrawal(ctx, id)
}

// ListWithdrawals возвращает все заявки на вывод средств.
func (s *Service) ListWithdrawals(ctx context.Context) ([]model.WithdrawalRequest, error) {
	return s.repo.ListWithdrawalRequests(ctx)
}

// StartPaymentUpdates запускает фоновый процесс опроса платёжного шлюза по заявкам
// с незавершённой онлайн-оплатой.
func (s *Service) StartPaymentUpdates(ctx context.Context) {
	if s.paymentClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processPaymentBatch(ctx)
			}
		}
	}()
}

func (s *Service) processPaymentBatch(ctx context.Context) {
	ids, err := s.repo.GetBookingsAwaitingPayment(ctx, 100)
	if err != nil {
		s.logger.Error("select bookings awaiting payment", zap.Error(err))
		return
	}

	for _, id := range ids {
		state, statusCode, retryAfter, err := s.paymentClient.GetPaymentState(ctx, id)
		if err != nil {
			s.logger.Error("get payment state", zap.Int64("bookingID", id), zap.Error(err))
			continue
		}

		if statusCode == http.StatusTooManyRequests {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if state == nil {
			continue
		}

		switch state.Status {
		case payment.StatePaid:
			if err := s.repo.UpdatePaymentStatus(ctx, id, model.PaymentStatusPaid); err != nil {
				s.logger.Error("update payment status", zap.Int64("bookingID", id), zap.Error(err))
			}
		case payment.StateFailed:
			// Окончательно неуспешная оплата выводит заявку из окна опроса,
			// иначе она навсегда занимает место в выборке.
			if err := s.repo.UpdatePaymentStatus(ctx, id, model.PaymentStatusFailed); err != nil {
				s.logger.Error("update payment status", zap.Int64("bookingID", id), zap.Error(err))
			}
		}
	}
}
