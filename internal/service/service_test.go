package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmeshcher/dispatch-system/internal/dispatch"
	"github.com/mmeshcher/dispatch-system/internal/lifecycle"
	"github.com/mmeshcher/dispatch-system/internal/model"
	"github.com/mmeshcher/dispatch-system/internal/payment"
	"github.com/mmeshcher/dispatch-system/internal/repository"
)

type stubRepo struct {
	booking    *model.Booking
	bookingErr error

	experts    []model.Expert
	expertsErr error

	areaHead    *model.AreaHead
	areaHeadErr error

	assignErr error

	updateStatusErr  error
	updatedFrom      model.BookingStatus
	updatedTo        model.BookingStatus
	updateStatusDone bool

	completeErr     error
	completedFee    int64
	completedPayout int64
	completedWith   []model.WalletTransaction
	completeDone    bool

	cancelErr  error
	cancelDone bool

	balance    int64
	balanceErr error

	appliedEntry *model.WalletTransaction

	withdrawalID      int64
	createdWithdrawal *model.WithdrawalRequest

	awaitingPayment []int64
	paymentUpdates  map[int64]model.PaymentStatus
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateBooking(ctx context.Context, b *model.Booking) (int64, error) {
	return 1, nil
}

func (s *stubRepo) GetBooking(ctx context.Context, id int64) (*model.Booking, error) {
	return s.booking, s.bookingErr
}

func (s *stubRepo) ListBookings(ctx context.Context) ([]model.Booking, error) {
	return nil, nil
}

func (s *stubRepo) ListBookingsByExpert(ctx context.Context, expertID int64, statuses []model.BookingStatus) ([]model.Booking, error) {
	return nil, nil
}

func (s *stubRepo) ListActiveExperts(ctx context.Context) ([]model.Expert, error) {
	return s.experts, s.expertsErr
}

func (s *stubRepo) GetExpert(ctx context.Context, id int64) (*model.Expert, error) {
	return nil, repository.ErrExpertNotFound
}

func (s *stubRepo) GetAreaHead(ctx context.Context, id int64) (*model.AreaHead, error) {
	return s.areaHead, s.areaHeadErr
}

func (s *stubRepo) AssignExpert(ctx context.Context, bookingID, expertID int64) error {
	return s.assignErr
}

func (s *stubRepo) UpdateBookingStatus(ctx context.Context, id int64, from, to model.BookingStatus) error {
	if s.updateStatusErr != nil {
		return s.updateStatusErr
	}
	s.updatedFrom = from
	s.updatedTo = to
	s.updateStatusDone = true
	return nil
}

func (s *stubRepo) CancelBooking(ctx context.Context, id int64) error {
	if s.cancelErr != nil {
		return s.cancelErr
	}
	s.cancelDone = true
	return nil
}

func (s *stubRepo) CompleteBooking(ctx context.Context, id int64, platformFee, expertPayout int64, entries []model.WalletTransaction) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	s.completedFee = platformFee
	s.completedPayout = expertPayout
	s.completedWith = entries
	s.completeDone = true
	return nil
}

func (s *stubRepo) UpdatePaymentStatus(ctx context.Context, id int64, status model.PaymentStatus) error {
	if s.paymentUpdates == nil {
		s.paymentUpdates = make(map[int64]model.PaymentStatus)
	}
	s.paymentUpdates[id] = status
	return nil
}

func (s *stubRepo) GetBookingsAwaitingPayment(ctx context.Context, limit int) ([]int64, error) {
	return s.awaitingPayment, nil
}

func (s *stubRepo) UpdateExpertLocation(ctx context.Context, id int64, lat, lon float64) error {
	return nil
}

func (s *stubRepo) SetExpertDuty(ctx context.Context, id int64, active bool, lat, lon *float64) error {
	return nil
}

func (s *stubRepo) ApplyWalletTransaction(ctx context.Context, e model.WalletTransaction) error {
	s.appliedEntry = &e
	return nil
}

func (s *stubRepo) GetWalletBalance(ctx context.Context, pt model.PartyType, id int64) (int64, error) {
	return s.balance, s.balanceErr
}

func (s *stubRepo) ListWalletTransactions(ctx context.Context, pt model.PartyType, id int64) ([]model.WalletTransaction, error) {
	return nil, nil
}

func (s *stubRepo) CreateWithdrawalRequest(ctx context.Context, req *model.WithdrawalRequest) (int64, error) {
	s.createdWithdrawal = req
	return s.withdrawalID, nil
}

func (s *stubRepo) ListWithdrawalRequests(ctx context.Context) ([]model.WithdrawalRequest, error) {
	return nil, nil
}

func (s *stubRepo) ApproveWithdrawal(ctx context.Context, id int64) error {
	return nil
}

func ptrFloat(v float64) *float64 { return &v }
func ptrInt64(v int64) *int64     { return &v }

func TestCreateBooking_Validation(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil, 20, nil)

	if _, err := svc.CreateBooking(context.Background(), BookingInput{ServiceName: "", AmountRupees: 100}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty service name, got %v", err)
	}
	if _, err := svc.CreateBooking(context.Background(), BookingInput{ServiceName: "Fan Repair", AmountRupees: 0}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero amount, got %v", err)
	}
	if _, err := svc.CreateBooking(context.Background(), BookingInput{ServiceName: "Fan Repair", AmountRupees: 100, PaymentMode: "barter"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown payment mode, got %v", err)
	}
}

func TestCreateBooking_FallbackAddress(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil, 20, nil)

	b, err := svc.CreateBooking(context.Background(), BookingInput{
		ServiceName:  "Fan Repair",
		AmountRupees: 599,
		Latitude:     ptrFloat(23.1686),
		Longitude:    ptrFloat(79.9339),
		PaymentMode:  model.PaymentModeCash,
	})
	if err != nil {
		t.Fatalf("CreateBooking error: %v", err)
	}
	if b.Address != "23.168600,79.933900" {
		t.Fatalf("address = %q, want coordinate fallback", b.Address)
	}
	if b.TotalAmount != 59900 {
		t.Fatalf("total = %d paise, want 59900", b.TotalAmount)
	}
}

func TestCreateBooking_DeclinedChargeCancelsBooking(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false}`))
	}))
	defer ts.Close()

	repo := &stubRepo{}
	svc := NewService(repo, nil, payment.NewClient(ts.URL), 20, nil)

	b, err := svc.CreateBooking(context.Background(), BookingInput{
		ServiceName:  "Fan Repair",
		AmountRupees: 599,
		PaymentMode:  model.PaymentModeOnline,
	})
	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}
	if !repo.cancelDone {
		t.Fatalf("booking with declined charge must be cancelled, not left pending")
	}
	if b.Status != model.BookingStatusCancelled {
		t.Fatalf("status = %s, want cancelled", b.Status)
	}
}

func TestRupeesToPaise_Rounds(t *testing.T) {
	tests := []struct {
		rupees float64
		want   int64
	}{
		{0.29, 29},
		{599, 59900},
		{250.50, 25050},
		{0.01, 1},
	}

	for _, tt := range tests {
		if got := rupeesToPaise(tt.rupees); got != tt.want {
			t.Fatalf("rupeesToPaise(%v) = %d, want %d", tt.rupees, got, tt.want)
		}
	}
}

func TestAdjustWallet_RoundsToNearestPaise(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil, 20, nil)

	if err := svc.AdjustWallet(context.Background(), model.PartyTypeExpert, 1, 0.29, model.TransactionTypeCredit, "bonus"); err != nil {
		t.Fatalf("AdjustWallet error: %v", err)
	}
	if repo.appliedEntry == nil || repo.appliedEntry.Amount != 29 {
		t.Fatalf("0.29 rupees recorded as %+v, want 29 paise", repo.appliedEntry)
	}
}

func TestRequestWithdrawal_RoundsToNearestPaise(t *testing.T) {
	repo := &stubRepo{balance: 100}
	svc := NewService(repo, nil, nil, 20, nil)

	if _, err := svc.RequestWithdrawal(context.Background(), model.PartyTypeExpert, 1, 0.29, "upi", "user@bank"); err != nil {
		t.Fatalf("RequestWithdrawal error: %v", err)
	}
	if repo.createdWithdrawal == nil || repo.createdWithdrawal.Amount != 29 {
		t.Fatalf("0.29 rupees recorded as %+v, want 29 paise", repo.createdWithdrawal)
	}
}

func TestCandidates_NoEligibleExpert(t *testing.T) {
	repo := &stubRepo{
		booking: &model.Booking{ID: 1, ServiceName: "Fan Repair", Category: "Electrician"},
		experts: []model.Expert{
			{ID: 1, ServiceCategory: "Plumber", Status: model.ExpertStatusApproved, IsActive: true},
		},
	}
	svc := NewService(repo, nil, nil, 20, nil)

	_, err := svc.Candidates(context.Background(), 1)
	if !errors.Is(err, dispatch.ErrNoEligibleExpert) {
		t.Fatalf("expected ErrNoEligibleExpert, got %v", err)
	}
}

func TestCandidates_RankedByDistance(t *testing.T) {
	repo := &stubRepo{
		booking: &model.Booking{
			ID:          1,
			ServiceName: "Fan Repair",
			Category:    "Electrician",
			Latitude:    ptrFloat(23.0),
			Longitude:   ptrFloat(79.0),
		},
		experts: []model.Expert{
			{ID: 1, ServiceCategory: "Electrician", Status: model.ExpertStatusApproved, IsActive: true, Latitude: ptrFloat(24.0), Longitude: ptrFloat(79.0)},
			{ID: 2, ServiceCategory: "Electrician", Status: model.ExpertStatusApproved, IsActive: true, Latitude: ptrFloat(23.1), Longitude: ptrFloat(79.0)},
			{ID: 3, ServiceCategory: "Electrician", Status: model.ExpertStatusApproved, IsActive: true},
		},
	}
	svc := NewService(repo, nil, nil, 20, nil)

	candidates, err := svc.Candidates(context.Background(), 1)
	if err != nil {
		t.Fatalf("Candidates error: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("got %d candidates, want 3", len(candidates))
	}
	if candidates[0].Expert.ID != 2 || candidates[1].Expert.ID != 1 {
		t.Fatalf("unexpected order: %d, %d", candidates[0].Expert.ID, candidates[1].Expert.ID)
	}
	if candidates[2].Expert.ID != 3 || !candidates[2].NoGPS {
		t.Fatalf("expert without GPS must rank last")
	}
}

func TestAssign_PropagatesStaleCandidate(t *testing.T) {
	repo := &stubRepo{assignErr: repository.ErrStaleCandidate}
	svc := NewService(repo, nil, nil, 20, nil)

	if err := svc.Assign(context.Background(), 1, 2); !errors.Is(err, repository.ErrStaleCandidate) {
		t.Fatalf("expected ErrStaleCandidate, got %v", err)
	}
}

func TestAcceptJob_WrongExpert(t *testing.T) {
	repo := &stubRepo{
		booking: &model.Booking{ID: 1, Status: model.BookingStatusAssigned, ExpertID: ptrInt64(7)},
	}
	svc := NewService(repo, nil, nil, 20, nil)

	if err := svc.AcceptJob(context.Background(), 8, 1); !errors.Is(err, ErrNotBoundExpert) {
		t.Fatalf("expected ErrNotBoundExpert, got %v", err)
	}
}

func TestAcceptJob_Transition(t *testing.T) {
	repo := &stubRepo{
		booking: &model.Booking{ID: 1, Status: model.BookingStatusAssigned, ExpertID: ptrInt64(7)},
	}
	svc := NewService(repo, nil, nil, 20, nil)

	if err := svc.AcceptJob(context.Background(), 7, 1); err != nil {
		t.Fatalf("AcceptJob error: %v", err)
	}
	if !repo.updateStatusDone || repo.updatedFrom != model.BookingStatusAssigned || repo.updatedTo != model.BookingStatusAccepted {
		t.Fatalf("transition %s -> %s, want assigned -> accepted", repo.updatedFrom, repo.updatedTo)
	}
}

func TestStartJob_SkippedStatusRejected(t *testing.T) {
	repo := &stubRepo{
		booking: &model.Booking{ID: 1, Status: model.BookingStatusAssigned, ExpertID: ptrInt64(7)},
	}
	svc := NewService(repo, nil, nil, 20, nil)

	if err := svc.StartJob(context.Background(), 7, 1); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCompleteJob_SettlesOnlineBooking(t *testing.T) {
	repo := &stubRepo{
		booking: &model.Booking{
			ID:          1,
			TotalAmount: 59900,
			PaymentMode: model.PaymentModeOnline,
			Status:      model.BookingStatusInProgress,
			ExpertID:    ptrInt64(7),
		},
	}
	svc := NewService(repo, nil, nil, 20, nil)

	if err := svc.CompleteJob(context.Background(), 7, 1); err != nil {
		t.Fatalf("CompleteJob error: %v", err)
	}
	if !repo.completeDone {
		t.Fatalf("CompleteBooking was not called")
	}
	if repo.completedFee != 11980 || repo.completedPayout != 47920 {
		t.Fatalf("fee = %d payout = %d, want 11980 and 47920", repo.completedFee, repo.completedPayout)
	}
	if len(repo.completedWith) != 1 || repo.completedWith[0].TransactionType != model.TransactionTypeCredit {
		t.Fatalf("expected single credit entry, got %+v", repo.completedWith)
	}
}

func TestCompleteJob_CommissionAreaHead(t *testing.T) {
	repo := &stubRepo{
		booking: &model.Booking{
			ID:          1,
			TotalAmount: 100000,
			PaymentMode: model.PaymentModeOnline,
			Status:      model.BookingStatusInProgress,
			ExpertID:    ptrInt64(7),
			AreaHeadID:  ptrInt64(3),
		},
		areaHead: &model.AreaHead{
			ID:                3,
			EmploymentType:    model.EmploymentTypeCommission,
			CompensationValue: 5,
			Status:            model.AreaHeadStatusActive,
		},
	}
	svc := NewService(repo, nil, nil, 20, nil)

	if err := svc.CompleteJob(context.Background(), 7, 1); err != nil {
		t.Fatalf("CompleteJob error: %v", err)
	}
	if len(repo.completedWith) != 2 {
		t.Fatalf("expected payout and area commission entries, got %d", len(repo.completedWith))
	}
	var areaEntry *model.WalletTransaction
	for i := range repo.completedWith {
		if repo.completedWith[i].UserType == model.PartyTypeAreaHead {
			areaEntry = &repo.completedWith[i]
		}
	}
	if areaEntry == nil || areaEntry.Amount != 5000 {
		t.Fatalf("area head commission entry missing or wrong: %+v", areaEntry)
	}
}

func TestCompleteJob_AlreadySettled(t *testing.T) {
	repo := &stubRepo{
		booking: &model.Booking{
			ID:          1,
			TotalAmount: 59900,
			Status:      model.BookingStatusCompleted,
			ExpertID:    ptrInt64(7),
		},
	}
	svc := NewService(repo, nil, nil, 20, nil)

	if err := svc.CompleteJob(context.Background(), 7, 1); !errors.Is(err, lifecycle.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
	if repo.completeDone {
		t.Fatalf("settlement must not run twice")
	}
}

func TestCancelBooking_ExpertForbidden(t *testing.T) {
	repo := &stubRepo{
		booking: &model.Booking{ID: 1, Status: model.BookingStatusAssigned},
	}
	svc := NewService(repo, nil, nil, 20, nil)

	if err := svc.CancelBooking(context.Background(), lifecycle.ActorExpert, 1); !errors.Is(err, lifecycle.ErrWrongActor) {
		t.Fatalf("expected ErrWrongActor, got %v", err)
	}
	if repo.cancelDone {
		t.Fatalf("booking must not be cancelled by expert")
	}
}

func TestCancelBooking_Dispatcher(t *testing.T) {
	repo := &stubRepo{
		booking: &model.Booking{ID: 1, Status: model.BookingStatusInProgress},
	}
	svc := NewService(repo, nil, nil, 20, nil)

	if err := svc.CancelBooking(context.Background(), lifecycle.ActorDispatcher, 1); err != nil {
		t.Fatalf("CancelBooking error: %v", err)
	}
	if !repo.cancelDone {
		t.Fatalf("CancelBooking was not called")
	}
}

func TestAdjustWallet_Validation(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil, 20, nil)

	if err := svc.AdjustWallet(context.Background(), model.PartyTypeExpert, 1, -5, model.TransactionTypeCredit, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative amount, got %v", err)
	}
	if err := svc.AdjustWallet(context.Background(), model.PartyTypeExpert, 1, 5, "transfer", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown type, got %v", err)
	}
}

func TestAdjustWallet_AppliesEntry(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil, 20, nil)

	if err := svc.AdjustWallet(context.Background(), model.PartyTypeExpert, 1, 250.50, model.TransactionTypeDebit, "correction"); err != nil {
		t.Fatalf("AdjustWallet error: %v", err)
	}
	if repo.appliedEntry == nil || repo.appliedEntry.Amount != 25050 {
		t.Fatalf("unexpected entry: %+v", repo.appliedEntry)
	}
	if repo.appliedEntry.Reason != "admin_adjustment" {
		t.Fatalf("reason = %q, want admin_adjustment", repo.appliedEntry.Reason)
	}
}

func TestRequestWithdrawal_InsufficientBalance(t *testing.T) {
	repo := &stubRepo{balance: 10000}
	svc := NewService(repo, nil, nil, 20, nil)

	_, err := svc.RequestWithdrawal(context.Background(), model.PartyTypeExpert, 1, 200, "upi", "user@bank")
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestRequestWithdrawal_OK(t *testing.T) {
	repo := &stubRepo{balance: 50000, withdrawalID: 9}
	svc := NewService(repo, nil, nil, 20, nil)

	id, err := svc.RequestWithdrawal(context.Background(), model.PartyTypeExpert, 1, 500, "upi", "user@bank")
	if err != nil {
		t.Fatalf("RequestWithdrawal error: %v", err)
	}
	if id != 9 {
		t.Fatalf("id = %d, want 9", id)
	}
	if repo.createdWithdrawal == nil || repo.createdWithdrawal.Amount != 50000 {
		t.Fatalf("unexpected withdrawal request: %+v", repo.createdWithdrawal)
	}
}

func TestWalletBalance_ConvertsToRupees(t *testing.T) {
	repo := &stubRepo{balance: 47920}
	svc := NewService(repo, nil, nil, 20, nil)

	balance, err := svc.WalletBalance(context.Background(), model.PartyTypeExpert, 1)
	if err != nil {
		t.Fatalf("WalletBalance error: %v", err)
	}
	if balance != 479.20 {
		t.Fatalf("balance = %v, want 479.20", balance)
	}
}

func TestProcessPaymentBatch_AppliesTerminalStates(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/payments/1":
			_, _ = w.Write([]byte(`{"booking_id": 1, "status": "failed"}`))
		case "/api/payments/2":
			_, _ = w.Write([]byte(`{"booking_id": 2, "status": "paid"}`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer ts.Close()

	repo := &stubRepo{awaitingPayment: []int64{1, 2, 3}}
	svc := NewService(repo, nil, payment.NewClient(ts.URL), 20, nil)

	svc.processPaymentBatch(context.Background())

	if repo.paymentUpdates[1] != model.PaymentStatusFailed {
		t.Fatalf("booking 1 payment status = %s, want failed", repo.paymentUpdates[1])
	}
	if repo.paymentUpdates[2] != model.PaymentStatusPaid {
		t.Fatalf("booking 2 payment status = %s, want paid", repo.paymentUpdates[2])
	}
	if _, ok := repo.paymentUpdates[3]; ok {
		t.Fatalf("booking 3 has no registered payment and must stay pending")
	}
}

func TestStartPaymentUpdates_NoClient(t *testing.T) {
	svc := &Service{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartPaymentUpdates(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartPaymentUpdates did not return without client")
	}
}
