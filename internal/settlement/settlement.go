// Package settlement вычисляет распределение выручки по завершённой заявке.
package settlement

import (
	"errors"
	"fmt"
	"math"

	"github.com/mmeshcher/dispatch-system/internal/model"
)

// DefaultCommissionPercent — каноническая комиссия платформы в процентах.
const DefaultCommissionPercent = 20

// ErrNoExpertBound возвращается при попытке расчёта по заявке без привязанного исполнителя.
var ErrNoExpertBound = errors.New("booking has no bound expert")

// Причины проводок в журнале кошельков.
const (
	ReasonOnlinePayout   = "online_payout"
	ReasonCommissionCut  = "commission_cut"
	ReasonAreaCommission = "area_commission"
)

// Result — итог расчёта: комиссия платформы, выплата исполнителю и проводки,
// которые нужно применить к кошелькам. Все суммы в пайсах.
type Result struct {
	PlatformFee  int64
	ExpertPayout int64
	Entries      []model.WalletTransaction
}

// Calculate считает распределение выручки по заявке. Комиссия платформы равна
// commissionPercent процентам от суммы, остальное — доля исполнителя.
//
// Ключевая ветка — способ оплаты. При онлайн-оплате деньги у платформы, и
// исполнителю зачисляется его выплата. При наличной оплате вся сумма уже на руках
// у исполнителя, поэтому с его кошелька списывается комиссия платформы. Ровно одна
// из двух проводок, никогда обе.
//
// Если заявка привязана к территориальному менеджеру с комиссионной схемой,
// дополнительно зачисляется его процент от суммы заявки. Менеджеры на окладе
// проводок по заявкам не получают.
func Calculate(b model.Booking, areaHead *model.AreaHead, commissionPercent int64) (Result, error) {
	if b.ExpertID == nil {
		return Result{}, ErrNoExpertBound
	}

	fee := b.TotalAmount * commissionPercent / 100
	payout := b.TotalAmount - fee

	res := Result{
		PlatformFee:  fee,
		ExpertPayout: payout,
	}

	bookingID := b.ID
	desc := fmt.Sprintf("Job #%d settlement", b.ID)

	if b.PaymentMode == model.PaymentModeCash {
		res.Entries = append(res.Entries, model.WalletTransaction{
			UserType:        model.PartyTypeExpert,
			UserID:          *b.ExpertID,
			Amount:          fee,
			TransactionType: model.TransactionTypeDebit,
			Reason:          ReasonCommissionCut,
			Description:     desc,
			BookingID:       &bookingID,
		})
	} else {
		res.Entries = append(res.Entries, model.WalletTransaction{
			UserType:        model.PartyTypeExpert,
			UserID:          *b.ExpertID,
			Amount:          payout,
			TransactionType: model.TransactionTypeCredit,
			Reason:          ReasonOnlinePayout,
			Description:     desc,
			BookingID:       &bookingID,
		})
	}

	if areaHead != nil && areaHead.EmploymentType == model.EmploymentTypeCommission {
		cut := int64(math.Round(float64(b.TotalAmount) * areaHead.CompensationValue / 100))
		if cut > 0 {
			res.Entries = append(res.Entries, model.WalletTransaction{
				UserType:        model.PartyTypeAreaHead,
				UserID:          areaHead.ID,
				Amount:          cut,
				TransactionType: model.TransactionTypeCredit,
				Reason:          ReasonAreaCommission,
				Description:     fmt.Sprintf("Commission from booking #%d", b.ID),
				BookingID:       &bookingID,
			})
		}
	}

	return res, nil
}
