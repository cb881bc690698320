// Package model содержит доменные сущности сервиса диспетчеризации.
package model

import "time"

// BookingStatus описывает статус заявки в её жизненном цикле.
type BookingStatus string

const (
	BookingStatusPending    BookingStatus = "pending"
	BookingStatusAssigned   BookingStatus = "assigned"
	BookingStatusAccepted   BookingStatus = "accepted"
	BookingStatusInProgress BookingStatus = "in_progress"
	BookingStatusCompleted  BookingStatus = "completed"
	BookingStatusCancelled  BookingStatus = "cancelled"
)

// IsTerminal сообщает, является ли статус конечным. Из конечного статуса переходы запрещены.
func (s BookingStatus) IsTerminal() bool {
	return s == BookingStatusCompleted || s == BookingStatusCancelled
}

// PaymentMode описывает способ оплаты заявки.
type PaymentMode string

const (
	PaymentModeCash   PaymentMode = "cash_after_service"
	PaymentModeOnline PaymentMode = "online"
)

// PaymentStatus описывает состояние оплаты заявки.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Booking описывает заявку на выполнение работы.
// Денежные суммы хранятся в пайсах (сотых долях рупии).
type Booking struct {
	ID            int64
	ServiceName   string
	Category      string
	TotalAmount   int64
	Address       string
	Latitude      *float64
	Longitude     *float64
	PaymentMode   PaymentMode
	PaymentStatus PaymentStatus
	Status        BookingStatus
	ExpertID      *int64
	AreaHeadID    *int64
	PlatformFee   *int64
	ExpertPayout  *int64
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// ExpertStatus описывает статус проверки исполнителя администратором.
type ExpertStatus string

const (
	ExpertStatusPending  ExpertStatus = "pending"
	ExpertStatusApproved ExpertStatus = "approved"
	ExpertStatusRejected ExpertStatus = "rejected"
)

// Expert описывает исполнителя. Координаты обновляются, пока исполнитель на смене.
type Expert struct {
	ID              int64
	Name            string
	Phone           string
	ServiceCategory string
	City            string
	IsVerified      bool
	Status          ExpertStatus
	IsActive        bool
	Latitude        *float64
	Longitude       *float64
	WalletBalance   int64
}

// EmploymentType описывает схему вознаграждения территориального менеджера.
type EmploymentType string

const (
	EmploymentTypeSalary     EmploymentType = "salary"
	EmploymentTypeCommission EmploymentType = "commission"
)

// AreaHeadStatus описывает статус территориального менеджера.
type AreaHeadStatus string

const (
	AreaHeadStatusActive  AreaHeadStatus = "active"
	AreaHeadStatusBlocked AreaHeadStatus = "blocked"
)

// AreaHead описывает территориального менеджера.
// CompensationValue трактуется по EmploymentType: фиксированная сумма при salary,
// процент от суммы заявки при commission. Никогда не то и другое одновременно.
type AreaHead struct {
	ID                int64
	Name              string
	AssignedArea      string
	EmploymentType    EmploymentType
	CompensationValue float64
	WalletBalance     int64
	Status            AreaHeadStatus
}

// PartyType описывает тип владельца кошелька.
type PartyType string

const (
	PartyTypeExpert   PartyType = "expert"
	PartyTypeAreaHead PartyType = "area_head"
)

// TransactionType описывает направление операции по кошельку.
type TransactionType string

const (
	TransactionTypeCredit TransactionType = "credit"
	TransactionTypeDebit  TransactionType = "debit"
)

// WalletTransaction — запись журнала операций по кошельку. Журнал только дополняется,
// существующие записи никогда не изменяются и не удаляются; корректировки оформляются
// новыми встречными записями.
type WalletTransaction struct {
	ID              int64
	UserType        PartyType
	UserID          int64
	Amount          int64
	TransactionType TransactionType
	Reason          string
	Description     string
	BookingID       *int64
	CreatedAt       time.Time
}

// WithdrawalStatus описывает статус заявки на вывод средств.
type WithdrawalStatus string

const (
	WithdrawalStatusPending  WithdrawalStatus = "pending"
	WithdrawalStatusApproved WithdrawalStatus = "approved"
)

// WithdrawalRequest описывает заявку на вывод средств из кошелька.
type WithdrawalRequest struct {
	ID             int64
	UserType       PartyType
	UserID         int64
	UserName       string
	Amount         int64
	PaymentMethod  string
	PaymentDetails string
	Status         WithdrawalStatus
	CreatedAt      time.Time
}
