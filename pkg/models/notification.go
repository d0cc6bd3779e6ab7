package models

import "time"

type NotificationType string

const (
	NotificationRechargeStatus      NotificationType = "recharge_status_updated"
	NotificationWithdrawalStatus    NotificationType = "withdrawal_status_updated"
	NotificationPaymentReceived     NotificationType = "payment_received"
	NotificationDepositSuccess      NotificationType = "deposit_success"
	NotificationGameAccountApproved NotificationType = "game_account_approved"
	NotificationGameAccountRejected NotificationType = "game_account_rejected"
)

var NotificationTypes = []NotificationType{
	NotificationRechargeStatus,
	NotificationWithdrawalStatus,
	NotificationPaymentReceived,
	NotificationDepositSuccess,
	NotificationGameAccountApproved,
	NotificationGameAccountRejected,
}

func (t NotificationType) Valid() bool {
	for _, known := range NotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Notification is the canonical record kept by the notification store.
// Records are values: the store never mutates one in place.
type Notification struct {
	ID        string                 `json:"id"`
	Type      NotificationType       `json:"type"`
	CreatedAt time.Time              `json:"createdAt"`
	Read      bool                   `json:"read"`
	Payload   Payload                `json:"payload"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Payload is the closed set of type-specific notification bodies.
type Payload interface {
	NotificationType() NotificationType
}

type RechargeStatus struct {
	Amount        float64 `json:"amount" validate:"gte=0"`
	Currency      string  `json:"currency,omitempty"`
	Status        string  `json:"status" validate:"required"`
	TransactionID string  `json:"transactionId,omitempty"`
	Message       string  `json:"message,omitempty"`
}

func (RechargeStatus) NotificationType() NotificationType { return NotificationRechargeStatus }

type WithdrawalStatus struct {
	Amount        float64 `json:"amount" validate:"gte=0"`
	Currency      string  `json:"currency,omitempty"`
	Status        string  `json:"status" validate:"required"`
	TransactionID string  `json:"transactionId,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

func (WithdrawalStatus) NotificationType() NotificationType { return NotificationWithdrawalStatus }

type PaymentReceived struct {
	Amount        float64 `json:"amount" validate:"gt=0"`
	Currency      string  `json:"currency,omitempty"`
	Method        string  `json:"method,omitempty"`
	TransactionID string  `json:"transactionId,omitempty"`
}

func (PaymentReceived) NotificationType() NotificationType { return NotificationPaymentReceived }

type DepositSuccess struct {
	Amount        float64 `json:"amount" validate:"gt=0"`
	Bonus         float64 `json:"bonus,omitempty" validate:"gte=0"`
	Currency      string  `json:"currency,omitempty"`
	Balance       float64 `json:"balance,omitempty"`
	TransactionID string  `json:"transactionId,omitempty"`
}

func (DepositSuccess) NotificationType() NotificationType { return NotificationDepositSuccess }

// GameAccountApproved carries the credentials generated for a third-party game account.
type GameAccountApproved struct {
	GameID   string `json:"gameId,omitempty"`
	GameName string `json:"gameName" validate:"required"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password,omitempty"`
	Link     string `json:"link,omitempty"`
}

func (GameAccountApproved) NotificationType() NotificationType { return NotificationGameAccountApproved }

type GameAccountRejected struct {
	GameID   string `json:"gameId,omitempty"`
	GameName string `json:"gameName" validate:"required"`
	Reason   string `json:"reason,omitempty"`
}

func (GameAccountRejected) NotificationType() NotificationType { return NotificationGameAccountRejected }

// NewPayload returns an empty payload for t, or nil when t is not a known type.
func NewPayload(t NotificationType) Payload {
	switch t {
	case NotificationRechargeStatus:
		return &RechargeStatus{}
	case NotificationWithdrawalStatus:
		return &WithdrawalStatus{}
	case NotificationPaymentReceived:
		return &PaymentReceived{}
	case NotificationDepositSuccess:
		return &DepositSuccess{}
	case NotificationGameAccountApproved:
		return &GameAccountApproved{}
	case NotificationGameAccountRejected:
		return &GameAccountRejected{}
	}
	return nil
}
