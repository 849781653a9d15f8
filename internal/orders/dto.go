package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
	"github.com/angelmondragon/storefront-backend/pkg/types"
)

// Actor is the authenticated caller an operation runs on behalf of.
type Actor struct {
	UserID uuid.UUID
	Role   enums.UserRole
}

// IsAdmin reports whether the actor carries the admin role.
func (a Actor) IsAdmin() bool {
	return a.Role.IsAdmin()
}

// CanAccess reports whether the actor may read or act on order.
func (a Actor) CanAccess(order *models.Order) bool {
	return order != nil && (a.IsAdmin() || order.UserID == a.UserID)
}

// CartLine is a cart entry handed to order creation.
type CartLine struct {
	ProductID      uuid.UUID
	UnitPriceCents int64
	Quantity       int
}

// CreateOrderInput carries everything createOrder snapshots.
type CreateOrderInput struct {
	UserID          uuid.UUID
	Lines           []CartLine
	ShippingAddress types.Address
	PaymentMethod   enums.PaymentMethod
	Fingerprint     string
	Currency        string
}

// MarkPaidInput describes a verified gateway charge.
type MarkPaidInput struct {
	OrderID         uuid.UUID
	PaidAt          time.Time
	PaymentIntentID string
	AmountCents     int64
	Currency        string
}

// UpdateStatusInput is an admin status change.
type UpdateStatusInput struct {
	OrderID uuid.UUID
	Status  enums.OrderStatus
	Actor   Actor
}

// LineItemDTO is the public shape of an order line.
type LineItemDTO struct {
	ID             uuid.UUID `json:"id"`
	ProductID      uuid.UUID `json:"productId"`
	Name           string    `json:"name"`
	ImageURL       *string   `json:"imageUrl,omitempty"`
	UnitPriceCents int64     `json:"unitPriceCents"`
	Quantity       int       `json:"quantity"`
	LineTotalCents int64     `json:"lineTotalCents"`
}

// OrderDTO is the public shape of an order.
type OrderDTO struct {
	ID              uuid.UUID           `json:"id"`
	UserID          uuid.UUID           `json:"userId"`
	Status          enums.OrderStatus   `json:"status"`
	IsPaid          bool                `json:"isPaid"`
	PaidAt          *time.Time          `json:"paidAt,omitempty"`
	IsDelivered     bool                `json:"isDelivered"`
	DeliveredAt     *time.Time          `json:"deliveredAt,omitempty"`
	CancelledAt     *time.Time          `json:"cancelledAt,omitempty"`
	SubtotalCents   int64               `json:"subtotalCents"`
	TaxCents        int64               `json:"taxCents"`
	ShippingCents   int64               `json:"shippingCents"`
	TotalCents      int64               `json:"totalCents"`
	Currency        string              `json:"currency"`
	ShippingAddress types.Address       `json:"shippingAddress"`
	PaymentMethod   enums.PaymentMethod `json:"paymentMethod"`
	PaymentIntentID *string             `json:"paymentIntentId,omitempty"`
	Items           []LineItemDTO       `json:"items"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// ToDTO maps an order row and its line items.
func ToDTO(order *models.Order) OrderDTO {
	dto := OrderDTO{
		ID:              order.ID,
		UserID:          order.UserID,
		Status:          order.Status,
		IsPaid:          order.IsPaid,
		PaidAt:          order.PaidAt,
		IsDelivered:     order.IsDelivered,
		DeliveredAt:     order.DeliveredAt,
		CancelledAt:     order.CancelledAt,
		SubtotalCents:   order.SubtotalCents,
		TaxCents:        order.TaxCents,
		ShippingCents:   order.ShippingCents,
		TotalCents:      order.TotalCents,
		Currency:        order.Currency,
		ShippingAddress: order.ShippingAddress,
		PaymentMethod:   order.PaymentMethod,
		PaymentIntentID: order.PaymentIntentID,
		Items:           make([]LineItemDTO, 0, len(order.LineItems)),
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
	for _, item := range order.LineItems {
		dto.Items = append(dto.Items, LineItemDTO{
			ID:             item.ID,
			ProductID:      item.ProductID,
			Name:           item.Name,
			ImageURL:       item.ImageURL,
			UnitPriceCents: item.UnitPriceCents,
			Quantity:       item.Quantity,
			LineTotalCents: item.LineTotalCents,
		})
	}
	return dto
}

// ToPageDTO maps a page of orders.
func ToPageDTO(page pagination.Page[models.Order]) pagination.Page[OrderDTO] {
	out := pagination.Page[OrderDTO]{Items: make([]OrderDTO, 0, len(page.Items)), NextCursor: page.NextCursor}
	for i := range page.Items {
		out.Items = append(out.Items, ToDTO(&page.Items[i]))
	}
	return out
}
