package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type BookStatus string

const (
	BookStatusListed    BookStatus = "LISTED"
	BookStatusReserved  BookStatus = "RESERVED"
	BookStatusSold      BookStatus = "SOLD"
	BookStatusWithdrawn BookStatus = "WITHDRAWN"
)

type BookCondition string

const (
	BookConditionNew       BookCondition = "NEW"
	BookConditionLikeNew   BookCondition = "LIKE_NEW"
	BookConditionAnnotated BookCondition = "ANNOTATED"
)

type Book struct {
	ID        int64           `db:"id"`
	ISBN      string          `db:"isbn"`
	Title     string          `db:"title"`
	Condition BookCondition   `db:"condition"`
	Price     decimal.Decimal `db:"price"`
	SellerID  int64           `db:"seller_id"`
	Status    BookStatus      `db:"status"`

	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at"`
}

func (c BookCondition) Valid() bool {
	switch c {
	case BookConditionNew, BookConditionLikeNew, BookConditionAnnotated:
		return true
	}
	return false
}
