package service_test

import (
	"errors"
	"sync"

	"github.com/unibooks/orderflow/internal/domain"
)

func (s *IntegrationTestSuite) TestTryReserve_Success() {
	book := s.listBook()

	order := s.reserve(book.ID)

	s.Require().Equal(domain.OrderStatePendingPayment, order.State)
	s.Require().Equal(book.ID, order.BookID)
	s.Require().Equal(testSellerID, order.SellerID)
	s.Require().True(order.Price.Equal(book.Price), "price must be snapshotted from the book")
	s.Require().Equal(domain.BookStatusReserved, s.bookStatus(book.ID))
}

func (s *IntegrationTestSuite) TestTryReserve_AlreadyReserved() {
	book := s.listBook()
	s.reserve(book.ID)

	_, err := s.Guard.TryReserve(s.Ctx, book.ID, testBuyerID+1, "student union")

	s.Require().ErrorIs(err, domain.ErrAlreadyReserved)
}

func (s *IntegrationTestSuite) TestTryReserve_SelfPurchase() {
	book := s.listBook()

	_, err := s.Guard.TryReserve(s.Ctx, book.ID, testSellerID, "campus library")

	s.Require().ErrorIs(err, domain.ErrBookNotAvailable)
	s.Require().Equal(domain.BookStatusListed, s.bookStatus(book.ID))
}

func (s *IntegrationTestSuite) TestTryReserve_NotFound() {
	_, err := s.Guard.TryReserve(s.Ctx, 424242, testBuyerID, "campus library")

	s.Require().ErrorIs(err, domain.ErrBookNotFound)
}

// Ten buyers race for one book; exactly one reservation may win.
func (s *IntegrationTestSuite) TestTryReserve_ConcurrentSingleWinner() {
	book := s.listBook()

	const attempts = 10

	var wg sync.WaitGroup
	results := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.Guard.TryReserve(s.Ctx, book.ID, testBuyerID+int64(i), "campus library")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
			continue
		}
		s.Require().True(
			errors.Is(err, domain.ErrAlreadyReserved),
			"loser must observe AlreadyReserved, got %v", err,
		)
	}

	s.Require().Equal(1, winners)
	s.Require().Equal(domain.BookStatusReserved, s.bookStatus(book.ID))

	var orderCount int
	err := s.DbPool.QueryRow(s.Ctx, "SELECT COUNT(*) FROM orders WHERE book_id = $1", book.ID).Scan(&orderCount)
	s.Require().NoError(err)
	s.Require().Equal(1, orderCount)
}

func (s *IntegrationTestSuite) TestWithdrawBook() {
	book := s.listBook()

	s.Require().NoError(s.Guard.WithdrawBook(s.Ctx, book.ID, testSellerID))

	_, err := s.Guard.TryReserve(s.Ctx, book.ID, testBuyerID, "campus library")
	s.Require().ErrorIs(err, domain.ErrBookNotFound)
}

func (s *IntegrationTestSuite) TestWithdrawBook_WrongSeller() {
	book := s.listBook()

	err := s.Guard.WithdrawBook(s.Ctx, book.ID, testSellerID+1)

	s.Require().ErrorIs(err, domain.ErrBookNotFound)
	s.Require().Equal(domain.BookStatusListed, s.bookStatus(book.ID))
}

func (s *IntegrationTestSuite) TestWithdrawBook_Reserved() {
	book := s.listBook()
	s.reserve(book.ID)

	err := s.Guard.WithdrawBook(s.Ctx, book.ID, testSellerID)

	s.Require().ErrorIs(err, domain.ErrAlreadyReserved)
}
