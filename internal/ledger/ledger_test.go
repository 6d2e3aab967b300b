package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/storage/storagetest"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(storagetest.NewDB(t), 15, nil)
}

func credit(owner string, amount int64) PostingInput {
	return PostingInput{OwnerID: owner, Amount: amount, Category: models.CategoryAdjustment}
}

func TestCreditDebitBalanceAfter(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	txn, err := svc.Credit(ctx, credit("u1", 500))
	require.NoError(t, err)
	assert.Equal(t, int64(500), txn.BalanceAfter)
	assert.Equal(t, models.TxCredit, txn.Type)

	txn, err = svc.Debit(ctx, PostingInput{OwnerID: "u1", Amount: 200, Category: models.CategoryPayout})
	require.NoError(t, err)
	assert.Equal(t, int64(300), txn.BalanceAfter)

	view, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, BalanceView{OwnerID: "u1", Balance: 300, Locked: 0, Available: 300}, view)
	require.NoError(t, svc.Reconcile(ctx, "u1"))

	page, err := svc.Transactions(ctx, "u1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.Len(t, page.Transactions, 2)
}

func TestInvalidAmounts(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	for _, amount := range []int64{0, -5} {
		_, err := svc.Credit(ctx, credit("u1", amount))
		assert.True(t, errors.Is(err, apperr.ErrInvalidAmount))
		_, err = svc.Debit(ctx, credit("u1", amount))
		assert.True(t, errors.Is(err, apperr.ErrInvalidAmount))
		_, err = svc.Lock(ctx, "u1", amount)
		assert.True(t, errors.Is(err, apperr.ErrInvalidAmount))
		_, err = svc.Unlock(ctx, "u1", amount)
		assert.True(t, errors.Is(err, apperr.ErrInvalidAmount))
	}
}

// Balance 100, locked 80: a debit of 30 exceeds the available 20.
func TestDebitRespectsLockedFunds(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	_, err := svc.Credit(ctx, credit("u1", 100))
	require.NoError(t, err)
	w, err := svc.Lock(ctx, "u1", 80)
	require.NoError(t, err)
	assert.Equal(t, int64(80), w.Locked)
	assert.Equal(t, int64(100), w.Balance)

	_, err = svc.Debit(ctx, credit("u1", 30))
	assert.True(t, errors.Is(err, apperr.ErrInsufficientAvailable))

	view, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), view.Balance)
	assert.Equal(t, int64(80), view.Locked)
	page, err := svc.Transactions(ctx, "u1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total, "rejected debit must not write a row")
}

func TestLockUnlockBounds(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	_, err := svc.Credit(ctx, credit("u1", 100))
	require.NoError(t, err)

	_, err = svc.Lock(ctx, "u1", 101)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientAvailable))

	_, err = svc.Lock(ctx, "u1", 60)
	require.NoError(t, err)
	_, err = svc.Unlock(ctx, "u1", 61)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientAvailable))

	w, err := svc.Unlock(ctx, "u1", 60)
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Locked)

	page, err := svc.Transactions(ctx, "u1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total, "lock and unlock post no transactions")
	require.NoError(t, svc.Reconcile(ctx, "u1"))
}

func TestIdempotentCredit(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	in := credit("u1", 250)
	in.IdempotencyKey = "evt_1"

	first, err := svc.Credit(ctx, in)
	require.NoError(t, err)
	second, err := svc.Credit(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	view, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), view.Balance)
}

func TestIdempotencyKeyReuseForDifferentPostingConflicts(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	in := credit("u1", 250)
	in.IdempotencyKey = "evt_1"
	_, err := svc.Credit(ctx, in)
	require.NoError(t, err)

	other := in
	other.OwnerID = "u2"
	_, err = svc.Credit(ctx, other)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	bigger := in
	bigger.Amount = 900
	_, err = svc.Credit(ctx, bigger)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = svc.Debit(ctx, PostingInput{OwnerID: "u1", Amount: 250, Category: models.CategoryAdjustment, IdempotencyKey: "evt_1"})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	view, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), view.Balance)
	view, err = svc.Balance(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.Balance)
}

func TestDebitCumulativePostsOnlyTheIncrement(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	_, err := svc.Credit(ctx, PostingInput{OwnerID: "u1", Amount: 1000, Category: models.CategoryPayment})
	require.NoError(t, err)

	refund := func(key string, total int64) (*models.WalletTransaction, error) {
		return svc.DebitCumulative(ctx, PostingInput{
			OwnerID:        "u1",
			Category:       models.CategoryRefund,
			ReferenceID:    "ch_1",
			IdempotencyKey: key,
		}, total)
	}

	txn, err := refund("refund:ch_1:300", 300)
	require.NoError(t, err)
	assert.Equal(t, int64(300), txn.Amount)

	txn, err = refund("refund:ch_1:600", 600)
	require.NoError(t, err)
	assert.Equal(t, int64(300), txn.Amount)

	// redelivered or out-of-order totals post nothing
	txn, err = refund("refund:ch_1:600", 600)
	require.NoError(t, err)
	assert.Nil(t, txn)
	txn, err = refund("refund:ch_1:300", 300)
	require.NoError(t, err)
	assert.Nil(t, txn)

	view, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), view.Balance)
	require.NoError(t, svc.Reconcile(ctx, "u1"))

	_, err = svc.DebitCumulative(ctx, PostingInput{OwnerID: "u1", Category: models.CategoryRefund}, 100)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestTxRollsBackWithCaller(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewDB(t)
	svc := NewService(store, 15, nil)
	_, err := svc.Credit(ctx, credit("d1", 500))
	require.NoError(t, err)

	boom := errors.New("caller failed")
	err = store.WithTx(ctx, "test", func(tx *gorm.DB) error {
		l := svc.In(tx)
		if _, err := l.Lock("d1", 200); err != nil {
			return err
		}
		if _, err := l.Debit(PostingInput{OwnerID: "d1", Amount: 100, Category: models.CategoryPayout}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	view, err := svc.Balance(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, BalanceView{OwnerID: "d1", Balance: 500, Available: 500}, view)

	err = store.WithTx(ctx, "test", func(tx *gorm.DB) error {
		l := svc.In(tx)
		if _, err := l.Lock("d1", 200); err != nil {
			return err
		}
		_, err := l.Unlock("d1", 300)
		return err
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientAvailable)
	view, err = svc.Balance(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.Locked)
}

func TestCommission(t *testing.T) {
	svc := newService(t)
	assert.Equal(t, int64(150), svc.Commission(1000))
	// 15% of 1003 is 150.45
	assert.Equal(t, int64(150), svc.Commission(1003))
	// 15% of 1010 is 151.5, rounded half up
	assert.Equal(t, int64(152), svc.Commission(1010))
	assert.Equal(t, int64(0), svc.Commission(0))
}

func TestCreditCommissionOnce(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	txn, err := svc.CreditCommission(ctx, "d1", "job-1", 1000)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, int64(850), txn.Amount)
	assert.Equal(t, models.CategoryCommission, txn.Category)
	require.NotNil(t, txn.ReferenceID)
	assert.Equal(t, "job-1", *txn.ReferenceID)

	_, err = svc.CreditCommission(ctx, "d1", "job-1", 1000)
	require.NoError(t, err)

	view, err := svc.Balance(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(850), view.Balance)
}

func TestConcurrentPostingsKeepBalanceConsistent(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	_, err := svc.Credit(ctx, credit("u1", 1000))
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		debited  int64
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.Credit(ctx, credit("u1", 10))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := svc.Debit(ctx, credit("u1", 70))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.True(t, errors.Is(err, apperr.ErrInsufficientAvailable), "unexpected %v", err)
				rejected++
				return
			}
			debited += 70
		}()
	}
	wg.Wait()

	view, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1000+20*10-debited, view.Balance)
	assert.GreaterOrEqual(t, view.Balance, int64(0))
	assert.Equal(t, 20, rejected+int(debited/70))
	require.NoError(t, svc.Reconcile(ctx, "u1"))
}

func TestBalanceOfUnknownOwnerIsZero(t *testing.T) {
	svc := newService(t)
	view, err := svc.Balance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.Balance)

	err = svc.Reconcile(context.Background(), "nobody")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}
