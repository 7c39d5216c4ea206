package credit

import (
	"context"
	"sync"
	"testing"

	"nexus-pipeline/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &Account{}, &Transaction{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParams{DB: db, Node: node}), db
}

func TestCreateAccountRecordsGrant(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	acc, err := svc.CreateAccount(ctx, "org-1", 100)
	require.NoError(t, err)
	require.Equal(t, int64(100), acc.Balance)

	_, err = svc.CreateAccount(ctx, "org-1", 100)
	require.ErrorIs(t, err, ErrAccountExists)

	txns, err := svc.ListTransactions(ctx, "org-1", 0)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, KindGrant, txns[0].Kind)

	rec, err := svc.Reconcile(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, rec.Balanced())
}

func TestDeductAndRefundConserveBalance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "org-1", 100)
	require.NoError(t, err)

	_, err = svc.Deduct(ctx, DeductRequest{OrganisationID: "org-1", Amount: 10, JobID: "job-1"})
	require.NoError(t, err)
	_, err = svc.Deduct(ctx, DeductRequest{OrganisationID: "org-1", Amount: 25, JobID: "job-2"})
	require.NoError(t, err)

	balance, err := svc.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	require.Equal(t, int64(65), balance)

	_, err = svc.Refund(ctx, RefundRequest{OrganisationID: "org-1", Amount: 25, JobID: "job-2"})
	require.NoError(t, err)

	balance, err = svc.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	require.Equal(t, int64(90), balance)

	rec, err := svc.Reconcile(ctx, "org-1")
	require.NoError(t, err)
	require.Equal(t, int64(90), rec.LedgerSum)
	require.True(t, rec.Balanced())
}

func TestDeductInsufficientBalanceLeavesNoTrace(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "org-1", 5)
	require.NoError(t, err)

	_, err = svc.Deduct(ctx, DeductRequest{OrganisationID: "org-1", Amount: 10, JobID: "job-1"})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	balance, err := svc.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), balance)

	txns, err := svc.ListTransactions(ctx, "org-1", 0)
	require.NoError(t, err)
	require.Len(t, txns, 1)
}

func TestDeductUnknownOrganisation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Deduct(context.Background(), DeductRequest{OrganisationID: "nobody", Amount: 1})
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestDeductRejectsNonPositiveAmount(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Deduct(context.Background(), DeductRequest{OrganisationID: "org-1", Amount: 0})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Refund(context.Background(), RefundRequest{OrganisationID: "org-1", Amount: -3})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRefundIsIdempotentPerJob(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "org-1", 100)
	require.NoError(t, err)
	_, err = svc.Deduct(ctx, DeductRequest{OrganisationID: "org-1", Amount: 10, JobID: "job-1"})
	require.NoError(t, err)

	_, err = svc.Refund(ctx, RefundRequest{OrganisationID: "org-1", Amount: 10, JobID: "job-1"})
	require.NoError(t, err)
	_, err = svc.Refund(ctx, RefundRequest{OrganisationID: "org-1", Amount: 10, JobID: "job-1"})
	require.ErrorIs(t, err, ErrAlreadyRefunded)

	balance, err := svc.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
}

func TestRefundUnknownAccount(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Refund(context.Background(), RefundRequest{OrganisationID: "ghost", Amount: 10, JobID: "job-1"})
	require.ErrorIs(t, err, ErrAccountNotFound)

	var count int64
	require.NoError(t, svc.db.Model(&Transaction{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRefundJobInsideOuterTransaction(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "org-1", 50)
	require.NoError(t, err)
	_, err = svc.Deduct(ctx, DeductRequest{OrganisationID: "org-1", Amount: 25, JobID: "job-1"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		err = db.Transaction(func(tx *gorm.DB) error {
			return svc.RefundJob(ctx, tx, "org-1", "job-1", 25)
		})
		require.NoError(t, err)
	}

	balance, err := svc.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), balance)
}

func TestGrantTopsUp(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, "org-1", 10, "top up")
	require.ErrorIs(t, err, ErrAccountNotFound)

	_, err = svc.CreateAccount(ctx, "org-1", 0)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, "org-1", 10, "top up")
	require.NoError(t, err)

	rec, err := svc.Reconcile(ctx, "org-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), rec.Balance)
	require.True(t, rec.Balanced())
}

func TestListTransactionsNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "org-1", 100)
	require.NoError(t, err)
	_, err = svc.Deduct(ctx, DeductRequest{OrganisationID: "org-1", Amount: 10, JobID: "job-1"})
	require.NoError(t, err)
	_, err = svc.Refund(ctx, RefundRequest{OrganisationID: "org-1", Amount: 10, JobID: "job-1"})
	require.NoError(t, err)

	txns, err := svc.ListTransactions(ctx, "org-1", 0)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	require.Equal(t, KindRefund, txns[0].Kind)
	require.Equal(t, KindDeduction, txns[1].Kind)
	require.Equal(t, KindGrant, txns[2].Kind)

	txns, err = svc.ListTransactions(ctx, "org-1", 2)
	require.NoError(t, err)
	require.Len(t, txns, 2)
}

func TestConcurrentDeductNeverOverdraws(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "org-1", 30)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charged int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Deduct(ctx, DeductRequest{OrganisationID: "org-1", Amount: 10}); err == nil {
				mu.Lock()
				charged++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 3, charged)
	balance, err := svc.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	require.Zero(t, balance)
}
