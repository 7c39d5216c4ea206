package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nexus-pipeline/pkg/db"
	"nexus-pipeline/pkg/db/option"
	"nexus-pipeline/pkg/metrics"
	"nexus-pipeline/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidAmount       = errors.New("credit: amount must be positive")
	ErrInsufficientBalance = errors.New("credit: insufficient balance")
	ErrAccountNotFound     = errors.New("credit: account not found")
	ErrAccountExists       = errors.New("credit: account already exists")
	ErrAlreadyRefunded     = errors.New("credit: job already refunded")
	ErrAlreadyDeducted     = errors.New("credit: job already charged")
)

const defaultTransactionLimit = 50

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	metrics *metrics.Metrics

	accounts     repository.Repository[Account]
	transactions repository.Repository[Transaction]
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Metrics *metrics.Metrics `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		metrics: p.Metrics,

		accounts:     repository.ProvideStore[Account](p.DB),
		transactions: repository.ProvideStore[Transaction](p.DB),
	}
}

// WithTrx binds the ledger to an outer transaction. Mutations then run in a
// savepoint of tx.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	clone := *s
	clone.db = tx
	clone.accounts = s.accounts.WithTrx(tx)
	clone.transactions = s.transactions.WithTrx(tx)
	return &clone
}

func (s *Service) GetBalance(ctx context.Context, organisationID string) (int64, error) {
	acc, err := s.accounts.FindOne(ctx, &Account{OrganisationID: organisationID})
	if err != nil {
		return 0, err
	}
	if acc == nil {
		return 0, nil
	}
	return acc.Balance, nil
}

// CreateAccount opens the organisation's account. A positive initial balance
// is recorded as a GRANT so the log reconciles with the balance.
func (s *Service) CreateAccount(ctx context.Context, organisationID string, initialBalance int64) (*Account, error) {
	if initialBalance < 0 {
		return nil, ErrInvalidAmount
	}

	acc := &Account{
		ID:             s.node.Generate().String(),
		OrganisationID: organisationID,
		Balance:        initialBalance,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(acc).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return ErrAccountExists
			}
			return err
		}
		if initialBalance == 0 {
			return nil
		}
		return tx.Create(s.newTransaction(organisationID, initialBalance, KindGrant, "", "Initial balance")).Error
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("[Credit] account created",
		zap.String("organisation_id", organisationID),
		zap.Int64("initial_balance", initialBalance),
	)
	return acc, nil
}

// Deduct atomically debits the account and appends a DEDUCTION row. When the
// balance does not cover the amount nothing is written.
func (s *Service) Deduct(ctx context.Context, req DeductRequest) (*Transaction, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var out *Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Account{}).
			Where("organisation_id = ? AND balance >= ?", req.OrganisationID, req.Amount).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance - ?", req.Amount),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&Account{}).Where("organisation_id = ?", req.OrganisationID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrAccountNotFound
			}
			return ErrInsufficientBalance
		}

		txn := s.newTransaction(req.OrganisationID, req.Amount, KindDeduction, req.JobID, req.Description)
		if err := tx.Create(txn).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return ErrAlreadyDeducted
			}
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordCreditsDeducted(ctx, req.Amount)
	return out, nil
}

// Refund credits the account back and appends a REFUND row. A job can be
// refunded once; later attempts return ErrAlreadyRefunded and change nothing.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*Transaction, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var out *Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn := s.newTransaction(req.OrganisationID, req.Amount, KindRefund, req.JobID, req.Description)
		if err := tx.Create(txn).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return ErrAlreadyRefunded
			}
			return err
		}

		res := tx.Model(&Account{}).
			Where("organisation_id = ?", req.OrganisationID).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", req.Amount),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAccountNotFound
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordCreditsRefunded(ctx, req.Amount)
	zap.L().Info("[Credit] refunded",
		zap.String("organisation_id", req.OrganisationID),
		zap.String("job_id", req.JobID),
		zap.Int64("amount", req.Amount),
	)
	return out, nil
}

// RefundJob refunds a job's cost inside tx. A job that was already refunded
// counts as success.
func (s *Service) RefundJob(ctx context.Context, tx *gorm.DB, organisationID, jobID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	_, err := s.WithTrx(tx).Refund(ctx, RefundRequest{
		OrganisationID: organisationID,
		Amount:         amount,
		JobID:          jobID,
		Description:    fmt.Sprintf("Refund for failed job: %s", jobID),
	})
	if errors.Is(err, ErrAlreadyRefunded) {
		zap.L().Warn("[Credit] refund skipped, already refunded", zap.String("job_id", jobID))
		return nil
	}
	return err
}

// Grant tops up an account.
func (s *Service) Grant(ctx context.Context, organisationID string, amount int64, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var out *Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Account{}).
			Where("organisation_id = ?", organisationID).
			Update("balance", gorm.Expr("balance + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAccountNotFound
		}
		out = s.newTransaction(organisationID, amount, KindGrant, "", description)
		return tx.Create(out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListTransactions returns the newest transactions first.
func (s *Service) ListTransactions(ctx context.Context, organisationID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = defaultTransactionLimit
	}
	return s.transactions.Find(ctx, &Transaction{OrganisationID: organisationID},
		option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}),
		option.WithOrder("id DESC"),
		option.ApplyPagination(limit, 0),
	)
}

func (s *Service) Reconcile(ctx context.Context, organisationID string) (Reconciliation, error) {
	out := Reconciliation{OrganisationID: organisationID}

	balance, err := s.GetBalance(ctx, organisationID)
	if err != nil {
		return out, err
	}
	out.Balance = balance

	var rows []struct {
		Kind  Kind
		Total int64
	}
	if err := s.db.WithContext(ctx).Model(&Transaction{}).
		Select("kind, COALESCE(SUM(amount), 0) AS total").
		Where("organisation_id = ?", organisationID).
		Group("kind").
		Scan(&rows).Error; err != nil {
		return out, err
	}
	for _, r := range rows {
		out.LedgerSum += r.Kind.Signed(r.Total)
	}

	if !out.Balanced() {
		zap.L().Error("[Credit] ledger out of balance",
			zap.String("organisation_id", organisationID),
			zap.Int64("balance", out.Balance),
			zap.Int64("ledger_sum", out.LedgerSum),
		)
	}
	return out, nil
}

func (s *Service) newTransaction(organisationID string, amount int64, kind Kind, jobID, description string) *Transaction {
	txn := &Transaction{
		ID:             s.node.Generate().String(),
		OrganisationID: organisationID,
		Amount:         amount,
		Kind:           kind,
		Description:    description,
	}
	if jobID != "" {
		txn.JobID = &jobID
	}
	return txn
}
