// Package pipeline orchestrates a transfer from request to settled state.
//
// The pipeline is the only writer of transaction status. It runs the limit
// policy and risk evaluation on creation, moves the record through the
// lifecycle, hands approved transfers to the settlement engine, and feeds
// settled outcomes back into behavioral scoring. Handlers and background
// workers talk to this service, never to the stores directly.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fubapay/fubapay/internal/actor"
	"github.com/fubapay/fubapay/internal/audit"
	"github.com/fubapay/fubapay/internal/chain"
	"github.com/fubapay/fubapay/internal/fraud"
	"github.com/fubapay/fubapay/internal/idgen"
	"github.com/fubapay/fubapay/internal/ledger"
	"github.com/fubapay/fubapay/internal/limits"
	"github.com/fubapay/fubapay/internal/metrics"
	"github.com/fubapay/fubapay/internal/risk"
	"github.com/fubapay/fubapay/internal/scoring"
	"github.com/fubapay/fubapay/internal/settlement"
)

var (
	// ErrValidation rejects malformed transfer requests before any store
	// access.
	ErrValidation = errors.New("pipeline: invalid transfer request")

	// ErrNotSettleable rejects settlement of a transaction whose status
	// does not allow it.
	ErrNotSettleable = errors.New("pipeline: transaction is not settleable")

	// ErrNotReviewable rejects review verdicts on transactions that are
	// not queued for review.
	ErrNotReviewable = errors.New("pipeline: transaction is not in review")
)

// Settler executes approved transfers on chain in two phases so the pipeline
// can persist the broadcast hash before the confirmation wait begins.
type Settler interface {
	Broadcast(ctx context.Context, to string, amount string) (*settlement.Receipt, error)
	Confirm(ctx context.Context, txHash string) *settlement.Receipt
	Status(ctx context.Context, txHash string) (*settlement.Receipt, error)
}

// WalletStore is the narrow port to the balance subsystem. Reserve holds
// funds when a transfer is approved; Commit finalizes them on confirmation;
// Release returns them on failure or rejection.
type WalletStore interface {
	Reserve(ctx context.Context, actorID string, amount string) error
	Commit(ctx context.Context, actorID string, amount string) error
	Release(ctx context.Context, actorID string, amount string) error
}

// NopWallet satisfies WalletStore when no balance subsystem is wired.
type NopWallet struct{}

func (NopWallet) Reserve(ctx context.Context, actorID, amount string) error { return nil }
func (NopWallet) Commit(ctx context.Context, actorID, amount string) error  { return nil }
func (NopWallet) Release(ctx context.Context, actorID, amount string) error { return nil }

// Notifier receives transaction lifecycle events.
type Notifier interface {
	TransactionUpdated(tx *ledger.Transaction)
}

// NopNotifier drops events.
type NopNotifier struct{}

func (NopNotifier) TransactionUpdated(tx *ledger.Transaction) {}

// CreateRequest is an incoming transfer.
type CreateRequest struct {
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	ActorID    string      `json:"actorId"`
	Type       ledger.Type `json:"type"`
	Amount     string      `json:"amount"`
	Currency   string      `json:"currency"`
	ToAddress  string      `json:"toAddress"`
}

// Deps wires the pipeline's collaborators.
type Deps struct {
	Transactions ledger.Store
	Actors       *actor.Registry
	Risk         *risk.Engine
	Limits       *limits.Policy
	Scoring      *scoring.Engine
	Settler      Settler
	Wallets      WalletStore
	Audit        *audit.Recorder
	Notifier     Notifier
	Network      string
	Logger       *slog.Logger
}

// Service is the transfer orchestrator.
type Service struct {
	txs     ledger.Store
	actors  *actor.Registry
	risk    *risk.Engine
	limits  *limits.Policy
	scorer  *scoring.Engine
	settler Settler
	wallets WalletStore
	audit   *audit.Recorder
	notify  Notifier
	network string
	logger  *slog.Logger
}

// New creates the pipeline service. Wallets and Notifier default to no-ops.
func New(d Deps) *Service {
	if d.Wallets == nil {
		d.Wallets = NopWallet{}
	}
	if d.Notifier == nil {
		d.Notifier = NopNotifier{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		txs:     d.Transactions,
		actors:  d.Actors,
		risk:    d.Risk,
		limits:  d.Limits,
		scorer:  d.Scoring,
		settler: d.Settler,
		wallets: d.Wallets,
		audit:   d.Audit,
		notify:  d.Notifier,
		network: d.Network,
		logger:  d.Logger,
	}
}

// Create records a transfer, enforces limits, runs risk evaluation, and
// moves the transaction to APPROVED, AI_REVIEW, or REJECTED.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*ledger.Transaction, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	amount := fraud.ParseAmount(req.Amount)
	if err := s.limits.CanProcess(ctx, req.ActorID, amount); err != nil {
		return nil, err
	}

	now := time.Now()
	tx := &ledger.Transaction{
		ID:         idgen.WithPrefix("tx_"),
		Reference:  idgen.Reference(),
		Type:       req.Type,
		Status:     ledger.StatusPending,
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		ActorID:    req.ActorID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Network:    s.network,
		ToAddress:  req.ToAddress,
		RiskLevel:  ledger.RiskLow,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.txs.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("pipeline: create transaction: %w", err)
	}
	s.audit.Record(ctx, tx.ID, tx.ActorID, audit.OpTransferCreated, map[string]string{
		"amount": tx.Amount, "reference": tx.Reference,
	})

	assessment, err := s.risk.Evaluate(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: risk evaluation: %w", err)
	}
	tx.SetRisk(assessment.RiskScore, assessment.Reason)

	switch assessment.Decision {
	case fraud.DecisionApprove:
		if err := s.transition(ctx, tx, ledger.StatusApproved); err != nil {
			return nil, err
		}
		if err := s.wallets.Reserve(ctx, tx.ActorID, tx.Amount); err != nil {
			return nil, fmt.Errorf("pipeline: reserve funds: %w", err)
		}
	case fraud.DecisionReview:
		if err := s.transition(ctx, tx, ledger.StatusAIReview); err != nil {
			return nil, err
		}
		s.audit.Record(ctx, tx.ID, tx.ActorID, audit.OpTransferReviewed, assessment)
	case fraud.DecisionBlock:
		if err := s.transition(ctx, tx, ledger.StatusRejected); err != nil {
			return nil, err
		}
		s.audit.Record(ctx, tx.ID, tx.ActorID, audit.OpTransferRejected, assessment)
	}
	s.audit.Record(ctx, tx.ID, tx.ActorID, audit.OpRiskEvaluated, assessment)
	return tx, nil
}

// Review resolves a transaction queued for manual review.
func (s *Service) Review(ctx context.Context, txID string, approve bool) (*ledger.Transaction, error) {
	tx, err := s.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != ledger.StatusAIReview {
		return nil, fmt.Errorf("%w: status %s", ErrNotReviewable, tx.Status)
	}

	if approve {
		if err := s.transition(ctx, tx, ledger.StatusApproved); err != nil {
			return nil, err
		}
		if err := s.wallets.Reserve(ctx, tx.ActorID, tx.Amount); err != nil {
			return nil, fmt.Errorf("pipeline: reserve funds: %w", err)
		}
		return tx, nil
	}

	if err := s.transition(ctx, tx, ledger.StatusRejected); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, tx.ID, tx.ActorID, audit.OpTransferRejected, map[string]string{
		"by": "manual_review",
	})
	return tx, nil
}

// Settle executes an APPROVED transaction on chain and finalizes the record
// from the settlement outcome. Connectivity and broadcast failures roll the
// transaction back to APPROVED so it can be settled again later.
func (s *Service) Settle(ctx context.Context, txID string) (*ledger.Transaction, error) {
	tx, err := s.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != ledger.StatusApproved {
		return nil, fmt.Errorf("%w: status %s", ErrNotSettleable, tx.Status)
	}
	if tx.ToAddress == "" {
		return nil, fmt.Errorf("%w: no settlement address", ErrNotSettleable)
	}

	if err := s.transition(ctx, tx, ledger.StatusProcessing); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, tx.ID, tx.ActorID, audit.OpSettlementStarted, nil)

	broadcast, err := s.settler.Broadcast(ctx, tx.ToAddress, tx.Amount)
	if err != nil {
		// Nothing reached the chain. Roll back so the transfer stays
		// settleable; reserved funds stay reserved.
		if rbErr := s.transition(ctx, tx, ledger.StatusApproved); rbErr != nil {
			s.logger.Error("settlement rollback failed", "transaction", tx.ID, "error", rbErr)
		}
		if errors.Is(err, chain.ErrNoLiveEndpoint) {
			s.logger.Warn("settlement deferred, no live endpoint", "transaction", tx.ID)
		}
		return tx, fmt.Errorf("pipeline: settle %s: %w", tx.ID, err)
	}

	// The hash must be durable before the confirmation wait: a crash or
	// cancellation mid-poll leaves a PROCESSING record that Resolve can
	// still finish.
	tx.TxHash = broadcast.TxHash
	tx.ExplorerURL = broadcast.ExplorerURL
	if err := s.txs.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("pipeline: persist broadcast hash: %w", err)
	}
	s.audit.Record(ctx, tx.ID, tx.ActorID, audit.OpSettlementBroadcast, broadcast)

	return s.finalize(ctx, tx, s.settler.Confirm(ctx, broadcast.TxHash))
}

// Resolve re-checks a PROCESSING transaction whose confirmation timed out,
// using the hash recorded at broadcast time.
func (s *Service) Resolve(ctx context.Context, txID string) (*ledger.Transaction, error) {
	tx, err := s.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != ledger.StatusProcessing || tx.TxHash == "" {
		return nil, fmt.Errorf("%w: status %s", ErrNotSettleable, tx.Status)
	}

	receipt, err := s.settler.Status(ctx, tx.TxHash)
	if err != nil {
		return nil, fmt.Errorf("pipeline: resolve %s: %w", tx.ID, err)
	}
	return s.finalize(ctx, tx, receipt)
}

// finalize maps a settlement receipt onto the transaction record and runs
// the post-settlement bookkeeping.
func (s *Service) finalize(ctx context.Context, tx *ledger.Transaction, r *settlement.Receipt) (*ledger.Transaction, error) {
	tx.TxHash = r.TxHash
	tx.BlockNumber = r.BlockNumber
	tx.Confirmations = r.Confirmations
	tx.ExplorerURL = r.ExplorerURL
	if r.GasFee != "" {
		tx.GasFee = r.GasFee
	}

	switch r.Outcome {
	case settlement.OutcomeConfirmed:
		now := time.Now()
		tx.ExecutedAt = &now
		if err := s.transition(ctx, tx, ledger.StatusConfirmed); err != nil {
			return nil, err
		}
		if err := s.wallets.Commit(ctx, tx.ActorID, tx.Amount); err != nil {
			s.logger.Error("wallet commit failed", "transaction", tx.ID, "error", err)
		}
		s.recordOutcome(ctx, tx)
		s.audit.Record(ctx, tx.ID, tx.ActorID, audit.OpSettlementConfirmed, r)

	case settlement.OutcomeFailed:
		if err := s.transition(ctx, tx, ledger.StatusFailed); err != nil {
			return nil, err
		}
		if err := s.wallets.Release(ctx, tx.ActorID, tx.Amount); err != nil {
			s.logger.Error("wallet release failed", "transaction", tx.ID, "error", err)
		}
		s.recordOutcome(ctx, tx)
		s.audit.Record(ctx, tx.ID, tx.ActorID, audit.OpSettlementFailed, r)

	case settlement.OutcomeTimedOut:
		// Still PROCESSING on our side; keep the hash so Resolve can
		// finish the job once the chain catches up.
		if err := s.txs.Update(ctx, tx); err != nil {
			return nil, fmt.Errorf("pipeline: persist timeout state: %w", err)
		}
		s.notify.TransactionUpdated(tx)
		s.audit.Record(ctx, tx.ID, tx.ActorID, audit.OpSettlementTimedOut, r)
	}
	return tx, nil
}

// Dispute moves a confirmed transaction into dispute and applies the
// reputation penalty.
func (s *Service) Dispute(ctx context.Context, txID string) (*ledger.Transaction, error) {
	tx, err := s.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, tx, ledger.StatusDisputed); err != nil {
		return nil, err
	}
	s.recordOutcome(ctx, tx)
	return tx, nil
}

// Refund resolves a dispute (or reverses a confirmed transfer) as refunded.
func (s *Service) Refund(ctx context.Context, txID string) (*ledger.Transaction, error) {
	tx, err := s.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, tx, ledger.StatusRefunded); err != nil {
		return nil, err
	}
	return tx, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, txID string) (*ledger.Transaction, error) {
	return s.txs.Get(ctx, txID)
}

// GetByReference returns a transaction by its human-readable reference.
func (s *Service) GetByReference(ctx context.Context, ref string) (*ledger.Transaction, error) {
	return s.txs.GetByReference(ctx, ref)
}

// Reputation returns the actor's profile.
func (s *Service) Reputation(ctx context.Context, actorID string) (*actor.Profile, error) {
	return s.actors.Get(ctx, actorID)
}

// Limits returns the actor's current allowance snapshot.
func (s *Service) Limits(ctx context.Context, actorID string) (*limits.Limits, error) {
	return s.limits.For(ctx, actorID)
}

// recordOutcome feeds a settled transaction into incremental scoring. A
// scoring failure never fails the transfer; the next full recompute heals it.
func (s *Service) recordOutcome(ctx context.Context, tx *ledger.Transaction) {
	if tx.ActorID == "" {
		return
	}
	p, err := s.scorer.RecordOutcome(ctx, tx.ActorID, tx)
	if err != nil {
		s.logger.Error("incremental scoring failed", "transaction", tx.ID, "error", err)
		return
	}
	s.audit.Record(ctx, tx.ID, tx.ActorID, audit.OpScoreAdjusted, map[string]any{
		"score": p.ReputationScore,
		"tier":  p.TrustTier,
	})
	if p.Frozen {
		s.audit.Record(ctx, tx.ID, tx.ActorID, audit.OpActorFrozen, nil)
	}
}

// transition applies a lifecycle step, persists it, and fans out the event.
func (s *Service) transition(ctx context.Context, tx *ledger.Transaction, to ledger.Status) error {
	if !ledger.CanTransition(tx.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ledger.ErrInvalidTransition, tx.Status, to)
	}
	tx.Status = to
	if err := s.txs.Update(ctx, tx); err != nil {
		return fmt.Errorf("pipeline: persist %s: %w", to, err)
	}
	metrics.TransactionsTotal.WithLabelValues(string(to)).Inc()
	s.notify.TransactionUpdated(tx)
	return nil
}

func validate(req CreateRequest) error {
	if req.SenderID == "" || req.ReceiverID == "" {
		return fmt.Errorf("%w: sender and receiver required", ErrValidation)
	}
	if req.SenderID == req.ReceiverID {
		return fmt.Errorf("%w: cannot send funds to yourself", ErrValidation)
	}
	if req.ActorID == "" {
		return fmt.Errorf("%w: actor required", ErrValidation)
	}
	switch req.Type {
	case ledger.TypeP2P, ledger.TypeAgentExchange, ledger.TypeMerchantPayment:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrValidation, req.Type)
	}
	if amt := fraud.ParseAmount(req.Amount); amt <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if req.Currency == "" {
		return fmt.Errorf("%w: currency required", ErrValidation)
	}
	if req.ToAddress != "" && !chain.ValidAddress(req.ToAddress) {
		return fmt.Errorf("%w: malformed settlement address", ErrValidation)
	}
	return nil
}
