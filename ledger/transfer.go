/*
transfer.go - Two-leg transfers between site accounts

PURPOSE:
  Moves a quantity of one material from one site to another as a single
  logical operation producing two linked transactions: transfer_out at the
  source, transfer_in at the destination. Both commit or neither does - a
  partial transfer is never observable.

STATE MACHINE:
  Proposed -> Validated -> Committed
  Proposed -> Rejected

  Validation checks both accounts before either leg is written: the
  source must cover the quantity out of AVAILABLE stock (reserved stock
  cannot be transferred away). Commit lands both legs through the store's
  two-account atomic primitive; a version conflict on either account
  rolls the whole operation back and retries.

DEADLOCK AVOIDANCE:
  Accounts are always read and committed in deterministic key order
  (AccountKey.Less), so two concurrent transfers touching the same pair
  of accounts cannot acquire them in opposite orders.

SEE ALSO:
  - store.go: CommitPair contract
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/yardstack/inventory-engine/catalog"
)

// TransferState tracks a transfer through its lifecycle.
type TransferState string

const (
	TransferProposed  TransferState = "proposed"
	TransferValidated TransferState = "validated"
	TransferCommitted TransferState = "committed"
	TransferRejected  TransferState = "rejected"
)

// TransferRequest describes one site-to-site move of a material.
type TransferRequest struct {
	MaterialID MaterialID
	FromSite   SiteID
	ToSite     SiteID
	Quantity   decimal.Decimal
	ActorID    string
	Note       string
}

// TransferResult reports the committed legs.
type TransferResult struct {
	State TransferState
	Out   Transaction // source leg (negative quantity)
	In    Transaction // destination leg (positive quantity)
}

// TransferService executes the two-leg transfer protocol.
type TransferService struct {
	ledger *Ledger
	store  Store
}

// NewTransferService creates a transfer service sharing the ledger's
// store, clock, ids and catalog.
func NewTransferService(l *Ledger, store Store) *TransferService {
	return &TransferService{ledger: l, store: store}
}

// Execute validates and commits a transfer, retrying optimistic conflicts
// within the ledger's retry budget. On any rejection neither account is
// mutated.
func (s *TransferService) Execute(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := s.validateRequest(ctx, req); err != nil {
		return nil, err
	}

	var result *TransferResult
	backoff := retry.WithMaxRetries(s.ledger.maxRetries, retry.NewExponential(5*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := s.executeOnce(ctx, req)
		if err != nil {
			if IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *TransferService) executeOnce(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	srcKey := AccountKey{SiteID: req.FromSite, MaterialID: req.MaterialID}
	dstKey := AccountKey{SiteID: req.ToSite, MaterialID: req.MaterialID}

	// Deterministic acquisition order across both accounts.
	first, second := srcKey, dstKey
	if second.Less(first) {
		first, second = second, first
	}
	accounts := make(map[AccountKey]Account, 2)
	for _, key := range []AccountKey{first, second} {
		acc, err := s.store.GetAccount(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load account %s/%s: %w", key.SiteID, key.MaterialID, err)
		}
		accounts[key] = acc
	}
	src, dst := accounts[srcKey], accounts[dstKey]

	// Validate both sides before either leg is staged. Reserved stock at
	// the source is off limits: only available stock may leave the site.
	if req.Quantity.GreaterThan(src.AvailableStock()) {
		return nil, &InvariantError{
			SiteID:     src.SiteID,
			MaterialID: src.MaterialID,
			Current:    src.CurrentStock,
			Reserved:   src.ReservedStock,
			Delta:      req.Quantity.Neg(),
			Reason:     "negative_stock",
		}
	}

	outIntent := TransactionIntent{
		SiteID:     req.FromSite,
		MaterialID: req.MaterialID,
		Type:       TxTransferOut,
		Quantity:   req.Quantity,
		ActorID:    req.ActorID,
		Note:       req.Note,
	}
	inIntent := TransactionIntent{
		SiteID:     req.ToSite,
		MaterialID: req.MaterialID,
		Type:       TxTransferIn,
		Quantity:   req.Quantity,
		ActorID:    req.ActorID,
		Note:       req.Note,
	}

	newSrc, err := ApplyIntent(src, outIntent)
	if err != nil {
		return nil, err
	}
	newDst, err := ApplyIntent(dst, inIntent)
	if err != nil {
		return nil, err
	}

	price, err := s.ledger.resolvePrice(ctx, outIntent)
	if err != nil {
		return nil, err
	}

	now := s.ledger.now()
	outTx := Transaction{
		ID:         s.ledger.newID(),
		SiteID:     req.FromSite,
		MaterialID: req.MaterialID,
		Sequence:   src.LastSequence + 1,
		Type:       TxTransferOut,
		Quantity:   req.Quantity.Neg(),
		UnitPrice:  price,
		ActorID:    req.ActorID,
		Note:       req.Note,
		RecordedAt: now,
	}
	inTx := Transaction{
		ID:         s.ledger.newID(),
		SiteID:     req.ToSite,
		MaterialID: req.MaterialID,
		Sequence:   dst.LastSequence + 1,
		Type:       TxTransferIn,
		Quantity:   req.Quantity,
		UnitPrice:  price,
		ActorID:    req.ActorID,
		Note:       req.Note,
		RecordedAt: now,
	}
	outTx.LinkedTxID = inTx.ID
	inTx.LinkedTxID = outTx.ID

	newSrc.LastSequence = outTx.Sequence
	newSrc.Version = src.Version + 1
	newSrc.UpdatedAt = now
	if src.Version == 0 {
		newSrc.CreatedAt = now
	}
	newDst.LastSequence = inTx.Sequence
	newDst.Version = dst.Version + 1
	newDst.UpdatedAt = now
	if dst.Version == 0 {
		newDst.CreatedAt = now
	}

	// Commit in the same deterministic order the accounts were read in.
	if first == srcKey {
		err = s.store.CommitPair(ctx,
			src.Version, newSrc, []Transaction{outTx},
			dst.Version, newDst, []Transaction{inTx})
	} else {
		err = s.store.CommitPair(ctx,
			dst.Version, newDst, []Transaction{inTx},
			src.Version, newSrc, []Transaction{outTx})
	}
	if err != nil {
		return nil, err
	}

	s.ledger.notify(srcKey, newSrc.LastSequence)
	s.ledger.notify(dstKey, newDst.LastSequence)

	return &TransferResult{State: TransferCommitted, Out: outTx, In: inTx}, nil
}

func (s *TransferService) validateRequest(ctx context.Context, req TransferRequest) error {
	switch {
	case req.MaterialID == "":
		return &IntentError{Field: "material_id", Reason: "required"}
	case req.FromSite == "":
		return &IntentError{Field: "from_site", Reason: "required"}
	case req.ToSite == "":
		return &IntentError{Field: "to_site", Reason: "required"}
	case req.FromSite == req.ToSite:
		return &IntentError{Field: "to_site", Reason: "source and destination must differ"}
	case req.ActorID == "":
		return &IntentError{Field: "actor_id", Reason: "required"}
	case !req.Quantity.IsPositive():
		return &IntentError{Field: "quantity", Reason: "must be positive"}
	}

	if _, err := s.ledger.catalog.Get(ctx, string(req.MaterialID)); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownMaterial, req.MaterialID)
		}
		return fmt.Errorf("catalog lookup: %w", err)
	}
	return nil
}
