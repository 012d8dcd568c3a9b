package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"TokenSettle/internal/assets"
	"TokenSettle/internal/chain"
	"TokenSettle/internal/custody"
	"TokenSettle/internal/metrics"
	"TokenSettle/internal/models"
	"TokenSettle/internal/payments"
	"TokenSettle/internal/pricing"
	"TokenSettle/internal/store"
	"TokenSettle/internal/txbuilder"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type SwapRequest struct {
	OwnerID     string
	InputAsset  string
	InputAmount decimal.Decimal
	// OutputAsset defaults to the primary product token.
	OutputAsset string
}

// Quote is a priced, validated swap ready to be recorded.
type Quote struct {
	Input        assets.Asset
	Output       assets.Asset
	InputAmount  decimal.Decimal
	InputUnits   uint64
	OutputAmount decimal.Decimal
	OutputUnits  uint64
	Rate         decimal.Decimal
	USDValue     decimal.Decimal
}

type InitiatedSwap struct {
	Order       *models.Order
	Transaction string
}

type SwapService struct {
	Store          OrderStore
	Assets         *assets.Registry
	Pricing        pricing.Service
	Ledger         chain.Ledger
	Settler        *payments.Settler
	Credentials    *custody.Credentials
	Vault          *custody.Vault
	Destination    solana.PublicKey
	PrimaryProduct string
	SettleDelay    time.Duration
	PendingTimeout time.Duration
	Metrics        *metrics.Settlement
	Log            zerolog.Logger
	Clock          Clock
	// Sleep waits out the settle delay; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// CreateSwap runs the custodial path: the server signs the funds-in transfer
// with the owner's custody key and pays out in the same call.
func (s *SwapService) CreateSwap(ctx context.Context, req SwapRequest) (*models.Order, error) {
	wallet, owner, err := ownerWallet(ctx, s.Store, req.OwnerID)
	if err != nil {
		return nil, err
	}
	q, err := s.quote(ctx, req)
	if err != nil {
		return nil, err
	}
	key, err := custodyKey(s.Vault, wallet)
	if err != nil {
		return nil, err
	}
	outBalance, err := s.checkBalances(ctx, owner, q)
	if err != nil {
		return nil, err
	}

	order := s.newOrder(req.OwnerID, models.ModeCustodial, q)
	if err := s.Store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.logTransition(order)
	if err := s.markSubmitted(ctx, order); err != nil {
		return nil, err
	}
	// From the first submission on the order settles regardless of the caller.
	ctx = context.WithoutCancel(ctx)

	if !outBalance.Exists {
		create := txbuilder.CreateTokenAccount(owner, owner, q.Output.Mint)
		if _, err := s.Settler.Submit(ctx, "swap_create_account", key, nil, create); err != nil {
			return nil, s.fail(ctx, order, "swap_create_account", err)
		}
		if err := s.sleep(ctx, s.SettleDelay); err != nil {
			return nil, s.fail(ctx, order, "swap_create_account", err)
		}
		if err := s.markSubmitted(ctx, order); err != nil {
			return nil, err
		}
	}

	transfer, err := txbuilder.Transfer(q.Input, owner, s.Destination, q.InputUnits)
	if err != nil {
		return nil, s.fail(ctx, order, "swap_funds_in", err)
	}
	fundsIn, err := s.Settler.Submit(ctx, "swap_funds_in", key, nil, transfer)
	if err != nil {
		return nil, s.failWithReason(ctx, order, "swap_funds_in", err, sentDetail("funds-in", fundsIn))
	}
	return s.payOut(ctx, order, owner, q, fundsIn)
}

// InitiateSwap records a pending client-signed order and returns the unsigned
// funds-in transaction for the owner to sign.
func (s *SwapService) InitiateSwap(ctx context.Context, req SwapRequest) (*InitiatedSwap, error) {
	_, owner, err := ownerWallet(ctx, s.Store, req.OwnerID)
	if err != nil {
		return nil, err
	}
	q, err := s.quote(ctx, req)
	if err != nil {
		return nil, err
	}
	outBalance, err := s.checkBalances(ctx, owner, q)
	if err != nil {
		return nil, err
	}

	var ixs []solana.Instruction
	if !outBalance.Exists {
		ixs = append(ixs, txbuilder.CreateTokenAccount(owner, owner, q.Output.Mint))
	}
	transfer, err := txbuilder.Transfer(q.Input, owner, s.Destination, q.InputUnits)
	if err != nil {
		return nil, err
	}
	ixs = append(ixs, transfer)
	tx, err := s.Settler.Builder.New(ctx, owner, ixs...)
	if err != nil {
		return nil, err
	}
	payload, err := txbuilder.Encode(tx)
	if err != nil {
		return nil, err
	}

	order := s.newOrder(req.OwnerID, models.ModeClient, q)
	if err := s.Store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.logTransition(order)
	return &InitiatedSwap{Order: order, Transaction: payload}, nil
}

// CompleteSwap verifies and submits the owner-signed funds-in transaction of a
// pending client order, then pays out.
func (s *SwapService) CompleteSwap(ctx context.Context, ownerID, orderID, signedTx string) (*models.Order, error) {
	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if order.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	if order.Mode != models.ModeClient {
		return nil, validationf("order %s is not client-signed", orderID)
	}
	if order.Status != models.OrderPending {
		return nil, fmt.Errorf("%w: order %s is %s", ErrReplay, orderID, order.Status)
	}
	if s.Clock.now().Sub(order.CreatedAt) > s.PendingTimeout {
		return nil, validationf("order %s has expired", orderID)
	}
	_, owner, err := ownerWallet(ctx, s.Store, ownerID)
	if err != nil {
		return nil, err
	}

	q, err := s.requote(order)
	if err != nil {
		return nil, err
	}
	tx, raw, err := txbuilder.Decode(signedTx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := txbuilder.VerifySigner(tx, owner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	transfer, err := txbuilder.Transfer(q.Input, owner, s.Destination, q.InputUnits)
	if err != nil {
		return nil, err
	}
	create := txbuilder.CreateTokenAccount(owner, owner, q.Output.Mint)
	if err := txbuilder.MatchAny(tx, []solana.Instruction{transfer}, []solana.Instruction{create, transfer}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	sig := tx.Signatures[0].String()
	if err := s.Store.ClaimSignature(ctx, sig, "swap_funds_in", orderID); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: signature %s", ErrReplay, sig)
		}
		return nil, err
	}
	if err := s.markSubmitted(ctx, order); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	fundsIn, err := s.Settler.SubmitRaw(ctx, "swap_funds_in", raw)
	if err != nil {
		return nil, s.failWithReason(ctx, order, "swap_funds_in", err, sentDetail("funds-in", fundsIn))
	}
	return s.payOut(ctx, order, owner, q, fundsIn)
}

func (s *SwapService) GetOrder(ctx context.Context, ownerID, orderID string) (*models.Order, error) {
	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if order.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return order, nil
}

func (s *SwapService) ListOrders(ctx context.Context, ownerID string) ([]*models.Order, error) {
	return s.Store.ListOrdersByOwner(ctx, ownerID, defaultListLimit)
}

// payOut sends the output tokens from the authority and completes the order.
// A failure here leaves the owner's funds received without a payout; it is
// recorded on the order and counted, never refunded automatically.
func (s *SwapService) payOut(ctx context.Context, order *models.Order, owner solana.PublicKey, q *Quote, fundsIn solana.Signature) (*models.Order, error) {
	if err := s.markSubmitted(ctx, order); err != nil {
		if errors.Is(err, ErrReplay) {
			return nil, s.orphaned(ctx, order, q, fundsIn, solana.Signature{})
		}
		// The stamp only holds the reaper off; settle anyway.
		s.Log.Warn().Err(err).Str("order_id", order.OrderID).Msg("refresh submission stamp")
	}

	fundsOut, err := s.Settler.Pay(ctx, payments.Payout{
		Op:     "swap_funds_out",
		Asset:  q.Output,
		Amount: q.OutputUnits,
		To:     owner,
		Source: s.Credentials.Authority(),
		Payer:  s.Credentials.Funding(),
	})
	if err != nil {
		s.Metrics.UnsettledSwap(q.Input.Symbol)
		s.Log.Error().Err(err).
			Str("order_id", order.OrderID).
			Str("owner_id", order.OwnerID).
			Str("funds_in_signature", fundsIn.String()).
			Str("input_quantity", order.InputQuantity.String()).
			Msg("payout failed after funds were received")
		detail := fmt.Sprintf("payout failed after funds-in %s", fundsIn)
		if sent := sentDetail("funds-out", fundsOut); sent != "" {
			detail += ", " + sent
		}
		return nil, s.failWithReason(ctx, order, "swap_funds_out", err, detail)
	}

	payload, err := json.Marshal(map[string]string{"order_id": order.OrderID})
	if err != nil {
		return nil, err
	}
	ev := &models.OutboxEvent{
		EventID:     uuid.NewString(),
		Kind:        models.EventOrderCompleted,
		AggregateID: order.OrderID,
		Payload:     payload,
	}
	ok, err := s.Store.CompleteOrder(ctx, order.OrderID, fundsIn.String(), fundsOut.String(), ev)
	if err != nil {
		s.Log.Error().Err(err).Str("order_id", order.OrderID).
			Str("funds_in_signature", fundsIn.String()).
			Str("funds_out_signature", fundsOut.String()).
			Msg("settled order could not be recorded")
		return nil, err
	}
	if !ok {
		return nil, s.orphaned(ctx, order, q, fundsIn, fundsOut)
	}

	in, out := fundsIn.String(), fundsOut.String()
	order.Status = models.OrderCompleted
	order.FundsInSignature = &in
	order.FundsOutSignature = &out
	order.UpdatedAt = s.Clock.now()
	s.logTransition(order)
	return order, nil
}

// orphaned handles an order that left pending while its transfers were in
// flight. The signatures that landed are appended to its failure reason.
func (s *SwapService) orphaned(ctx context.Context, order *models.Order, q *Quote, fundsIn, fundsOut solana.Signature) error {
	note := sentDetail("funds-in", fundsIn)
	if out := sentDetail("funds-out", fundsOut); out != "" {
		note += ", " + out
	} else {
		s.Metrics.UnsettledSwap(q.Input.Symbol)
	}
	log := s.Log.Error().Str("order_id", order.OrderID).Str("owner_id", order.OwnerID).Str("funds_in_signature", fundsIn.String())
	if !fundsOut.IsZero() {
		log = log.Str("funds_out_signature", fundsOut.String())
	}
	log.Msg("order left pending while settling")

	if _, err := s.Store.NoteOrderFailure(ctx, order.OrderID, "landed after leaving pending: "+note); err != nil {
		s.Log.Error().Err(err).Str("order_id", order.OrderID).Msg("note order failure")
	}
	return fmt.Errorf("%w: order %s left pending while settling (%s)", ErrReplay, order.OrderID, note)
}

// sentDetail names a submitted transaction for a failure reason, or returns
// "" when nothing was sent.
func sentDetail(label string, sig solana.Signature) string {
	if sig.IsZero() {
		return ""
	}
	return label + " " + sig.String()
}

func (s *SwapService) quote(ctx context.Context, req SwapRequest) (*Quote, error) {
	if !req.InputAmount.IsPositive() {
		return nil, validationf("amount must be positive")
	}
	input, err := s.Assets.Lookup(req.InputAsset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !input.Transferable() {
		return nil, validationf("%s cannot be swapped in", input.Symbol)
	}
	outSymbol := req.OutputAsset
	if outSymbol == "" {
		outSymbol = s.PrimaryProduct
	}
	output, err := s.Assets.Lookup(outSymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if output.Kind != assets.KindProduct {
		return nil, validationf("%s is not a product token", output.Symbol)
	}
	inputUnits, err := input.ToBaseUnits(req.InputAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	rate, err := s.Pricing.PriceUSD(ctx, input)
	if err != nil {
		return nil, err
	}
	return s.price(input, output, req.InputAmount, inputUnits, rate)
}

// requote rebuilds the quote recorded on order without consulting the oracle.
func (s *SwapService) requote(order *models.Order) (*Quote, error) {
	input, err := s.Assets.Lookup(order.InputAsset)
	if err != nil {
		return nil, err
	}
	output, err := s.Assets.Lookup(order.OutputAsset)
	if err != nil {
		return nil, err
	}
	inputUnits, err := input.ToBaseUnits(order.InputQuantity)
	if err != nil {
		return nil, err
	}
	outputUnits, err := output.ToBaseUnits(order.OutputQuantity)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Input:        input,
		Output:       output,
		InputAmount:  order.InputQuantity,
		InputUnits:   inputUnits,
		OutputAmount: order.OutputQuantity,
		OutputUnits:  outputUnits,
		Rate:         order.SwapRate,
		USDValue:     order.USDValue,
	}, nil
}

func (s *SwapService) price(input, output assets.Asset, amount decimal.Decimal, inputUnits uint64, rate decimal.Decimal) (*Quote, error) {
	usd := amount.Mul(rate)
	out := output.Round(usd.Div(output.UnitPriceUSD))
	if !out.IsPositive() {
		return nil, validationf("amount too small to buy any %s", output.Symbol)
	}
	outUnits, err := output.ToBaseUnits(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return &Quote{
		Input:        input,
		Output:       output,
		InputAmount:  amount,
		InputUnits:   inputUnits,
		OutputAmount: out,
		OutputUnits:  outUnits,
		Rate:         rate,
		USDValue:     usd,
	}, nil
}

// checkBalances rejects swaps the owner cannot fund or the authority cannot
// pay out, and returns the owner's output token account state.
func (s *SwapService) checkBalances(ctx context.Context, owner solana.PublicKey, q *Quote) (chain.TokenBalance, error) {
	var have uint64
	if q.Input.Native() {
		bal, err := s.Ledger.GetBalance(ctx, owner)
		if err != nil {
			return chain.TokenBalance{}, err
		}
		have = bal
	} else {
		bal, err := s.Ledger.GetTokenBalance(ctx, owner, q.Input.Mint)
		if err != nil {
			return chain.TokenBalance{}, err
		}
		have = bal.Amount
	}
	if have < q.InputUnits {
		return chain.TokenBalance{}, fmt.Errorf("%w: %s holds %s %s, needs %s",
			ErrInsufficientBalance, owner, q.Input.FromBaseUnits(have), q.Input.Symbol, q.InputAmount)
	}

	liquidity, err := s.Ledger.GetTokenBalance(ctx, s.Credentials.AuthorityAddress(), q.Output.Mint)
	if err != nil {
		return chain.TokenBalance{}, err
	}
	if liquidity.Amount < q.OutputUnits {
		return chain.TokenBalance{}, fmt.Errorf("%w: platform cannot deliver %s %s", ErrInsufficientBalance, q.OutputAmount, q.Output.Symbol)
	}

	out, err := s.Ledger.GetTokenBalance(ctx, owner, q.Output.Mint)
	if err != nil {
		return chain.TokenBalance{}, err
	}
	return out, nil
}

func (s *SwapService) newOrder(ownerID string, mode models.SigningMode, q *Quote) *models.Order {
	now := s.Clock.now()
	return &models.Order{
		OrderID:        uuid.NewString(),
		OwnerID:        ownerID,
		Mode:           mode,
		InputAsset:     q.Input.Symbol,
		InputQuantity:  q.InputAmount,
		OutputAsset:    q.Output.Symbol,
		OutputQuantity: q.OutputAmount,
		SwapRate:       q.Rate,
		USDValue:       q.USDValue,
		Status:         models.OrderPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// markSubmitted stamps order before each ledger submission; the reaper leaves
// freshly stamped orders alone.
func (s *SwapService) markSubmitted(ctx context.Context, order *models.Order) error {
	ok, err := s.Store.MarkOrderSubmitted(ctx, order.OrderID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: order %s is no longer pending", ErrReplay, order.OrderID)
	}
	now := s.Clock.now()
	order.SubmittedAt = &now
	return nil
}

func (s *SwapService) fail(ctx context.Context, order *models.Order, op string, cause error) error {
	return s.failWithReason(ctx, order, op, cause, "")
}

// failWithReason moves order to failed and returns the classified error.
func (s *SwapService) failWithReason(ctx context.Context, order *models.Order, op string, cause error, detail string) error {
	serr := submissionError(op, cause)
	reason := serr.UserMessage()
	if detail != "" {
		reason = detail + ": " + reason
	}
	ctx = context.WithoutCancel(ctx)
	ok, err := s.Store.FailOrder(ctx, order.OrderID, reason)
	if err != nil {
		s.Log.Error().Err(err).Str("order_id", order.OrderID).Msg("mark order failed")
	}
	if err == nil && !ok && detail != "" {
		// Already failed elsewhere, usually by the reaper; keep the detail.
		if _, err := s.Store.NoteOrderFailure(ctx, order.OrderID, reason); err != nil {
			s.Log.Error().Err(err).Str("order_id", order.OrderID).Msg("note order failure")
		}
	}
	order.Status = models.OrderFailed
	order.FailureReason = &reason
	s.Log.Warn().Err(cause).Str("order_id", order.OrderID).Str("op", op).Str("kind", string(serr.Kind)).Msg("swap failed")
	s.logTransition(order)
	return serr
}

func (s *SwapService) logTransition(order *models.Order) {
	s.Metrics.Transition("order", string(order.Status))
	s.Log.Info().
		Str("order_id", order.OrderID).
		Str("owner_id", order.OwnerID).
		Str("mode", string(order.Mode)).
		Str("status", string(order.Status)).
		Msg("order transition")
}

func (s *SwapService) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
