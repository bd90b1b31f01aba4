package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/LukasBehrendt/StudioMap/app/models"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"gorm.io/gorm"
)

// Service consumes verified provider events and converts them into
// authoritative payment and membership state. Events arrive at-least-once and
// unordered; the webhook-event table's unique key is the only cross-request
// coordination point, so every handler is written to be safely replayable.
type Service struct {
	repo     Repository
	api      StripeAPI
	notifier Notifier
	now      Clock

	handlers map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, event *stripe.Event) error

// NewService creates a payments service from injected collaborators.
func NewService(repo Repository, api StripeAPI, notifier Notifier) *Service {
	s := &Service{
		repo:     repo,
		api:      api,
		notifier: notifier,
		now:      time.Now,
	}
	s.handlers = map[string]handlerFunc{
		"checkout.session.completed":    s.handleCheckoutCompleted,
		"charge.refunded":               s.handleChargeRefunded,
		"refund.updated":                s.handleRefundUpdated,
		"payment_intent.payment_failed": s.handlePaymentIntentFailed,
		"charge.failed":                 s.handleChargeFailed,
	}
	return s
}

// NewServiceFromDB creates a payments service with production collaborators.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db), NewStripeAPIFromEnv(), NewSMTPNotifier())
}

// AdmitEvent persists the webhook event before any business side effect.
// created=false means another delivery already claimed the event ID and the
// caller must acknowledge without reprocessing.
func (s *Service) AdmitEvent(ctx context.Context, in WebhookEventInput) (bool, *models.WebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.WebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkEventProcessed stamps the ledger record after handling, success or not.
func (s *Service) MarkEventProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}

// HandleEvent dispatches an admitted event to its handler. Unrecognized event
// types are acknowledged as no-ops, not errors: Stripe sends every type the
// account is subscribed to and retrying them would never converge.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	handler, ok := s.handlers[string(event.Type)]
	if !ok {
		log.Printf("payments: ignoring unhandled event type %s (%s)", event.Type, event.ID)
		return nil
	}
	return handler(ctx, event)
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("parse checkout session from event %s: %w", event.ID, err)
	}
	if session.Mode != stripe.CheckoutSessionModePayment {
		// Subscription-mode sessions belong to the legacy recurring flow and
		// are handled nowhere anymore.
		log.Printf("payments: ignoring %s-mode checkout session %s", session.Mode, session.ID)
		return nil
	}

	if strings.TrimSpace(session.Metadata[MetaPurpose]) == models.PurposeFeaturedUpgrade {
		return s.handleFeaturedUpgrade(ctx, session.ID)
	}
	return s.handleMembershipPayment(ctx, session.ID)
}

// handleMembershipPayment records the payment and grants or renews the
// membership. Completion is two-phase: the payment row is durable first, then
// membership processing may fail, and the payment-success notification is
// attempted exactly once before any primary error is propagated.
func (s *Service) handleMembershipPayment(ctx context.Context, sessionID string) error {
	session, err := s.api.ExpandCheckoutSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("expand checkout session %s: %w", sessionID, err)
	}

	user, err := s.resolveCheckoutUser(ctx, session)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("payments: no local user for checkout session %s, skipping", session.ID)
			return nil
		}
		return err
	}

	purpose := strings.TrimSpace(session.Metadata[MetaPurpose])
	if purpose == "" {
		purpose = models.PurposeMembership
	}

	payment, err := s.recordCheckoutPayment(user.ID, session, purpose)
	if err != nil {
		return fmt.Errorf("record payment for session %s: %w", session.ID, err)
	}

	var primaryErr error
	var periodEnd *time.Time

	if purpose == models.PurposeMembershipRenewal {
		kind := strings.TrimSpace(session.Metadata[MetaRenewalType])
		if kind == "" {
			log.Printf("payments: renewal session %s has no renewal_type, payment %s recorded, membership untouched", session.ID, payment.UUID)
			primaryErr = ErrMissingRenewalType
		} else {
			hint := ParseExpiryHint(session.Metadata[MetaCurrentPeriodEnd])
			membership, renewErr := s.Renew(user.ID, kind, hint)
			if renewErr != nil {
				primaryErr = renewErr
			} else {
				periodEnd = &membership.CurrentPeriodEnd
			}
		}
	} else {
		months := s.membershipDuration(ctx, session)
		membership, grantErr := s.GrantMembership(user.ID, months)
		if grantErr != nil {
			primaryErr = grantErr
		} else {
			periodEnd = &membership.CurrentPeriodEnd
		}
	}

	s.sendPaymentSuccess(user, payment, periodEnd)
	return primaryErr
}

func (s *Service) handleFeaturedUpgrade(ctx context.Context, sessionID string) error {
	session, err := s.api.ExpandCheckoutSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("expand checkout session %s: %w", sessionID, err)
	}

	user, err := s.resolveCheckoutUser(ctx, session)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("payments: no local user for featured-upgrade session %s, skipping", session.ID)
			return nil
		}
		return err
	}

	payment, err := s.recordCheckoutPayment(user.ID, session, models.PurposeFeaturedUpgrade)
	if err != nil {
		return fmt.Errorf("record featured-upgrade payment for session %s: %w", session.ID, err)
	}

	days := FeaturedDurationDays(session.Metadata[MetaFeaturedDays])
	until := s.now().AddDate(0, 0, days)

	var primaryErr error
	if err := s.repo.SetStudioFeatured(user.ID, until); err != nil {
		primaryErr = fmt.Errorf("set featured window for user %d: %w", user.ID, err)
	}

	if err := s.notifier.Send(user.Email, TemplateFeaturedUpgrade, map[string]string{
		"name":           user.Name,
		"payment_ref":    payment.UUID,
		"featured_until": until.Format("2006-01-02"),
	}); err != nil {
		log.Printf("payments: featured-upgrade mail to %s failed: %v", user.Email, err)
	}
	return primaryErr
}

// membershipDuration resolves the grant duration in months. Fully discounted
// checkouts may carry a coupon override; anything unparseable or out of range
// falls back to the default instead of failing the event.
func (s *Service) membershipDuration(ctx context.Context, session *stripe.CheckoutSession) int {
	if session.AmountTotal != 0 {
		return defaultMembershipMonths
	}

	coupon := breakdownCoupon(session)
	if coupon == nil {
		return defaultMembershipMonths
	}
	if v, ok := coupon.Metadata[MetaDurationMonths]; ok {
		return MembershipDurationMonths(v)
	}
	// Session expansion strips coupon metadata in some API versions.
	full, err := s.api.RetrieveCoupon(ctx, coupon.ID)
	if err != nil {
		log.Printf("payments: coupon %s lookup failed, using default duration: %v", coupon.ID, err)
		return defaultMembershipMonths
	}
	return MembershipDurationMonths(full.Metadata[MetaDurationMonths])
}

func breakdownCoupon(session *stripe.CheckoutSession) *stripe.Coupon {
	if session.TotalDetails == nil || session.TotalDetails.Breakdown == nil {
		return nil
	}
	for _, d := range session.TotalDetails.Breakdown.Discounts {
		if d != nil && d.Discount != nil && d.Discount.Coupon != nil {
			return d.Discount.Coupon
		}
	}
	return nil
}

// recordCheckoutPayment creates the payment row exactly once per checkout
// session. Concurrent deliveries race on the session's unique index and
// converge on the stored row. A zero amount is a valid, succeeded payment.
func (s *Service) recordCheckoutPayment(userID uint, session *stripe.CheckoutSession, purpose string) (*models.Payment, error) {
	var intentID *string
	chargeID := ""
	if session.PaymentIntent != nil {
		intentID = stripe.String(session.PaymentIntent.ID)
		if session.PaymentIntent.LatestCharge != nil {
			chargeID = session.PaymentIntent.LatestCharge.ID
		}
	}

	meta, _ := json.Marshal(session.Metadata)
	payment := &models.Payment{
		UUID:              uuid.NewString(),
		UserID:            userID,
		CheckoutSessionID: stripe.String(session.ID),
		PaymentIntentID:   intentID,
		ChargeID:          chargeID,
		Amount:            session.AmountTotal,
		Currency:          strings.ToLower(string(session.Currency)),
		Status:            models.PaymentStatusSucceeded,
		Purpose:           purpose,
		MetadataJSON:      string(meta),
	}

	_, stored, err := s.repo.CreatePaymentIfNotExists(payment)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// resolveCheckoutUser maps a checkout session to a local user: explicit
// client reference first, then metadata, then the checkout email, then a
// customer lookup against the provider.
func (s *Service) resolveCheckoutUser(ctx context.Context, session *stripe.CheckoutSession) (*models.User, error) {
	if ref := strings.TrimSpace(session.ClientReferenceID); ref != "" {
		if id, err := strconv.ParseUint(ref, 10, 64); err == nil && id > 0 {
			return s.repo.GetUserByID(uint(id))
		}
	}
	if ref := strings.TrimSpace(session.Metadata[MetaUserID]); ref != "" {
		if id, err := strconv.ParseUint(ref, 10, 64); err == nil && id > 0 {
			return s.repo.GetUserByID(uint(id))
		}
	}
	if session.CustomerDetails != nil && strings.TrimSpace(session.CustomerDetails.Email) != "" {
		return s.repo.GetUserByEmail(strings.TrimSpace(session.CustomerDetails.Email))
	}
	if session.Customer != nil && session.Customer.ID != "" {
		customer, err := s.api.RetrieveCustomer(ctx, session.Customer.ID)
		if err != nil {
			return nil, fmt.Errorf("retrieve customer %s: %w", session.Customer.ID, err)
		}
		if strings.TrimSpace(customer.Email) != "" {
			return s.repo.GetUserByEmail(strings.TrimSpace(customer.Email))
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *Service) sendPaymentSuccess(user *models.User, payment *models.Payment, periodEnd *time.Time) {
	vars := map[string]string{
		"name":        user.Name,
		"payment_ref": payment.UUID,
		"amount":      formatAmount(payment.Amount, payment.Currency),
	}
	// The membership row written by this invocation is the only source of the
	// emailed expiry. When the membership write failed the mail goes out
	// without one; nothing recomputes the date independently.
	if periodEnd != nil {
		vars["valid_until"] = periodEnd.Format("2006-01-02")
	}
	if err := s.notifier.Send(user.Email, TemplatePaymentSuccess, vars); err != nil {
		log.Printf("payments: payment-success mail to %s failed: %v", user.Email, err)
	}
}

func formatAmount(minor int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", minor/100, minor%100, strings.ToUpper(currency))
}

func (s *Service) handleChargeRefunded(ctx context.Context, event *stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return fmt.Errorf("parse charge from event %s: %w", event.ID, err)
	}
	if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		return fmt.Errorf("charge.refunded event %s has no payment intent", event.ID)
	}
	if charge.Refunds == nil || len(charge.Refunds.Data) == 0 {
		log.Printf("payments: charge.refunded event %s carries no refund objects, skipping", event.ID)
		return nil
	}

	for _, refund := range charge.Refunds.Data {
		if err := s.applyProviderRefund(ctx, refund, charge.PaymentIntent.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleRefundUpdated(ctx context.Context, event *stripe.Event) error {
	var refund stripe.Refund
	if err := json.Unmarshal(event.Data.Raw, &refund); err != nil {
		return fmt.Errorf("parse refund from event %s: %w", event.ID, err)
	}
	if refund.PaymentIntent == nil || refund.PaymentIntent.ID == "" {
		return fmt.Errorf("refund.updated event %s has no payment intent", event.ID)
	}
	return s.applyProviderRefund(ctx, &refund, refund.PaymentIntent.ID)
}

// applyProviderRefund is idempotent on the provider refund ID and cascades a
// full refund into membership cancellation and studio deactivation.
func (s *Service) applyProviderRefund(ctx context.Context, refund *stripe.Refund, intentID string) error {
	_ = ctx
	if refund == nil || strings.TrimSpace(refund.ID) == "" {
		return errors.New("refund event is missing the provider refund id")
	}

	if _, err := s.repo.GetRefundByProviderRefundID(refund.ID); err == nil {
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	payment, err := s.repo.GetPaymentByIntentID(intentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("payments: refund %s references unknown payment intent %s, skipping", refund.ID, intentID)
			return nil
		}
		return err
	}

	row := &models.Refund{
		UUID:             uuid.NewString(),
		ProviderRefundID: refund.ID,
		PaymentID:        payment.ID,
		Amount:           refund.Amount,
		Currency:         strings.ToLower(string(refund.Currency)),
		Reason:           string(refund.Reason),
		Status:           string(refund.Status),
		ProcessedBy:      s.resolveRefundOperator(payment.UserID),
	}

	fullRefund, err := s.repo.ApplyRefund(row, s.now())
	if err != nil {
		return fmt.Errorf("apply refund %s to payment %d: %w", refund.ID, payment.ID, err)
	}
	if !fullRefund {
		return nil
	}

	cancelled, err := s.repo.CancelActiveMembership(payment.UserID, s.now())
	if err != nil {
		return fmt.Errorf("cancel membership for user %d: %w", payment.UserID, err)
	}
	if !cancelled {
		log.Printf("payments: full refund %s for user %d without an active membership", refund.ID, payment.UserID)
	}
	if err := s.repo.SetStudioStatus(payment.UserID, models.StudioStatusInactive); err != nil {
		return fmt.Errorf("deactivate studio for user %d: %w", payment.UserID, err)
	}
	return nil
}

// resolveRefundOperator picks the user the refund is attributed to: an
// administrator where one exists, else the payment's owner. When neither
// resolves the owner ID is passed through and the foreign key fails loudly
// rather than silently falsifying attribution.
func (s *Service) resolveRefundOperator(ownerID uint) uint {
	adminID, err := s.repo.FindAdminUserID()
	if err != nil || adminID == 0 {
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("payments: admin lookup for refund attribution failed: %v", err)
		}
		return ownerID
	}
	return adminID
}

func (s *Service) handlePaymentIntentFailed(ctx context.Context, event *stripe.Event) error {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return fmt.Errorf("parse payment intent from event %s: %w", event.ID, err)
	}
	if intent.ID == "" {
		return fmt.Errorf("payment_intent.payment_failed event %s has no intent id", event.ID)
	}

	code, message := "", ""
	if intent.LastPaymentError != nil {
		code = string(intent.LastPaymentError.Code)
		message = intent.LastPaymentError.Msg
	}
	email := strings.TrimSpace(intent.ReceiptEmail)
	return s.recordFailedPayment(ctx, intent.ID, intent.Amount, string(intent.Currency), code, message, intent.Metadata[MetaUserID], email)
}

func (s *Service) handleChargeFailed(ctx context.Context, event *stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return fmt.Errorf("parse charge from event %s: %w", event.ID, err)
	}
	if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		return fmt.Errorf("charge.failed event %s has no payment intent", event.ID)
	}

	email := ""
	if charge.BillingDetails != nil {
		email = strings.TrimSpace(charge.BillingDetails.Email)
	}
	return s.recordFailedPayment(ctx, charge.PaymentIntent.ID, charge.Amount, string(charge.Currency), charge.FailureCode, charge.FailureMessage, charge.Metadata[MetaUserID], email)
}

// recordFailedPayment is idempotent on the payment intent: an existing row is
// flipped to failed, otherwise a new failed row is created and the user's
// retry tracking is advanced. Membership state is never touched on failure.
func (s *Service) recordFailedPayment(ctx context.Context, intentID string, amount int64, currency, code, message, userRef, email string) error {
	_ = ctx
	if existing, err := s.repo.GetPaymentByIntentID(intentID); err == nil {
		return s.repo.MarkPaymentFailed(existing.ID)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	user, err := s.resolveUserRef(userRef, email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("payments: failed payment %s for unknown user (ref=%q email=%q), skipping", intentID, userRef, email)
			return nil
		}
		return err
	}

	meta, _ := json.Marshal(map[string]string{
		"error_code":    code,
		"error_message": message,
	})
	payment := &models.Payment{
		UUID:            uuid.NewString(),
		UserID:          user.ID,
		PaymentIntentID: stripe.String(intentID),
		Amount:          amount,
		Currency:        strings.ToLower(currency),
		Status:          models.PaymentStatusFailed,
		Purpose:         models.PurposeMembership,
		MetadataJSON:    string(meta),
	}
	created, err := s.repo.CreateFailedPayment(payment)
	if err != nil {
		return fmt.Errorf("record failed payment %s: %w", intentID, err)
	}
	if !created {
		return nil
	}
	return s.repo.RecordFailedPaymentAttempt(user.ID, s.now())
}

func (s *Service) resolveUserRef(userRef, email string) (*models.User, error) {
	if ref := strings.TrimSpace(userRef); ref != "" {
		if id, err := strconv.ParseUint(ref, 10, 64); err == nil && id > 0 {
			return s.repo.GetUserByID(uint(id))
		}
	}
	if email != "" {
		return s.repo.GetUserByEmail(email)
	}
	return nil, gorm.ErrRecordNotFound
}
