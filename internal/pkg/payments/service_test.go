package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"gorm.io/gorm"

	"github.com/LukasBehrendt/StudioMap/app/models"
)

// fakeRepository is an in-memory stand-in for the GORM repository. It mirrors
// the production semantics that matter to the service: unique-key admission,
// refund clamping and the latest-row-wins membership ordering.
type fakeRepository struct {
	nextID      uint
	events      map[string]*models.WebhookEvent
	users       map[uint]*models.User
	payments    []*models.Payment
	refunds     []*models.Refund
	memberships []*models.Membership
	studios     map[uint]*models.StudioProfile
	adminID     uint
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		events:  make(map[string]*models.WebhookEvent),
		users:   make(map[uint]*models.User),
		studios: make(map[uint]*models.StudioProfile),
	}
}

func (f *fakeRepository) id() uint {
	f.nextID++
	return f.nextID
}

func (f *fakeRepository) addUser(u models.User) *models.User {
	if u.ID == 0 {
		u.ID = f.id()
	}
	f.users[u.ID] = &u
	return f.users[u.ID]
}

func (f *fakeRepository) addStudio(userID uint) *models.StudioProfile {
	f.studios[userID] = &models.StudioProfile{ID: f.id(), UserID: userID, Name: "Studio", Status: models.StudioStatusInactive}
	return f.studios[userID]
}

func (f *fakeRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	key := event.Provider + "/" + event.ProviderEventID
	if existing, ok := f.events[key]; ok {
		return false, existing, nil
	}
	event.ID = f.id()
	f.events[key] = event
	return true, event, nil
}

func (f *fakeRepository) MarkWebhookProcessed(id uint, processingError string) error {
	for _, e := range f.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (f *fakeRepository) GetUserByID(id uint) (*models.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) GetUserByEmail(email string) (*models.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) FindAdminUserID() (uint, error) {
	if f.adminID == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	return f.adminID, nil
}

func (f *fakeRepository) CreatePaymentIfNotExists(p *models.Payment) (bool, *models.Payment, error) {
	for _, existing := range f.payments {
		if existing.CheckoutSessionID != nil && p.CheckoutSessionID != nil &&
			*existing.CheckoutSessionID == *p.CheckoutSessionID {
			return false, existing, nil
		}
	}
	// The payments table also carries a unique key on the intent: a failed
	// row for a reused intent is completed in place, like the GORM repository
	// does after an insert conflict.
	if p.PaymentIntentID != nil {
		for _, existing := range f.payments {
			if existing.PaymentIntentID != nil && *existing.PaymentIntentID == *p.PaymentIntentID {
				existing.CheckoutSessionID = p.CheckoutSessionID
				existing.ChargeID = p.ChargeID
				existing.Amount = p.Amount
				existing.Currency = p.Currency
				existing.Status = models.PaymentStatusSucceeded
				existing.Purpose = p.Purpose
				existing.MetadataJSON = p.MetadataJSON
				return false, existing, nil
			}
		}
	}
	p.ID = f.id()
	f.payments = append(f.payments, p)
	return true, p, nil
}

func (f *fakeRepository) CreateFailedPayment(p *models.Payment) (bool, error) {
	for _, existing := range f.payments {
		if existing.PaymentIntentID != nil && p.PaymentIntentID != nil &&
			*existing.PaymentIntentID == *p.PaymentIntentID {
			return false, nil
		}
	}
	p.ID = f.id()
	f.payments = append(f.payments, p)
	return true, nil
}

func (f *fakeRepository) GetPaymentByIntentID(intentID string) (*models.Payment, error) {
	for _, p := range f.payments {
		if p.PaymentIntentID != nil && *p.PaymentIntentID == intentID {
			return p, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) MarkPaymentFailed(id uint) error {
	for _, p := range f.payments {
		if p.ID == id {
			p.Status = models.PaymentStatusFailed
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (f *fakeRepository) RecordFailedPaymentAttempt(userID uint, now time.Time) error {
	user, ok := f.users[userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	user.PaymentRetryCount++
	if user.PaymentAttemptedAt == nil {
		user.PaymentAttemptedAt = &now
	}
	return nil
}

func (f *fakeRepository) GetRefundByProviderRefundID(providerRefundID string) (*models.Refund, error) {
	for _, r := range f.refunds {
		if r.ProviderRefundID == providerRefundID {
			return r, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) ApplyRefund(refund *models.Refund, now time.Time) (bool, error) {
	var payment *models.Payment
	for _, p := range f.payments {
		if p.ID == refund.PaymentID {
			payment = p
			break
		}
	}
	if payment == nil {
		return false, gorm.ErrRecordNotFound
	}

	newRefunded := payment.RefundedAmount + refund.Amount
	if newRefunded > payment.Amount {
		newRefunded = payment.Amount
	}
	refund.ID = f.id()
	refund.CreatedAt = now
	f.refunds = append(f.refunds, refund)
	payment.RefundedAmount = newRefunded
	payment.Status = models.RefundStatusFor(newRefunded, payment.Amount)
	return newRefunded >= payment.Amount, nil
}

func (f *fakeRepository) LatestMembership(userID uint) (*models.Membership, error) {
	for i := len(f.memberships) - 1; i >= 0; i-- {
		if f.memberships[i].UserID == userID {
			return f.memberships[i], nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) GrantMembership(userID uint, start, end time.Time, method string) (*models.Membership, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	if user.Status != models.STATUS_ACTIVE && !user.EmailVerified {
		return nil, ErrEmailNotVerified
	}
	user.Status = models.STATUS_ACTIVE
	user.ClearPaymentTracking()

	m := &models.Membership{
		ID:                 f.id(),
		UserID:             userID,
		Status:             models.MembershipStatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		PaymentMethod:      method,
		CreatedAt:          start,
	}
	f.memberships = append(f.memberships, m)
	return m, nil
}

func (f *fakeRepository) CancelActiveMembership(userID uint, now time.Time) (bool, error) {
	for i := len(f.memberships) - 1; i >= 0; i-- {
		m := f.memberships[i]
		if m.UserID == userID && m.Status == models.MembershipStatusActive {
			m.Status = models.MembershipStatusCancelled
			m.CancelledAt = &now
			m.CurrentPeriodEnd = now
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepository) SetStudioStatus(userID uint, status string) error {
	if studio, ok := f.studios[userID]; ok {
		studio.Status = status
	}
	return nil
}

func (f *fakeRepository) SetStudioFeatured(userID uint, until time.Time) error {
	if studio, ok := f.studios[userID]; ok {
		studio.FeaturedUntil = &until
	}
	return nil
}

// fakeStripeAPI serves pre-registered expanded sessions, coupons and customers.
type fakeStripeAPI struct {
	sessions  map[string]*stripe.CheckoutSession
	coupons   map[string]*stripe.Coupon
	customers map[string]*stripe.Customer
}

func newFakeStripeAPI() *fakeStripeAPI {
	return &fakeStripeAPI{
		sessions:  make(map[string]*stripe.CheckoutSession),
		coupons:   make(map[string]*stripe.Coupon),
		customers: make(map[string]*stripe.Customer),
	}
}

func (f *fakeStripeAPI) ExpandCheckoutSession(_ context.Context, id string) (*stripe.CheckoutSession, error) {
	if s, ok := f.sessions[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("no such session %s", id)
}

func (f *fakeStripeAPI) RetrieveCoupon(_ context.Context, id string) (*stripe.Coupon, error) {
	if c, ok := f.coupons[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("no such coupon %s", id)
}

func (f *fakeStripeAPI) RetrieveCustomer(_ context.Context, id string) (*stripe.Customer, error) {
	if c, ok := f.customers[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("no such customer %s", id)
}

type sentMail struct {
	to       string
	template string
	vars     map[string]string
}

type fakeNotifier struct {
	sent []sentMail
	err  error
}

func (f *fakeNotifier) Send(to, templateKey string, vars map[string]string) error {
	f.sent = append(f.sent, sentMail{to: to, template: templateKey, vars: vars})
	return f.err
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *fakeRepository, *fakeStripeAPI, *fakeNotifier) {
	repo := newFakeRepository()
	api := newFakeStripeAPI()
	notifier := &fakeNotifier{}
	svc := NewService(repo, api, notifier)
	svc.now = func() time.Time { return testNow }
	return svc, repo, api, notifier
}

// mustSession builds an expanded checkout session through the same JSON path
// real provider payloads take.
func mustSession(t *testing.T, raw string) *stripe.CheckoutSession {
	t.Helper()
	var s stripe.CheckoutSession
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	return &s
}

func newEvent(t *testing.T, id, eventType, objectJSON string) *stripe.Event {
	t.Helper()
	return &stripe.Event{
		ID:   id,
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: json.RawMessage(objectJSON)},
	}
}

func TestAdmitEventDeduplicates(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	in := WebhookEventInput{
		Provider:        models.PaymentProviderStripe,
		ProviderEventID: "evt_1",
		EventType:       "checkout.session.completed",
		PayloadJSON:     `{"id":"evt_1"}`,
		SignatureValid:  true,
	}

	created, stored, err := svc.AdmitEvent(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, stored)
	assert.NotZero(t, stored.ID)

	created, again, err := svc.AdmitEvent(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.ID, again.ID)
}

func TestAdmitEventHashesEmptyEventID(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()

	in := WebhookEventInput{
		Provider:    models.PaymentProviderStripe,
		EventType:   "charge.refunded",
		PayloadJSON: `{"some":"payload"}`,
	}

	created, stored, err := svc.AdmitEvent(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Contains(t, stored.ProviderEventID, "hash:")

	// Same payload, same synthesized ID: second delivery is a duplicate.
	created, _, err = svc.AdmitEvent(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, repo.events, 1)
}

func TestHandleEventIgnoresUnknownTypes(t *testing.T) {
	svc, repo, _, notifier := newTestService()

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_x", "invoice.paid", `{}`))
	require.NoError(t, err)
	assert.Empty(t, repo.payments)
	assert.Empty(t, notifier.sent)
}

func TestCheckoutCompletedGrantsMembership(t *testing.T) {
	svc, repo, api, notifier := newTestService()
	user := repo.addUser(models.User{Name: "Lena", Email: "lena@example.com", Status: models.STATUS_PENDING, EmailVerified: true, PaymentRetryCount: 2})
	repo.addStudio(user.ID)

	api.sessions["cs_1"] = mustSession(t, fmt.Sprintf(`{
		"id": "cs_1",
		"mode": "payment",
		"amount_total": 14900,
		"currency": "eur",
		"client_reference_id": "%d",
		"payment_intent": {"id": "pi_1", "latest_charge": {"id": "ch_1"}},
		"metadata": {"purpose": "membership"}
	}`, user.ID))

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "checkout.session.completed",
		`{"id":"cs_1","mode":"payment","metadata":{"purpose":"membership"}}`))
	require.NoError(t, err)

	require.Len(t, repo.payments, 1)
	payment := repo.payments[0]
	assert.Equal(t, models.PaymentStatusSucceeded, payment.Status)
	assert.Equal(t, int64(14900), payment.Amount)
	assert.Equal(t, models.PurposeMembership, payment.Purpose)
	assert.Equal(t, "pi_1", *payment.PaymentIntentID)
	assert.Equal(t, "ch_1", payment.ChargeID)

	require.Len(t, repo.memberships, 1)
	m := repo.memberships[0]
	assert.Equal(t, models.MembershipStatusActive, m.Status)
	assert.True(t, m.CurrentPeriodEnd.Equal(testNow.AddDate(0, 12, 0)))

	assert.Equal(t, models.STATUS_ACTIVE, user.Status)
	assert.Zero(t, user.PaymentRetryCount)
	assert.Equal(t, models.StudioStatusActive, repo.studios[user.ID].Status)

	require.Len(t, notifier.sent, 1)
	mail := notifier.sent[0]
	assert.Equal(t, "lena@example.com", mail.to)
	assert.Equal(t, TemplatePaymentSuccess, mail.template)
	assert.Equal(t, "149.00 EUR", mail.vars["amount"])
	assert.Equal(t, testNow.AddDate(0, 12, 0).Format("2006-01-02"), mail.vars["valid_until"])
}

func TestCheckoutUnverifiedEmailKeepsUserPending(t *testing.T) {
	svc, repo, api, notifier := newTestService()
	user := repo.addUser(models.User{Name: "Paula", Email: "paula@example.com", Status: models.STATUS_PENDING})
	repo.addStudio(user.ID)

	api.sessions["cs_1"] = mustSession(t, fmt.Sprintf(`{
		"id": "cs_1",
		"mode": "payment",
		"amount_total": 14900,
		"currency": "eur",
		"client_reference_id": "%d",
		"payment_intent": {"id": "pi_1"},
		"metadata": {"purpose": "membership"}
	}`, user.ID))

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "checkout.session.completed",
		`{"id":"cs_1","mode":"payment","metadata":{"purpose":"membership"}}`))
	require.ErrorIs(t, err, ErrEmailNotVerified)

	// The payment stays durable and the failure is retryable; the account
	// never goes active behind an unverified address.
	require.Len(t, repo.payments, 1)
	assert.Equal(t, models.PaymentStatusSucceeded, repo.payments[0].Status)
	assert.Empty(t, repo.memberships)
	assert.Equal(t, models.STATUS_PENDING, user.Status)
	assert.Equal(t, models.StudioStatusInactive, repo.studios[user.ID].Status)

	require.Len(t, notifier.sent, 1)
	_, hasValidUntil := notifier.sent[0].vars["valid_until"]
	assert.False(t, hasValidUntil)

	// Once the address is verified a provider redelivery converges on
	// activation without duplicating the payment.
	user.EmailVerified = true
	require.NoError(t, svc.HandleEvent(context.Background(), newEvent(t, "evt_2", "checkout.session.completed",
		`{"id":"cs_1","mode":"payment","metadata":{"purpose":"membership"}}`)))
	assert.Equal(t, models.STATUS_ACTIVE, user.Status)
	assert.Len(t, repo.payments, 1)
	assert.Len(t, repo.memberships, 1)
}

func TestCheckoutCompletedIgnoresSubscriptionMode(t *testing.T) {
	svc, repo, _, _ := newTestService()

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "checkout.session.completed",
		`{"id":"cs_1","mode":"subscription"}`))
	require.NoError(t, err)
	assert.Empty(t, repo.payments)
}

func TestCheckoutCompletedUnknownUserSkips(t *testing.T) {
	svc, repo, api, notifier := newTestService()
	api.sessions["cs_1"] = mustSession(t, `{
		"id": "cs_1",
		"mode": "payment",
		"amount_total": 14900,
		"currency": "eur",
		"customer_details": {"email": "nobody@example.com"}
	}`)

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "checkout.session.completed",
		`{"id":"cs_1","mode":"payment"}`))
	require.NoError(t, err)
	assert.Empty(t, repo.payments)
	assert.Empty(t, notifier.sent)
}

func TestRenewalStandardExtendsLatestMembership(t *testing.T) {
	svc, repo, api, notifier := newTestService()
	user := repo.addUser(models.User{Name: "Jonas", Email: "jonas@example.com", Status: models.STATUS_ACTIVE})
	repo.addStudio(user.ID)

	currentEnd := testNow.AddDate(0, 2, 0)
	_, err := repo.GrantMembership(user.ID, testNow.AddDate(0, -10, 0), currentEnd, models.PaymentMethodStripe)
	require.NoError(t, err)

	api.sessions["cs_renew"] = mustSession(t, fmt.Sprintf(`{
		"id": "cs_renew",
		"mode": "payment",
		"amount_total": 9900,
		"currency": "eur",
		"client_reference_id": "%d",
		"metadata": {"purpose": "membership_renewal", "renewal_type": "standard"}
	}`, user.ID))

	err = svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "checkout.session.completed",
		`{"id":"cs_renew","mode":"payment","metadata":{"purpose":"membership_renewal"}}`))
	require.NoError(t, err)

	require.Len(t, repo.memberships, 2)
	renewed := repo.memberships[1]
	assert.True(t, renewed.CurrentPeriodEnd.Equal(currentEnd.AddDate(0, 0, 365)),
		"renewal must extend the previous expiry, not the renewal date")

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, renewed.CurrentPeriodEnd.Format("2006-01-02"), notifier.sent[0].vars["valid_until"])
}

func TestRenewalExpiryHintWinsOverMembershipRow(t *testing.T) {
	svc, repo, api, _ := newTestService()
	user := repo.addUser(models.User{Name: "Jonas", Email: "jonas@example.com", Status: models.STATUS_ACTIVE})

	_, err := repo.GrantMembership(user.ID, testNow.AddDate(0, -10, 0), testNow.AddDate(0, 2, 0), models.PaymentMethodStripe)
	require.NoError(t, err)

	hint := time.Date(2025, 9, 15, 0, 0, 0, 0, time.UTC)
	api.sessions["cs_renew"] = mustSession(t, fmt.Sprintf(`{
		"id": "cs_renew",
		"mode": "payment",
		"amount_total": 9900,
		"currency": "eur",
		"client_reference_id": "%d",
		"metadata": {"purpose": "membership_renewal", "renewal_type": "standard", "current_period_end": "%s"}
	}`, user.ID, hint.Format(time.RFC3339)))

	err = svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "checkout.session.completed",
		`{"id":"cs_renew","mode":"payment","metadata":{"purpose":"membership_renewal"}}`))
	require.NoError(t, err)

	require.Len(t, repo.memberships, 2)
	assert.True(t, repo.memberships[1].CurrentPeriodEnd.Equal(hint.AddDate(0, 0, 365)))
}

func TestRenewalMissingTypeKeepsPayment(t *testing.T) {
	svc, repo, api, notifier := newTestService()
	user := repo.addUser(models.User{Name: "Jonas", Email: "jonas@example.com", Status: models.STATUS_ACTIVE})

	api.sessions["cs_renew"] = mustSession(t, fmt.Sprintf(`{
		"id": "cs_renew",
		"mode": "payment",
		"amount_total": 9900,
		"currency": "eur",
		"client_reference_id": "%d",
		"metadata": {"purpose": "membership_renewal"}
	}`, user.ID))

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "checkout.session.completed",
		`{"id":"cs_renew","mode":"payment","metadata":{"purpose":"membership_renewal"}}`))
	require.ErrorIs(t, err, ErrMissingRenewalType)

	// The payment is durable, the membership untouched, and the receipt still
	// goes out, without a validity date.
	require.Len(t, repo.payments, 1)
	assert.Equal(t, models.PaymentStatusSucceeded, repo.payments[0].Status)
	assert.Empty(t, repo.memberships)
	require.Len(t, notifier.sent, 1)
	_, hasValidUntil := notifier.sent[0].vars["valid_until"]
	assert.False(t, hasValidUntil)
}

func TestRenewalEarlyWithoutExpiryFails(t *testing.T) {
	svc, repo, api, notifier := newTestService()
	user := repo.addUser(models.User{Name: "Jonas", Email: "jonas@example.com", Status: models.STATUS_ACTIVE})

	api.sessions["cs_renew"] = mustSession(t, fmt.Sprintf(`{
		"id": "cs_renew",
		"mode": "payment",
		"amount_total": 9900,
		"currency": "eur",
		"client_reference_id": "%d",
		"metadata": {"purpose": "membership_renewal", "renewal_type": "early"}
	}`, user.ID))

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "checkout.session.completed",
		`{"id":"cs_renew","mode":"payment","metadata":{"purpose":"membership_renewal"}}`))
	require.ErrorIs(t, err, ErrMissingExpiry)
	require.Len(t, repo.payments, 1)
	assert.Empty(t, repo.memberships)
	assert.Len(t, notifier.sent, 1)
}

func TestZeroAmountCheckoutUsesCouponDuration(t *testing.T) {
	svc, repo, api, _ := newTestService()
	user := repo.addUser(models.User{Name: "Mia", Email: "mia@example.com", Status: models.STATUS_PENDING, EmailVerified: true})

	api.sessions["cs_free"] = mustSession(t, fmt.Sprintf(`{
		"id": "cs_free",
		"mode": "payment",
		"amount_total": 0,
		"currency": "eur",
		"client_reference_id": "%d",
		"metadata": {"purpose": "membership"},
		"total_details": {"breakdown": {"discounts": [
			{"amount": 14900, "discount": {"coupon": {"id": "FREE3", "metadata": {"duration_months": "3"}}}}
		]}}
	}`, user.ID))

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "checkout.session.completed",
		`{"id":"cs_free","mode":"payment","metadata":{"purpose":"membership"}}`))
	require.NoError(t, err)

	require.Len(t, repo.payments, 1)
	assert.Zero(t, repo.payments[0].Amount)
	assert.Equal(t, models.PaymentStatusSucceeded, repo.payments[0].Status)

	require.Len(t, repo.memberships, 1)
	assert.True(t, repo.memberships[0].CurrentPeriodEnd.Equal(testNow.AddDate(0, 3, 0)))
}

func TestZeroAmountCouponLookupFallsBack(t *testing.T) {
	svc, repo, api, _ := newTestService()
	user := repo.addUser(models.User{Name: "Mia", Email: "mia@example.com", Status: models.STATUS_PENDING, EmailVerified: true})

	// The expanded session carries the coupon without metadata; the follow-up
	// lookup fails, so the default duration applies.
	api.sessions["cs_free"] = mustSession(t, fmt.Sprintf(`{
		"id": "cs_free",
		"mode": "payment",
		"amount_total": 0,
		"currency": "eur",
		"client_reference_id": "%d",
		"metadata": {"purpose": "membership"},
		"total_details": {"breakdown": {"discounts": [
			{"amount": 14900, "discount": {"coupon": {"id": "FREE_UNKNOWN"}}}
		]}}
	}`, user.ID))

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "checkout.session.completed",
		`{"id":"cs_free","mode":"payment","metadata":{"purpose":"membership"}}`))
	require.NoError(t, err)

	require.Len(t, repo.memberships, 1)
	assert.True(t, repo.memberships[0].CurrentPeriodEnd.Equal(testNow.AddDate(0, 12, 0)))
}

func TestFeaturedUpgradeSetsWindow(t *testing.T) {
	svc, repo, api, notifier := newTestService()
	user := repo.addUser(models.User{Name: "Tim", Email: "tim@example.com", Status: models.STATUS_ACTIVE})
	studio := repo.addStudio(user.ID)

	api.sessions["cs_feat"] = mustSession(t, fmt.Sprintf(`{
		"id": "cs_feat",
		"mode": "payment",
		"amount_total": 4900,
		"currency": "eur",
		"client_reference_id": "%d",
		"metadata": {"purpose": "featured_upgrade", "featured_days": "10"}
	}`, user.ID))

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "checkout.session.completed",
		`{"id":"cs_feat","mode":"payment","metadata":{"purpose":"featured_upgrade"}}`))
	require.NoError(t, err)

	require.Len(t, repo.payments, 1)
	assert.Equal(t, models.PurposeFeaturedUpgrade, repo.payments[0].Purpose)
	assert.Empty(t, repo.memberships, "featured upgrades never touch membership state")

	require.NotNil(t, studio.FeaturedUntil)
	assert.True(t, studio.FeaturedUntil.Equal(testNow.AddDate(0, 0, 10)))

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, TemplateFeaturedUpgrade, notifier.sent[0].template)
}

func seedPaidMembership(t *testing.T, repo *fakeRepository) (*models.User, *models.Payment) {
	t.Helper()
	user := repo.addUser(models.User{Name: "Lena", Email: "lena@example.com", Status: models.STATUS_ACTIVE})
	repo.addStudio(user.ID)
	repo.studios[user.ID].Status = models.StudioStatusActive
	_, err := repo.GrantMembership(user.ID, testNow.AddDate(0, -1, 0), testNow.AddDate(0, 11, 0), models.PaymentMethodStripe)
	require.NoError(t, err)

	payment := &models.Payment{
		UUID:            "pay-uuid",
		UserID:          user.ID,
		PaymentIntentID: stripe.String("pi_1"),
		Amount:          10000,
		Currency:        "eur",
		Status:          models.PaymentStatusSucceeded,
		Purpose:         models.PurposeMembership,
	}
	payment.ID = repo.id()
	repo.payments = append(repo.payments, payment)
	return user, payment
}

func TestPartialThenFullRefundCascades(t *testing.T) {
	svc, repo, _, _ := newTestService()
	user, payment := seedPaidMembership(t, repo)
	repo.adminID = repo.addUser(models.User{Name: "Admin", Email: "admin@example.com", Role: models.ROLE_ADMIN, Status: models.STATUS_ACTIVE}).ID

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "charge.refunded", `{
		"id": "ch_1",
		"payment_intent": "pi_1",
		"refunds": {"data": [{"id": "re_1", "amount": 4000, "currency": "eur", "status": "succeeded"}]}
	}`))
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusPartiallyRefunded, payment.Status)
	assert.Equal(t, int64(4000), payment.RefundedAmount)
	assert.Equal(t, models.MembershipStatusActive, repo.memberships[0].Status, "partial refund must not cancel")
	assert.Equal(t, models.StudioStatusActive, repo.studios[user.ID].Status)
	require.Len(t, repo.refunds, 1)
	assert.Equal(t, repo.adminID, repo.refunds[0].ProcessedBy)

	err = svc.HandleEvent(context.Background(), newEvent(t, "evt_2", "refund.updated", `{
		"id": "re_2",
		"amount": 6000,
		"currency": "eur",
		"status": "succeeded",
		"payment_intent": "pi_1"
	}`))
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusRefunded, payment.Status)
	assert.Equal(t, int64(10000), payment.RefundedAmount)
	m := repo.memberships[0]
	assert.Equal(t, models.MembershipStatusCancelled, m.Status)
	assert.True(t, m.CurrentPeriodEnd.Equal(testNow), "cancellation forces the period end to now")
	assert.Equal(t, models.StudioStatusInactive, repo.studios[user.ID].Status)
}

func TestRefundIsIdempotentOnProviderRefundID(t *testing.T) {
	svc, repo, _, _ := newTestService()
	_, payment := seedPaidMembership(t, repo)

	raw := `{
		"id": "ch_1",
		"payment_intent": "pi_1",
		"refunds": {"data": [{"id": "re_1", "amount": 4000, "currency": "eur", "status": "succeeded"}]}
	}`
	require.NoError(t, svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "charge.refunded", raw)))
	require.NoError(t, svc.HandleEvent(context.Background(), newEvent(t, "evt_2", "charge.refunded", raw)))

	assert.Len(t, repo.refunds, 1)
	assert.Equal(t, int64(4000), payment.RefundedAmount)
}

func TestRefundClampNeverExceedsCharge(t *testing.T) {
	svc, repo, _, _ := newTestService()
	user, payment := seedPaidMembership(t, repo)

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "refund.updated", `{
		"id": "re_big",
		"amount": 15000,
		"currency": "eur",
		"status": "succeeded",
		"payment_intent": "pi_1"
	}`))
	require.NoError(t, err)

	assert.Equal(t, int64(10000), payment.RefundedAmount)
	assert.Equal(t, models.PaymentStatusRefunded, payment.Status)
	assert.Equal(t, models.MembershipStatusCancelled, repo.memberships[0].Status)
	assert.Equal(t, models.StudioStatusInactive, repo.studios[user.ID].Status)
}

func TestRefundForUnknownPaymentIsNoOp(t *testing.T) {
	svc, repo, _, _ := newTestService()

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "refund.updated", `{
		"id": "re_1",
		"amount": 4000,
		"currency": "eur",
		"status": "succeeded",
		"payment_intent": "pi_unknown"
	}`))
	require.NoError(t, err)
	assert.Empty(t, repo.refunds)
}

func TestRefundOperatorFallsBackToOwner(t *testing.T) {
	svc, repo, _, _ := newTestService()
	user, _ := seedPaidMembership(t, repo)

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "refund.updated", `{
		"id": "re_1",
		"amount": 1000,
		"currency": "eur",
		"status": "succeeded",
		"payment_intent": "pi_1"
	}`))
	require.NoError(t, err)
	require.Len(t, repo.refunds, 1)
	assert.Equal(t, user.ID, repo.refunds[0].ProcessedBy)
}

func TestPaymentFailedCreatesFailedPayment(t *testing.T) {
	svc, repo, _, _ := newTestService()
	user := repo.addUser(models.User{Name: "Nora", Email: "nora@example.com", Status: models.STATUS_PENDING})

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "payment_intent.payment_failed", fmt.Sprintf(`{
		"id": "pi_fail",
		"amount": 14900,
		"currency": "eur",
		"last_payment_error": {"code": "card_declined", "message": "Your card was declined."},
		"metadata": {"user_id": "%d"}
	}`, user.ID)))
	require.NoError(t, err)

	require.Len(t, repo.payments, 1)
	p := repo.payments[0]
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Equal(t, "pi_fail", *p.PaymentIntentID)
	assert.Contains(t, p.MetadataJSON, "card_declined")

	assert.Equal(t, 1, user.PaymentRetryCount)
	require.NotNil(t, user.PaymentAttemptedAt)
	assert.True(t, user.PaymentAttemptedAt.Equal(testNow))
	assert.Equal(t, models.STATUS_PENDING, user.Status, "failed payments never change account status")
}

func TestChargeFailedMarksExistingPayment(t *testing.T) {
	svc, repo, _, _ := newTestService()
	user, payment := seedPaidMembership(t, repo)

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "charge.failed", `{
		"id": "ch_1",
		"payment_intent": "pi_1",
		"amount": 10000,
		"currency": "eur",
		"failure_code": "expired_card",
		"failure_message": "Your card has expired."
	}`))
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	assert.Len(t, repo.payments, 1, "existing intent row is reused, not duplicated")
	assert.Zero(t, user.PaymentRetryCount, "retry tracking only advances for new failure rows")
}

func TestRepeatedFailureEventsCollapse(t *testing.T) {
	svc, repo, _, _ := newTestService()
	user := repo.addUser(models.User{Name: "Nora", Email: "nora@example.com", Status: models.STATUS_PENDING})

	raw := fmt.Sprintf(`{
		"id": "pi_fail",
		"amount": 14900,
		"currency": "eur",
		"metadata": {"user_id": "%d"}
	}`, user.ID)
	require.NoError(t, svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "payment_intent.payment_failed", raw)))
	require.NoError(t, svc.HandleEvent(context.Background(), newEvent(t, "evt_2", "payment_intent.payment_failed", raw)))

	assert.Len(t, repo.payments, 1)
	assert.Equal(t, 1, user.PaymentRetryCount)
}

func TestCheckoutWithReusedIntentCompletesFailedPayment(t *testing.T) {
	svc, repo, api, _ := newTestService()
	user := repo.addUser(models.User{Name: "Nora", Email: "nora@example.com", Status: models.STATUS_PENDING, EmailVerified: true})
	repo.addStudio(user.ID)

	require.NoError(t, svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "payment_intent.payment_failed", fmt.Sprintf(`{
		"id": "pi_retry",
		"amount": 14900,
		"currency": "eur",
		"last_payment_error": {"code": "card_declined", "message": "Your card was declined."},
		"metadata": {"user_id": "%d"}
	}`, user.ID))))
	require.Len(t, repo.payments, 1)
	assert.Equal(t, models.PaymentStatusFailed, repo.payments[0].Status)

	// The retried checkout completes on the same intent; the session insert
	// collides with the intent's unique key and must converge on the failed
	// row instead of dead-ending.
	api.sessions["cs_retry"] = mustSession(t, fmt.Sprintf(`{
		"id": "cs_retry",
		"mode": "payment",
		"amount_total": 14900,
		"currency": "eur",
		"client_reference_id": "%d",
		"payment_intent": {"id": "pi_retry", "latest_charge": {"id": "ch_retry"}},
		"metadata": {"purpose": "membership"}
	}`, user.ID))
	require.NoError(t, svc.HandleEvent(context.Background(), newEvent(t, "evt_2", "checkout.session.completed",
		`{"id":"cs_retry","mode":"payment","metadata":{"purpose":"membership"}}`)))

	require.Len(t, repo.payments, 1, "the failed intent row is completed, not duplicated")
	p := repo.payments[0]
	assert.Equal(t, models.PaymentStatusSucceeded, p.Status)
	require.NotNil(t, p.CheckoutSessionID)
	assert.Equal(t, "cs_retry", *p.CheckoutSessionID)
	assert.Equal(t, "ch_retry", p.ChargeID)
	assert.Equal(t, models.PurposeMembership, p.Purpose)

	require.Len(t, repo.memberships, 1)
	assert.Equal(t, models.STATUS_ACTIVE, user.Status)
	assert.Zero(t, user.PaymentRetryCount)
}

func TestPaymentFailedUnknownUserSkips(t *testing.T) {
	svc, repo, _, _ := newTestService()

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "payment_intent.payment_failed", `{
		"id": "pi_fail",
		"amount": 14900,
		"currency": "eur",
		"receipt_email": "ghost@example.com"
	}`))
	require.NoError(t, err)
	assert.Empty(t, repo.payments)
}

func TestNotifierFailureDoesNotFailEvent(t *testing.T) {
	svc, repo, api, notifier := newTestService()
	notifier.err = errors.New("smtp down")
	user := repo.addUser(models.User{Name: "Lena", Email: "lena@example.com", Status: models.STATUS_PENDING, EmailVerified: true})

	api.sessions["cs_1"] = mustSession(t, fmt.Sprintf(`{
		"id": "cs_1",
		"mode": "payment",
		"amount_total": 14900,
		"currency": "eur",
		"client_reference_id": "%d",
		"metadata": {"purpose": "membership"}
	}`, user.ID))

	err := svc.HandleEvent(context.Background(), newEvent(t, "evt_1", "checkout.session.completed",
		`{"id":"cs_1","mode":"payment","metadata":{"purpose":"membership"}}`))
	require.NoError(t, err)
	require.Len(t, repo.memberships, 1)
}

func TestManualGrantAndCancel(t *testing.T) {
	svc, repo, _, _ := newTestService()
	user := repo.addUser(models.User{Name: "Ole", Email: "ole@example.com", Status: models.STATUS_PENDING, EmailVerified: true})
	repo.addStudio(user.ID)

	m, err := svc.ManualGrant(user.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentMethodManual, m.PaymentMethod)
	assert.True(t, m.CurrentPeriodEnd.Equal(testNow.AddDate(0, 12, 0)))
	assert.Equal(t, models.StudioStatusActive, repo.studios[user.ID].Status)

	require.NoError(t, svc.CancelMembership(user.ID, testNow))
	assert.Equal(t, models.MembershipStatusCancelled, repo.memberships[0].Status)
	assert.Equal(t, models.StudioStatusInactive, repo.studios[user.ID].Status)

	err = svc.CancelMembership(user.ID, testNow)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
