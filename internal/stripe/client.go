package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/helioslabs/subscription-service/pkg/logger"
)

// Metadata key linking a Stripe customer to our external user id.
const metadataUserIDKey = "user_id"

// CheckoutParams carries everything needed to open a hosted checkout
// session for a subscription plan.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
	// ClientReferenceID round-trips through checkout so the completed
	// event can be attributed to a user key.
	ClientReferenceID string
}

// Client wraps the Stripe SDK calls the service needs.
type Client struct {
	api           *client.API
	webhookSecret string
	log           *logger.Logger
}

func NewClient(apiKey, webhookSecret string, log *logger.Logger) *Client {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Client{api: api, webhookSecret: webhookSecret, log: log}
}

// CreateCheckoutSession opens a hosted checkout page for a recurring
// price and returns its URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer:           stripe.String(p.CustomerID),
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.ClientReferenceID),
	}
	params.Context = ctx

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		logStripeError(c.log, "CreateCheckoutSession", err)
		return "", fmt.Errorf("stripe: failed to create checkout session: %w", err)
	}

	c.log.Infow("Stripe checkout session created", "sessionId", session.ID, "customerId", p.CustomerID)
	return session.URL, nil
}

// CreateCustomer creates a Stripe customer tagged with the external
// user id.
func (c *Client) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			metadataUserIDKey: userID,
		},
	}
	params.Context = ctx

	cus, err := c.api.Customers.New(params)
	if err != nil {
		logStripeError(c.log, "CreateCustomer", err)
		return "", fmt.Errorf("stripe: failed to create customer: %w", err)
	}

	c.log.Infow("Stripe customer created", "stripeCustomerId", cus.ID, "userId", userID)
	return cus.ID, nil
}

// GetOrCreateCustomer searches customers by the user id metadata via the
// Search API and creates one when missing.
func (c *Client) GetOrCreateCustomer(ctx context.Context, userID, email string) (string, error) {
	searchQuery := fmt.Sprintf("metadata['%s']:'%s'", metadataUserIDKey, userID)
	searchParams := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   searchQuery,
			Limit:   stripe.Int64(1),
			Context: ctx,
		},
	}

	customers := c.api.Customers.Search(searchParams)
	if customers.Next() {
		customer := customers.Customer()
		c.log.Debugw("Found existing Stripe customer", "stripeCustomerId", customer.ID, "userId", userID)
		return customer.ID, nil
	}
	if err := customers.Err(); err != nil {
		logStripeError(c.log, "SearchCustomers", err)
		return "", fmt.Errorf("stripe: failed to search customer: %w", err)
	}

	return c.CreateCustomer(ctx, userID, email)
}

// GetSubscription fetches a subscription with its price items expanded.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		logStripeError(c.log, "GetSubscription", err)
		return nil, fmt.Errorf("stripe: failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetCustomer fetches a customer by Stripe id.
func (c *Client) GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	cus, err := c.api.Customers.Get(customerID, params)
	if err != nil {
		logStripeError(c.log, "GetCustomer", err)
		return nil, fmt.Errorf("stripe: failed to get customer: %w", err)
	}
	return cus, nil
}

// VerifyWebhook checks the signature header against the raw payload and
// returns the parsed event.
func (c *Client) VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, c.webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe: webhook verification failed: %w", err)
	}
	return event, nil
}

func logStripeError(log *logger.Logger, operation string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Errorw("Stripe API error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"param", stripeErr.Param,
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
	} else {
		log.Errorw("Non-Stripe error during Stripe operation",
			"operation", operation,
			"error", err,
		)
	}
}
