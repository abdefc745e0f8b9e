// File: internal/infra/adapters/payment/click_gateway.go
package payment

import (
	"errors"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"spiko-billing/internal/config"
	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/adapter"
)

var _ adapter.CheckoutLinker = (*ClickLinker)(nil)

// ClickLinker builds the my.click.uz checkout link. Click then drives the
// transaction through the prepare/complete webhooks.
type ClickLinker struct {
	creds config.ClickCredentials
}

func NewClickLinker(creds config.ClickCredentials) (*ClickLinker, error) {
	if creds.MerchantID == "" || creds.PayURL == "" {
		return nil, errors.New("click: merchant id and pay url are required")
	}
	if _, err := url.Parse(creds.PayURL); err != nil {
		return nil, err
	}
	return &ClickLinker{creds: creds}, nil
}

func (l *ClickLinker) Name() string { return model.ProviderClick }

// CheckoutURL renders the link for externalID. amount is in tiyin; Click
// expects sums with two decimals.
func (l *ClickLinker) CheckoutURL(externalID string, amount int64, serviceID string) (string, error) {
	if externalID == "" || serviceID == "" || amount <= 0 {
		return "", domain.ErrInvalidArgument
	}
	q := url.Values{}
	q.Set("service_id", serviceID)
	q.Set("merchant_id", l.creds.MerchantID)
	if l.creds.MerchantUserID != "" {
		q.Set("merchant_user_id", l.creds.MerchantUserID)
	}
	q.Set("amount", decimal.New(amount, -2).StringFixed(2))
	q.Set("transaction_param", externalID)
	if l.creds.ReturnURL != "" {
		q.Set("return_url", l.creds.ReturnURL)
	}
	sep := "?"
	if strings.Contains(l.creds.PayURL, "?") {
		sep = "&"
	}
	return l.creds.PayURL + sep + q.Encode(), nil
}
