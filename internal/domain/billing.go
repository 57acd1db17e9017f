package domain

import "time"

// Subscription is the billing provider's view of what a customer pays for:
// the desired state a sync drives the infrastructure towards.
type Subscription struct {
	ID               string     `json:"id"`
	CustomerEmail    string     `json:"customerEmail"`
	PriceID          string     `json:"priceId"`
	Status           string     `json:"status"`
	Region           string     `json:"region"`
	SpecificationID  string     `json:"specificationId"`
	Title            string     `json:"title"`
	Caption          string     `json:"caption"`
	Subdomain        string     `json:"subdomain"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Active reports whether the subscription should have a running server.
func (s Subscription) Active() bool {
	switch s.Status {
	case "active", "trialing", "past_due":
		return true
	}
	return false
}

type Price struct {
	ID              string    `json:"id"`
	ProductID       string    `json:"productId"`
	SpecificationID string    `json:"specificationId"`
	Currency        string    `json:"currency"`
	UnitAmount      int64     `json:"unitAmount"`
	Interval        string    `json:"interval"`
	Active          bool      `json:"active"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
