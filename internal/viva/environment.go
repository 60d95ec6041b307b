// Package viva is the client for the Viva payment gateway REST API.
package viva

import "fmt"

// Environment selects the demo or live gateway endpoints.
type Environment string

const (
	EnvDemo Environment = "demo"
	EnvLive Environment = "live"
)

// AccountsURL returns the OAuth2 authorization endpoint base URL.
func (e Environment) AccountsURL() string {
	if e == EnvLive {
		return "https://accounts.vivapayments.com"
	}
	return "https://demo-accounts.vivapayments.com"
}

// APIURL returns the gateway API base URL.
func (e Environment) APIURL() string {
	if e == EnvLive {
		return "https://api.vivapayments.com"
	}
	return "https://demo-api.vivapayments.com"
}

// CheckoutURL derives the redirect URL for an order code. It is a pure
// function of environment and order code and needs no network call.
func (e Environment) CheckoutURL(orderCode string) string {
	domain := "https://demo.vivapayments.com"
	if e == EnvLive {
		domain = "https://www.vivapayments.com"
	}
	return fmt.Sprintf("%s/web/checkout?ref=%s", domain, orderCode)
}
