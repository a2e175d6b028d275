package service

import (
	"errors"

	"market-signal-engine/internal/failover"
	"market-signal-engine/internal/indicator"
	"market-signal-engine/internal/pipeline"
	"market-signal-engine/internal/ratelimit"
)

// Suggestion maps an error returned by the Service to a short hint for the
// end user. It returns "" for errors it does not recognise.
func Suggestion(err error) string {
	if err == nil {
		return ""
	}

	var limited *pipeline.RateLimitedError
	if errors.As(err, &limited) {
		return "You are sending requests too quickly. " + ratelimit.FormatWait(limited.RetryAfter)
	}

	var exhausted *failover.ExhaustedError
	if errors.As(err, &exhausted) {
		switch {
		case exhausted.AllNotFound():
			return "No provider knows this token. Check the symbol or contract address."
		case exhausted.RateLimitedOnly():
			return "Every data provider is throttling us right now. Try again in a minute."
		default:
			return "Market data is temporarily unavailable. Try again shortly."
		}
	}

	switch {
	case errors.Is(err, ErrTokenNotFound):
		return "Token not found. Check the contract address and the network it lives on."
	case errors.Is(err, ErrInvalidAlert):
		return "An alert needs a token and a positive target price, plus above or below as the direction."
	case errors.Is(err, ErrInvalidSymbol):
		return "Provide a token symbol such as btc or a contract address."
	case errors.Is(err, indicator.ErrInsufficientData):
		return "Not enough price history for indicators. Try a more liquid token or a longer lookback."
	}
	return ""
}
