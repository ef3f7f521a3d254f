package notifications

import "errors"

// Delivery errors.
var (
	ErrRecipientDeliveryFailed = errors.New("recipient delivery failed")
	ErrPushSendFailed          = errors.New("push send failed")
)

// Dispatcher errors.
var (
	ErrDispatcherClosed = errors.New("dispatcher closed")
)
