// Package consumer pulls order-created events off the intake queue and turns
// each one into exactly one persisted order and one workflow execution,
// however many times the queue delivers it.
package consumer

import "errors"

// ErrInvalidPayload marks a message body that cannot be decoded. The message
// is dropped: redelivery cannot fix malformed JSON.
var ErrInvalidPayload = errors.New("invalid message payload")

// ErrInvalidOrder marks a decoded order that fails domain validation. Unlike
// a malformed payload it is routed through backoff and redelivery, so a
// persistently invalid order ends up on the dead-letter list with its
// delivery history intact.
var ErrInvalidOrder = errors.New("invalid order")
