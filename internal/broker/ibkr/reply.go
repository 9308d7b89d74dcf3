package ibkr

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/parthchandak02/ibkr-recurring-orders/pkg/logger"
)

// Order submission may return a chain of confirmation prompts (price cap
// warnings, precautionary questions) that must each be answered before the
// broker issues an order id. The loop below is a bounded state machine with
// an explicit reply budget rather than an ad-hoc retry.

// maxConfirmationReplies caps the reply loop. Exceeding it yields
// OrderProtocolError.
const maxConfirmationReplies = 5

type replyState int

const (
	stateAwaiting replyState = iota
	stateReplying
	stateDone
	stateFailed
)

// runReplyLoop drives the confirmation protocol starting from the replies of
// the initial submission. Every prompt is answered "confirmed: true".
func (c *Client) runReplyLoop(ctx context.Context, replies []orderReply) (*OrderAck, error) {
	state := stateAwaiting
	var (
		ack     *OrderAck
		failure string
		budget  = maxConfirmationReplies
	)

	for state != stateDone && state != stateFailed {
		switch state {
		case stateAwaiting:
			switch {
			case len(replies) == 0:
				failure = "empty order response"
				state = stateFailed
			case replies[0].Error != "":
				failure = replies[0].Error
				state = stateFailed
			case replies[0].OrderID != "":
				ack = &OrderAck{OrderID: replies[0].OrderID, OrderStatus: replies[0].OrderStatus}
				state = stateDone
			case replies[0].ID != "":
				state = stateReplying
			default:
				failure = "order response carries neither order_id nor confirmation id"
				state = stateFailed
			}

		case stateReplying:
			if budget == 0 {
				return nil, &OrderProtocolError{
					Reason: fmt.Sprintf("confirmation replies exceeded cap of %d", maxConfirmationReplies),
				}
			}
			budget--

			prompt := replies[0]
			logger.Infof("Confirming order prompt %s: %s", prompt.ID, strings.Join(prompt.Messages, " / "))

			var next []orderReply
			path := fmt.Sprintf("/iserver/reply/%s", prompt.ID)
			if err := c.send(ctx, http.MethodPost, path, nil, confirmRequest{Confirmed: true}, &next); err != nil {
				return nil, err
			}
			replies = next
			state = stateAwaiting
		}
	}

	if state == stateFailed {
		return nil, &OrderProtocolError{Reason: failure}
	}
	return ack, nil
}
