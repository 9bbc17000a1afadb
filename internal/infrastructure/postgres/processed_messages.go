package postgres

import (
	"context"
	"strings"
)

const unknownHandler = "unknown"

// MarkProcessed is the consumer inbox fence. The row is written in the ledger
// transaction, so a rolled-back merge leaves the message free to be redelivered.
// An empty message id cannot be fenced and always reports first delivery.
func (t *txRepo) MarkProcessed(ctx context.Context, messageID, handlerName string) (bool, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return true, nil
	}
	if handlerName = strings.TrimSpace(handlerName); handlerName == "" {
		handlerName = unknownHandler
	}

	tag, err := t.tx.Exec(ctx, `
		INSERT INTO processed_messages (message_id, handler_name)
		VALUES ($1, $2)
		ON CONFLICT (message_id, handler_name) DO NOTHING
	`, messageID, handlerName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
