package audit_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/ledger-service/internal/pkg/context"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLogger_TagsAuditAndTrace(t *testing.T) {
	var buf bytes.Buffer
	l := audit.New(zerolog.New(&buf))

	ctx := appCtx.WithRequestID(context.Background(), "rid-1")
	l.ReadingCharged(ctx, domain.AnonymousDevice("dev_1"), 2, 3)

	out := buf.String()
	assert.Contains(t, out, `"audit":true`)
	assert.Contains(t, out, `"action":"reading_charged"`)
	assert.Contains(t, out, `"identity":"device:dev_1"`)
	assert.Contains(t, out, `"trace_id":"rid-1"`)
}
