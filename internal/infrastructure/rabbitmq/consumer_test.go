package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockMerger struct {
	mock.Mock
}

func (m *MockMerger) MergeDeviceOnce(ctx context.Context, messageID, deviceID string, accountID uuid.UUID) (domain.MergeResult, bool, error) {
	args := m.Called(ctx, messageID, deviceID, accountID)
	return args.Get(0).(domain.MergeResult), args.Bool(1), args.Error(2)
}

func envelope(t *testing.T, messageID string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(event.DomainEventEnvelope[json.RawMessage]{
		Version:    1,
		Producer:   "auth-service",
		TraceID:    "trace-1",
		MessageID:  messageID,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHandleMessage_MergesOnce(t *testing.T) {
	m := new(MockMerger)
	uid := uuid.New()
	body := envelope(t, "msg-1", event.DeviceLinkedPayload{UserID: uid.String(), DeviceID: "dev_1"})

	m.On("MergeDeviceOnce", mock.Anything, "msg-1", "dev_1", uid).
		Return(domain.MergeResult{Merged: true, Transferred: 3, AccountBalance: 18}, true, nil).Once()

	err := handleMessage(context.Background(), m, event.RKDeviceLinked, "", body)
	assert.NoError(t, err)
	m.AssertExpectations(t)
}

func TestHandleMessage_LegacyUIDAndAMQPMessageID(t *testing.T) {
	m := new(MockMerger)
	uid := uuid.New()
	body := envelope(t, "", event.DeviceLinkedPayload{UID: uid.String(), DeviceID: "dev_2"})

	m.On("MergeDeviceOnce", mock.Anything, "amqp-7", "dev_2", uid).
		Return(domain.MergeResult{}, false, nil).Once()

	err := handleMessage(context.Background(), m, event.RKDeviceLinked, "amqp-7", body)
	assert.NoError(t, err)
	m.AssertExpectations(t)
}

func TestHandleMessage_HashFallbackIsStable(t *testing.T) {
	m := new(MockMerger)
	uid := uuid.New()
	body := envelope(t, "", event.DeviceLinkedPayload{UserID: uid.String(), DeviceID: "dev_3"})

	var ids []string
	m.On("MergeDeviceOnce", mock.Anything, mock.AnythingOfType("string"), "dev_3", uid).
		Run(func(args mock.Arguments) { ids = append(ids, args.String(1)) }).
		Return(domain.MergeResult{}, true, nil).Twice()

	assert.NoError(t, handleMessage(context.Background(), m, event.RKDeviceLinked, "", body))
	assert.NoError(t, handleMessage(context.Background(), m, event.RKDeviceLinked, "", body))

	if assert.Len(t, ids, 2) {
		assert.Equal(t, ids[0], ids[1])
		assert.Contains(t, ids[0], "hash:")
	}
}

func TestHandleMessage_PoisonIsDropped(t *testing.T) {
	cases := map[string]struct {
		rk   string
		body []byte
	}{
		"bad json":      {event.RKDeviceLinked, []byte("{not json")},
		"wrong version": {event.RKDeviceLinked, []byte(`{"version":2,"payload":{}}`)},
		"wrong key":     {"auth.user.created", envelope(t, "m", map[string]string{})},
		"bad user id":   {event.RKDeviceLinked, envelope(t, "m", event.DeviceLinkedPayload{UserID: "nope", DeviceID: "d"})},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			m := new(MockMerger)
			assert.NoError(t, handleMessage(context.Background(), m, tc.rk, "", tc.body))
			m.AssertNotCalled(t, "MergeDeviceOnce", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestHandleMessage_InvalidDeviceDropped(t *testing.T) {
	m := new(MockMerger)
	uid := uuid.New()
	body := envelope(t, "msg-x", event.DeviceLinkedPayload{UserID: uid.String(), DeviceID: "bad id"})

	m.On("MergeDeviceOnce", mock.Anything, "msg-x", "bad id", uid).
		Return(domain.MergeResult{}, false, domain.ErrInvalidIdentity).Once()

	assert.NoError(t, handleMessage(context.Background(), m, event.RKDeviceLinked, "", body))
	m.AssertExpectations(t)
}

func TestHandleMessage_TransientErrorRequeues(t *testing.T) {
	m := new(MockMerger)
	uid := uuid.New()
	body := envelope(t, "msg-2", event.DeviceLinkedPayload{UserID: uid.String(), DeviceID: "dev_4"})
	boom := errors.New("db down")

	m.On("MergeDeviceOnce", mock.Anything, "msg-2", "dev_4", uid).
		Return(domain.MergeResult{}, false, boom).Once()

	err := handleMessage(context.Background(), m, event.RKDeviceLinked, "", body)
	assert.ErrorIs(t, err, boom)
}
