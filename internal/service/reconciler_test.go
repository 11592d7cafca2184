package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/callbridge/pbx-bridge-go/internal/crm"
	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
	"github.com/callbridge/pbx-bridge-go/internal/model"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateRecord(ctx context.Context, entity string, attrs crm.Attributes) (string, error) {
	args := m.Called(ctx, entity, attrs)
	return args.String(0), args.Error(1)
}

func (m *mockStore) UpdateRecord(ctx context.Context, entity, id string, attrs crm.Attributes) error {
	args := m.Called(ctx, entity, id, attrs)
	return args.Error(0)
}

func (m *mockStore) GetRecord(ctx context.Context, entity, id string) (crm.Attributes, error) {
	args := m.Called(ctx, entity, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(crm.Attributes), args.Error(1)
}

func (m *mockStore) LinkRecord(ctx context.Context, entity, id, link, relatedID string) error {
	args := m.Called(ctx, entity, id, link, relatedID)
	return args.Error(0)
}

func (m *mockStore) SearchByField(ctx context.Context, entity, field, value string) ([]crm.Attributes, error) {
	args := m.Called(ctx, entity, field, value)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]crm.Attributes), args.Error(1)
}

func testReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Direction:   model.DirectionInbound,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		Timeout:     time.Second,
	}
}

func endedCall() *model.CallRecord {
	start := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	end := start.Add(42 * time.Second)
	return &model.CallRecord{
		CorrelationKey: "K1",
		CallerNumber:   "+15550001",
		StartedAt:      start,
		EndedAt:        &end,
		DurationSecs:   42,
		HangupCause:    "Normal Clearing",
		State:          model.CallStateEnded,
		Events:         []string{"NEW", "RINGING", "CONNECTED", "ENDED"},
	}
}

func hasAttr(key string) func(crm.Attributes) bool {
	return func(a crm.Attributes) bool {
		_, ok := a[key]
		return ok
	}
}

func lacksAttr(key string) func(crm.Attributes) bool {
	return func(a crm.Attributes) bool {
		_, ok := a[key]
		return !ok
	}
}

func TestReconciler_CreateForCall_BaseAttributes(t *testing.T) {
	store := new(mockStore)
	r := NewReconciler(store, testReconcilerConfig())

	store.On("CreateRecord", mock.Anything, crm.EntityCall, mock.MatchedBy(func(a crm.Attributes) bool {
		return a["name"] == "Inbound call from +15550001" &&
			a["status"] == "Held" &&
			a["direction"] == "Inbound" &&
			a["dateStart"] == "2026-01-02 10:00:00" &&
			a["duration"] == 42
	})).Return("rec-1", nil).Once()

	id, err := r.CreateForCall(context.Background(), endedCall(), nil)

	require.NoError(t, err)
	assert.Equal(t, "rec-1", id)
	store.AssertExpectations(t)
}

func TestReconciler_CreateForCall_FallsBackWithoutExtendedFields(t *testing.T) {
	store := new(mockStore)
	r := NewReconciler(store, testReconcilerConfig())
	outcome := &model.ConversationOutcome{ConversationID: "abc", Summary: "Booked a demo", Successful: true}

	store.On("CreateRecord", mock.Anything, crm.EntityCall, mock.MatchedBy(hasAttr("aiSummary"))).
		Return("", apperrors.StoreValidation("unknown field", []string{"aiSummary"})).Once()
	store.On("CreateRecord", mock.Anything, crm.EntityCall, mock.MatchedBy(lacksAttr("aiSummary"))).
		Return("rec-1", nil).Twice()

	id, err := r.CreateForCall(context.Background(), endedCall(), outcome)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", id)
	assert.False(t, r.ExtendedFieldsAvailable())

	// Capability is cached: the next create goes straight to base fields.
	_, err = r.CreateForCall(context.Background(), endedCall(), outcome)
	require.NoError(t, err)

	store.AssertExpectations(t)
	store.AssertNumberOfCalls(t, "CreateRecord", 3)
}

func TestReconciler_CreateForCall_OtherValidationNotRetried(t *testing.T) {
	store := new(mockStore)
	r := NewReconciler(store, testReconcilerConfig())

	store.On("CreateRecord", mock.Anything, crm.EntityCall, mock.Anything).
		Return("", apperrors.StoreValidation("name too long", []string{"name"})).Once()

	_, err := r.CreateForCall(context.Background(), endedCall(), &model.ConversationOutcome{ConversationID: "abc"})

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStoreValidation))
	assert.True(t, r.ExtendedFieldsAvailable())
	store.AssertNumberOfCalls(t, "CreateRecord", 1)
}

func TestReconciler_RetriesTransientErrors(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		store := new(mockStore)
		r := NewReconciler(store, testReconcilerConfig())

		store.On("CreateRecord", mock.Anything, crm.EntityCall, mock.Anything).
			Return("", apperrors.StoreTransient("create Call", errors.New("502"))).Twice()
		store.On("CreateRecord", mock.Anything, crm.EntityCall, mock.Anything).
			Return("rec-1", nil).Once()

		id, err := r.CreateForCall(context.Background(), endedCall(), nil)
		require.NoError(t, err)
		assert.Equal(t, "rec-1", id)
		store.AssertNumberOfCalls(t, "CreateRecord", 3)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		store := new(mockStore)
		r := NewReconciler(store, testReconcilerConfig())

		store.On("UpdateRecord", mock.Anything, crm.EntityCall, "rec-1", mock.Anything).
			Return(apperrors.StoreTransient("update Call", errors.New("timeout")))

		err := r.UpdateExisting(context.Background(), "rec-1", endedCall(), &model.ConversationOutcome{ConversationID: "abc"})
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStoreTransient))
		store.AssertNumberOfCalls(t, "UpdateRecord", 3)
	})

	t.Run("unauthorized is not retried", func(t *testing.T) {
		store := new(mockStore)
		r := NewReconciler(store, testReconcilerConfig())

		store.On("LinkRecord", mock.Anything, crm.EntityCall, "rec-1", crm.LinkContacts, "c-1").
			Return(apperrors.StoreUnauthorized("denied"))

		err := r.LinkToContact(context.Background(), "rec-1", "c-1")
		require.Error(t, err)
		store.AssertNumberOfCalls(t, "LinkRecord", 1)
	})
}

func TestReconciler_AttemptTimeoutIsTransient(t *testing.T) {
	store := new(mockStore)
	cfg := testReconcilerConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxAttempts = 2
	r := NewReconciler(store, cfg)

	store.On("LinkRecord", mock.Anything, crm.EntityCall, "rec-1", crm.LinkAccounts, "a-1").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(apperrors.StoreTransient("link", context.DeadlineExceeded))

	err := r.LinkToAccount(context.Background(), "rec-1", "a-1")
	require.Error(t, err)
	store.AssertNumberOfCalls(t, "LinkRecord", 2)
}

func TestReconciler_UpdateExisting_SendsAnalyticFields(t *testing.T) {
	store := new(mockStore)
	r := NewReconciler(store, testReconcilerConfig())
	outcome := &model.ConversationOutcome{
		ConversationID: "abc",
		Summary:        "Asked about pricing",
		Transcript:     "Agent: Hello\nCaller: Hi",
		Successful:     true,
		Cost:           0.42,
	}

	store.On("UpdateRecord", mock.Anything, crm.EntityCall, "rec-1", mock.MatchedBy(func(a crm.Attributes) bool {
		desc, _ := a["description"].(string)
		return a["aiSummary"] == "Asked about pricing" &&
			a["aiSuccessful"] == true &&
			a["conversationId"] == "abc" &&
			assert.ObjectsAreEqual(0.42, a["aiCost"]) &&
			len(desc) > 0
	})).Return(nil).Once()

	require.NoError(t, r.UpdateExisting(context.Background(), "rec-1", endedCall(), outcome))
	store.AssertExpectations(t)
}

func TestReconciler_LookupCaller(t *testing.T) {
	t.Run("contact with account", func(t *testing.T) {
		store := new(mockStore)
		r := NewReconciler(store, testReconcilerConfig())

		store.On("SearchByField", mock.Anything, crm.EntityContact, "phoneNumber", "+15551234").
			Return([]crm.Attributes{{"id": "c-1", "name": "Ada", "accountId": "a-1"}}, nil)
		store.On("GetRecord", mock.Anything, crm.EntityAccount, "a-1").
			Return(crm.Attributes{"id": "a-1", "name": "Acme"}, nil)

		match, err := r.LookupCaller(context.Background(), "+15551234")
		require.NoError(t, err)
		require.NotNil(t, match.Contact)
		require.NotNil(t, match.Account)
		assert.Equal(t, "Ada", match.Contact.Name)
		assert.Equal(t, "Acme", match.Account.Name)
	})

	t.Run("falls back to account search", func(t *testing.T) {
		store := new(mockStore)
		r := NewReconciler(store, testReconcilerConfig())

		store.On("SearchByField", mock.Anything, crm.EntityContact, "phoneNumber", "+15551234").
			Return([]crm.Attributes{}, nil)
		store.On("SearchByField", mock.Anything, crm.EntityAccount, "phoneNumber", "+15551234").
			Return([]crm.Attributes{{"id": "a-2", "name": "Globex"}}, nil)

		match, err := r.LookupCaller(context.Background(), "+15551234")
		require.NoError(t, err)
		assert.Nil(t, match.Contact)
		assert.Equal(t, "a-2", match.Account.ID)
	})

	t.Run("no number skips the store", func(t *testing.T) {
		store := new(mockStore)
		r := NewReconciler(store, testReconcilerConfig())

		match, err := r.LookupCaller(context.Background(), "")
		require.NoError(t, err)
		assert.Nil(t, match.Contact)
		store.AssertNotCalled(t, "SearchByField", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
