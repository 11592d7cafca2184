package repository

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callbridge/pbx-bridge-go/internal/crm"
	"github.com/callbridge/pbx-bridge-go/internal/database"
	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
)

func TestClassifyError(t *testing.T) {
	calls := tables[crm.EntityCall]

	tests := []struct {
		name       string
		err        error
		wantCode   apperrors.ErrorCode
		wantFields []string
	}{
		{
			name:       "undefined column names the attribute",
			err:        &pq.Error{Code: "42703", Message: `column "ai_summary" of relation "calls" does not exist`},
			wantCode:   apperrors.ErrCodeStoreValidation,
			wantFields: []string{"aiSummary"},
		},
		{
			name:     "connection failure",
			err:      &pq.Error{Code: "08006", Message: "connection failure"},
			wantCode: apperrors.ErrCodeStoreTransient,
		},
		{
			name:     "serialization failure",
			err:      &pq.Error{Code: "40001", Message: "could not serialize access"},
			wantCode: apperrors.ErrCodeStoreTransient,
		},
		{
			name:     "query canceled",
			err:      &pq.Error{Code: "57014", Message: "canceling statement"},
			wantCode: apperrors.ErrCodeStoreTransient,
		},
		{
			name:     "authentication failure",
			err:      &pq.Error{Code: "28P01", Message: "password authentication failed"},
			wantCode: apperrors.ErrCodeStoreUnauthorized,
		},
		{
			name:     "not null violation",
			err:      &pq.Error{Code: "23502", Message: "null value in column"},
			wantCode: apperrors.ErrCodeStoreValidation,
		},
		{
			name:     "context deadline",
			err:      context.DeadlineExceeded,
			wantCode: apperrors.ErrCodeStoreTransient,
		},
		{
			name:     "unknown error",
			err:      errors.New("broken pipe"),
			wantCode: apperrors.ErrCodeStoreTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyError("create Call", calls, tt.err)
			assert.Equal(t, tt.wantCode, apperrors.GetCode(err))
			assert.Equal(t, tt.wantFields, apperrors.ValidationFields(err))
		})
	}
}

func TestRecordStore_RejectsUnknownAttribute(t *testing.T) {
	store := &RecordStore{}

	_, err := store.CreateRecord(context.Background(), crm.EntityCall, crm.Attributes{"favouriteColour": "blue"})
	require.Error(t, err)
	assert.Equal(t, []string{"favouriteColour"}, apperrors.ValidationFields(err))

	_, err = store.SearchByField(context.Background(), "Lead", "phoneNumber", "1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStoreValidation))

	err = store.LinkRecord(context.Background(), crm.EntityContact, "c-1", crm.LinkAccounts, "a-1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStoreValidation))
}

func TestRecordStore_Postgres(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, EnsureSchema(ctx, db.DB))
	store := NewRecordStore(db.DB)

	accountID, err := store.CreateRecord(ctx, crm.EntityAccount, crm.Attributes{"name": "Acme", "phoneNumber": "+15550001111"})
	require.NoError(t, err)
	contactID, err := store.CreateRecord(ctx, crm.EntityContact, crm.Attributes{
		"name":        "Ada Lovelace",
		"phoneNumber": "+15550001111",
		"accountId":   accountID,
	})
	require.NoError(t, err)

	callID, err := store.CreateRecord(ctx, crm.EntityCall, crm.Attributes{
		"name":           "Inbound call from +15550001111",
		"status":         "Held",
		"direction":      "Inbound",
		"dateStart":      "2026-01-02 10:00:00",
		"duration":       42,
		"description":    "Caller: +15550001111",
		"conversationId": "conv-1",
	})
	require.NoError(t, err)

	t.Run("search finds contact by phone", func(t *testing.T) {
		list, err := store.SearchByField(ctx, crm.EntityContact, "phoneNumber", "+15550001111")
		require.NoError(t, err)
		require.NotEmpty(t, list)
		assert.Equal(t, accountID, list[0].String("accountId"))
	})

	t.Run("update and read back", func(t *testing.T) {
		require.NoError(t, store.UpdateRecord(ctx, crm.EntityCall, callID, crm.Attributes{"aiSummary": "Booked a demo"}))
		rec, err := store.GetRecord(ctx, crm.EntityCall, callID)
		require.NoError(t, err)
		assert.Equal(t, "Booked a demo", rec.String("aiSummary"))
		assert.Equal(t, "conv-1", rec.String("conversationId"))
	})

	t.Run("links are idempotent", func(t *testing.T) {
		require.NoError(t, store.LinkRecord(ctx, crm.EntityCall, callID, crm.LinkContacts, contactID))
		require.NoError(t, store.LinkRecord(ctx, crm.EntityCall, callID, crm.LinkContacts, contactID))
		require.NoError(t, store.LinkRecord(ctx, crm.EntityCall, callID, crm.LinkAccounts, accountID))
	})

	t.Run("missing record", func(t *testing.T) {
		_, err := store.GetRecord(ctx, crm.EntityCall, "does-not-exist")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	})
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := database.Connect(url)
	require.NoError(t, err)
	return db
}
