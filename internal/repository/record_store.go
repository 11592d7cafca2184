package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/callbridge/pbx-bridge-go/internal/crm"
	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
)

//go:embed schema.sql
var schema string

const searchLimit = 5

// table describes how one record-store entity is laid out in postgres.
type table struct {
	name    string
	columns map[string]string // attribute -> column
	links   map[string]linkTable
}

type linkTable struct {
	name          string
	ownerColumn   string
	relatedColumn string
}

var tables = map[string]table{
	crm.EntityCall: {
		name: "calls",
		columns: map[string]string{
			"id":             "id",
			"name":           "name",
			"status":         "status",
			"direction":      "direction",
			"dateStart":      "date_start",
			"duration":       "duration",
			"description":    "description",
			"aiSummary":      "ai_summary",
			"aiTranscript":   "ai_transcript",
			"aiCost":         "ai_cost",
			"conversationId": "conversation_id",
			"aiSuccessful":   "ai_successful",
		},
		links: map[string]linkTable{
			crm.LinkContacts: {name: "call_contacts", ownerColumn: "call_id", relatedColumn: "contact_id"},
			crm.LinkAccounts: {name: "call_accounts", ownerColumn: "call_id", relatedColumn: "account_id"},
		},
	},
	crm.EntityContact: {
		name: "contacts",
		columns: map[string]string{
			"id":          "id",
			"name":        "name",
			"phoneNumber": "phone_number",
			"accountId":   "account_id",
		},
	},
	crm.EntityAccount: {
		name: "accounts",
		columns: map[string]string{
			"id":          "id",
			"name":        "name",
			"phoneNumber": "phone_number",
		},
	},
}

func (t table) attribute(column string) string {
	for attr, col := range t.columns {
		if col == column {
			return attr
		}
	}
	return column
}

// sqlxDB is satisfied by both *sqlx.DB and *sqlx.Tx
type sqlxDB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
}

// RecordStore is the postgres implementation of crm.Store.
type RecordStore struct {
	db sqlxDB
}

var _ crm.Store = (*RecordStore)(nil)

func NewRecordStore(db *sqlx.DB) *RecordStore {
	return &RecordStore{db: db}
}

// EnsureSchema creates the record tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply record schema: %w", err)
	}
	return nil
}

func (s *RecordStore) CreateRecord(ctx context.Context, entity string, attrs crm.Attributes) (string, error) {
	t, err := lookupTable(entity)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	columns := []string{"id"}
	args := []any{id}
	for attr, value := range attrs {
		if attr == "id" {
			continue
		}
		col, ok := t.columns[attr]
		if !ok {
			return "", unknownAttribute(entity, attr)
		}
		columns = append(columns, col)
		args = append(args, value)
	}

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		t.name, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return "", classifyError("create "+entity, t, err)
	}
	return id, nil
}

func (s *RecordStore) UpdateRecord(ctx context.Context, entity, id string, attrs crm.Attributes) error {
	t, err := lookupTable(entity)
	if err != nil {
		return err
	}

	var sets []string
	var args []any
	for attr, value := range attrs {
		if attr == "id" {
			continue
		}
		col, ok := t.columns[attr]
		if !ok {
			return unknownAttribute(entity, attr)
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, t.name, strings.Join(sets, ", "), len(args))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classifyError("update "+entity, t, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperrors.StoreValidation(fmt.Sprintf("%s %s does not exist", entity, id), nil)
	}
	return nil
}

func (s *RecordStore) GetRecord(ctx context.Context, entity, id string) (crm.Attributes, error) {
	t, err := lookupTable(entity)
	if err != nil {
		return nil, err
	}

	row := make(map[string]any)
	err = s.db.QueryRowxContext(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE id = $1`, t.name), id).MapScan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(entity + " " + id)
	}
	if err != nil {
		return nil, classifyError("get "+entity, t, err)
	}
	return toAttributes(t, row), nil
}

func (s *RecordStore) LinkRecord(ctx context.Context, entity, id, link, relatedID string) error {
	t, err := lookupTable(entity)
	if err != nil {
		return err
	}
	lt, ok := t.links[link]
	if !ok {
		return apperrors.StoreValidation(fmt.Sprintf("%s has no link %q", entity, link), []string{link})
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		lt.name, lt.ownerColumn, lt.relatedColumn)
	if _, err := s.db.ExecContext(ctx, query, id, relatedID); err != nil {
		return classifyError("link "+entity+"."+link, t, err)
	}
	return nil
}

func (s *RecordStore) SearchByField(ctx context.Context, entity, field, value string) ([]crm.Attributes, error) {
	t, err := lookupTable(entity)
	if err != nil {
		return nil, err
	}
	col, ok := t.columns[field]
	if !ok {
		return nil, unknownAttribute(entity, field)
	}

	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s = $1 ORDER BY created_at ASC LIMIT %d`, t.name, col, searchLimit)
	rows, err := s.db.QueryxContext(ctx, query, value)
	if err != nil {
		return nil, classifyError("search "+entity, t, err)
	}
	defer rows.Close()

	var list []crm.Attributes
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, classifyError("search "+entity, t, err)
		}
		list = append(list, toAttributes(t, row))
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("search "+entity, t, err)
	}
	return list, nil
}

func lookupTable(entity string) (table, error) {
	t, ok := tables[entity]
	if !ok {
		return table{}, apperrors.StoreValidation(fmt.Sprintf("unknown entity %q", entity), nil)
	}
	return t, nil
}

func unknownAttribute(entity, attr string) error {
	return apperrors.StoreValidation(fmt.Sprintf("%s has no attribute %q", entity, attr), []string{attr})
}

func toAttributes(t table, row map[string]any) crm.Attributes {
	attrs := make(crm.Attributes, len(row))
	for col, v := range row {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		attrs[t.attribute(col)] = v
	}
	return attrs
}

var undefinedColumnPattern = regexp.MustCompile(`column "([^"]+)"`)

// classifyError maps driver failures onto the STORE_* error codes.
func classifyError(op string, t table, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, driver.ErrBadConn) {
		return apperrors.StoreTransient(op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "42703":
			var fields []string
			if m := undefinedColumnPattern.FindStringSubmatch(pqErr.Message); m != nil {
				fields = []string{t.attribute(m[1])}
			}
			log.Warn().Str("op", op).Strs("fields", fields).Msg("record store rejected undefined column")
			return apperrors.StoreValidation(pqErr.Message, fields)
		case pqErr.Code.Class() == "08",
			pqErr.Code.Class() == "53",
			pqErr.Code == "40001",
			pqErr.Code == "40P01",
			pqErr.Code == "57014",
			pqErr.Code == "57P01":
			return apperrors.StoreTransient(op, err)
		case pqErr.Code.Class() == "28":
			return apperrors.StoreUnauthorized(pqErr.Message)
		default:
			return apperrors.StoreValidation(pqErr.Message, nil)
		}
	}

	return apperrors.StoreTransient(op, err)
}
