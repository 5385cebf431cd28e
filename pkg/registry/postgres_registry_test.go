package registry

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dislovelhl/acgs2/pkg/model"
)

func TestPostgresRegistry_Register(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewPostgresRegistry(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agents")).
		WithArgs("tenant-1", "agent-1", "", "", "ACTIVE", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	reg := &model.AgentRegistration{ID: "agent-1", TenantID: "tenant-1"}
	err = r.Register(context.Background(), reg)
	assert.NoError(t, err)
	assert.Equal(t, model.AgentStatusActive, reg.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegistry_Register_Duplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewPostgresRegistry(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agents")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = r.Register(context.Background(), &model.AgentRegistration{ID: "agent-1", TenantID: "tenant-1"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestPostgresRegistry_Register_ReservedID(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewPostgresRegistry(db)
	err = r.Register(context.Background(), &model.AgentRegistration{ID: "anonymous", TenantID: "tenant-1"})
	assert.ErrorIs(t, err, ErrReservedID)
}

func TestPostgresRegistry_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewPostgresRegistry(db)
	rows := sqlmock.NewRows([]string{"name", "type", "status", "capabilities_json", "metadata_json", "last_seen"}).
		AddRow("watcher", "monitor", "ACTIVE", []byte(`{"scan":true}`), []byte(`{"region":"us"}`), time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT name, type, status, capabilities_json, metadata_json, last_seen")).
		WithArgs("tenant-1", "agent-1").
		WillReturnRows(rows)

	a, err := r.Get(context.Background(), "tenant-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "watcher", a.Name)
	assert.True(t, a.HasCapability("scan"))
	assert.Equal(t, "us", a.Metadata["region"])
}

func TestPostgresRegistry_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewPostgresRegistry(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT name, type, status, capabilities_json, metadata_json, last_seen")).
		WithArgs("tenant-1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "status", "capabilities_json", "metadata_json", "last_seen"}))

	_, err = r.Get(context.Background(), "tenant-1", "missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestPostgresRegistry_Unregister_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewPostgresRegistry(db)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM agents")).
		WithArgs("tenant-1", "agent-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = r.Unregister(context.Background(), "tenant-1", "agent-1")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestPostgresRegistry_Heartbeat(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewPostgresRegistry(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents SET last_seen")).
		WithArgs("tenant-1", "agent-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = r.Heartbeat(context.Background(), "tenant-1", "agent-1")
	assert.NoError(t, err)
}
