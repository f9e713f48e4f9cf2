package database

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	c := &Config{Host: "db", Port: 3306, Username: "cmpp", Password: "pw", Database: "ismg"}
	dsn := c.DSN()
	assert.Contains(t, dsn, "cmpp:pw@tcp(db:3306)/ismg")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS accounts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS account_ips").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	m := NewManagerWithDB(db, nil)
	require.NoError(t, m.Migrate(context.Background()))
	require.NoError(t, m.Close())
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Nil(t, m.DB())
}

func TestNotConnected(t *testing.T) {
	m := NewManager(&Config{}, nil)
	assert.Error(t, m.Ping(context.Background()))
	assert.Error(t, m.Migrate(context.Background()))
	assert.NoError(t, m.Close())
}
