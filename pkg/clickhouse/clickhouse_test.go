package clickhouse

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	dsn := ClientConfig{
		Host:         "ch",
		Port:         9000,
		Database:     "cnnforecast",
		User:         "default",
		Password:     "p@ss",
		DialTimeout:  5 * time.Second,
		MaxExecTime:  time.Minute,
		AsyncInsert:  true,
		WaitForAsync: true,
	}.DSN()

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "clickhouse", u.Scheme)
	assert.Equal(t, "ch:9000", u.Host)
	assert.Equal(t, "/cnnforecast", u.Path)
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss", pw)
	assert.Equal(t, "5s", u.Query().Get("dial_timeout"))
	assert.Equal(t, "60", u.Query().Get("max_execution_time"))
	assert.Equal(t, "1", u.Query().Get("wait_for_async_insert"))
}

func TestDSNHTTP(t *testing.T) {
	dsn := ClientConfig{Host: "ch", Port: 8123, Database: "db", UseHTTP: true}.DSN()
	assert.True(t, strings.HasPrefix(dsn, "http://ch:8123/db"))
}

func TestSchemaCreatesTablesInDatabase(t *testing.T) {
	stmts := Schema("forecasting")
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "CREATE DATABASE IF NOT EXISTS forecasting")
	assert.Contains(t, stmts[1], "forecasting.series")
	assert.Contains(t, stmts[2], "forecasting.forecasts")
}

func TestNewClientRequiresHost(t *testing.T) {
	_, err := NewClient()
	assert.Error(t, err)
}
