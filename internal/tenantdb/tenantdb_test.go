package tenantdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSafeIdent(t *testing.T) {
	assert.True(t, isSafeIdent("room_id"))
	assert.True(t, isSafeIdent("uid"))
	assert.False(t, isSafeIdent(""))
	assert.False(t, isSafeIdent("id = 1; DROP TABLE users"))
	assert.False(t, isSafeIdent("room id"))
	assert.False(t, isSafeIdent("room-id"))
}

func TestNullable(t *testing.T) {
	assert.Nil(t, nullable(""))
	assert.Equal(t, "abc", nullable("abc"))
}

func TestConfig_DSN(t *testing.T) {
	cfg := Config{Host: "db", Port: "5432", Name: "greenlight", User: "gl", Password: "pw", SSLMode: "disable"}
	dsn := cfg.DSN()
	assert.Contains(t, dsn, "host=db")
	assert.Contains(t, dsn, "port=5432")
	assert.Contains(t, dsn, "dbname=greenlight")
	assert.Contains(t, dsn, "sslmode=disable")
}

func TestRenameRoom_RejectsUnknownField(t *testing.T) {
	d := &DB{}
	n, err := d.RenameRoom(context.Background(), "old", "new", "email")
	assert.Error(t, err)
	assert.Zero(t, n)
}
