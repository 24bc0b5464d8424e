// Package tenantdb adapts the Greenlight tenant schema (users, rooms,
// shared_accesses) to typed Go operations. Every error is logged.
// GetIDByEmail, GetTableField, CreateUser and CreateRoom reduce errors to a
// zero id or a not-found result; UpdateField, RenameRoom, ShareRoom,
// UnshareRoom, DeleteUser, DeleteRoom and TableRow(s)AsDict also return the
// error to the caller, alongside a zero rowcount or nil row.
package tenantdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aau-zid/schedulight-go/internal/apperror"
	"github.com/aau-zid/schedulight-go/internal/logging"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// usersTableList, roomsTableList and sharedTableList are the fixed expected
// column orderings recovered from the Greenlight schema. CheckCompatibility
// compares these against information_schema.columns on startup.
var (
	usersTableList  = []string{"id", "room_id", "provider", "uid", "name", "username", "email", "social_uid", "image", "password_digest", "accepted_terms", "created_at", "updated_at", "email_verified", "language", "reset_digest", "reset_sent_at", "activation_digest", "activated_at", "deleted", "role_id"}
	roomsTableList  = []string{"id", "user_id", "name", "uid", "bbb_id", "sessions", "last_session", "created_at", "updated_at", "room_settings", "moderator_pw", "attendee_pw", "access_code", "deleted"}
	sharedTableList = []string{"id", "room_id", "user_id", "created_at", "updated_at"}
)

// DefaultRoomSettings is the JSON blob used when a room is created without
// an explicit room_settings override.
const DefaultRoomSettings = `{"muteOnStart":true,"requireModeratorApproval":false,"anyoneCanStart":false,"joinModerator":false}`

// Config holds the Postgres connection parameters.
type Config struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

// DSN renders the lib/pq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode)
}

// DB is the tenant database adapter.
type DB struct {
	conn *sql.DB
}

// Connect opens the Postgres connection pool.
func Connect(cfg Config) (*DB, error) {
	conn, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open tenant db: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: ping tenant db: %v", apperror.ErrFatal, err)
	}
	return &DB{conn: conn}, nil
}

// Close releases the connection pool.
func (d *DB) Close() error { return d.conn.Close() }

// Ping verifies connectivity, used by the HTTP admin readiness probe.
func (d *DB) Ping(ctx context.Context) error { return d.conn.PingContext(ctx) }

// CheckCompatibility verifies the live schema matches the expected column
// orderings. A mismatch is a fatal startup error.
func (d *DB) CheckCompatibility(ctx context.Context) error {
	if err := d.checkTable(ctx, "users", usersTableList); err != nil {
		return err
	}
	if err := d.checkTable(ctx, "rooms", roomsTableList); err != nil {
		return err
	}
	if err := d.checkTable(ctx, "shared_accesses", sharedTableList); err != nil {
		return err
	}
	return nil
}

func (d *DB) checkTable(ctx context.Context, table string, expected []string) error {
	rows, err := d.conn.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position", table)
	if err != nil {
		return fmt.Errorf("%w: query schema of %s: %v", apperror.ErrFatal, table, err)
	}
	defer rows.Close()

	var got []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return fmt.Errorf("%w: scan schema of %s: %v", apperror.ErrFatal, table, err)
		}
		got = append(got, col)
	}

	if len(got) != len(expected) {
		return fmt.Errorf("%w: table %s has %d columns, expected %d", apperror.ErrFatal, table, len(got), len(expected))
	}
	for i := range expected {
		if got[i] != expected[i] {
			return fmt.Errorf("%w: table %s column %d is %q, expected %q", apperror.ErrFatal, table, i, got[i], expected[i])
		}
	}
	return nil
}

// GetIDByEmail looks up a user id by email. Returns (0, false) if absent.
func (d *DB) GetIDByEmail(ctx context.Context, email string) (int64, bool) {
	var id int64
	err := d.conn.QueryRowContext(ctx, "SELECT id FROM users WHERE email = $1", email).Scan(&id)
	if err != nil {
		if err != sql.ErrNoRows {
			logging.Error(ctx, "get id by email failed", zap.String("email", logging.RedactEmail(email)), zap.Error(err))
		}
		return 0, false
	}
	return id, true
}

// GetTableField returns one field of a row matched by an exact key/value,
// mirroring get_table_field's single-column lookup.
func (d *DB) GetTableField(ctx context.Context, table, key string, value any, field string) (any, bool) {
	if !isSafeIdent(table) || !isSafeIdent(key) || !isSafeIdent(field) {
		logging.Error(ctx, "rejected unsafe identifier in GetTableField", zap.String("table", table), zap.String("key", key), zap.String("field", field))
		return nil, false
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", field, table, key)
	var result any
	err := d.conn.QueryRowContext(ctx, query, value).Scan(&result)
	if err != nil {
		if err != sql.ErrNoRows {
			logging.Error(ctx, "get table field failed", zap.String("table", table), zap.Error(err))
		}
		return nil, false
	}
	return result, true
}

// UpdateField sets one column of every row matching another column's value.
func (d *DB) UpdateField(ctx context.Context, table, matchField string, matchValue any, setField string, setValue any) (int64, error) {
	if !isSafeIdent(table) || !isSafeIdent(matchField) || !isSafeIdent(setField) {
		return 0, fmt.Errorf("rejected unsafe identifier")
	}
	query := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s = $2", table, setField, matchField)
	res, err := d.conn.ExecContext(ctx, query, setValue, matchValue)
	if err != nil {
		logging.Error(ctx, "update field failed", zap.String("table", table), zap.Error(err))
		return 0, fmt.Errorf("update field: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// isSafeIdent restricts dynamically-composed SQL identifiers (table/column
// names driven by internal constants, never request input) to a safe
// character set before they are interpolated into a query string.
func isSafeIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// TableRowAsDict returns one row (matched by exact equality) as a
// column-name -> value map.
func (d *DB) TableRowAsDict(ctx context.Context, table, field string, value any, columns []string) (map[string]any, error) {
	return d.queryRowDict(ctx, table, field, value, columns, false)
}

// TableRowsAsDict returns every row matched by LIKE as a map keyed by the
// row's id column.
func (d *DB) TableRowsAsDict(ctx context.Context, table, field string, value any, columns []string) (map[int64]map[string]any, error) {
	if !isSafeIdent(table) || !isSafeIdent(field) {
		return nil, fmt.Errorf("rejected unsafe identifier")
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s LIKE $1", table, field)
	rows, err := d.conn.QueryContext(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("table rows as dict: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]map[string]any)
	for rows.Next() {
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rowMap := make(map[string]any, len(columns))
		for i, c := range columns {
			rowMap[c] = vals[i]
		}
		id, _ := rowMap["id"].(int64)
		out[id] = rowMap
	}
	return out, nil
}

func (d *DB) queryRowDict(ctx context.Context, table, field string, value any, columns []string, like bool) (map[string]any, error) {
	if !isSafeIdent(table) || !isSafeIdent(field) {
		return nil, fmt.Errorf("rejected unsafe identifier")
	}
	op := "="
	if like {
		op = "LIKE"
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s %s $1", table, field, op)
	vals := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := d.conn.QueryRowContext(ctx, query, value).Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("table row as dict: %w", err)
	}
	out := make(map[string]any, len(columns))
	for i, c := range columns {
		out[c] = vals[i]
	}
	return out, nil
}

// CreateUser inserts a new user row, rejecting an already-used email.
// Returns the new id, or 0 if the user already exists or the insert fails.
func (d *DB) CreateUser(ctx context.Context, email, fullName, uid, socialUID, password string, roleID int, provider string) int64 {
	if _, found := d.GetIDByEmail(ctx, email); found {
		logging.Error(ctx, "email already exists, refusing to create user", zap.String("email", logging.RedactEmail(email)))
		return 0
	}
	var err error
	if password == "" {
		if password, err = randomSecret(11); err != nil {
			logging.Error(ctx, "generate password failed", zap.Error(err))
			return 0
		}
	}
	if fullName == "" {
		fullName = strings.SplitN(email, "@", 2)[0]
	}
	if uid == "" {
		if uid, err = randomUID(); err != nil {
			logging.Error(ctx, "generate uid failed", zap.Error(err))
			return 0
		}
	}

	now := time.Now().UTC()
	var id int64
	err = d.conn.QueryRowContext(ctx, `
		INSERT INTO users (room_id, provider, uid, name, username, email, social_uid, image,
			password_digest, accepted_terms, created_at, updated_at, email_verified, language,
			reset_digest, reset_sent_at, activation_digest, activated_at, deleted, role_id)
		VALUES (NULL, $1, $2, $3, $4, $5, $6, NULL, $7, true, $8, $8, true, NULL, NULL, NULL, NULL, $8, false, $9)
		RETURNING id`,
		provider, uid, fullName, uid, email, nullable(socialUID), password, now, roleID,
	).Scan(&id)
	if err != nil {
		logging.Error(ctx, "create user failed", zap.String("email", logging.RedactEmail(email)), zap.Error(err))
		return 0
	}
	return id
}

// CreateRoom inserts a new room row owned by email. Returns 0 if the owner
// is missing or the meetingUID already exists.
func (d *DB) CreateRoom(ctx context.Context, email, meetingName, meetingUID, roomSettings, bbbID, attendeePW, moderatorPW, accessCode string) int64 {
	userID, found := d.GetIDByEmail(ctx, email)
	if !found {
		logging.Error(ctx, "owner does not exist, refusing to create room", zap.String("email", logging.RedactEmail(email)))
		return 0
	}
	if meetingName == "" {
		meetingName = email
	}

	var err error
	if bbbID == "" {
		if bbbID, err = randomBBBID(); err != nil {
			logging.Error(ctx, "generate bbb id failed", zap.Error(err))
			return 0
		}
	}
	if meetingUID == "" {
		if meetingUID, err = randomSecret(11); err != nil {
			logging.Error(ctx, "generate room alias failed", zap.Error(err))
			return 0
		}
	}
	if _, found := d.GetTableField(ctx, "rooms", "uid", meetingUID, "id"); found {
		logging.Error(ctx, "room uid already exists, refusing to create room", zap.String("uid", meetingUID))
		return 0
	}

	if attendeePW == "" {
		if attendeePW, err = randomSecret(11); err != nil {
			return 0
		}
	}
	if moderatorPW == "" {
		if moderatorPW, err = randomSecret(11); err != nil {
			return 0
		}
	}
	if roomSettings == "" {
		roomSettings = DefaultRoomSettings
	}

	now := time.Now().UTC()
	var id int64
	err = d.conn.QueryRowContext(ctx, `
		INSERT INTO rooms (user_id, name, uid, bbb_id, sessions, last_session, created_at, updated_at,
			room_settings, moderator_pw, attendee_pw, access_code, deleted)
		VALUES ($1, $2, $3, $4, 0, NULL, $5, $5, $6, $7, $8, $9, false)
		RETURNING id`,
		userID, meetingName, meetingUID, bbbID, now, roomSettings, moderatorPW, attendeePW, nullable(accessCode),
	).Scan(&id)
	if err != nil {
		logging.Error(ctx, "create room failed", zap.String("uid", meetingUID), zap.Error(err))
		return 0
	}
	return id
}

// RenameRoom updates a room's uid or name column. by must be "uid" or
// "name"; any other value is rejected.
func (d *DB) RenameRoom(ctx context.Context, oldValue, newValue, by string) (int64, error) {
	if by != "uid" && by != "name" {
		return 0, fmt.Errorf("%w: renaming rooms is only allowed by uid or name, got %q", apperror.ErrConfig, by)
	}
	query := fmt.Sprintf("UPDATE rooms SET %s = $1 WHERE %s = $2", by, by)
	res, err := d.conn.ExecContext(ctx, query, newValue, oldValue)
	if err != nil {
		logging.Error(ctx, "rename room failed", zap.Error(err))
		return 0, fmt.Errorf("rename room: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ShareRoom inserts a shared_accesses row. roomRef is resolved through by
// ("uid" or "id"); by == "room_id" treats roomRef as the literal room id.
func (d *DB) ShareRoom(ctx context.Context, roomRef, email, by string) (int64, error) {
	return d.mutateShare(ctx, roomRef, email, by, true)
}

// UnshareRoom removes a shared_accesses row.
func (d *DB) UnshareRoom(ctx context.Context, roomRef, email, by string) (int64, error) {
	return d.mutateShare(ctx, roomRef, email, by, false)
}

func (d *DB) mutateShare(ctx context.Context, roomRef, email, by string, share bool) (int64, error) {
	userID, found := d.GetIDByEmail(ctx, email)
	if !found {
		logging.Error(ctx, "user does not exist, cannot share/unshare room", zap.String("email", logging.RedactEmail(email)))
		return 0, nil
	}

	roomID := roomRef
	if by != "room_id" {
		field, found := d.GetTableField(ctx, "rooms", by, roomRef, "id")
		if !found {
			logging.Error(ctx, "room does not exist, cannot share/unshare", zap.String("ref", roomRef))
			return 0, nil
		}
		roomID = fmt.Sprintf("%v", field)
	}

	now := time.Now().UTC()
	var res sql.Result
	var err error
	if share {
		res, err = d.conn.ExecContext(ctx,
			"INSERT INTO shared_accesses (room_id, user_id, created_at, updated_at) VALUES ($1, $2, $3, $3)",
			roomID, userID, now)
	} else {
		res, err = d.conn.ExecContext(ctx,
			"DELETE FROM shared_accesses WHERE room_id = $1 AND user_id = $2", roomID, userID)
	}
	if err != nil {
		logging.Error(ctx, "share/unshare room failed", zap.Error(err))
		return 0, fmt.Errorf("share/unshare room: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteUser deletes a user row, cascading through users_roles and every
// room the user owns, as an explicit ordered sequence inside a single
// transaction rather than a traversal, so a failure partway through the
// cascade rolls back the whole delete instead of leaving the tenant DB
// half-consistent.
func (d *DB) DeleteUser(ctx context.Context, userRef, by string) (int64, error) {
	if by == "" {
		by = "email"
	}
	idVal, found := d.GetTableField(ctx, "users", by, userRef, "id")
	if !found {
		return 0, nil
	}
	userID, ok := asInt64(idVal)
	if !ok {
		return 0, fmt.Errorf("delete user: unexpected id type %T", idVal)
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete user tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = $1", userID)
	if err != nil {
		return 0, fmt.Errorf("delete user: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM users_roles WHERE user_id = $1", userID); err != nil {
		return 0, fmt.Errorf("delete user_roles: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT id FROM rooms WHERE user_id = $1", userID)
	if err != nil {
		return 0, fmt.Errorf("list rooms for deleted user: %w", err)
	}
	var roomIDs []int64
	for rows.Next() {
		var rid int64
		if err := rows.Scan(&rid); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan room id: %w", err)
		}
		roomIDs = append(roomIDs, rid)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate rooms for deleted user: %w", err)
	}
	rows.Close()

	for _, rid := range roomIDs {
		if _, err := deleteRoomRowTx(ctx, tx, rid); err != nil {
			return 0, fmt.Errorf("cascade delete room %d: %w", rid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete user tx: %w", err)
	}
	return n, nil
}

// DeleteRoom deletes a room row, unlinking any home-room reference in
// users.room_id and removing shared_accesses entries for the room, as a
// single transaction.
func (d *DB) DeleteRoom(ctx context.Context, roomRef, by string) (int64, error) {
	if by == "" {
		by = "uid"
	}
	idVal, found := d.GetTableField(ctx, "rooms", by, roomRef, "id")
	if !found {
		return 0, nil
	}
	roomID, ok := asInt64(idVal)
	if !ok {
		return 0, fmt.Errorf("delete room: unexpected id type %T", idVal)
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete room tx: %w", err)
	}
	defer tx.Rollback()

	n, err := deleteRoomRowTx(ctx, tx, roomID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete room tx: %w", err)
	}
	return n, nil
}

// deleteRoomRowTx deletes one room row and its references (home-room
// pointer, shared_accesses) inside an already-open transaction, returning
// the number of room rows deleted (0 or 1).
func deleteRoomRowTx(ctx context.Context, tx *sql.Tx, roomID int64) (int64, error) {
	res, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", roomID)
	if err != nil {
		return 0, fmt.Errorf("delete room: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx, "UPDATE users SET room_id = NULL WHERE room_id = $1", roomID); err != nil {
		return 0, fmt.Errorf("unlink home room: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM shared_accesses WHERE room_id = $1", roomID); err != nil {
		return 0, fmt.Errorf("delete shared_accesses for room: %w", err)
	}
	return n, nil
}

// asInt64 normalises the driver-returned scalar types of an id column
// scanned into an `any` (lib/pq yields int64 for integer columns, but
// callers here go through the generic GetTableField path).
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
