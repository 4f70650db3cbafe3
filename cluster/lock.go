// Package cluster provides the lease-based channel locks that keep two
// engine instances from routing the same channel at once. Leases live in
// the engine store so every instance sees them; an expired lease can be
// taken over by any node.
package cluster

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/trickledb/trickle/datalog"
	"github.com/trickledb/trickle/telemetry"
)

// ErrLockHeld is returned when another live holder owns the lease.
var ErrLockHeld = errors.New("channel lock held by another node")

// LockManager acquires and releases channel lock leases for one node.
type LockManager struct {
	store  *datalog.Store
	holder string
	lease  time.Duration
	now    func() time.Time
}

// NewLockManager creates a manager whose leases are owned by holder and
// expire after lease unless refreshed.
func NewLockManager(store *datalog.Store, holder string, lease time.Duration) *LockManager {
	return &LockManager{
		store:  store,
		holder: holder,
		lease:  lease,
		now:    time.Now,
	}
}

// Lock is a held channel lease. Release it when the routing pass ends,
// whether it committed or rolled back.
type Lock struct {
	mgr       *LockManager
	lockID    string
	expiresAt time.Time
}

func channelLockID(channelID string) string {
	return "route." + channelID
}

// isDuplicateKey reports whether err is a primary-key violation on the
// lock row. Anything else (lost connection, full disk) is a real store
// error and must not be mistaken for contention.
func isDuplicateKey(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return false
}

// Acquire takes the lease for a channel. It succeeds when the lock row is
// absent, already ours, or expired; otherwise it returns ErrLockHeld.
func (m *LockManager) Acquire(channelID string) (*Lock, error) {
	lockID := channelLockID(channelID)
	now := m.now()
	expires := now.Add(m.lease)

	var holder string
	var expiresAt int64
	err := m.store.DB().QueryRow(
		`SELECT holder, expires_at FROM trk_channel_lock WHERE lock_id = ?`, lockID,
	).Scan(&holder, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		_, err = m.store.DB().Exec(
			`INSERT INTO trk_channel_lock (lock_id, holder, acquired_at, expires_at)
			 VALUES (?, ?, ?, ?)`,
			lockID, m.holder, now.UnixMilli(), expires.UnixMilli())
		if isDuplicateKey(err) {
			// Lost the insert race; report the lock as held and let the
			// next pass retry.
			return nil, ErrLockHeld
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create channel lock %s: %w", lockID, err)
		}
		return &Lock{mgr: m, lockID: lockID, expiresAt: expires}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read channel lock %s: %w", lockID, err)
	}

	if holder != m.holder && expiresAt > now.UnixMilli() {
		return nil, ErrLockHeld
	}

	if holder != m.holder {
		telemetry.LockTakeovers.Inc()
		log.Warn().
			Str("lock", lockID).
			Str("previous_holder", holder).
			Str("holder", m.holder).
			Msg("Taking over expired channel lock")
	}

	// Conditional update so two nodes cannot both steal an expired lease.
	res, err := m.store.DB().Exec(
		`UPDATE trk_channel_lock SET holder = ?, acquired_at = ?, expires_at = ?
		 WHERE lock_id = ? AND (holder = ? OR expires_at <= ?)`,
		m.holder, now.UnixMilli(), expires.UnixMilli(),
		lockID, holder, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to update channel lock %s: %w", lockID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrLockHeld
	}
	return &Lock{mgr: m, lockID: lockID, expiresAt: expires}, nil
}

// Refresh extends the lease. Call it between pages of a long pass so the
// lock does not expire under a live holder.
func (l *Lock) Refresh() error {
	now := l.mgr.now()
	expires := now.Add(l.mgr.lease)
	res, err := l.mgr.store.DB().Exec(
		`UPDATE trk_channel_lock SET expires_at = ? WHERE lock_id = ? AND holder = ?`,
		expires.UnixMilli(), l.lockID, l.mgr.holder)
	if err != nil {
		return fmt.Errorf("failed to refresh channel lock %s: %w", l.lockID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockHeld
	}
	l.expiresAt = expires
	return nil
}

// Release gives the lease up. Releasing a lease we no longer hold is not
// an error; the takeover already logged it.
func (l *Lock) Release() {
	_, err := l.mgr.store.DB().Exec(
		`DELETE FROM trk_channel_lock WHERE lock_id = ? AND holder = ?`,
		l.lockID, l.mgr.holder)
	if err != nil {
		log.Error().Err(err).Str("lock", l.lockID).Msg("Unable to release channel lock")
	}
}
