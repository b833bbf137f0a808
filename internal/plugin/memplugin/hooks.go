package memplugin

import (
	"strconv"
	"strings"
	"time"

	"github.com/dtgate/dtgate/internal/plugin"
	"github.com/dtgate/dtgate/internal/types"
)

// Out-of-band hooks used by tests and the selfcheck command to stand in
// for external users and server conditions. None of these is part of
// the plugin contract.

// SetNow replaces the adapter's clock.
func (a *Adapter) SetNow(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// FailServerDate makes the next n ServerDate calls fail as if the
// server dropped the connection.
func (a *Adapter) FailServerDate(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.serverDateFails = n
}

// SetOfflineAdvice sets the value returned by ServerOffline.
func (a *Adapter) SetOfflineAdvice(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offlineAdvice = n
}

// ConnectCount reports how many times user has connected.
func (a *Adapter) ConnectCount(user string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects[user]
}

// InjectMessage queues one message for the Messenger capability.
func (a *Adapter) InjectMessage(text string, level int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingMsg, a.pendingMsgLevel = text, level
}

// CreateRecord inserts a record as if user had edited it directly,
// stamping the modification fields, and returns the new id.
func (a *Adapter) CreateRecord(project, user string, fields map[string]string) (string, error) {
	res, err := a.db.Exec(`INSERT INTO records (project) VALUES (?)`, project)
	if err != nil {
		return "", err
	}
	rec, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	id := strconv.FormatInt(rec, 10)
	if err := a.writeFields(rec, id, user, fields); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateRecord overwrites fields on an existing record as user,
// advancing the modification stamp.
func (a *Adapter) UpdateRecord(project, id, user string, fields map[string]string) error {
	rec, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return err
	}
	return a.writeFields(rec, id, user, fields)
}

func (a *Adapter) writeFields(rec int64, id, user string, fields map[string]string) error {
	a.mu.Lock()
	stamp := a.FormatDate(a.now())
	a.mu.Unlock()
	all := map[string]string{
		a.modDateField:  stamp,
		a.modUserField:  user,
		a.defectIDField: id,
	}
	for name, value := range fields {
		all[name] = value
	}
	for name, value := range all {
		if _, err := a.db.Exec(`
			INSERT INTO field_values (rec, name, value) VALUES (?, ?, ?)
			ON CONFLICT (rec, name) DO UPDATE SET value = excluded.value`,
			rec, name, value); err != nil {
			return err
		}
	}
	return nil
}

// ReadRecord returns a record's current field values.
func (a *Adapter) ReadRecord(id string) (map[string]string, error) {
	rec, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, err
	}
	return a.loadFields(rec)
}

// AddFix attaches a fix to a record, like a submitted change.
func (a *Adapter) AddFix(project, id string, fix types.FixDesc) error {
	_, err := a.db.Exec(`
		INSERT INTO fixes (project, rec_id, fix, fix_user, stamp, descr, files)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		project, id, fix.Change, fix.User, fix.Stamp, fix.Desc,
		strings.Join(fix.Files, "\n"))
	return err
}

// RemoveFix detaches a fix from a record.
func (a *Adapter) RemoveFix(project, id, fix string) error {
	_, err := a.db.Exec(`DELETE FROM fixes WHERE project = ? AND rec_id = ? AND fix = ?`,
		project, id, fix)
	return err
}

// interface checks
var (
	_ plugin.Adapter         = (*Adapter)(nil)
	_ plugin.FixSupporter    = (*Adapter)(nil)
	_ plugin.Conn            = (*conn)(nil)
	_ plugin.UTF8Capable     = (*conn)(nil)
	_ plugin.OfflineAdvisor  = (*conn)(nil)
	_ plugin.Messenger       = (*conn)(nil)
	_ plugin.Project         = (*project)(nil)
	_ plugin.FieldHinter     = (*project)(nil)
	_ plugin.SegmentFilterer = (*project)(nil)
	_ plugin.FixLister       = (*fixProject)(nil)
)
