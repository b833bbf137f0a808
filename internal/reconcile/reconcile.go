// Package reconcile merges individual records across the two sides of a
// mapping: the per-record rule evaluation of mirror/one-way copy rules,
// fix-detail projection, and the SCM- and DTS-originated pipelines with
// their deferred-retry handling.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dtgate/dtgate/internal/convert"
	"github.com/dtgate/dtgate/internal/fixdetail"
	"github.com/dtgate/dtgate/internal/logf"
	"github.com/dtgate/dtgate/internal/model"
	"github.com/dtgate/dtgate/internal/plugin"
	"github.com/dtgate/dtgate/internal/types"
)

// Status is one side's state relative to the current cycle.
type Status int

const (
	StatusUnchanged Status = iota
	StatusChanged
	StatusNew
)

// Side binds one endpoint of the mapping to its opened project.
type Side struct {
	Source  *model.Source
	Adapter plugin.Adapter
	Conn    plugin.Conn
	Project plugin.Project
	Caps    plugin.Caps
	Fields  []types.FieldDesc
	// Filter is the mapping's segment on this side, nil when the whole
	// source replicates.
	Filter *model.FilterSet
}

// Failure is one terminally failed record, reported into the mapping's
// err- file at end of cycle.
type Failure struct {
	SCMID string
	DTSID string
	Msg   string
}

func (f Failure) String() string {
	return fmt.Sprintf("scm=%s dts=%s: %s", orDash(f.SCMID), orDash(f.DTSID), f.Msg)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Reconciler drives per-record replication for one mapping within one
// cycle. It is not safe for concurrent use; the engine runs one record
// at a time, which also serializes all plugin calls per connection.
type Reconciler struct {
	Mapping  *model.DataMapping
	Opts     model.Options
	Settings *model.Settings
	SCM      *Side
	DTS      *Side
	Conv     *convert.Converter
	Fixes    plugin.FixLister // nil when the SCM adapter is not fix-capable
	Log      *logf.Logger

	retry  []string // SCM ids deferred to the end-of-cycle retry pass
	failed []Failure
}

// RetryQueue returns and clears the deferred SCM ids.
func (r *Reconciler) RetryQueue() []string {
	q := r.retry
	r.retry = nil
	return q
}

// Failures returns the terminally failed records of this cycle.
func (r *Reconciler) Failures() []Failure { return r.failed }

// fail records a terminal per-record failure.
func (r *Reconciler) fail(scmID, dtsID, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.Log.Errorf("record failed (scm=%s dts=%s): %s", orDash(scmID), orDash(dtsID), msg)
	r.failed = append(r.failed, Failure{SCMID: scmID, DTSID: dtsID, Msg: msg})
}

// ProcessSCMRecord runs the SCM-originated pipeline for one record id.
// lastChance marks the end-of-cycle retry pass: a failure there is
// terminal instead of being requeued. Connection-level errors
// (CanContinue=false) abort the cycle and propagate to the caller.
func (r *Reconciler) ProcessSCMRecord(ctx context.Context, scmID string, lastChance bool) error {
	scmRec, err := r.SCM.Project.Defect(ctx, scmID)
	if err != nil {
		return r.recordError(scmID, "", lastChance, fmt.Errorf("load SCM record: %w", err))
	}
	defer scmRec.Close()

	if skip, err := r.filteredOut(r.SCM, scmRec); err != nil {
		return r.recordError(scmID, "", lastChance, err)
	} else if skip {
		r.Log.Debugf("scm=%s outside segment, skipped", scmID)
		return nil
	}

	// A record carrying a pending operator-visible failure is
	// quarantined until the operator clears it.
	if v, err := scmRec.Field(types.FieldError); err != nil {
		return r.recordError(scmID, "", lastChance, err)
	} else if strings.TrimSpace(v) != "" {
		r.Log.Warnf("scm=%s has %s set, skipped", scmID, types.FieldError)
		return nil
	}

	if err := r.checkMapID(scmRec, scmID); err != nil {
		r.fail(scmID, "", "%v", err)
		return nil
	}

	dtsID, err := scmRec.Field(types.FieldDTIssue)
	if err != nil {
		return r.recordError(scmID, "", lastChance, err)
	}
	dtsID = strings.TrimSpace(dtsID)

	var dtsRec plugin.Record
	dtsStatus := StatusNew
	if dtsID == "" {
		dtsRec, err = r.DTS.Project.NewDefect(ctx)
		if err != nil {
			return r.recordError(scmID, "", lastChance, fmt.Errorf("create DTS record: %w", err))
		}
	} else {
		dtsRec, err = r.DTS.Project.Defect(ctx, dtsID)
		if err != nil {
			return r.recordError(scmID, dtsID, lastChance, fmt.Errorf("load DTS record: %w", err))
		}
		dtsStatus, err = r.dtsStatus(dtsRec)
		if err != nil {
			dtsRec.Close()
			return r.recordError(scmID, dtsID, lastChance, err)
		}
	}
	defer dtsRec.Close()

	added, removed, ledger, err := r.fixDelta(ctx, scmRec, scmID)
	if err != nil {
		return r.recordError(scmID, dtsID, lastChance, err)
	}

	if err := r.merge(scmRec, dtsRec, StatusChanged, dtsStatus, scmID, dtsID, added, removed); err != nil {
		return r.recordError(scmID, dtsID, lastChance, err)
	}

	// A replication write that pushes the DTS record outside its own
	// segment would strand it where the next cycle cannot see it.
	if bad, err := r.filteredOut(r.DTS, dtsRec); err != nil {
		return r.recordError(scmID, dtsID, lastChance, err)
	} else if bad {
		r.fail(scmID, dtsID, "replicated DTS record falls outside filter %q", r.Mapping.DTSFilter)
		return nil
	}

	savedDTS, err := dtsRec.Save(ctx)
	if err != nil {
		if !plugin.CanContinue(err) {
			return err
		}
		return r.recordError(scmID, dtsID, lastChance, fmt.Errorf("save DTS record: %w", err))
	}
	if dtsStatus == StatusNew {
		if err := scmRec.SetField(types.FieldDTIssue, savedDTS); err != nil {
			return r.recordError(scmID, savedDTS, lastChance, err)
		}
	}
	if r.Fixes != nil {
		if err := r.setIfChanged(scmRec, r.SCM, types.FieldFixes, ledger); err != nil {
			return r.recordError(scmID, savedDTS, lastChance, err)
		}
	}
	if _, err := scmRec.Save(ctx); err != nil {
		if !plugin.CanContinue(err) {
			return err
		}
		if dtsStatus == StatusNew {
			// The DTS record exists but the SCM side does not know it;
			// there is no rollback across two endpoints.
			r.Log.Errorf("orphan DTS record %s: SCM save failed for scm=%s", savedDTS, scmID)
		}
		return r.recordError(scmID, savedDTS, lastChance, fmt.Errorf("save SCM record: %w", err))
	}
	if dtsStatus == StatusNew && r.Mapping.RecheckOnNewDTS && !lastChance {
		// Rules sourcing the DTS identity field saw an empty id on this
		// pass; run the record once more now that the id exists.
		r.retry = append(r.retry, scmID)
	}
	r.Log.Debugf("replicated scm=%s dts=%s", scmID, savedDTS)
	return nil
}

// ProcessDTSRecord runs the DTS-originated pipeline for one record id.
func (r *Reconciler) ProcessDTSRecord(ctx context.Context, dtsID string, lastChance bool) error {
	dtsRec, err := r.DTS.Project.Defect(ctx, dtsID)
	if err != nil {
		return r.recordError("", dtsID, lastChance, fmt.Errorf("load DTS record: %w", err))
	}
	defer dtsRec.Close()

	if skip, err := r.filteredOut(r.DTS, dtsRec); err != nil {
		return r.recordError("", dtsID, lastChance, err)
	} else if skip {
		r.Log.Debugf("dts=%s outside segment, skipped", dtsID)
		return nil
	}

	if !r.Settings.Force {
		// Echo suppression: an edit made by the replication account is
		// our own earlier write coming back.
		modUser, err := dtsRec.Field(r.DTS.Source.ModUserField)
		if err != nil {
			return r.recordError("", dtsID, lastChance, err)
		}
		if modUser == r.DTS.Source.User {
			r.Log.Debugf("dts=%s modified by replication user, skipped", dtsID)
			return nil
		}
		status, err := r.dtsStatus(dtsRec)
		if err != nil {
			return r.recordError("", dtsID, lastChance, err)
		}
		if status != StatusChanged {
			r.Log.Debugf("dts=%s not newer than watermark, skipped", dtsID)
			return nil
		}
	}

	scmRec, scmID, scmStatus, err := r.findSCMRecord(ctx, dtsID)
	if err != nil {
		if !plugin.CanContinue(err) {
			return err
		}
		return r.recordError("", dtsID, lastChance, err)
	}
	if scmRec == nil {
		// Matched record is quarantined; leave it alone.
		r.Log.Warnf("scm record for dts=%s has %s set, skipped", dtsID, types.FieldError)
		return nil
	}
	defer scmRec.Close()

	var added []types.FixDesc
	var removed []string
	var ledger string
	if scmStatus != StatusNew {
		added, removed, ledger, err = r.fixDelta(ctx, scmRec, scmID)
		if err != nil {
			return r.recordError(scmID, dtsID, lastChance, err)
		}
	}

	if err := r.merge(scmRec, dtsRec, scmStatus, StatusChanged, scmID, dtsID, added, removed); err != nil {
		return r.recordError(scmID, dtsID, lastChance, err)
	}

	if bad, err := r.filteredOut(r.DTS, dtsRec); err != nil {
		return r.recordError(scmID, dtsID, lastChance, err)
	} else if bad {
		r.fail(scmID, dtsID, "replicated DTS record falls outside filter %q", r.Mapping.DTSFilter)
		return nil
	}
	if bad, err := r.filteredOut(r.SCM, scmRec); err != nil {
		return r.recordError(scmID, dtsID, lastChance, err)
	} else if bad {
		r.fail(scmID, dtsID, "replicated SCM record falls outside filter %q", r.Mapping.SCMFilter)
		return nil
	}

	if _, err := dtsRec.Save(ctx); err != nil {
		if !plugin.CanContinue(err) {
			return err
		}
		// The DTS side rejected the merge; surface it on the SCM record
		// where an operator will see it.
		r.setSCMError(ctx, scmRec, scmID, fmt.Sprintf("DTS save failed for %s: %v", dtsID, err))
		return r.recordError(scmID, dtsID, lastChance, fmt.Errorf("save DTS record: %w", err))
	}

	if scmStatus == StatusNew {
		if err := scmRec.SetField(types.FieldDTIssue, dtsID); err != nil {
			return r.recordError(scmID, dtsID, lastChance, err)
		}
		if types.FindField(r.SCM.Fields, types.FieldMapID) != nil {
			if err := scmRec.SetField(types.FieldMapID, r.Mapping.ID); err != nil {
				return r.recordError(scmID, dtsID, lastChance, err)
			}
		}
	} else if r.Fixes != nil {
		if err := r.setIfChanged(scmRec, r.SCM, types.FieldFixes, ledger); err != nil {
			return r.recordError(scmID, dtsID, lastChance, err)
		}
	}
	newID, err := scmRec.Save(ctx)
	if err != nil {
		if !plugin.CanContinue(err) {
			return err
		}
		return r.recordError(scmID, dtsID, lastChance, fmt.Errorf("save SCM record: %w", err))
	}
	if scmStatus == StatusNew && r.Mapping.RecheckOnNewSCM && !lastChance {
		// Identity-sourcing rules could not see the new id during this
		// pass; run the record once more now that it exists.
		r.retry = append(r.retry, newID)
	}
	r.Log.Debugf("replicated dts=%s scm=%s", dtsID, newID)
	return nil
}

// recordError routes a per-record failure: queued for the retry pass on
// the first occurrence, terminal on the last-chance pass. Connection
// errors always propagate.
func (r *Reconciler) recordError(scmID, dtsID string, lastChance bool, err error) error {
	if !plugin.CanContinue(err) {
		return err
	}
	if lastChance || scmID == "" {
		r.fail(scmID, dtsID, "%v", err)
		return nil
	}
	r.Log.Warnf("deferring scm=%s to retry pass: %v", scmID, err)
	r.retry = append(r.retry, scmID)
	return nil
}

// checkMapID verifies segmentation ownership of an SCM record. A set
// DTG_MAPID disagreeing with this mapping is another mapping's record
// showing up inside our segment, which is a configuration fault.
func (r *Reconciler) checkMapID(rec plugin.Record, scmID string) error {
	mapID, err := rec.Field(types.FieldMapID)
	if err != nil {
		// Sources without segmentation may not carry the field at all.
		if r.Mapping.SCMFilter == "" {
			return nil
		}
		return err
	}
	mapID = strings.TrimSpace(mapID)
	if mapID == "" {
		return rec.SetField(types.FieldMapID, r.Mapping.ID)
	}
	if mapID != r.Mapping.ID {
		return fmt.Errorf("scm=%s owned by mapping %q, not %q", scmID, mapID, r.Mapping.ID)
	}
	return nil
}

// findSCMRecord locates the SCM record paired with a DTS id, creating a
// fresh one when no match exists. Returns (nil, "", 0, nil) when the
// matched record is quarantined by DTG_ERROR.
func (r *Reconciler) findSCMRecord(ctx context.Context, dtsID string) (plugin.Record, string, Status, error) {
	if r.Fixes == nil {
		return nil, "", 0, errors.New("SCM adapter does not support record queries")
	}
	query := types.FieldDTIssue + "=" + dtsID
	if r.Mapping.SCMFilter != "" {
		query += " " + types.FieldMapID + "=" + r.Mapping.ID
	}
	ids, err := r.Fixes.FindDefects(ctx, 2, query)
	if err != nil {
		return nil, "", 0, fmt.Errorf("find SCM record for dts=%s: %w", dtsID, err)
	}
	if len(ids) == 0 {
		rec, err := r.SCM.Project.NewDefect(ctx)
		if err != nil {
			return nil, "", 0, fmt.Errorf("create SCM record: %w", err)
		}
		return rec, "", StatusNew, nil
	}
	if len(ids) > 1 {
		return nil, "", 0, fmt.Errorf("dts=%s matches %d SCM records", dtsID, len(ids))
	}
	rec, err := r.SCM.Project.Defect(ctx, ids[0])
	if err != nil {
		return nil, "", 0, fmt.Errorf("load SCM record %s: %w", ids[0], err)
	}
	if v, err := rec.Field(types.FieldError); err == nil && strings.TrimSpace(v) != "" {
		rec.Close()
		return nil, "", 0, nil
	}
	status, err := r.scmStatus(rec)
	if err != nil {
		rec.Close()
		return nil, "", 0, err
	}
	return rec, ids[0], status, nil
}

// setSCMError writes DTG_ERROR on a record, best effort.
func (r *Reconciler) setSCMError(ctx context.Context, rec plugin.Record, scmID, msg string) {
	if rec == nil {
		return
	}
	if err := rec.SetField(types.FieldError, msg); err != nil {
		r.Log.Errorf("cannot set %s on scm=%s: %v", types.FieldError, scmID, err)
		return
	}
	if _, err := rec.Save(ctx); err != nil {
		r.Log.Errorf("cannot save %s on scm=%s: %v", types.FieldError, scmID, err)
	}
}

// WriteError loads an SCM record and stamps DTG_ERROR on it, used by
// the engine's failed-record commit step.
func (r *Reconciler) WriteError(ctx context.Context, scmID, msg string) error {
	if scmID == "" {
		return nil
	}
	rec, err := r.SCM.Project.Defect(ctx, scmID)
	if err != nil {
		return err
	}
	defer rec.Close()
	if err := rec.SetField(types.FieldError, msg); err != nil {
		return err
	}
	_, err = rec.Save(ctx)
	return err
}

// filteredOut reports whether a record lies outside the mapping's
// segment on the given side.
func (r *Reconciler) filteredOut(side *Side, rec plugin.Record) (bool, error) {
	if side.Filter == nil {
		return false, nil
	}
	v, err := rec.Field(side.Filter.Field())
	if err != nil {
		return false, err
	}
	return !side.Filter.Match(v), nil
}

// dtsStatus compares the DTS record's modification stamp to the DTS
// watermark. An empty stamp (seen on some trackers right after record
// creation) parses to the zero time and is never newer, so the record
// is picked up on its next real modification.
func (r *Reconciler) dtsStatus(rec plugin.Record) (Status, error) {
	newer, err := r.stampNewer(rec, r.DTS, r.Settings.LastUpdateDTS)
	if err != nil {
		return 0, err
	}
	if newer {
		return StatusChanged, nil
	}
	return StatusUnchanged, nil
}

// scmStatus compares the SCM record's modification stamp to the SCM
// watermark.
func (r *Reconciler) scmStatus(rec plugin.Record) (Status, error) {
	newer, err := r.stampNewer(rec, r.SCM, r.Settings.LastUpdateSCM)
	if err != nil {
		return 0, err
	}
	if newer {
		return StatusChanged, nil
	}
	return StatusUnchanged, nil
}

func (r *Reconciler) stampNewer(rec plugin.Record, side *Side, watermark time.Time) (bool, error) {
	raw, err := rec.Field(side.Source.ModDateField)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(raw) == "" {
		return false, nil
	}
	stamp, err := side.Adapter.ExtractDate(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s %q: %w", side.Source.ModDateField, raw, err)
	}
	return stamp.After(watermark), nil
}

// recordStamp reads a record's modification time for NEWER conflict
// resolution.
func (r *Reconciler) recordStamp(rec plugin.Record, side *Side) (time.Time, error) {
	raw, err := rec.Field(side.Source.ModDateField)
	if err != nil {
		return time.Time{}, err
	}
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return side.Adapter.ExtractDate(raw)
}

// fixDelta computes the fix additions and removals of an SCM record
// against its stored ledger, together with the new ledger value. All
// empty when the SCM adapter has no fix support.
func (r *Reconciler) fixDelta(ctx context.Context, scmRec plugin.Record, scmID string) (added []types.FixDesc, removed []string, ledger string, err error) {
	if r.Fixes == nil || scmID == "" {
		return nil, nil, "", nil
	}
	current, err := r.Fixes.ListFixes(ctx, scmID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("list fixes for scm=%s: %w", scmID, err)
	}
	storedRaw, err := scmRec.Field(types.FieldFixes)
	if err != nil {
		return nil, nil, "", err
	}
	stored := strings.Fields(storedRaw)

	have := make(map[string]bool, len(current))
	for _, id := range current {
		have[id] = true
	}
	known := make(map[string]bool, len(stored))
	for _, id := range stored {
		known[id] = true
	}
	for _, id := range current {
		if !known[id] {
			fix, err := r.Fixes.DescribeFix(ctx, id)
			if err != nil {
				return nil, nil, "", fmt.Errorf("describe fix %s: %w", id, err)
			}
			added = append(added, fix)
		}
	}
	for _, id := range stored {
		if !have[id] {
			removed = append(removed, id)
		}
	}
	return added, removed, strings.Join(current, " "), nil
}

// merge runs the fixed rule evaluation order for one record pair: fix rules
// first, then mirror rules with conflict resolution, then the two
// unconditional one-way rule lists.
func (r *Reconciler) merge(scmRec, dtsRec plugin.Record, scmStatus, dtsStatus Status, scmID, dtsID string, added []types.FixDesc, removed []string) error {
	if len(added) > 0 || len(removed) > 0 {
		for i := range r.Mapping.FixRules {
			rule := &r.Mapping.FixRules[i]
			old, err := dtsRec.Field(rule.DTSField)
			if err != nil {
				return err
			}
			fresh := fixdetail.Update(rule, old, added, removed)
			if err := r.setIfChanged(dtsRec, r.DTS, rule.DTSField, fresh); err != nil {
				return err
			}
		}
	}

	for i := range r.Mapping.Mirror {
		rule := &r.Mapping.Mirror[i]
		if err := r.mirrorRule(rule, scmRec, dtsRec, scmStatus, dtsStatus, scmID, dtsID); err != nil {
			return err
		}
	}
	for i := range r.Mapping.DTSToSCM {
		if err := r.copyRule(&r.Mapping.DTSToSCM[i], dtsRec, scmRec, true, scmID, dtsID); err != nil {
			return err
		}
	}
	for i := range r.Mapping.SCMToDTS {
		if err := r.copyRule(&r.Mapping.SCMToDTS[i], scmRec, dtsRec, false, scmID, dtsID); err != nil {
			return err
		}
	}
	return nil
}

// mirrorRule resolves one bidirectional rule per the side statuses and
// the conflict policy.
func (r *Reconciler) mirrorRule(rule *model.CopyRule, scmRec, dtsRec plugin.Record, scmStatus, dtsStatus Status, scmID, dtsID string) error {
	toSCM, copyNeeded, err := r.mirrorDirection(rule, scmRec, dtsRec, scmStatus, dtsStatus, scmID, dtsID)
	if err != nil || !copyNeeded {
		return err
	}
	if toSCM {
		return r.copyRule(rule, dtsRec, scmRec, true, scmID, dtsID)
	}
	return r.copyRule(rule, scmRec, dtsRec, false, scmID, dtsID)
}

func (r *Reconciler) mirrorDirection(rule *model.CopyRule, scmRec, dtsRec plugin.Record, scmStatus, dtsStatus Status, scmID, dtsID string) (toSCM, copyNeeded bool, err error) {
	// A fresh record on one side always receives the other side's value.
	if scmStatus == StatusNew {
		return true, true, nil
	}
	if dtsStatus == StatusNew {
		return false, true, nil
	}
	scmChanged := scmStatus == StatusChanged
	dtsChanged := dtsStatus == StatusChanged
	switch {
	case scmChanged && dtsChanged:
		policy := rule.MirrorConflict
		if policy == "" {
			policy = r.Mapping.Policy
		}
		switch policy {
		case model.MirrorSCM:
			return false, true, nil
		case model.MirrorDTS:
			return true, true, nil
		case model.MirrorNewer:
			scmStamp, err := r.recordStamp(scmRec, r.SCM)
			if err != nil {
				return false, false, err
			}
			dtsStamp, err := r.recordStamp(dtsRec, r.DTS)
			if err != nil {
				return false, false, err
			}
			if scmStamp.After(dtsStamp) {
				return false, true, nil
			}
			if scmStamp.Equal(dtsStamp) {
				// Equal server seconds cannot be ordered; the DTS side
				// wins, same as the default policy.
				r.Log.Debugf("NEWER tie on %s/%s (scm=%s dts=%s), DTS wins", rule.SCMField, rule.DTSField, scmID, dtsID)
			}
			return true, true, nil
		case model.MirrorError:
			return false, false, fmt.Errorf("mirror conflict on %s/%s with policy ERROR", rule.SCMField, rule.DTSField)
		default:
			return true, true, nil
		}
	case scmChanged:
		return false, true, nil
	case dtsChanged:
		return true, true, nil
	default:
		return false, false, nil
	}
}

// copyRule converts and copies one field. toSCM=false copies
// SCM→DTS, toSCM=true copies DTS→SCM. An unmatched MAP value logs
// tagged with both ids and copies the empty string.
func (r *Reconciler) copyRule(rule *model.CopyRule, from, to plugin.Record, toSCM bool, scmID, dtsID string) error {
	srcField, dstField := rule.SCMField, rule.DTSField
	dstSide := r.DTS
	if toSCM {
		srcField, dstField = rule.DTSField, rule.SCMField
		dstSide = r.SCM
	}
	value, err := from.Field(srcField)
	if err != nil {
		return err
	}
	out, err := r.Conv.Apply(rule, value, toSCM)
	if err != nil {
		var um *convert.UnmatchedError
		if errors.As(err, &um) {
			r.Log.Errorf("select map miss on %s/%s (scm=%s dts=%s): %v", rule.SCMField, rule.DTSField, orDash(scmID), orDash(dtsID), err)
			out = ""
		} else {
			return err
		}
	}
	return r.setIfChanged(to, dstSide, dstField, out)
}

// setIfChanged writes a field only when the normalized values differ.
// Writes to SCM read-only fields are suppressed unless the mapping
// enables the override.
func (r *Reconciler) setIfChanged(rec plugin.Record, side *Side, field, value string) error {
	if side == r.SCM {
		if f := types.FindField(side.Fields, field); f != nil && !f.Writable() && !r.Opts.WriteToReadOnly {
			r.Log.Debugf("write to read-only SCM field %s suppressed", field)
			return nil
		}
	}
	old, err := rec.Field(field)
	if err != nil {
		return err
	}
	if normalize(old) == normalize(value) {
		return nil
	}
	return rec.SetField(field, value)
}

// normalize strips one outer quote pair and surrounding whitespace for
// write-suppression comparison.
func normalize(s string) string {
	return strings.TrimSpace(convert.StripQuotes(strings.TrimSpace(s)))
}
