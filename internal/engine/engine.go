// Package engine drives the replication loop for one mapping: cycle
// scheduling, change discovery on both sides, reconciliation, watermark
// advancement, the offline/backoff protocol, and the stop/run/err
// marker protocol.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/dtgate/dtgate/internal/convert"
	"github.com/dtgate/dtgate/internal/logf"
	"github.com/dtgate/dtgate/internal/model"
	"github.com/dtgate/dtgate/internal/plugin"
	"github.com/dtgate/dtgate/internal/reconcile"
	"github.com/dtgate/dtgate/internal/store"
	"github.com/dtgate/dtgate/internal/types"
	"github.com/dtgate/dtgate/internal/validate"
)

// Engine replicates one mapping until stopped or failed.
type Engine struct {
	Root     *store.Root
	ID       string
	Registry *plugin.Registry
	Clock    clock.Clock
	Log      *logf.Logger

	mapping  *model.DataMapping
	scmSrc   *model.Source
	dtsSrc   *model.Source
	opts     model.Options
	settings *model.Settings

	sig  *signals
	sess *session

	cyclesSinceReset int
}

// session is one established pair of plugin connections.
type session struct {
	scm   *reconcile.Side
	dts   *reconcile.Side
	fixes plugin.FixLister
}

func (s *session) close() {
	if s == nil {
		return
	}
	if s.scm != nil && s.scm.Conn != nil {
		s.scm.Conn.Close()
	}
	if s.dts != nil && s.dts.Conn != nil {
		s.dts.Conn.Close()
	}
}

// New loads the mapping configuration and opens the replication log.
// The caller owns calling Run.
func New(root *store.Root, id string, reg *plugin.Registry, clk clock.Clock) (*Engine, error) {
	if err := root.EnsureLayout(); err != nil {
		return nil, err
	}
	mapping, scmSrc, dtsSrc, err := root.LoadMapping(id)
	if err != nil {
		return nil, err
	}
	opts := mapping.ParseOptions()
	log := logf.Open(root.LogFile(id), opts.LogLevel, opts.LogMaxMB)
	settings, err := root.LoadSettingsLocked(id)
	if err != nil {
		return nil, err
	}
	return &Engine{
		Root:     root,
		ID:       id,
		Registry: reg,
		Clock:    clk,
		Log:      log,
		mapping:  mapping,
		scmSrc:   scmSrc,
		dtsSrc:   dtsSrc,
		opts:     opts,
		settings: settings,
	}, nil
}

// Run executes the replication loop until a stop request, a fatal
// failure, or an unrecoverable offline state. The returned error is nil
// only on a clean (stop-requested or context-ended) exit.
func (e *Engine) Run(ctx context.Context) error {
	// A leftover err marker blocks startup until an operator removes it.
	if err := checkBlocked(e.Root, e.ID); err != nil {
		return err
	}

	// Connection and validation come before any marker or log write, so
	// a misconfigured mapping leaves repl/ untouched.
	if err := e.connect(ctx); err != nil {
		return fmt.Errorf("initial connect: %w", err)
	}
	defer func() { e.sess.close() }()

	if err := e.validateMapping(ctx); err != nil {
		return fmt.Errorf("mapping validation: %w", err)
	}

	guard := flock.New(e.Root.EngineLock(e.ID))
	held, err := guard.TryLock()
	if err != nil {
		return fmt.Errorf("engine lock: %w", err)
	}
	if !held {
		return fmt.Errorf("another engine is already replicating mapping %s", e.ID)
	}
	defer guard.Unlock()

	e.sig = newSignals(e.Root, e.ID, e.Clock, e.Log)
	defer e.sig.close()
	if err := e.sig.markRunning(); err != nil {
		return err
	}
	defer e.sig.clearRunning()
	defer e.Log.Close()

	e.Log.Infof("engine starting for mapping %s (scm=%s dts=%s)", e.ID, e.scmSrc.Nickname, e.dtsSrc.Nickname)
	e.logServerInfo(ctx)

	for {
		if e.stopNow(ctx) {
			e.Log.Infof("stop requested, exiting")
			return nil
		}
		done, err := e.cycle(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if e.sig.sleep(ctx, time.Duration(e.opts.PollingPeriod)*time.Second) {
			e.Log.Infof("stop requested during sleep, exiting")
			return nil
		}
	}
}

// connect establishes both plugin connections and opens the projects.
// Each side retries a few times before the failure propagates.
func (e *Engine) connect(ctx context.Context) error {
	scm, err := e.connectSide(ctx, e.scmSrc)
	if err != nil {
		return fmt.Errorf("SCM %s: %w", e.scmSrc.Nickname, err)
	}
	dts, err := e.connectSide(ctx, e.dtsSrc)
	if err != nil {
		scm.Conn.Close()
		return fmt.Errorf("DTS %s: %w", e.dtsSrc.Nickname, err)
	}
	sess := &session{scm: scm, dts: dts, fixes: plugin.ProjectFixes(scm.Project)}
	if e.sess != nil {
		e.sess.close()
	}
	e.sess = sess
	e.cyclesSinceReset = 0
	return nil
}

func (e *Engine) connectSide(ctx context.Context, src *model.Source) (*reconcile.Side, error) {
	adapter, err := e.Registry.Lookup(src.Plugin)
	if err != nil {
		return nil, err
	}
	var conn plugin.Conn
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			c, err := adapter.Connect(ctx, src.Server, src.User, src.Password, src.Attrs)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			e.Log.Warnf("connect to %s failed (attempt %d): %v", src.Server, attempt, err)
		},
		Attempts: 3,
		Delay:    time.Second,
		Clock:    e.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return nil, err
	}
	proj, err := conn.Project(ctx, src.Module)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open project %s: %w", src.Module, err)
	}
	fields, err := proj.Fields(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("list fields: %w", err)
	}
	side := &reconcile.Side{
		Source:  src,
		Adapter: adapter,
		Conn:    conn,
		Project: proj,
		Caps:    plugin.Probe(conn),
		Fields:  fields,
	}
	return side, nil
}

func (e *Engine) logServerInfo(ctx context.Context) {
	for _, side := range []*reconcile.Side{e.sess.scm, e.sess.dts} {
		if v, err := side.Conn.ServerVersion(ctx); err == nil {
			e.Log.Infof("%s server %s: %s", side.Source.Kind, side.Source.Server, v)
		}
		if warns, err := side.Conn.ServerWarnings(ctx); err == nil {
			for _, w := range warns {
				e.Log.Warnf("%s server: %s", side.Source.Kind, w)
			}
		}
	}
}

// validateMapping runs the startup validation, resolves filters,
// installs segment predicates and reference-field hints.
func (e *Engine) validateMapping(ctx context.Context) error {
	res, err := validate.Check(validate.Input{
		Mapping:   e.mapping,
		SCM:       e.scmSrc,
		DTS:       e.dtsSrc,
		SCMFields: e.sess.scm.Fields,
		DTSFields: e.sess.dts.Fields,
		SCMUTF8:   e.sess.scm.Caps.UTF8,
		DTSUTF8:   e.sess.dts.Caps.UTF8,
	})
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		e.Log.Warnf("validation: %s", w)
	}

	if e.mapping.SCMFilter != "" {
		e.sess.scm.Filter = e.scmSrc.Filter(e.mapping.SCMFilter)
	}
	if e.mapping.DTSFilter != "" {
		e.sess.dts.Filter = e.dtsSrc.Filter(e.mapping.DTSFilter)
	}
	if res.SCMSegment != nil {
		if seg := plugin.ProjectSegmenter(e.sess.scm.Project); seg != nil {
			if err := seg.SetSegmentFilter(ctx, *res.SCMSegment); err != nil {
				return fmt.Errorf("install SCM segment: %w", err)
			}
		}
	}
	if res.DTSSegment != nil {
		if seg := plugin.ProjectSegmenter(e.sess.dts.Project); seg != nil {
			if err := seg.SetSegmentFilter(ctx, *res.DTSSegment); err != nil {
				return fmt.Errorf("install DTS segment: %w", err)
			}
		}
	}

	e.installHints(ctx)
	return nil
}

// installHints tells each adapter which fields the engine touches.
// Best effort; the capability is a performance hint only.
func (e *Engine) installHints(ctx context.Context) {
	scmSet := map[string]bool{
		types.FieldDTIssue: true, types.FieldFixes: true, types.FieldError: true,
		e.scmSrc.ModDateField: true, e.scmSrc.ModUserField: true,
	}
	if e.mapping.SCMFilter != "" {
		scmSet[types.FieldMapID] = true
	}
	dtsSet := map[string]bool{
		e.dtsSrc.ModDateField: true, e.dtsSrc.ModUserField: true,
	}
	for _, rules := range [][]model.CopyRule{e.mapping.Mirror, e.mapping.SCMToDTS, e.mapping.DTSToSCM} {
		for _, r := range rules {
			scmSet[r.SCMField] = true
			dtsSet[r.DTSField] = true
		}
	}
	for _, fr := range e.mapping.FixRules {
		dtsSet[fr.DTSField] = true
	}
	if e.sess.scm.Filter != nil {
		scmSet[e.sess.scm.Filter.Field()] = true
	}
	if e.sess.dts.Filter != nil {
		dtsSet[e.sess.dts.Filter.Field()] = true
	}
	if h := plugin.ProjectHinter(e.sess.scm.Project); h != nil {
		h.ReferenceFields(ctx, keys(scmSet))
	}
	if h := plugin.ProjectHinter(e.sess.dts.Project); h != nil {
		h.ReferenceFields(ctx, keys(dtsSet))
	}
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// cycle runs one replication cycle. done=true asks Run to exit cleanly
// (stop observed or offline policy says quit); a non-nil error is
// fatal.
func (e *Engine) cycle(ctx context.Context) (done bool, err error) {
	scmClock, err := e.sess.scm.Conn.ServerDate(ctx)
	if err != nil {
		return e.offline(ctx, e.sess.scm, err)
	}
	dtsClock, err := e.sess.dts.Conn.ServerDate(ctx)
	if err != nil {
		return e.offline(ctx, e.sess.dts, err)
	}

	forced := e.settings.Force
	if forced {
		// A forced cycle replays everything from the configured start.
		e.settings.LastUpdateSCM = e.settings.StartingDate
		e.settings.LastUpdateDTS = e.settings.StartingDate
		e.Log.Infof("force cycle: replaying from %s", model.FormatStamp(e.settings.StartingDate))
	}

	rec := &reconcile.Reconciler{
		Mapping:  e.mapping,
		Opts:     e.opts,
		Settings: e.settings,
		SCM:      e.sess.scm,
		DTS:      e.sess.dts,
		Conv: &convert.Converter{
			SCMDates: e.sess.scm.Adapter,
			DTSDates: e.sess.dts.Adapter,
		},
		Fixes: e.sess.fixes,
		Log:   e.Log,
	}

	// DTS-origin records replicate before SCM-origin records; the order
	// is observable when both sides edited the same record this cycle.
	excludeUser := e.dtsSrc.User
	if forced {
		excludeUser = ""
	}
	dtsIDs, err := e.sess.dts.Project.ListChangedDefects(ctx, 0, e.settings.LastUpdateDTS,
		e.dtsSrc.ModDateField, e.dtsSrc.ModUserField, excludeUser)
	if err != nil {
		return e.offline(ctx, e.sess.dts, err)
	}
	e.drainMessages()
	processed := 0
	for _, id := range dtsIDs {
		if e.stopNow(ctx) {
			e.Log.Infof("stop requested mid-cycle, exiting")
			return true, nil
		}
		if err := rec.ProcessDTSRecord(ctx, id, false); err != nil {
			return e.offline(ctx, e.sess.dts, err)
		}
		processed++
		e.progress(processed)
	}

	scmIDs, err := e.sess.scm.Project.ListChangedDefects(ctx, 0, e.settings.LastUpdateSCM,
		e.scmSrc.ModDateField, e.scmSrc.ModUserField, "")
	if err != nil {
		return e.offline(ctx, e.sess.scm, err)
	}
	e.drainMessages()
	for _, id := range scmIDs {
		if e.stopNow(ctx) {
			e.Log.Infof("stop requested mid-cycle, exiting")
			return true, nil
		}
		if err := rec.ProcessSCMRecord(ctx, id, false); err != nil {
			return e.offline(ctx, e.sess.scm, err)
		}
		processed++
		e.progress(processed)
	}

	// Deferred records get one last chance before their failures are
	// terminal.
	for _, id := range rec.RetryQueue() {
		if e.stopNow(ctx) {
			e.Log.Infof("stop requested before retry pass, exiting")
			return true, nil
		}
		if err := rec.ProcessSCMRecord(ctx, id, true); err != nil {
			return e.offline(ctx, e.sess.scm, err)
		}
		processed++
	}

	if fails := rec.Failures(); len(fails) > 0 {
		lines := make([]string, 0, len(fails))
		for _, f := range fails {
			if err := rec.WriteError(ctx, f.SCMID, f.Msg); err != nil {
				e.Log.Errorf("cannot mark scm=%s failed: %v", f.SCMID, err)
			}
			lines = append(lines, f.String())
		}
		if err := e.sig.writeErrFile(lines); err != nil {
			e.Log.Errorf("cannot write error file: %v", err)
		}
		e.Log.Errorf("%d record(s) failed; watermarks not advanced", len(fails))
		return false, fmt.Errorf("%d record(s) failed terminally", len(fails))
	}

	// The cycle succeeded: advance both watermarks to the clocks
	// captured at its start and persist under the shared lock.
	e.settings.LastUpdateSCM = scmClock
	e.settings.LastUpdateDTS = dtsClock
	e.settings.Force = false
	if err := e.Root.SaveSettings(e.settings); err != nil {
		return false, fmt.Errorf("persist settings: %w", err)
	}

	if e.opts.CycleThreshold > 0 && processed >= e.opts.CycleThreshold {
		e.Log.Infof("cycle processed %d records (dts=%d scm=%d)", processed, len(dtsIDs), len(scmIDs))
	}

	e.cyclesSinceReset++
	if e.cyclesSinceReset >= e.opts.ConnectionReset || forced {
		e.Log.Infof("resetting plugin connections after %d cycle(s)", e.cyclesSinceReset)
		if err := e.connect(ctx); err != nil {
			return e.offline(ctx, e.sess.scm, err)
		}
	}
	return false, nil
}

// progress emits the intra-cycle progress log every update_period
// records.
func (e *Engine) progress(processed int) {
	if e.opts.UpdatePeriod > 0 && processed%e.opts.UpdatePeriod == 0 {
		e.Log.Infof("processed %d records this cycle", processed)
	}
}

// stopNow folds context cancellation into the stop protocol.
func (e *Engine) stopNow(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	return e.sig.stopRequested()
}

// offline handles a server failure: consult the failing side's offline
// advisor, sleep per its advice (or the mapping's wait duration), then
// rebuild both connections. wait_duration=-1 with no advice means exit
// cleanly and let the supervisor decide. Watermarks are untouched.
func (e *Engine) offline(ctx context.Context, side *reconcile.Side, cause error) (done bool, err error) {
	e.Log.Warnf("%s server unavailable: %v", side.Source.Kind, cause)
	advice := side.Caps.OfflineAdvice()
	wait := advice
	if advice <= 0 {
		wait = e.opts.WaitDuration
	}
	if wait < 0 {
		e.Log.Infof("wait_duration is -1, exiting for supervisor restart")
		return true, nil
	}
	e.Log.Infof("sleeping %d second(s) before reconnect", wait)
	if e.sig.sleep(ctx, time.Duration(wait)*time.Second) {
		e.Log.Infof("stop requested during offline wait, exiting")
		return true, nil
	}
	if err := e.connect(ctx); err != nil {
		// Still down; the next cycle attempt re-enters this path.
		e.Log.Warnf("reconnect failed: %v", err)
	}
	return false, nil
}

// drainMessages forwards one pending adapter-injected message per side
// to the log.
func (e *Engine) drainMessages() {
	for _, side := range []*reconcile.Side{e.sess.scm, e.sess.dts} {
		if side.Caps.Msg == nil {
			continue
		}
		if text, level := side.Caps.Msg.Message(); level < 4 && text != "" {
			e.Log.Logf(level, "%s plugin: %s", side.Source.Kind, text)
		}
	}
}
