package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/dtgate/dtgate/internal/engine"
	"github.com/dtgate/dtgate/internal/model"
	"github.com/dtgate/dtgate/internal/plugin"
	"github.com/dtgate/dtgate/internal/plugin/memplugin"
	"github.com/dtgate/dtgate/internal/store"
	"github.com/dtgate/dtgate/internal/types"
)

var selfcheckCmd = &cobra.Command{
	Use:   "selfcheck",
	Short: "Exercise the replication loop against the built-in adapters",
	Long: `selfcheck builds a throwaway root directory with two built-in
sqlite-backed adapters, seeds one defect on the tracker side, runs the
engine until the defect replicates to the SCM side, and reports the
outcome. Nothing outside the temporary directory is touched.`,
	Args: cobra.NoArgs,
	RunE: runSelfcheck,
}

func init() {
	rootCmd.AddCommand(selfcheckCmd)
}

const selfcheckTimeout = 30 * time.Second

func runSelfcheck(cmd *cobra.Command, args []string) error {
	dir, err := os.MkdirTemp("", "dtgate-selfcheck-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	root, err := store.NewRoot(dir)
	if err != nil {
		return err
	}
	if err := root.EnsureLayout(); err != nil {
		return err
	}

	scmFields := []types.FieldDesc{
		{Name: "Job", Type: types.FieldWord, Access: types.AccessDefectID},
		{Name: "ModDate", Type: types.FieldDate, Access: types.AccessModDate},
		{Name: "ModBy", Type: types.FieldWord, Access: types.AccessModUser},
		{Name: "Description", Type: types.FieldText},
		{Name: types.FieldDTIssue, Type: types.FieldWord},
		{Name: types.FieldFixes, Type: types.FieldText},
		{Name: types.FieldError, Type: types.FieldText},
	}
	dtsFields := []types.FieldDesc{
		{Name: "Issue", Type: types.FieldWord, Access: types.AccessDefectID},
		{Name: "Updated", Type: types.FieldDate, Access: types.AccessModDate},
		{Name: "UpdatedBy", Type: types.FieldWord, Access: types.AccessModUser},
		{Name: "Summary", Type: types.FieldText},
	}

	scm, err := memplugin.New(memplugin.Config{
		Name: "memscm", Path: filepath.Join(dir, "scm.db"),
		Fields: scmFields, Projects: []string{"jobs"},
		UTF8: 1, SupportsFixes: true,
	})
	if err != nil {
		return err
	}
	defer scm.Close()
	dts, err := memplugin.New(memplugin.Config{
		Name: "memdts", Path: filepath.Join(dir, "dts.db"),
		Fields: dtsFields, Projects: []string{"bugs"},
		UTF8: 1,
	})
	if err != nil {
		return err
	}
	defer dts.Close()

	reg := plugin.NewRegistry()
	if err := reg.Register(scm); err != nil {
		return err
	}
	if err := reg.Register(dts); err != nil {
		return err
	}

	if err := writeSelfcheckConfig(root); err != nil {
		return err
	}

	// One defect filed on the tracker side before the engine starts.
	issueID, err := dts.CreateRecord("bugs", "reporter", map[string]string{
		"Summary": "selfcheck defect",
	})
	if err != nil {
		return err
	}

	eng, err := engine.New(root, "selfcheck", reg, clock.WallClock)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), selfcheckTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	jobID, err := waitForReplica(ctx, scm, issueID)
	if stopErr := os.WriteFile(root.StopMarker("selfcheck"), nil, 0o644); stopErr != nil && err == nil {
		err = stopErr
	}
	if runErr := <-done; runErr != nil && err == nil {
		err = runErr
	}
	if err != nil {
		return fmt.Errorf("selfcheck failed: %w", err)
	}
	fmt.Printf("selfcheck passed: tracker issue %s replicated to SCM record %s\n", issueID, jobID)
	return nil
}

// writeSelfcheckConfig lays down the two sources, the mapping and a
// forced-start settings file.
func writeSelfcheckConfig(root *store.Root) error {
	scmSrc := &model.Source{
		Kind: model.KindSCM, Nickname: "scm", Plugin: "memscm",
		Server: "local", User: "dtgate-scm", Module: "jobs",
		ModDateField: "ModDate", ModUserField: "ModBy",
	}
	dtsSrc := &model.Source{
		Kind: model.KindDTS, Nickname: "dts", Plugin: "memdts",
		Server: "local", User: "dtgate-dts", Module: "bugs",
		ModDateField: "Updated", ModUserField: "UpdatedBy",
	}
	if err := root.SaveSource(scmSrc); err != nil {
		return err
	}
	if err := root.SaveSource(dtsSrc); err != nil {
		return err
	}
	mapping := &model.DataMapping{
		ID: "selfcheck", SCMID: "scm", DTSID: "dts",
		Policy: model.MirrorNewer,
		Mirror: []model.CopyRule{
			{SCMField: "Description", DTSField: "Summary", Type: model.CopyText},
		},
		Attrs: map[string]string{model.AttrPollingPeriod: "1"},
	}
	if err := root.SaveMapping(mapping); err != nil {
		return err
	}
	return root.SaveSettings(&model.Settings{
		ID:           "selfcheck",
		StartingDate: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		Force:        true,
	})
}

// waitForReplica polls the SCM adapter until a record paired with the
// seeded tracker issue appears.
func waitForReplica(ctx context.Context, scm *memplugin.Adapter, issueID string) (string, error) {
	conn, err := scm.Connect(ctx, "local", "probe", "", nil)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	proj, err := conn.Project(ctx, "jobs")
	if err != nil {
		return "", err
	}
	fixes := plugin.ProjectFixes(proj)
	for {
		ids, err := fixes.FindDefects(ctx, 1, types.FieldDTIssue+"="+issueID)
		if err != nil {
			return "", err
		}
		if len(ids) > 0 {
			return ids[0], nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no replica of issue %s before timeout", issueID)
		case <-time.After(200 * time.Millisecond):
		}
	}
}
