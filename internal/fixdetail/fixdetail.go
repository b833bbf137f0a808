// Package fixdetail renders SCM change metadata into DTS text blocks
// according to a mapping's fix rules.
package fixdetail

import (
	"strings"

	"github.com/dtgate/dtgate/internal/model"
	"github.com/dtgate/dtgate/internal/types"
)

// Render formats one fix description per the rule. Single-component
// rules produce the bare component value; multi-component rules produce
// a header line of the enabled scalar components, then the description,
// then the file list, each part optional. The result is always
// newline-terminated and carries no trailing blank lines.
func Render(rule *model.FixRule, fix *types.FixDesc) string {
	if out, ok := singleComponent(rule, fix); ok {
		return terminate(out)
	}

	var b strings.Builder
	var header []string
	if rule.IncludeChange {
		header = append(header, "Change: "+fix.Change)
	}
	if rule.IncludeFixedBy {
		header = append(header, "User: "+fix.User)
	}
	if rule.IncludeFixedDate {
		header = append(header, "Date: "+fix.Stamp)
	}
	if len(header) > 0 {
		b.WriteString(strings.Join(header, ", "))
		b.WriteString("\n")
	}
	if rule.IncludeDescription {
		b.WriteString("Description: " + fix.Desc)
		b.WriteString("\n")
	}
	if rule.IncludeFiles && len(fix.Files) > 0 {
		b.WriteString("Files:\n")
		for _, f := range fix.Files {
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	return terminate(b.String())
}

// singleComponent returns the bare value when exactly one component is
// enabled (files count as one component).
func singleComponent(rule *model.FixRule, fix *types.FixDesc) (string, bool) {
	type comp struct {
		on    bool
		value string
	}
	comps := []comp{
		{rule.IncludeChange, fix.Change},
		{rule.IncludeFixedBy, fix.User},
		{rule.IncludeFixedDate, fix.Stamp},
		{rule.IncludeDescription, fix.Desc},
		{rule.IncludeFiles, strings.Join(fix.Files, "\n")},
	}
	var enabled []string
	for _, c := range comps {
		if c.on {
			enabled = append(enabled, c.value)
		}
	}
	if len(enabled) == 1 {
		return enabled[0], true
	}
	return "", false
}

// Update computes the new content of the rule's target DTS field after
// a record gained the fixes in added and lost the fix ids in removed.
// Added fixes render per the rule; each removed id appends a literal
// "Deleted change <id>" line. A REPLACE rule discards the old content;
// an APPEND rule separates old from new with exactly one blank line
// (one or two newlines depending on whether the old text already ended
// with one).
func Update(rule *model.FixRule, old string, added []types.FixDesc, removed []string) string {
	var blocks []string
	for i := range added {
		blocks = append(blocks, Render(rule, &added[i]))
	}
	for _, id := range removed {
		blocks = append(blocks, "Deleted change "+id+"\n")
	}
	if len(blocks) == 0 {
		return old
	}
	fresh := strings.Join(blocks, "\n")

	if rule.Action == model.FixReplace || old == "" {
		return fresh
	}
	sep := "\n"
	if !strings.HasSuffix(old, "\n") {
		sep = "\n\n"
	}
	return old + sep + fresh
}

// terminate ensures exactly one trailing newline.
func terminate(s string) string {
	return strings.TrimRight(s, "\n") + "\n"
}
