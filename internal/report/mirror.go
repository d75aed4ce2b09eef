package report

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/escrowmirror/internal/chain"
	"github.com/basket/escrowmirror/internal/doctor"
	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/basket/escrowmirror/internal/reconcile"
)

// Tasks renders mirror task rows.
func (p *Printer) Tasks(tasks []persistence.Task) {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.TaskID, short(t.Title, 40), orDash(t.Category), short(orDash(t.Creator), 13),
			yesNo(t.ContactsEncryptedPayload != ""), formatUnix(t.CreatedAt),
		})
	}
	p.table([]string{"ID", "TITLE", "CATEGORY", "CREATOR", "ENCRYPTED", "CREATED"}, rows)
}

// Task renders one mirror row with its contact key, if any.
func (p *Printer) Task(t persistence.Task, key *persistence.ContactKey) {
	p.heading(fmt.Sprintf("Task %s/%s", t.ChainID, t.TaskID))
	p.kv(
		"title", t.Title,
		"description", t.Description,
		"category", orDash(t.Category),
		"creator", orDash(t.Creator),
		"created", formatUnix(t.CreatedAt),
		"payload", short(orDash(t.ContactsEncryptedPayload), 41),
		"placeholder", yesNo(t.HasPlaceholderMetadata()),
		"updated", t.UpdatedAt.Format(time.RFC3339),
	)
	if key == nil {
		p.kv("contact key", p.bad.Render("missing"))
		return
	}
	helper := short(key.HelperWrappedDEK, 41)
	if helper == "" {
		helper = p.warn.Render("not wrapped")
	}
	p.kv("creator DEK", short(key.CreatorWrappedDEK, 41), "helper DEK", helper)
}

// ChainTasks renders on-chain escrow entries.
func (p *Printer) ChainTasks(tasks []chain.OnChainTask) {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		helper := "-"
		if t.HasHelper() {
			helper = short(t.Helper.Hex(), 13)
		}
		reward := "-"
		if t.Reward != nil {
			reward = t.Reward.String()
		}
		rows = append(rows, []string{
			strconv.FormatUint(t.TaskID, 10), t.Status.String(), short(t.Creator.Hex(), 13), helper,
			reward, short(orDash(t.TaskURI), 40),
		})
	}
	p.table([]string{"ID", "STATUS", "CREATOR", "HELPER", "REWARD", "URI"}, rows)
}

// Profiles renders profile rows.
func (p *Printer) Profiles(profiles []persistence.Profile) {
	rows := make([][]string, 0, len(profiles))
	for _, pr := range profiles {
		rows = append(rows, []string{
			pr.Address, orDash(pr.Nickname), orDash(pr.City), orDash(strings.Join(pr.Skills, ",")),
			yesNo(pr.EncryptionPubKey != ""),
		})
	}
	p.table([]string{"ADDRESS", "NICKNAME", "CITY", "SKILLS", "PUBKEY"}, rows)
}

// Profile renders one profile.
func (p *Printer) Profile(pr persistence.Profile) {
	p.heading("Profile " + pr.Address)
	p.kv(
		"nickname", orDash(pr.Nickname),
		"city", orDash(pr.City),
		"skills", orDash(strings.Join(pr.Skills, ", ")),
		"pubkey", orDash(pr.EncryptionPubKey),
		"contacts", orDash(pr.Contacts),
		"updated", pr.UpdatedAt.Format(time.RFC3339),
	)
}

// Keys renders contact key rows.
func (p *Printer) Keys(keys []persistence.ContactKey) {
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{
			k.TaskID, short(k.CreatorWrappedDEK, 21), short(orDash(k.HelperWrappedDEK), 21),
			k.UpdatedAt.Format(time.RFC3339),
		})
	}
	p.table([]string{"TASK", "CREATOR DEK", "HELPER DEK", "UPDATED"}, rows)
}

// Inspection renders a chain/mirror comparison.
func (p *Printer) Inspection(r reconcile.Report) {
	p.heading(fmt.Sprintf("Mirror check, chain %s", r.ChainID))
	p.kv(
		"task counter", strconv.FormatUint(r.TaskCounter, 10),
		"mirror tasks", strconv.Itoa(r.MirrorTasks),
		"contact keys", strconv.Itoa(r.ContactKeys),
	)
	if r.OK() {
		p.printf("%s mirror matches chain\n", p.status("OK"))
		return
	}
	kinds := r.Kinds()
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, string(k))
	}
	sort.Strings(names)
	for _, k := range names {
		p.printf("%s %s: %d\n", p.status("WARN"), k, kinds[reconcile.FindingKind(k)])
	}
	rows := make([][]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		rows = append(rows, []string{string(f.Kind), f.Subject, orDash(f.Detail)})
	}
	p.table([]string{"KIND", "SUBJECT", "DETAIL"}, rows)
}

// Run renders a batch reconciliation result.
func (p *Printer) Run(r reconcile.RunResult) {
	p.heading(fmt.Sprintf("Sync run %s (%s)", r.RunID, r.Source))
	p.kv(
		"task counter", strconv.FormatUint(r.TaskCounter, 10),
		"synced", strconv.Itoa(r.Synced),
		"skipped", strconv.Itoa(r.Skipped),
		"failed", strconv.Itoa(r.Failed),
		"duration", r.Duration.Round(time.Millisecond).String(),
	)
	for _, f := range r.Failures {
		p.printf("%s task %s: %s\n", p.status("FAIL"), f.TaskID, f.Error)
	}
}

// Metadata renders a metadata resync summary.
func (p *Printer) Metadata(r reconcile.MetadataResult) {
	p.heading("Metadata resync")
	p.kv(
		"updated", strconv.Itoa(r.Updated),
		"placeholder", strconv.Itoa(r.Placeholder),
		"unchanged", strconv.Itoa(r.Unchanged),
		"failed", strconv.Itoa(r.Failed),
	)
}

// SyncRuns renders the sync run history.
func (p *Printer) SyncRuns(runs []persistence.SyncRun) {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			short(r.ID, 13), r.Source, r.StartedAt.Format(time.RFC3339),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
			strconv.Itoa(r.Synced), strconv.Itoa(r.Skipped), strconv.Itoa(r.Failed), orDash(r.Error),
		})
	}
	p.table([]string{"RUN", "SOURCE", "STARTED", "DURATION", "SYNCED", "SKIPPED", "FAILED", "ERROR"}, rows)
}

// Diagnosis renders a doctor report. It returns the number of failed checks.
func (p *Printer) Diagnosis(d doctor.Diagnosis) int {
	p.heading(fmt.Sprintf("Escrow Mirror Doctor (%s)", d.Timestamp.Format(time.RFC3339)))
	p.printf("System: %s/%s (%s) %s\n", d.System.OS, d.System.Arch, d.System.Go, d.System.Version)
	p.printf("---\n")
	failed := 0
	for _, res := range d.Results {
		if res.Status == doctor.StatusFail {
			failed++
		}
		p.printf("%s %-16s %s\n", p.status(res.Status), res.Name, res.Message)
		if res.Detail != "" {
			p.printf("     %s\n", p.dim.Render(res.Detail))
		}
	}
	return failed
}

func formatUnix(s string) string {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return orDash(s)
	}
	return time.Unix(n, 0).UTC().Format("2006-01-02 15:04")
}
