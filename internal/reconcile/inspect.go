package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/escrowmirror/internal/chain"
	otelPkg "github.com/basket/escrowmirror/internal/otel"
	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/basket/escrowmirror/internal/sealing"
	"github.com/basket/escrowmirror/internal/taskuri"
)

// FindingKind classifies a discrepancy between chain and mirror.
type FindingKind string

const (
	FindingMissingTask          FindingKind = "missing_task"
	FindingMissingContactKey    FindingKind = "missing_contact_key"
	FindingMissingHelperDEK     FindingKind = "missing_helper_dek"
	FindingOrphanTask           FindingKind = "orphan_task"
	FindingPlaceholderMetadata  FindingKind = "placeholder_metadata"
	FindingCreatorMismatch      FindingKind = "creator_mismatch"
	FindingCiphertextPlaintext  FindingKind = "ciphertext_in_plaintext"
	FindingURIMismatch          FindingKind = "uri_mismatch"
	FindingInvalidPubKey        FindingKind = "invalid_pubkey"
	FindingCreatorProfileAbsent FindingKind = "profile_missing"
)

// Finding is one discrepancy. Subject is a task id or, for profile
// findings, an address.
type Finding struct {
	Kind    FindingKind `json:"kind"`
	Subject string      `json:"subject"`
	Detail  string      `json:"detail,omitempty"`
}

// Report is the read-only result of Inspect.
type Report struct {
	ChainID     string    `json:"chain_id"`
	TaskCounter uint64    `json:"task_counter"`
	MirrorTasks int       `json:"mirror_tasks"`
	ContactKeys int       `json:"contact_keys"`
	Findings    []Finding `json:"findings"`
	GeneratedAt time.Time `json:"generated_at"`
}

// OK reports whether the mirror matches the chain.
func (r Report) OK() bool { return len(r.Findings) == 0 }

// Count returns the number of findings of kind.
func (r Report) Count(kind FindingKind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Kinds returns finding counts by kind.
func (r Report) Kinds() map[FindingKind]int {
	out := map[FindingKind]int{}
	for _, f := range r.Findings {
		out[f.Kind]++
	}
	return out
}

// Inspect compares every on-chain task with the mirror without writing.
func (c *Coordinator) Inspect(ctx context.Context) (Report, error) {
	ctx, span := otelPkg.StartSpan(ctx, c.tracer, "reconcile.inspect",
		otelPkg.AttrChainID.String(c.cfg.ChainID))
	defer span.End()

	rep := Report{ChainID: c.cfg.ChainID, GeneratedAt: c.now().UTC(), Findings: []Finding{}}
	counter, err := c.chain.TaskCounter(ctx)
	if err != nil {
		return rep, fmt.Errorf("read task counter: %w", err)
	}
	rep.TaskCounter = counter

	tasks, err := c.store.ListTasks(ctx, c.cfg.ChainID)
	if err != nil {
		return rep, err
	}
	keys, err := c.keysByTask(ctx)
	if err != nil {
		return rep, err
	}
	profiles, err := c.store.ListProfiles(ctx)
	if err != nil {
		return rep, err
	}
	rep.MirrorTasks = len(tasks)
	rep.ContactKeys = len(keys)

	mirror := make(map[string]persistence.Task, len(tasks))
	for _, t := range tasks {
		mirror[t.TaskID] = t
	}
	withProfile := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		withProfile[normalizeAddr(p.Address)] = true
	}

	onChain, err := c.readChainTasks(ctx, counter)
	if err != nil {
		return rep, err
	}

	add := func(kind FindingKind, subject, detail string) {
		rep.Findings = append(rep.Findings, Finding{Kind: kind, Subject: subject, Detail: detail})
	}
	missingProfile := map[string]bool{}

	for id := uint64(1); id <= counter; id++ {
		sid := strconv.FormatUint(id, 10)
		ct := onChain[id]
		row, mirrored := mirror[sid]
		if !ct.Exists() {
			continue
		}
		if creator := ct.Creator.Hex(); !withProfile[normalizeAddr(creator)] && !missingProfile[normalizeAddr(creator)] {
			missingProfile[normalizeAddr(creator)] = true
			add(FindingCreatorProfileAbsent, creator, "creator of task "+sid)
		}
		if !mirrored {
			add(FindingMissingTask, sid, "")
			continue
		}
		key, hasKey := keys[sid]
		switch {
		case !hasKey:
			add(FindingMissingContactKey, sid, "")
		case key.HelperWrappedDEK == "" && ct.HasHelper() && ct.Status != chain.StatusOpen:
			add(FindingMissingHelperDEK, sid, "helper "+ct.Helper.Hex())
		}
		if row.Creator != "" && !chain.SameAddress(row.Creator, ct.Creator.Hex()) {
			add(FindingCreatorMismatch, sid, fmt.Sprintf("mirror %s chain %s", row.Creator, ct.Creator.Hex()))
		}
		if uriID, ok := taskuri.Parse(ct.TaskURI); ok && uriID != sid {
			add(FindingURIMismatch, sid, "taskURI points at task "+uriID)
		}
	}

	for _, row := range tasks {
		id, err := strconv.ParseUint(row.TaskID, 10, 64)
		if err != nil || id == 0 || id > counter {
			add(FindingOrphanTask, row.TaskID, fmt.Sprintf("task counter is %d", counter))
		}
		if row.HasPlaceholderMetadata() {
			add(FindingPlaceholderMetadata, row.TaskID, "")
		}
		if sealing.LooksEncrypted(row.ContactsPlaintext) {
			add(FindingCiphertextPlaintext, row.TaskID, "")
		}
	}

	for _, p := range profiles {
		if p.EncryptionPubKey != "" && !sealing.ValidatePubKey(p.EncryptionPubKey) {
			add(FindingInvalidPubKey, p.Address, fmt.Sprintf("%d hex chars", len(p.EncryptionPubKey)))
		}
	}

	sort.SliceStable(rep.Findings, func(i, j int) bool {
		if rep.Findings[i].Kind != rep.Findings[j].Kind {
			return rep.Findings[i].Kind < rep.Findings[j].Kind
		}
		return lessID(rep.Findings[i].Subject, rep.Findings[j].Subject)
	})
	return rep, nil
}

// readChainTasks reads tasks 1..counter with bounded concurrency.
func (c *Coordinator) readChainTasks(ctx context.Context, counter uint64) (map[uint64]chain.OnChainTask, error) {
	out := make(map[uint64]chain.OnChainTask, counter)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for id := uint64(1); id <= counter; id++ {
		g.Go(func() error {
			t, err := c.chain.Task(gctx, id)
			if err != nil {
				return fmt.Errorf("read task %d: %w", id, err)
			}
			mu.Lock()
			out[id] = t
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeAddr(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

// lessID orders numeric ids numerically and everything else lexically.
func lessID(a, b string) bool {
	ai, aerr := strconv.ParseUint(a, 10, 64)
	bi, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}
