package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-approvals/internal/archive"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

const archiveBatchSize = 500

// SegmentManifest describes one archived segment. It is stored next to the
// segment so the segment can be verified without the database.
type SegmentManifest struct {
	Key           string    `json:"key"`
	Ref           string    `json:"ref"`
	Entries       int       `json:"entries"`
	FirstSequence int64     `json:"first_sequence"`
	LastSequence  int64     `json:"last_sequence"`
	Checksum      string    `json:"sha256"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// ArchiveResult summarises an ArchiveOlderThan run.
type ArchiveResult struct {
	Cutoff   time.Time         `json:"cutoff"`
	Entries  int               `json:"entries"`
	Segments []SegmentManifest `json:"segments"`
}

// Archiver moves old ledger entries to cold storage. Entries are marked
// archived, never deleted, and their hashes are untouched.
type Archiver struct {
	base
	store  repository.Store
	cold   archive.ColdStore
	prefix string
}

// NewArchiver creates an Archiver writing under prefix.
func NewArchiver(store repository.Store, cold archive.ColdStore, prefix string, log *logger.Logger, opts ...Option) *Archiver {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archiver{
		base:   newBase(log, "archiver", opts),
		store:  store,
		cold:   cold,
		prefix: prefix,
	}
}

// RetentionCutoff returns the instant before which entries fall outside a
// retention horizon of years.
func RetentionCutoff(now time.Time, years int) time.Time {
	return now.UTC().AddDate(-years, 0, 0)
}

// ArchiveOlderThan writes every unarchived entry with a timestamp before
// cutoff to cold storage as JSON Lines segments and marks them archived.
func (a *Archiver) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (*ArchiveResult, error) {
	ctx, span := a.tracer.Start(ctx, "Archiver.ArchiveOlderThan")
	defer span.End()

	if !cutoff.Before(a.clock()) {
		return nil, errors.InvalidInput("cutoff", "cutoff must be in the past")
	}
	res := &ArchiveResult{Cutoff: cutoff, Segments: []SegmentManifest{}}

	for {
		batch, _, err := a.store.Audit().Query(ctx, repository.AuditFilter{
			End:   &cutoff,
			Limit: archiveBatchSize,
		})
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			break
		}

		manifest, err := a.writeSegment(ctx, batch)
		if err != nil {
			return res, err
		}

		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}
		if err := a.store.Audit().MarkArchived(ctx, ids, manifest.ArchivedAt, manifest.Ref); err != nil {
			return res, err
		}

		res.Entries += len(batch)
		res.Segments = append(res.Segments, manifest)
		a.log.Info().
			Str("ref", manifest.Ref).
			Int("entries", manifest.Entries).
			Int64("first_sequence", manifest.FirstSequence).
			Int64("last_sequence", manifest.LastSequence).
			Msg("Audit segment archived")

		if len(batch) < archiveBatchSize {
			break
		}
	}
	return res, nil
}

func (a *Archiver) writeSegment(ctx context.Context, batch []*repository.ApprovalAuditLog) (SegmentManifest, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return SegmentManifest{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode audit segment")
		}
	}
	data := buf.Bytes()

	first, last := batch[0], batch[len(batch)-1]
	ts := first.Timestamp.UTC()
	key := fmt.Sprintf("%s%04d/%02d/%02d/%020d-%020d.jsonl", a.prefix, ts.Year(), ts.Month(), ts.Day(), first.Sequence, last.Sequence)

	ref, err := a.cold.Put(ctx, key, data)
	if err != nil {
		return SegmentManifest{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to write audit segment")
	}

	manifest := SegmentManifest{
		Key:           key,
		Ref:           ref,
		Entries:       len(batch),
		FirstSequence: first.Sequence,
		LastSequence:  last.Sequence,
		Checksum:      archive.Checksum(data),
		ArchivedAt:    a.clock(),
	}
	mdata, err := json.Marshal(manifest)
	if err != nil {
		return SegmentManifest{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode segment manifest")
	}
	if _, err := a.cold.Put(ctx, key+".manifest.json", mdata); err != nil {
		return SegmentManifest{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to write segment manifest")
	}
	return manifest, nil
}

// ReadSegment loads an archived segment and checks it against its manifest
// checksum and the entries' own integrity hashes.
func (a *Archiver) ReadSegment(ctx context.Context, manifest SegmentManifest) ([]*repository.ApprovalAuditLog, error) {
	data, err := a.cold.Get(ctx, manifest.Ref)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read audit segment")
	}
	if archive.Checksum(data) != manifest.Checksum {
		return nil, errors.New(errors.ErrCodeIntegrityViolation, "archived segment does not match its manifest checksum").
			WithEntity("archive_segment", manifest.Ref)
	}

	var entries []*repository.ApprovalAuditLog
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e repository.ApprovalAuditLog
		if err := dec.Decode(&e); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode audit segment")
		}
		if err := validateEntry(&e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, nil
}
