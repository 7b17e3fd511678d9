package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/julietshen/atproto-hma/internal/hma"
	"github.com/julietshen/atproto-hma/internal/media/sniffer"
	"github.com/julietshen/atproto-hma/internal/model"
	"github.com/julietshen/atproto-hma/internal/moderation"
	"github.com/julietshen/atproto-hma/internal/review"
)

// ErrBlobNotFound aborts a single check without retry: the bytes are
// gone and cannot be re-fetched.
var ErrBlobNotFound = errors.New("blob not found")

type MatchClient interface {
	Match(ctx context.Context, image []byte, threshold float64) (hma.MatchResult, error)
}

type BlobReader interface {
	ReadBytes(ctx context.Context, blobRef string) ([]byte, error)
}

type Escalator interface {
	Submit(ctx context.Context, image []byte, sub review.Submission) (review.SubmitResult, error)
}

// Checker drives one image through check and, on a match, escalation.
// It is the single writer path for moderation state; the upload caller
// never waits on it and never sees its failures.
type Checker struct {
	machine   *moderation.Machine
	blobs     BlobReader
	bridge    MatchClient
	review    Escalator
	threshold float64
	log       zerolog.Logger
}

func NewChecker(machine *moderation.Machine, blobs BlobReader, bridge MatchClient, reviewer Escalator, threshold float64, log zerolog.Logger) *Checker {
	return &Checker{
		machine:   machine,
		blobs:     blobs,
		bridge:    bridge,
		review:    reviewer,
		threshold: threshold,
		log:       log,
	}
}

type CheckOutcome struct {
	Record model.ImageRecord
	Result hma.MatchResult
}

// Check runs the moderation check for one image. Bridge failures that
// exhaust the retry budget fail open: the record moves to clear with
// an error outcome logged, and the returned error reports the failure
// to the caller (batch accounting) without leaving the record stuck.
func (c *Checker) Check(ctx context.Context, imageID, batchID string) (CheckOutcome, error) {
	record, err := c.machine.Record(ctx, imageID)
	if err != nil {
		return CheckOutcome{}, err
	}

	if record.State != model.StatePending && record.State != model.StateClear {
		// Already past checking; report current state without rerunning.
		return c.outcomeFromRecord(record), nil
	}

	data, err := c.blobs.ReadBytes(ctx, record.BlobRef)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.failOpen(ctx, record, batchID, "NOT_FOUND", err)
		}
		return c.failOpen(ctx, record, batchID, string(hma.ClassTransport), err)
	}

	if _, sniffErr := sniffer.Detect(head(data)); sniffErr != nil {
		// Not obviously an image; the bridge decides what it accepts.
		c.log.Warn().
			Str("image_id", imageID).
			Msg("blob did not sniff as a known image type")
	}

	result, err := c.bridge.Match(ctx, data, c.threshold)
	if err != nil {
		class := string(hma.ClassProcessing)
		var bErr *hma.BridgeError
		if errors.As(err, &bErr) {
			class = string(bErr.Class)
		}
		return c.failOpen(ctx, record, batchID, class, err)
	}

	record, _, err = c.machine.Apply(ctx, imageID, moderation.Event{
		Kind:       moderation.EventCheck,
		Matched:    result.Matched,
		Threshold:  c.threshold,
		Candidates: result.Candidates,
		Source:     model.SourceAutomated,
		BatchID:    batchID,
	})
	if err != nil {
		return CheckOutcome{}, err
	}

	if record.State == model.StateMatched {
		record = c.escalate(ctx, record, data, batchID)
	}

	return CheckOutcome{Record: record, Result: result}, nil
}

// Escalate submits a matched record for human review. Used on the
// check path and by the periodic sweep over stuck matches.
func (c *Checker) Escalate(ctx context.Context, record model.ImageRecord) (model.ImageRecord, error) {
	if record.State != model.StateMatched {
		return record, nil
	}

	data, err := c.blobs.ReadBytes(ctx, record.BlobRef)
	if err != nil {
		return record, fmt.Errorf("read blob for escalation: %w", err)
	}

	return c.escalate(ctx, record, data, ""), nil
}

func (c *Checker) escalate(ctx context.Context, record model.ImageRecord, data []byte, batchID string) model.ImageRecord {
	sub := review.Submission{
		ImageID: record.ID,
		OwnerID: record.OwnerID,
	}
	if record.MatchInfo != nil {
		sub.Candidates = record.MatchInfo.Candidates
	}

	result, err := c.review.Submit(ctx, data, sub)
	if err != nil {
		c.log.Error().
			Err(err).
			Str("image_id", record.ID).
			Msg("escalation submission failed, record stays matched")
		next, _, applyErr := c.machine.Apply(ctx, record.ID, moderation.Event{
			Kind:    moderation.EventEscalate,
			Notes:   err.Error(),
			Source:  model.SourceAutomated,
			BatchID: batchID,
		})
		if applyErr != nil {
			c.log.Error().Err(applyErr).Str("image_id", record.ID).Msg("record escalation failure")
			return record
		}
		return next
	}

	next, _, err := c.machine.Apply(ctx, record.ID, moderation.Event{
		Kind:    moderation.EventEscalate,
		TaskID:  result.TaskID,
		Source:  model.SourceAutomated,
		BatchID: batchID,
	})
	if err != nil {
		c.log.Error().Err(err).Str("image_id", record.ID).Msg("record escalation")
		return record
	}
	return next
}

func (c *Checker) failOpen(ctx context.Context, record model.ImageRecord, batchID, class string, cause error) (CheckOutcome, error) {
	next, _, err := c.machine.Apply(ctx, record.ID, moderation.Event{
		Kind:    moderation.EventCheck,
		Failure: &moderation.Failure{Class: class, Detail: cause.Error()},
		Source:  model.SourceAutomated,
		BatchID: batchID,
	})
	if err != nil {
		return CheckOutcome{}, err
	}
	return CheckOutcome{Record: next}, fmt.Errorf("check %s: %w", record.ID, cause)
}

func (c *Checker) outcomeFromRecord(record model.ImageRecord) CheckOutcome {
	out := CheckOutcome{Record: record}
	if record.MatchInfo != nil {
		out.Result = hma.MatchResult{
			Matched:    record.Matched(),
			Candidates: record.MatchInfo.Candidates,
		}
	}
	return out
}

func head(data []byte) []byte {
	if len(data) > 512 {
		return data[:512]
	}
	return data
}
