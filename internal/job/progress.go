package job

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

var (
	ErrTotalChunksMismatch  = errors.New("total chunks differs from the value recorded for this job")
	ErrChunkIndexOutOfRange = errors.New("chunk index out of range")
	ErrRecipientOverflow    = errors.New("chunk results exceed the job recipient count")
)

// RecipientOutcome is the result of delivering to one address. Immutable once written.
type RecipientOutcome struct {
	Email     string `json:"email"`
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Transient bool   `json:"transient,omitempty"`
}

// ChunkResult is the outcome of one caller-defined batch.
type ChunkResult struct {
	ChunkIndex  int                `json:"chunk_index"`
	SentCount   int                `json:"sent_count"`
	FailedCount int                `json:"failed_count"`
	CompletedAt time.Time          `json:"completed_at"`
	Results     []RecipientOutcome `json:"results,omitempty"`
}

// NewChunkResult derives the counters from the per-recipient outcomes.
func NewChunkResult(index int, outcomes []RecipientOutcome, completedAt time.Time) ChunkResult {
	r := ChunkResult{ChunkIndex: index, CompletedAt: completedAt, Results: outcomes}
	for _, o := range outcomes {
		if o.Success {
			r.SentCount++
		} else {
			r.FailedCount++
		}
	}
	return r
}

// StageResult summarises one finished retry stage.
type StageResult struct {
	Stage       int       `json:"stage"`
	BatchSize   int       `json:"batch_size"`
	Entered     int       `json:"entered"`
	Processed   int       `json:"processed"`
	Recovered   int       `json:"recovered"`
	Remaining   int       `json:"remaining"`
	CompletedAt time.Time `json:"completed_at"`
}

// Progress is the durable record every stateless invocation reads and writes.
// ChunkResults is indexed by chunk index and may contain nil holes while other
// chunks are in flight. Slots are only ever set, never cleared.
type Progress struct {
	TotalChunks          int            `json:"total_chunks"`
	ChunkResults         []*ChunkResult `json:"chunk_results"`
	TotalSent            int            `json:"total_sent"`
	TotalFailed          int            `json:"total_failed"`
	CompletedChunks      int            `json:"completed_chunks"`
	LastChunkCompletedAt *time.Time     `json:"last_chunk_completed_at,omitempty"`

	RetryInProgress   bool               `json:"retry_in_progress"`
	RetryStartedAt    *time.Time         `json:"retry_started_at,omitempty"`
	RetryCompletedAt  *time.Time         `json:"retry_completed_at,omitempty"`
	FailedEmails      []string           `json:"failed_emails,omitempty"`
	FailureReasons    map[string]string  `json:"failure_reasons,omitempty"`
	RetryChunkSizes   []int              `json:"retry_chunk_sizes,omitempty"`
	CurrentRetryStage int                `json:"current_retry_stage"`
	Recovered         int                `json:"recovered"`
	RetryStages       []StageResult      `json:"retry_stages,omitempty"`
	PermanentFailures []RecipientOutcome `json:"permanent_failures,omitempty"`

	// Bookkeeping for the stage currently being worked on.
	StageStarted   bool     `json:"stage_started,omitempty"`
	StageEntered   int      `json:"stage_entered,omitempty"`
	StageAttempted []string `json:"stage_attempted,omitempty"`
	StageRecovered int      `json:"stage_recovered,omitempty"`
}

// CheckChunk validates a prospective chunk of size recipients against the
// recorded progress without modifying it.
func (p *Progress) CheckChunk(index, totalChunks, size, recipientCount int) error {
	if totalChunks < 1 {
		return fmt.Errorf("%w: total chunks must be >= 1", ErrChunkIndexOutOfRange)
	}
	if p.TotalChunks != 0 && p.TotalChunks != totalChunks {
		return fmt.Errorf("%w: recorded %d, got %d", ErrTotalChunksMismatch, p.TotalChunks, totalChunks)
	}
	if index < 0 || index >= totalChunks {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrChunkIndexOutOfRange, index, totalChunks)
	}
	if size < 0 {
		return fmt.Errorf("%w: negative counters", ErrRecipientOverflow)
	}
	if recipientCount > 0 {
		sum := size
		for i, slot := range p.ChunkResults {
			if slot != nil && i != index {
				sum += slot.SentCount + slot.FailedCount
			}
		}
		if sum > recipientCount {
			return fmt.Errorf("%w: %d > %d", ErrRecipientOverflow, sum, recipientCount)
		}
	}
	return nil
}

// Slot returns the recorded result at index, or nil.
func (p *Progress) Slot(index int) *ChunkResult {
	if index < 0 || index >= len(p.ChunkResults) {
		return nil
	}
	return p.ChunkResults[index]
}

// Merge records r at its chunk index. The aggregate counters are recomputed
// from every present slot, so out-of-order and repeated merges converge.
func (p *Progress) Merge(r ChunkResult, totalChunks, recipientCount int) error {
	if r.SentCount < 0 || r.FailedCount < 0 {
		return fmt.Errorf("%w: negative counters", ErrRecipientOverflow)
	}
	if err := p.CheckChunk(r.ChunkIndex, totalChunks, r.SentCount+r.FailedCount, recipientCount); err != nil {
		return err
	}

	p.TotalChunks = totalChunks
	if len(p.ChunkResults) < totalChunks {
		grown := make([]*ChunkResult, totalChunks)
		copy(grown, p.ChunkResults)
		p.ChunkResults = grown
	}

	slot := r
	slot.Results = slices.Clone(r.Results)
	p.ChunkResults[r.ChunkIndex] = &slot

	if p.LastChunkCompletedAt == nil || r.CompletedAt.After(*p.LastChunkCompletedAt) {
		at := r.CompletedAt
		p.LastChunkCompletedAt = &at
	}

	p.Recompute()
	return nil
}

// Recompute derives TotalSent, TotalFailed and CompletedChunks from the slots.
func (p *Progress) Recompute() {
	p.TotalSent, p.TotalFailed, p.CompletedChunks = 0, 0, 0
	for _, slot := range p.ChunkResults {
		if slot == nil {
			continue
		}
		p.CompletedChunks++
		p.TotalSent += slot.SentCount
		p.TotalFailed += slot.FailedCount
	}
}

// Complete reports whether every one of TotalChunks slots is present.
func (p *Progress) Complete() bool {
	return p.TotalChunks > 0 && p.CompletedChunks == p.TotalChunks
}

// CompletionPercentage is the share of recipients with a recorded first-pass outcome.
func (p *Progress) CompletionPercentage(recipientCount int) float64 {
	if recipientCount <= 0 {
		if p.Complete() {
			return 100
		}
		return 0
	}
	pct := float64(p.TotalSent+p.TotalFailed) / float64(recipientCount) * 100
	return math.Min(100, math.Round(pct*10)/10)
}

// FailedOutcomes lists failed recipients across all present chunks in chunk
// order, deduplicated by address. The last recorded error wins.
func (p *Progress) FailedOutcomes() []RecipientOutcome {
	seen := make(map[string]int)
	var out []RecipientOutcome
	for _, slot := range p.ChunkResults {
		if slot == nil {
			continue
		}
		for _, o := range slot.Results {
			if o.Success {
				continue
			}
			if i, ok := seen[o.Email]; ok {
				out[i] = o
				continue
			}
			seen[o.Email] = len(out)
			out = append(out, o)
		}
	}
	return out
}

// BeginRetry seeds the escalation fields from the failed first-pass outcomes.
func (p *Progress) BeginRetry(schedule []int, now time.Time) {
	failed := p.FailedOutcomes()
	p.FailedEmails = make([]string, 0, len(failed))
	p.FailureReasons = make(map[string]string, len(failed))
	for _, o := range failed {
		p.FailedEmails = append(p.FailedEmails, o.Email)
		p.FailureReasons[o.Email] = o.Error
	}
	p.RetryInProgress = true
	p.RetryStartedAt = &now
	p.CurrentRetryStage = 0
	p.RetryChunkSizes = slices.Clone(schedule)
	p.Recovered = 0
	p.resetStage()
}

// StageBatchSize returns the batch size of the current stage, or 0 when the
// schedule is exhausted.
func (p *Progress) StageBatchSize() int {
	if p.CurrentRetryStage < 0 || p.CurrentRetryStage >= len(p.RetryChunkSizes) {
		return 0
	}
	return p.RetryChunkSizes[p.CurrentRetryStage]
}

// StartStage marks the current stage as begun. Calling it again for the same
// stage keeps the existing bookkeeping so a resumed stage does not recount.
func (p *Progress) StartStage() {
	if p.StageStarted {
		return
	}
	p.StageStarted = true
	p.StageEntered = len(p.FailedEmails)
	p.StageAttempted = nil
	p.StageRecovered = 0
}

// PendingInStage lists still-failing addresses not yet attempted in the
// current stage, in FailedEmails order.
func (p *Progress) PendingInStage() []string {
	attempted := make(map[string]struct{}, len(p.StageAttempted))
	for _, e := range p.StageAttempted {
		attempted[e] = struct{}{}
	}
	var pending []string
	for _, e := range p.FailedEmails {
		if _, ok := attempted[e]; !ok {
			pending = append(pending, e)
		}
	}
	return pending
}

// ApplyRetryOutcomes removes addresses that succeeded and refreshes the error
// of those still failing. Outcomes for addresses no longer failing are ignored.
func (p *Progress) ApplyRetryOutcomes(outcomes []RecipientOutcome) {
	failing := make(map[string]struct{}, len(p.FailedEmails))
	for _, e := range p.FailedEmails {
		failing[e] = struct{}{}
	}
	attempted := make(map[string]struct{}, len(p.StageAttempted))
	for _, e := range p.StageAttempted {
		attempted[e] = struct{}{}
	}

	recovered := make(map[string]struct{})
	for _, o := range outcomes {
		if _, ok := failing[o.Email]; !ok {
			continue
		}
		if _, ok := attempted[o.Email]; !ok {
			attempted[o.Email] = struct{}{}
			p.StageAttempted = append(p.StageAttempted, o.Email)
		}
		if o.Success {
			recovered[o.Email] = struct{}{}
			continue
		}
		if p.FailureReasons == nil {
			p.FailureReasons = make(map[string]string)
		}
		p.FailureReasons[o.Email] = o.Error
	}

	if len(recovered) == 0 {
		return
	}
	kept := p.FailedEmails[:0]
	for _, e := range p.FailedEmails {
		if _, ok := recovered[e]; ok {
			delete(p.FailureReasons, e)
			continue
		}
		kept = append(kept, e)
	}
	p.FailedEmails = kept
	p.Recovered += len(recovered)
	p.StageRecovered += len(recovered)
}

// FinishStage closes the current stage and advances to the next one. It
// reports whether escalation is finished: either the schedule is exhausted or
// no address is still failing.
func (p *Progress) FinishStage(now time.Time) bool {
	p.RetryStages = append(p.RetryStages, StageResult{
		Stage:       p.CurrentRetryStage,
		BatchSize:   p.StageBatchSize(),
		Entered:     p.StageEntered,
		Processed:   len(p.StageAttempted),
		Recovered:   p.StageRecovered,
		Remaining:   len(p.FailedEmails),
		CompletedAt: now,
	})
	p.CurrentRetryStage++
	p.resetStage()
	return p.RetryExhausted()
}

// RetryExhausted reports whether no further stage should run.
func (p *Progress) RetryExhausted() bool {
	return len(p.FailedEmails) == 0 || p.CurrentRetryStage >= len(p.RetryChunkSizes)
}

// FinishRetry records residual failures as permanent and returns the terminal
// status the job must move to.
func (p *Progress) FinishRetry(now time.Time) Status {
	p.RetryInProgress = false
	p.RetryCompletedAt = &now
	p.PermanentFailures = make([]RecipientOutcome, 0, len(p.FailedEmails))
	for _, e := range p.FailedEmails {
		p.PermanentFailures = append(p.PermanentFailures, RecipientOutcome{
			Email: e,
			Error: p.FailureReasons[e],
		})
	}
	p.resetStage()
	if len(p.PermanentFailures) == 0 {
		return StatusSent
	}
	return StatusPartiallyFailed
}

func (p *Progress) resetStage() {
	p.StageStarted = false
	p.StageEntered = 0
	p.StageAttempted = nil
	p.StageRecovered = 0
}
