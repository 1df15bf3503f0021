// Package recipients validates, normalizes and hashes newsletter recipient lists.
package recipients

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Store finds or creates hashed recipient records. No raw address is ever
// passed to it.
type Store interface {
	FindOrCreateRecipient(ctx context.Context, hashedEmail string, firstSeen time.Time) (created bool, err error)
	TouchLastSent(ctx context.Context, hashedEmails []string, at time.Time) error
}

// Result summarises one validation run. Counts other than Invalid refer to
// distinct normalized addresses.
type Result struct {
	Valid           int      `json:"valid"`
	Invalid         int      `json:"invalid"`
	New             int      `json:"new"`
	Existing        int      `json:"existing"`
	Duplicates      int      `json:"duplicates"`
	ValidatedEmails []string `json:"validated_emails"`
	InvalidEmails   []string `json:"invalid_emails"`
}

// Validator turns free-text recipient input into normalized addresses and
// hashed recipient records.
type Validator struct {
	hasher *Hasher
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewValidator(hasher *Hasher, store Store, logger *zap.Logger) *Validator {
	return &Validator{
		hasher: hasher,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Validate processes newline-delimited input. Malformed lines are reported in
// the result, never returned as an error; only salt or store failures are.
func (v *Validator) Validate(ctx context.Context, text string) (*Result, error) {
	res := &Result{
		ValidatedEmails: []string{},
		InvalidEmails:   []string{},
	}
	seen := make(map[string]struct{})

	for _, raw := range strings.Split(text, "\n") {
		if Clean(raw) == "" {
			continue
		}
		email, ok := Normalize(raw)
		if !ok {
			res.Invalid++
			res.InvalidEmails = append(res.InvalidEmails, strings.TrimRight(raw, "\r"))
			continue
		}
		if _, dup := seen[email]; dup {
			res.Duplicates++
			continue
		}
		seen[email] = struct{}{}
		res.Valid++
		res.ValidatedEmails = append(res.ValidatedEmails, email)
	}

	now := v.now()
	for _, email := range res.ValidatedEmails {
		hash, err := v.hasher.Hash(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("hash recipient: %w", err)
		}
		created, err := v.store.FindOrCreateRecipient(ctx, hash, now)
		if err != nil {
			v.logger.Error("failed to record hashed recipient", zap.Error(err))
			return nil, fmt.Errorf("find or create recipient: %w", err)
		}
		if created {
			res.New++
		} else {
			res.Existing++
		}
	}

	v.logger.Info("recipients validated",
		zap.Int("valid", res.Valid),
		zap.Int("invalid", res.Invalid),
		zap.Int("new", res.New),
		zap.Int("existing", res.Existing),
		zap.Int("duplicates", res.Duplicates),
	)

	return res, nil
}

// MarkSent updates lastSent for the given normalized addresses.
func (v *Validator) MarkSent(ctx context.Context, emails []string, at time.Time) error {
	if len(emails) == 0 {
		return nil
	}
	hashes := make([]string, 0, len(emails))
	for _, e := range emails {
		h, err := v.hasher.Hash(ctx, e)
		if err != nil {
			return err
		}
		hashes = append(hashes, h)
	}
	if err := v.store.TouchLastSent(ctx, hashes, at); err != nil {
		return fmt.Errorf("touch last sent: %w", err)
	}
	return nil
}
