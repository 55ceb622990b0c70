// internal/service/compression.go
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"compensation-engine/internal/clock"
	"compensation-engine/internal/models"
	"compensation-engine/internal/repository"
)

// RunCompression removes members inactive for too long and moves their direct recruits
// one level up. Candidates are fixed before the first removal and handled deepest first,
// one unit of work each.
func (s *JobService) RunCompression(ctx context.Context) (*models.BatchSummary, error) {
	release, err := s.lock.Acquire(ctx, jobCompression, s.cfg.BatchTimeout+time.Minute)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	candidates, err := s.compressionCandidates(ctx)
	if err != nil {
		return nil, err
	}

	// concurrency 1: a removal changes the sponsor of the next candidate's recruits
	runner := newBatchRunner(jobCompression, 1, s.cfg.BatchTimeout, s.clock.Now, s.logger)
	runner.Run(ctx, candidates, s.removeMember)
	summary := runner.Summary()

	if summary.Removed > 0 && !summary.Partial {
		s.recomputeNetwork(ctx, summary, clock.PreviousMonthTag(s.clock.Now()))
	}

	s.logger.Info("compression finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("removed", summary.Removed),
		zap.Int("errors", summary.Errors),
		zap.Int("skipped", summary.Skipped),
		zap.Bool("partial", summary.Partial))
	return summary, nil
}

func (s *JobService) compressionCandidates(ctx context.Context) ([]string, error) {
	var members []*models.Member
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		members, err = tx.ListMembers(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	depths := NewTree(members).Depths()
	depthOf := func(id string) int {
		if d, ok := depths[id]; ok {
			return d
		}
		return -1
	}

	var ids []string
	for _, m := range members {
		if !m.IsRemoved() && m.InactiveMonthsCount >= s.cfg.InactiveMonthsToRemove {
			ids = append(ids, m.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		di, dj := depthOf(ids[i]), depthOf(ids[j])
		if di != dj {
			return di > dj
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

// removeMember reparents the recruits and removes the member in one unit of work.
// Any failure rolls both back.
func (s *JobService) removeMember(ctx context.Context, id string) (Outcome, error) {
	now := s.clock.Now()
	var change *MemberChange

	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		m, err := tx.LockMember(ctx, id)
		if err != nil {
			return notFound(err, "member", id)
		}
		if m.IsRemoved() {
			return nil
		}

		newSponsor := m.SponsorID
		if newSponsor != nil {
			sponsor, err := tx.GetMember(ctx, *newSponsor)
			if err != nil {
				return notFound(err, "sponsor", *newSponsor)
			}
			if sponsor.IsRemoved() {
				newSponsor = nil
			}
		}

		recruits, err := tx.ListChildren(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to list recruits: %w", err)
		}
		moved := make([]string, 0, len(recruits))
		for _, r := range recruits {
			child, err := tx.LockMember(ctx, r.ID)
			if err != nil {
				return notFound(err, "member", r.ID)
			}
			child.SponsorID = newSponsor
			child.UpdatedAt = now
			if err := tx.UpdateMember(ctx, child); err != nil {
				return fmt.Errorf("failed to reparent %s: %w", child.ID, err)
			}
			moved = append(moved, child.ID)
		}

		entry := &models.CompressionLogEntry{
			ID:                uuid.New().String(),
			MemberID:          id,
			OriginalSponsorID: m.SponsorID,
			RecruitsMoved:     moved,
			InactiveMonths:    m.InactiveMonthsCount,
			CreatedAt:         now,
		}

		from := m.Status
		m.Status = models.MemberStatusRemoved
		m.SponsorID = nil
		m.Level = models.LevelMembro
		m.LiderFormacao = models.LiderFormacao{}
		m.UpdatedAt = now
		if err := tx.UpdateMember(ctx, m); err != nil {
			return fmt.Errorf("failed to remove member: %w", err)
		}
		if err := tx.InsertCompressionLog(ctx, entry); err != nil {
			return fmt.Errorf("failed to write compression log: %w", err)
		}
		change = &MemberChange{MemberID: id, Kind: ChangeStatus, From: string(from), To: string(m.Status), At: now}
		return nil
	})
	if err != nil {
		return OutcomeUnchanged, err
	}
	if change == nil {
		return OutcomeUnchanged, nil
	}

	notifyAll(ctx, s.notifier, []MemberChange{*change})
	s.logger.Info("member removed by compression", zap.String("member_id", id))
	return OutcomeRemoved, nil
}
