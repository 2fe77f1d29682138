package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/memvault/memvault/internal/policy"
	"github.com/memvault/memvault/pkg/database"
	"github.com/memvault/memvault/pkg/logger"
)

// Stage is one step of the fixed conversation progression
type Stage string

const (
	StageIntake      Stage = "intake"
	StageRapport     Stage = "rapport"
	StageEstablished Stage = "established"
	StageDormant     Stage = "dormant"
	StageClosed      Stage = "closed"
)

// stageOrder defines the progression. Transitions only move forward.
var stageOrder = []Stage{StageIntake, StageRapport, StageEstablished, StageDormant, StageClosed}

const (
	TrustScoreMin = 0
	TrustScoreMax = 10
)

// ValidateTransition checks that a stage transition moves forward through
// the progression
func ValidateTransition(from, to Stage) error {
	fromIdx, toIdx := -1, -1
	for i, s := range stageOrder {
		if s == from {
			fromIdx = i
		}
		if s == to {
			toIdx = i
		}
	}
	if fromIdx < 0 {
		return fmt.Errorf("unknown stage %q", from)
	}
	if toIdx < 0 {
		return fmt.Errorf("unknown stage %q", to)
	}
	if toIdx <= fromIdx {
		return fmt.Errorf("stage cannot move from %q back to %q", from, to)
	}
	return nil
}

// ValidateTrustScore checks the declared trust score bound
func ValidateTrustScore(score float64) error {
	if score < TrustScoreMin || score > TrustScoreMax {
		return fmt.Errorf("trust score %.1f outside bound %d..%d", score, TrustScoreMin, TrustScoreMax)
	}
	return nil
}

// StageTransition is one recorded stage change. The history is append-only.
type StageTransition struct {
	From Stage     `json:"from"`
	To   Stage     `json:"to"`
	At   time.Time `json:"at"`
}

// State is the conversation state owned by one internal user identifier
type State struct {
	UserID       uuid.UUID
	Stage        Stage
	TrustScore   float64
	Metadata     map[string]interface{}
	StageHistory []StageTransition
	Created      time.Time
	Updated      time.Time
}

// Summary is one stored conversation summary
type Summary struct {
	ID      uuid.UUID
	OwnerID uuid.UUID
	Content string
	Created time.Time
}

// Service handles conversation-state operations. Every row operation
// consults the authorization engine before touching the store.
type Service struct {
	db     *database.PostgreSQL
	authz  *policy.Engine
	logger *logger.Logger
}

// NewService creates a new conversation service
func NewService(db *database.PostgreSQL, authz *policy.Engine, logger *logger.Logger) *Service {
	return &Service{db: db, authz: authz, logger: logger}
}

const stateColumns = "user_id, stage, trust_score, metadata, stage_history, created, updated"

// Ensure creates the state row for a user if it does not exist and returns
// it. At most one state row exists per user.
func (s *Service) Ensure(ctx context.Context, principal policy.Principal, userID uuid.UUID) (*State, error) {
	if err := s.authz.Authorize(ctx, principal, "conversation_state", policy.OpInsert, userID.String()); err != nil {
		return nil, err
	}

	err := database.WithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.Pool().Exec(ctx,
			"INSERT INTO conversation_state (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING", userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure conversation state: %w", err)
	}

	return s.get(ctx, userID)
}

// Get retrieves the state row for a user
func (s *Service) Get(ctx context.Context, principal policy.Principal, userID uuid.UUID) (*State, error) {
	if err := s.authz.Authorize(ctx, principal, "conversation_state", policy.OpRead, userID.String()); err != nil {
		return nil, err
	}
	return s.get(ctx, userID)
}

func (s *Service) get(ctx context.Context, userID uuid.UUID) (*State, error) {
	var st State
	var metadata, history []byte
	err := s.db.Pool().QueryRow(ctx,
		"SELECT "+stateColumns+" FROM conversation_state WHERE user_id = $1", userID).Scan(
		&st.UserID, &st.Stage, &st.TrustScore, &metadata, &history, &st.Created, &st.Updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.New("conversation state not found")
		}
		return nil, fmt.Errorf("failed to get conversation state: %w", err)
	}

	if err := json.Unmarshal(metadata, &st.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if err := json.Unmarshal(history, &st.StageHistory); err != nil {
		return nil, fmt.Errorf("failed to decode stage history: %w", err)
	}
	return &st, nil
}

// AdvanceStage moves a user's conversation forward one or more stages and
// appends the transition to the history. Transitions are recorded, never
// overwritten.
func (s *Service) AdvanceStage(ctx context.Context, principal policy.Principal, userID uuid.UUID, to Stage) (*State, error) {
	if err := s.authz.Authorize(ctx, principal, "conversation_state", policy.OpUpdate, userID.String()); err != nil {
		return nil, err
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin stage transition: %w", err)
	}
	defer tx.Rollback(ctx)

	var current Stage
	err = tx.QueryRow(ctx,
		"SELECT stage FROM conversation_state WHERE user_id = $1 FOR UPDATE", userID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.New("conversation state not found")
		}
		return nil, fmt.Errorf("failed to lock conversation state: %w", err)
	}

	if err := ValidateTransition(current, to); err != nil {
		return nil, err
	}

	transition, err := json.Marshal(StageTransition{From: current, To: to, At: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode stage transition: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE conversation_state
		SET stage = $1,
		    stage_history = stage_history || $2::jsonb,
		    updated = CURRENT_TIMESTAMP
		WHERE user_id = $3`,
		to, transition, userID); err != nil {
		return nil, fmt.Errorf("failed to advance stage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit stage transition: %w", err)
	}

	s.logger.Infof("Conversation %s advanced %s -> %s", userID, current, to)
	return s.get(ctx, userID)
}

// SetTrustScore updates the trust score inside its declared bound
func (s *Service) SetTrustScore(ctx context.Context, principal policy.Principal, userID uuid.UUID, score float64) error {
	if err := ValidateTrustScore(score); err != nil {
		return err
	}
	if err := s.authz.Authorize(ctx, principal, "conversation_state", policy.OpUpdate, userID.String()); err != nil {
		return err
	}

	tag, err := s.db.Pool().Exec(ctx,
		"UPDATE conversation_state SET trust_score = $1, updated = CURRENT_TIMESTAMP WHERE user_id = $2",
		score, userID)
	if err != nil {
		return fmt.Errorf("failed to set trust score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New("conversation state not found")
	}
	return nil
}

// MergeMetadata overlays keys onto the state's structured metadata
func (s *Service) MergeMetadata(ctx context.Context, principal policy.Principal, userID uuid.UUID, patch map[string]interface{}) error {
	if err := s.authz.Authorize(ctx, principal, "conversation_state", policy.OpUpdate, userID.String()); err != nil {
		return err
	}

	encoded, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode metadata patch: %w", err)
	}

	tag, err := s.db.Pool().Exec(ctx,
		"UPDATE conversation_state SET metadata = metadata || $1::jsonb, updated = CURRENT_TIMESTAMP WHERE user_id = $2",
		encoded, userID)
	if err != nil {
		return fmt.Errorf("failed to merge metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New("conversation state not found")
	}
	return nil
}

// AddSummary stores a conversation summary for an owner
func (s *Service) AddSummary(ctx context.Context, principal policy.Principal, ownerID uuid.UUID, content string) (*Summary, error) {
	if err := s.authz.Authorize(ctx, principal, "conversation_summaries", policy.OpInsert, ownerID.String()); err != nil {
		return nil, err
	}

	var sum Summary
	err := s.db.Pool().QueryRow(ctx, `
		INSERT INTO conversation_summaries (owner_id, content)
		VALUES ($1, $2)
		RETURNING summary_id, owner_id, content, created`,
		ownerID, content).Scan(&sum.ID, &sum.OwnerID, &sum.Content, &sum.Created)
	if err != nil {
		return nil, fmt.Errorf("failed to add summary: %w", err)
	}
	return &sum, nil
}

// ListSummaries retrieves an owner's summaries, newest first
func (s *Service) ListSummaries(ctx context.Context, principal policy.Principal, ownerID uuid.UUID) ([]Summary, error) {
	if err := s.authz.Authorize(ctx, principal, "conversation_summaries", policy.OpRead, ownerID.String()); err != nil {
		return nil, err
	}

	rows, err := s.db.Pool().Query(ctx,
		"SELECT summary_id, owner_id, content, created FROM conversation_summaries WHERE owner_id = $1 ORDER BY created DESC",
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.OwnerID, &sum.Content, &sum.Created); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}
