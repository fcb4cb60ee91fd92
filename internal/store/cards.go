package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

const cardColumns = `c.id, cc.collection_id, cc.position, c.symbol, c.status, c.meaning,
	c.pronunciation, c.image_key, c.image_cached, c.image_skipped, c.audio_key, c.audio_cached,
	c.audio_skipped, c.candidates, c.job_id, c.disambiguated, c.force_refresh, c.failure_reason,
	c.last_enriched_at, c.applied_at, c.created_at, c.updated_at`

const cardFrom = ` FROM cards c JOIN collection_cards cc ON cc.card_id = c.id`

// AddCards creates one unenriched card per symbol, appended to the
// collection in order.
func (s *Store) AddCards(ctx context.Context, collectionID string, symbols []string) ([]*domain.Card, error) {
	var cards []*domain.Card
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cards = cards[:0]
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE id = ?`, collectionID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("collection %s: %w", collectionID, domain.ErrNotFound)
		}

		var next int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position) + 1, 0) FROM collection_cards WHERE collection_id = ?`,
			collectionID).Scan(&next); err != nil {
			return err
		}

		now := s.now()
		for i, symbol := range symbols {
			card := &domain.Card{
				ID:           uuid.NewString(),
				CollectionID: collectionID,
				Position:     next + i,
				Symbol:       symbol,
				State:        domain.Unenriched{},
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cards (id, symbol, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)`,
				card.ID, card.Symbol, string(domain.CardUnenriched), millis(now), millis(now)); err != nil {
				return fmt.Errorf("insert card %q: %w", symbol, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO collection_cards (collection_id, card_id, position) VALUES (?, ?, ?)`,
				collectionID, card.ID, card.Position); err != nil {
				return fmt.Errorf("link card %q: %w", symbol, err)
			}
			cards = append(cards, card)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cards, nil
}

// GetCard loads one card with its collection membership.
func (s *Store) GetCard(ctx context.Context, id string) (*domain.Card, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+cardFrom+` WHERE c.id = ?`, id)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get card %s: %w", id, err)
	}
	return card, nil
}

// ListCards returns the cards of a collection in position order.
func (s *Store) ListCards(ctx context.Context, collectionID string) ([]*domain.Card, error) {
	return s.queryCards(ctx, `SELECT `+cardColumns+cardFrom+`
		WHERE cc.collection_id = ? ORDER BY cc.position`, collectionID)
}

// ListCardsByStatus returns the cards of a collection in one status.
func (s *Store) ListCardsByStatus(ctx context.Context, collectionID string, status domain.CardStatus) ([]*domain.Card, error) {
	return s.queryCards(ctx, `SELECT `+cardColumns+cardFrom+`
		WHERE cc.collection_id = ? AND c.status = ? ORDER BY cc.position`, collectionID, string(status))
}

// ListAwaitingCards returns cards blocked on a selection for symbol. An
// empty collectionID searches every collection.
func (s *Store) ListAwaitingCards(ctx context.Context, symbol, collectionID string) ([]*domain.Card, error) {
	query := `SELECT ` + cardColumns + cardFrom + ` WHERE c.symbol = ? AND c.status = ?`
	args := []any{symbol, string(domain.CardAwaitingDisambiguation)}
	if collectionID != "" {
		query += ` AND cc.collection_id = ?`
		args = append(args, collectionID)
	}
	return s.queryCards(ctx, query+` ORDER BY c.created_at`, args...)
}

// CardStatuses returns the status of every card in a collection.
func (s *Store) CardStatuses(ctx context.Context, collectionID string) ([]domain.CardStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.status`+cardFrom+` WHERE cc.collection_id = ?`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("card statuses for %s: %w", collectionID, err)
	}
	defer rows.Close()

	var out []domain.CardStatus
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return nil, err
		}
		out = append(out, domain.CardStatus(status))
	}
	return out, rows.Err()
}

// SaveCard writes the card state stamped with the enqueue time of the job
// producing it. A write older than the last applied one is rejected with
// domain.ErrStaleWrite so a stale duplicate cannot clobber a newer result.
func (s *Store) SaveCard(ctx context.Context, card *domain.Card, stamp time.Time) error {
	f := flatten(card)
	now := s.now()
	res, err := s.execWithRetry(ctx, `
		UPDATE cards SET
			status = ?, meaning = ?, pronunciation = ?,
			image_key = ?, image_cached = ?, image_skipped = ?,
			audio_key = ?, audio_cached = ?, audio_skipped = ?,
			candidates = ?, job_id = ?, disambiguated = ?, force_refresh = ?,
			failure_reason = ?, last_enriched_at = CASE WHEN ? > 0 THEN ? ELSE last_enriched_at END,
			applied_at = ?, updated_at = ?
		WHERE id = ? AND applied_at <= ?`,
		string(card.Status()), f.meaning, f.pronunciation,
		f.image.Key, boolInt(f.image.Cached), boolInt(f.image.Skipped),
		f.audio.Key, boolInt(f.audio.Cached), boolInt(f.audio.Skipped),
		f.candidates, f.jobID, boolInt(card.Disambiguated), boolInt(card.ForceRefresh),
		f.reason, millis(f.enrichedAt), millis(f.enrichedAt),
		millis(stamp), millis(now),
		card.ID, millis(stamp))
	if err != nil {
		return fmt.Errorf("save card %s: %w", card.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetCard(ctx, card.ID); err != nil {
			return err
		}
		return fmt.Errorf("card %s: %w", card.ID, domain.ErrStaleWrite)
	}
	card.AppliedAt = time.UnixMilli(millis(stamp))
	card.UpdatedAt = now
	return nil
}

// DeleteCard removes a card and returns what it looked like.
func (s *Store) DeleteCard(ctx context.Context, id string) (*domain.Card, error) {
	card, err := s.GetCard(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM collection_cards WHERE card_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("delete card %s: %w", id, err)
	}
	return card, nil
}

// MediaReferences counts the cards pointing at key.
func (s *Store) MediaReferences(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cards WHERE image_key = ? OR audio_key = ?`, key, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count references to %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) queryCards(ctx context.Context, query string, args ...any) ([]*domain.Card, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cards: %w", err)
	}
	defer rows.Close()

	var out []*domain.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		out = append(out, card)
	}
	return out, rows.Err()
}

type flatCard struct {
	meaning, pronunciation string
	image, audio           domain.MediaRef
	candidates             int
	jobID                  string
	reason                 string
	enrichedAt             time.Time
}

func flatten(card *domain.Card) flatCard {
	var f flatCard
	switch st := card.State.(type) {
	case domain.AwaitingDisambiguation:
		f.candidates, f.jobID = st.Candidates, st.JobID
	case domain.Pending:
		f.meaning, f.pronunciation, f.jobID = st.Meaning, st.Pronunciation, st.JobID
		f.image, f.audio = st.Image, st.Audio
	case domain.Enriched:
		f.meaning, f.pronunciation = st.Meaning, st.Pronunciation
		f.image, f.audio, f.enrichedAt = st.Image, st.Audio, st.EnrichedAt
	case domain.PartiallyEnriched:
		f.meaning, f.pronunciation = st.Meaning, st.Pronunciation
		f.image, f.audio, f.enrichedAt = st.Image, st.Audio, st.EnrichedAt
		f.reason = st.Reason
	case domain.Failed:
		f.reason = st.Reason
	}
	return f
}

func scanCard(r rowScanner) (*domain.Card, error) {
	var (
		card                                  domain.Card
		status                                string
		f                                     flatCard
		imgCached, imgSkipped                 int
		audCached, audSkipped                 int
		disambiguated, force                  int
		enrichedAt, applied, created, updated int64
	)
	if err := r.Scan(&card.ID, &card.CollectionID, &card.Position, &card.Symbol, &status,
		&f.meaning, &f.pronunciation, &f.image.Key, &imgCached, &imgSkipped,
		&f.audio.Key, &audCached, &audSkipped, &f.candidates, &f.jobID,
		&disambiguated, &force, &f.reason, &enrichedAt, &applied, &created, &updated); err != nil {
		return nil, err
	}

	image := domain.MediaRef{Key: f.image.Key, Kind: domain.MediaImage, Cached: imgCached != 0, Skipped: imgSkipped != 0}
	audio := domain.MediaRef{Key: f.audio.Key, Kind: domain.MediaAudio, Cached: audCached != 0, Skipped: audSkipped != 0}

	switch domain.CardStatus(status) {
	case domain.CardAwaitingDisambiguation:
		card.State = domain.AwaitingDisambiguation{Candidates: f.candidates, JobID: f.jobID}
	case domain.CardPending:
		card.State = domain.Pending{Meaning: f.meaning, Pronunciation: f.pronunciation, JobID: f.jobID,
			Image: image, Audio: audio}
	case domain.CardEnriched:
		card.State = domain.Enriched{Meaning: f.meaning, Pronunciation: f.pronunciation,
			Image: image, Audio: audio, EnrichedAt: fromMillis(enrichedAt)}
	case domain.CardPartiallyEnriched:
		card.State = domain.PartiallyEnriched{Meaning: f.meaning, Pronunciation: f.pronunciation,
			Image: image, Audio: audio, Reason: f.reason, EnrichedAt: fromMillis(enrichedAt)}
	case domain.CardFailed:
		card.State = domain.Failed{Reason: f.reason}
	default:
		card.State = domain.Unenriched{}
	}

	card.Disambiguated = disambiguated != 0
	card.ForceRefresh = force != 0
	card.AppliedAt = fromMillis(applied)
	card.CreatedAt = fromMillis(created)
	card.UpdatedAt = fromMillis(updated)
	return &card, nil
}
