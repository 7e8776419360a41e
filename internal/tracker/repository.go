package tracker

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redlegion/eventpay/pkg/database"
)

// Repository stores synced guild voice channels.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a channel repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListChannels returns the active channels of a guild.
func (r *Repository) ListChannels(ctx context.Context, guildID string) ([]VoiceChannel, error) {
	const q = `SELECT channel_id, name, channel_type, position, is_primary
		FROM voice_channels WHERE guild_id = $1 AND is_active
		ORDER BY is_primary DESC, position, name`
	rows, err := r.pool.Query(ctx, q, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []VoiceChannel
	for rows.Next() {
		var c VoiceChannel
		if err := rows.Scan(&c.ID, &c.Name, &c.Type, &c.Position, &c.IsPrimary); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// SyncChannels upserts channels and deactivates the guild's channels missing from them.
// is_primary is an operator setting and is never overwritten by a sync.
func (r *Repository) SyncChannels(ctx context.Context, guildID string, channels []VoiceChannel) (int, error) {
	var deactivated int
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		ids := make([]string, 0, len(channels))
		for _, c := range channels {
			ids = append(ids, c.ID)
			batch.Queue(`INSERT INTO voice_channels (guild_id, channel_id, name, channel_type, position, is_active, synced_at)
				VALUES ($1, $2, $3, $4, $5, TRUE, NOW())
				ON CONFLICT (guild_id, channel_id) DO UPDATE SET
					name = EXCLUDED.name, channel_type = EXCLUDED.channel_type, position = EXCLUDED.position,
					is_active = TRUE, synced_at = NOW()`,
				guildID, c.ID, c.Name, c.Type, c.Position)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE voice_channels SET is_active = FALSE
			WHERE guild_id = $1 AND is_active AND NOT (channel_id = ANY($2))`, guildID, ids)
		if err != nil {
			return err
		}
		deactivated = int(tag.RowsAffected())
		return nil
	})
	return deactivated, err
}
