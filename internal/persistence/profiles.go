package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Profile is the off-chain metadata of a wallet.
type Profile struct {
	Address          string    `json:"address"`
	Nickname         string    `json:"nickname"`
	City             string    `json:"city"`
	Skills           []string  `json:"skills"`
	EncryptionPubKey string    `json:"encryptionPubKey"`
	Contacts         string    `json:"contacts,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

const profileColumns = `address, nickname, city, skills, encryption_pub_key, COALESCE(contacts, ''), created_at, updated_at`

// decodeSkills accepts the JSON array form and the legacy comma-separated form.
func decodeSkills(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}
	var skills []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &skills); err == nil {
			return skills
		}
	}
	skills = []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			skills = append(skills, part)
		}
	}
	return skills
}

func scanProfile(scanFn func(dest ...any) error, p *Profile) error {
	var skills string
	if err := scanFn(&p.Address, &p.Nickname, &p.City, &skills, &p.EncryptionPubKey, &p.Contacts, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return err
	}
	p.Skills = decodeSkills(skills)
	return nil
}

// GetProfile returns the profile for address (matched case-insensitively) or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, address string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE address = ?;`, address)
	var p Profile
	if err := scanProfile(row.Scan, &p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile %s: %w", address, err)
	}
	return &p, nil
}

// ListProfiles returns all profiles ordered by address.
func (s *Store) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY address COLLATE NOCASE;`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var p Profile
		if err := scanProfile(rows.Scan, &p); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile rows: %w", err)
	}
	return out, nil
}

// UpsertProfile inserts or replaces a profile. Contacts only replace the
// stored value when set.
func (s *Store) UpsertProfile(ctx context.Context, p Profile) error {
	if p.Skills == nil {
		p.Skills = []string{}
	}
	skills, err := json.Marshal(p.Skills)
	if err != nil {
		return fmt.Errorf("encode skills: %w", err)
	}
	return retryOnBusy(ctx, writeRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO profiles (address, nickname, city, skills, encryption_pub_key, contacts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(address) DO UPDATE SET
				nickname = excluded.nickname,
				city = excluded.city,
				skills = excluded.skills,
				encryption_pub_key = excluded.encryption_pub_key,
				contacts = COALESCE(excluded.contacts, profiles.contacts),
				updated_at = CURRENT_TIMESTAMP;
		`, p.Address, p.Nickname, p.City, string(skills), p.EncryptionPubKey, nullIfEmpty(p.Contacts))
		if err != nil {
			return fmt.Errorf("upsert profile %s: %w", p.Address, err)
		}
		return nil
	})
}

// SetEncryptionPubKey replaces the public key that contact DEKs are wrapped to.
func (s *Store) SetEncryptionPubKey(ctx context.Context, address, pubKey string) error {
	return retryOnBusy(ctx, writeRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE profiles SET encryption_pub_key = ?, updated_at = CURRENT_TIMESTAMP WHERE address = ?;
		`, pubKey, address)
		if err != nil {
			return fmt.Errorf("set encryption key %s: %w", address, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
