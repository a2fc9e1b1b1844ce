package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ==================
// Share-link storage
// ==================
//
// A share link maps a short base62 code to a full "#map=…" fragment so an
// interesting map state (a viewport plus a slider date) stays quotable in
// chat even when the fragment itself is ugly.

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
const shortCodeLength = 6

// Shorten returns the code for a fragment, creating one when the fragment
// has not been shared before. Existing fragments reuse their code so the
// same view always produces the same link.
func (db *Database) Shorten(ctx context.Context, fragment string, now time.Time) (string, error) {
	if db == nil || db.DB == nil {
		return "", errors.New("database not initialized")
	}
	target := strings.TrimSpace(fragment)
	if target == "" {
		return "", errors.New("empty fragment")
	}
	if len(target) > 512 {
		return "", errors.New("fragment too long")
	}

	lookup := fmt.Sprintf("SELECT code FROM short_links WHERE target = %s LIMIT 1", db.placeholder(1))
	var existing string
	err := db.DB.QueryRowContext(ctx, lookup, target).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup short link: %w", err)
	}

	insert := fmt.Sprintf("INSERT INTO short_links (code, target, created_at) VALUES (%s,%s,%s)",
		db.placeholder(1), db.placeholder(2), db.placeholder(3))

	// Collisions are vanishingly rare at 62^6 codes, but retry a few times
	// rather than surfacing a constraint error to the user.
	const maxAttempts = 16
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		code, err := randomCode(shortCodeLength)
		if err != nil {
			return "", err
		}
		taken, err := db.codeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if taken {
			continue
		}
		if _, err := db.DB.ExecContext(ctx, insert, code, target, now.UTC().Format(time.RFC3339)); err != nil {
			if isUniqueConstraintError(err) {
				continue
			}
			return "", fmt.Errorf("insert short link: %w", err)
		}
		return code, nil
	}
	return "", fmt.Errorf("shorten: exhausted %d attempts", maxAttempts)
}

// Resolve expands a code into the stored fragment. An unknown code comes
// back empty without an error; the HTTP layer turns that into a 404.
func (db *Database) Resolve(ctx context.Context, code string) (string, error) {
	if db == nil || db.DB == nil {
		return "", errors.New("database not initialized")
	}
	trimmed := strings.TrimSpace(code)
	if trimmed == "" || !isBase62(trimmed) {
		return "", nil
	}

	query := fmt.Sprintf("SELECT target FROM short_links WHERE code = %s LIMIT 1", db.placeholder(1))
	var target string
	err := db.DB.QueryRowContext(ctx, query, trimmed).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve short link: %w", err)
	}
	return target, nil
}

func (db *Database) codeExists(ctx context.Context, code string) (bool, error) {
	query := fmt.Sprintf("SELECT 1 FROM short_links WHERE code = %s LIMIT 1", db.placeholder(1))
	var dummy int
	err := db.DB.QueryRowContext(ctx, query, code).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// randomCode draws secure random bytes and maps them onto the base62
// alphabet. crypto/rand keeps codes unguessable; rejection sampling keeps
// the distribution uniform.
func randomCode(length int) (string, error) {
	buf := make([]byte, length)
	for i := 0; i < length; i++ {
		var b [1]byte
		for {
			if _, err := rand.Read(b[:]); err != nil {
				return "", err
			}
			if v := int(b[0]); v < 62*4 {
				buf[i] = base62Alphabet[v%62]
				break
			}
		}
	}
	return string(buf), nil
}

func isBase62(code string) bool {
	if code == "" {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return true
}

// isUniqueConstraintError normalizes driver-specific duplicate errors.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "unique violation")
}
