package offline

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
const defaultShareCodeLength = 8

// LookupShareTarget resolves a short code back to its viewport URL.
func (s *Store) LookupShareTarget(ctx context.Context, code string) (string, error) {
	next := s.placeholders()
	var target string
	err := s.DB.QueryRowContext(ctx, "SELECT target FROM share_links WHERE code = "+next(), code).Scan(&target)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup share code: %w", err)
	}
	return target, nil
}

// PersistShareLink stores a code for the target, reusing an existing
// mapping when the same viewport was shared before.
func (s *Store) PersistShareLink(ctx context.Context, target string, now time.Time) (string, error) {
	cleaned := strings.TrimSpace(target)
	if cleaned == "" {
		return "", errors.New("empty share target")
	}
	if len(cleaned) > 4096 {
		return "", errors.New("share target too long")
	}

	if existing, err := s.lookupShareCodeByTarget(ctx, cleaned); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	code, err := s.randomUnusedCode(ctx, defaultShareCodeLength)
	if err != nil {
		return "", err
	}
	next := s.placeholders()
	insert := fmt.Sprintf("INSERT INTO share_links (code, target, created_at) VALUES (%s, %s, %s)",
		next(), next(), next())
	if _, err := s.DB.ExecContext(ctx, insert, code, cleaned, now.Unix()); err != nil {
		return "", fmt.Errorf("persist share link: %w", err)
	}
	return code, nil
}

func (s *Store) lookupShareCodeByTarget(ctx context.Context, target string) (string, error) {
	next := s.placeholders()
	var code string
	err := s.DB.QueryRowContext(ctx, "SELECT code FROM share_links WHERE target = "+next(), target).Scan(&code)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup share target: %w", err)
	}
	return code, nil
}

// randomUnusedCode probes the table until a fresh base62 code appears.
// Collisions at length 8 are vanishingly rare, so a couple of attempts
// always suffice in practice.
func (s *Store) randomUnusedCode(ctx context.Context, length int) (string, error) {
	if length <= 0 {
		length = defaultShareCodeLength
	}
	for attempt := 0; attempt < 16; attempt++ {
		code, err := randomBase62(length)
		if err != nil {
			return "", err
		}
		if existing, err := s.LookupShareTarget(ctx, code); err != nil {
			return "", err
		} else if existing == "" {
			return code, nil
		}
	}
	return "", errors.New("could not find an unused share code")
}

func randomBase62(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random code: %w", err)
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = base62Alphabet[int(b)%len(base62Alphabet)]
	}
	return string(out), nil
}
