// Package redisstore holds short-lived mobile login OTP codes in Redis.
package redisstore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrOTPNotFound = errors.New("otp expired or not issued")

type OTPStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewOTPStore(rdb *redis.Client, ttl time.Duration) *OTPStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &OTPStore{rdb: rdb, ttl: ttl}
}

func key(phone string) string { return "otp:" + phone }

// GenerateCode returns a random 6-digit code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Issue stores a fresh code for the phone number, replacing any
// outstanding one, and returns it.
func (s *OTPStore) Issue(ctx context.Context, phone string) (string, error) {
	code, err := GenerateCode()
	if err != nil {
		return "", err
	}
	if err := s.rdb.Set(ctx, key(phone), code, s.ttl).Err(); err != nil {
		return "", err
	}
	return code, nil
}

// Verify checks the code and consumes it on success so a code cannot be
// replayed.
func (s *OTPStore) Verify(ctx context.Context, phone, code string) (bool, error) {
	stored, err := s.rdb.Get(ctx, key(phone)).Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrOTPNotFound
	}
	if err != nil {
		return false, err
	}
	if stored != code {
		return false, nil
	}
	if err := s.rdb.Del(ctx, key(phone)).Err(); err != nil {
		return false, err
	}
	return true, nil
}
