package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
)

const (
	defaultTelegramMaxAge = 24 * time.Hour
	telegramHashField     = "hash"
)

var (
	ErrMissingBotToken    = errors.New("telegram verifier: bot token required")
	ErrMissingAuthHash    = errors.New("telegram verifier: hash required")
	ErrInvalidAuthData    = errors.New("telegram verifier: invalid auth data")
	ErrInvalidSignature   = errors.New("telegram verifier: signature mismatch")
	ErrExpiredAuthPayload = errors.New("telegram verifier: auth data expired")
)

// TelegramVerifierConfig configures verification of login widget payloads.
type TelegramVerifierConfig struct {
	BotToken string
	MaxAge   time.Duration
	Clock    func() time.Time
}

// TelegramIdentity is the trusted identity extracted from a verified widget payload.
type TelegramIdentity struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	PhotoURL  string
	AuthDate  time.Time
}

// TelegramVerifier validates the HMAC-SHA256 signature of Telegram login widget payloads.
// Each verifier owns its secret; nothing is registered process-wide.
type TelegramVerifier struct {
	secretKey []byte
	maxAge    time.Duration
	clock     func() time.Time
}

// NewTelegramVerifier derives the widget secret key from the bot token.
func NewTelegramVerifier(cfg TelegramVerifierConfig) (*TelegramVerifier, error) {
	botToken := strings.TrimSpace(cfg.BotToken)
	if botToken == "" {
		return nil, ErrMissingBotToken
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultTelegramMaxAge
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	secret := sha256.Sum256([]byte(botToken))
	return &TelegramVerifier{
		secretKey: secret[:],
		maxAge:    maxAge,
		clock:     clock,
	}, nil
}

// Verify checks the payload signature and freshness and returns the identity it carries.
func (v *TelegramVerifier) Verify(fields map[string]any) (TelegramIdentity, error) {
	rawHash, ok := fields[telegramHashField]
	if !ok || rawHash == nil {
		return TelegramIdentity{}, ErrMissingAuthHash
	}
	providedHash, err := cast.ToStringE(rawHash)
	if err != nil || strings.TrimSpace(providedHash) == "" {
		return TelegramIdentity{}, ErrMissingAuthHash
	}
	provided, err := hex.DecodeString(strings.TrimSpace(providedHash))
	if err != nil {
		return TelegramIdentity{}, fmt.Errorf("%w: hash is not hex", ErrInvalidSignature)
	}

	checkString, err := dataCheckString(fields)
	if err != nil {
		return TelegramIdentity{}, err
	}
	mac := hmac.New(sha256.New, v.secretKey)
	mac.Write([]byte(checkString))
	if !hmac.Equal(mac.Sum(nil), provided) {
		return TelegramIdentity{}, ErrInvalidSignature
	}

	identity, err := identityFromFields(fields)
	if err != nil {
		return TelegramIdentity{}, err
	}
	if v.clock().Sub(identity.AuthDate) >= v.maxAge {
		return TelegramIdentity{}, ErrExpiredAuthPayload
	}
	return identity, nil
}

// dataCheckString joins every non-hash field as sorted key=value lines.
func dataCheckString(fields map[string]any) (string, error) {
	keys := make([]string, 0, len(fields))
	for key, value := range fields {
		if key == telegramHashField || value == nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		value, err := cast.ToStringE(fields[key])
		if err != nil {
			return "", fmt.Errorf("%w: field %s", ErrInvalidAuthData, key)
		}
		lines = append(lines, key+"="+value)
	}
	return strings.Join(lines, "\n"), nil
}

func identityFromFields(fields map[string]any) (TelegramIdentity, error) {
	id, err := cast.ToInt64E(fields["id"])
	if err != nil || id <= 0 {
		return TelegramIdentity{}, fmt.Errorf("%w: id", ErrInvalidAuthData)
	}
	authDate, err := cast.ToInt64E(fields["auth_date"])
	if err != nil || authDate <= 0 {
		return TelegramIdentity{}, fmt.Errorf("%w: auth_date", ErrInvalidAuthData)
	}
	return TelegramIdentity{
		ID:        id,
		FirstName: cast.ToString(fields["first_name"]),
		LastName:  cast.ToString(fields["last_name"]),
		Username:  cast.ToString(fields["username"]),
		PhotoURL:  cast.ToString(fields["photo_url"]),
		AuthDate:  time.Unix(authDate, 0).UTC(),
	}, nil
}
