package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

const defaultTokenTTL = 24 * time.Hour

type Claims struct {
	UserID int64  `json:"userId"`
	Email  string `json:"email"`
	Exp    int64  `json:"exp"`
	Iat    int64  `json:"iat"`
}

// JWT issues and verifies HS256 tokens identifying the calling user.
type JWT struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret), ttl: defaultTokenTTL, now: time.Now}
}

func (j *JWT) Generate(userID int64, email string) (string, error) {
	header := map[string]string{
		"alg": "HS256",
		"typ": "JWT",
	}

	now := j.now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		Iat:    now.Unix(),
		Exp:    now.Add(j.ttl).Unix(),
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header: %w", err)
	}

	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}

	message := base64.RawURLEncoding.EncodeToString(headerJSON) + "." +
		base64.RawURLEncoding.EncodeToString(claimsJSON)

	return message + "." + j.sign(message), nil
}

func (j *JWT) Validate(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}

	message := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(parts[2]), []byte(j.sign(message))) {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode claims", ErrInvalidToken)
	}

	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal claims", ErrInvalidToken)
	}

	if claims.UserID <= 0 {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	if j.now().Unix() > claims.Exp {
		return nil, ErrTokenExpired
	}

	return &claims, nil
}

func (j *JWT) sign(message string) string {
	h := hmac.New(sha256.New, j.secret)
	h.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
