// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrRoomMismatch is returned when a token was issued for another lobby.
var ErrRoomMismatch = errors.New("token issued for another room")

// Claims identify one player in one lobby.
type Claims struct {
	PlayerID string
	Room     string
}

// Sessions signs and verifies EdDSA session tokens.
type Sessions struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	// expire is the token lifetime. Zero means tokens carry no exp claim.
	expire time.Duration
	now    func() time.Time
}

// ParseExpire reads a lifetime such as "72h". "never", "0" and "" mean no expiry.
func ParseExpire(s string) (time.Duration, error) {
	if s == "never" || s == "0" || s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token expire time: %w", err)
	}
	return d, nil
}

// NewSessions generates a fresh ed25519 key pair at runtime.
func NewSessions(expire time.Duration) (*Sessions, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Sessions{privateKey: privateKey, publicKey: publicKey, expire: expire, now: time.Now}, nil
}

// NewSessionsFromPath reads ed25519 private/public keys from file.
func NewSessionsFromPath(privatePath, publicPath string, expire time.Duration) (*Sessions, error) {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(privateKeyData) != ed25519.PrivateKeySize || len(publicKeyData) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 key size")
	}
	return &Sessions{
		privateKey: ed25519.PrivateKey(privateKeyData),
		publicKey:  ed25519.PublicKey(publicKeyData),
		expire:     expire,
		now:        time.Now,
	}, nil
}

// CreateJWT creates a signed JWT token with "sub" = playerID and "room" = the lobby code.
func (s *Sessions) CreateJWT(playerID, room string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":  playerID,
		"room": room,
		"iat":  now.Unix(),
	}
	if s.expire > 0 {
		claims["exp"] = now.Add(s.expire).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(s.privateKey)
}

// Authenticate verifies a JWT string and returns its claims.
func (s *Sessions) Authenticate(tokenString string) (Claims, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.publicKey, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Claims{}, fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return Claims{}, fmt.Errorf("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("invalid jwt claims")
	}
	playerID, ok := claims["sub"].(string)
	if !ok || playerID == "" {
		return Claims{}, fmt.Errorf("missing sub in jwt")
	}
	room, _ := claims["room"].(string)
	return Claims{PlayerID: playerID, Room: room}, nil
}

// AuthenticateFor verifies the token and checks that it names playerID in room.
func (s *Sessions) AuthenticateFor(tokenString, playerID, room string) error {
	c, err := s.Authenticate(tokenString)
	if err != nil {
		return err
	}
	if c.Room != room {
		return ErrRoomMismatch
	}
	if c.PlayerID != playerID {
		return fmt.Errorf("token subject %s does not match player %s", c.PlayerID, playerID)
	}
	return nil
}
