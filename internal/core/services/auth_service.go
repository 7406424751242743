package services

import (
	"errors"
	"time"

	"callcore/internal/core/domain"
	"callcore/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

type TokenRole string

const (
	// RoleParticipant may join exactly the room named in its token.
	RoleParticipant TokenRole = "participant"
	// RoleService is held by the scheduling side; it may mint participant
	// tokens and end rooms.
	RoleService TokenRole = "service"
)

// TokenService issues and checks the room tokens the relay requires.
type TokenService interface {
	IssueRoomToken(roomID domain.RoomID, peerID domain.PeerID, displayName string) (string, time.Time, error)
	IssueServiceToken(subject string) (string, time.Time, error)
	ValidateToken(tokenString string) (*RoomClaims, error)
}

type RoomClaims struct {
	RoomID      domain.RoomID `json:"room_id,omitempty"`
	PeerID      domain.PeerID `json:"peer_id,omitempty"`
	DisplayName string        `json:"display_name,omitempty"`
	Role        TokenRole     `json:"role"`
	jwt.RegisteredClaims
}

// CanJoin reports whether the claims admit peerID into roomID.
func (c *RoomClaims) CanJoin(roomID domain.RoomID, peerID domain.PeerID) bool {
	return c.Role == RoleParticipant && c.RoomID == roomID && c.PeerID == peerID
}

type tokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret string, ttl time.Duration) TokenService {
	return &tokenService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *tokenService) IssueRoomToken(roomID domain.RoomID, peerID domain.PeerID, displayName string) (string, time.Time, error) {
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return "", time.Time{}, err
	}
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		return "", time.Time{}, err
	}
	if err := validation.ValidateDisplayName(displayName); err != nil {
		return "", time.Time{}, err
	}
	return s.sign(&RoomClaims{
		RoomID:      roomID,
		PeerID:      peerID,
		DisplayName: displayName,
		Role:        RoleParticipant,
	}, string(peerID))
}

func (s *tokenService) IssueServiceToken(subject string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	return s.sign(&RoomClaims{Role: RoleService}, subject)
}

func (s *tokenService) sign(claims *RoomClaims, subject string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func (s *tokenService) ValidateToken(tokenString string) (*RoomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RoomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*RoomClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	switch claims.Role {
	case RoleParticipant:
		if claims.RoomID == "" || claims.PeerID == "" {
			return nil, ErrInvalidToken
		}
	case RoleService:
	default:
		return nil, ErrInvalidToken
	}
	return claims, nil
}
