// Package verification builds the scannable verification payload printed on
// every prescription and checks it when the code is scanned.
package verification

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/skip2/go-qrcode"
)

const issuer = "mindhub-prescriptions"

var (
	// ErrInvalidToken is returned when a scanned token does not verify
	ErrInvalidToken = errors.New("invalid verification token")
	// ErrMissingSecret is returned when the signer is built without a key
	ErrMissingSecret = errors.New("verification secret is required")
)

// Claims carried by the verification token. No time-based claims are set so the
// same prescription always produces the same payload and therefore the same
// printed document.
type Claims struct {
	PrescriptionID string `json:"pid"`
	jwt.RegisteredClaims
}

// Signer issues and verifies payloads of the form
// <baseURL>/verify/<prescriptionNumber>?token=<jwt>
type Signer struct {
	baseURL string
	secret  []byte
}

// NewSigner creates a signer. baseURL is the public application URL.
func NewSigner(baseURL, secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Signer{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
	}, nil
}

// Payload returns the URL encoded into the verification code
func (s *Signer) Payload(prescriptionNumber, prescriptionID string) (string, error) {
	token, err := s.Token(prescriptionNumber, prescriptionID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/verify/%s?token=%s",
		s.baseURL, url.PathEscape(prescriptionNumber), url.QueryEscape(token)), nil
}

// Token signs the prescription identity
func (s *Signer) Token(prescriptionNumber, prescriptionID string) (string, error) {
	claims := Claims{
		PrescriptionID: prescriptionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  issuer,
			Subject: prescriptionNumber,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign verification token: %w", err)
	}
	return signed, nil
}

// Verify checks token against the scanned prescription number and returns the
// prescription ID it was issued for.
func (s *Signer) Verify(prescriptionNumber, token string) (string, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithSubject(prescriptionNumber),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.PrescriptionID == "" {
		return "", ErrInvalidToken
	}
	return claims.PrescriptionID, nil
}

// CodeEncoder turns a payload into a PNG image of a scannable code
type CodeEncoder interface {
	Encode(payload string) ([]byte, error)
}

// QREncoder encodes payloads as QR codes
type QREncoder struct {
	// Size is the PNG edge length in pixels
	Size  int
	Level qrcode.RecoveryLevel
}

// NewQREncoder returns an encoder with medium error correction
func NewQREncoder() *QREncoder {
	return &QREncoder{Size: 256, Level: qrcode.Medium}
}

// Encode implements CodeEncoder
func (e *QREncoder) Encode(payload string) ([]byte, error) {
	if payload == "" {
		return nil, errors.New("empty verification payload")
	}
	png, err := qrcode.Encode(payload, e.Level, e.Size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
