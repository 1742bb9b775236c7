package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	// HMAC-SHA256 output size in bytes.
	hmacSHA256SigLen = 32
	// base64url-no-pad encoding of a 32-byte HMAC is 43 chars.
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
)

// JWTVerifier verifies HS256 tokens minted by the main site for call access.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Claims carries the subset of JWT claims the relay cares about. Sub
// identifies the authenticated user and is used only for logging.
type Claims struct {
	Sub string
	Exp int64
	Iat int64
}

func (v JWTVerifier) Verify(token string) error {
	_, err := v.VerifyAndExtractClaims(token)
	return err
}

func (v JWTVerifier) VerifyAndExtractClaims(token string) (Claims, error) {
	headerB64, payloadB64, sigB64, ok := splitJWTParts(token)
	if !ok {
		return Claims{}, ErrInvalidCredentials
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return Claims{}, ErrInvalidCredentials
	}

	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	alg, ok := header["alg"].(string)
	if !ok {
		return Claims{}, ErrInvalidCredentials
	}
	if alg != "HS256" {
		return Claims{}, ErrUnsupportedJWT
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	if len(gotSig) != hmacSHA256SigLen {
		return Claims{}, ErrInvalidCredentials
	}

	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return Claims{}, ErrInvalidCredentials
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Claims{}, ErrInvalidCredentials
	}

	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	// The payload must be exactly one JSON object; json.Decoder would otherwise
	// accept trailing bytes.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Claims{}, ErrInvalidCredentials
	}

	now := v.now().Unix()

	expRaw, ok := claims["exp"]
	if !ok {
		return Claims{}, ErrInvalidCredentials
	}
	exp, err := parseUnixTimestamp(expRaw)
	if err != nil || now >= exp {
		return Claims{}, ErrInvalidCredentials
	}

	iatRaw, ok := claims["iat"]
	if !ok {
		return Claims{}, ErrInvalidCredentials
	}
	iat, err := parseUnixTimestamp(iatRaw)
	if err != nil {
		return Claims{}, ErrInvalidCredentials
	}

	if nbfRaw, ok := claims["nbf"]; ok {
		nbf, err := parseUnixTimestamp(nbfRaw)
		if err != nil || now < nbf {
			return Claims{}, ErrInvalidCredentials
		}
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, ErrInvalidCredentials
	}

	return Claims{Sub: sub, Exp: exp, Iat: iat}, nil
}

func splitJWTParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found || strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if headerB64 == "" || payloadB64 == "" || sigB64 == "" {
		return "", "", "", false
	}
	if len(headerB64) > maxJWTHeaderB64Len || len(payloadB64) > maxJWTPayloadB64Len || len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}

func parseUnixTimestamp(raw any) (int64, error) {
	n, ok := raw.(json.Number)
	if !ok {
		return 0, ErrInvalidCredentials
	}
	v, err := n.Int64()
	if err != nil {
		return 0, ErrInvalidCredentials
	}
	return v, nil
}
