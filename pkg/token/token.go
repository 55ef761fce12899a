package token

import (
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"SalesAgent/pkg/errors"
)

// CronIssuer 平台定时器签发的 token 必须带上该 iss
const CronIssuer = "cron"

// SignCronToken 用共享密钥签发一个短期 HS256 token，供外部定时平台或运维脚本调用投递接口
func SignCronToken(secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.ErrMissingSecret
	}

	now := time.Now()
	claims := jwtv5.RegisteredClaims{
		Issuer:    CronIssuer,
		IssuedAt:  jwtv5.NewNumericDate(now),
		ExpiresAt: jwtv5.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign cron token: %w", err)
	}
	return signed, nil
}

// VerifyCronToken 校验平台签名头
func VerifyCronToken(tokenString, secret string) error {
	if secret == "" {
		return errors.ErrMissingSecret
	}
	if tokenString == "" {
		return errors.ErrInvalidSignature
	}

	claims := &jwtv5.RegisteredClaims{}
	tok, err := jwtv5.ParseWithClaims(tokenString, claims, func(t *jwtv5.Token) (interface{}, error) {
		if t.Method != jwtv5.SigningMethodHS256 {
			return nil, fmt.Errorf("%w: unexpected signing method %v", errors.ErrInvalidSignature, t.Header["alg"])
		}
		return []byte(secret), nil
	},
		jwtv5.WithIssuer(CronIssuer),
		jwtv5.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidSignature, err)
	}

	if !tok.Valid {
		return errors.ErrInvalidToken
	}

	return nil
}
