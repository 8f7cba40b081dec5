package oauth

import "errors"

var (
	ErrInvalidClient        = errors.New("invalid or inactive client")
	ErrInvalidClientSecret  = errors.New("invalid client secret")
	ErrInvalidRedirectURI   = errors.New("redirect_uri not registered for client")
	ErrInvalidOrExpiredCode = errors.New("invalid or expired authorization code")
	ErrInvalidCodeVerifier  = errors.New("code_verifier does not match challenge")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")
	ErrInvalidToken         = errors.New("invalid token")
	ErrTokenExpired         = errors.New("token expired")
)
