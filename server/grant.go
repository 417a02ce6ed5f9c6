package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// Grant types accepted by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// maxTokenRequestBody bounds token endpoint request bodies.
const maxTokenRequestBody = 64 * 1024

// GrantRequest is the tagged union over the grants the token endpoint
// accepts. GrantType selects which field set is populated.
type GrantRequest struct {
	GrantType string

	// authorization_code grant
	Code         string
	CodeVerifier string
	RedirectURI  string

	// refresh_token grant
	RefreshToken string

	// Client authentication, from the body or HTTP basic auth.
	ClientID     string
	ClientSecret string
}

// tokenRequestBody mirrors the JSON body shape of a token request.
type tokenRequestBody struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// ParseGrantRequest parses a token endpoint request body, accepting
// application/x-www-form-urlencoded or JSON, and applies grant-specific
// required-field validation. Validation failures are terminal structured
// OAuth errors; nothing is silently defaulted.
func ParseGrantRequest(r *http.Request) (*GrantRequest, error) {
	req, err := decodeTokenRequest(r)
	if err != nil {
		return nil, err
	}

	// HTTP basic auth wins over body credentials when present.
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		if req.Code == "" || req.CodeVerifier == "" {
			return nil, ErrMissingCodeOrVerifier("authorization_code grant requires code and code_verifier")
		}
	case GrantTypeRefreshToken:
		if req.RefreshToken == "" {
			return nil, ErrMissingRefreshToken("refresh_token grant requires a refresh_token")
		}
	default:
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("unsupported grant_type %q", req.GrantType))
	}

	return req, nil
}

func decodeTokenRequest(r *http.Request) (*GrantRequest, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType := contentType
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = mt
		}
	}

	if strings.Contains(mediaType, "json") {
		var body tokenRequestBody
		dec := json.NewDecoder(io.LimitReader(r.Body, maxTokenRequestBody))
		if err := dec.Decode(&body); err != nil {
			return nil, ErrInvalidRequest(fmt.Sprintf("malformed JSON body: %v", err))
		}
		return &GrantRequest{
			GrantType:    body.GrantType,
			Code:         body.Code,
			CodeVerifier: body.CodeVerifier,
			RedirectURI:  body.RedirectURI,
			RefreshToken: body.RefreshToken,
			ClientID:     body.ClientID,
			ClientSecret: body.ClientSecret,
		}, nil
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxTokenRequestBody)
	if err := r.ParseForm(); err != nil {
		return nil, ErrInvalidRequest(fmt.Sprintf("malformed form body: %v", err))
	}
	return &GrantRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		RefreshToken: r.PostFormValue("refresh_token"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
	}, nil
}
