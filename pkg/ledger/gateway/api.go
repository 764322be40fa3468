// Package gateway exposes a ledger over HTTP.
//
// The REST surface follows the Integration Services layout existing audit
// trails were written against:
//
//	POST /api/v0.1/identities/create
//	GET  /api/v0.1/authentication/prove-ownership/{id}
//	POST /api/v0.1/authentication/prove-ownership/{id}
//	POST /api/v0.1/channels/create
//	POST /api/v0.1/channels/logs/{address}
//	GET  /api/v0.1/channels/history/{address}?preshared-key=&type=
//	GET  /api/v0.1/channels/info/{address}
//	GET  /healthz
//
// Errors are RFC 7807 problem documents.
package gateway

import (
	"fmt"

	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
)

// APIVersion is the REST API version this gateway serves.
const APIVersion = "0.1"

// BasePath returns the route prefix for an API version such as "0.1" or
// "v0.1".
func BasePath(version string) string {
	if version == "" {
		version = APIVersion
	}
	if version[0] != 'v' {
		version = "v" + version
	}
	return "/api/" + version
}

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// CreateIdentityRequest is the body of POST /identities/create.
type CreateIdentityRequest struct {
	Username string `json:"username"`
}

// NonceResponse is returned by GET /authentication/prove-ownership/{id}.
type NonceResponse struct {
	Nonce string `json:"nonce"`
}

// ProveOwnershipRequest carries the hex ed25519 signature of the nonce.
type ProveOwnershipRequest struct {
	SignedNonce string `json:"signedNonce"`
}

// TokenResponse carries the session JWT.
type TokenResponse struct {
	JWT string `json:"jwt"`
}

// CreateChannelRequest is the body of POST /channels/create.
type CreateChannelRequest struct {
	Topics []ledger.Topic    `json:"topics"`
	Type   ledger.Visibility `json:"type"`
}

// CreateChannelResponse is returned by POST /channels/create.
type CreateChannelResponse struct {
	ChannelAddress string `json:"channelAddress"`
	PresharedKey   string `json:"presharedKey,omitempty"`
}

// HistoryEntry is one element of GET /channels/history.
type HistoryEntry struct {
	Position uint64 `json:"position"`
	Log      any    `json:"log"`
}

// Health is returned by GET /healthz.
type Health struct {
	Status     string `json:"status"`
	APIVersion string `json:"apiVersion"`
}
