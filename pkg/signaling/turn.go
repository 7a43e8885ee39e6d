package signaling

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/mentormesh/core/pkg/models"
)

// TURNConfig describes the relay fleet and the shared secret the TURN
// servers verify credentials against (coturn REST API convention).
type TURNConfig struct {
	Secret        string        `yaml:"secret"`
	CredentialTTL time.Duration `yaml:"credential_ttl"`
	STUNURLs      []string      `yaml:"stun_urls"`
	TURNURLs      []string      `yaml:"turn_urls"`
}

// DefaultTURNConfig returns the default TURN settings with public STUN
// only; relays require a deployment-provided secret.
func DefaultTURNConfig() TURNConfig {
	return TURNConfig{
		CredentialTTL: 12 * time.Hour,
		STUNURLs:      []string{"stun:stun.l.google.com:19302"},
	}
}

// IceServers returns the STUN and TURN entries for one user. TURN
// credentials are ephemeral: username is "expiry:userId" and the
// password is the base64 HMAC-SHA1 of the username under the shared
// secret, so the relay can verify them without any callback.
func IceServers(cfg TURNConfig, userID string, now time.Time) []models.IceServer {
	servers := make([]models.IceServer, 0, 2)
	if len(cfg.STUNURLs) > 0 {
		servers = append(servers, models.IceServer{URLs: cfg.STUNURLs})
	}
	if len(cfg.TURNURLs) > 0 && cfg.Secret != "" {
		username, credential := TURNCredential(cfg.Secret, userID, now.Add(cfg.CredentialTTL))
		servers = append(servers, models.IceServer{
			URLs:       cfg.TURNURLs,
			Username:   username,
			Credential: credential,
		})
	}
	return servers
}

// TURNCredential derives the ephemeral credential pair for userID
// valid until expiry.
func TURNCredential(secret, userID string, expiry time.Time) (username, credential string) {
	username = fmt.Sprintf("%d:%s", expiry.Unix(), userID)
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, credential
}
