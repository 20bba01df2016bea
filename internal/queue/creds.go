package queue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// credentialStartSlack backdates credential validity to absorb clock
// skew between the queue and workers.
const credentialStartSlack = 15 * time.Minute

// Credentials is a short-lived token scoped to a single claimed run.
type Credentials struct {
	ClientID    string    `json:"clientId"`
	AccessToken string    `json:"accessToken"`
	Start       time.Time `json:"start"`
	Expiry      time.Time `json:"expiry"`
	Scopes      []string  `json:"scopes"`
}

// CredentialIssuer mints per-claim credentials. Claim and reclaim both
// call it; reclaiming replaces the previous token.
type CredentialIssuer interface {
	Issue(taskID string, runID int, workerGroup, workerID string, takenUntil time.Time, taskScopes []string) (Credentials, error)
}

type hmacIssuer struct {
	secret []byte
}

// NewHMACIssuer returns an issuer that signs tokens with an HMAC over
// the clientId and validity window. Verification needs only the shared
// secret, no storage.
func NewHMACIssuer(secret string) CredentialIssuer {
	return &hmacIssuer{secret: []byte(secret)}
}

func (i *hmacIssuer) Issue(taskID string, runID int, workerGroup, workerID string, takenUntil time.Time, taskScopes []string) (Credentials, error) {
	if len(i.secret) == 0 {
		return Credentials{}, fmt.Errorf("credential issuer has no signing secret")
	}

	clientID := strings.Join([]string{
		"task-client",
		taskID,
		strconv.Itoa(runID),
		"on",
		workerGroup,
		workerID,
		"until",
		strconv.FormatInt(takenUntil.Unix(), 10),
	}, "/")

	start := time.Now().Add(-credentialStartSlack)
	expiry := takenUntil.Add(credentialStartSlack)

	mac := hmac.New(sha256.New, i.secret)
	fmt.Fprintf(mac, "%s|%d|%d", clientID, start.Unix(), expiry.Unix())
	token := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	runRef := taskID + "/" + strconv.Itoa(runID)
	scopes := append([]string{
		"queue:reclaim-task:" + runRef,
		"queue:resolve-task:" + runRef,
		"queue:create-artifact:" + runRef,
	}, taskScopes...)

	return Credentials{
		ClientID:    clientID,
		AccessToken: token,
		Start:       start,
		Expiry:      expiry,
		Scopes:      scopes,
	}, nil
}
