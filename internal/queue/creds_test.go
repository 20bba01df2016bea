package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACIssuer(t *testing.T) {
	issuer := NewHMACIssuer("s3cret")
	takenUntil := time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC)

	creds, err := issuer.Issue("t1", 2, "wg", "w1", takenUntil, []string{"custom:scope"})
	require.NoError(t, err)

	assert.Equal(t, "task-client/t1/2/on/wg/w1/until/1785589200", creds.ClientID)
	assert.NotEmpty(t, creds.AccessToken)
	assert.Equal(t, takenUntil.Add(credentialStartSlack), creds.Expiry)
	assert.True(t, creds.Start.Before(time.Now()))

	assert.Equal(t, []string{
		"queue:reclaim-task:t1/2",
		"queue:resolve-task:t1/2",
		"queue:create-artifact:t1/2",
		"custom:scope",
	}, creds.Scopes)
}

func TestHMACIssuer_NoSecret(t *testing.T) {
	issuer := NewHMACIssuer("")
	_, err := issuer.Issue("t1", 0, "wg", "w1", time.Now(), nil)
	require.Error(t, err)
}
