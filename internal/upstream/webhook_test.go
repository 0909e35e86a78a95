package upstream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-github/v59/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func pushEventRequest(t *testing.T, owner, repo, ref string) *http.Request {
	t.Helper()

	event := github.PushEvent{
		Ref: github.String(ref),
		Repo: &github.PushEventRepository{
			Name:  github.String(repo),
			Owner: &github.User{Login: github.String(owner)},
		},
	}

	payload, err := json.Marshal(&event)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/listener/github", strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")

	return req
}

func TestWebhookTriggersOnTrackedBranchPush(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var triggered int

	provider := NewWebhookProvider("lovelaze", "listing-bot", "main",
		func() { triggered++ })

	resp := httptest.NewRecorder()
	provider.HTTPHandler(resp, pushEventRequest(t, "lovelaze", "listing-bot", "refs/heads/main"))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, triggered)
}

func TestWebhookIgnoresOtherBranches(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var triggered int

	provider := NewWebhookProvider("lovelaze", "listing-bot", "main",
		func() { triggered++ })

	resp := httptest.NewRecorder()
	provider.HTTPHandler(resp, pushEventRequest(t, "lovelaze", "listing-bot", "refs/heads/feature"))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 0, triggered)
}

func TestWebhookIgnoresOtherRepositories(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var triggered int

	provider := NewWebhookProvider("lovelaze", "listing-bot", "main",
		func() { triggered++ })

	resp := httptest.NewRecorder()
	provider.HTTPHandler(resp, pushEventRequest(t, "someone", "other-repo", "refs/heads/main"))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 0, triggered)
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var triggered int

	provider := NewWebhookProvider("lovelaze", "listing-bot", "main",
		func() { triggered++ },
		WithPayloadSecret("secret"))

	req := pushEventRequest(t, "lovelaze", "listing-bot", "refs/heads/main")
	req.Header.Set("X-Hub-Signature-256", "sha256=0000")

	resp := httptest.NewRecorder()
	provider.HTTPHandler(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, 0, triggered)
}
