package upstream

import (
	"net/http"
	"strings"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/logfields"
)

const webhookLoggerName = "upstream-webhook"

// WebhookProvider listens for github webhook http-requests, validates them
// and triggers a pipeline run when the tracked upstream branch was pushed to.
type WebhookProvider struct {
	logger        *zap.Logger
	webhookSecret []byte

	owner      string
	repository string
	branch     string

	trigger func()
}

type webhookOption func(*WebhookProvider)

func WithPayloadSecret(secret string) webhookOption {
	return func(p *WebhookProvider) {
		p.webhookSecret = []byte(secret)
	}
}

// NewWebhookProvider returns a provider that calls trigger for every push
// event on the given upstream branch.
func NewWebhookProvider(owner, repository, branch string, trigger func(), opts ...webhookOption) *WebhookProvider {
	p := WebhookProvider{
		owner:      owner,
		repository: repository,
		branch:     branch,
		trigger:    trigger,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(webhookLoggerName)
	}

	return &p
}

func (p *WebhookProvider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	logger := p.logger.With(
		zap.String("github.delivery_id", github.DeliveryID(req)),
		zap.String("github.webhook_type", github.WebHookType(req)),
	)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	event, err := github.ParseWebHook(github.WebHookType(req), payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	resp.WriteHeader(http.StatusOK)

	ev, ok := event.(*github.PushEvent)
	if !ok {
		logger.Debug(
			"ignoring event, event type is unsupported",
			logfields.Event("github_unsupported_event_received"),
		)
		return
	}

	owner := ev.GetRepo().GetOwner().GetLogin()
	if owner == "" {
		owner = ev.GetRepo().GetOwner().GetName()
	}
	repo := ev.GetRepo().GetName()
	branch := strings.TrimPrefix(ev.GetRef(), "refs/heads/")

	if owner != p.owner || repo != p.repository || branch != p.branch {
		logger.Debug(
			"ignoring push event for untracked repository or branch",
			logfields.Event("github_event_ignored"),
			logfields.Repository(owner+"/"+repo),
			logfields.Branch(branch),
		)
		return
	}

	logger.Info(
		"upstream push received, triggering pipeline run",
		logfields.Event("upstream_push_received"),
		logfields.Commit(ev.GetAfter()),
	)

	p.trigger()
}
