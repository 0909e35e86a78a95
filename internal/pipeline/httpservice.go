package pipeline

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/deploy"
	"github.com/simplesurance/forksyncd/internal/logfields"
	"github.com/simplesurance/forksyncd/internal/state"
)

// HTTPService exposes the sync state, the deployment history and a
// manual run trigger.
type HTTPService struct {
	store     *state.Store
	records   *deploy.RecordLog
	scheduler *Scheduler
	deployer  *deploy.Deployer
	logger    *zap.Logger
}

func NewHTTPService(store *state.Store, records *deploy.RecordLog, scheduler *Scheduler, deployer *deploy.Deployer) *HTTPService {
	return &HTTPService{
		store:     store,
		records:   records,
		scheduler: scheduler,
		deployer:  deployer,
		logger:    zap.L().Named(loggerName).Named("http_service"),
	}
}

func (h *HTTPService) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/state", h.HandlerState)
	mux.HandleFunc("/api/v1/deployments", h.HandlerDeployments)
	mux.HandleFunc("/api/v1/sync", h.HandlerTrigger)
	mux.HandleFunc("/api/v1/rollback", h.HandlerRollback)
}

func (h *HTTPService) writeJSON(resp http.ResponseWriter, v any) {
	resp.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(resp).Encode(v); err != nil {
		h.logger.Warn(
			"writing http response failed",
			logfields.Event("http_response_write_failed"),
			zap.Error(err),
		)
	}
}

func (h *HTTPService) HandlerState(resp http.ResponseWriter, req *http.Request) {
	st := h.store.Get()
	h.writeJSON(resp, &st)
}

func (h *HTTPService) HandlerDeployments(resp http.ResponseWriter, req *http.Request) {
	h.writeJSON(resp, h.records.Records())
}

// HandlerTrigger requests a pipeline run.
// The run happens asynchronously, the response only acknowledges the
// trigger. "?force=1" re-runs build and deploy for an unchanged
// upstream and unblocks a blocked pipeline.
func (h *HTTPService) HandlerTrigger(resp http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(resp, "expecting POST request", http.StatusMethodNotAllowed)
		return
	}

	force := req.URL.Query().Get("force") == "1"

	h.logger.Info(
		"pipeline run triggered via http",
		logfields.Event("pipeline_triggered_via_http"),
		zap.Bool("force", force),
	)

	h.scheduler.Trigger(force)

	resp.WriteHeader(http.StatusAccepted)
	h.writeJSON(resp, map[string]string{"status": "triggered"})
}

// HandlerRollback promotes a previously deployed artifact again.
// It goes through the same promotion path as a regular deployment, the
// image for the tag must still exist.
// The rollback takes the run lease, it never runs concurrently to an
// in-flight pipeline promotion. While the lease is held the request is
// refused with 409.
func (h *HTTPService) HandlerRollback(resp http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(resp, "expecting POST request", http.StatusMethodNotAllowed)
		return
	}

	tag := req.URL.Query().Get("tag")
	if tag == "" {
		http.Error(resp, "tag parameter is missing", http.StatusBadRequest)
		return
	}

	if err := h.store.AcquireLease(); err != nil {
		http.Error(resp, "a pipeline run is in progress, retry later", http.StatusConflict)
		return
	}

	defer h.store.ReleaseLease()

	h.logger.Info(
		"rollback triggered via http",
		logfields.Event("rollback_triggered_via_http"),
		logfields.ImageTag(tag),
	)

	if err := h.deployer.Rollback(req.Context(), tag); err != nil {
		h.logger.Error(
			"rollback failed",
			logfields.Event("rollback_failed"),
			logfields.ImageTag(tag),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeJSON(resp, map[string]string{"status": "rolled back", "tag": tag})
}
