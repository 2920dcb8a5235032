package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentplane/internal/registry/database"
	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

const (
	// SchemaVersionHeader marks buffered responses produced through the proxy.
	SchemaVersionHeader = "Agentplane-Schema-Version"
	SchemaVersion       = "1"

	RunIDHeader     = "Run-ID"
	SessionIDHeader = "Session-ID"

	// PlatformURLPlaceholder is replaced in request bodies with the address
	// the target provider can reach the platform on.
	PlatformURLPlaceholder = "{platform_url}"

	maxBufferedResponse = 32 << 20
)

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is one protocol call to forward to a provider.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	// Route labels metrics, e.g. "POST /runs".
	Route string
	// CreatedBy is recorded on a new run request.
	CreatedBy string
	// NewRun records a run request that is bound to the run and session ids
	// the provider assigns in its response.
	NewRun bool
	// RewriteBody transforms buffered response bodies before they are returned.
	RewriteBody func(body []byte) []byte
}

// Result summarizes a forwarded exchange.
type Result struct {
	Status    int
	Streamed  bool
	RunID     string
	SessionID string
}

// PlatformURL is the callback address for provider: the loopback address for
// providers that registered from the host network, the service address otherwise.
func (s *Service) PlatformURL(provider *models.Provider) string {
	if provider.SelfRegistered {
		return s.opts.LoopbackURL
	}
	return s.opts.ServiceURL
}

// Serve activates the target provider and forwards req to it, writing the
// response to w. A returned error means nothing was written to w.
func (s *Service) Serve(ctx context.Context, w http.ResponseWriter, target *Target, req *Request) (*Result, error) {
	provider := target.Provider
	baseURL, err := s.Activate(ctx, provider)
	if err != nil {
		return nil, err
	}
	ctx = logging.SetProviderID(ctx, provider.ID)
	log := logging.L(ctx, s.log)

	defer s.track(provider.ID)()

	record := target.RunRequest
	if req.NewRun && target.Agent != nil {
		record = &models.AgentRunRequest{
			ID:         uuid.NewString(),
			AgentID:    target.Agent.ID,
			ProviderID: provider.ID,
			CreatedBy:  req.CreatedBy,
		}
		if err := s.db.CreateRunRequest(ctx, nil, record); err != nil {
			return nil, fmt.Errorf("failed to record run request: %w", err)
		}
		defer s.finish(ctx, record.ID)
	}

	upstream, err := s.newUpstreamRequest(ctx, baseURL, provider, req)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(upstream)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ActivationError{ProviderID: provider.ID, Stage: StageForward, Err: err}
	}
	release := sync.OnceFunc(func() { _ = resp.Body.Close() })
	defer release()

	s.touch(ctx, provider.ID)
	s.metrics.RecordProxyRequest(ctx, req.Route, resp.StatusCode)
	result := &Result{Status: resp.StatusCode}

	if isEventStream(resp.Header.Get("Content-Type")) {
		result.Streamed = true
		result.RunID = resp.Header.Get(RunIDHeader)
		result.SessionID = resp.Header.Get(SessionIDHeader)
		s.bind(ctx, record, result)

		closeStream := s.metrics.StreamOpened(ctx)
		defer closeStream()
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		s.stream(ctx, w, resp.Body)
		release()
		s.touch(ctx, provider.ID)
		return result, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedResponse+1))
	if err != nil {
		release()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ActivationError{ProviderID: provider.ID, Stage: StageForward, Err: err}
	}
	if len(body) > maxBufferedResponse {
		s.relayOversized(ctx, w, resp, body, record, result)
		release()
		return result, nil
	}
	release()
	result.RunID, result.SessionID = correlationIDs(resp.Header, body)
	s.bind(ctx, record, result)

	if req.RewriteBody != nil {
		body = req.RewriteBody(body)
	}
	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(SchemaVersionHeader, SchemaVersion)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		log.Debug("client went away before the response was written", zap.Error(err))
	}
	return result, nil
}

// relayOversized passes a response too large to buffer through unchanged.
// Correlation ids come from the headers only and the body is not rewritten.
func (s *Service) relayOversized(ctx context.Context, w http.ResponseWriter, resp *http.Response, head []byte, record *models.AgentRunRequest, result *Result) {
	log := logging.L(ctx, s.log)
	log.Info("relaying oversized response unbuffered", zap.Int("status", resp.StatusCode))
	result.RunID = resp.Header.Get(RunIDHeader)
	result.SessionID = resp.Header.Get(SessionIDHeader)
	s.bind(ctx, record, result)

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(SchemaVersionHeader, SchemaVersion)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(head); err != nil {
		log.Debug("client went away before the response was written", zap.Error(err))
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Warn("oversized response ended early", zap.Error(err))
	}
}

func (s *Service) newUpstreamRequest(ctx context.Context, baseURL string, provider *models.Provider, req *Request) (*http.Request, error) {
	target := strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(req.Path, "/")
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}
	body := req.Body
	if bytes.Contains(body, []byte(PlatformURLPlaceholder)) {
		body = bytes.ReplaceAll(body, []byte(PlatformURLPlaceholder), []byte(s.PlatformURL(provider)))
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	copyHeaders(out.Header, req.Header)
	out.Header.Del("Host")
	out.Header.Del("Content-Length")
	out.Header.Del("Accept-Encoding")
	if id := logging.GetRequestID(ctx); id != "" {
		out.Header.Set("X-Request-ID", id)
	}
	return out, nil
}

// stream relays an event stream, flushing after every chunk, until the
// upstream ends or either side goes away.
func (s *Service) stream(ctx context.Context, w http.ResponseWriter, body io.Reader) {
	rc := http.NewResponseController(w)
	_ = rc.Flush()
	buf := make([]byte, 32<<10)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				logging.L(ctx, s.log).Debug("client disconnected from stream", zap.Error(err))
				return
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return
			}
		}
		if readErr != nil {
			if readErr != io.EOF && ctx.Err() == nil {
				logging.L(ctx, s.log).Warn("upstream stream ended with error", zap.Error(readErr))
			}
			return
		}
	}
}

// bind records the ids a response revealed before any of it reaches the client.
func (s *Service) bind(ctx context.Context, record *models.AgentRunRequest, result *Result) {
	if record == nil {
		return
	}
	update := &database.RunRequestUpdate{}
	if result.RunID != "" && (record.ACPRunID == nil || *record.ACPRunID != result.RunID) {
		update.ACPRunID = &result.RunID
	}
	if result.SessionID != "" && (record.ACPSessionID == nil || *record.ACPSessionID != result.SessionID) {
		update.ACPSessionID = &result.SessionID
	}
	if update.ACPRunID == nil && update.ACPSessionID == nil {
		return
	}
	if err := s.db.UpdateRunRequest(context.WithoutCancel(ctx), nil, record.ID, update); err != nil {
		logging.L(ctx, s.log).Warn("failed to bind run request", zap.String("run_request_id", record.ID), zap.Error(err))
	}
}

func (s *Service) finish(ctx context.Context, recordID string) {
	finished := s.now()
	err := s.db.UpdateRunRequest(context.WithoutCancel(ctx), nil, recordID, &database.RunRequestUpdate{FinishedAt: &finished})
	if err != nil {
		logging.L(ctx, s.log).Warn("failed to mark run request finished", zap.String("run_request_id", recordID), zap.Error(err))
	}
}

func (s *Service) touch(ctx context.Context, providerID string) {
	if err := s.db.TouchProvider(context.WithoutCancel(ctx), nil, providerID, s.now()); err != nil {
		logging.L(ctx, s.log).Warn("failed to update provider activity", zap.Error(err))
	}
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}

// correlationIDs prefers the response headers and falls back to the run
// object in a JSON body.
func correlationIDs(header http.Header, body []byte) (string, string) {
	runID, sessionID := header.Get(RunIDHeader), header.Get(SessionIDHeader)
	if runID != "" && sessionID != "" {
		return runID, sessionID
	}
	mediaType, _, _ := mime.ParseMediaType(header.Get("Content-Type"))
	if mediaType != "application/json" {
		return runID, sessionID
	}
	var run struct {
		RunID     string `json:"run_id"`
		SessionID string `json:"session_id"`
	}
	if json.Unmarshal(body, &run) == nil {
		if runID == "" {
			runID = run.RunID
		}
		if sessionID == "" {
			sessionID = run.SessionID
		}
	}
	return runID, sessionID
}

func copyHeaders(dst, src http.Header) {
	for k, values := range src {
		dst[k] = append([]string(nil), values...)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	if c := src.Get("Connection"); c != "" {
		for _, f := range strings.Split(c, ",") {
			dst.Del(strings.TrimSpace(f))
		}
	}
}
