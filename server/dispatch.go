// dispatch.go - alias resolution, buffered retry, and streaming passthrough
//
// This is the request router every OpenAI-shaped endpoint funnels through:
// parse the model field, resolve+ensure-loaded via the supervisor, then
// forward the request body verbatim to the runner's identical path.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flexllama/flexllama/config"
	"github.com/flexllama/flexllama/runner"
	"github.com/flexllama/flexllama/supervisor"
)

type genericRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	s.dispatch(c, "/v1/chat/completions", "")
}

func (s *Server) handleCompletions(c *gin.Context) {
	s.dispatch(c, "/v1/completions", "")
}

func (s *Server) handleEmbeddings(c *gin.Context) {
	s.dispatch(c, "/v1/embeddings", config.KindEmbedding)
}

func (s *Server) handleRerank(c *gin.Context) {
	s.dispatch(c, "/v1/rerank", config.KindReranking)
}

// dispatch implements the shared path for every OpenAI-shaped endpoint:
// read the body once, resolve the alias, ensure it is loaded, then forward
// either buffered-with-retry or streaming-once depending on the body's
// "stream" field.
func (s *Server) dispatch(c *gin.Context, path string, requiredKind config.ModelKind) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("failed to read request body"))
		return
	}

	var req genericRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" {
		c.JSON(http.StatusBadRequest, errorBody("request body must include a \"model\" field"))
		return
	}

	spec, ok := s.sup.Catalog().Lookup(req.Model)
	if !ok {
		c.JSON(http.StatusNotFound, errorBody(fmt.Sprintf("unknown model %q", req.Model)))
		return
	}
	if requiredKind != "" && spec.Kind != requiredKind {
		c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("model %q is not a %s model", req.Model, requiredKind)))
		return
	}

	timeout := s.cfg.RequestTimeout
	if req.Stream {
		timeout = s.cfg.StreamingTimeout
	}
	ctx := c.Request.Context()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r, err := s.sup.ResolveAndPrepare(ctx, req.Model)
	if err != nil {
		s.writeResolveError(c, err)
		return
	}

	if req.Stream {
		s.dispatchStreaming(c, ctx, r, req.Model, path, body)
		return
	}
	s.dispatchBuffered(c, ctx, r, req.Model, path, body)
}

// dispatchBuffered brackets the whole retry sequence inside a single
// Forward call: in_flight_count stays elevated for the logical request, not
// per upstream attempt.
func (s *Server) dispatchBuffered(c *gin.Context, ctx context.Context, r *runner.Runner, alias, path string, body []byte) {
	var status int
	var respHeader http.Header
	var respBody []byte

	err := r.Forward(alias, func(baseURL string) error {
		return s.retry.do(ctx, func(ctx context.Context) (bool, error) {
			st, hdr, b, loading, aerr := s.doUpstream(ctx, baseURL+path, body, r.LoadingMarker())
			if aerr != nil {
				return false, aerr
			}
			if loading {
				return true, ErrModelLoading
			}
			status, respHeader, respBody = st, hdr, b
			return false, nil
		})
	})
	if err != nil {
		s.writeForwardError(c, err)
		return
	}

	copyHeader(c.Writer.Header(), respHeader)
	c.Data(status, respHeader.Get("Content-Type"), respBody)
}

func (s *Server) doUpstream(ctx context.Context, url string, body []byte, marker string) (status int, header http.Header, respBody []byte, loading bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.upstream.Do(req)
	if err != nil {
		return 0, nil, nil, false, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, false, err
	}

	if resp.StatusCode == http.StatusServiceUnavailable && isModelLoading(b, marker) {
		return resp.StatusCode, resp.Header, b, true, nil
	}
	return resp.StatusCode, resp.Header, b, false, nil
}

// dispatchStreaming forwards exactly once: a streaming request is never
// retried once any byte may have reached the client.
func (s *Server) dispatchStreaming(c *gin.Context, ctx context.Context, r *runner.Runner, alias, path string, body []byte) {
	err := r.Forward(alias, func(baseURL string) error {
		return s.proxyStreaming(c, ctx, baseURL+path, body)
	})
	if err != nil {
		s.writeForwardError(c, err)
	}
}

func (s *Server) proxyStreaming(c *gin.Context, ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.upstream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	copyHeader(c.Writer.Header(), resp.Header)
	c.Writer.WriteHeader(resp.StatusCode)

	flusher, canFlush := c.Writer.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return werr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func errorBody(msg string) gin.H {
	return gin.H{"error": gin.H{"message": msg}}
}

// writeResolveError translates a ResolveAndPrepare/EnsureLoaded failure into
// the matching HTTP status: unknown alias is 404, load timeout is 504, any
// other load failure is 503.
func (s *Server) writeResolveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, supervisor.ErrUnknownModel):
		c.JSON(http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, runner.ErrCancelled), errors.Is(err, context.Canceled):
		// client went away; no response produced.
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, errorBody("timed out waiting for model to load"))
	case errors.Is(err, runner.ErrLoad):
		c.JSON(http.StatusServiceUnavailable, errorBody(err.Error()))
	default:
		c.JSON(http.StatusServiceUnavailable, errorBody(err.Error()))
	}
}

// writeForwardError translates a Forward/upstream failure.
func (s *Server) writeForwardError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		// client disconnect; nothing to write.
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, errorBody("request timed out"))
	case errors.Is(err, runner.ErrUpstream):
		c.JSON(http.StatusBadGateway, errorBody(err.Error()))
	default:
		c.JSON(http.StatusBadGateway, errorBody(err.Error()))
	}
}
