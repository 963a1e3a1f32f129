package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"nstbot/internal/core/domain"
)

type submitRequest struct {
	// Content and Style are base64 in JSON bodies.
	Content   []byte `json:"content"`
	Style     []byte `json:"style"`
	Strength  int    `json:"strength"`
	Algorithm string `json:"algorithm"`
}

type submitResponse struct {
	ID     string        `json:"id"`
	Status domain.Status `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed writing response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps dispatcher errors to status codes. Internal errors are logged and not
// echoed to the client.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, domain.ErrNotReady):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrTaskFinished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrTaskFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrTaskCancelled):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, domain.ErrQueueUnavailable):
		writeError(w, http.StatusServiceUnavailable, domain.ErrQueueUnavailable.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readPart(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("%w: missing file %q", domain.ErrInvalidArgument, field)
	}
	defer f.Close()

	return io.ReadAll(f)
}

func (h *Handler) parseSubmission(r *http.Request) (submitRequest, error) {
	var req submitRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
			return req, fmt.Errorf("%w: %w", domain.ErrInvalidArgument, err)
		}

		var err error
		if req.Content, err = readPart(r, "content"); err != nil {
			return req, err
		}
		if req.Style, err = readPart(r, "style"); err != nil {
			return req, err
		}

		req.Algorithm = r.FormValue("algorithm")
		if s := r.FormValue("strength"); s != "" {
			req.Strength, err = strconv.Atoi(s)
			if err != nil {
				return req, fmt.Errorf("%w: strength %q is not a number", domain.ErrInvalidArgument, s)
			}
		}
	case "application/json", "":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return req, err
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("%w: %w", domain.ErrInvalidArgument, err)
		}
	default:
		return req, fmt.Errorf("%w: unsupported content type %q", domain.ErrInvalidArgument, mediaType)
	}

	return req, nil
}

func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)

	req, err := h.parseSubmission(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeDomainError(w, err)
		return
	}

	alg := domain.AdaIN
	if req.Algorithm != "" {
		if alg, err = domain.ParseAlgorithm(req.Algorithm); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	id, err := h.dispatcher.Submit(r.Context(), domain.Request{
		Content:   req.Content,
		Style:     req.Style,
		Strength:  req.Strength,
		Algorithm: alg,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/tasks/"+id)
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: domain.StatusPending})
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.dispatcher.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.dispatcher.Result(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(result)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

// WaitTask blocks until the task is terminal or the timeout query parameter elapses. On
// timeout the current task is returned with 202 so clients can keep polling.
func (h *Handler) WaitTask(w http.ResponseWriter, r *http.Request) {
	timeout := h.config.DefaultWait
	if s := r.URL.Query().Get("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", s))
			return
		}
		timeout = min(d, h.config.MaxWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	task, err := h.dispatcher.Wait(ctx, chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, task)
	case errors.Is(err, context.DeadlineExceeded) && task != nil:
		writeJSON(w, http.StatusAccepted, task)
	default:
		writeDomainError(w, err)
	}
}

func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.dispatcher.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}
