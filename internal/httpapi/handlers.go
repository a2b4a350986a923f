package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"horse.fit/pulse/internal/globaltime"
	"horse.fit/pulse/internal/ingest"
	"horse.fit/pulse/internal/jobs"
	"horse.fit/pulse/internal/queue"
	"horse.fit/pulse/internal/tasks"
)

type reanalyzeRequest struct {
	TeamID *string `json:"team_id,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return success(c, map[string]any{
		"service": "pulse",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleIngestURL(c echo.Context) error {
	var req ingest.ManualRequest
	if err := s.decodeJSONBody(c, &req); err != nil {
		return s.bodyError(c, err)
	}
	id, err := s.pipeline.ManualURL.Trigger(c.Request().Context(), req)
	return s.triggered(c, tasks.ManualURL, id, err)
}

// handleIngestUpload accepts either a JSON upload request or a multipart
// form with a "file" part (plus optional "format" and "name" fields) whose
// rows are parsed inline.
func (s *Server) handleIngestUpload(c echo.Context) error {
	var req ingest.UploadRequest
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, s.opts.UploadMaxBytes)
		fh, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return s.bodyError(c, err)
			}
			return failValidation(c, map[string]string{"file": "is required"})
		}
		f, err := fh.Open()
		if err != nil {
			return failValidation(c, map[string]string{"file": err.Error()})
		}
		defer f.Close()
		body, err := io.ReadAll(f)
		if err != nil {
			return s.bodyError(c, err)
		}
		format := ingest.DetectFormat(c.FormValue("format"), fh.Filename)
		items, err := ingest.ParseUpload(body, format)
		if err != nil {
			return failValidation(c, map[string]string{"file": err.Error()})
		}
		req = ingest.UploadRequest{Format: format, Name: c.FormValue("name"), Items: items}
		if req.Name == "" {
			req.Name = fh.Filename
		}
	} else if err := s.decodeJSONBody(c, &req); err != nil {
		return s.bodyError(c, err)
	}

	id, err := s.pipeline.Upload.Trigger(c.Request().Context(), req)
	return s.triggered(c, tasks.Upload, id, err)
}

func (s *Server) handleIngestSource(c echo.Context) error {
	sourceID, ok := pathID(c)
	if !ok {
		return failValidation(c, map[string]string{"id": "must be a positive integer"})
	}
	id, err := s.pipeline.IngestNow(c.Request().Context(), sourceID)
	return s.triggered(c, tasks.IngestSource, id, err)
}

func (s *Server) handleReanalyze(c echo.Context) error {
	storyID, ok := pathID(c)
	if !ok {
		return failValidation(c, map[string]string{"id": "must be a positive integer"})
	}
	var req reanalyzeRequest
	if err := s.decodeJSONBody(c, &req); err != nil && !errors.Is(err, io.EOF) {
		return s.bodyError(c, err)
	}
	id, err := s.pipeline.Reanalyze(c.Request().Context(), storyID, req.TeamID)
	return s.triggered(c, tasks.FanOut, id, err)
}

func (s *Server) handleJob(c echo.Context) error {
	job, err := s.jobs.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, queue.ErrNotFound) {
		return failNotFound(c, "Job not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", c.Param("id")).Msg("job lookup failed")
		return internalError(c, "Failed to load job")
	}
	return success(c, job.Record())
}

func (s *Server) handleCancelJob(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := s.jobs.Cancel(ctx, id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return failNotFound(c, "Job not found")
		}
		s.logger.Error().Err(err).Str("job_id", id).Msg("job cancel failed")
		return internalError(c, "Failed to cancel job")
	}
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("job lookup failed")
		return internalError(c, "Failed to load job")
	}
	return success(c, job.Record())
}

// triggered answers a Trigger call: 202 on success, 400 with the field
// violations when the payload was rejected.
func (s *Server) triggered(c echo.Context, task, jobID string, err error) error {
	if err == nil {
		return accepted(c, task, jobID)
	}
	var verr *jobs.ValidationError
	if errors.As(err, &verr) {
		return failValidation(c, verr.FieldMap())
	}
	s.logger.Error().Err(err).Str("task", task).Msg("trigger failed")
	return internalError(c, "Failed to enqueue job")
}

func (s *Server) decodeJSONBody(c echo.Context, out any) error {
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, s.opts.UploadMaxBytes))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return io.EOF
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("invalid JSON body: trailing data")
	}
	return nil
}

func (s *Server) bodyError(c echo.Context, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fail(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("Body exceeds %d bytes", tooLarge.Limit), nil)
	}
	if errors.Is(err, io.EOF) {
		return failValidation(c, map[string]string{"body": "is required"})
	}
	return failValidation(c, map[string]string{"body": err.Error()})
}

func pathID(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
