package api

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MrCodeEU/facegate/pkg/camera"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/storage"
	"github.com/MrCodeEU/facegate/pkg/verify"
)

type startRequest struct {
	Key string `json:"key" binding:"required"`
}

// frameRequest carries one camera frame. Image is a base64 encoded JPEG or
// PNG; a data URL prefix is accepted. A missing Face means the detector
// found nobody in the frame.
type frameRequest struct {
	Image string             `json:"image" binding:"required"`
	Face  *camera.FaceRecord `json:"face"`
}

type frameResponse struct {
	Accepted bool           `json:"accepted"`
	Outcome  verify.Outcome `json:"outcome"`
}

type identityRequest struct {
	Key      string            `json:"key" binding:"required"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

// identityView is the public form of a record. Embeddings never leave the
// process.
type identityView struct {
	Key          string            `json:"key"`
	Name         string            `json:"name"`
	Enrolled     bool              `json:"enrolled"`
	HasPhoto     bool              `json:"has_photo"`
	EnrolledAt   *time.Time        `json:"enrolled_at,omitempty"`
	LastVerified *time.Time        `json:"last_verified,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func viewOf(r *storage.IdentityRecord) identityView {
	v := identityView{
		Key:      r.Key,
		Name:     r.Name,
		Enrolled: r.Enrolled(),
		HasPhoto: len(r.Photo) > 0,
		Metadata: r.Metadata,
	}
	if !r.EnrolledAt.IsZero() {
		t := r.EnrolledAt
		v.EnrolledAt = &t
	}
	if !r.LastVerified.IsZero() {
		t := r.LastVerified
		v.LastVerified = &t
	}
	return v
}

// errorStatus maps engine and store errors to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrIdentityNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrIdentityExists), errors.Is(err, verify.ErrEmbeddingMismatch):
		return http.StatusConflict
	case errors.Is(err, recognition.ErrModelUnavailable), errors.Is(err, verify.ErrLoadTarget),
		errors.Is(err, storage.ErrStorageAccess), errors.Is(err, verify.ErrInputSizeMismatch):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func (s *Server) activeSession(c *gin.Context) *verify.Session {
	session := s.orch.Active()
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
	}
	return session
}

func (s *Server) startSession(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}

	session, err := s.orch.Start(c.Request.Context(), req.Key)
	if err != nil {
		logging.Component("api").WithError(err).Warnf("Failed to start session for %s", req.Key)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session.Outcome())
}

func (s *Server) getSession(c *gin.Context) {
	if session := s.activeSession(c); session != nil {
		c.JSON(http.StatusOK, session.Outcome())
	}
}

func (s *Server) stopSession(c *gin.Context) {
	if session := s.activeSession(c); session != nil {
		session.Close()
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) resetSession(c *gin.Context) {
	if session := s.activeSession(c); session != nil {
		session.Reset()
		c.JSON(http.StatusOK, session.Outcome())
	}
}

func (s *Server) submitFrame(c *gin.Context) {
	session := s.activeSession(c)
	if session == nil {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxFrameBytes)
	var req frameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid frame request: " + err.Error()})
		return
	}

	data, err := decodeImage(req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image is not valid base64"})
		return
	}
	_, img, err := camera.Decode(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accepted := session.SubmitFrame(img, req.Face.Detection())
	resp := frameResponse{Accepted: accepted, Outcome: session.Outcome()}
	switch {
	case accepted:
		c.JSON(http.StatusAccepted, resp)
	case req.Face == nil:
		// Nothing to process; not a back-pressure signal.
		c.JSON(http.StatusOK, resp)
	case resp.Outcome.Final || resp.Outcome.Status == verify.StatusAccepted:
		c.JSON(http.StatusConflict, resp)
	default:
		c.JSON(http.StatusTooManyRequests, resp)
	}
}

func decodeImage(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(s)
}

// streamSession sends the current outcome and then every change as
// server-sent events until the session closes or the client goes away.
// Sessions have a single update stream, so only one subscriber sees every
// change.
func (s *Server) streamSession(c *gin.Context) {
	session := s.activeSession(c)
	if session == nil {
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("outcome", session.Outcome())
	c.Writer.Flush()

	updates := session.Updates()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case out, ok := <-updates:
			if !ok {
				c.SSEvent("closed", gin.H{"session_id": session.ID()})
				return false
			}
			c.SSEvent("outcome", out)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (s *Server) listIdentities(c *gin.Context) {
	records, err := s.store.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]identityView, 0, len(records))
	for i := range records {
		views = append(views, viewOf(&records[i]))
	}
	c.JSON(http.StatusOK, views)
}

// createIdentity registers an identity without an embedding. The first
// session started for it enrolls the face.
func (s *Server) createIdentity(c *gin.Context) {
	var req identityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}

	record := &storage.IdentityRecord{Key: req.Key, Name: req.Name, Metadata: req.Metadata}
	if record.Name == "" {
		record.Name = req.Key
	}
	if err := s.store.Create(c.Request.Context(), record); err != nil {
		respondError(c, err)
		return
	}

	logging.Component("api").Infof("Registered identity %s for enrollment", record.Key)
	c.JSON(http.StatusCreated, viewOf(record))
}

func (s *Server) getIdentity(c *gin.Context) {
	record, err := s.store.GetByKey(c.Request.Context(), c.Param("key"))
	if err != nil {
		respondError(c, err)
		return
	}
	if c.Query("photo") != "" {
		if len(record.Photo) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no photo enrolled"})
			return
		}
		c.Data(http.StatusOK, "image/jpeg", record.Photo)
		return
	}
	c.JSON(http.StatusOK, viewOf(record))
}

func (s *Server) deleteIdentity(c *gin.Context) {
	key := c.Param("key")
	if active := s.orch.Active(); active != nil && active.Key() == key {
		active.Close()
	}
	if err := s.store.Delete(c.Request.Context(), key); err != nil {
		respondError(c, err)
		return
	}
	logging.Component("api").Infof("Removed identity %s", key)
	c.Status(http.StatusNoContent)
}
