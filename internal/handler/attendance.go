package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"eventattend/internal/attendance"
	"eventattend/internal/faceclient"
)

const maxEvidenceBytes = 8 << 20

// RecordManual advances the participant's session without evidence.
func (h *Handler) RecordManual(c *gin.Context) {
	var req struct {
		ParticipantKey string `json:"participant_key"`
		Note           string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := h.recorder.RecordManual(c.Request.Context(), req.ParticipantKey, c.Param("event"), req.Note)
	if err != nil {
		h.writeRecordError(c, snap, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": snap})
}

type scanInput struct {
	ParticipantKey string `json:"participant_key" form:"participant_key"`
	Data           string `json:"data" form:"data"`
	EvidenceURL    string `json:"evidence_url" form:"evidence_url"`
}

// RecordScan stores the captured image, resolves the participant through the
// face service and advances the session with the image as evidence. Nothing is
// recorded when the capture cannot be stored or matched.
func (h *Handler) RecordScan(c *gin.Context) {
	ctx := c.Request.Context()
	eventKey := c.Param("event")

	var in scanInput
	var image []byte
	var filename string
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		if err := c.ShouldBind(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if file, header, err := c.Request.FormFile("image"); err == nil {
			data, rerr := io.ReadAll(io.LimitReader(file, maxEvidenceBytes+1))
			file.Close()
			if rerr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "read image failed"})
				return
			}
			if len(data) > maxEvidenceBytes {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
				return
			}
			image, filename = data, header.Filename
		}
	} else if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	evidence := strings.TrimSpace(in.EvidenceURL)
	if len(image) > 0 || in.Data != "" {
		if h.uploader == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}
		var ref string
		var err error
		if len(image) > 0 {
			res, uerr := h.uploader.UploadBytes(ctx, image, filename)
			if uerr == nil {
				ref = res.SecureURL
			}
			err = uerr
		} else {
			res, uerr := h.uploader.UploadBase64(ctx, in.Data)
			if uerr == nil {
				ref = res.SecureURL
			}
			err = uerr
		}
		if err != nil {
			h.log.WarnContext(ctx, "evidence upload failed", "event", eventKey, "err", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
			return
		}
		evidence = ref
	}

	participant := strings.TrimSpace(in.ParticipantKey)
	var match *faceclient.SearchMatch
	if h.face != nil && evidence != "" {
		if participant == "" {
			m, err := h.face.Identify(ctx, evidence, h.threshold)
			if errors.Is(err, faceclient.ErrNoMatch) {
				c.JSON(http.StatusNotFound, gin.H{"error": "face not recognized"})
				return
			}
			if err != nil {
				h.log.WarnContext(ctx, "face identify failed", "event", eventKey, "err", err)
				c.JSON(http.StatusBadGateway, gin.H{"error": "face recognition failed"})
				return
			}
			participant, match = m.UserID, &m
		} else {
			v, err := h.face.Verify(ctx, participant, evidence)
			if err != nil {
				h.log.WarnContext(ctx, "face verify failed", "event", eventKey, "participant", participant, "err", err)
				c.JSON(http.StatusBadGateway, gin.H{"error": "face recognition failed"})
				return
			}
			if !v.Verified {
				c.JSON(http.StatusForbidden, gin.H{"error": "face does not match participant", "similarity": v.Similarity})
				return
			}
		}
	}

	snap, err := h.recorder.RecordScan(ctx, participant, eventKey, evidence)
	if err != nil {
		h.writeRecordError(c, snap, err)
		return
	}
	body := gin.H{"session": snap}
	if match != nil {
		body["match"] = match
	}
	c.JSON(http.StatusOK, body)
}

// SelectEvent loads the event's active sessions into the recorder cache.
func (h *Handler) SelectEvent(c *gin.Context) {
	n, err := h.recorder.Hydrate(c.Request.Context(), c.Param("event"))
	if err != nil {
		h.writeRecordError(c, attendance.Snapshot{}, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": c.Param("event"), "sessions": n})
}

// ReleaseEvent drops the event from the recorder cache.
func (h *Handler) ReleaseEvent(c *gin.Context) {
	h.recorder.Forget(c.Param("event"))
	c.Status(http.StatusNoContent)
}

// ActiveSessions lists the participants currently checked in.
func (h *Handler) ActiveSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.recorder.ActiveSessions(c.Param("event"))})
}

// GetSession returns one cached session.
func (h *Handler) GetSession(c *gin.Context) {
	snap, ok := h.recorder.Session(c.Param("participant"), c.Param("event"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": snap})
}

// ListSessions returns persisted sessions of the event, newest first.
func (h *Handler) ListSessions(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "history not available for this store"})
		return
	}
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	sessions, err := h.history.ListSessions(c.Request.Context(), c.Param("event"), c.Query("participant_key"), limit, offset)
	if err != nil {
		h.log.ErrorContext(c.Request.Context(), "list sessions failed", "event", c.Param("event"), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list sessions failed"})
		return
	}
	if sessions == nil {
		sessions = []attendance.Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// EnrollFace registers a participant's reference image with the face service.
func (h *Handler) EnrollFace(c *gin.Context) {
	if h.face == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "face service not configured"})
		return
	}
	var req struct {
		ImageURL string `json:"image_url" binding:"required"`
		Name     string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.face.Enroll(c.Request.Context(), c.Param("participant"), req.ImageURL, req.Name)
	if err != nil {
		h.log.WarnContext(c.Request.Context(), "face enroll failed", "participant", c.Param("participant"), "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "face enrollment failed"})
		return
	}
	if !res.Success {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": res.Message})
		return
	}
	c.JSON(http.StatusCreated, res)
}
