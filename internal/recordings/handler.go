package recordings

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tgringer/callserver/internal/recorder"
	"github.com/tgringer/callserver/pkg/response"
)

// Recorder is the capture service behind the HTTP surface.
type Recorder interface {
	Start(ctx context.Context, req recorder.StartRequest) (recorder.StartResult, error)
	Append(ctx context.Context, id string, seq int64, data []byte) error
	Finish(ctx context.Context, req recorder.FinishRequest) (recorder.FinishResult, error)
	List() ([]recorder.Artifact, error)
	ArtifactPath(name string) (string, error)
}

// Handler handles chunked recording HTTP endpoints.
type Handler struct {
	rec           Recorder
	maxChunkBytes int64
	logger        *zap.Logger
}

// NewHandler creates a recordings handler. maxChunkBytes <= 0 means 64 MiB.
func NewHandler(rec Recorder, maxChunkBytes int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxChunkBytes <= 0 {
		maxChunkBytes = 64 << 20
	}
	return &Handler{rec: rec, maxChunkBytes: maxChunkBytes, logger: logger}
}

// Register mounts the endpoints under /record.
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/record")
	g.POST("/start", h.Start)
	g.POST("/chunk", h.Chunk)
	g.POST("/finish", h.Finish)
	g.GET("/list", h.List)
	g.GET("/file", h.File)
}

type startInput struct {
	RoomID   string `form:"room_id" json:"room_id"`
	OwnerUID string `form:"owner_uid" json:"owner_uid"`
	ChatID   string `form:"chat_id" json:"chat_id"`
}

// Start handles POST /record/start.
func (h *Handler) Start(c *gin.Context) {
	var in startInput
	if err := c.ShouldBind(&in); err != nil {
		response.BadRequest(c, "invalid form")
		return
	}
	res, err := h.rec.Start(c.Request.Context(), recorder.StartRequest{RoomID: in.RoomID, OwnerUID: in.OwnerUID, ChatID: in.ChatID})
	if err != nil {
		h.fail(c, "start", err)
		return
	}
	response.OK(c, gin.H{
		"recording_id": res.RecordingID,
		"started_ts":   strconv.FormatInt(res.StartedAt.Unix(), 10),
		"started_at":   res.StartedAt.UTC(),
		"mode":         res.Mode,
	})
}

// Chunk handles POST /record/chunk. The payload is the multipart "file" part,
// or the raw request body with recording_id and seq in the query string.
func (h *Handler) Chunk(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxChunkBytes+(1<<20))

	var data []byte
	var err error
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		data, err = h.readPart(c)
	} else {
		data, err = io.ReadAll(c.Request.Body)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.TooLarge(c, "chunk too large")
			return
		}
		response.BadRequest(c, "invalid chunk upload")
		return
	}
	if int64(len(data)) > h.maxChunkBytes {
		response.TooLarge(c, "chunk too large")
		return
	}

	id := c.PostForm("recording_id")
	if id == "" {
		id = c.Query("recording_id")
	}
	rawSeq := c.PostForm("seq")
	if rawSeq == "" {
		rawSeq = c.Query("seq")
	}
	seq, err := strconv.ParseInt(rawSeq, 10, 64)
	if id == "" || err != nil {
		response.BadRequest(c, "recording_id and integer seq required")
		return
	}

	if err := h.rec.Append(c.Request.Context(), id, seq, data); err != nil {
		h.fail(c, "chunk", err)
		return
	}
	response.OK(c, gin.H{"seq": seq})
}

func (h *Handler) readPart(c *gin.Context) ([]byte, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, err
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, h.maxChunkBytes+1))
}

type finishInput struct {
	RecordingID string `form:"recording_id" json:"recording_id"`
	Deliver     *int   `form:"deliver" json:"deliver"`
	SendToBot   *int   `form:"send_to_bot" json:"send_to_bot"`
	OwnerUID    string `form:"owner_uid" json:"owner_uid"`
	ChatID      string `form:"chat_id" json:"chat_id"`
}

// deliver defaults to on, as the bot flow expects.
func (in finishInput) deliver() bool {
	switch {
	case in.Deliver != nil:
		return *in.Deliver != 0
	case in.SendToBot != nil:
		return *in.SendToBot != 0
	default:
		return true
	}
}

// Finish handles POST /record/finish.
func (h *Handler) Finish(c *gin.Context) {
	var in finishInput
	if err := c.ShouldBind(&in); err != nil || in.RecordingID == "" {
		response.BadRequest(c, "recording_id required")
		return
	}
	res, err := h.rec.Finish(c.Request.Context(), recorder.FinishRequest{
		RecordingID: in.RecordingID,
		Deliver:     in.deliver(),
		OwnerUID:    in.OwnerUID,
		ChatID:      in.ChatID,
	})
	if err != nil {
		h.fail(c, "finish", err)
		return
	}
	response.OK(c, gin.H{
		"url":        res.URL,
		"public_url": res.URL,
		"file":       res.Filename,
		"filename":   res.Filename,
		"s3_url":     res.S3URL,
		"mode":       res.Mode,
		"size":       res.Size,
	})
}

// List handles GET /record/list.
func (h *Handler) List(c *gin.Context) {
	list, err := h.rec.List()
	if err != nil {
		h.fail(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": list})
}

// File handles GET /record/file?file=.
func (h *Handler) File(c *gin.Context) {
	path, err := h.rec.ArtifactPath(c.Query("file"))
	if err != nil {
		h.fail(c, "file", err)
		return
	}
	c.File(path)
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, recorder.ErrNotFound):
		response.NotFound(c, "recording not found")
	case errors.Is(err, recorder.ErrConflict):
		response.Conflict(c, "recording file already exists")
	case errors.Is(err, recorder.ErrEmptyChunk):
		response.BadRequest(c, "empty chunk")
	case errors.Is(err, recorder.ErrInvalidRequest):
		response.BadRequest(c, err.Error())
	default:
		h.logger.Error("recording "+op+" failed", zap.Error(err))
		response.Internal(c, op+" failed")
	}
}
