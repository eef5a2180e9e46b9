package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/actor"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/batch"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/envelope"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/protocol"
	"github.com/gin-gonic/gin"
)

const (
	contentTypeBinary = "application/octet-stream"
	collabTypeQuery   = "collab_type"
)

var errMissingCollabType = errors.New("collab_type query parameter required")

type usageResponsePayload struct {
	WorkspaceID      string `json:"workspace_id"`
	WorkspaceBytes   int64  `json:"workspace_bytes"`
	WorkspaceObjects int64  `json:"workspace_objects"`
	UserBytes        int64  `json:"user_bytes"`
}

type batchResponsePayload struct {
	Inserted []string `json:"inserted"`
	Skipped  []string `json:"skipped"`
	Dropped  int      `json:"dropped"`
}

func objectIDParam(c *gin.Context) (collab.ObjectID, error) {
	objectID, err := collab.NewObjectID(c.Param("object_id"))
	if err != nil {
		return "", collab.NewError(collab.ErrDecode, "server.object", "invalid_object_id", err)
	}
	return objectID, nil
}

func requestCompression(c *gin.Context) (envelope.Compression, error) {
	return envelope.ParseCompressionHeader(
		c.GetHeader(envelope.HeaderCompressionType),
		c.GetHeader(envelope.HeaderCompressionBufferSize),
	)
}

// handleFullSync merges the posted update and answers with the full Zstd snapshot, or 204
// when the client already holds everything.
func (h *httpHandler) handleFullSync(c *gin.Context) {
	workspaceID := workspaceFromContext(c)
	objectID, err := objectIDParam(c)
	if err != nil {
		h.abortWithStatus(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	body, err := envelope.ReadBody(c.Request.Body, h.limits.HTTPBody)
	if err != nil {
		h.abortWithStatus(c, err)
		return
	}
	frame, err := envelope.DecodeSingleFrame(body, int(h.limits.HTTPBody))
	if err != nil {
		h.abortWithStatus(c, err)
		return
	}
	params, err := protocol.DecodeCollabDocStateParams(frame)
	if err != nil {
		h.abortWithStatus(c, err)
		return
	}
	update, err := h.decompressField(ctx, params.Compression, params.DocState)
	if err != nil {
		h.abortWithStatus(c, err)
		return
	}
	stateVector, err := h.decompressField(ctx, params.Compression, params.StateVector)
	if err != nil {
		h.abortWithStatus(c, err)
		return
	}

	encoded, err := h.router.FullSync(ctx, workspaceID, objectID, actor.FullSyncRequest{
		UID:         c.GetInt64(uidContextKey),
		CollabType:  params.CollabType,
		Update:      update,
		StateVector: stateVector,
	})
	if err != nil {
		h.abortWithStatus(c, err)
		return
	}
	if encoded == nil {
		c.Status(http.StatusNoContent)
		return
	}
	compressed, err := h.codec.Compress(ctx, envelope.Zstd, encoded.Encode())
	if err != nil {
		h.abortWithStatus(c, collab.NewError(collab.ErrInternal, "server.full_sync", "compress", err))
		return
	}
	c.Header(envelope.HeaderCompressionType, envelope.Zstd.Algorithm.String())
	c.Data(http.StatusOK, contentTypeBinary, compressed)
}

func (h *httpHandler) decompressField(ctx context.Context, compression envelope.Compression, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	return h.codec.Decompress(ctx, compression, payload)
}

// handleCreateCollab provisions one object from an encoded snapshot. The object's actor
// stores it through the storage pipeline and adopts it as its replica.
func (h *httpHandler) handleCreateCollab(c *gin.Context) {
	workspaceID := workspaceFromContext(c)
	objectID, err := objectIDParam(c)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	collabType, err := parseCollabTypeQuery(c.Query(collabTypeQuery))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	compression, err := requestCompression(c)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	body, err := envelope.ReadBody(c.Request.Body, h.limits.HTTPBody)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	raw, err := h.codec.Decompress(ctx, compression, body)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	encoded, err := collab.DecodeEncodedCollab(raw)
	if err != nil {
		h.abortWithError(c, collab.NewError(collab.ErrDecode, "server.create_collab", "snapshot", err))
		return
	}

	err = h.router.Provision(ctx, workspaceID, objectID, actor.ProvisionRequest{
		UID:        c.GetInt64(uidContextKey),
		CollabType: collabType,
		Encoded:    encoded,
	})
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (h *httpHandler) handleDeleteCollab(c *gin.Context) {
	workspaceID := workspaceFromContext(c)
	objectID, err := objectIDParam(c)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	if err := h.router.Delete(ctx, workspaceID, objectID); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleBatchCreate(c *gin.Context) {
	if h.ingestor == nil {
		c.AbortWithStatus(http.StatusNotImplemented)
		return
	}
	compression, err := requestCompression(c)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	result, err := h.ingestor.Ingest(ctx, batch.Request{
		UID:         c.GetInt64(uidContextKey),
		WorkspaceID: workspaceFromContext(c),
		Compression: compression,
		Body:        http.MaxBytesReader(c.Writer, c.Request.Body, h.limits.HTTPBody),
	})
	if err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			err = collab.NewError(collab.ErrDecode, "server.batch_create", "body_too_large", err)
		}
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, batchResponsePayload{
		Inserted: objectIDStrings(result.Inserted),
		Skipped:  objectIDStrings(result.Skipped),
		Dropped:  result.Dropped,
	})
}

func (h *httpHandler) handleUsage(c *gin.Context) {
	workspaceID := workspaceFromContext(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	total, objects, err := h.store.WorkspaceUsage(ctx, workspaceID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	userBytes, err := h.store.UsageBytes(ctx, c.GetInt64(uidContextKey))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, usageResponsePayload{
		WorkspaceID:      workspaceID.String(),
		WorkspaceBytes:   total,
		WorkspaceObjects: objects,
		UserBytes:        userBytes,
	})
}

func (h *httpHandler) handlePostStream(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	if err := h.realtime.PostStream(ctx, c.GetInt64(uidContextKey), c.Request.Header, c.Request.Body); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	h.realtime.ServeWebSocket(c.Writer, c.Request, c.GetInt64(uidContextKey))
}

// parseCollabTypeQuery accepts a numeric tag or a type name.
func parseCollabTypeQuery(raw string) (collab.CollabType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, collab.NewError(collab.ErrDecode, "server.collab_type", "missing", errMissingCollabType)
	}
	if value, err := strconv.ParseInt(raw, 10, 64); err == nil {
		collabType, err := collab.NewCollabType(value)
		if err != nil {
			return 0, collab.NewError(collab.ErrDecode, "server.collab_type", "unknown", err)
		}
		return collabType, nil
	}
	collabType, err := collab.ParseCollabType(raw)
	if err != nil {
		return 0, collab.NewError(collab.ErrDecode, "server.collab_type", "unknown", err)
	}
	return collabType, nil
}

func objectIDStrings(ids []collab.ObjectID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
