// Package handlers 文档相关的 HTTP 接口。实时编辑走 websocket，这里只有管理和查询。
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"doccollab/backend/internal/auth"
	"doccollab/backend/internal/collab"
	"doccollab/backend/internal/ot"
	"doccollab/backend/internal/presence"
	"doccollab/backend/internal/protocol"
	"doccollab/backend/internal/store"
)

// DocumentService 由 collab.Sequencer 实现
type DocumentService interface {
	Materialize(ctx context.Context, docID string) (store.Snapshot, error)
	Archive(ctx context.Context, docID string) error
}

type OpReader interface {
	ReadRange(ctx context.Context, docID string, from, to uint64) ([]ot.Operation, error)
}

type Snapshotter interface {
	CompactNow(ctx context.Context, docID string) (store.Snapshot, error)
}

// ACLInvalidator 成员变化后清掉缓存的判定
type ACLInvalidator interface {
	Invalidate(ctx context.Context, docID string, userID uint64) error
}

type PresenceView interface {
	Records(docID string) []presence.Record
	Members(ctx context.Context, docID string) ([]protocol.Member, error)
}

type Deps struct {
	Store     store.Store
	Docs      DocumentService
	Ops       OpReader
	Snapshots Snapshotter
	Authz     auth.Authorizer
	// ACL 可选
	ACL      ACLInvalidator
	Presence PresenceView
	Logger   zerolog.Logger
	// MaxOpsPage 一次最多返回多少条操作
	MaxOpsPage int
}

type Handler struct {
	Deps
	log zerolog.Logger
}

func New(d Deps) *Handler {
	if d.MaxOpsPage <= 0 {
		d.MaxOpsPage = 1000
	}
	return &Handler{Deps: d, log: d.Logger.With().Str("component", "http").Logger()}
}

// Register 挂到 /collab 下，调用方负责在前面加鉴权中间件
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/documents", h.CreateDocument)
	g.GET("/documents/:docID", h.GetDocument)
	g.GET("/documents/:docID/ops", h.ListOperations)
	g.GET("/documents/:docID/presence", h.GetPresence)
	g.POST("/documents/:docID/archive", h.ArchiveDocument)
	g.POST("/documents/:docID/members", h.AddMember)
	g.POST("/documents/:docID/snapshot", h.CompactDocument)
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

type documentResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   uint64    `json:"ownerId"`
	Version   uint64    `json:"version"`
	Archived  bool      `json:"archived"`
	Content   *string   `json:"content,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toResponse(d store.Document) documentResponse {
	return documentResponse{
		ID:        d.ID,
		Title:     d.Title,
		OwnerID:   d.OwnerID,
		Version:   d.Version,
		Archived:  d.Archived,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func principal(c *gin.Context) (auth.Principal, bool) {
	p := auth.Principal{ID: c.GetUint64("userId"), Name: c.GetString("username")}
	if p.ID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "User context missing"})
		return p, false
	}
	return p, true
}

type createDocumentRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (h *Handler) CreateDocument(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Title == "" {
		req.Title = "New Document"
	}

	ctx := c.Request.Context()
	if err := h.Store.CreateDocument(ctx, store.Document{ID: req.ID, Title: req.Title, OwnerID: p.ID}); err != nil {
		h.writeError(c, err)
		return
	}
	doc, err := h.Store.GetDocument(ctx, req.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.log.Info().Str("doc", doc.ID).Uint64("owner", p.ID).Msg("document created")
	c.JSON(http.StatusCreated, toResponse(doc))
}

func (h *Handler) GetDocument(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	docID := c.Param("docID")
	if !h.authorize(c, p, docID) {
		return
	}
	ctx := c.Request.Context()
	snap, err := h.Docs.Materialize(ctx, docID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	doc, err := h.Store.GetDocument(ctx, docID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := toResponse(doc)
	// 元数据里的版本可能比内容旧一点，以内容为准
	resp.Version = snap.Version
	resp.Content = &snap.Content
	c.JSON(http.StatusOK, resp)
}

// ListOperations GET /documents/:docID/ops?since=0&limit=100，返回版本号大于 since 的操作
func (h *Handler) ListOperations(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	docID := c.Param("docID")
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "invalid since"})
		return
	}
	limit := h.MaxOpsPage
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "invalid limit"})
			return
		}
		limit = min(n, h.MaxOpsPage)
	}
	if !h.authorize(c, p, docID) {
		return
	}

	to := since + uint64(limit)
	if to < since {
		to = store.Latest
	}
	ops, err := h.Ops.ReadRange(c.Request.Context(), docID, since, to)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if ops == nil {
		ops = []ot.Operation{}
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "since": since, "operations": ops})
}

func (h *Handler) GetPresence(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	docID := c.Param("docID")
	if !h.authorize(c, p, docID) {
		return
	}
	members, err := h.Presence.Members(c.Request.Context(), docID)
	if err != nil {
		// 在线列表只是展示用，拿不到就返回空
		h.log.Warn().Err(err).Str("doc", docID).Msg("load presence members failed")
		members = []protocol.Member{}
	}
	recs := h.Presence.Records(docID)
	cursors := make([]gin.H, 0, len(recs))
	for _, r := range recs {
		cursors = append(cursors, gin.H{
			"userId":         r.Principal.ID,
			"username":       r.Principal.Name,
			"position":       r.Position,
			"selectionStart": r.SelectionStart,
			"selectionEnd":   r.SelectionEnd,
			"timestamp":      r.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "members": members, "cursors": cursors})
}

func (h *Handler) ArchiveDocument(c *gin.Context) {
	docID := c.Param("docID")
	if _, ok := h.requireOwner(c, docID); !ok {
		return
	}
	if err := h.Docs.Archive(c.Request.Context(), docID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "archived": true})
}

type addMemberRequest struct {
	UserID uint64 `json:"userId" binding:"required"`
}

func (h *Handler) AddMember(c *gin.Context) {
	docID := c.Param("docID")
	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if _, ok := h.requireOwner(c, docID); !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.Store.AddMember(ctx, docID, req.UserID); err != nil {
		h.writeError(c, err)
		return
	}
	if h.ACL != nil {
		if err := h.ACL.Invalidate(ctx, docID, req.UserID); err != nil {
			h.log.Warn().Err(err).Str("doc", docID).Uint64("user", req.UserID).Msg("invalidate acl cache failed")
		}
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "userId": req.UserID})
}

// CompactDocument 立即写一份快照
func (h *Handler) CompactDocument(c *gin.Context) {
	docID := c.Param("docID")
	if _, ok := h.requireOwner(c, docID); !ok {
		return
	}
	snap, err := h.Snapshots.CompactNow(c.Request.Context(), docID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "version": snap.Version})
}

func (h *Handler) authorize(c *gin.Context, p auth.Principal, docID string) bool {
	ok, err := h.Authz.CanAccess(c.Request.Context(), p, docID)
	if err != nil {
		h.writeError(c, errors.Join(collab.ErrDocumentUnavailable, err))
		return false
	}
	if !ok {
		h.writeError(c, collab.ErrAuthorizationDenied)
		return false
	}
	return true
}

// requireOwner 归档、加成员、手动快照只有所有者能做
func (h *Handler) requireOwner(c *gin.Context, docID string) (store.Document, bool) {
	p, ok := principal(c)
	if !ok {
		return store.Document{}, false
	}
	doc, err := h.Store.GetDocument(c.Request.Context(), docID)
	if err != nil {
		h.writeError(c, err)
		return store.Document{}, false
	}
	if doc.OwnerID != 0 && doc.OwnerID != p.ID {
		h.writeError(c, collab.ErrAuthorizationDenied)
		return store.Document{}, false
	}
	return doc, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "document not found"})
		return
	case errors.Is(err, store.ErrDocumentExists):
		c.JSON(http.StatusConflict, gin.H{"code": "ALREADY_EXISTS", "message": "document already exists"})
		return
	case errors.Is(err, store.ErrInvalidDocumentID):
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}

	code, advice := collab.Classify(err)
	status := http.StatusInternalServerError
	switch code {
	case collab.CodeAuthorizationDenied:
		status = http.StatusForbidden
	case collab.CodeDocumentUnavailable:
		status = http.StatusServiceUnavailable
	case collab.CodeDocumentArchived:
		status = http.StatusConflict
	case collab.CodeInvalidBaseVersion:
		status = http.StatusConflict
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		msg = "internal error"
	}
	c.JSON(status, gin.H{"code": code, "message": msg, "advice": advice})
}
