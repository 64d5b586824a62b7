package engine

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"entity-engine/internal/storage"
	"entity-engine/internal/store"
)

// FileHandler uploads and serves media content. Metadata goes through the
// Service so tenant scoping applies; bytes go to FileStorage.
type FileHandler struct {
	svc     FileService
	storage storage.FileStorage
	maxSize int64
}

func NewFileHandler(svc FileService, fs storage.FileStorage, maxSize int64) *FileHandler {
	return &FileHandler{svc: svc, storage: fs, maxSize: maxSize}
}

// Upload handles POST /api/_files (multipart form field "file").
func (h *FileHandler) Upload(c *fiber.Ctx) error {
	ctx := requestContext(c)
	file, err := c.FormFile("file")
	if err != nil {
		return respondError(c, invalidPayload("Missing file in form data"))
	}

	if h.maxSize > 0 && file.Size > h.maxSize {
		msg := fmt.Sprintf("File too large: %d bytes (max %d)", file.Size, h.maxSize)
		return respondError(c, NewAppError(CodeFileTooLarge, 413, msg))
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open uploaded file: %w", err)
	}
	defer src.Close()

	mimeType := file.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	f := &store.File{
		ID:       uuid.NewString(),
		Filename: file.Filename,
		MimeType: mimeType,
		Size:     file.Size,
	}
	tenant := ""
	if user := getUser(c); user != nil {
		tenant = user.TenantID
	}

	f.StoragePath, err = h.storage.Save(ctx, tenant, f.ID, f.Filename, src)
	if err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	if err := h.svc.SaveFile(ctx, f); err != nil {
		_ = h.storage.Delete(ctx, f.StoragePath)
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"data": fiber.Map{
			"id":        f.ID,
			"filename":  f.Filename,
			"size":      f.Size,
			"mime_type": f.MimeType,
			"url":       "/api/_files/" + f.ID,
		},
	})
}

// Serve handles GET /api/_files/:id
func (h *FileHandler) Serve(c *fiber.Ctx) error {
	ctx := requestContext(c)
	f, err := h.svc.GetFile(ctx, c.Params("id"))
	if err != nil {
		return err
	}

	reader, err := h.storage.Open(ctx, f.StoragePath)
	if err != nil {
		return fmt.Errorf("open stored file: %w", err)
	}

	c.Set("Content-Type", f.MimeType)
	c.Set("Content-Disposition", fmt.Sprintf(`inline; filename=%q`, f.Filename))
	// fasthttp closes the stream once it has been written.
	return c.SendStream(reader)
}
