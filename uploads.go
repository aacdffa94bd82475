package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/models"
	"bitbucket.org/mmdatafocus/retailpos_backend/utils"
)

const maxUploadSizeBytes int64 = 5 * 1024 * 1024

type uploadResponse struct {
	ImageURL     string `json:"image_url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	ObjectKey    string `json:"object_key"`
}

// uploadHandler stores count/incident photo evidence. The file lands in GCS
// under <business>/<entity>/<uuid>.<ext>; the caller then references the
// returned URL in the documents array of the count or incident payload.
func uploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		ctx := c.Request.Context()

		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok || businessId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if fileHeader.Size > maxUploadSizeBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 5MB limit"})
			return
		}

		entity := sanitizeSegment(strings.ToLower(strings.TrimSpace(c.PostForm("entity"))))
		if entity == "" {
			entity = "uploads"
		}

		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file"})
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, maxUploadSizeBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file"})
			return
		}
		if int64(len(data)) > maxUploadSizeBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 5MB limit"})
			return
		}

		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		if ext == "" {
			ext = ".jpg"
		}
		objectKey := path.Join(businessId, entity, uuid.New().String()+ext)

		imageURL, err := utils.UploadPhotoToGCS(ctx, objectKey, bytes.NewReader(data))
		if err != nil {
			config.LogError(logger, "uploads.go", "uploadHandler", "UploadPhotoToGCS", objectKey, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp := uploadResponse{
			ImageURL:  imageURL,
			ObjectKey: objectKey,
		}

		// Thumbnail failures are logged but never fail the upload itself.
		if thumbnailKey, err := createThumbnail(ctx, objectKey, data); err != nil {
			logger.WithFields(logrus.Fields{
				"field":      "uploadHandler",
				"object_key": objectKey,
			}).Warn("thumbnail generation failed: " + err.Error())
		} else {
			resp.ThumbnailURL = utils.BuildObjectAccessURL(thumbnailKey)
		}

		logger.WithFields(logrus.Fields{
			"business_id": businessId,
			"object_key":  objectKey,
			"size":        len(data),
		}).Info("[upload.complete]")

		c.JSON(http.StatusOK, resp)
	}
}

type removeUploadRequest struct {
	DocumentUrl string `json:"document_url" binding:"required"`
}

func removeUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req removeUploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "document_url is required"})
			return
		}
		if err := models.RemoveFile(c.Request.Context(), req.DocumentUrl); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": req.DocumentUrl})
	}
}

func createThumbnail(ctx context.Context, objectKey string, data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	thumbnail := imaging.Resize(img, 200, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumbnail, imaging.JPEG); err != nil {
		return "", err
	}

	thumbnailKey := thumbnailObjectKey(objectKey)
	if err := utils.UploadBytesToGCS(ctx, thumbnailKey, buf.Bytes(), "image/jpeg"); err != nil {
		return "", err
	}
	return thumbnailKey, nil
}

func thumbnailObjectKey(objectKey string) string {
	dir := path.Dir(objectKey)
	filename := path.Base(objectKey)
	return path.Join(dir, "thumbnails", filename)
}

func sanitizeSegment(input string) string {
	var out strings.Builder
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out.WriteRune(r)
		}
	}
	return out.String()
}
