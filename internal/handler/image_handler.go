package handler

import (
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/sefazor/cutout-backend/internal/middleware"
	"github.com/sefazor/cutout-backend/internal/models"
	"github.com/sefazor/cutout-backend/internal/service"
	"github.com/sefazor/cutout-backend/pkg/apperror"
)

type ImageHandler struct {
	images *service.ImageService
}

func NewImageHandler(images *service.ImageService) *ImageHandler {
	return &ImageHandler{images: images}
}

func (h *ImageHandler) Process(c *fiber.Ctx) error {
	accountID, err := middleware.AccountID(c)
	if err != nil {
		return err
	}

	file, err := c.FormFile("image")
	if err != nil {
		return apperror.Wrap(apperror.CodeInvalidImage, "No image file provided", err)
	}
	if file.Size > service.MaxUploadSize {
		return apperror.New(apperror.CodeInvalidImage, "File size exceeds 10MB limit")
	}
	f, err := file.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, service.MaxUploadSize+1))
	if err != nil {
		return err
	}

	result, err := h.images.Process(c.UserContext(), accountID, models.ImageUpload{
		FileName:    file.Filename,
		ContentType: file.Header.Get(fiber.HeaderContentType),
		Data:        data,
	})
	if err != nil {
		return err
	}
	message := "Background removed successfully"
	if result.Outcome == models.AssetOutcomeDegraded {
		message = "Background removal is unavailable, the original image was stored"
	}
	return c.JSON(models.SuccessResponse(result, message))
}

func (h *ImageHandler) List(c *fiber.Ctx) error {
	accountID, err := middleware.AccountID(c)
	if err != nil {
		return err
	}
	images, pagination, err := h.images.List(c.UserContext(), accountID, c.Query("status"), pageFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse(fiber.Map{
		"images":     images,
		"pagination": pagination,
	}, ""))
}

func (h *ImageHandler) Get(c *fiber.Ctx) error {
	accountID, err := middleware.AccountID(c)
	if err != nil {
		return err
	}
	image, err := h.images.Get(c.UserContext(), accountID, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse(image, ""))
}

func (h *ImageHandler) Delete(c *fiber.Ctx) error {
	accountID, err := middleware.AccountID(c)
	if err != nil {
		return err
	}
	if err := h.images.Delete(c.UserContext(), accountID, c.Params("id")); err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse(nil, "Image deleted successfully"))
}
