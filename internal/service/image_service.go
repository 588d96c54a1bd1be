package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sefazor/cutout-backend/internal/models"
	"github.com/sefazor/cutout-backend/internal/repository"
	"github.com/sefazor/cutout-backend/pkg/removal"
	"github.com/sefazor/cutout-backend/pkg/storage"
	"github.com/sefazor/cutout-backend/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	MaxUploadSize   = 10 << 20
	CreditsPerImage = 1

	originalsFolder = "bg-removal/originals"
	processedFolder = "bg-removal/processed"
)

type uploadCheck struct {
	FileName    string `validate:"required,max=255"`
	ContentType string `validate:"required,image_mime"`
	Size        int    `validate:"gt=0,lte=10485760"`
}

// ImageService runs uploads through background removal and charges one
// credit per successfully processed image.
type ImageService struct {
	store     *repository.Store
	credits   *CreditService
	blobs     BlobStore
	remover   BackgroundRemover
	validator *utils.Validator
	timeout   time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewImageService(store *repository.Store, credits *CreditService, blobs BlobStore, remover BackgroundRemover, timeout time.Duration, log *zap.Logger) *ImageService {
	return &ImageService{
		store:     store,
		credits:   credits,
		blobs:     blobs,
		remover:   remover,
		validator: utils.NewValidator(),
		timeout:   timeout,
		log:       log,
		now:       time.Now,
	}
}

func (s *ImageService) Process(ctx context.Context, accountID uint, upload models.ImageUpload) (*models.ProcessResult, error) {
	if err := s.validate(upload); err != nil {
		return nil, err
	}
	if err := s.credits.EnsureBalance(ctx, accountID, CreditsPerImage); err != nil {
		return nil, err
	}

	start := s.now()
	asset := &models.ProcessedAsset{
		PublicID:          uuid.NewString(),
		AccountID:         accountID,
		OriginalFileName:  upload.FileName,
		ProcessedFileName: "processed_" + upload.FileName,
		FileSize:          int64(len(upload.Data)),
		MimeType:          upload.ContentType,
		Status:            models.AssetStatusUploading,
	}
	if err := s.store.Assets().Create(ctx, asset); err != nil {
		return nil, err
	}
	log := s.log.With(zap.String("image_id", asset.PublicID), zap.Uint("account_id", accountID))

	source, err := s.blobs.Put(ctx, storage.PutInput{
		Folder:      originalsFolder,
		Name:        upload.FileName,
		ContentType: upload.ContentType,
		Data:        upload.Data,
	})
	if err != nil {
		return nil, s.fail(ctx, log, asset, wrap(ErrStorageUnavailable, err))
	}
	asset.SourceKey = source.Key
	asset.SourceURL = source.URL
	asset.Status = models.AssetStatusProcessing
	if err := s.store.Assets().Save(ctx, asset); err != nil {
		return nil, s.fail(ctx, log, asset, err)
	}

	res, err := s.removeBackground(ctx, upload, source.URL)
	if err != nil {
		return nil, s.fail(ctx, log, asset, err)
	}

	resultName := asset.ProcessedFileName
	if res.ContentType == "image/png" {
		resultName = trimExt(resultName) + ".png"
	}
	result, err := s.blobs.Put(ctx, storage.PutInput{
		Folder:      processedFolder,
		Name:        resultName,
		ContentType: res.ContentType,
		Data:        res.Data,
	})
	if err != nil {
		return nil, s.fail(ctx, log, asset, wrap(ErrStorageUnavailable, err))
	}

	asset.Status = models.AssetStatusCompleted
	asset.Vendor = res.Vendor
	asset.ResultKey = result.Key
	asset.ResultURL = result.URL
	asset.ProcessingTimeMs = s.now().Sub(start).Milliseconds()

	var remaining int
	if res.Degraded {
		asset.Outcome = models.AssetOutcomeDegraded
		if err := s.store.Assets().Save(ctx, asset); err != nil {
			return nil, s.fail(ctx, log, asset, err)
		}
		if remaining, err = s.credits.Balance(ctx, accountID); err != nil {
			return nil, err
		}
		log.Warn("image stored without background removal")
	} else {
		asset.Outcome = models.AssetOutcomeRemoved
		asset.CreditsUsed = CreditsPerImage
		remaining, err = s.credits.ConsumeWith(ctx, accountID, CreditsPerImage,
			fmt.Sprintf("Background removal for %s", upload.FileName),
			func(tx *repository.Store, _ int) error {
				return tx.Assets().Save(ctx, asset)
			})
		if err != nil {
			asset.Outcome = ""
			asset.CreditsUsed = 0
			return nil, s.fail(ctx, log, asset, err)
		}
	}

	log.Info("image processed",
		zap.String("vendor", res.Vendor),
		zap.String("outcome", string(asset.Outcome)),
		zap.Int64("duration_ms", asset.ProcessingTimeMs),
		zap.Int("remaining_credits", remaining))

	return &models.ProcessResult{
		ImageID:           asset.PublicID,
		OriginalImageURL:  asset.SourceURL,
		ProcessedImageURL: asset.ResultURL,
		ProcessingTime:    asset.ProcessingTimeMs,
		RemainingCredits:  remaining,
		Outcome:           asset.Outcome,
	}, nil
}

func (s *ImageService) removeBackground(ctx context.Context, upload models.ImageUpload, sourceURL string) (*removal.Result, error) {
	vctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.remover.Remove(vctx, removal.Input{
		FileName:    upload.FileName,
		ContentType: upload.ContentType,
		Data:        upload.Data,
		SourceURL:   sourceURL,
	})
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, context.DeadlineExceeded):
		return nil, wrap(ErrTimeout, err)
	default:
		return nil, wrap(ErrVendorUnavailable, err)
	}
}

// fail records cause on the asset and returns it. The asset write uses a
// context detached from cancellation so a timed-out request still leaves a
// failed record behind.
func (s *ImageService) fail(ctx context.Context, log *zap.Logger, asset *models.ProcessedAsset, cause error) error {
	asset.Status = models.AssetStatusFailed
	asset.ErrorMessage = truncate(cause.Error(), 500)
	if err := s.store.Assets().Save(context.WithoutCancel(ctx), asset); err != nil {
		log.Error("failed to record image failure", zap.Error(err))
	}
	log.Warn("image processing failed", zap.Error(cause))
	return cause
}

func (s *ImageService) validate(upload models.ImageUpload) error {
	err := s.validator.Struct(uploadCheck{
		FileName:    upload.FileName,
		ContentType: upload.ContentType,
		Size:        len(upload.Data),
	})
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		switch fieldErrs[0].Field() {
		case "Size":
			if len(upload.Data) == 0 {
				return invalidImage("No image file provided")
			}
			return invalidImage("File size exceeds 10MB limit")
		case "ContentType":
			return invalidImage("Only image files are allowed")
		}
	}
	return invalidImage(utils.Message(err))
}

func (s *ImageService) List(ctx context.Context, accountID uint, status string, page models.Page) ([]models.ProcessedAsset, models.Pagination, error) {
	filter := models.AssetStatus(status)
	if filter != "" && !filter.Valid() {
		return nil, models.Pagination{}, ErrInvalidArgument
	}
	page = page.Normalize()
	assets, total, err := s.store.Assets().ListForAccount(ctx, accountID, filter, page)
	if err != nil {
		return nil, models.Pagination{}, err
	}
	return assets, models.NewPagination(page, total), nil
}

func (s *ImageService) Get(ctx context.Context, accountID uint, publicID string) (*models.ProcessedAsset, error) {
	asset, err := s.store.Assets().GetForAccount(ctx, accountID, publicID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrImageNotFound
		}
		return nil, err
	}
	return asset, nil
}

// Delete removes both blobs, then the record. The record survives if a blob
// could not be removed so the request can be retried.
func (s *ImageService) Delete(ctx context.Context, accountID uint, publicID string) error {
	asset, err := s.Get(ctx, accountID, publicID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range []string{asset.SourceKey, asset.ResultKey} {
		if key == "" {
			continue
		}
		key := key
		g.Go(func() error {
			return s.blobs.Delete(gctx, key)
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Error("failed to delete image blobs", zap.String("image_id", publicID), zap.Error(err))
		return wrap(ErrStorageUnavailable, err)
	}

	if err := s.store.Assets().Delete(ctx, asset.ID); err != nil {
		return err
	}
	s.log.Info("image deleted", zap.String("image_id", publicID), zap.Uint("account_id", accountID))
	return nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
