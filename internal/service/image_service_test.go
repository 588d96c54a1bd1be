package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/sefazor/cutout-backend/internal/models"
	"github.com/sefazor/cutout-backend/pkg/apperror"
	"github.com/sefazor/cutout-backend/pkg/removal"
	"github.com/sefazor/cutout-backend/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type imageFixture struct {
	*creditFixture
	blobs   *mockBlobs
	remover *mockRemover
	images  *ImageService
}

func newImageFixture(t *testing.T) *imageFixture {
	t.Helper()
	cf := newCreditFixture(t)
	blobs := &mockBlobs{}
	remover := &mockRemover{}
	return &imageFixture{
		creditFixture: cf,
		blobs:         blobs,
		remover:       remover,
		images:        NewImageService(cf.store, cf.credits, blobs, remover, time.Second, zap.NewNop()),
	}
}

func (f *imageFixture) expectOriginal() {
	f.blobs.On("Put", mock.Anything, mock.MatchedBy(func(in storage.PutInput) bool {
		return in.Folder == originalsFolder
	})).Return(&storage.Object{
		Key: "bg-removal/originals/orig.jpg",
		URL: "https://cdn.test/bg-removal/originals/orig.jpg",
	}, nil)
}

func (f *imageFixture) expectProcessed() {
	f.blobs.On("Put", mock.Anything, mock.MatchedBy(func(in storage.PutInput) bool {
		return in.Folder == processedFolder
	})).Return(&storage.Object{
		Key: "bg-removal/processed/result.png",
		URL: "https://cdn.test/bg-removal/processed/result.png",
	}, nil)
}

func photo() models.ImageUpload {
	return models.ImageUpload{
		FileName:    "cat.jpg",
		ContentType: "image/jpeg",
		Data:        []byte("jpeg bytes"),
	}
}

func TestProcessRemovesBackgroundAndCharges(t *testing.T) {
	ctx := context.Background()
	f := newImageFixture(t)
	account := createAccount(t, f.store, "images", 3)
	f.expectOriginal()
	f.expectProcessed()
	f.remover.On("Remove", mock.Anything, mock.MatchedBy(func(in removal.Input) bool {
		return in.SourceURL == "https://cdn.test/bg-removal/originals/orig.jpg" && bytes.Equal(in.Data, []byte("jpeg bytes"))
	})).Return(&removal.Result{Data: []byte("png bytes"), ContentType: "image/png", Vendor: "clipdrop"}, nil)

	res, err := f.images.Process(ctx, account.ID, photo())
	require.NoError(t, err)
	assert.Equal(t, 2, res.RemainingCredits)
	assert.Equal(t, models.AssetOutcomeRemoved, res.Outcome)
	assert.Equal(t, "https://cdn.test/bg-removal/processed/result.png", res.ProcessedImageURL)
	assert.Equal(t, 2, balanceOf(t, f.store, account.ID))

	asset, err := f.images.Get(ctx, account.ID, res.ImageID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusCompleted, asset.Status)
	assert.Equal(t, "clipdrop", asset.Vendor)
	assert.Equal(t, CreditsPerImage, asset.CreditsUsed)
	assert.Equal(t, "processed_cat.jpg", asset.ProcessedFileName)

	entries, _, err := f.credits.Transactions(ctx, account.ID, models.Page{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LedgerKindConsumption, entries[0].Kind)
	assert.Equal(t, "Background removal for cat.jpg", entries[0].Cause)
	assert.Contains(t, f.publisher.subjects(), "credits.consumed")

	f.blobs.AssertNumberOfCalls(t, "Put", 2)
	f.blobs.AssertCalled(t, "Put", mock.Anything, mock.MatchedBy(func(in storage.PutInput) bool {
		return in.Folder == processedFolder && in.Name == "processed_cat.png" && in.ContentType == "image/png"
	}))
}

func TestProcessRejectsInvalidUploads(t *testing.T) {
	f := newImageFixture(t)
	account := createAccount(t, f.store, "invalid", 3)

	cases := map[string]struct {
		upload  models.ImageUpload
		message string
	}{
		"empty": {
			upload:  models.ImageUpload{FileName: "a.png", ContentType: "image/png"},
			message: "No image file provided",
		},
		"too large": {
			upload:  models.ImageUpload{FileName: "a.png", ContentType: "image/png", Data: make([]byte, MaxUploadSize+1)},
			message: "File size exceeds 10MB limit",
		},
		"not an image": {
			upload:  models.ImageUpload{FileName: "a.txt", ContentType: "text/plain", Data: []byte("hello")},
			message: "Only image files are allowed",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.images.Process(context.Background(), account.ID, tc.upload)
			require.Error(t, err)
			assert.Equal(t, apperror.CodeInvalidImage, apperror.CodeOf(err))
			assert.Equal(t, tc.message, apperror.MessageOf(err))
		})
	}

	f.blobs.AssertNotCalled(t, "Put", mock.Anything, mock.Anything)
	f.remover.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)
	assert.Equal(t, 3, balanceOf(t, f.store, account.ID))
}

func TestProcessAcceptsExactlyTheSizeLimit(t *testing.T) {
	f := newImageFixture(t)
	account := createAccount(t, f.store, "limit", 1)
	f.expectOriginal()
	f.expectProcessed()
	f.remover.On("Remove", mock.Anything, mock.Anything).
		Return(&removal.Result{Data: []byte("png"), ContentType: "image/png", Vendor: "clipdrop"}, nil)

	upload := models.ImageUpload{FileName: "big.png", ContentType: "image/png", Data: make([]byte, MaxUploadSize)}
	_, err := f.images.Process(context.Background(), account.ID, upload)
	require.NoError(t, err)
	assert.Equal(t, 0, balanceOf(t, f.store, account.ID))
}

func TestProcessRequiresCredits(t *testing.T) {
	ctx := context.Background()
	f := newImageFixture(t)
	account := createAccount(t, f.store, "broke", 0)

	_, err := f.images.Process(ctx, account.ID, photo())
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	f.blobs.AssertNotCalled(t, "Put", mock.Anything, mock.Anything)

	assets, _, err := f.images.List(ctx, account.ID, "", models.Page{})
	require.NoError(t, err)
	assert.Empty(t, assets)
}

func TestProcessVendorFailureLeavesBalance(t *testing.T) {
	ctx := context.Background()
	f := newImageFixture(t)
	account := createAccount(t, f.store, "vendor", 3)
	f.expectOriginal()
	f.remover.On("Remove", mock.Anything, mock.Anything).Return(nil, removal.ErrUnavailable)

	_, err := f.images.Process(ctx, account.ID, photo())
	assert.ErrorIs(t, err, ErrVendorUnavailable)
	assert.Equal(t, 3, balanceOf(t, f.store, account.ID))

	assets, _, err := f.images.List(ctx, account.ID, string(models.AssetStatusFailed), models.Page{})
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.NotEmpty(t, assets[0].ErrorMessage)
	assert.Zero(t, assets[0].CreditsUsed)
	f.blobs.AssertNumberOfCalls(t, "Put", 1)
}

func TestProcessVendorFailureKeepsMessageValidUTF8(t *testing.T) {
	ctx := context.Background()
	f := newImageFixture(t)
	account := createAccount(t, f.store, "vendor-utf8", 3)
	f.expectOriginal()
	f.remover.On("Remove", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: %s", removal.ErrUnavailable, strings.Repeat("é", 400)))

	_, err := f.images.Process(ctx, account.ID, photo())
	assert.ErrorIs(t, err, ErrVendorUnavailable)

	assets, _, err := f.images.List(ctx, account.ID, string(models.AssetStatusFailed), models.Page{})
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.True(t, utf8.ValidString(assets[0].ErrorMessage))
	assert.LessOrEqual(t, len(assets[0].ErrorMessage), 500)
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab", truncate("abé", 3))
	assert.Equal(t, "abé", truncate("abéd", 4))
	assert.Equal(t, "", truncate("日本", 2))
}

func TestProcessTimeout(t *testing.T) {
	ctx := context.Background()
	f := newImageFixture(t)
	account := createAccount(t, f.store, "slow", 3)
	f.expectOriginal()
	f.remover.On("Remove", mock.Anything, mock.Anything).
		Return(nil, errors.Join(errors.New("clipdrop"), context.DeadlineExceeded))

	_, err := f.images.Process(ctx, account.ID, photo())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 3, balanceOf(t, f.store, account.ID))
}

func TestProcessDegradedIsFree(t *testing.T) {
	ctx := context.Background()
	f := newImageFixture(t)
	account := createAccount(t, f.store, "degraded", 2)
	f.expectOriginal()
	f.expectProcessed()
	f.remover.On("Remove", mock.Anything, mock.Anything).
		Return(&removal.Result{Data: []byte("jpeg bytes"), ContentType: "image/jpeg", Vendor: "none", Degraded: true}, nil)

	res, err := f.images.Process(ctx, account.ID, photo())
	require.NoError(t, err)
	assert.Equal(t, models.AssetOutcomeDegraded, res.Outcome)
	assert.Equal(t, 2, res.RemainingCredits)
	assert.Equal(t, 2, balanceOf(t, f.store, account.ID))

	asset, err := f.images.Get(ctx, account.ID, res.ImageID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusCompleted, asset.Status)
	assert.Zero(t, asset.CreditsUsed)

	entries, _, err := f.credits.Transactions(ctx, account.ID, models.Page{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessStorageFailure(t *testing.T) {
	ctx := context.Background()
	f := newImageFixture(t)
	account := createAccount(t, f.store, "storage", 3)
	f.blobs.On("Put", mock.Anything, mock.Anything).Return(nil, errors.New("r2 down"))

	_, err := f.images.Process(ctx, account.ID, photo())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	f.remover.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)
	assert.Equal(t, 3, balanceOf(t, f.store, account.ID))

	assets, _, err := f.images.List(ctx, account.ID, string(models.AssetStatusFailed), models.Page{})
	require.NoError(t, err)
	assert.Len(t, assets, 1)
}

func TestProcessBalanceDrainedDuringRemoval(t *testing.T) {
	ctx := context.Background()
	f := newImageFixture(t)
	account := createAccount(t, f.store, "drained", 1)
	f.expectOriginal()
	f.expectProcessed()
	f.remover.On("Remove", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			_, err := f.credits.Consume(ctx, account.ID, 1, "parallel request")
			require.NoError(t, err)
		}).
		Return(&removal.Result{Data: []byte("png"), ContentType: "image/png", Vendor: "clipdrop"}, nil)

	_, err := f.images.Process(ctx, account.ID, photo())
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Equal(t, 0, balanceOf(t, f.store, account.ID))

	assets, _, err := f.images.List(ctx, account.ID, string(models.AssetStatusFailed), models.Page{})
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Zero(t, assets[0].CreditsUsed)
	assert.Empty(t, assets[0].Outcome)
}

func TestImageQueriesAreScopedToOwner(t *testing.T) {
	ctx := context.Background()
	f := newImageFixture(t)
	owner := createAccount(t, f.store, "owner", 3)
	other := createAccount(t, f.store, "other", 3)
	f.expectOriginal()
	f.expectProcessed()
	f.remover.On("Remove", mock.Anything, mock.Anything).
		Return(&removal.Result{Data: []byte("png"), ContentType: "image/png", Vendor: "clipdrop"}, nil)

	res, err := f.images.Process(ctx, owner.ID, photo())
	require.NoError(t, err)

	_, err = f.images.Get(ctx, other.ID, res.ImageID)
	assert.ErrorIs(t, err, ErrImageNotFound)
	assert.ErrorIs(t, f.images.Delete(ctx, other.ID, res.ImageID), ErrImageNotFound)

	assets, pagination, err := f.images.List(ctx, owner.ID, "", models.Page{})
	require.NoError(t, err)
	assert.Len(t, assets, 1)
	assert.Equal(t, int64(1), pagination.Total)

	_, _, err = f.images.List(ctx, owner.ID, "bogus", models.Page{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDeleteRemovesBlobsThenRecord(t *testing.T) {
	ctx := context.Background()
	f := newImageFixture(t)
	account := createAccount(t, f.store, "delete", 3)
	f.expectOriginal()
	f.expectProcessed()
	f.remover.On("Remove", mock.Anything, mock.Anything).
		Return(&removal.Result{Data: []byte("png"), ContentType: "image/png", Vendor: "clipdrop"}, nil)
	res, err := f.images.Process(ctx, account.ID, photo())
	require.NoError(t, err)

	f.blobs.On("Delete", mock.Anything, "bg-removal/originals/orig.jpg").Return(nil).Once()
	f.blobs.On("Delete", mock.Anything, "bg-removal/processed/result.png").Return(errors.New("r2 down")).Once()
	err = f.images.Delete(ctx, account.ID, res.ImageID)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	_, err = f.images.Get(ctx, account.ID, res.ImageID)
	require.NoError(t, err, "record survives a failed blob delete")

	f.blobs.On("Delete", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.images.Delete(ctx, account.ID, res.ImageID))
	_, err = f.images.Get(ctx, account.ID, res.ImageID)
	assert.ErrorIs(t, err, ErrImageNotFound)
	assert.Equal(t, 2, balanceOf(t, f.store, account.ID))
}
