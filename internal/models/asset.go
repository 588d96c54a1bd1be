package models

import "time"

type AssetStatus string

const (
	AssetStatusUploading  AssetStatus = "uploading"
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusCompleted  AssetStatus = "completed"
	AssetStatusFailed     AssetStatus = "failed"
)

func (s AssetStatus) Valid() bool {
	switch s {
	case AssetStatusUploading, AssetStatusProcessing, AssetStatusCompleted, AssetStatusFailed:
		return true
	}
	return false
}

type AssetOutcome string

const (
	AssetOutcomeRemoved AssetOutcome = "removed"
	// AssetOutcomeDegraded means no vendor removed the background and the
	// original image was stored as the result.
	AssetOutcomeDegraded AssetOutcome = "degraded"
)

type ProcessedAsset struct {
	ID                uint         `json:"-" gorm:"primaryKey"`
	PublicID          string       `json:"id" gorm:"type:varchar(36);uniqueIndex;not null"`
	AccountID         uint         `json:"-" gorm:"not null;index:idx_assets_account_created,priority:1"`
	OriginalFileName  string       `json:"originalFileName" gorm:"not null"`
	ProcessedFileName string       `json:"processedFileName,omitempty"`
	FileSize          int64        `json:"fileSize" gorm:"not null"`
	MimeType          string       `json:"mimeType" gorm:"not null"`
	Status            AssetStatus  `json:"status" gorm:"type:varchar(20);not null;index"`
	Outcome           AssetOutcome `json:"outcome,omitempty" gorm:"type:varchar(20)"`
	Vendor            string       `json:"vendor,omitempty"`
	SourceKey         string       `json:"-"`
	SourceURL         string       `json:"originalImageUrl,omitempty"`
	ResultKey         string       `json:"-"`
	ResultURL         string       `json:"processedImageUrl,omitempty"`
	ProcessingTimeMs  int64        `json:"processingTime,omitempty"`
	ErrorMessage      string       `json:"errorMessage,omitempty"`
	CreditsUsed       int          `json:"creditsUsed"`
	CreatedAt         time.Time    `json:"createdAt" gorm:"index:idx_assets_account_created,priority:2"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

type ImageUpload struct {
	FileName    string
	ContentType string
	Data        []byte
}

type ProcessResult struct {
	ImageID           string       `json:"imageId"`
	OriginalImageURL  string       `json:"originalImageUrl"`
	ProcessedImageURL string       `json:"processedImageUrl"`
	ProcessingTime    int64        `json:"processingTime"`
	RemainingCredits  int          `json:"remainingCredits"`
	Outcome           AssetOutcome `json:"outcome"`
}
